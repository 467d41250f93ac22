// Package store provides the persistence layer: the GORM models for devices,
// images, inference results, alerts and control mailboxes, the PostgreSQL
// connection bootstrap, and the query surface the services depend on.
package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ImageType tags an image row as the uploaded frame or its normalized copy.
type ImageType string

const (
	ImageTypeOriginal     ImageType = "original"
	ImageTypePreprocessed ImageType = "preprocessed"
)

// ResultStatus records the outcome of one inference attempt.
type ResultStatus string

const (
	ResultStatusSuccess ResultStatus = "success"
	ResultStatusFailed  ResultStatus = "failed"
)

// ControlCommand is a manual command an operator can place in a device's
// control mailbox.
type ControlCommand string

const (
	ControlActivateServo ControlCommand = "ACTIVATE_SERVO"
	ControlStopServo     ControlCommand = "STOP_SERVO"
)

// ControlStatus tracks the lifecycle of a manual command. NOT_SET is the
// absence of a mailbox row and never appears in the database.
type ControlStatus string

const (
	ControlStatusNotSet   ControlStatus = "NOT_SET"
	ControlStatusPending  ControlStatus = "PENDING"
	ControlStatusExecuted ControlStatus = "EXECUTED"
	ControlStatusFailed   ControlStatus = "FAILED"
)

// Device represents a provisioned field device.
type Device struct {
	ID          string    `gorm:"type:char(36);primaryKey"`
	DeviceCode  string    `gorm:"uniqueIndex;size:50;not null"`
	Location    string    `gorm:"size:255"`
	Description string    `gorm:"size:255"`
	IsActive    bool      `gorm:"default:true"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`

	Auth    *DeviceAuth       `gorm:"foreignKey:DeviceID"`
	Control *DeviceControl    `gorm:"foreignKey:DeviceID"`
	Images  []Image           `gorm:"foreignKey:DeviceID"`
	Results []InferenceResult `gorm:"foreignKey:DeviceID"`
	Alerts  []Alert           `gorm:"foreignKey:DeviceID"`
}

// TableName specifies the table name for the Device model.
func (Device) TableName() string {
	return "devices"
}

// BeforeCreate assigns a UUID primary key when none was provided.
func (d *Device) BeforeCreate(_ *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	return nil
}

// DeviceAuth holds the bcrypt credentials a device authenticates with.
type DeviceAuth struct {
	ID           string    `gorm:"type:char(36);primaryKey"`
	DeviceID     string    `gorm:"type:char(36);uniqueIndex;not null"`
	DeviceCode   string    `gorm:"uniqueIndex;size:50;not null"`
	PasswordHash string    `gorm:"size:100;not null"`
	CreatedAt    time.Time `gorm:"autoCreateTime"`
}

// TableName specifies the table name for the DeviceAuth model.
func (DeviceAuth) TableName() string {
	return "device_auth"
}

// BeforeCreate assigns a UUID primary key when none was provided.
func (a *DeviceAuth) BeforeCreate(_ *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}

// Image represents one stored frame. Two rows exist per upload event, the
// original and the preprocessed copy. Rows are immutable once written.
type Image struct {
	ID         string    `gorm:"type:char(36);primaryKey"`
	DeviceID   string    `gorm:"type:char(36);index;not null"`
	DeviceCode string    `gorm:"index;size:50;not null"`
	ImageType  ImageType `gorm:"size:20;not null"`
	ImagePath  string    `gorm:"size:500;not null"`
	Width      int       `gorm:"not null"`
	Height     int       `gorm:"not null"`
	Checksum   string    `gorm:"size:64"`
	CapturedAt time.Time
	UploadedAt time.Time `gorm:"autoCreateTime"`
}

// TableName specifies the table name for the Image model.
func (Image) TableName() string {
	return "images"
}

// BeforeCreate assigns a UUID primary key when none was provided.
func (i *Image) BeforeCreate(_ *gorm.DB) error {
	if i.ID == "" {
		i.ID = uuid.NewString()
	}
	return nil
}

// InferenceResult is the append-only audit record of one inference attempt.
// Exactly one row is written per upload cycle, success or failure, and rows
// are never mutated afterwards.
type InferenceResult struct {
	ID             string       `gorm:"type:char(36);primaryKey"`
	ImageID        string       `gorm:"type:char(36);index"`
	DeviceID       string       `gorm:"type:char(36);index;not null"`
	DeviceCode     string       `gorm:"size:50;not null;index:idx_results_device_time"`
	RawPrediction  string       `gorm:"type:text"`
	TotalObjects   int          `gorm:"not null"`
	TotalLarvae    int          `gorm:"not null"`
	TotalOther     int          `gorm:"not null"`
	AvgConfidence  float64      `gorm:"not null"`
	ParsingVersion string       `gorm:"size:10"`
	Status         ResultStatus `gorm:"size:20;not null"`
	ErrorMessage   string       `gorm:"type:text"`
	InferenceAt    time.Time    `gorm:"not null;index:idx_results_device_time"`
}

// TableName specifies the table name for the InferenceResult model.
func (InferenceResult) TableName() string {
	return "inference_results"
}

// BeforeCreate assigns a UUID primary key when none was provided.
func (r *InferenceResult) BeforeCreate(_ *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// Alert represents a sustained detection episode. At most one unresolved row
// exists per device at any time; rows are resolved, never deleted.
type Alert struct {
	ID         string     `gorm:"type:char(36);primaryKey"`
	DeviceID   string     `gorm:"type:char(36);index;not null"`
	DeviceCode string     `gorm:"size:50;not null;index:idx_alerts_device_open"`
	LarvaCount int        `gorm:"not null"`
	Resolved   bool       `gorm:"not null;default:false;index:idx_alerts_device_open"`
	CreatedAt  time.Time  `gorm:"autoCreateTime"`
	ResolvedAt *time.Time
}

// TableName specifies the table name for the Alert model.
func (Alert) TableName() string {
	return "alerts"
}

// BeforeCreate assigns a UUID primary key when none was provided.
func (a *Alert) BeforeCreate(_ *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}

// DeviceControl is the single-slot control mailbox. The unique index on the
// device keeps it to one row per device; all writes go through the control
// service.
type DeviceControl struct {
	ID             string         `gorm:"type:char(36);primaryKey"`
	DeviceID       string         `gorm:"type:char(36);uniqueIndex;not null"`
	DeviceCode     string         `gorm:"uniqueIndex;size:50;not null"`
	ControlCommand ControlCommand `gorm:"size:30;not null"`
	Status         ControlStatus  `gorm:"size:20;not null"`
	Message        string         `gorm:"size:255"`
	CreatedAt      time.Time      `gorm:"autoCreateTime"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime"`
}

// TableName specifies the table name for the DeviceControl model.
func (DeviceControl) TableName() string {
	return "device_controls"
}

// BeforeCreate assigns a UUID primary key when none was provided.
func (c *DeviceControl) BeforeCreate(_ *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

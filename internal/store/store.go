package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrNotFound is returned when a queried record does not exist. Callers use
// it to distinguish absence from storage failure.
var ErrNotFound = errors.New("record not found")

// Store wraps the database handle with the query surface the services need.
type Store struct {
	db *gorm.DB
}

// New creates a Store over an open database handle.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("database handle cannot be nil")
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for lifecycle management and migrations.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// CreateDevice inserts a new device row.
func (s *Store) CreateDevice(ctx context.Context, device *Device) error {
	if err := s.db.WithContext(ctx).Create(device).Error; err != nil {
		return fmt.Errorf("failed to create device %q: %w", device.DeviceCode, err)
	}
	return nil
}

// SaveDevice upserts a device row by primary key.
func (s *Store) SaveDevice(ctx context.Context, device *Device) error {
	if err := s.db.WithContext(ctx).Save(device).Error; err != nil {
		return fmt.Errorf("failed to save device %q: %w", device.DeviceCode, err)
	}
	return nil
}

// DeviceByCode returns the device with the given code, or ErrNotFound.
func (s *Store) DeviceByCode(ctx context.Context, deviceCode string) (*Device, error) {
	var device Device
	err := s.db.WithContext(ctx).Where("device_code = ?", deviceCode).First(&device).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query device %q: %w", deviceCode, err)
	}
	return &device, nil
}

// SetDeviceActive flips the activation flag for a device.
func (s *Store) SetDeviceActive(ctx context.Context, deviceCode string, active bool) error {
	result := s.db.WithContext(ctx).Model(&Device{}).
		Where("device_code = ?", deviceCode).
		Update("is_active", active)
	if result.Error != nil {
		return fmt.Errorf("failed to update device %q: %w", deviceCode, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveDeviceAuth upserts the credentials row for a device.
func (s *Store) SaveDeviceAuth(ctx context.Context, auth *DeviceAuth) error {
	if err := s.db.WithContext(ctx).Save(auth).Error; err != nil {
		return fmt.Errorf("failed to save credentials for %q: %w", auth.DeviceCode, err)
	}
	return nil
}

// AuthByCode returns the credentials row for a device, or ErrNotFound.
func (s *Store) AuthByCode(ctx context.Context, deviceCode string) (*DeviceAuth, error) {
	var auth DeviceAuth
	err := s.db.WithContext(ctx).Where("device_code = ?", deviceCode).First(&auth).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query credentials for %q: %w", deviceCode, err)
	}
	return &auth, nil
}

// CreateImage inserts an image row.
func (s *Store) CreateImage(ctx context.Context, image *Image) error {
	if err := s.db.WithContext(ctx).Create(image).Error; err != nil {
		return fmt.Errorf("failed to create %s image for %q: %w", image.ImageType, image.DeviceCode, err)
	}
	return nil
}

// ImageByID returns an image row by primary key, or ErrNotFound.
func (s *Store) ImageByID(ctx context.Context, id string) (*Image, error) {
	var image Image
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&image).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query image %q: %w", id, err)
	}
	return &image, nil
}

// CreateInferenceResult appends one row to the inference audit log.
func (s *Store) CreateInferenceResult(ctx context.Context, result *InferenceResult) error {
	if err := s.db.WithContext(ctx).Create(result).Error; err != nil {
		return fmt.Errorf("failed to record inference result for %q: %w", result.DeviceCode, err)
	}
	return nil
}

// LatestSuccessfulResult returns the most recent successful inference result
// for a device, or ErrNotFound when the device has none.
func (s *Store) LatestSuccessfulResult(ctx context.Context, deviceCode string) (*InferenceResult, error) {
	var result InferenceResult
	err := s.db.WithContext(ctx).
		Where("device_code = ? AND status = ?", deviceCode, ResultStatusSuccess).
		Order("inference_at DESC").
		First(&result).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query latest result for %q: %w", deviceCode, err)
	}
	return &result, nil
}

// CountResults returns the number of inference rows recorded for a device.
func (s *Store) CountResults(ctx context.Context, deviceCode string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&InferenceResult{}).
		Where("device_code = ?", deviceCode).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count results for %q: %w", deviceCode, err)
	}
	return count, nil
}

// CreateAlert inserts a new open alert row.
func (s *Store) CreateAlert(ctx context.Context, alert *Alert) error {
	if err := s.db.WithContext(ctx).Create(alert).Error; err != nil {
		return fmt.Errorf("failed to create alert for %q: %w", alert.DeviceCode, err)
	}
	return nil
}

// OpenAlert returns the unresolved alert for a device, or ErrNotFound.
func (s *Store) OpenAlert(ctx context.Context, deviceCode string) (*Alert, error) {
	var alert Alert
	err := s.db.WithContext(ctx).
		Where("device_code = ? AND resolved = ?", deviceCode, false).
		Order("created_at DESC").
		First(&alert).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query open alert for %q: %w", deviceCode, err)
	}
	return &alert, nil
}

// CountOpenAlerts returns the number of unresolved alerts for a device.
func (s *Store) CountOpenAlerts(ctx context.Context, deviceCode string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Alert{}).
		Where("device_code = ? AND resolved = ?", deviceCode, false).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count open alerts for %q: %w", deviceCode, err)
	}
	return count, nil
}

// ResolveOpenAlerts marks every unresolved alert for a device as resolved at
// the given time and reports how many rows changed.
func (s *Store) ResolveOpenAlerts(ctx context.Context, deviceCode string, at time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Model(&Alert{}).
		Where("device_code = ? AND resolved = ?", deviceCode, false).
		Updates(map[string]any{"resolved": true, "resolved_at": at})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to resolve alerts for %q: %w", deviceCode, result.Error)
	}
	return result.RowsAffected, nil
}

// ControlByCode returns the control mailbox row for a device, or ErrNotFound
// when the mailbox has never been set.
func (s *Store) ControlByCode(ctx context.Context, deviceCode string) (*DeviceControl, error) {
	var control DeviceControl
	err := s.db.WithContext(ctx).Where("device_code = ?", deviceCode).First(&control).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query control for %q: %w", deviceCode, err)
	}
	return &control, nil
}

// SaveControl upserts the control mailbox row by primary key.
func (s *Store) SaveControl(ctx context.Context, control *DeviceControl) error {
	if err := s.db.WithContext(ctx).Save(control).Error; err != nil {
		return fmt.Errorf("failed to save control for %q: %w", control.DeviceCode, err)
	}
	return nil
}

// DeleteControl removes the control mailbox row for a device and reports
// whether a row existed.
func (s *Store) DeleteControl(ctx context.Context, deviceCode string) (bool, error) {
	result := s.db.WithContext(ctx).
		Where("device_code = ?", deviceCode).
		Delete(&DeviceControl{})
	if result.Error != nil {
		return false, fmt.Errorf("failed to delete control for %q: %w", deviceCode, result.Error)
	}
	return result.RowsAffected > 0, nil
}

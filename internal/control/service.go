// Package control implements the per-device control mailbox: a single-slot
// command register that arbitrates between manual operator commands and the
// automatic action derived from inference. States are NOT_SET (no row),
// PENDING, EXECUTED and FAILED; a completed or failed manual command reverts
// the device to automatic control on its next poll.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hanchipham/MosquitoBackend/internal/store"
)

// ErrDeviceNotFound is returned by Set when the target device is not
// provisioned. Devices cannot receive commands before provisioning.
var ErrDeviceNotFound = errors.New("device not found")

// Mode distinguishes who is driving the device.
type Mode string

const (
	ModeManual Mode = "MANUAL"
	ModeAuto   Mode = "AUTO"
)

// autoMessage is the informational text for every automatic response.
const autoMessage = "Automatic control based on inference"

// Response is the arbitration outcome returned to a polling device. Manual
// responses carry the pending command; automatic responses carry the action
// computed from the latest inference.
type Response struct {
	Mode      Mode                 `json:"mode"`
	Command   store.ControlCommand `json:"command,omitempty"`
	Action    store.ControlCommand `json:"action,omitempty"`
	Status    string               `json:"status"`
	Message   string               `json:"message"`
	Timestamp time.Time            `json:"timestamp"`
}

// Config holds the configuration for the control service.
type Config struct {
	Store  *store.Store
	Logger *slog.Logger
	// Now returns the current time; defaults to time.Now.
	Now func() time.Time
}

// Service owns all writes to the control mailbox.
type Service struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a new control service.
func NewService(cfg *Config) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("control config cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Service{
		store:  cfg.Store,
		logger: cfg.Logger.With("component", "control"),
		now:    now,
	}, nil
}

// Set places a manual command in the mailbox, creating the row on first use
// and overwriting it afterwards. The status always resets to PENDING: a new
// command supersedes an unexecuted one and re-arms an executed or failed one.
// Returns ErrDeviceNotFound when the device is not provisioned.
func (s *Service) Set(ctx context.Context, deviceCode string, command store.ControlCommand, message string) (*store.DeviceControl, error) {
	device, err := s.store.DeviceByCode(ctx, deviceCode)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceCode)
	}
	if err != nil {
		return nil, err
	}

	control, err := s.store.ControlByCode(ctx, deviceCode)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if message == "" {
			message = fmt.Sprintf("Control initialized to %s", command)
		}
		control = &store.DeviceControl{
			DeviceID:       device.ID,
			DeviceCode:     deviceCode,
			ControlCommand: command,
			Status:         store.ControlStatusPending,
			Message:        message,
			UpdatedAt:      s.now(),
		}
	case err != nil:
		return nil, err
	default:
		if message == "" {
			message = fmt.Sprintf("Control set to %s", command)
		}
		control.ControlCommand = command
		control.Status = store.ControlStatusPending
		control.Message = message
		control.UpdatedAt = s.now()
	}

	if err := s.store.SaveControl(ctx, control); err != nil {
		return nil, err
	}

	s.logger.Info("manual control set",
		"device_code", deviceCode,
		"command", command,
	)
	return control, nil
}

// UpdateStatus records the device's execution outcome. Returns (nil, nil)
// when no mailbox row exists: a device cannot self-initiate a manual command,
// so there is nothing to update and callers map the nil row to a not-found
// response. Re-reporting an outcome only refreshes message and timestamp.
func (s *Service) UpdateStatus(ctx context.Context, deviceCode string, status store.ControlStatus, message string) (*store.DeviceControl, error) {
	control, err := s.store.ControlByCode(ctx, deviceCode)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if message == "" {
		message = fmt.Sprintf("Status updated to %s", status)
	}
	control.Status = status
	control.Message = message
	control.UpdatedAt = s.now()

	if err := s.store.SaveControl(ctx, control); err != nil {
		return nil, err
	}

	s.logger.Info("control status reported",
		"device_code", deviceCode,
		"status", status,
	)
	return control, nil
}

// Get returns the raw mailbox row, or store.ErrNotFound when the mailbox has
// never been set.
func (s *Service) Get(ctx context.Context, deviceCode string) (*store.DeviceControl, error) {
	return s.store.ControlByCode(ctx, deviceCode)
}

// PollResponse arbitrates between manual and automatic control for one poll.
// A mailbox row with status PENDING wins; in every other case, including an
// executed or failed command, the device reverts to the automatic action.
func (s *Service) PollResponse(ctx context.Context, deviceCode string, automaticAction store.ControlCommand) (*Response, error) {
	control, err := s.store.ControlByCode(ctx, deviceCode)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if control != nil && control.Status == store.ControlStatusPending {
		return &Response{
			Mode:      ModeManual,
			Command:   control.ControlCommand,
			Status:    string(control.Status),
			Message:   control.Message,
			Timestamp: control.UpdatedAt,
		}, nil
	}

	return &Response{
		Mode:      ModeAuto,
		Action:    automaticAction,
		Status:    string(ModeAuto),
		Message:   autoMessage,
		Timestamp: s.now(),
	}, nil
}

// Reset deletes the mailbox row and reports whether one existed.
func (s *Service) Reset(ctx context.Context, deviceCode string) (bool, error) {
	deleted, err := s.store.DeleteControl(ctx, deviceCode)
	if err != nil {
		return false, err
	}
	if deleted {
		s.logger.Info("control reset", "device_code", deviceCode)
	}
	return deleted, nil
}

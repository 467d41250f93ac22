// Package alerting maintains the alert ledger. An alert opens when a cycle
// reports a DANGER count for a device that has no open alert, stays open
// across repeated danger readings, and resolves once a cycle reports a SAFE
// count. The invariant is at most one open alert per device.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hanchipham/MosquitoBackend/internal/policy"
	"github.com/hanchipham/MosquitoBackend/internal/store"
)

// Config holds the configuration for the ledger.
type Config struct {
	Store      *store.Store
	Logger     *slog.Logger
	Thresholds policy.Thresholds
	// Now returns the current time; defaults to time.Now. Injected so
	// resolution timestamps follow the configured timezone.
	Now func() time.Time
}

// Ledger decides alert creation and resolution over the store.
type Ledger struct {
	store      *store.Store
	logger     *slog.Logger
	thresholds policy.Thresholds
	now        func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLedger creates a new alert ledger.
func NewLedger(cfg *Config) (*Ledger, error) {
	if cfg == nil {
		return nil, errors.New("ledger config cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid thresholds: %w", err)
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Ledger{
		store:      cfg.Store,
		logger:     cfg.Logger.With("component", "alert_ledger"),
		thresholds: cfg.Thresholds,
		now:        now,
		locks:      make(map[string]*sync.Mutex),
	}, nil
}

// LockDevice serializes ledger access for one device and returns the unlock
// function. Callers must hold the lock across a ShouldCreateAlert/CreateAlert
// pair; the existence check and the insert are separate round trips, and two
// concurrent cycles would otherwise both observe "no open alert". Lock entries
// are kept for the process lifetime; the device fleet is small and bounded.
func (l *Ledger) LockDevice(deviceCode string) func() {
	l.mu.Lock()
	lock, ok := l.locks[deviceCode]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[deviceCode] = lock
	}
	l.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// ShouldCreateAlert reports whether a new alert is warranted: the count grades
// as DANGER and the device has no open alert. Repeated danger readings while
// an alert is open return false, preventing duplicate alert storms.
func (l *Ledger) ShouldCreateAlert(ctx context.Context, deviceCode string, larvaCount int) (bool, error) {
	if !l.thresholds.StatusFor(larvaCount).AtLeast(policy.StatusDanger) {
		return false, nil
	}

	_, err := l.store.OpenAlert(ctx, deviceCode)
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check open alert: %w", err)
	}
	return false, nil
}

// CreateAlert inserts a new open alert. It performs no duplicate check of its
// own; callers coordinate through ShouldCreateAlert under LockDevice.
func (l *Ledger) CreateAlert(ctx context.Context, deviceID, deviceCode string, larvaCount int) (*store.Alert, error) {
	alert := &store.Alert{
		DeviceID:   deviceID,
		DeviceCode: deviceCode,
		LarvaCount: larvaCount,
	}
	if err := l.store.CreateAlert(ctx, alert); err != nil {
		return nil, err
	}

	l.logger.Warn("alert created",
		"device_code", deviceCode,
		"larva_count", larvaCount,
		"alert_id", alert.ID,
	)
	return alert, nil
}

// ResolveIfSafe marks any open alert for the device as resolved when the
// count grades as SAFE. Resolving with no open alert is a no-op, as is any
// call with a WARNING or DANGER count. Returns the number of alerts resolved.
func (l *Ledger) ResolveIfSafe(ctx context.Context, deviceCode string, larvaCount int) (int64, error) {
	if l.thresholds.StatusFor(larvaCount) != policy.StatusSafe {
		return 0, nil
	}

	resolved, err := l.store.ResolveOpenAlerts(ctx, deviceCode, l.now())
	if err != nil {
		return 0, err
	}

	if resolved > 0 {
		l.logger.Info("alerts resolved",
			"device_code", deviceCode,
			"larva_count", larvaCount,
			"resolved", resolved,
		)
	}
	return resolved, nil
}

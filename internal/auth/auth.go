// Package auth verifies device credentials. Devices authenticate with HTTP
// Basic auth (device code + password); hashes are bcrypt, and successful
// verifications are cached for a short TTL because polling devices reauth on
// every request and bcrypt is deliberately slow.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/crypto/bcrypt"

	"github.com/hanchipham/MosquitoBackend/internal/store"
)

var (
	// ErrInvalidCredentials covers unknown device codes and wrong passwords
	// alike, so responses never reveal which part failed.
	ErrInvalidCredentials = errors.New("invalid device credentials")
	// ErrDeviceInactive is returned for valid credentials on a deactivated
	// device.
	ErrDeviceInactive = errors.New("device is not active")
)

// DefaultCacheTTL bounds how long a verified credential is trusted without
// rechecking the store. Deactivation takes effect within this window.
const DefaultCacheTTL = 5 * time.Minute

// HashPassword hashes a device password for provisioning.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// Config holds the configuration for the authenticator.
type Config struct {
	Store    *store.Store
	Logger   *slog.Logger
	CacheTTL time.Duration
}

// Authenticator verifies device credentials against the store.
type Authenticator struct {
	store  *store.Store
	logger *slog.Logger
	cache  *gocache.Cache
}

// NewAuthenticator creates a new authenticator.
func NewAuthenticator(cfg *Config) (*Authenticator, error) {
	if cfg == nil {
		return nil, errors.New("auth config cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	return &Authenticator{
		store:  cfg.Store,
		logger: cfg.Logger.With("component", "auth"),
		cache:  gocache.New(ttl, 2*ttl),
	}, nil
}

// Authenticate verifies a device code and password and returns the device.
// Unknown codes and wrong passwords return ErrInvalidCredentials; a missing
// device row behind valid credentials returns store.ErrNotFound; an inactive
// device returns ErrDeviceInactive. Only successes are cached.
func (a *Authenticator) Authenticate(ctx context.Context, deviceCode, password string) (*store.Device, error) {
	key := cacheKey(deviceCode, password)
	if cached, ok := a.cache.Get(key); ok {
		return cached.(*store.Device), nil
	}

	deviceAuth, err := a.store.AuthByCode(ctx, deviceCode)
	if errors.Is(err, store.ErrNotFound) {
		a.logger.Warn("authentication failed", "device_code", deviceCode, "reason", "unknown device")
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	if bcrypt.CompareHashAndPassword([]byte(deviceAuth.PasswordHash), []byte(password)) != nil {
		a.logger.Warn("authentication failed", "device_code", deviceCode, "reason", "wrong password")
		return nil, ErrInvalidCredentials
	}

	device, err := a.store.DeviceByCode(ctx, deviceCode)
	if err != nil {
		return nil, err
	}

	if !device.IsActive {
		a.logger.Warn("authentication rejected", "device_code", deviceCode, "reason", "inactive")
		return nil, ErrDeviceInactive
	}

	a.cache.Set(key, device, gocache.DefaultExpiration)
	return device, nil
}

// cacheKey never stores the plain password: the key is the code plus a
// digest of the password.
func cacheKey(deviceCode, password string) string {
	sum := sha256.Sum256([]byte(password))
	return deviceCode + ":" + hex.EncodeToString(sum[:])
}

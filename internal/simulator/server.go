package simulator

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

var errInvalidInterval = errors.New("interval must be greater than 0")

// ServerConfig holds the configuration for the simulator server.
type ServerConfig struct {
	// Logger is the structured logger
	Logger *slog.Logger
	// APIURL is the base URL of the backend
	APIURL string
	// DeviceCode identifies the provisioned device to act as
	DeviceCode string
	// Password is the device credential used for basic auth
	Password string
	// Interval is the time between duty cycles
	Interval time.Duration
	// Count limits how many cycles run; zero means run until interrupted
	Count int
	// FrameWidth and FrameHeight size the generated frames
	FrameWidth  int
	FrameHeight int
	// FailureRate is the probability a manual command is reported as FAILED
	FailureRate float64
}

// Server drives one simulated device on a fixed duty cycle.
type Server struct {
	logger *slog.Logger
	config *ServerConfig
	device *Device
	wg     sync.WaitGroup
}

// NewServer creates a new simulator server with the given configuration.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("simulator config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errLoggerRequired
	}
	if cfg.Interval <= 0 {
		return nil, errInvalidInterval
	}

	device, err := NewDevice(&DeviceConfig{
		Logger:      cfg.Logger,
		APIURL:      cfg.APIURL,
		DeviceCode:  cfg.DeviceCode,
		Password:    cfg.Password,
		FrameWidth:  cfg.FrameWidth,
		FrameHeight: cfg.FrameHeight,
		FailureRate: cfg.FailureRate,
	})
	if err != nil {
		return nil, err
	}

	return &Server{
		logger: cfg.Logger,
		config: cfg,
		device: device,
	}, nil
}

// Run starts the device loop and blocks until a shutdown signal arrives, the
// context is canceled or the cycle budget is exhausted.
func (s *Server) Run(ctx context.Context) error {
	// Create context that can be canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	done := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)
		s.runDevice(ctx)
	}()

	s.logger.Info("simulator started",
		"device_code", s.config.DeviceCode,
		"api_url", s.config.APIURL,
		"interval", s.config.Interval,
	)

	// Wait for shutdown signal, cancellation or a completed finite run
	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled, shutting down")
	case <-done:
	}

	s.wg.Wait()
	s.logger.Info("simulator stopped")
	return nil
}

// runDevice runs the device's duty cycles at the configured interval.
func (s *Server) runDevice(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.device.logger.Info("device started")

	cycles := 0
	for {
		select {
		case <-ctx.Done():
			s.device.logger.Info("device shutting down")
			return

		case <-ticker.C:
			if err := s.device.Cycle(ctx); err != nil {
				s.device.logger.Error("cycle failed", "error", err)
				// Continue on error - don't stop the device
			}

			cycles++
			if s.config.Count > 0 && cycles >= s.config.Count {
				s.device.logger.Info("cycle budget exhausted", "cycles", cycles)
				return
			}
		}
	}
}

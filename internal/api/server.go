// Package api exposes the device-facing HTTP surface: frame upload, control
// polling, manual servo commands and execution reports. Every route except
// /api/health authenticates the device with HTTP Basic auth; uploads are
// acknowledged immediately and inference runs on the queue workers.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/hanchipham/MosquitoBackend/internal/auth"
	"github.com/hanchipham/MosquitoBackend/internal/control"
	"github.com/hanchipham/MosquitoBackend/internal/imaging"
	"github.com/hanchipham/MosquitoBackend/internal/policy"
	"github.com/hanchipham/MosquitoBackend/internal/store"
	"github.com/hanchipham/MosquitoBackend/pkg/metrics"
	"github.com/hanchipham/MosquitoBackend/pkg/mq"
)

// DefaultBodyLimit caps the request body size, sized for one camera frame.
const DefaultBodyLimit = "10M"

// Config holds the configuration for the API server.
type Config struct {
	Logger  *slog.Logger
	Store   *store.Store
	Auth    *auth.Authenticator
	Control *control.Service
	Imaging *imaging.Processor
	// Queue receives one encoded pipeline job per accepted upload.
	Queue mq.ClientInterface
	// Thresholds drive the automatic action computed on control polls.
	Thresholds policy.Thresholds
	// Metrics is optional; when nil no API metrics are recorded.
	Metrics *metrics.APIMetrics
	// BodyLimit is an echo body limit string such as "10M".
	BodyLimit string
	// Now returns the current time; defaults to time.Now.
	Now func() time.Time
}

// Server is the device-facing HTTP server.
type Server struct {
	logger     *slog.Logger
	store      *store.Store
	auth       *auth.Authenticator
	control    *control.Service
	imaging    *imaging.Processor
	queue      mq.ClientInterface
	thresholds policy.Thresholds
	metrics    *metrics.APIMetrics
	now        func() time.Time
	echo       *echo.Echo
}

// NewServer creates a new API server and registers its routes.
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("api config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if cfg.Auth == nil {
		return nil, errors.New("authenticator cannot be nil")
	}
	if cfg.Control == nil {
		return nil, errors.New("control service cannot be nil")
	}
	if cfg.Imaging == nil {
		return nil, errors.New("image processor cannot be nil")
	}
	if cfg.Queue == nil {
		return nil, errors.New("queue client cannot be nil")
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, err
	}

	bodyLimit := cfg.BodyLimit
	if bodyLimit == "" {
		bodyLimit = DefaultBodyLimit
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	s := &Server{
		logger:     cfg.Logger.With("component", "api"),
		store:      cfg.Store,
		auth:       cfg.Auth,
		control:    cfg.Control,
		imaging:    cfg.Imaging,
		queue:      cfg.Queue,
		thresholds: cfg.Thresholds,
		metrics:    cfg.Metrics,
		now:        now,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(s.requestMetrics)
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(bodyLimit))
	s.echo = e
	s.setupRoutes()

	return s, nil
}

// setupRoutes configures the HTTP routes. Health and metrics stay outside the
// authenticated group so probes and scrapers need no credentials.
func (s *Server) setupRoutes() {
	s.echo.GET("/api/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	api := s.echo.Group("/api", s.deviceAuth)
	api.POST("/upload", s.handleUpload)
	api.GET("/device/info", s.handleDeviceInfo)

	device := api.Group("/device/:device_code", s.requireDeviceMatch)
	device.GET("/control", s.handlePollControl)
	device.POST("/activate_servo", s.handleActivateServo)
	device.POST("/stop_servo", s.handleStopServo)
	device.POST("/control/executed", s.handleControlExecuted)
	device.POST("/control/failed", s.handleControlFailed)
	device.GET("/control/status", s.handleControlStatus)
	device.DELETE("/control", s.handleControlReset)
}

// Start listens on addr and serves until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	s.logger.Info("starting HTTP server", "address", addr)
	return s.echo.Start(addr)
}

// Shutdown gracefully stops the server, draining in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("stopping HTTP server")
	return s.echo.Shutdown(ctx)
}

// ServeHTTP implements http.Handler, mainly for tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

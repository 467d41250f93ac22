// Package server composes the backend process: database, message queue,
// inference pipeline workers and the device-facing HTTP API, with
// signal-driven graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/gorm"

	"github.com/hanchipham/MosquitoBackend/internal/alerting"
	"github.com/hanchipham/MosquitoBackend/internal/api"
	"github.com/hanchipham/MosquitoBackend/internal/auth"
	"github.com/hanchipham/MosquitoBackend/internal/control"
	"github.com/hanchipham/MosquitoBackend/internal/dashboard"
	"github.com/hanchipham/MosquitoBackend/internal/imaging"
	"github.com/hanchipham/MosquitoBackend/internal/inference"
	"github.com/hanchipham/MosquitoBackend/internal/pipeline"
	"github.com/hanchipham/MosquitoBackend/internal/policy"
	"github.com/hanchipham/MosquitoBackend/internal/store"
	"github.com/hanchipham/MosquitoBackend/pkg/metrics"
	"github.com/hanchipham/MosquitoBackend/pkg/mq"
)

// Server represents the backend process and owns its component lifecycles.
type Server struct {
	logger    *slog.Logger
	db        *gorm.DB
	api       *api.Server
	consumer  *pipeline.Consumer
	publisher *mq.Client
	config    *ServerConfig
}

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger *slog.Logger

	// HTTP server configuration
	HTTPPort  int
	BodyLimit string

	// Database configuration
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// RabbitMQ configuration
	RabbitMQURL string
	QueueName   string
	// Workers is the number of inference worker goroutines.
	Workers int

	// Inference provider configuration
	InferenceURL          string
	InferenceAPIKey       string
	InferenceModelID      string
	InferenceModelVersion string

	// Dashboard configuration; an empty token disables pushes.
	DashboardURL   string
	DashboardToken string

	// ImagePath is the directory uploaded frames are stored under.
	ImagePath string

	// Thresholds for the decision policy; the zero value means the field
	// deployment defaults.
	Thresholds policy.Thresholds

	// Timezone for stamped times, e.g. "Asia/Jakarta". Empty means UTC.
	Timezone string

	// Optional Prometheus metrics collectors.
	APIMetrics      *metrics.APIMetrics
	PipelineMetrics *metrics.PipelineMetrics
	MQMetrics       *metrics.MQMetrics
}

// NewServer creates a new Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.HTTPPort <= 0 {
		return nil, errors.New("HTTP port must be positive")
	}

	if cfg.DBHost == "" {
		return nil, errors.New("database host cannot be empty")
	}

	if cfg.DBPort <= 0 {
		return nil, errors.New("database port must be positive")
	}

	if cfg.DBUser == "" {
		return nil, errors.New("database user cannot be empty")
	}

	if cfg.DBName == "" {
		return nil, errors.New("database name cannot be empty")
	}

	if cfg.RabbitMQURL == "" {
		return nil, errors.New("rabbitmq URL cannot be empty")
	}

	if cfg.QueueName == "" {
		return nil, errors.New("queue name cannot be empty")
	}

	if cfg.InferenceURL == "" {
		return nil, errors.New("inference URL cannot be empty")
	}

	if cfg.InferenceAPIKey == "" {
		return nil, errors.New("inference API key cannot be empty")
	}

	if cfg.InferenceModelID == "" || cfg.InferenceModelVersion == "" {
		return nil, errors.New("inference model id and version cannot be empty")
	}

	if cfg.ImagePath == "" {
		return nil, errors.New("image path cannot be empty")
	}

	if cfg.Thresholds == (policy.Thresholds{}) {
		cfg.Thresholds = policy.DefaultThresholds()
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, err
	}

	return &Server{
		logger: cfg.Logger,
		config: cfg,
	}, nil
}

// Run starts the backend server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting backend server")

	// Create context with cancellation
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	loc := time.UTC
	if s.config.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(s.config.Timezone)
		if err != nil {
			return fmt.Errorf("invalid timezone %q: %w", s.config.Timezone, err)
		}
	}
	now := func() time.Time { return time.Now().In(loc) }

	// Initialize database
	db, err := store.NewDB(&store.DBConfig{
		Logger:   s.logger,
		Location: loc,
		Host:     s.config.DBHost,
		Port:     s.config.DBPort,
		User:     s.config.DBUser,
		Password: s.config.DBPassword,
		DBName:   s.config.DBName,
		SSLMode:  s.config.DBSSLMode,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	s.db = db

	st, err := store.New(db)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}

	s.logger.Info("database initialized successfully")

	// Initialize domain services
	authenticator, err := auth.NewAuthenticator(&auth.Config{
		Store:  st,
		Logger: s.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize authenticator: %w", err)
	}

	controls, err := control.NewService(&control.Config{
		Store:  st,
		Logger: s.logger,
		Now:    now,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize control service: %w", err)
	}

	ledger, err := alerting.NewLedger(&alerting.Config{
		Store:      st,
		Logger:     s.logger,
		Thresholds: s.config.Thresholds,
		Now:        now,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize alert ledger: %w", err)
	}

	processor, err := imaging.NewProcessor(&imaging.Config{
		BasePath: s.config.ImagePath,
		Now:      now,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize image processor: %w", err)
	}

	provider, err := inference.NewClient(&inference.Config{
		Logger:       s.logger,
		APIURL:       s.config.InferenceURL,
		APIKey:       s.config.InferenceAPIKey,
		ModelID:      s.config.InferenceModelID,
		ModelVersion: s.config.InferenceModelVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize inference client: %w", err)
	}

	notifier, err := dashboard.NewClient(&dashboard.Config{
		Logger:  s.logger,
		BaseURL: s.config.DashboardURL,
		Token:   s.config.DashboardToken,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize dashboard client: %w", err)
	}

	// Initialize the inference pipeline: a consuming MQ client feeding the
	// orchestrator workers.
	orchestrator, err := pipeline.NewOrchestrator(&pipeline.OrchestratorConfig{
		Logger:     s.logger,
		Store:      st,
		Ledger:     ledger,
		Provider:   provider,
		Notifier:   notifier,
		Thresholds: s.config.Thresholds,
		Metrics:    s.config.PipelineMetrics,
		Now:        now,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize orchestrator: %w", err)
	}

	consumerClient, err := mq.NewClient(&mq.Config{
		Logger:    s.logger,
		URL:       s.config.RabbitMQURL,
		QueueName: s.config.QueueName,
		Metrics:   s.config.MQMetrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize consumer MQ client: %w", err)
	}

	consumer, err := pipeline.NewConsumer(&pipeline.ConsumerConfig{
		Logger:       s.logger,
		Orchestrator: orchestrator,
		Client:       consumerClient,
		Workers:      s.config.Workers,
		Metrics:      s.config.PipelineMetrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize consumer: %w", err)
	}
	s.consumer = consumer

	if err := s.consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}

	s.logger.Info("inference pipeline started", "workers", s.config.Workers)

	// The API publishes jobs on its own connection so upload traffic never
	// competes with consumer acknowledgments.
	publisher, err := mq.NewClient(&mq.Config{
		Logger:    s.logger,
		URL:       s.config.RabbitMQURL,
		QueueName: s.config.QueueName,
		Metrics:   s.config.MQMetrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize publisher MQ client: %w", err)
	}
	s.publisher = publisher

	// Initialize HTTP API
	apiServer, err := api.NewServer(&api.Config{
		Logger:     s.logger,
		Store:      st,
		Auth:       authenticator,
		Control:    controls,
		Imaging:    processor,
		Queue:      publisher,
		Thresholds: s.config.Thresholds,
		Metrics:    s.config.APIMetrics,
		BodyLimit:  s.config.BodyLimit,
		Now:        now,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize API server: %w", err)
	}
	s.api = apiServer

	// Start HTTP server in goroutine
	httpAddr := fmt.Sprintf(":%d", s.config.HTTPPort)
	httpErr := make(chan error, 1)
	go func() {
		if err := s.api.Start(httpAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- fmt.Errorf("HTTP server error: %w", err)
		}
		close(httpErr)
	}()

	s.logger.Info("backend server started successfully")

	// Wait for shutdown signal or HTTP error
	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case err := <-httpErr:
		if err != nil {
			s.logger.Error("HTTP server error", "error", err)
			cancel()
			return err
		}
	}

	// Shutdown
	return s.Shutdown()
}

// Shutdown gracefully shuts down the server. The HTTP server drains first so
// no new jobs are published, then the workers, then the broker connection and
// the database.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down backend server")

	var shutdownErr error

	// Stop HTTP server
	if s.api != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.api.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown HTTP server", "error", err)
			shutdownErr = fmt.Errorf("HTTP server shutdown error: %w", err)
		}
	}

	// Stop pipeline workers
	if s.consumer != nil {
		s.logger.Info("stopping pipeline consumer")
		if err := s.consumer.Stop(); err != nil {
			s.logger.Error("failed to stop consumer", "error", err)
			if shutdownErr != nil {
				shutdownErr = fmt.Errorf("%w; consumer shutdown error: %w", shutdownErr, err)
			} else {
				shutdownErr = fmt.Errorf("consumer shutdown error: %w", err)
			}
		}
	}

	// Close publisher connection
	if s.publisher != nil {
		s.logger.Info("closing publisher MQ client")
		if err := s.publisher.Close(); err != nil {
			s.logger.Error("failed to close publisher", "error", err)
			if shutdownErr != nil {
				shutdownErr = fmt.Errorf("%w; publisher close error: %w", shutdownErr, err)
			} else {
				shutdownErr = fmt.Errorf("publisher close error: %w", err)
			}
		}
	}

	// Close database
	if s.db != nil {
		if err := store.CloseDB(s.db, s.logger); err != nil {
			s.logger.Error("failed to close database", "error", err)
			if shutdownErr != nil {
				shutdownErr = fmt.Errorf("%w; database close error: %w", shutdownErr, err)
			} else {
				shutdownErr = fmt.Errorf("database close error: %w", err)
			}
		}
	}

	if shutdownErr != nil {
		s.logger.Error("backend server shutdown completed with errors", "error", shutdownErr)
		return shutdownErr
	}

	s.logger.Info("backend server shutdown completed successfully")
	return nil
}

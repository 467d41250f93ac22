package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hanchipham/MosquitoBackend/internal/policy"
	"github.com/hanchipham/MosquitoBackend/internal/server"
	"github.com/hanchipham/MosquitoBackend/pkg/metrics"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the backend server",
	Long: `Run the backend server that:
- Accepts frame uploads from field devices over HTTP
- Queues frames and counts larvae with an external inference model
- Raises and resolves danger alerts
- Serves the per-device control mailbox and pushes dashboard updates`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	defaults := policy.DefaultThresholds()

	// Server-specific flags
	serverCmd.Flags().Int("http-port", 8000, "HTTP API port")
	serverCmd.Flags().String("body-limit", "10M", "HTTP request body size limit")
	serverCmd.Flags().String("db-host", "localhost", "PostgreSQL host")
	serverCmd.Flags().Int("db-port", 5432, "PostgreSQL port")
	serverCmd.Flags().String("db-user", "postgres", "PostgreSQL user")
	serverCmd.Flags().String("db-password", "", "PostgreSQL password")
	serverCmd.Flags().String("db-name", "mosquito", "PostgreSQL database name")
	serverCmd.Flags().String("db-sslmode", "disable", "PostgreSQL SSL mode")
	serverCmd.Flags().String("rabbitmq-url", "amqp://localhost:5672", "RabbitMQ URL")
	serverCmd.Flags().String("queue-name", "inference-jobs", "RabbitMQ queue name for inference jobs")
	serverCmd.Flags().Int("workers", 2, "Number of inference worker goroutines")
	serverCmd.Flags().String("inference-url", "https://detect.roboflow.com", "Inference API base URL")
	serverCmd.Flags().String("inference-api-key", "", "Inference API key")
	serverCmd.Flags().String("inference-model-id", "", "Inference model ID")
	serverCmd.Flags().String("inference-model-version", "1", "Inference model version")
	serverCmd.Flags().String("dashboard-url", "https://blynk.cloud", "Dashboard API base URL")
	serverCmd.Flags().String("dashboard-token", "", "Dashboard device token (empty disables pushes)")
	serverCmd.Flags().String("image-path", "./uploads", "Directory uploaded frames are stored under")
	serverCmd.Flags().Int("warning-threshold", defaults.Warning, "Larvae count that enters WARNING")
	serverCmd.Flags().Int("danger-threshold", defaults.Danger, "Larvae count that enters DANGER")
	serverCmd.Flags().String("timezone", "", "Timezone for stamped times (empty means UTC)")
	serverCmd.Flags().Bool("metrics", true, "Collect Prometheus metrics")

	// Bind flags to viper
	_ = viper.BindPFlag("server.http.port", serverCmd.Flags().Lookup("http-port"))
	_ = viper.BindPFlag("server.http.body_limit", serverCmd.Flags().Lookup("body-limit"))
	_ = viper.BindPFlag("server.db.host", serverCmd.Flags().Lookup("db-host"))
	_ = viper.BindPFlag("server.db.port", serverCmd.Flags().Lookup("db-port"))
	_ = viper.BindPFlag("server.db.user", serverCmd.Flags().Lookup("db-user"))
	_ = viper.BindPFlag("server.db.password", serverCmd.Flags().Lookup("db-password"))
	_ = viper.BindPFlag("server.db.name", serverCmd.Flags().Lookup("db-name"))
	_ = viper.BindPFlag("server.db.sslmode", serverCmd.Flags().Lookup("db-sslmode"))
	_ = viper.BindPFlag("server.rabbitmq.url", serverCmd.Flags().Lookup("rabbitmq-url"))
	_ = viper.BindPFlag("server.rabbitmq.queue_name", serverCmd.Flags().Lookup("queue-name"))
	_ = viper.BindPFlag("server.workers", serverCmd.Flags().Lookup("workers"))
	_ = viper.BindPFlag("server.inference.url", serverCmd.Flags().Lookup("inference-url"))
	_ = viper.BindPFlag("server.inference.api_key", serverCmd.Flags().Lookup("inference-api-key"))
	_ = viper.BindPFlag("server.inference.model_id", serverCmd.Flags().Lookup("inference-model-id"))
	_ = viper.BindPFlag("server.inference.model_version", serverCmd.Flags().Lookup("inference-model-version"))
	_ = viper.BindPFlag("server.dashboard.url", serverCmd.Flags().Lookup("dashboard-url"))
	_ = viper.BindPFlag("server.dashboard.token", serverCmd.Flags().Lookup("dashboard-token"))
	_ = viper.BindPFlag("server.image_path", serverCmd.Flags().Lookup("image-path"))
	_ = viper.BindPFlag("server.thresholds.warning", serverCmd.Flags().Lookup("warning-threshold"))
	_ = viper.BindPFlag("server.thresholds.danger", serverCmd.Flags().Lookup("danger-threshold"))
	_ = viper.BindPFlag("server.timezone", serverCmd.Flags().Lookup("timezone"))
	_ = viper.BindPFlag("server.metrics", serverCmd.Flags().Lookup("metrics"))
}

func runServer(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting backend service")

	// Create server configuration from viper
	config := &server.ServerConfig{
		Logger:                logger,
		HTTPPort:              viper.GetInt("server.http.port"),
		BodyLimit:             viper.GetString("server.http.body_limit"),
		DBHost:                viper.GetString("server.db.host"),
		DBPort:                viper.GetInt("server.db.port"),
		DBUser:                viper.GetString("server.db.user"),
		DBPassword:            viper.GetString("server.db.password"),
		DBName:                viper.GetString("server.db.name"),
		DBSSLMode:             viper.GetString("server.db.sslmode"),
		RabbitMQURL:           viper.GetString("server.rabbitmq.url"),
		QueueName:             viper.GetString("server.rabbitmq.queue_name"),
		Workers:               viper.GetInt("server.workers"),
		InferenceURL:          viper.GetString("server.inference.url"),
		InferenceAPIKey:       viper.GetString("server.inference.api_key"),
		InferenceModelID:      viper.GetString("server.inference.model_id"),
		InferenceModelVersion: viper.GetString("server.inference.model_version"),
		DashboardURL:          viper.GetString("server.dashboard.url"),
		DashboardToken:        viper.GetString("server.dashboard.token"),
		ImagePath:             viper.GetString("server.image_path"),
		Thresholds: policy.Thresholds{
			Warning: viper.GetInt("server.thresholds.warning"),
			Danger:  viper.GetInt("server.thresholds.danger"),
		},
		Timezone: viper.GetString("server.timezone"),
	}

	if viper.GetBool("server.metrics") {
		config.APIMetrics = metrics.NewAPIMetrics(metrics.Namespace)
		config.PipelineMetrics = metrics.NewPipelineMetrics(metrics.Namespace)
		config.MQMetrics = metrics.NewMQMetrics(metrics.Namespace)
	}

	// Create and run server
	srv, err := server.NewServer(config)
	if err != nil {
		logger.Error("failed to create backend server", "error", err)
		return err
	}

	logger.Info("backend server configuration",
		"http_port", config.HTTPPort,
		"db_host", config.DBHost,
		"db_port", config.DBPort,
		"db_name", config.DBName,
		"rabbitmq_url", config.RabbitMQURL,
		"queue_name", config.QueueName,
		"workers", config.Workers,
		"inference_url", config.InferenceURL,
		"dashboard_enabled", config.DashboardToken != "",
		"image_path", config.ImagePath,
		"warning_threshold", config.Thresholds.Warning,
		"danger_threshold", config.Thresholds.Danger,
	)

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("backend server error", "error", err)
		return err
	}

	logger.Info("backend server stopped")
	return nil
}

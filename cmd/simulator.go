package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hanchipham/MosquitoBackend/internal/simulator"
)

var simulatorCmd = &cobra.Command{
	Use:   "simulator",
	Short: "Run a simulated field device",
	Long: `Run a simulated field device that:
- Uploads synthetic camera frames to a running backend
- Polls the control mailbox on every duty cycle
- Executes pending manual commands and reports the outcome`,
	RunE: runSimulator,
}

func init() {
	rootCmd.AddCommand(simulatorCmd)

	// Simulator-specific flags
	simulatorCmd.Flags().String("api-url", "http://localhost:8000", "Backend base URL")
	simulatorCmd.Flags().String("device-code", "", "Device code to act as")
	simulatorCmd.Flags().String("password", "", "Device password")
	simulatorCmd.Flags().Duration("interval", 10*time.Second, "Interval between duty cycles")
	simulatorCmd.Flags().Int("count", 0, "Number of cycles to run (0 runs until interrupted)")
	simulatorCmd.Flags().Int("frame-width", 640, "Generated frame width in pixels")
	simulatorCmd.Flags().Int("frame-height", 480, "Generated frame height in pixels")
	simulatorCmd.Flags().Float64("failure-rate", 0.05, "Probability a manual command is reported as failed")

	_ = simulatorCmd.MarkFlagRequired("device-code")
	_ = simulatorCmd.MarkFlagRequired("password")

	// Bind flags to viper
	_ = viper.BindPFlag("simulator.api.url", simulatorCmd.Flags().Lookup("api-url"))
	_ = viper.BindPFlag("simulator.device_code", simulatorCmd.Flags().Lookup("device-code"))
	_ = viper.BindPFlag("simulator.password", simulatorCmd.Flags().Lookup("password"))
	_ = viper.BindPFlag("simulator.interval", simulatorCmd.Flags().Lookup("interval"))
	_ = viper.BindPFlag("simulator.count", simulatorCmd.Flags().Lookup("count"))
	_ = viper.BindPFlag("simulator.frame.width", simulatorCmd.Flags().Lookup("frame-width"))
	_ = viper.BindPFlag("simulator.frame.height", simulatorCmd.Flags().Lookup("frame-height"))
	_ = viper.BindPFlag("simulator.failure_rate", simulatorCmd.Flags().Lookup("failure-rate"))
}

func runSimulator(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting simulator service")

	// Create simulator configuration from viper
	config := &simulator.ServerConfig{
		Logger:      logger,
		APIURL:      viper.GetString("simulator.api.url"),
		DeviceCode:  viper.GetString("simulator.device_code"),
		Password:    viper.GetString("simulator.password"),
		Interval:    viper.GetDuration("simulator.interval"),
		Count:       viper.GetInt("simulator.count"),
		FrameWidth:  viper.GetInt("simulator.frame.width"),
		FrameHeight: viper.GetInt("simulator.frame.height"),
		FailureRate: viper.GetFloat64("simulator.failure_rate"),
	}

	// Create and run server
	server, err := simulator.NewServer(config)
	if err != nil {
		logger.Error("failed to create simulator server", "error", err)
		return err
	}

	logger.Info("simulator configuration",
		"api_url", config.APIURL,
		"device_code", config.DeviceCode,
		"interval", config.Interval,
		"count", config.Count,
		"frame_width", config.FrameWidth,
		"frame_height", config.FrameHeight,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("simulator error", "error", err)
		return err
	}

	logger.Info("simulator stopped")
	return nil
}

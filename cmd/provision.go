package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hanchipham/MosquitoBackend/internal/auth"
	"github.com/hanchipham/MosquitoBackend/internal/store"
)

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Provision a device",
	Long: `Create or update a device record and its credentials.
A new device needs a password; re-provisioning an existing device updates
only the fields given and reactivates it unless --deactivate is set.`,
	RunE: runProvision,
}

func init() {
	rootCmd.AddCommand(provisionCmd)

	// Provision-specific flags
	provisionCmd.Flags().String("device-code", "", "Unique device code")
	provisionCmd.Flags().String("password", "", "Device password (required for new devices)")
	provisionCmd.Flags().String("location", "", "Deployment location")
	provisionCmd.Flags().String("description", "", "Free-form description")
	provisionCmd.Flags().Bool("deactivate", false, "Leave the device inactive")
	provisionCmd.Flags().String("db-host", "localhost", "PostgreSQL host")
	provisionCmd.Flags().Int("db-port", 5432, "PostgreSQL port")
	provisionCmd.Flags().String("db-user", "postgres", "PostgreSQL user")
	provisionCmd.Flags().String("db-password", "", "PostgreSQL password")
	provisionCmd.Flags().String("db-name", "mosquito", "PostgreSQL database name")
	provisionCmd.Flags().String("db-sslmode", "disable", "PostgreSQL SSL mode")

	_ = provisionCmd.MarkFlagRequired("device-code")

	// Bind flags to viper
	_ = viper.BindPFlag("provision.db.host", provisionCmd.Flags().Lookup("db-host"))
	_ = viper.BindPFlag("provision.db.port", provisionCmd.Flags().Lookup("db-port"))
	_ = viper.BindPFlag("provision.db.user", provisionCmd.Flags().Lookup("db-user"))
	_ = viper.BindPFlag("provision.db.password", provisionCmd.Flags().Lookup("db-password"))
	_ = viper.BindPFlag("provision.db.name", provisionCmd.Flags().Lookup("db-name"))
	_ = viper.BindPFlag("provision.db.sslmode", provisionCmd.Flags().Lookup("db-sslmode"))
}

func runProvision(cmd *cobra.Command, _ []string) error {
	logger := GetLogger()

	deviceCode, _ := cmd.Flags().GetString("device-code")
	password, _ := cmd.Flags().GetString("password")
	location, _ := cmd.Flags().GetString("location")
	description, _ := cmd.Flags().GetString("description")
	deactivate, _ := cmd.Flags().GetBool("deactivate")

	db, err := store.NewDB(&store.DBConfig{
		Logger:   logger,
		Host:     viper.GetString("provision.db.host"),
		Port:     viper.GetInt("provision.db.port"),
		User:     viper.GetString("provision.db.user"),
		Password: viper.GetString("provision.db.password"),
		DBName:   viper.GetString("provision.db.name"),
		SSLMode:  viper.GetString("provision.db.sslmode"),
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return err
	}
	defer func() {
		if err := store.CloseDB(db, logger); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	}()

	st, err := store.New(db)
	if err != nil {
		return err
	}

	ctx := context.Background()

	device, err := st.DeviceByCode(ctx, deviceCode)
	created := false
	switch {
	case errors.Is(err, store.ErrNotFound):
		if password == "" {
			return errors.New("a new device requires --password")
		}
		device = &store.Device{
			DeviceCode:  deviceCode,
			Location:    location,
			Description: description,
			IsActive:    !deactivate,
		}
		created = true
	case err != nil:
		return err
	default:
		if cmd.Flags().Changed("location") {
			device.Location = location
		}
		if cmd.Flags().Changed("description") {
			device.Description = description
		}
		device.IsActive = !deactivate
	}

	if err := st.SaveDevice(ctx, device); err != nil {
		logger.Error("failed to save device", "error", err)
		return err
	}

	if password != "" {
		hash, err := auth.HashPassword(password)
		if err != nil {
			return err
		}

		deviceAuth, err := st.AuthByCode(ctx, deviceCode)
		switch {
		case errors.Is(err, store.ErrNotFound):
			deviceAuth = &store.DeviceAuth{
				DeviceID:     device.ID,
				DeviceCode:   deviceCode,
				PasswordHash: hash,
			}
		case err != nil:
			return err
		default:
			deviceAuth.PasswordHash = hash
		}

		if err := st.SaveDeviceAuth(ctx, deviceAuth); err != nil {
			logger.Error("failed to save device credentials", "error", err)
			return err
		}
	}

	logger.Info("device provisioned",
		"device_code", device.DeviceCode,
		"created", created,
		"is_active", device.IsActive,
		"credentials_updated", password != "",
	)
	return nil
}

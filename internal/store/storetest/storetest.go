// Package storetest provides in-memory databases for exercising store-backed
// components in unit tests.
package storetest

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/hanchipham/MosquitoBackend/internal/store"
)

// Open returns a Store backed by a private in-memory SQLite database with the
// full schema migrated. Each call gets its own database; the single-connection
// pool keeps it alive for the lifetime of the handle.
func Open() (*store.Store, error) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := store.Migrate(db); err != nil {
		return nil, err
	}

	return store.New(db)
}

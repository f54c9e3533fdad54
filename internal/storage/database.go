// Package storage provides the task history database: a local SQLite
// file opened through GORM.
package storage

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/astroair/vidtanium/internal/models"
)

// DB wraps the GORM connection.
type DB struct {
	*gorm.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the history database at path and runs
// migrations.
func Open(path string, log *slog.Logger) (*DB, error) {
	if log == nil {
		log = slog.Default()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}

	if err := db.AutoMigrate(&models.TaskHistory{}); err != nil {
		return nil, fmt.Errorf("migrating history database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	// Single local writer; a small pool is plenty.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)

	return &DB{DB: db, logger: log}, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

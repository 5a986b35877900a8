package persistence

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/convergio/maoc/internal/infrastructure/config"
	"github.com/convergio/maoc/internal/infrastructure/persistence/models"
)

// NewDBConnection opens the gorm connection backing C1/C7/C8's stores
// (cost ledger, approval requests, turn records) with query logging enabled.
func NewDBConnection(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	return newDBConnection(cfg, logger.Default.LogMode(logger.Info))
}

// NewDBConnectionSilent is NewDBConnection with query logging suppressed,
// for CLI invocations (maocctl run) where SQL spam would clutter the TUI.
func NewDBConnectionSilent(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	return newDBConnection(cfg, logger.Default.LogMode(logger.Silent))
}

func newDBConnection(cfg *config.DatabaseConfig, gormLogger logger.Interface) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch cfg.Type {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	gormConfig := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := autoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// autoMigrate creates/updates the tables backing C1's cost ledger, C7's
// approval requests, and C8's per-turn token records.
func autoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.LedgerEntryModel{},
		&models.ApprovalRequestModel{},
		&models.TurnRecordModel{},
	)
}

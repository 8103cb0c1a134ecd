package db

import (
	"fmt"
	"log"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jackyvictory/stablecoin-watcher/internal/models"
)

// InitDB opens the database and migrates the event tables. Persistence is
// optional: callers skip this entirely when no DSN is configured.
func InitDB(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		SkipDefaultTransaction:                   true,
		PrepareStmt:                              true,
		Logger:                                   logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := gdb.AutoMigrate(
		&models.EventTransferDetected{},
		&models.EventPaymentConfirmed{},
	); err != nil {
		return nil, fmt.Errorf("migrate event tables: %w", err)
	}

	log.Println("✅ Database connected and migrated")
	return gdb, nil
}

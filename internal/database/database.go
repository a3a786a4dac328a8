package database

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/klear-funds/internal/database/migrations"
	"github.com/ksred/klear-funds/internal/settlement"
	"github.com/ksred/klear-funds/internal/trading"
	"github.com/ksred/klear-funds/internal/types"
)

// NewDatabase opens the sqlite database at path and migrates every schema.
// Writes are funnelled through a single connection.
func NewDatabase(path string) (*gorm.DB, error) {
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates every table and index
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&types.Order{},
		&types.Trade{},
		&trading.IdempotencyRecord{},
		&settlement.Settlement{},
		&settlement.EscrowDeposit{},
		&settlement.BatchSettlement{},
	)
	if err != nil {
		return err
	}

	if err := migrations.AddBookIndexes(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if err := migrations.AddSettlementIndexes(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

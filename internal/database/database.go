package database

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/tradeforge/exchange-api/internal/database/migrations"
	"github.com/tradeforge/exchange-api/internal/types"
)

// NewDatabase initializes and returns a new GORM DB connection
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	err = db.AutoMigrate(
		&types.Order{},
		&types.OrderStatusEntry{},
		&types.Wallet{},
		&types.Position{},
		&types.Transaction{},
		&types.ExchangeRate{},
		&types.Instrument{},
	)
	if err != nil {
		return nil, err
	}

	// Run migrations
	if err := migrations.AddMatchingIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

package database

import (
	"github.com/papermarket/trading-api/internal/orders"
	"github.com/papermarket/trading-api/internal/position"
	"github.com/papermarket/trading-api/internal/types"
	"github.com/papermarket/trading-api/internal/wallet"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase opens the SQLite store at the given path and migrates the
// schema.
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&types.Instrument{},
		&types.Order{},
		&types.Trade{},
		&orders.IdempotencyRecord{},
		&position.Position{},
		&wallet.Wallet{},
		&wallet.Transaction{},
	); err != nil {
		return nil, err
	}

	return db, nil
}

// NewTestDatabase opens an isolated in-memory store. The shared cache keeps
// the schema visible across pooled connections.
func NewTestDatabase() (*gorm.DB, error) {
	return NewDatabase("file::memory:?cache=shared")
}

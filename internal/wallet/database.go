package wallet

import (
	"errors"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

// NewDatabase wraps a connection or an open transaction; repositories built
// on a transaction scope every write to it.
func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) GetWallet(userID string) (*Wallet, error) {
	var w Wallet
	if err := d.db.Where("user_id = ?", userID).First(&w).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &w, nil
}

func (d *Database) CreateWallet(w *Wallet) error {
	return d.db.Create(w).Error
}

func (d *Database) SaveWallet(w *Wallet) error {
	return d.db.Save(w).Error
}

func (d *Database) AppendTransaction(txn *Transaction) error {
	return d.db.Create(txn).Error
}

// ListTransactions returns the user's ledger oldest-first, the replay order.
func (d *Database) ListTransactions(userID string) ([]Transaction, error) {
	var txns []Transaction
	if err := d.db.Where("user_id = ?", userID).Order("id ASC").Find(&txns).Error; err != nil {
		return nil, err
	}
	return txns, nil
}

// ListRecentTransactions returns the newest entries for display.
func (d *Database) ListRecentTransactions(userID string, limit int) ([]Transaction, error) {
	var txns []Transaction
	if err := d.db.Where("user_id = ?", userID).Order("id DESC").Limit(limit).Find(&txns).Error; err != nil {
		return nil, err
	}
	return txns, nil
}

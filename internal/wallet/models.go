package wallet

import (
	"time"

	"github.com/papermarket/trading-api/internal/types"
	"gorm.io/gorm"
)

// Wallet is the cached projection of a user's ledger: one row per user.
// The ledger is authoritative; the cached balance is derived.
type Wallet struct {
	gorm.Model     `json:"-"`
	UserID         string    `gorm:"uniqueIndex" json:"user_id"`
	Balance        float64   `json:"balance"`
	Equity         float64   `json:"equity"`
	BlockedBalance float64   `json:"blocked_balance"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Available is the balance spendable for new collateral.
func (w *Wallet) Available() float64 {
	return types.Round2(w.Balance - w.BlockedBalance)
}

// Transaction is one append-only ledger entry. SETTLEMENT amounts are
// signed; every other type is positive.
type Transaction struct {
	gorm.Model    `json:"-"`
	TxnID         string                `gorm:"uniqueIndex" json:"txn_id"`
	UserID        string                `gorm:"index" json:"user_id"`
	Type          types.TransactionType `json:"type"`
	Amount        float64               `json:"amount"`
	BalanceBefore float64               `json:"balance_before"`
	BalanceAfter  float64               `json:"balance_after"`
	ReferenceType string                `json:"reference_type"`
	ReferenceID   string                `json:"reference_id"`
	CreatedAt     time.Time             `json:"created_at"`
}

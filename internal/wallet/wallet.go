package wallet

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/papermarket/trading-api/internal/types"
	"github.com/papermarket/trading-api/pkg/apperr"
	"github.com/papermarket/trading-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Service owns wallet balances and the append-only transaction ledger.
// Every mutation appends a Transaction and updates the cached Wallet row in
// the same transaction.
type Service struct {
	db             *gorm.DB
	openingBalance float64
}

// NewService creates the wallet ledger service. New wallets are seeded with
// openingBalance, recorded as the ledger's seed CREDIT.
func NewService(gormDB *gorm.DB, openingBalance float64) *Service {
	return &Service{
		db:             gormDB,
		openingBalance: openingBalance,
	}
}

// GetWallet is get-or-create: a first call seeds the wallet with the
// configured opening balance.
func (s *Service) GetWallet(userID string) (*Wallet, error) {
	var result *Wallet
	err := s.db.Transaction(func(tx *gorm.DB) error {
		w, err := s.getOrCreate(tx, userID)
		if err != nil {
			return err
		}
		result = w
		return nil
	})
	if err != nil {
		return nil, apperr.Internal("failed to load wallet", err)
	}
	return result, nil
}

func (s *Service) getOrCreate(tx *gorm.DB, userID string) (*Wallet, error) {
	repo := NewDatabase(tx)
	w, err := repo.GetWallet(userID)
	if err != nil {
		return nil, err
	}
	if w != nil {
		return w, nil
	}

	w = &Wallet{
		UserID:  userID,
		Balance: 0,
		Equity:  0,
	}
	if err := repo.CreateWallet(w); err != nil {
		return nil, err
	}
	if s.openingBalance > 0 {
		if err := s.apply(tx, w, types.TxnCredit, s.openingBalance, "seed", "opening_balance"); err != nil {
			return nil, err
		}
	}

	log.Info().
		Str("user_id", userID).
		Float64("opening_balance", s.openingBalance).
		Msg("wallet created")
	return w, nil
}

// DebitBalance blocks-and-spends collateral inside the caller's
// transaction. Fails INSUFFICIENT_FUNDS when amount exceeds the unblocked
// balance.
func (s *Service) DebitBalance(tx *gorm.DB, userID string, amount float64, refType, refID string) error {
	w, err := s.getOrCreate(tx, userID)
	if err != nil {
		return apperr.Internal("failed to load wallet", err)
	}
	if amount > w.Available() {
		return apperr.Newf(apperr.CodeInsufficientFunds,
			"required %.2f exceeds available balance %.2f", amount, w.Available())
	}
	return s.apply(tx, w, types.TxnDebit, amount, refType, refID)
}

// CreditProceeds returns funds to the wallet inside the caller's
// transaction.
func (s *Service) CreditProceeds(tx *gorm.DB, userID string, amount float64, refType, refID string) error {
	w, err := s.getOrCreate(tx, userID)
	if err != nil {
		return apperr.Internal("failed to load wallet", err)
	}
	return s.apply(tx, w, types.TxnCredit, amount, refType, refID)
}

// SettlePnL posts a signed settlement entry (realized P&L) to the ledger.
func (s *Service) SettlePnL(tx *gorm.DB, userID string, amount float64, refType, refID string) error {
	if amount == 0 {
		return nil
	}
	w, err := s.getOrCreate(tx, userID)
	if err != nil {
		return apperr.Internal("failed to load wallet", err)
	}
	return s.apply(tx, w, types.TxnSettlement, amount, refType, refID)
}

// BlockBalance reserves funds without spending them.
func (s *Service) BlockBalance(tx *gorm.DB, userID string, amount float64, refType, refID string) error {
	w, err := s.getOrCreate(tx, userID)
	if err != nil {
		return apperr.Internal("failed to load wallet", err)
	}
	if amount > w.Available() {
		return apperr.Newf(apperr.CodeInsufficientFunds,
			"cannot block %.2f with available balance %.2f", amount, w.Available())
	}
	return s.apply(tx, w, types.TxnBlock, amount, refType, refID)
}

// UnblockBalance releases previously blocked funds.
func (s *Service) UnblockBalance(tx *gorm.DB, userID string, amount float64, refType, refID string) error {
	w, err := s.getOrCreate(tx, userID)
	if err != nil {
		return apperr.Internal("failed to load wallet", err)
	}
	return s.apply(tx, w, types.TxnUnblock, amount, refType, refID)
}

// apply appends the ledger entry and updates the cached wallet row.
func (s *Service) apply(tx *gorm.DB, w *Wallet, txnType types.TransactionType, amount float64, refType, refID string) error {
	repo := NewDatabase(tx)
	before := w.Balance

	switch txnType {
	case types.TxnCredit:
		w.Balance = types.Round2(w.Balance + amount)
	case types.TxnDebit:
		w.Balance = types.Round2(w.Balance - amount)
	case types.TxnSettlement:
		w.Balance = types.Round2(w.Balance + amount)
	case types.TxnBlock:
		w.BlockedBalance = types.Round2(w.BlockedBalance + amount)
	case types.TxnUnblock:
		w.BlockedBalance = types.Round2(w.BlockedBalance - amount)
		if w.BlockedBalance < 0 {
			w.BlockedBalance = 0
		}
	default:
		return apperr.Internal("unknown transaction type "+string(txnType), nil)
	}
	w.Equity = w.Balance

	txn := &Transaction{
		TxnID:         "TXN_" + uuid.New().String(),
		UserID:        w.UserID,
		Type:          txnType,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  w.Balance,
		ReferenceType: refType,
		ReferenceID:   refID,
		CreatedAt:     time.Now(),
	}
	if err := repo.AppendTransaction(txn); err != nil {
		return apperr.Internal("failed to append ledger entry", err)
	}
	if err := repo.SaveWallet(w); err != nil {
		return apperr.Internal("failed to update wallet cache", err)
	}
	return nil
}

// RecalculateFromLedger replays the full ledger from a zero seed and
// overwrites the cached wallet. This is the designated repair path for
// detected drift.
func (s *Service) RecalculateFromLedger(userID string) (*Wallet, error) {
	logger := log.With().
		Str("user_id", userID).
		Str("service", "wallet").
		Logger()

	var result *Wallet
	err := s.db.Transaction(func(tx *gorm.DB) error {
		repo := NewDatabase(tx)
		w, err := repo.GetWallet(userID)
		if err != nil {
			return err
		}
		if w == nil {
			return apperr.Newf(apperr.CodeNotFound, "no wallet for user %s", userID)
		}

		txns, err := repo.ListTransactions(userID)
		if err != nil {
			return err
		}

		var balance, blocked float64
		for _, txn := range txns {
			switch txn.Type {
			case types.TxnCredit, types.TxnSettlement:
				balance = types.Round2(balance + txn.Amount)
			case types.TxnDebit:
				balance = types.Round2(balance - txn.Amount)
			case types.TxnBlock:
				blocked = types.Round2(blocked + txn.Amount)
			case types.TxnUnblock:
				blocked = types.Round2(blocked - txn.Amount)
			}
		}

		if balance != w.Balance || blocked != w.BlockedBalance {
			logger.Warn().
				Float64("cached_balance", w.Balance).
				Float64("replayed_balance", balance).
				Float64("cached_blocked", w.BlockedBalance).
				Float64("replayed_blocked", blocked).
				Msg("wallet cache drift detected, overwriting from ledger")
		}

		w.Balance = balance
		w.BlockedBalance = blocked
		w.Equity = balance
		if err := repo.SaveWallet(w); err != nil {
			return err
		}
		result = w
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info().
		Float64("balance", result.Balance).
		Msg("wallet recalculated from ledger")
	return result, nil
}

// ListTransactions returns the newest ledger entries for a user.
func (s *Service) ListTransactions(userID string, limit int) ([]Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return NewDatabase(s.db).ListRecentTransactions(userID, limit)
}

// GinHandlers contains HTTP handlers for wallet endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// GetWalletHandler handles GET /wallet
func (h *GinHandlers) GetWalletHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")
		w, err := h.service.GetWallet(userID)
		response.Handle(c, w, err)
	}
}

// ListTransactionsHandler handles GET /wallet/transactions
func (h *GinHandlers) ListTransactionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")
		txns, err := h.service.ListTransactions(userID, 50)
		response.Handle(c, txns, err)
	}
}

// RecalculateHandler handles POST /wallet/recalculate
func (h *GinHandlers) RecalculateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")
		w, err := h.service.RecalculateFromLedger(userID)
		response.Handle(c, w, err)
	}
}

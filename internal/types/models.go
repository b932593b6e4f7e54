package types

import (
	"time"

	"gorm.io/gorm"
)

// Instrument is one row of the instrument master. Token is the only safe
// identity: trading symbols repeat across expiries and segments.
type Instrument struct {
	gorm.Model     `json:"-"`
	Token          uint32         `gorm:"uniqueIndex" json:"token"`
	TradingSymbol  string         `gorm:"index" json:"trading_symbol"`
	UnderlyingName string         `gorm:"index" json:"underlying_name"`
	InstrumentType InstrumentType `json:"instrument_type"`
	Segment        string         `json:"segment"`
	LotSize        int64          `json:"lot_size"`
	TickSize       float64        `json:"tick_size"`
	Strike         float64        `json:"strike,omitempty"`
	Expiry         *time.Time     `json:"expiry,omitempty"`
	LastPrice      float64        `json:"last_price"`
	IsActive       bool           `gorm:"index" json:"is_active"`
}

// Expired reports whether the instrument's expiry is strictly before now.
func (i *Instrument) Expired(now time.Time) bool {
	return i.Expiry != nil && i.Expiry.Before(now)
}

// DaysToExpiry returns the whole days until expiry, or -1 for perpetual
// instruments.
func (i *Instrument) DaysToExpiry(now time.Time) int {
	if i.Expiry == nil {
		return -1
	}
	expiryDay := time.Date(i.Expiry.Year(), i.Expiry.Month(), i.Expiry.Day(), 0, 0, 0, 0, i.Expiry.Location())
	nowDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return int(expiryDay.Sub(nowDay).Hours() / 24)
}

// EffectiveLotSize never returns zero so quantity arithmetic stays safe.
func (i *Instrument) EffectiveLotSize() int64 {
	if i.LotSize <= 0 {
		return 1
	}
	return i.LotSize
}

// Order is a client order moving through the OPEN -> {FILLED, CANCELLED,
// REJECTED} state machine.
type Order struct {
	gorm.Model      `json:"-"`
	OrderID         string      `gorm:"uniqueIndex" json:"order_id"`
	UserID          string      `gorm:"index" json:"user_id"`
	InstrumentToken uint32      `gorm:"index" json:"instrument_token"`
	TradingSymbol   string      `json:"trading_symbol"`
	Side            OrderSide   `json:"side"`
	Quantity        int64       `json:"quantity"`
	OrderType       OrderType   `json:"order_type"`
	LimitPrice      float64     `json:"limit_price,omitempty"`
	Status          OrderStatus `gorm:"index" json:"status"`
	ExitReason      ExitReason  `json:"exit_reason,omitempty"`
	StagedUntilOpen bool        `json:"staged_until_open,omitempty"`
	AveragePrice    float64     `json:"average_price,omitempty"`
	EntryPrice      float64     `json:"entry_price,omitempty"`
	RealizedPnL     float64     `json:"realized_pnl,omitempty"`
	RejectionReason string      `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Trade is an immutable fill record, one row per fill.
type Trade struct {
	gorm.Model      `json:"-"`
	TradeID         string    `gorm:"uniqueIndex" json:"trade_id"`
	OrderID         string    `gorm:"index" json:"order_id"`
	UserID          string    `gorm:"index" json:"user_id"`
	InstrumentToken uint32    `gorm:"index" json:"instrument_token"`
	Side            OrderSide `json:"side"`
	Quantity        int64     `json:"quantity"`
	Price           float64   `json:"price"`
	ExecutedAt      time.Time `json:"executed_at"`
}

// SignedQuantity returns the position delta for the trade.
func (t *Trade) SignedQuantity() int64 {
	return t.Side.Sign() * t.Quantity
}

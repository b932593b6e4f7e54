package position

import (
	"time"

	"gorm.io/gorm"
)

// Position is the weighted-average cost book for one (user, instrument).
// Quantity is signed: positive long, negative short. A row exists if and
// only if quantity is non-zero.
type Position struct {
	gorm.Model      `json:"-"`
	UserID          string    `gorm:"uniqueIndex:idx_positions_user_token" json:"user_id"`
	InstrumentToken uint32    `gorm:"uniqueIndex:idx_positions_user_token" json:"instrument_token"`
	TradingSymbol   string    `json:"trading_symbol"`
	Quantity        int64     `json:"quantity"`
	AveragePrice    float64   `json:"average_price"`
	RealizedPnL     float64   `json:"realized_pnl"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

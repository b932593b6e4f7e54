package expiry

import (
	"context"
	"fmt"
	"time"

	"github.com/papermarket/trading-api/internal/catalog"
	"github.com/papermarket/trading-api/internal/orders"
	"github.com/papermarket/trading-api/internal/position"
	"github.com/papermarket/trading-api/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Coordinator settles positions left on expired derivatives. After an
// instrument's expiry passes it force-closes every open position at the
// prevailing price, then deactivates the instrument and refreshes the
// catalog so it stops being tradable.
type Coordinator struct {
	db       *gorm.DB
	orders   *orders.Service
	catalog  *catalog.Service
	interval time.Duration
	now      func() time.Time
}

func NewCoordinator(gormDB *gorm.DB, orderSvc *orders.Service, catalogSvc *catalog.Service, interval time.Duration) *Coordinator {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Coordinator{
		db:       gormDB,
		orders:   orderSvc,
		catalog:  catalogSvc,
		interval: interval,
		now:      time.Now,
	}
}

// Start runs the settlement loop until the context is cancelled.
func (c *Coordinator) Start(ctx context.Context) {
	logger := log.With().Str("component", "expiry_coordinator").Logger()
	logger.Info().Dur("interval", c.interval).Msg("starting expiry coordinator")

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down expiry coordinator")
			return
		case <-ticker.C:
			if err := c.SettleOnce(ctx); err != nil {
				logger.Error().Err(err).Msg("settlement pass failed")
			}
		}
	}
}

// SettleOnce makes one pass over instruments whose expiry has passed. Each
// open position on such an instrument is closed with a forced market order
// at the prevailing price; the P&L and collateral release flow through the
// normal execution path so the ledger stays complete.
func (c *Coordinator) SettleOnce(ctx context.Context) error {
	expired, err := c.listExpiredInstruments()
	if err != nil {
		return err
	}

	positions := position.NewDatabase(c.db)
	logger := log.With().Str("component", "expiry_coordinator").Logger()

	for i := range expired {
		instrument := &expired[i]
		rows, err := positions.ListPositionsForToken(instrument.Token)
		if err != nil {
			logger.Error().
				Err(err).
				Uint32("token", instrument.Token).
				Msg("failed to list positions for expired instrument")
			continue
		}

		settled := true
		for j := range rows {
			if err := c.settlePosition(ctx, instrument, &rows[j]); err != nil {
				// Leave the instrument active so the next pass retries the
				// remaining positions.
				logger.Error().
					Err(err).
					Str("user_id", rows[j].UserID).
					Str("symbol", instrument.TradingSymbol).
					Msg("failed to settle expired position")
				settled = false
			}
		}

		if !settled {
			continue
		}
		if err := c.deactivate(ctx, instrument); err != nil {
			logger.Error().
				Err(err).
				Str("symbol", instrument.TradingSymbol).
				Msg("failed to deactivate expired instrument")
			continue
		}
		logger.Info().
			Str("symbol", instrument.TradingSymbol).
			Int("positions_settled", len(rows)).
			Msg("expired instrument settled and deactivated")
	}
	return nil
}

// listExpiredInstruments returns active derivatives whose expiry has
// passed. Perpetual instruments never appear.
func (c *Coordinator) listExpiredInstruments() ([]types.Instrument, error) {
	var rows []types.Instrument
	err := c.db.
		Where("is_active = ? AND expiry IS NOT NULL AND expiry < ?", true, c.now()).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list expired instruments: %w", err)
	}
	return rows, nil
}

// settlePosition closes one position with a forced market order. Force
// bypasses session, guard and margin checks so even an underfunded account
// gets flattened; the realized loss lands on the wallet as a settlement.
func (c *Coordinator) settlePosition(ctx context.Context, instrument *types.Instrument, pos *position.Position) error {
	if pos.Quantity == 0 {
		return nil
	}

	side := types.SideSell
	quantity := pos.Quantity
	if pos.Quantity < 0 {
		side = types.SideBuy
		quantity = -pos.Quantity
	}

	// A stable idempotency key makes retried passes resolve to the same
	// settlement order instead of stacking new ones.
	order, err := c.orders.PlaceOrder(ctx, pos.UserID, orders.PlaceOrderRequest{
		InstrumentToken: instrument.Token,
		Side:            side,
		Quantity:        quantity,
		OrderType:       types.OrderMarket,
		ExitReason:      types.ExitExpiry,
		IdempotencyKey:  fmt.Sprintf("expiry-%d-%s", instrument.Token, pos.UserID),
		Force:           true,
	})
	if err != nil {
		return err
	}
	if order.Status != types.StatusFilled {
		// Inline execution failed, usually a price outage. The order stays
		// OPEN for the sweeper but the instrument must not deactivate yet.
		return fmt.Errorf("settlement order %s not filled", order.OrderID)
	}

	log.Info().
		Str("user_id", pos.UserID).
		Str("symbol", instrument.TradingSymbol).
		Str("order_id", order.OrderID).
		Float64("realized_pnl", order.RealizedPnL).
		Msg("expired position settled")
	return nil
}

func (c *Coordinator) deactivate(ctx context.Context, instrument *types.Instrument) error {
	if err := c.db.Model(&types.Instrument{}).
		Where("token = ?", instrument.Token).
		Update("is_active", false).Error; err != nil {
		return err
	}
	return c.catalog.Reload(ctx)
}

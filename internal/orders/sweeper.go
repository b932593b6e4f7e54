package orders

import (
	"context"
	"time"

	"github.com/papermarket/trading-api/internal/types"
	"github.com/papermarket/trading-api/pkg/apperr"
	"github.com/rs/zerolog/log"
)

// Sweeper drives OPEN orders to completion in the background: staged
// orders once the session opens, limit orders once price crosses, and
// market orders whose inline execution failed.
type Sweeper struct {
	service  *Service
	interval time.Duration
}

func NewSweeper(service *Service, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sweeper{service: service, interval: interval}
}

// Start runs the sweep loop until the context is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	logger := log.With().Str("component", "order_sweeper").Logger()
	logger.Info().Dur("interval", s.interval).Msg("starting order sweeper")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down order sweeper")
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				logger.Error().Err(err).Msg("sweep pass failed")
			}
		}
	}
}

// SweepOnce makes a single pass over all OPEN orders, oldest first. A
// failure on one order is logged and does not block the rest of the pass.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	open, err := s.service.repo.ListOpenOrders()
	if err != nil {
		return apperr.Internal("failed to list open orders", err)
	}
	if len(open) == 0 {
		return nil
	}

	sessionOpen := s.service.sessionOpen(s.service.now())
	logger := log.With().Str("component", "order_sweeper").Logger()

	for i := range open {
		order := &open[i]
		// Expiry exits are forced and do not wait for the session.
		if !sessionOpen && order.ExitReason != types.ExitExpiry {
			continue
		}

		eligible, err := s.eligible(ctx, order)
		if err != nil {
			logger.Warn().
				Err(err).
				Str("order_id", order.OrderID).
				Msg("could not evaluate order for execution")
			continue
		}
		if !eligible {
			continue
		}

		if _, err := s.service.ExecuteOrder(ctx, order.OrderID); err != nil {
			// INSUFFICIENT_FUNDS and price outages are transient; the order
			// stays OPEN and the next pass retries it.
			logger.Warn().
				Err(err).
				Str("order_id", order.OrderID).
				Msg("sweep execution failed")
		}
	}
	return nil
}

// eligible decides whether the order can fill this pass. Market orders
// always can; limit orders wait for the market price to cross the limit.
func (s *Sweeper) eligible(ctx context.Context, order *types.Order) (bool, error) {
	if order.OrderType != types.OrderLimit {
		return true, nil
	}

	instrument, err := s.service.resolveInstrument(ctx, PlaceOrderRequest{
		InstrumentToken: order.InstrumentToken,
		ExitReason:      order.ExitReason,
	})
	if err != nil {
		return false, err
	}

	price, err := s.service.margin.MarketPrice(ctx, instrument)
	if err != nil {
		return false, err
	}

	if order.Side == types.SideBuy {
		return price <= order.LimitPrice, nil
	}
	return price >= order.LimitPrice, nil
}

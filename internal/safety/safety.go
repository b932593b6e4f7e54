package safety

import (
	"context"
	"time"

	"github.com/papermarket/trading-api/internal/config"
	"github.com/papermarket/trading-api/internal/oracle"
	"github.com/papermarket/trading-api/internal/types"
	"github.com/papermarket/trading-api/pkg/apperr"
	"github.com/rs/zerolog/log"
)

// Service runs the pre-trade guard chain. Guards are sequential and the
// first failure short-circuits with its typed error.
type Service struct {
	oracle      *oracle.Service
	staleAfter  time.Duration
	maxNotional float64
	now         func() time.Time
}

func NewService(priceOracle *oracle.Service, marketCfg config.MarketConfig, marginCfg config.MarginConfig) *Service {
	return &Service{
		oracle:      priceOracle,
		staleAfter:  time.Duration(marketCfg.StaleQuoteSeconds) * time.Second,
		maxNotional: marginCfg.MaxOrderNotional,
		now:         time.Now,
	}
}

// ValidateOrder runs the guard chain: expiry, staleness, liquidity, lot
// size, notional ceiling.
func (s *Service) ValidateOrder(ctx context.Context, order *types.Order, instrument *types.Instrument) error {
	now := s.now()

	if instrument.Expired(now) {
		return apperr.Newf(apperr.CodeExpiredInstrument,
			"%s expired on %s", instrument.TradingSymbol, instrument.Expiry.Format("2006-01-02"))
	}

	if age, ok := s.oracle.QuoteAge(instrument.Token); ok && age > s.staleAfter {
		return apperr.Newf(apperr.CodeStalePrice,
			"quote for %s is %s old (max %s)", instrument.TradingSymbol, age.Round(time.Second), s.staleAfter)
	}

	if err := s.checkLiquidity(instrument); err != nil {
		return err
	}

	if lot := instrument.EffectiveLotSize(); order.Quantity%lot != 0 {
		return apperr.Newf(apperr.CodeInvalidLotSize,
			"quantity %d is not a multiple of lot size %d", order.Quantity, lot)
	}

	if err := s.checkNotionalCeiling(ctx, order, instrument); err != nil {
		return err
	}

	log.Debug().
		Uint32("token", instrument.Token).
		Str("symbol", instrument.TradingSymbol).
		Msg("guard chain passed")
	return nil
}

// checkLiquidity requires some tradable price signal for derivatives: a
// live quote or an exchange snapshot. Illiquid contracts have neither.
func (s *Service) checkLiquidity(instrument *types.Instrument) error {
	if !instrument.InstrumentType.Derivative() {
		return nil
	}
	if _, ok := s.oracle.LiveQuote(instrument.Token); ok {
		return nil
	}
	if instrument.LastPrice > 0 {
		return nil
	}
	return apperr.Newf(apperr.CodeIlliquidContract,
		"no tradable quote for %s", instrument.TradingSymbol)
}

// checkNotionalCeiling rejects orders whose notional exceeds the configured
// per-order ceiling. When no price tier resolves, the margin step fails
// MARKET_PRICE_UNAVAILABLE instead, so the guard passes through.
func (s *Service) checkNotionalCeiling(ctx context.Context, order *types.Order, instrument *types.Instrument) error {
	price := order.LimitPrice
	if price <= 0 {
		resolved, err := s.oracle.GetBestPrice(ctx, instrument.Token, oracle.Hints{Instrument: instrument})
		if err != nil {
			return nil
		}
		price = resolved
	}

	notional := price * float64(order.Quantity)
	if instrument.InstrumentType == types.InstrumentOption {
		notional *= float64(instrument.EffectiveLotSize())
	}
	if notional > s.maxNotional {
		return apperr.Newf(apperr.CodeLeverageExceeded,
			"order notional %.2f exceeds ceiling %.2f", notional, s.maxNotional)
	}
	return nil
}

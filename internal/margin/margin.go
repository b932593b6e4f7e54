package margin

import (
	"context"

	"github.com/papermarket/trading-api/internal/config"
	"github.com/papermarket/trading-api/internal/oracle"
	"github.com/papermarket/trading-api/internal/types"
	"github.com/papermarket/trading-api/pkg/apperr"
	"github.com/rs/zerolog/log"
)

// Requirement is the collateral computation for one order.
type Requirement struct {
	Margin   float64 `json:"margin"`
	Price    float64 `json:"price"`
	Notional float64 `json:"notional"`
}

// Service computes required collateral per instrument type. Futures use a
// flat rate on notional as a simplified SPAN proxy; short options carry a
// seller surcharge on the premium.
type Service struct {
	oracle *oracle.Service
	cfg    config.MarginConfig
}

func NewService(priceOracle *oracle.Service, cfg config.MarginConfig) *Service {
	return &Service{
		oracle: priceOracle,
		cfg:    cfg,
	}
}

// ResolveExecutionPrice picks the price margin is computed against: an
// explicit positive limit price wins, otherwise the oracle's best price.
func (s *Service) ResolveExecutionPrice(ctx context.Context, order *types.Order, instrument *types.Instrument) (float64, error) {
	if order.OrderType == types.OrderLimit && order.LimitPrice > 0 {
		return order.LimitPrice, nil
	}
	return s.MarketPrice(ctx, instrument)
}

// MarketPrice returns the oracle's current best price for the instrument.
func (s *Service) MarketPrice(ctx context.Context, instrument *types.Instrument) (float64, error) {
	return s.oracle.GetBestPrice(ctx, instrument.Token, oracle.Hints{Instrument: instrument})
}

// Compute calculates the collateral for a fill at an already-resolved
// price. Execution settlement reuses this to release the collateral held
// against the closed quantity at its average entry price.
func (s *Service) Compute(instrument *types.Instrument, side types.OrderSide, price float64, quantity int64) (float64, error) {
	notional := types.Round2(price * float64(quantity))

	switch instrument.InstrumentType {
	case types.InstrumentEquity:
		return notional, nil
	case types.InstrumentFuture:
		return types.Round2(notional * s.cfg.FuturesMarginRate), nil
	case types.InstrumentOption:
		premium := types.Round2(price * float64(quantity) * float64(instrument.EffectiveLotSize()))
		if side == types.SideBuy {
			return premium, nil
		}
		return types.Round2(premium + premium*s.cfg.OptionSellerSurcharge), nil
	case types.InstrumentIndex:
		return 0, apperr.Newf(apperr.CodeInvalidInstrumentType,
			"index %s is not directly tradable", instrument.TradingSymbol)
	default:
		return 0, apperr.Newf(apperr.CodeInvalidInstrumentType,
			"unknown instrument type %q", instrument.InstrumentType)
	}
}

// CalculateRequiredMargin computes the collateral blocked for the order.
func (s *Service) CalculateRequiredMargin(ctx context.Context, order *types.Order, instrument *types.Instrument) (Requirement, error) {
	price, err := s.ResolveExecutionPrice(ctx, order, instrument)
	if err != nil {
		return Requirement{}, err
	}

	required, err := s.Compute(instrument, order.Side, price, order.Quantity)
	if err != nil {
		return Requirement{}, err
	}

	req := Requirement{Margin: required, Price: price, Notional: types.Round2(price * float64(order.Quantity))}
	if err := s.ValidateMarginRequirement(req.Margin); err != nil {
		return Requirement{}, err
	}

	log.Debug().
		Uint32("token", instrument.Token).
		Str("instrument_type", string(instrument.InstrumentType)).
		Str("side", string(order.Side)).
		Float64("price", price).
		Float64("margin", req.Margin).
		Msg("computed required margin")
	return req, nil
}

// ValidateMarginRequirement enforces 0 <= margin <= ceiling. A negative
// margin is a computation bug, not a user error.
func (s *Service) ValidateMarginRequirement(margin float64) error {
	if margin < 0 {
		return apperr.Internal("negative margin requirement", nil)
	}
	if margin > s.cfg.MarginCeiling {
		return apperr.Newf(apperr.CodeMarginTooHigh,
			"required margin %.2f exceeds ceiling %.2f", margin, s.cfg.MarginCeiling)
	}
	return nil
}

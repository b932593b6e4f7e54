package safety

import (
	"context"
	"testing"
	"time"

	"github.com/papermarket/trading-api/internal/config"
	"github.com/papermarket/trading-api/internal/oracle"
	"github.com/papermarket/trading-api/internal/types"
	"github.com/papermarket/trading-api/pkg/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService() (*Service, *oracle.Service) {
	priceOracle := oracle.NewService(nil, false)
	cfg := config.Default()
	return NewService(priceOracle, cfg.Market, cfg.Margin), priceOracle
}

func TestValidateOrder_PassesHappyPath(t *testing.T) {
	svc, priceOracle := newTestService()
	priceOracle.PushQuote(100, 2500)

	order := &types.Order{Side: types.SideBuy, Quantity: 10, OrderType: types.OrderMarket}
	instrument := &types.Instrument{Token: 100, TradingSymbol: "RELIANCE", InstrumentType: types.InstrumentEquity, LotSize: 1, IsActive: true}

	assert.NoError(t, svc.ValidateOrder(context.Background(), order, instrument))
}

func TestValidateOrder_ExpiredInstrument(t *testing.T) {
	svc, _ := newTestService()

	past := time.Now().AddDate(0, 0, -1)
	instrument := &types.Instrument{Token: 100, TradingSymbol: "NIFTYFUT", InstrumentType: types.InstrumentFuture, LotSize: 50, Expiry: &past, LastPrice: 22000}
	order := &types.Order{Side: types.SideBuy, Quantity: 50, OrderType: types.OrderMarket}

	err := svc.ValidateOrder(context.Background(), order, instrument)
	assert.True(t, apperr.HasCode(err, apperr.CodeExpiredInstrument))
}

func TestValidateOrder_StaleQuote(t *testing.T) {
	svc, priceOracle := newTestService()
	priceOracle.PushQuote(100, 2500)
	svc.staleAfter = time.Nanosecond

	order := &types.Order{Side: types.SideBuy, Quantity: 10, OrderType: types.OrderMarket}
	instrument := &types.Instrument{Token: 100, TradingSymbol: "RELIANCE", InstrumentType: types.InstrumentEquity, LotSize: 1}

	err := svc.ValidateOrder(context.Background(), order, instrument)
	assert.True(t, apperr.HasCode(err, apperr.CodeStalePrice))
}

func TestValidateOrder_IlliquidDerivative(t *testing.T) {
	svc, _ := newTestService()

	// No live quote and no exchange snapshot price.
	future := time.Now().AddDate(0, 0, 7)
	instrument := &types.Instrument{Token: 500, TradingSymbol: "DEADFUT", InstrumentType: types.InstrumentFuture, LotSize: 50, Expiry: &future}
	order := &types.Order{Side: types.SideBuy, Quantity: 50, OrderType: types.OrderMarket}

	err := svc.ValidateOrder(context.Background(), order, instrument)
	assert.True(t, apperr.HasCode(err, apperr.CodeIlliquidContract))
}

func TestValidateOrder_LotSizeViolation(t *testing.T) {
	svc, priceOracle := newTestService()
	priceOracle.PushQuote(200, 22000)

	future := time.Now().AddDate(0, 0, 7)
	instrument := &types.Instrument{Token: 200, TradingSymbol: "NIFTYFUT", InstrumentType: types.InstrumentFuture, LotSize: 50, Expiry: &future, LastPrice: 22000}
	order := &types.Order{Side: types.SideBuy, Quantity: 30, OrderType: types.OrderMarket}

	err := svc.ValidateOrder(context.Background(), order, instrument)
	assert.True(t, apperr.HasCode(err, apperr.CodeInvalidLotSize))
}

func TestValidateOrder_NotionalCeiling(t *testing.T) {
	svc, priceOracle := newTestService()
	priceOracle.PushQuote(100, 2500)

	instrument := &types.Instrument{Token: 100, TradingSymbol: "RELIANCE", InstrumentType: types.InstrumentEquity, LotSize: 1}
	order := &types.Order{Side: types.SideBuy, Quantity: 100_000, OrderType: types.OrderMarket}

	// 2500 * 100000 = 250M, above the 50M ceiling.
	err := svc.ValidateOrder(context.Background(), order, instrument)
	assert.True(t, apperr.HasCode(err, apperr.CodeLeverageExceeded))
}

func TestValidateOrder_OptionNotionalIncludesLotSize(t *testing.T) {
	svc, priceOracle := newTestService()
	priceOracle.PushQuote(300, 25000)

	future := time.Now().AddDate(0, 0, 7)
	instrument := &types.Instrument{Token: 300, TradingSymbol: "NIFTYCE", InstrumentType: types.InstrumentOption, LotSize: 50, Strike: 22000, Expiry: &future}
	// 25000 * 50 * 50 = 62.5M crosses the ceiling only with the lot multiplier.
	order := &types.Order{Side: types.SideBuy, Quantity: 50, OrderType: types.OrderMarket}

	err := svc.ValidateOrder(context.Background(), order, instrument)
	assert.True(t, apperr.HasCode(err, apperr.CodeLeverageExceeded))
}

func TestValidateOrder_MissingPricePassesThrough(t *testing.T) {
	svc, _ := newTestService()

	// No price tier resolves: the notional guard abstains so the margin
	// step can fail with its own error.
	instrument := &types.Instrument{Token: 600, TradingSymbol: "NOPRICE", InstrumentType: types.InstrumentEquity, LotSize: 1}
	order := &types.Order{Side: types.SideBuy, Quantity: 10, OrderType: types.OrderMarket}

	require.NoError(t, svc.ValidateOrder(context.Background(), order, instrument))
}

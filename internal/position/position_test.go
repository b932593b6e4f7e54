package position

import (
	"fmt"
	"testing"
	"time"

	"github.com/papermarket/trading-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Position{}))
	return NewService(db), db
}

func trade(userID string, token uint32, side types.OrderSide, qty int64, price float64) *types.Trade {
	return &types.Trade{
		TradeID:         "TRD_test",
		OrderID:         "ORD_test",
		UserID:          userID,
		InstrumentToken: token,
		Side:            side,
		Quantity:        qty,
		Price:           price,
		ExecutedAt:      time.Now(),
	}
}

func TestApplyTrade_OpensNewPosition(t *testing.T) {
	svc, db := newTestService(t)

	result, err := svc.ApplyTrade(db, trade("USER_1", 100, types.SideBuy, 10, 2500), "RELIANCE")
	require.NoError(t, err)
	require.NotNil(t, result.Position)

	assert.Equal(t, int64(10), result.Position.Quantity)
	assert.Equal(t, 2500.0, result.Position.AveragePrice)
	assert.Equal(t, 0.0, result.RealizedPnLDelta)
	assert.Equal(t, int64(0), result.ClosedQuantity)
}

func TestApplyTrade_WeightedAverageOnIncrease(t *testing.T) {
	svc, db := newTestService(t)

	_, err := svc.ApplyTrade(db, trade("USER_1", 100, types.SideBuy, 10, 2500), "RELIANCE")
	require.NoError(t, err)

	result, err := svc.ApplyTrade(db, trade("USER_1", 100, types.SideBuy, 5, 2530), "RELIANCE")
	require.NoError(t, err)
	require.NotNil(t, result.Position)

	// (10*2500 + 5*2530) / 15 = 2510
	assert.Equal(t, int64(15), result.Position.Quantity)
	assert.Equal(t, 2510.0, result.Position.AveragePrice)
	assert.Equal(t, 0.0, result.RealizedPnLDelta)
}

func TestApplyTrade_PartialCloseRealizesPnL(t *testing.T) {
	svc, db := newTestService(t)

	_, err := svc.ApplyTrade(db, trade("USER_1", 100, types.SideBuy, 10, 2500), "RELIANCE")
	require.NoError(t, err)

	result, err := svc.ApplyTrade(db, trade("USER_1", 100, types.SideSell, 4, 2550), "RELIANCE")
	require.NoError(t, err)
	require.NotNil(t, result.Position)

	assert.Equal(t, int64(6), result.Position.Quantity)
	// Average price does not change on a reduce.
	assert.Equal(t, 2500.0, result.Position.AveragePrice)
	assert.Equal(t, 2500.0, result.PreTradeAveragePrice)
	assert.Equal(t, int64(4), result.ClosedQuantity)
	// 4 * (2550 - 2500)
	assert.Equal(t, 200.0, result.RealizedPnLDelta)
	assert.Equal(t, 200.0, result.Position.RealizedPnL)
}

func TestApplyTrade_FullCloseDeletesRow(t *testing.T) {
	svc, db := newTestService(t)

	_, err := svc.ApplyTrade(db, trade("USER_1", 100, types.SideBuy, 10, 2500), "RELIANCE")
	require.NoError(t, err)

	result, err := svc.ApplyTrade(db, trade("USER_1", 100, types.SideSell, 10, 2450), "RELIANCE")
	require.NoError(t, err)

	assert.Nil(t, result.Position)
	assert.Equal(t, -500.0, result.RealizedPnLDelta)

	// The row must be gone, not zeroed.
	stored, err := svc.GetPosition("USER_1", 100)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestApplyTrade_ShortCloseRealizesInvertedPnL(t *testing.T) {
	svc, db := newTestService(t)

	_, err := svc.ApplyTrade(db, trade("USER_1", 100, types.SideSell, 10, 2500), "RELIANCE")
	require.NoError(t, err)

	result, err := svc.ApplyTrade(db, trade("USER_1", 100, types.SideBuy, 10, 2400), "RELIANCE")
	require.NoError(t, err)

	assert.Nil(t, result.Position)
	// Short profits when price falls: 10 * (2500 - 2400)
	assert.Equal(t, 1000.0, result.RealizedPnLDelta)
}

func TestApplyTrade_SignFlipOpensResidualAtTradePrice(t *testing.T) {
	svc, db := newTestService(t)

	_, err := svc.ApplyTrade(db, trade("USER_1", 100, types.SideBuy, 10, 2500), "RELIANCE")
	require.NoError(t, err)

	result, err := svc.ApplyTrade(db, trade("USER_1", 100, types.SideSell, 15, 2550), "RELIANCE")
	require.NoError(t, err)
	require.NotNil(t, result.Position)

	// 10 closed at a 50 profit, 5 reopened short at the trade price.
	assert.Equal(t, int64(-5), result.Position.Quantity)
	assert.Equal(t, 2550.0, result.Position.AveragePrice)
	assert.Equal(t, int64(10), result.ClosedQuantity)
	assert.Equal(t, 500.0, result.RealizedPnLDelta)
}

func TestApplyTrade_ZeroQuantityIsFatal(t *testing.T) {
	svc, db := newTestService(t)

	_, err := svc.ApplyTrade(db, trade("USER_1", 100, types.SideBuy, 0, 2500), "RELIANCE")
	assert.Error(t, err)
}

func TestApplyTrade_PositionsAreIsolatedPerUserAndInstrument(t *testing.T) {
	svc, db := newTestService(t)

	_, err := svc.ApplyTrade(db, trade("USER_1", 100, types.SideBuy, 10, 2500), "RELIANCE")
	require.NoError(t, err)
	_, err = svc.ApplyTrade(db, trade("USER_1", 200, types.SideSell, 5, 1450), "INFY")
	require.NoError(t, err)
	_, err = svc.ApplyTrade(db, trade("USER_2", 100, types.SideBuy, 3, 2510), "RELIANCE")
	require.NoError(t, err)

	positions, err := svc.ListPositions("USER_1")
	require.NoError(t, err)
	assert.Len(t, positions, 2)

	other, err := svc.GetPosition("USER_2", 100)
	require.NoError(t, err)
	require.NotNil(t, other)
	assert.Equal(t, int64(3), other.Quantity)
}

func TestApplyTrade_RealizedPnLAccumulates(t *testing.T) {
	svc, db := newTestService(t)

	_, err := svc.ApplyTrade(db, trade("USER_1", 100, types.SideBuy, 10, 2500), "RELIANCE")
	require.NoError(t, err)

	_, err = svc.ApplyTrade(db, trade("USER_1", 100, types.SideSell, 3, 2550), "RELIANCE")
	require.NoError(t, err)

	result, err := svc.ApplyTrade(db, trade("USER_1", 100, types.SideSell, 3, 2600), "RELIANCE")
	require.NoError(t, err)
	require.NotNil(t, result.Position)

	// 3*50 + 3*100
	assert.Equal(t, 450.0, result.Position.RealizedPnL)
	assert.Equal(t, 300.0, result.RealizedPnLDelta)
}

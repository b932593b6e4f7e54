package expiry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/papermarket/trading-api/internal/catalog"
	"github.com/papermarket/trading-api/internal/config"
	"github.com/papermarket/trading-api/internal/margin"
	"github.com/papermarket/trading-api/internal/oracle"
	"github.com/papermarket/trading-api/internal/orders"
	"github.com/papermarket/trading-api/internal/position"
	"github.com/papermarket/trading-api/internal/safety"
	"github.com/papermarket/trading-api/internal/types"
	"github.com/papermarket/trading-api/internal/wallet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const expiredToken = uint32(400)

type fixture struct {
	coordinator *Coordinator
	db          *gorm.DB
	oracle      *oracle.Service
	catalog     *catalog.Service
	positions   *position.Service
	wallet      *wallet.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&types.Instrument{},
		&types.Order{},
		&types.Trade{},
		&orders.IdempotencyRecord{},
		&position.Position{},
		&wallet.Wallet{},
		&wallet.Transaction{},
	))

	cfg := config.Default()
	catalogSvc := catalog.NewService(db)
	priceOracle := oracle.NewService(catalogSvc, false)
	marginSvc := margin.NewService(priceOracle, cfg.Margin)
	safetySvc := safety.NewService(priceOracle, cfg.Market, cfg.Margin)
	walletSvc := wallet.NewService(db, cfg.Wallet.OpeningBalance)
	positionSvc := position.NewService(db)
	orderSvc := orders.NewService(db, catalogSvc, safetySvc, marginSvc, walletSvc, positionSvc, cfg)

	yesterday := time.Now().AddDate(0, 0, -1)
	require.NoError(t, catalogSvc.Upsert(context.Background(), []types.Instrument{
		{Token: expiredToken, TradingSymbol: "BANKFUT", UnderlyingName: "BANKNIFTY", InstrumentType: types.InstrumentFuture, Segment: "NFO-FUT", LotSize: 15, Expiry: &yesterday, LastPrice: 48000, IsActive: true},
	}))

	return &fixture{
		coordinator: NewCoordinator(db, orderSvc, catalogSvc, time.Minute),
		db:          db,
		oracle:      priceOracle,
		catalog:     catalogSvc,
		positions:   positionSvc,
		wallet:      walletSvc,
	}
}

func seedPosition(t *testing.T, f *fixture, userID string, side types.OrderSide, qty int64, price float64) {
	t.Helper()
	_, err := f.positions.ApplyTrade(f.db, &types.Trade{
		TradeID: "TRD_seed_" + userID, OrderID: "ORD_seed_" + userID, UserID: userID,
		InstrumentToken: expiredToken, Side: side, Quantity: qty, Price: price,
		ExecutedAt: time.Now().AddDate(0, 0, -2),
	}, "BANKFUT")
	require.NoError(t, err)
}

func TestSettleOnce_FlattensPositionsAndDeactivates(t *testing.T) {
	f := newFixture(t)
	f.oracle.PushQuote(expiredToken, 47800)

	seedPosition(t, f, "USER_LONG", types.SideBuy, 30, 48000)
	seedPosition(t, f, "USER_SHORT", types.SideSell, 15, 48000)

	require.NoError(t, f.coordinator.SettleOnce(context.Background()))

	// Both positions gone.
	long, err := f.positions.GetPosition("USER_LONG", expiredToken)
	require.NoError(t, err)
	assert.Nil(t, long)
	short, err := f.positions.GetPosition("USER_SHORT", expiredToken)
	require.NoError(t, err)
	assert.Nil(t, short)

	// Settlement orders are filled and tagged as expiry exits.
	var settled []types.Order
	require.NoError(t, f.db.Where("instrument_token = ?", expiredToken).Find(&settled).Error)
	require.Len(t, settled, 2)
	for _, order := range settled {
		assert.Equal(t, types.StatusFilled, order.Status)
		assert.Equal(t, types.ExitExpiry, order.ExitReason)
	}

	// Realized P&L reached the ledger: 30*(47800-48000) for the long.
	var entries []wallet.Transaction
	require.NoError(t, f.db.Where("user_id = ? AND type = ?", "USER_LONG", types.TxnSettlement).Find(&entries).Error)
	require.Len(t, entries, 1)
	assert.Equal(t, -6000.0, entries[0].Amount)

	// The instrument is deactivated and disappears on reload.
	var inst types.Instrument
	require.NoError(t, f.db.Where("token = ?", expiredToken).First(&inst).Error)
	assert.False(t, inst.IsActive)
}

func TestSettleOnce_NoExpiredInstrumentsIsNoOp(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.Model(&types.Instrument{}).Where("token = ?", expiredToken).Update("expiry", time.Now().AddDate(0, 1, 0)).Error)

	require.NoError(t, f.coordinator.SettleOnce(context.Background()))

	var inst types.Instrument
	require.NoError(t, f.db.Where("token = ?", expiredToken).First(&inst).Error)
	assert.True(t, inst.IsActive)
}

func TestSettleOnce_PriceOutageKeepsInstrumentActive(t *testing.T) {
	f := newFixture(t)
	// No live quote; the snapshot price still resolves via the master row,
	// so wipe it to simulate a full outage.
	require.NoError(t, f.db.Model(&types.Instrument{}).Where("token = ?", expiredToken).Update("last_price", 0).Error)

	seedPosition(t, f, "USER_LONG", types.SideBuy, 30, 48000)

	require.NoError(t, f.coordinator.SettleOnce(context.Background()))

	// Settlement could not price: position survives and the instrument
	// stays active for the next pass.
	pos, err := f.positions.GetPosition("USER_LONG", expiredToken)
	require.NoError(t, err)
	assert.NotNil(t, pos)

	var inst types.Instrument
	require.NoError(t, f.db.Where("token = ?", expiredToken).First(&inst).Error)
	assert.True(t, inst.IsActive)
}

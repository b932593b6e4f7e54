package catalog

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/papermarket/trading-api/internal/types"
	"github.com/papermarket/trading-api/pkg/apperr"
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
	require.NoError(t, db.AutoMigrate(&types.Instrument{}))
	return NewService(db), db
}

func seedUniverse(t *testing.T, svc *Service) {
	t.Helper()
	nextWeek := time.Now().AddDate(0, 0, 7)
	lastWeek := time.Now().AddDate(0, 0, -7)

	require.NoError(t, svc.Upsert(context.Background(), []types.Instrument{
		{Token: 100, TradingSymbol: "RELIANCE", UnderlyingName: "RELIANCE", InstrumentType: types.InstrumentEquity, Segment: "NSE", LotSize: 1, LastPrice: 2500, IsActive: true},
		{Token: 101, TradingSymbol: "RELAXO", UnderlyingName: "RELAXO", InstrumentType: types.InstrumentEquity, Segment: "NSE", LotSize: 1, LastPrice: 800, IsActive: true},
		{Token: 200, TradingSymbol: "NIFTY24SEPFUT", UnderlyingName: "NIFTY", InstrumentType: types.InstrumentFuture, Segment: "NFO-FUT", LotSize: 50, Expiry: &nextWeek, LastPrice: 22050, IsActive: true},
		{Token: 201, TradingSymbol: "NIFTY24SEP22000CE", UnderlyingName: "NIFTY", InstrumentType: types.InstrumentOption, Segment: "NFO-OPT", LotSize: 50, Strike: 22000, Expiry: &nextWeek, LastPrice: 180, IsActive: true},
		{Token: 202, TradingSymbol: "NIFTY24SEP21500CE", UnderlyingName: "NIFTY", InstrumentType: types.InstrumentOption, Segment: "NFO-OPT", LotSize: 50, Strike: 21500, Expiry: &nextWeek, LastPrice: 520, IsActive: true},
		// Not tradable: expired or inactive.
		{Token: 300, TradingSymbol: "NIFTY24AUGFUT", UnderlyingName: "NIFTY", InstrumentType: types.InstrumentFuture, Segment: "NFO-FUT", LotSize: 50, Expiry: &lastWeek, LastPrice: 21900, IsActive: true},
		{Token: 301, TradingSymbol: "DELISTED", UnderlyingName: "DELISTED", InstrumentType: types.InstrumentEquity, Segment: "NSE", LotSize: 1, IsActive: false},
	}))
}

func TestLookup_ByToken(t *testing.T) {
	svc, _ := newTestService(t)
	seedUniverse(t, svc)

	inst, err := svc.Lookup(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, "RELIANCE", inst.TradingSymbol)
}

func TestLookup_UnknownToken(t *testing.T) {
	svc, _ := newTestService(t)
	seedUniverse(t, svc)

	_, err := svc.Lookup(context.Background(), 999)
	assert.True(t, apperr.HasCode(err, apperr.CodeInvalidInstrumentToken))
}

func TestLookup_ExpiredAndInactiveNotIndexed(t *testing.T) {
	svc, _ := newTestService(t)
	seedUniverse(t, svc)

	_, err := svc.Lookup(context.Background(), 300)
	assert.True(t, apperr.HasCode(err, apperr.CodeInvalidInstrumentToken))

	_, err = svc.Lookup(context.Background(), 301)
	assert.True(t, apperr.HasCode(err, apperr.CodeInvalidInstrumentToken))
}

func TestSearch_ExactMatchFirst(t *testing.T) {
	svc, _ := newTestService(t)
	seedUniverse(t, svc)

	results, err := svc.Search(context.Background(), "RELIANCE", 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "RELIANCE", results[0].TradingSymbol)
}

func TestSearch_PrefixMatches(t *testing.T) {
	svc, _ := newTestService(t)
	seedUniverse(t, svc)

	results, err := svc.Search(context.Background(), "REL", 10)
	require.NoError(t, err)

	symbols := make([]string, 0, len(results))
	for _, inst := range results {
		symbols = append(symbols, inst.TradingSymbol)
	}
	assert.Contains(t, symbols, "RELIANCE")
	assert.Contains(t, symbols, "RELAXO")
}

func TestSearch_UnderlyingFoldsInFutures(t *testing.T) {
	svc, _ := newTestService(t)
	seedUniverse(t, svc)

	results, err := svc.Search(context.Background(), "NIFTY", 10)
	require.NoError(t, err)

	var foundFuture bool
	for _, inst := range results {
		assert.NotEqual(t, uint32(300), inst.Token, "expired future must not surface")
		if inst.Token == 200 {
			foundFuture = true
		}
	}
	assert.True(t, foundFuture)
}

func TestSearch_RespectsLimitAndDedup(t *testing.T) {
	svc, _ := newTestService(t)
	seedUniverse(t, svc)

	results, err := svc.Search(context.Background(), "NIFTY", 2)
	require.NoError(t, err)
	assert.Len(t, results, 2)

	seen := map[uint32]bool{}
	for _, inst := range results {
		assert.False(t, seen[inst.Token])
		seen[inst.Token] = true
	}
}

func TestSearch_CaseInsensitive(t *testing.T) {
	svc, _ := newTestService(t)
	seedUniverse(t, svc)

	results, err := svc.Search(context.Background(), "reliance", 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "RELIANCE", results[0].TradingSymbol)
}

func TestDerivatives_SortedByExpiryStrike(t *testing.T) {
	svc, _ := newTestService(t)
	seedUniverse(t, svc)

	group, err := svc.Derivatives(context.Background(), "nifty")
	require.NoError(t, err)
	require.NotNil(t, group)

	require.Len(t, group.Futures, 1)
	require.Len(t, group.Options, 2)
	assert.Equal(t, 21500.0, group.Options[0].Strike)
	assert.Equal(t, 22000.0, group.Options[1].Strike)
}

func TestReload_PicksUpDeactivation(t *testing.T) {
	svc, db := newTestService(t)
	seedUniverse(t, svc)

	_, err := svc.Lookup(context.Background(), 100)
	require.NoError(t, err)

	require.NoError(t, db.Model(&types.Instrument{}).Where("token = ?", 100).Update("is_active", false).Error)
	require.NoError(t, svc.Reload(context.Background()))

	_, err = svc.Lookup(context.Background(), 100)
	assert.True(t, apperr.HasCode(err, apperr.CodeInvalidInstrumentToken))
}

func TestActiveTokens(t *testing.T) {
	svc, _ := newTestService(t)
	seedUniverse(t, svc)
	require.NoError(t, svc.EnsureInitialized(context.Background()))

	tokens := svc.ActiveTokens()
	assert.Len(t, tokens, 5)
}

func TestEnsureInitialized_CachedFailureUntilReload(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// No instruments table yet, so the first load fails.
	svc := NewService(db)
	firstErr := svc.EnsureInitialized(context.Background())
	require.Error(t, firstErr)

	// The table exists now, but the failure stays cached until a reload.
	require.NoError(t, db.AutoMigrate(&types.Instrument{}))
	require.NoError(t, db.Create(&types.Instrument{
		Token: 100, TradingSymbol: "RELIANCE", UnderlyingName: "RELIANCE",
		InstrumentType: types.InstrumentEquity, Segment: "NSE", LotSize: 1, IsActive: true,
	}).Error)

	secondErr := svc.EnsureInitialized(context.Background())
	require.Error(t, secondErr)
	assert.Equal(t, firstErr, secondErr)

	_, err = svc.Lookup(context.Background(), 100)
	assert.Error(t, err)

	require.NoError(t, svc.Reload(context.Background()))

	inst, err := svc.Lookup(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, "RELIANCE", inst.TradingSymbol)
}

func TestEnsureInitialized_ConcurrentColdStart(t *testing.T) {
	svc, db := newTestService(t)
	// Seed the store directly so the index is still cold when the
	// concurrent lookups arrive.
	require.NoError(t, db.Create(&types.Instrument{
		Token: 100, TradingSymbol: "RELIANCE", UnderlyingName: "RELIANCE",
		InstrumentType: types.InstrumentEquity, Segment: "NSE", LotSize: 1, IsActive: true,
	}).Error)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Lookup(context.Background(), 100)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func TestUpsert_UpdatesExistingRow(t *testing.T) {
	svc, _ := newTestService(t)
	seedUniverse(t, svc)

	require.NoError(t, svc.Upsert(context.Background(), []types.Instrument{
		{Token: 100, TradingSymbol: "RELIANCE", UnderlyingName: "RELIANCE", InstrumentType: types.InstrumentEquity, Segment: "NSE", LotSize: 1, LastPrice: 2600, IsActive: true},
	}))

	inst, err := svc.Lookup(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 2600.0, inst.LastPrice)
}

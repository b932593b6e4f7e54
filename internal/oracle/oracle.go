package oracle

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/papermarket/trading-api/internal/types"
	"github.com/papermarket/trading-api/pkg/apperr"
	"github.com/papermarket/trading-api/pkg/response"
	"github.com/rs/zerolog/log"
)

// Quote is the last observed tick for an instrument.
type Quote struct {
	Token     uint32    `json:"token"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// Hints lets callers pass an already-resolved instrument so the oracle can
// fall back to its exchange snapshot without a second lookup.
type Hints struct {
	Instrument *types.Instrument
}

// SnapshotSource resolves instruments for the snapshot fallback tier.
type SnapshotSource interface {
	Lookup(ctx context.Context, token uint32) (*types.Instrument, error)
}

// Service is a best-effort price oracle degrading through three tiers:
// live quote, exchange snapshot, simulated fallback.
type Service struct {
	mu        sync.RWMutex
	quotes    map[uint32]Quote
	snapshots SnapshotSource
	simulate  bool
	now       func() time.Time
}

// NewService creates a price oracle. When simulate is true, the simulated
// fallback tier is active (never in production).
func NewService(snapshots SnapshotSource, simulate bool) *Service {
	return &Service{
		quotes:    make(map[uint32]Quote),
		snapshots: snapshots,
		simulate:  simulate,
		now:       time.Now,
	}
}

// PushQuote ingests a tick from the market-data feed.
func (s *Service) PushQuote(token uint32, price float64) {
	if price <= 0 || math.IsInf(price, 0) || math.IsNaN(price) {
		return
	}
	s.mu.Lock()
	s.quotes[token] = Quote{Token: token, Price: price, Timestamp: s.now()}
	s.mu.Unlock()
}

// LiveQuote returns the cached tick for the token, if any.
func (s *Service) LiveQuote(token uint32) (Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[token]
	return q, ok
}

// QuoteAge returns how old the live quote is. ok is false when no live
// quote exists.
func (s *Service) QuoteAge(token uint32) (time.Duration, bool) {
	q, ok := s.LiveQuote(token)
	if !ok {
		return 0, false
	}
	return s.now().Sub(q.Timestamp), true
}

// GetBestPrice resolves a positive finite price for the token, degrading
// live quote -> exchange snapshot -> simulated fallback. Fails with
// MARKET_PRICE_UNAVAILABLE when every tier is exhausted.
func (s *Service) GetBestPrice(ctx context.Context, token uint32, hints Hints) (float64, error) {
	if q, ok := s.LiveQuote(token); ok && usable(q.Price) {
		return q.Price, nil
	}

	instrument := hints.Instrument
	if instrument == nil && s.snapshots != nil {
		resolved, err := s.snapshots.Lookup(ctx, token)
		if err == nil {
			instrument = resolved
		}
	}

	if instrument != nil && usable(instrument.LastPrice) {
		log.Debug().
			Uint32("token", token).
			Float64("snapshot_price", instrument.LastPrice).
			Msg("price oracle degraded to exchange snapshot")
		return instrument.LastPrice, nil
	}

	if s.simulate {
		price := s.simulatedPrice(token, instrument)
		if usable(price) {
			log.Debug().
				Uint32("token", token).
				Float64("simulated_price", price).
				Msg("price oracle degraded to simulated fallback")
			return price, nil
		}
	}

	return 0, apperr.Newf(apperr.CodeMarketPriceUnavailable,
		"no live quote, snapshot or simulated price for token %d", token)
}

// simulatedPrice derives a deterministic pseudo price so development
// environments stay functional without a feed. Seeded per token with a slow
// time-based wobble.
func (s *Service) simulatedPrice(token uint32, instrument *types.Instrument) float64 {
	base := float64(token%9000) + 500
	if instrument != nil && instrument.Strike > 0 {
		base = instrument.Strike
	}
	phase := float64(s.now().Unix()%3600) / 3600.0
	wobble := 1 + 0.01*math.Sin(2*math.Pi*phase)
	return types.Round2(base * wobble)
}

func usable(price float64) bool {
	return price > 0 && !math.IsInf(price, 0) && !math.IsNaN(price)
}

// GinHandlers contains HTTP handlers for quote ingestion
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

type pushQuoteRequest struct {
	Token uint32  `json:"token" binding:"required"`
	Price float64 `json:"price" binding:"required"`
}

// PushQuoteHandler handles POST /internal/quotes, the ingestion point for
// an external market-data feed.
func (h *GinHandlers) PushQuoteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req pushQuoteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		h.service.PushQuote(req.Token, req.Price)
		response.Handle(c, gin.H{"token": req.Token, "price": req.Price}, nil)
	}
}

// StartSimulation pushes synthetic quotes for the given tokens until the
// context is cancelled. Development mode only; the production feed calls
// PushQuote directly.
func (s *Service) StartSimulation(ctx context.Context, tokens func() []uint32, interval time.Duration) {
	logger := log.With().Str("component", "quote_simulator").Logger()
	logger.Info().Dur("interval", interval).Msg("starting quote simulation")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down quote simulation")
			return
		case <-ticker.C:
			for _, token := range tokens() {
				s.PushQuote(token, s.simulatedPrice(token, nil))
			}
		}
	}
}

package catalog

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/papermarket/trading-api/internal/types"
	"github.com/papermarket/trading-api/pkg/apperr"
	"github.com/papermarket/trading-api/pkg/response"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

// DerivativeGroup holds an underlying's derivatives pre-sorted by
// (expiry, strike, symbol).
type DerivativeGroup struct {
	Futures []*types.Instrument
	Options []*types.Instrument
}

// Service is the in-memory index over the instrument master: O(1)
// token/symbol lookup, prefix search over a sorted symbol array, and
// derivative grouping by underlying.
//
// Initialization is single-flight: concurrent cold-start callers share one
// load, and a failed load is cached and re-raised until Reload succeeds.
type Service struct {
	db    *Database
	group singleflight.Group

	mu            sync.RWMutex
	attempted     bool
	loadErr       error
	byToken       map[uint32]*types.Instrument
	bySymbol      map[string][]*types.Instrument
	sortedSymbols []string
	byUnderlying  map[string]*DerivativeGroup
	loadedAt      time.Time
}

// NewService creates the catalog service. Call EnsureInitialized (or let the
// first lookup do it) before serving traffic.
func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db: NewDatabase(gormDB),
	}
}

// EnsureInitialized loads the index on first use. Idempotent; a cached load
// failure keeps failing until Reload.
func (s *Service) EnsureInitialized(ctx context.Context) error {
	s.mu.RLock()
	attempted, loadErr := s.attempted, s.loadErr
	s.mu.RUnlock()
	if attempted {
		return loadErr
	}

	_, err, _ := s.group.Do("initialize", func() (interface{}, error) {
		// Re-check under the flight: a racing caller may have finished.
		s.mu.RLock()
		attempted, loadErr := s.attempted, s.loadErr
		s.mu.RUnlock()
		if attempted {
			return nil, loadErr
		}
		return nil, s.load()
	})
	return err
}

// Reload forces a fresh load, clearing any cached failure. The master-sync
// job calls this after a bulk upsert.
func (s *Service) Reload(ctx context.Context) error {
	_, err, _ := s.group.Do("reload", func() (interface{}, error) {
		return nil, s.load()
	})
	return err
}

func (s *Service) load() error {
	logger := log.With().Str("service", "catalog").Logger()
	start := time.Now()

	instruments, err := s.db.LoadTradable(start)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempted = true
	if err != nil {
		s.loadErr = apperr.Internal("failed to load instrument master", err)
		logger.Error().Err(err).Msg("instrument master load failed")
		return s.loadErr
	}

	byToken := make(map[uint32]*types.Instrument, len(instruments))
	bySymbol := make(map[string][]*types.Instrument)
	byUnderlying := make(map[string]*DerivativeGroup)

	for i := range instruments {
		inst := &instruments[i]
		byToken[inst.Token] = inst
		symbol := strings.ToUpper(inst.TradingSymbol)
		bySymbol[symbol] = append(bySymbol[symbol], inst)

		if inst.InstrumentType.Derivative() && inst.UnderlyingName != "" {
			key := strings.ToUpper(inst.UnderlyingName)
			group := byUnderlying[key]
			if group == nil {
				group = &DerivativeGroup{}
				byUnderlying[key] = group
			}
			if inst.InstrumentType == types.InstrumentFuture {
				group.Futures = append(group.Futures, inst)
			} else {
				group.Options = append(group.Options, inst)
			}
		}
	}

	sortedSymbols := make([]string, 0, len(bySymbol))
	for symbol := range bySymbol {
		sortedSymbols = append(sortedSymbols, symbol)
	}
	sort.Strings(sortedSymbols)

	for _, group := range byUnderlying {
		sortDerivatives(group.Futures)
		sortDerivatives(group.Options)
	}

	s.byToken = byToken
	s.bySymbol = bySymbol
	s.sortedSymbols = sortedSymbols
	s.byUnderlying = byUnderlying
	s.loadErr = nil
	s.loadedAt = start

	logger.Info().
		Int("instruments", len(instruments)).
		Int("symbols", len(sortedSymbols)).
		Int("underlyings", len(byUnderlying)).
		Dur("elapsed", time.Since(start)).
		Msg("instrument index loaded")
	return nil
}

func sortDerivatives(list []*types.Instrument) {
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		at, bt := expiryOf(a), expiryOf(b)
		if !at.Equal(bt) {
			return at.Before(bt)
		}
		if a.Strike != b.Strike {
			return a.Strike < b.Strike
		}
		return a.TradingSymbol < b.TradingSymbol
	})
}

func expiryOf(i *types.Instrument) time.Time {
	if i.Expiry == nil {
		return time.Time{}
	}
	return *i.Expiry
}

// Lookup resolves an instrument strictly by token.
func (s *Service) Lookup(ctx context.Context, token uint32) (*types.Instrument, error) {
	if err := s.EnsureInitialized(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.byToken[token]
	if !ok {
		return nil, apperr.Newf(apperr.CodeInvalidInstrumentToken, "unknown instrument token %d", token)
	}
	return inst, nil
}

// Derivatives returns the derivative group for an underlying name, or nil.
func (s *Service) Derivatives(ctx context.Context, underlying string) (*DerivativeGroup, error) {
	if err := s.EnsureInitialized(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byUnderlying[strings.ToUpper(underlying)], nil
}

// ActiveTokens lists every indexed token. The quote simulator feeds from
// this.
func (s *Service) ActiveTokens() []uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tokens := make([]uint32, 0, len(s.byToken))
	for token := range s.byToken {
		tokens = append(tokens, token)
	}
	return tokens
}

// Search finds instruments for a query: exact symbol match first, then
// symbol-prefix matches from the sorted array, then underlying-name prefix
// matches folding in that underlying's futures.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]*types.Instrument, error) {
	if err := s.EnsureInitialized(ctx); err != nil {
		return nil, err
	}
	query = strings.ToUpper(strings.TrimSpace(query))
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]*types.Instrument, 0, limit)
	seen := make(map[uint32]struct{}, limit)
	add := func(inst *types.Instrument) bool {
		if _, dup := seen[inst.Token]; dup {
			return len(results) < limit
		}
		seen[inst.Token] = struct{}{}
		results = append(results, inst)
		return len(results) < limit
	}

	for _, inst := range s.bySymbol[query] {
		if !add(inst) {
			return results, nil
		}
	}

	// Binary lower-bound probe into the sorted symbol array, then linear
	// emit while the prefix holds.
	idx := sort.SearchStrings(s.sortedSymbols, query)
	for ; idx < len(s.sortedSymbols); idx++ {
		symbol := s.sortedSymbols[idx]
		if !strings.HasPrefix(symbol, query) {
			break
		}
		for _, inst := range s.bySymbol[symbol] {
			if !add(inst) {
				return results, nil
			}
		}
	}

	for underlying, group := range s.byUnderlying {
		if !strings.HasPrefix(underlying, query) {
			continue
		}
		for _, fut := range group.Futures {
			if !add(fut) {
				return results, nil
			}
		}
	}

	return results, nil
}

// Upsert writes master rows and refreshes the index.
func (s *Service) Upsert(ctx context.Context, instruments []types.Instrument) error {
	if err := s.db.UpsertInstruments(instruments); err != nil {
		return apperr.Internal("failed to upsert instruments", err)
	}
	return s.Reload(ctx)
}

// GinHandlers contains HTTP handlers for instrument endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// SearchHandler handles GET /instruments/search?q=...&limit=...
func (h *GinHandlers) SearchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		query := c.Query("q")
		if query == "" {
			response.BadRequest(c, "query parameter q is required")
			return
		}
		limit := 20
		if raw := c.Query("limit"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
				limit = parsed
			}
		}

		results, err := h.service.Search(c.Request.Context(), query, limit)
		response.Handle(c, results, err)
	}
}

// LookupHandler handles GET /instruments/:token
func (h *GinHandlers) LookupHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := parseToken(c.Param("token"))
		if err != nil {
			response.BadRequest(c, "invalid instrument token")
			return
		}

		inst, err := h.service.Lookup(c.Request.Context(), token)
		response.Handle(c, inst, err)
	}
}

// ReloadHandler handles POST /internal/catalog/reload
func (h *GinHandlers) ReloadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		err := h.service.Reload(c.Request.Context())
		response.Handle(c, gin.H{"reloaded": err == nil}, err)
	}
}

func parseToken(raw string) (uint32, error) {
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

package orders

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/papermarket/trading-api/internal/catalog"
	"github.com/papermarket/trading-api/internal/config"
	"github.com/papermarket/trading-api/internal/margin"
	"github.com/papermarket/trading-api/internal/position"
	"github.com/papermarket/trading-api/internal/safety"
	"github.com/papermarket/trading-api/internal/types"
	"github.com/papermarket/trading-api/internal/wallet"
	"github.com/papermarket/trading-api/pkg/apperr"
	"github.com/papermarket/trading-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Service owns the order state machine: OPEN -> {FILLED, CANCELLED,
// REJECTED}. Placement validates, persists and (for market orders)
// executes inline; execution failure leaves the order OPEN for the sweeper.
type Service struct {
	db        *gorm.DB
	repo      *Database
	catalog   *catalog.Service
	safety    *safety.Service
	margin    *margin.Service
	wallet    *wallet.Service
	positions *position.Service
	cfg       config.Config
	now       func() time.Time
}

func NewService(
	gormDB *gorm.DB,
	catalogSvc *catalog.Service,
	safetySvc *safety.Service,
	marginSvc *margin.Service,
	walletSvc *wallet.Service,
	positionSvc *position.Service,
	cfg config.Config,
) *Service {
	return &Service{
		db:        gormDB,
		repo:      NewDatabase(gormDB),
		catalog:   catalogSvc,
		safety:    safetySvc,
		margin:    marginSvc,
		wallet:    walletSvc,
		positions: positionSvc,
		cfg:       cfg,
		now:       time.Now,
	}
}

// PlaceOrderRequest is the order payload. Force bypasses session and guard
// checks; only the expiry coordinator and admin paths set it.
type PlaceOrderRequest struct {
	InstrumentToken uint32           `json:"instrument_token"`
	Side            types.OrderSide  `json:"side"`
	Quantity        int64            `json:"quantity"`
	OrderType       types.OrderType  `json:"order_type"`
	LimitPrice      float64          `json:"limit_price"`
	ExitReason      types.ExitReason `json:"exit_reason,omitempty"`
	IdempotencyKey  string           `json:"-"`
	Force           bool             `json:"-"`
}

// PlaceOrder runs the placement pipeline: resolve instrument by token,
// apply the guard rails, compute and check collateral, persist OPEN, then
// execute market orders inline.
func (s *Service) PlaceOrder(ctx context.Context, userID string, req PlaceOrderRequest) (*types.Order, error) {
	logger := log.With().
		Str("user_id", userID).
		Uint32("token", req.InstrumentToken).
		Str("service", "orders").
		Logger()

	if err := validateRequest(req); err != nil {
		return nil, err
	}

	// Duplicate submissions resolve to the original order, never a second
	// one. Not a user-facing error.
	if req.IdempotencyKey != "" {
		record, err := s.repo.GetIdempotencyRecord(userID, req.IdempotencyKey)
		if err != nil {
			return nil, apperr.Internal("failed to check idempotency key", err)
		}
		if record != nil && record.ExpiresAt.After(s.now()) {
			existing, err := s.repo.GetOrder(record.ResourceID)
			if err != nil || existing == nil {
				return nil, apperr.Internal("idempotency record points at missing order", err)
			}
			logger.Info().
				Str("order_id", existing.OrderID).
				Str("code", apperr.CodeDuplicateOrder).
				Msg("duplicate submission resolved to existing order")
			return existing, nil
		}
	}

	instrument, err := s.resolveInstrument(ctx, req)
	if err != nil {
		return nil, err
	}

	if !instrument.IsActive && req.ExitReason != types.ExitExpiry {
		return nil, apperr.Newf(apperr.CodeInstrumentNotAllowed,
			"instrument %s is inactive", instrument.TradingSymbol)
	}

	if err := s.checkUniverse(instrument); err != nil {
		return nil, err
	}

	if err := s.checkExpiryDayGuard(userID, req, instrument); err != nil {
		return nil, err
	}

	now := s.now()
	staged := false
	if !s.sessionOpen(now) && !req.Force {
		if s.cfg.Server.AfterHoursStaging && s.cfg.Server.Env != "production" {
			staged = true
		} else {
			return nil, apperr.New(apperr.CodeMarketClosed, "market session is closed")
		}
	}

	if !req.Force {
		if err := s.safety.ValidateOrder(ctx, requestOrder(userID, req), instrument); err != nil {
			return nil, err
		}
	}

	var requiredMargin float64
	if !req.Force {
		requirement, err := s.margin.CalculateRequiredMargin(ctx, requestOrder(userID, req), instrument)
		if err != nil {
			return nil, err
		}
		w, err := s.wallet.GetWallet(userID)
		if err != nil {
			return nil, err
		}
		if requirement.Margin > w.Available() {
			return nil, apperr.Newf(apperr.CodeInsufficientFunds,
				"required margin %.2f exceeds available balance %.2f", requirement.Margin, w.Available())
		}
		requiredMargin = requirement.Margin
	}

	order := requestOrder(userID, req)
	order.OrderID = "ORD_" + uuid.New().String()
	order.TradingSymbol = instrument.TradingSymbol
	order.Status = types.StatusOpen
	order.StagedUntilOpen = staged
	order.CreatedAt = now
	order.UpdatedAt = now

	if err := s.repo.CreateOrderWithIdempotency(order, req.IdempotencyKey); err != nil {
		return nil, apperr.Internal("failed to persist order", err)
	}

	logger.Info().
		Str("order_id", order.OrderID).
		Str("side", string(order.Side)).
		Int64("quantity", order.Quantity).
		Float64("required_margin", requiredMargin).
		Bool("staged", staged).
		Msg("order placed")

	if order.OrderType == types.OrderMarket && !staged {
		executed, execErr := s.ExecuteOrder(ctx, order.OrderID)
		if execErr != nil {
			// Placement stands; the sweeper retries orders left OPEN.
			logger.Warn().
				Err(execErr).
				Str("order_id", order.OrderID).
				Msg("inline execution failed, order left OPEN for sweep")
			return order, nil
		}
		return executed, nil
	}

	return order, nil
}

func validateRequest(req PlaceOrderRequest) error {
	if req.InstrumentToken == 0 {
		return apperr.New(apperr.CodeMissingInstrumentToken, "instrument_token is required")
	}
	if !req.Side.Valid() {
		return apperr.Newf(apperr.CodeInvalidOrder, "invalid side %q", req.Side)
	}
	if !req.OrderType.Valid() {
		return apperr.Newf(apperr.CodeInvalidOrder, "invalid order type %q", req.OrderType)
	}
	if req.Quantity <= 0 {
		return apperr.New(apperr.CodeInvalidOrder, "quantity must be positive")
	}
	if req.OrderType == types.OrderLimit && req.LimitPrice <= 0 {
		return apperr.New(apperr.CodeInvalidOrder, "limit orders require a positive limit price")
	}
	return nil
}

func requestOrder(userID string, req PlaceOrderRequest) *types.Order {
	return &types.Order{
		UserID:          userID,
		InstrumentToken: req.InstrumentToken,
		Side:            req.Side,
		Quantity:        req.Quantity,
		OrderType:       req.OrderType,
		LimitPrice:      req.LimitPrice,
		ExitReason:      req.ExitReason,
	}
}

// resolveInstrument resolves strictly by token. The catalog index only
// carries tradable rows, so unknown tokens fall back to the master table;
// an inactive or expired row found there rejects with its own message
// downstream instead of reading as an unknown token. Expiry exits rely on
// the same fallback to resolve instruments the index no longer carries.
func (s *Service) resolveInstrument(ctx context.Context, req PlaceOrderRequest) (*types.Instrument, error) {
	instrument, err := s.catalog.Lookup(ctx, req.InstrumentToken)
	if err == nil {
		return instrument, nil
	}
	if req.ExitReason == types.ExitExpiry || req.Force || apperr.HasCode(err, apperr.CodeInvalidInstrumentToken) {
		row, dbErr := s.repo.GetInstrumentByToken(req.InstrumentToken)
		if dbErr == nil && row != nil {
			return row, nil
		}
	}
	return nil, err
}

func (s *Service) checkUniverse(instrument *types.Instrument) error {
	allowedSegments := s.cfg.Universe.AllowedSegments
	allowedTokens := s.cfg.Universe.AllowedTokens
	if len(allowedSegments) == 0 && len(allowedTokens) == 0 {
		return nil
	}
	for _, segment := range allowedSegments {
		if segment == instrument.Segment {
			return nil
		}
	}
	for _, token := range allowedTokens {
		if token == instrument.Token {
			return nil
		}
	}
	return apperr.Newf(apperr.CodeInstrumentNotAllowed,
		"instrument %s is outside the trading universe", instrument.TradingSymbol)
}

// checkExpiryDayGuard blocks new directional exposure on a derivative's
// final tradable day. A reducing order passes only when its side opposes
// the current position and its quantity fits inside it.
func (s *Service) checkExpiryDayGuard(userID string, req PlaceOrderRequest, instrument *types.Instrument) error {
	if req.Force {
		return nil
	}
	if !instrument.InstrumentType.Derivative() || instrument.DaysToExpiry(s.now()) != 0 {
		return nil
	}

	pos, err := s.positions.GetPosition(userID, instrument.Token)
	if err != nil {
		return apperr.Internal("failed to load position for expiry guard", err)
	}
	if pos == nil || pos.Quantity == 0 {
		return apperr.Newf(apperr.CodeExpiryPositionBlocked,
			"%s expires today, new exposure is blocked", instrument.TradingSymbol)
	}

	reducing := (pos.Quantity > 0 && req.Side == types.SideSell) ||
		(pos.Quantity < 0 && req.Side == types.SideBuy)
	if !reducing {
		return apperr.Newf(apperr.CodeExpiryPositionBlocked,
			"%s expires today, only position-reducing orders are allowed", instrument.TradingSymbol)
	}
	if current := pos.Quantity; req.Quantity > abs64(current) {
		return apperr.Newf(apperr.CodeExpiryPositionBlocked,
			"reducing quantity %d exceeds current position %d", req.Quantity, abs64(current))
	}
	return nil
}

// sessionOpen reports whether the configured market session covers now.
func (s *Service) sessionOpen(now time.Time) bool {
	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return false
	}
	minutes := now.Hour()*60 + now.Minute()
	open := s.cfg.Market.OpenHour*60 + s.cfg.Market.OpenMinute
	closeAt := s.cfg.Market.CloseHour*60 + s.cfg.Market.CloseMinute
	return minutes >= open && minutes <= closeAt
}

// ExecuteOrder fills an OPEN order: it creates the Trade, updates the
// position book, annotates the order and settles the wallet, all inside
// one store transaction.
func (s *Service) ExecuteOrder(ctx context.Context, orderID string) (*types.Order, error) {
	order, err := s.repo.GetOrder(orderID)
	if err != nil {
		return nil, apperr.Internal("failed to load order", err)
	}
	if order == nil {
		return nil, apperr.Newf(apperr.CodeNotFound, "order %s not found", orderID)
	}
	if order.Status != types.StatusOpen {
		return nil, apperr.Newf(apperr.CodeInvalidStateTransition,
			"order %s is %s, only OPEN orders execute", orderID, order.Status)
	}

	instrument, err := s.resolveInstrument(ctx, PlaceOrderRequest{
		InstrumentToken: order.InstrumentToken,
		ExitReason:      order.ExitReason,
	})
	if err != nil {
		return nil, err
	}

	price, err := s.margin.ResolveExecutionPrice(ctx, order, instrument)
	if err != nil {
		return nil, err
	}

	logger := log.With().
		Str("order_id", order.OrderID).
		Str("user_id", order.UserID).
		Str("service", "orders").
		Logger()

	err = s.db.Transaction(func(tx *gorm.DB) error {
		// Re-check the status under the transaction: inline execution and
		// the sweeper can race to the same OPEN order.
		var current types.Order
		if err := tx.Where("order_id = ?", order.OrderID).First(&current).Error; err != nil {
			return apperr.Internal("failed to reload order", err)
		}
		if current.Status != types.StatusOpen {
			return apperr.Newf(apperr.CodeInvalidStateTransition,
				"order %s is %s, only OPEN orders execute", order.OrderID, current.Status)
		}

		trade := &types.Trade{
			TradeID:         "TRD_" + uuid.New().String(),
			OrderID:         order.OrderID,
			UserID:          order.UserID,
			InstrumentToken: order.InstrumentToken,
			Side:            order.Side,
			Quantity:        order.Quantity,
			Price:           price,
			ExecutedAt:      s.now(),
		}
		if err := tx.Create(trade).Error; err != nil {
			return apperr.Internal("failed to record trade", err)
		}

		result, err := s.positions.ApplyTrade(tx, trade, instrument.TradingSymbol)
		if err != nil {
			return err
		}

		// Collateral: debit for the opened quantity at the fill price,
		// release what was held for the closed quantity at its average
		// entry price, then post realized P&L as a settlement.
		openedQty := trade.Quantity - result.ClosedQuantity
		if openedQty > 0 {
			cost, err := s.margin.Compute(instrument, order.Side, price, openedQty)
			if err != nil {
				return err
			}
			if err := s.wallet.DebitBalance(tx, order.UserID, cost, "order", order.OrderID); err != nil {
				return err
			}
		}
		if result.ClosedQuantity > 0 {
			released, err := s.margin.Compute(instrument, order.Side.Opposite(), result.PreTradeAveragePrice, result.ClosedQuantity)
			if err != nil {
				return err
			}
			if err := s.wallet.CreditProceeds(tx, order.UserID, released, "order", order.OrderID); err != nil {
				return err
			}
			if err := s.wallet.SettlePnL(tx, order.UserID, result.RealizedPnLDelta, "trade", trade.TradeID); err != nil {
				return err
			}
		}

		order.Status = types.StatusFilled
		order.AveragePrice = price
		order.EntryPrice = result.PreTradeAveragePrice
		order.RealizedPnL = result.RealizedPnLDelta
		order.UpdatedAt = s.now()
		if err := tx.Save(order).Error; err != nil {
			return apperr.Internal("failed to update order", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info().
		Float64("price", price).
		Float64("realized_pnl", order.RealizedPnL).
		Msg("order executed")
	return order, nil
}

// CancelOrder is the one-way terminal transition out of OPEN.
func (s *Service) CancelOrder(userID, orderID string) (*types.Order, error) {
	order, err := s.repo.GetOrderByOrderIDAndUserID(orderID, userID)
	if err != nil {
		return nil, apperr.Internal("failed to load order", err)
	}
	if order == nil {
		return nil, apperr.Newf(apperr.CodeNotFound, "order %s not found", orderID)
	}
	if order.Status != types.StatusOpen {
		return nil, apperr.Newf(apperr.CodeInvalidStateTransition,
			"cannot cancel order in state %s", order.Status)
	}

	order.Status = types.StatusCancelled
	order.UpdatedAt = s.now()
	if err := s.repo.UpdateOrder(order); err != nil {
		return nil, apperr.Internal("failed to cancel order", err)
	}

	log.Info().
		Str("order_id", orderID).
		Str("user_id", userID).
		Msg("order cancelled")
	return order, nil
}

// GetOrder retrieves a user's order by ID.
func (s *Service) GetOrder(userID, orderID string) (*types.Order, error) {
	order, err := s.repo.GetOrderByOrderIDAndUserID(orderID, userID)
	if err != nil {
		return nil, apperr.Internal("failed to load order", err)
	}
	if order == nil {
		return nil, apperr.Newf(apperr.CodeNotFound, "order %s not found", orderID)
	}
	return order, nil
}

// ListOrders returns a user's most recent orders.
func (s *Service) ListOrders(userID string, limit int) ([]types.Order, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.ListOrdersByUser(userID, limit)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// GinHandlers contains HTTP handlers for order endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// PlaceOrderHandler handles POST /orders. An Idempotency-Key header makes
// retries safe.
func (h *GinHandlers) PlaceOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")

		var req PlaceOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")

		order, err := h.service.PlaceOrder(c.Request.Context(), userID, req)
		response.Handle(c, order, err)
	}
}

// GetOrderHandler handles GET /orders/:order_id
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")
		order, err := h.service.GetOrder(userID, c.Param("order_id"))
		response.Handle(c, order, err)
	}
}

// ListOrdersHandler handles GET /orders
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")
		orders, err := h.service.ListOrders(userID, 50)
		response.Handle(c, orders, err)
	}
}

// CancelOrderHandler handles DELETE /orders/:order_id
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")
		order, err := h.service.CancelOrder(userID, c.Param("order_id"))
		response.Handle(c, order, err)
	}
}

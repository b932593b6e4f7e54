package position

import (
	"github.com/gin-gonic/gin"
	"github.com/papermarket/trading-api/internal/types"
	"github.com/papermarket/trading-api/pkg/apperr"
	"github.com/papermarket/trading-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// TradeResult reports what a fill did to the position book.
type TradeResult struct {
	// Position is the post-trade row; nil when the trade closed the
	// position out.
	Position *Position
	// RealizedPnLDelta is the P&L realized by this fill alone.
	RealizedPnLDelta float64
	// PreTradeAveragePrice is the average price before the fill, kept for
	// audit display on the order.
	PreTradeAveragePrice float64
	// ClosedQuantity is how much of the opposite position this fill closed.
	ClosedQuantity int64
}

// Service maintains weighted-average cost positions and realized P&L.
type Service struct {
	db *gorm.DB
}

func NewService(gormDB *gorm.DB) *Service {
	return &Service{db: gormDB}
}

// ApplyTrade mutates the (user, instrument) position for one fill. It must
// run inside the trade's transaction: read, compute and write happen on the
// caller's tx so concurrent fills on the same position cannot lose updates.
//
// All monetary results are rounded to 2 decimals after each step.
func (s *Service) ApplyTrade(tx *gorm.DB, trade *types.Trade, symbol string) (*TradeResult, error) {
	repo := NewDatabase(tx)

	current, err := repo.GetPosition(trade.UserID, trade.InstrumentToken)
	if err != nil {
		return nil, apperr.Internal("failed to load position", err)
	}

	signedQty := trade.SignedQuantity()
	if signedQty == 0 {
		return nil, apperr.Internal("trade with zero quantity reached position accounting", nil)
	}

	// No existing position: open fresh at the trade price.
	if current == nil {
		p := &Position{
			UserID:          trade.UserID,
			InstrumentToken: trade.InstrumentToken,
			TradingSymbol:   symbol,
			Quantity:        signedQty,
			AveragePrice:    types.Round2(trade.Price),
			RealizedPnL:     0,
		}
		if err := repo.CreatePosition(p); err != nil {
			return nil, apperr.Internal("failed to create position", err)
		}
		return &TradeResult{Position: p}, nil
	}

	result := &TradeResult{PreTradeAveragePrice: current.AveragePrice}
	sameDirection := (current.Quantity > 0) == (signedQty > 0)

	if sameDirection {
		// Increasing trade: quantity-weighted average entry price.
		oldAbs := abs64(current.Quantity)
		newAbs := oldAbs + trade.Quantity
		current.AveragePrice = types.Round2(
			(float64(oldAbs)*current.AveragePrice + float64(trade.Quantity)*trade.Price) / float64(newAbs))
		current.Quantity += signedQty
		if err := repo.SavePosition(current); err != nil {
			return nil, apperr.Internal("failed to update position", err)
		}
		result.Position = current
		return result, nil
	}

	// Reducing or reversing trade: realize P&L on the closed quantity.
	closedQty := trade.Quantity
	if oldAbs := abs64(current.Quantity); closedQty > oldAbs {
		closedQty = oldAbs
	}

	var pnlDelta float64
	if current.Quantity > 0 {
		// Closing a long via SELL.
		pnlDelta = types.Round2(float64(closedQty) * (trade.Price - current.AveragePrice))
	} else {
		// Closing a short via BUY.
		pnlDelta = types.Round2(float64(closedQty) * (current.AveragePrice - trade.Price))
	}
	result.RealizedPnLDelta = pnlDelta
	result.ClosedQuantity = closedQty
	current.RealizedPnL = types.Round2(current.RealizedPnL + pnlDelta)

	newQty := current.Quantity + signedQty
	switch {
	case newQty == 0:
		// Fully closed: the row must disappear.
		if err := repo.DeletePosition(current); err != nil {
			return nil, apperr.Internal("failed to delete closed position", err)
		}
		log.Debug().
			Str("user_id", trade.UserID).
			Uint32("token", trade.InstrumentToken).
			Float64("pnl_delta", pnlDelta).
			Msg("position closed out")
		result.Position = nil
		return result, nil

	case (newQty > 0) == (current.Quantity > 0):
		// Reduced but still on the same side: average price unchanged.
		current.Quantity = newQty
		if err := repo.SavePosition(current); err != nil {
			return nil, apperr.Internal("failed to update position", err)
		}
		result.Position = current
		return result, nil

	default:
		// Sign flip: residual opens a fresh position at the trade price.
		residual := trade.Quantity - closedQty
		if residual <= 0 {
			// A flip without residual is an impossible transition.
			return nil, apperr.Internal("signed-quantity flip with no residual", nil)
		}
		current.Quantity = newQty
		current.AveragePrice = types.Round2(trade.Price)
		if err := repo.SavePosition(current); err != nil {
			return nil, apperr.Internal("failed to reverse position", err)
		}
		result.Position = current
		return result, nil
	}
}

// ListPositions returns every open position for a user.
func (s *Service) ListPositions(userID string) ([]Position, error) {
	return NewDatabase(s.db).ListPositions(userID)
}

// GetPosition returns the position for one instrument, nil when flat.
func (s *Service) GetPosition(userID string, token uint32) (*Position, error) {
	return NewDatabase(s.db).GetPosition(userID, token)
}

// GinHandlers contains HTTP handlers for position endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// ListPositionsHandler handles GET /positions
func (h *GinHandlers) ListPositionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")
		positions, err := h.service.ListPositions(userID)
		response.Handle(c, positions, err)
	}
}

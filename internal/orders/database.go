package orders

import (
	"errors"
	"time"

	"github.com/papermarket/trading-api/internal/types"
	"gorm.io/gorm"
)

// IdempotencyRecord maps a client idempotency key to the order it created,
// so duplicate submissions resolve to the original order. Keys are scoped
// per user; two users may submit the same key without colliding.
type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex:idx_idempotency_user_key" json:"idempotency_key"`
	UserID         string    `gorm:"uniqueIndex:idx_idempotency_user_key" json:"user_id"`
	ResourceID     string    `json:"resource_id"`
	ExpiresAt      time.Time `json:"expires_at"`
}

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) GetOrder(orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetOrderByOrderIDAndUserID(orderID, userID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ? AND user_id = ?", orderID, userID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) UpdateOrder(order *types.Order) error {
	return d.db.Save(order).Error
}

func (d *Database) ListOrdersByUser(userID string, limit int) ([]types.Order, error) {
	var orders []types.Order
	err := d.db.Where("user_id = ?", userID).Order("id DESC").Limit(limit).Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// ListOpenOrders returns every order still in OPEN, oldest first. The
// background sweeper feeds from this.
func (d *Database) ListOpenOrders() ([]types.Order, error) {
	var orders []types.Order
	err := d.db.Where("status = ?", types.StatusOpen).Order("id ASC").Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// CreateOrderWithIdempotency persists the order and its idempotency record
// in one transaction.
func (d *Database) CreateOrderWithIdempotency(order *types.Order, idempotencyKey string) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(order).Error; err != nil {
			return err
		}
		if idempotencyKey == "" {
			return nil
		}
		// An expired record for the same (user, key) would still trip the
		// unique index; clear it so the retry can claim the key.
		if err := tx.Where("user_id = ? AND idempotency_key = ? AND expires_at <= ?",
			order.UserID, idempotencyKey, time.Now()).
			Unscoped().Delete(&IdempotencyRecord{}).Error; err != nil {
			return err
		}
		record := IdempotencyRecord{
			IdempotencyKey: idempotencyKey,
			UserID:         order.UserID,
			ResourceID:     order.OrderID,
			ExpiresAt:      time.Now().Add(24 * time.Hour),
		}
		return tx.Create(&record).Error
	})
}

// GetIdempotencyRecord retrieves a user's idempotency record by key; nil
// when the key is unknown for that user.
func (d *Database) GetIdempotencyRecord(userID, key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	if err := d.db.Where("user_id = ? AND idempotency_key = ?", userID, key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// GetInstrumentByToken reads the master row directly, bypassing the
// catalog index. Expiry settlement uses this to resolve instruments the
// index no longer carries.
func (d *Database) GetInstrumentByToken(token uint32) (*types.Instrument, error) {
	var inst types.Instrument
	if err := d.db.Where("token = ?", token).First(&inst).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &inst, nil
}

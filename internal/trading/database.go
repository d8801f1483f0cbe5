package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/klear-dex/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateOrder(ctx context.Context, order *types.Order) error {
	if err := checkOrder(order); err != nil {
		return err
	}
	return d.db.WithContext(ctx).Create(order).Error
}

// LoadOrder returns types.ErrOrderNotFound when no order has the given id
func (d *Database) LoadOrder(ctx context.Context, orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.WithContext(ctx).Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

// SaveOrder rejects orders whose fields contradict their status
func (d *Database) SaveOrder(ctx context.Context, order *types.Order) error {
	if err := checkOrder(order); err != nil {
		return err
	}
	return d.db.WithContext(ctx).Save(order).Error
}

func checkOrder(order *types.Order) error {
	if err := order.Validate(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidOrder, err)
	}
	return nil
}

func (d *Database) SaveQuote(ctx context.Context, quote *types.Quote) error {
	return d.db.WithContext(ctx).Create(quote).Error
}

// ListQuotes returns every quote recorded for an order, oldest attempt first
func (d *Database) ListQuotes(ctx context.Context, orderID string) ([]types.Quote, error) {
	var quotes []types.Quote
	err := d.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("attempt ASC, id ASC").
		Find(&quotes).Error
	if err != nil {
		return nil, err
	}
	return quotes, nil
}

// FindStaleOrders returns non-terminal orders not updated since before
func (d *Database) FindStaleOrders(ctx context.Context, before time.Time, limit int) ([]types.Order, error) {
	var orders []types.Order
	err := d.db.WithContext(ctx).
		Where("status NOT IN ?", []string{string(types.StatusConfirmed), string(types.StatusFailed)}).
		Where("updated_at < ?", before).
		Order("updated_at ASC").
		Limit(limit).
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// CreateOrderWithIdempotency creates a new order and idempotency record in a transaction.
// A key claimed concurrently by another request fails with gorm.ErrDuplicatedKey.
func (d *Database) CreateOrderWithIdempotency(ctx context.Context, order *types.Order, idempotencyKey string) error {
	if err := checkOrder(order); err != nil {
		return err
	}
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// an expired record still holds the unique key
		err := tx.Unscoped().
			Where("idempotency_key = ? AND expires_at <= ?", idempotencyKey, time.Now()).
			Delete(&IdempotencyRecord{}).Error
		if err != nil {
			return err
		}

		if err := tx.Create(order).Error; err != nil {
			return err
		}

		// Create idempotency record
		record := IdempotencyRecord{
			IdempotencyKey: idempotencyKey,
			ResourceID:     order.OrderID,
			ResourceType:   "order",
			ExpiresAt:      time.Now().Add(24 * time.Hour),
		}
		return tx.Create(&record).Error
	})
}

// GetIdempotencyRecord retrieves an unexpired idempotency record by key, or nil
func (d *Database) GetIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	err := d.db.WithContext(ctx).
		Where("idempotency_key = ? AND expires_at > ?", key, time.Now()).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

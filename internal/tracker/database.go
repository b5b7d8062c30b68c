package tracker

import (
	"errors"

	"github.com/makerdesk/mm-core/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// Upsert writes the tracked order, updating the existing row for the same
// (exchange, exchange_order_id) if one exists.
func (d *Database) Upsert(order *types.TrackedOrder) error {
	var existing types.TrackedOrder
	err := d.db.Where("exchange = ? AND exchange_order_id = ?", order.Exchange, order.ExchangeOrderID).
		First(&existing).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return d.db.Create(order).Error
		}
		return err
	}
	order.ID = existing.ID
	order.CreatedAt = existing.CreatedAt
	return d.db.Save(order).Error
}

// Get returns the tracked order for (exchange, exchangeOrderID), or nil.
func (d *Database) Get(exchange, exchangeOrderID string) (*types.TrackedOrder, error) {
	var order types.TrackedOrder
	err := d.db.Where("exchange = ? AND exchange_order_id = ?", exchange, exchangeOrderID).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// ListOpen returns all orders whose last known status is non-terminal.
func (d *Database) ListOpen() ([]types.TrackedOrder, error) {
	var orders []types.TrackedOrder
	err := d.db.Where("status IN ?", []string{types.OrderStatusOpen, types.OrderStatusPartiallyFilled}).
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// OpenByStrategy returns all non-terminal orders for a strategy key.
func (d *Database) OpenByStrategy(strategyKey string) ([]types.TrackedOrder, error) {
	var orders []types.TrackedOrder
	err := d.db.Where("strategy_key = ? AND status IN ?",
		strategyKey, []string{types.OrderStatusOpen, types.OrderStatusPartiallyFilled}).
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

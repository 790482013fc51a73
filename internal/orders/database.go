package orders

import (
	"errors"

	"gorm.io/gorm"

	"github.com/tradeforge/exchange-api/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// CreateOrderWithStatus persists the order together with its first status
// history entry in one transaction.
func (d *Database) CreateOrderWithStatus(order *types.Order) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Create(order).Error; err != nil {
		tx.Rollback()
		return err
	}

	entry := types.OrderStatusEntry{
		OrderID: order.OrderID,
		Status:  order.Status,
	}
	if err := tx.Create(&entry).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// GetOrderByOrderID looks an order up by its external identifier.
func (d *Database) GetOrderByOrderID(orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// GetStatusHistory returns the order's status entries, oldest first.
func (d *Database) GetStatusHistory(orderID string) ([]types.OrderStatusEntry, error) {
	var entries []types.OrderStatusEntry
	if err := d.db.Where("order_id = ?", orderID).Order("id ASC").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// OpenOrders returns every order still eligible for matching, oldest first.
// Used to warm the books at startup.
func (d *Database) OpenOrders() ([]*types.Order, error) {
	var open []*types.Order
	err := d.db.
		Where("status IN ?", []types.Status{types.StatusOpen, types.StatusPartiallyFilled}).
		Order("placed_at ASC").
		Find(&open).Error
	if err != nil {
		return nil, err
	}
	return open, nil
}

// CancelOrder marks the order CANCELLED and appends the status entry in one
// transaction. The version predicate means a concurrent fill wins over the
// cancel; the caller retries on ErrConflict.
func (d *Database) CancelOrder(order *types.Order) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	result := tx.Model(&types.Order{}).
		Where("id = ? AND version = ?", order.ID, order.Version).
		Updates(map[string]interface{}{
			"status":  types.StatusCancelled,
			"version": order.Version + 1,
		})
	if result.Error != nil {
		tx.Rollback()
		return result.Error
	}
	if result.RowsAffected == 0 {
		tx.Rollback()
		return types.ErrConflict
	}

	entry := types.OrderStatusEntry{
		OrderID: order.OrderID,
		Status:  types.StatusCancelled,
	}
	if err := tx.Create(&entry).Error; err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit().Error; err != nil {
		return err
	}

	order.Status = types.StatusCancelled
	order.Version++
	return nil
}

// GetInstrument resolves an instrument listed on the given market.
func (d *Database) GetInstrument(marketCode, isin string) (*types.Instrument, error) {
	var instrument types.Instrument
	if err := d.db.Where("market_code = ? AND isin = ?", marketCode, isin).First(&instrument).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &instrument, nil
}

package execution

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tradeforge/exchange-api/internal/types"
	"gorm.io/gorm"
)

// Database holds the order-store queries the executors need: the persistent
// fallback for matching, version-guarded quantity updates, status history
// appends and settlement transaction rows.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) WithTx(tx *gorm.DB) *Database {
	return &Database{db: tx}
}

// GetOrder re-reads an order by primary key. Settlement always works on a
// fresh read inside its transaction so a retry never reapplies a stale delta.
func (d *Database) GetOrder(id uint) (*types.Order, error) {
	var order types.Order
	if err := d.db.First(&order, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.NotFoundf("order %d not found", id)
		}
		return nil, err
	}
	return &order, nil
}

// FindMatching is the persistent fallback when the book holds no candidates:
// open or partially filled counter-orders for the same instrument, price
// crossing for limit orders, best price first, then placement time.
func (d *Database) FindMatching(order *types.Order) ([]*types.Order, error) {
	q := d.db.Where("market_code = ? AND isin = ? AND side = ? AND status IN ? AND id <> ?",
		order.MarketCode, order.ISIN, order.Side.Opposite(),
		[]types.Status{types.StatusOpen, types.StatusPartiallyFilled}, order.ID)

	if order.Side == types.SideBuy {
		if order.OrderType == types.OrderTypeLimit {
			q = q.Where("price <= ?", order.Price)
		}
		q = q.Order("price ASC")
	} else {
		if order.OrderType == types.OrderTypeLimit {
			q = q.Where("price >= ?", order.Price)
		}
		q = q.Order("price DESC")
	}

	var matching []*types.Order
	if err := q.Order("placed_at ASC").Find(&matching).Error; err != nil {
		return nil, err
	}
	return matching, nil
}

// GetInstrument resolves the instrument an order trades, mainly for its
// settlement currency.
func (d *Database) GetInstrument(marketCode, isin string) (*types.Instrument, error) {
	var instrument types.Instrument
	err := d.db.Where("market_code = ? AND isin = ?", marketCode, isin).First(&instrument).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.NotFoundf("instrument not found for [%s, %s]", marketCode, isin)
		}
		return nil, err
	}
	return &instrument, nil
}

// ApplyFill moves matched quantity onto the order under its version token and
// appends the resulting status entry. Zero rows affected means a concurrent
// writer got there first and the whole settlement unit must retry.
func (d *Database) ApplyFill(order *types.Order, matched decimal.Decimal) error {
	filled := order.FilledQuantity.Add(matched)
	remaining := order.RemainingQuantity.Sub(matched)
	if remaining.Sign() < 0 {
		return types.Validationf("fill of %s exceeds remaining %s on order %s",
			matched, order.RemainingQuantity, order.OrderID)
	}

	status := types.StatusPartiallyFilled
	if remaining.IsZero() {
		status = types.StatusFilled
	}

	res := d.db.Model(&types.Order{}).
		Where("id = ? AND version = ?", order.ID, order.Version).
		Updates(map[string]interface{}{
			"filled_quantity":    filled,
			"remaining_quantity": remaining,
			"status":             status,
			"version":            order.Version + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return types.ErrConflict
	}

	order.FilledQuantity = filled
	order.RemainingQuantity = remaining
	order.Status = status
	order.Version++

	return d.AppendStatus(order.OrderID, status)
}

// AppendStatus records one entry of the append-only status history.
func (d *Database) AppendStatus(orderID string, status types.Status) error {
	return d.db.Create(&types.OrderStatusEntry{
		OrderID: orderID,
		Status:  status,
	}).Error
}

// CreateTransaction writes the immutable record of one settlement leg.
func (d *Database) CreateTransaction(order *types.Order, wallet *types.Wallet, price, quantity decimal.Decimal) error {
	return d.db.Create(&types.Transaction{
		TransactionID: uuid.New().String(),
		OrderID:       order.OrderID,
		ISIN:          order.ISIN,
		WalletID:      wallet.ID,
		Price:         price,
		Quantity:      quantity,
		CurrencyCode:  wallet.CurrencyCode,
		Type:          order.Side,
		ExecutedAt:    time.Now(),
	}).Error
}

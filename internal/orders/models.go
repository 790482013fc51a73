package orders

import (
	"github.com/shopspring/decimal"

	"github.com/tradeforge/exchange-api/internal/types"
)

// CreateOrderRequest is the body of POST /api/v1/orders.
type CreateOrderRequest struct {
	AccountNumber string          `json:"account_number" binding:"required"`
	MarketCode    string          `json:"market_code" binding:"required"`
	ISIN          string          `json:"isin" binding:"required"`
	Side          string          `json:"side" binding:"required"`
	OrderType     string          `json:"order_type" binding:"required"`
	CurrencyCode  string          `json:"currency_code" binding:"required"`
	Price         decimal.Decimal `json:"price" binding:"required"`
	Quantity      decimal.Decimal `json:"quantity" binding:"required"`
	CallbackURL   string          `json:"callback_url"`
}

// OrderDetails is the response for order reads: the order plus its status
// history, oldest first.
type OrderDetails struct {
	Order   *types.Order             `json:"order"`
	History []types.OrderStatusEntry `json:"history"`
}

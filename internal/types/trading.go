package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Side of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the counter side used when matching.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Order type names. STOP and FOK are declared order types; only MARKET, LIMIT
// and STOP have an executor bound to them.
const (
	OrderTypeMarket = "MARKET"
	OrderTypeLimit  = "LIMIT"
	OrderTypeStop   = "STOP"
	OrderTypeFOK    = "FOK"
)

// Status of an order. The current status is always the latest entry of the
// order's status history.
type Status string

const (
	StatusOpen            Status = "OPEN"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCancelled       Status = "CANCELLED"
)

// Terminal reports whether the status ends the order lifecycle.
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled
}

// Order is the persisted order record. The numeric primary key (gorm.Model.ID)
// is the order book identity; OrderID is the external identifier handed to API
// callers. Version is the optimistic concurrency token: every quantity or
// status mutation carries a `version = ?` predicate and bumps it by one.
//
// Invariant: FilledQuantity + RemainingQuantity == Quantity at every committed
// point, and RemainingQuantity is never negative.
type Order struct {
	gorm.Model        `json:"-"`
	OrderID           string          `gorm:"uniqueIndex" json:"order_id"`
	AccountNumber     string          `json:"account_number"`
	MarketCode        string          `json:"market_code"`
	ISIN              string          `json:"isin"`
	Side              Side            `json:"side"`
	OrderType         string          `json:"order_type"`
	CurrencyCode      string          `json:"currency_code"`
	Price             decimal.Decimal `gorm:"type:decimal(20,6)" json:"price"`
	Quantity          decimal.Decimal `gorm:"type:decimal(20,6)" json:"quantity"`
	FilledQuantity    decimal.Decimal `gorm:"type:decimal(20,6)" json:"filled_quantity"`
	RemainingQuantity decimal.Decimal `gorm:"type:decimal(20,6)" json:"remaining_quantity"`
	Status            Status          `json:"status"`
	CallbackURL       string          `json:"callback_url,omitempty"`
	PlacedAt          time.Time       `json:"placed_at"`
	Version           int64           `json:"-"`
}

// FillStatus is the status an order reaches after a fill of the current
// quantities: FILLED once nothing remains, PARTIALLY_FILLED otherwise.
func (o *Order) FillStatus() Status {
	if o.RemainingQuantity.IsZero() {
		return StatusFilled
	}
	return StatusPartiallyFilled
}

// OrderStatusEntry is one row of an order's append-only status history.
// Entries are only ever inserted, never rewritten.
type OrderStatusEntry struct {
	gorm.Model `json:"-"`
	OrderID    string `gorm:"index" json:"order_id"`
	Status     Status `json:"status"`
}

// Wallet holds an account's balance in one currency. Balances move only
// through settlement; writes are guarded by the Version token.
type Wallet struct {
	gorm.Model    `json:"-"`
	AccountNumber string          `gorm:"index:idx_wallet_account_currency,unique" json:"account_number"`
	CurrencyCode  string          `gorm:"index:idx_wallet_account_currency,unique" json:"currency_code"`
	Balance       decimal.Decimal `gorm:"type:decimal(20,6)" json:"balance"`
	Version       int64           `json:"-"`
}

// Position holds an account's quantity of one instrument. A position is never
// allowed below zero.
type Position struct {
	gorm.Model    `json:"-"`
	AccountNumber string          `gorm:"index:idx_position_account_isin,unique" json:"account_number"`
	ISIN          string          `gorm:"index:idx_position_account_isin,unique" json:"isin"`
	Quantity      decimal.Decimal `gorm:"type:decimal(20,6)" json:"quantity"`
}

// Transaction is the immutable record of one settlement leg. Created once per
// matched leg, never mutated.
type Transaction struct {
	gorm.Model    `json:"-"`
	TransactionID string          `gorm:"uniqueIndex" json:"transaction_id"`
	OrderID       string          `gorm:"index" json:"order_id"`
	ISIN          string          `json:"isin"`
	WalletID      uint            `json:"wallet_id"`
	Price         decimal.Decimal `gorm:"type:decimal(20,6)" json:"price"`
	Quantity      decimal.Decimal `gorm:"type:decimal(20,6)" json:"quantity"`
	CurrencyCode  string          `json:"currency_code"`
	Type          Side            `json:"type"`
	ExecutedAt    time.Time       `json:"executed_at"`
}

// ExchangeRate is a directed currency edge: converting SourceCurrency to
// TargetCurrency multiplies by Rate. Absence of a direct edge requires
// base-currency routing.
type ExchangeRate struct {
	gorm.Model     `json:"-"`
	SourceCurrency string          `gorm:"index:idx_rate_pair,unique" json:"source_currency"`
	TargetCurrency string          `gorm:"index:idx_rate_pair,unique" json:"target_currency"`
	Rate           decimal.Decimal `gorm:"type:decimal(20,6)" json:"rate"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Instrument is a tradable product listed on a market. Its currency is the
// currency trades in it settle in.
type Instrument struct {
	gorm.Model   `json:"-"`
	MarketCode   string `gorm:"index:idx_instrument_market_isin,unique" json:"market_code"`
	ISIN         string `gorm:"index:idx_instrument_market_isin,unique" json:"isin"`
	Name         string `json:"name"`
	CurrencyCode string `json:"currency_code"`
}

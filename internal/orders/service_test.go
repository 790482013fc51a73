package orders

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tradeforge/exchange-api/internal/book"
	"github.com/tradeforge/exchange-api/internal/currency"
	"github.com/tradeforge/exchange-api/internal/execution"
	"github.com/tradeforge/exchange-api/internal/notify"
	"github.com/tradeforge/exchange-api/internal/types"
	"github.com/tradeforge/exchange-api/internal/workers"
)

const (
	testMarket     = "NYSE"
	testISIN       = "US0378331005"
	testAccount    = "ACC-001"
	counterAccount = "ACC-002"
)

type serviceEnv struct {
	db      *gorm.DB
	books   *book.Registry
	service *Service
	pool    *workers.Pool
}

func newServiceEnv(t *testing.T) *serviceEnv {
	t.Helper()

	// File-backed so the worker pool's fulfillment transactions and the test
	// goroutine's reads share one database across pooled connections.
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "orders.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	err = db.AutoMigrate(
		&types.Order{},
		&types.OrderStatusEntry{},
		&types.Wallet{},
		&types.Position{},
		&types.Transaction{},
		&types.ExchangeRate{},
		&types.Instrument{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}

	seed := []interface{}{
		&types.Instrument{MarketCode: testMarket, ISIN: testISIN, Name: "Test Instrument", CurrencyCode: "USD"},
		&types.Wallet{AccountNumber: testAccount, CurrencyCode: "USD", Balance: decimal.NewFromInt(10000)},
		&types.Wallet{AccountNumber: counterAccount, CurrencyCode: "USD", Balance: decimal.NewFromInt(10000)},
		&types.Position{AccountNumber: testAccount, ISIN: testISIN, Quantity: decimal.NewFromInt(50)},
		&types.Position{AccountNumber: counterAccount, ISIN: testISIN, Quantity: decimal.NewFromInt(50)},
	}
	for _, record := range seed {
		if err := db.Create(record).Error; err != nil {
			t.Fatalf("seed %T: %v", record, err)
		}
	}

	books := book.NewRegistry([]string{testMarket})
	converter := currency.NewService(db)
	dispatcher := execution.NewDispatcher(db, converter, books, execution.DefaultMaxRetries)
	pool := workers.NewPool(2, 16)
	t.Cleanup(pool.Stop)

	return &serviceEnv{
		db:      db,
		books:   books,
		service: NewService(db, books, dispatcher, pool, notify.NewNotifier(), nil),
		pool:    pool,
	}
}

func limitRequest(side string, price, qty int64) *CreateOrderRequest {
	return &CreateOrderRequest{
		AccountNumber: testAccount,
		MarketCode:    testMarket,
		ISIN:          testISIN,
		Side:          side,
		OrderType:     "LIMIT",
		CurrencyCode:  "USD",
		Price:         decimal.NewFromInt(price),
		Quantity:      decimal.NewFromInt(qty),
	}
}

// waitForBook polls until the condition holds, since fulfillment runs on the
// worker pool.
func waitForBook(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestInitializeValidation(t *testing.T) {
	env := newServiceEnv(t)

	tests := []struct {
		name    string
		mutate  func(*CreateOrderRequest)
		wantErr error
	}{
		{"invalid side", func(r *CreateOrderRequest) { r.Side = "HOLD" }, types.ErrValidation},
		{"unknown order type", func(r *CreateOrderRequest) { r.OrderType = "FOK" }, types.ErrValidation},
		{"zero price", func(r *CreateOrderRequest) { r.Price = decimal.Zero }, types.ErrValidation},
		{"negative quantity", func(r *CreateOrderRequest) { r.Quantity = decimal.NewFromInt(-1) }, types.ErrValidation},
		{"unknown market", func(r *CreateOrderRequest) { r.MarketCode = "TSE" }, types.ErrValidation},
		{"unlisted instrument", func(r *CreateOrderRequest) { r.ISIN = "US5949181045" }, types.ErrNotFound},
		{"unknown wallet", func(r *CreateOrderRequest) { r.AccountNumber = "ACC-999" }, types.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := limitRequest("BUY", 100, 5)
			tt.mutate(req)
			_, err := env.service.Initialize(context.Background(), req)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestInitializeRejectsInsufficientFunds(t *testing.T) {
	env := newServiceEnv(t)

	// Balance is 10000; 100 * 101 = 10100
	_, err := env.service.Initialize(context.Background(), limitRequest("BUY", 100, 101))
	if !errors.Is(err, types.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestInitializeRejectsInsufficientAssets(t *testing.T) {
	env := newServiceEnv(t)

	// Position is 50
	_, err := env.service.Initialize(context.Background(), limitRequest("SELL", 100, 51))
	if !errors.Is(err, types.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestInitializeAdmitsOrder(t *testing.T) {
	env := newServiceEnv(t)

	order, err := env.service.Initialize(context.Background(), limitRequest("BUY", 100, 5))
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if order.OrderID == "" {
		t.Error("expected an external order identifier")
	}
	if order.Status != types.StatusOpen {
		t.Errorf("expected OPEN, got %s", order.Status)
	}
	if !order.RemainingQuantity.Equal(order.Quantity) {
		t.Errorf("expected full remaining quantity, got %s", order.RemainingQuantity)
	}

	b, _ := env.books.ForMarket(testMarket)
	if _, ok := b.Get(order.ID); !ok {
		t.Error("expected order in the market book")
	}

	details, err := env.service.GetOrder(order.OrderID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if len(details.History) != 1 || details.History[0].Status != types.StatusOpen {
		t.Errorf("expected a single OPEN history entry, got %+v", details.History)
	}
}

func TestInitializeMatchesCrossingOrders(t *testing.T) {
	env := newServiceEnv(t)

	sellReq := limitRequest("SELL", 95, 5)
	sellReq.AccountNumber = counterAccount
	sell, err := env.service.Initialize(context.Background(), sellReq)
	if err != nil {
		t.Fatalf("Initialize sell: %v", err)
	}
	buy, err := env.service.Initialize(context.Background(), limitRequest("BUY", 100, 5))
	if err != nil {
		t.Fatalf("Initialize buy: %v", err)
	}

	waitForBook(t, func() bool {
		details, err := env.service.GetOrder(buy.OrderID)
		return err == nil && details.Order.Status == types.StatusFilled
	})

	details, err := env.service.GetOrder(sell.OrderID)
	if err != nil {
		t.Fatalf("GetOrder sell: %v", err)
	}
	if details.Order.Status != types.StatusFilled {
		t.Errorf("expected resting sell FILLED, got %s", details.Order.Status)
	}

	b, _ := env.books.ForMarket(testMarket)
	waitForBook(t, func() bool { return b.Size() == 0 })
}

func TestGetOrderUnknownID(t *testing.T) {
	env := newServiceEnv(t)

	_, err := env.service.GetOrder("no-such-order")
	if !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCancelRemovesOrderFromBook(t *testing.T) {
	env := newServiceEnv(t)

	order, err := env.service.Initialize(context.Background(), limitRequest("BUY", 100, 5))
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	cancelled, err := env.service.Cancel(context.Background(), order.OrderID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != types.StatusCancelled {
		t.Errorf("expected CANCELLED, got %s", cancelled.Status)
	}

	b, _ := env.books.ForMarket(testMarket)
	if _, ok := b.Get(order.ID); ok {
		t.Error("cancelled order must leave the book")
	}

	details, err := env.service.GetOrder(order.OrderID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	last := details.History[len(details.History)-1]
	if last.Status != types.StatusCancelled {
		t.Errorf("expected CANCELLED history entry, got %s", last.Status)
	}
}

func TestCancelTerminalOrderRejected(t *testing.T) {
	env := newServiceEnv(t)

	order, err := env.service.Initialize(context.Background(), limitRequest("BUY", 100, 5))
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := env.service.Cancel(context.Background(), order.OrderID); err != nil {
		t.Fatalf("first Cancel: %v", err)
	}

	_, err = env.service.Cancel(context.Background(), order.OrderID)
	if !errors.Is(err, types.ErrValidation) {
		t.Fatalf("expected ErrValidation on terminal order, got %v", err)
	}
}

func TestExecuteUnknownOrder(t *testing.T) {
	env := newServiceEnv(t)

	_, err := env.service.Execute(context.Background(), "no-such-order")
	if !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDepthReflectsBook(t *testing.T) {
	env := newServiceEnv(t)

	if _, err := env.service.Initialize(context.Background(), limitRequest("BUY", 100, 5)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	depth, err := env.service.Depth(context.Background(), testMarket)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth.Market != testMarket {
		t.Errorf("expected market %s, got %s", testMarket, depth.Market)
	}
	if len(depth.Bids) != 1 {
		t.Fatalf("expected one bid level, got %d", len(depth.Bids))
	}
	if !depth.Bids[0].Price.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected bid level at 100, got %s", depth.Bids[0].Price)
	}

	_, err = env.service.Depth(context.Background(), "TSE")
	if !errors.Is(err, types.ErrValidation) {
		t.Errorf("expected ErrValidation for unknown market, got %v", err)
	}
}

func TestWarmLoadRestoresOpenOrders(t *testing.T) {
	env := newServiceEnv(t)

	open := &types.Order{
		OrderID:           "warm-open",
		AccountNumber:     testAccount,
		MarketCode:        testMarket,
		ISIN:              testISIN,
		Side:              types.SideBuy,
		OrderType:         types.OrderTypeLimit,
		CurrencyCode:      "USD",
		Price:             decimal.NewFromInt(100),
		Quantity:          decimal.NewFromInt(5),
		RemainingQuantity: decimal.NewFromInt(5),
		Status:            types.StatusOpen,
		PlacedAt:          time.Now(),
	}
	filled := &types.Order{
		OrderID:           "warm-filled",
		AccountNumber:     testAccount,
		MarketCode:        testMarket,
		ISIN:              testISIN,
		Side:              types.SideSell,
		OrderType:         types.OrderTypeLimit,
		CurrencyCode:      "USD",
		Price:             decimal.NewFromInt(95),
		Quantity:          decimal.NewFromInt(5),
		FilledQuantity:    decimal.NewFromInt(5),
		RemainingQuantity: decimal.Zero,
		Status:            types.StatusFilled,
		PlacedAt:          time.Now(),
	}
	stale := &types.Order{
		OrderID:           "warm-unknown-market",
		AccountNumber:     testAccount,
		MarketCode:        "TSE",
		ISIN:              testISIN,
		Side:              types.SideBuy,
		OrderType:         types.OrderTypeLimit,
		CurrencyCode:      "USD",
		Price:             decimal.NewFromInt(100),
		Quantity:          decimal.NewFromInt(5),
		RemainingQuantity: decimal.NewFromInt(5),
		Status:            types.StatusOpen,
		PlacedAt:          time.Now(),
	}
	for _, order := range []*types.Order{open, filled, stale} {
		if err := env.db.Create(order).Error; err != nil {
			t.Fatalf("seed order: %v", err)
		}
	}

	if err := env.service.WarmLoad(context.Background()); err != nil {
		t.Fatalf("WarmLoad: %v", err)
	}

	b, _ := env.books.ForMarket(testMarket)
	if b.Size() != 1 {
		t.Fatalf("expected only the open order restored, got size %d", b.Size())
	}
	if _, ok := b.Get(open.ID); !ok {
		t.Error("expected the open order in the book")
	}
}

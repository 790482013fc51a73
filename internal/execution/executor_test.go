package execution

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tradeforge/exchange-api/internal/book"
	"github.com/tradeforge/exchange-api/internal/currency"
	"github.com/tradeforge/exchange-api/internal/ledger"
	"github.com/tradeforge/exchange-api/internal/types"
)

const (
	testMarket = "NYSE"
	testISIN   = "US0378331005"
	buyerAcc   = "ACC-BUY"
	sellerAcc  = "ACC-SELL"
)

type testEnv struct {
	db     *gorm.DB
	books  *book.Registry
	ledger *ledger.Database
	seq    int
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	// A file-backed store: settlement transactions and the converter's rate
	// reads may land on different pooled connections, which must all see the
	// same database.
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "execution.db")), &gorm.Config{
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

	env := &testEnv{
		db:     db,
		books:  book.NewRegistry([]string{testMarket}),
		ledger: ledger.NewDatabase(db),
	}

	env.mustCreate(t, &types.Instrument{
		MarketCode:   testMarket,
		ISIN:         testISIN,
		Name:         "Test Instrument",
		CurrencyCode: "USD",
	})
	env.mustCreate(t, &types.Wallet{
		AccountNumber: buyerAcc,
		CurrencyCode:  "USD",
		Balance:       decimal.NewFromInt(10000),
	})
	env.mustCreate(t, &types.Wallet{
		AccountNumber: sellerAcc,
		CurrencyCode:  "USD",
		Balance:       decimal.NewFromInt(10000),
	})
	env.mustCreate(t, &types.Position{
		AccountNumber: sellerAcc,
		ISIN:          testISIN,
		Quantity:      decimal.NewFromInt(10),
	})

	return env
}

func (e *testEnv) mustCreate(t *testing.T, record interface{}) {
	t.Helper()
	if err := e.db.Create(record).Error; err != nil {
		t.Fatalf("create %T: %v", record, err)
	}
}

// placeOrder persists an order and inserts it into the book, the way the
// initializer admits orders before execution runs.
func (e *testEnv) placeOrder(t *testing.T, account string, side types.Side, orderType string, price, qty int64) *types.Order {
	t.Helper()

	e.seq++
	quantity := decimal.NewFromInt(qty)
	order := &types.Order{
		OrderID:           fmt.Sprintf("test-order-%d", e.seq),
		AccountNumber:     account,
		MarketCode:        testMarket,
		ISIN:              testISIN,
		Side:              side,
		OrderType:         orderType,
		CurrencyCode:      "USD",
		Price:             decimal.NewFromInt(price),
		Quantity:          quantity,
		RemainingQuantity: quantity,
		Status:            types.StatusOpen,
		PlacedAt:          time.Now().Add(time.Duration(e.seq) * time.Millisecond),
	}
	e.mustCreate(t, order)

	b, err := e.books.ForMarket(testMarket)
	if err != nil {
		t.Fatalf("ForMarket: %v", err)
	}
	if err := b.Add(order); err != nil {
		t.Fatalf("Add to book: %v", err)
	}
	return order
}

func (e *testEnv) walletBalance(t *testing.T, account string) decimal.Decimal {
	t.Helper()
	wallet, err := e.ledger.GetWallet(account, "USD")
	if err != nil {
		t.Fatalf("GetWallet: %v", err)
	}
	return wallet.Balance
}

func (e *testEnv) positionQuantity(t *testing.T, account string) decimal.Decimal {
	t.Helper()
	qty, err := e.ledger.PositionQuantity(account, testISIN)
	if err != nil {
		t.Fatalf("PositionQuantity: %v", err)
	}
	return qty
}

func TestMarketExecutorSettlesFullFill(t *testing.T) {
	env := newTestEnv(t)
	converter := currency.NewService(env.db)

	resting := env.placeOrder(t, sellerAcc, types.SideSell, types.OrderTypeLimit, 95, 5)
	incoming := env.placeOrder(t, buyerAcc, types.SideBuy, types.OrderTypeMarket, 100, 5)

	executor := NewMarketExecutor(env.db, converter, env.books, DefaultMaxRetries)
	result, err := executor.Execute(context.Background(), incoming)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if result.Status != types.StatusFilled {
		t.Errorf("expected incoming FILLED, got %s", result.Status)
	}
	if !result.FilledQuantity.Equal(decimal.NewFromInt(5)) || !result.RemainingQuantity.IsZero() {
		t.Errorf("expected filled=5 remaining=0, got filled=%s remaining=%s",
			result.FilledQuantity, result.RemainingQuantity)
	}

	var candidate types.Order
	if err := env.db.First(&candidate, resting.ID).Error; err != nil {
		t.Fatalf("reload candidate: %v", err)
	}
	if candidate.Status != types.StatusFilled {
		t.Errorf("expected candidate FILLED, got %s", candidate.Status)
	}

	// Seller's price 95 is authoritative: cost = 95 * 5 = 475
	if got := env.walletBalance(t, buyerAcc); !got.Equal(decimal.NewFromInt(9525)) {
		t.Errorf("expected buyer balance 9525, got %s", got)
	}
	if got := env.walletBalance(t, sellerAcc); !got.Equal(decimal.NewFromInt(10475)) {
		t.Errorf("expected seller balance 10475, got %s", got)
	}
	if got := env.positionQuantity(t, buyerAcc); !got.Equal(decimal.NewFromInt(5)) {
		t.Errorf("expected buyer position 5, got %s", got)
	}
	if got := env.positionQuantity(t, sellerAcc); !got.Equal(decimal.NewFromInt(5)) {
		t.Errorf("expected seller position 5, got %s", got)
	}

	var txCount int64
	if err := env.db.Model(&types.Transaction{}).Count(&txCount).Error; err != nil {
		t.Fatalf("count transactions: %v", err)
	}
	if txCount != 2 {
		t.Errorf("expected one transaction per leg, got %d", txCount)
	}

	b, _ := env.books.ForMarket(testMarket)
	if b.Size() != 0 {
		t.Errorf("expected filled orders removed from book, got size %d", b.Size())
	}
}

func TestMarketExecutorPartialFill(t *testing.T) {
	env := newTestEnv(t)
	converter := currency.NewService(env.db)

	resting := env.placeOrder(t, sellerAcc, types.SideSell, types.OrderTypeLimit, 95, 4)
	incoming := env.placeOrder(t, buyerAcc, types.SideBuy, types.OrderTypeMarket, 100, 10)

	executor := NewMarketExecutor(env.db, converter, env.books, DefaultMaxRetries)
	result, err := executor.Execute(context.Background(), incoming)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if result.Status != types.StatusPartiallyFilled {
		t.Errorf("expected PARTIALLY_FILLED, got %s", result.Status)
	}
	if !result.FilledQuantity.Equal(decimal.NewFromInt(4)) || !result.RemainingQuantity.Equal(decimal.NewFromInt(6)) {
		t.Errorf("expected filled=4 remaining=6, got filled=%s remaining=%s",
			result.FilledQuantity, result.RemainingQuantity)
	}

	b, _ := env.books.ForMarket(testMarket)
	if _, ok := b.Get(resting.ID); ok {
		t.Error("filled candidate must leave the book")
	}
	live, ok := b.Get(incoming.ID)
	if !ok {
		t.Fatal("partially filled incoming order must stay in the book")
	}
	if !live.RemainingQuantity.Equal(decimal.NewFromInt(6)) {
		t.Errorf("expected live remaining 6 in book, got %s", live.RemainingQuantity)
	}

	// filled + remaining == total at every committed point
	if !result.FilledQuantity.Add(result.RemainingQuantity).Equal(result.Quantity) {
		t.Errorf("quantity invariant broken: %s + %s != %s",
			result.FilledQuantity, result.RemainingQuantity, result.Quantity)
	}
}

func TestMarketExecutorConsumesBestPriceFirst(t *testing.T) {
	env := newTestEnv(t)
	converter := currency.NewService(env.db)

	env.placeOrder(t, sellerAcc, types.SideSell, types.OrderTypeLimit, 98, 3)
	env.placeOrder(t, sellerAcc, types.SideSell, types.OrderTypeLimit, 95, 3)
	incoming := env.placeOrder(t, buyerAcc, types.SideBuy, types.OrderTypeMarket, 100, 3)

	executor := NewMarketExecutor(env.db, converter, env.books, DefaultMaxRetries)
	if _, err := executor.Execute(context.Background(), incoming); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// Best ask is 95, so the cost must be 95 * 3 = 285
	if got := env.walletBalance(t, buyerAcc); !got.Equal(decimal.NewFromInt(9715)) {
		t.Errorf("expected buyer balance 9715, got %s", got)
	}
}

func TestLimitExecutorDoesNotCrossWorseAsk(t *testing.T) {
	env := newTestEnv(t)
	converter := currency.NewService(env.db)

	env.placeOrder(t, sellerAcc, types.SideSell, types.OrderTypeLimit, 95, 5)
	incoming := env.placeOrder(t, buyerAcc, types.SideBuy, types.OrderTypeLimit, 90, 5)

	executor := NewLimitExecutor(env.db, converter, env.books, DefaultMaxRetries)
	result, err := executor.Execute(context.Background(), incoming)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if result.Status != types.StatusOpen {
		t.Errorf("expected order to stay OPEN, got %s", result.Status)
	}
	if !result.RemainingQuantity.Equal(decimal.NewFromInt(5)) {
		t.Errorf("expected full remaining quantity, got %s", result.RemainingQuantity)
	}
	if got := env.walletBalance(t, buyerAcc); !got.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("no settlement expected, buyer balance moved to %s", got)
	}

	b, _ := env.books.ForMarket(testMarket)
	if b.Size() != 2 {
		t.Errorf("both orders must rest in the book, got size %d", b.Size())
	}
}

func TestLimitExecutorCrossesAtOrBelowLimit(t *testing.T) {
	env := newTestEnv(t)
	converter := currency.NewService(env.db)

	env.placeOrder(t, sellerAcc, types.SideSell, types.OrderTypeLimit, 95, 5)
	incoming := env.placeOrder(t, buyerAcc, types.SideBuy, types.OrderTypeLimit, 95, 5)

	executor := NewLimitExecutor(env.db, converter, env.books, DefaultMaxRetries)
	result, err := executor.Execute(context.Background(), incoming)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if result.Status != types.StatusFilled {
		t.Errorf("equal prices must cross, got %s", result.Status)
	}
}

func TestExecuteAgainAfterFillIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	converter := currency.NewService(env.db)

	env.placeOrder(t, sellerAcc, types.SideSell, types.OrderTypeLimit, 95, 5)
	incoming := env.placeOrder(t, buyerAcc, types.SideBuy, types.OrderTypeMarket, 100, 5)

	executor := NewMarketExecutor(env.db, converter, env.books, DefaultMaxRetries)
	if _, err := executor.Execute(context.Background(), incoming); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// Re-driving a settled order must not move funds a second time
	if _, err := executor.Execute(context.Background(), incoming); err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if got := env.walletBalance(t, buyerAcc); !got.Equal(decimal.NewFromInt(9525)) {
		t.Errorf("expected buyer balance 9525 after re-drive, got %s", got)
	}
}

func TestSettlementConvertsToWalletCurrency(t *testing.T) {
	env := newTestEnv(t)

	env.mustCreate(t, &types.Wallet{
		AccountNumber: "ACC-GBP",
		CurrencyCode:  "GBP",
		Balance:       decimal.NewFromInt(10000),
	})
	env.mustCreate(t, &types.ExchangeRate{
		SourceCurrency: "USD",
		TargetCurrency: "GBP",
		Rate:           decimal.RequireFromString("0.8"),
	})
	converter := currency.NewService(env.db)

	env.placeOrder(t, sellerAcc, types.SideSell, types.OrderTypeLimit, 95, 5)

	env.seq++
	quantity := decimal.NewFromInt(5)
	incoming := &types.Order{
		OrderID:           fmt.Sprintf("test-order-%d", env.seq),
		AccountNumber:     "ACC-GBP",
		MarketCode:        testMarket,
		ISIN:              testISIN,
		Side:              types.SideBuy,
		OrderType:         types.OrderTypeMarket,
		CurrencyCode:      "GBP",
		Price:             decimal.NewFromInt(100),
		Quantity:          quantity,
		RemainingQuantity: quantity,
		Status:            types.StatusOpen,
		PlacedAt:          time.Now(),
	}
	env.mustCreate(t, incoming)
	b, _ := env.books.ForMarket(testMarket)
	if err := b.Add(incoming); err != nil {
		t.Fatalf("Add to book: %v", err)
	}

	executor := NewMarketExecutor(env.db, converter, env.books, DefaultMaxRetries)
	if _, err := executor.Execute(context.Background(), incoming); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// Cost is 475 USD; the buyer's GBP wallet is debited 475 * 0.8 = 380
	wallet, err := env.ledger.GetWallet("ACC-GBP", "GBP")
	if err != nil {
		t.Fatalf("GetWallet: %v", err)
	}
	if !wallet.Balance.Equal(decimal.NewFromInt(9620)) {
		t.Errorf("expected GBP balance 9620, got %s", wallet.Balance)
	}
	// The seller's USD wallet is credited in USD, unconverted
	if got := env.walletBalance(t, sellerAcc); !got.Equal(decimal.NewFromInt(10475)) {
		t.Errorf("expected seller balance 10475, got %s", got)
	}
}

func TestSelfTradeNetsToZero(t *testing.T) {
	env := newTestEnv(t)
	converter := currency.NewService(env.db)

	env.mustCreate(t, &types.Position{
		AccountNumber: buyerAcc,
		ISIN:          testISIN,
		Quantity:      decimal.NewFromInt(10),
	})

	env.placeOrder(t, buyerAcc, types.SideSell, types.OrderTypeLimit, 95, 5)
	incoming := env.placeOrder(t, buyerAcc, types.SideBuy, types.OrderTypeMarket, 100, 5)

	executor := NewMarketExecutor(env.db, converter, env.books, DefaultMaxRetries)
	result, err := executor.Execute(context.Background(), incoming)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if result.Status != types.StatusFilled {
		t.Errorf("expected FILLED, got %s", result.Status)
	}
	if got := env.walletBalance(t, buyerAcc); !got.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("self-trade must not move funds, balance %s", got)
	}
	if got := env.positionQuantity(t, buyerAcc); !got.Equal(decimal.NewFromInt(10)) {
		t.Errorf("self-trade must not change the position, got %s", got)
	}
}

func TestStatusHistoryAppendedPerFill(t *testing.T) {
	env := newTestEnv(t)
	converter := currency.NewService(env.db)

	env.placeOrder(t, sellerAcc, types.SideSell, types.OrderTypeLimit, 95, 5)
	incoming := env.placeOrder(t, buyerAcc, types.SideBuy, types.OrderTypeMarket, 100, 5)

	executor := NewMarketExecutor(env.db, converter, env.books, DefaultMaxRetries)
	if _, err := executor.Execute(context.Background(), incoming); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var entries []types.OrderStatusEntry
	if err := env.db.Where("order_id = ?", incoming.OrderID).Order("id ASC").Find(&entries).Error; err != nil {
		t.Fatalf("load history: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 history entry from the fill, got %d", len(entries))
	}
	if entries[0].Status != types.StatusFilled {
		t.Errorf("expected FILLED entry, got %s", entries[0].Status)
	}
}

func TestSettlementRetriesWalletVersionConflicts(t *testing.T) {
	env := newTestEnv(t)
	converter := currency.NewService(env.db)

	env.placeOrder(t, sellerAcc, types.SideSell, types.OrderTypeLimit, 95, 5)
	incoming := env.placeOrder(t, buyerAcc, types.SideBuy, types.OrderTypeMarket, 100, 5)

	// A concurrent writer advances wallet versions between the unit's read
	// and its guarded update, twice. The bump runs on the unit's own
	// connection, so the rollback caused by the conflict undoes it and the
	// third attempt sees clean state.
	injections := 2
	err := env.db.Callback().Update().Before("gorm:update").Register("test:wallet_contention", func(tx *gorm.DB) {
		if _, ok := tx.Statement.Model.(*types.Wallet); !ok {
			return
		}
		if injections == 0 {
			return
		}
		injections--
		_, execErr := tx.Statement.ConnPool.ExecContext(tx.Statement.Context,
			"UPDATE wallets SET version = version + 1")
		if execErr != nil {
			tx.AddError(execErr)
		}
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}

	executor := NewMarketExecutor(env.db, converter, env.books, DefaultMaxRetries)
	result, err := executor.Execute(context.Background(), incoming)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if injections != 0 {
		t.Fatalf("expected both conflicts injected, %d left", injections)
	}
	if result.Status != types.StatusFilled {
		t.Errorf("expected FILLED after retries, got %s", result.Status)
	}

	// Exactly one committed settlement despite three attempts
	if got := env.walletBalance(t, buyerAcc); !got.Equal(decimal.NewFromInt(9525)) {
		t.Errorf("expected buyer balance 9525, got %s", got)
	}
	if got := env.walletBalance(t, sellerAcc); !got.Equal(decimal.NewFromInt(10475)) {
		t.Errorf("expected seller balance 10475, got %s", got)
	}
	for _, account := range []string{buyerAcc, sellerAcc} {
		wallet, err := env.ledger.GetWallet(account, "USD")
		if err != nil {
			t.Fatalf("GetWallet: %v", err)
		}
		if wallet.Version != 1 {
			t.Errorf("expected %s wallet written exactly once, version %d", account, wallet.Version)
		}
	}
	if got := env.positionQuantity(t, buyerAcc); !got.Equal(decimal.NewFromInt(5)) {
		t.Errorf("expected buyer position 5, got %s", got)
	}
	if got := env.positionQuantity(t, sellerAcc); !got.Equal(decimal.NewFromInt(5)) {
		t.Errorf("expected seller position 5, got %s", got)
	}

	var txCount int64
	if err := env.db.Model(&types.Transaction{}).Count(&txCount).Error; err != nil {
		t.Fatalf("count transactions: %v", err)
	}
	if txCount != 2 {
		t.Errorf("expected one transaction per leg, got %d", txCount)
	}
}

func TestSettlementRetryBudgetExhausted(t *testing.T) {
	env := newTestEnv(t)
	converter := currency.NewService(env.db)

	env.placeOrder(t, sellerAcc, types.SideSell, types.OrderTypeLimit, 95, 5)
	incoming := env.placeOrder(t, buyerAcc, types.SideBuy, types.OrderTypeMarket, 100, 5)

	// Every attempt loses the race
	err := env.db.Callback().Update().Before("gorm:update").Register("test:wallet_contention", func(tx *gorm.DB) {
		if _, ok := tx.Statement.Model.(*types.Wallet); !ok {
			return
		}
		_, execErr := tx.Statement.ConnPool.ExecContext(tx.Statement.Context,
			"UPDATE wallets SET version = version + 1")
		if execErr != nil {
			tx.AddError(execErr)
		}
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}

	executor := NewMarketExecutor(env.db, converter, env.books, 3)
	if _, err := executor.Execute(context.Background(), incoming); !errors.Is(err, types.ErrRetryLimitExceeded) {
		t.Fatalf("expected ErrRetryLimitExceeded, got %v", err)
	}

	// Nothing committed: every attempt rolled back whole
	if got := env.walletBalance(t, buyerAcc); !got.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("expected buyer balance untouched, got %s", got)
	}
	if got := env.walletBalance(t, sellerAcc); !got.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("expected seller balance untouched, got %s", got)
	}
	if got := env.positionQuantity(t, sellerAcc); !got.Equal(decimal.NewFromInt(10)) {
		t.Errorf("expected seller position untouched, got %s", got)
	}

	var txCount int64
	if err := env.db.Model(&types.Transaction{}).Count(&txCount).Error; err != nil {
		t.Fatalf("count transactions: %v", err)
	}
	if txCount != 0 {
		t.Errorf("expected no transactions after rollback, got %d", txCount)
	}
}

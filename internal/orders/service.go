package orders

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tradeforge/exchange-api/internal/book"
	"github.com/tradeforge/exchange-api/internal/execution"
	"github.com/tradeforge/exchange-api/internal/ledger"
	"github.com/tradeforge/exchange-api/internal/notify"
	"github.com/tradeforge/exchange-api/internal/snapshot"
	"github.com/tradeforge/exchange-api/internal/types"
	"github.com/tradeforge/exchange-api/internal/workers"
)

// Service owns the order lifecycle: synchronous initialization and admission
// to the book, asynchronous fulfillment through the dispatcher, cancellation
// and reads.
type Service struct {
	db         *Database
	ledger     *ledger.Database
	books      *book.Registry
	dispatcher *execution.Dispatcher
	pool       *workers.Pool
	notifier   *notify.Notifier
	depthCache *snapshot.Cache // nil when redis is disabled
}

func NewService(gormDB *gorm.DB, books *book.Registry, dispatcher *execution.Dispatcher, pool *workers.Pool, notifier *notify.Notifier, depthCache *snapshot.Cache) *Service {
	return &Service{
		db:         NewDatabase(gormDB),
		ledger:     ledger.NewDatabase(gormDB),
		books:      books,
		dispatcher: dispatcher,
		pool:       pool,
		notifier:   notifier,
		depthCache: depthCache,
	}
}

var supportedOrderTypes = map[string]bool{
	types.OrderTypeMarket: true,
	types.OrderTypeLimit:  true,
	types.OrderTypeStop:   true,
}

// Initialize validates the request against the account's funds or assets,
// persists the order with its first status entry, inserts it into the
// market's book and hands fulfillment to the worker pool. Validation failures
// happen before anything is persisted.
func (s *Service) Initialize(ctx context.Context, req *CreateOrderRequest) (*types.Order, error) {
	side := types.Side(strings.ToUpper(req.Side))
	if side != types.SideBuy && side != types.SideSell {
		return nil, types.Validationf("invalid order side: %s", req.Side)
	}

	orderType := strings.ToUpper(req.OrderType)
	if !supportedOrderTypes[orderType] {
		return nil, types.Validationf("unknown order type: %s", req.OrderType)
	}

	if !req.Price.IsPositive() {
		return nil, types.Validationf("price must be positive")
	}
	if !req.Quantity.IsPositive() {
		return nil, types.Validationf("quantity must be positive")
	}

	b, err := s.books.ForMarket(req.MarketCode)
	if err != nil {
		return nil, err
	}

	instrument, err := s.db.GetInstrument(req.MarketCode, req.ISIN)
	if err != nil {
		return nil, err
	}
	if instrument == nil {
		return nil, types.NotFoundf("instrument %s not listed on market %s", req.ISIN, req.MarketCode)
	}

	switch side {
	case types.SideBuy:
		wallet, err := s.ledger.GetWallet(req.AccountNumber, req.CurrencyCode)
		if err != nil {
			return nil, err
		}
		cost := req.Price.Mul(req.Quantity)
		if wallet.Balance.LessThan(cost) {
			return nil, types.Validationf("insufficient funds: balance %s, required %s %s",
				wallet.Balance, cost, req.CurrencyCode)
		}
	case types.SideSell:
		held, err := s.ledger.PositionQuantity(req.AccountNumber, req.ISIN)
		if err != nil {
			return nil, err
		}
		if held.LessThan(req.Quantity) {
			return nil, types.Validationf("insufficient assets: held %s, required %s of %s",
				held, req.Quantity, req.ISIN)
		}
	}

	order := &types.Order{
		OrderID:           uuid.New().String(),
		AccountNumber:     req.AccountNumber,
		MarketCode:        req.MarketCode,
		ISIN:              req.ISIN,
		Side:              side,
		OrderType:         orderType,
		CurrencyCode:      req.CurrencyCode,
		Price:             req.Price,
		Quantity:          req.Quantity,
		RemainingQuantity: req.Quantity,
		Status:            types.StatusOpen,
		CallbackURL:       req.CallbackURL,
		PlacedAt:          time.Now(),
	}

	if err := s.db.CreateOrderWithStatus(order); err != nil {
		return nil, err
	}

	if err := b.Add(order); err != nil {
		return nil, err
	}
	s.refreshDepth(ctx, b)

	s.pool.Submit(func() {
		s.fulfill(context.Background(), order)
	})

	return order, nil
}

// fulfill drives one order through its executor and publishes the outcome.
func (s *Service) fulfill(ctx context.Context, order *types.Order) {
	logger := log.With().
		Str("component", "orders").
		Str("order_id", order.OrderID).
		Logger()

	result, err := s.dispatcher.ExecuteOrder(ctx, order)
	if err != nil {
		logger.Error().Err(err).Msg("order fulfillment failed")
		return
	}

	if b, err := s.books.ForMarket(result.MarketCode); err == nil {
		s.refreshDepth(ctx, b)
	}
	s.notifier.OrderUpdated(result)

	logger.Info().
		Str("status", string(result.Status)).
		Str("filled", result.FilledQuantity.String()).
		Msg("order fulfillment finished")
}

// Execute re-drives fulfillment for an existing order, synchronously. Used by
// the internal execution endpoint to recover orders whose asynchronous run
// was interrupted.
func (s *Service) Execute(ctx context.Context, orderID string) (*types.Order, error) {
	order, err := s.db.GetOrderByOrderID(orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, types.NotFoundf("order %s not found", orderID)
	}
	if order.Status.Terminal() {
		return nil, types.Validationf("order %s is already %s", orderID, order.Status)
	}

	result, err := s.dispatcher.ExecuteOrder(ctx, order)
	if err != nil {
		return nil, err
	}

	if b, err := s.books.ForMarket(result.MarketCode); err == nil {
		s.refreshDepth(ctx, b)
	}
	s.notifier.OrderUpdated(result)
	return result, nil
}

// GetOrder returns the order and its status history.
func (s *Service) GetOrder(orderID string) (*OrderDetails, error) {
	order, err := s.db.GetOrderByOrderID(orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, types.NotFoundf("order %s not found", orderID)
	}

	history, err := s.db.GetStatusHistory(orderID)
	if err != nil {
		return nil, err
	}
	return &OrderDetails{Order: order, History: history}, nil
}

// cancelAttempts bounds retries when a cancel races a concurrent fill.
const cancelAttempts = 3

// Cancel marks the order CANCELLED and removes it from its book. Terminal
// orders cannot be cancelled. A cancel racing a fill re-reads and retries; if
// the fill completed first the re-read fails on the terminal check.
func (s *Service) Cancel(ctx context.Context, orderID string) (*types.Order, error) {
	var order *types.Order
	for attempt := 1; ; attempt++ {
		var err error
		order, err = s.db.GetOrderByOrderID(orderID)
		if err != nil {
			return nil, err
		}
		if order == nil {
			return nil, types.NotFoundf("order %s not found", orderID)
		}
		if order.Status.Terminal() {
			return nil, types.Validationf("order %s is already %s", orderID, order.Status)
		}

		err = s.db.CancelOrder(order)
		if err == nil {
			break
		}
		if !errors.Is(err, types.ErrConflict) || attempt >= cancelAttempts {
			return nil, err
		}
		log.Warn().
			Str("component", "orders").
			Str("order_id", orderID).
			Int("attempt", attempt).
			Msg("cancel lost a version race, retrying")
	}

	if b, err := s.books.ForMarket(order.MarketCode); err == nil {
		if _, err := b.Remove(order.ID); err != nil && !errors.Is(err, types.ErrNotFound) {
			return nil, err
		}
		s.refreshDepth(ctx, b)
	}

	s.notifier.OrderUpdated(order)
	return order, nil
}

// Depth returns the market's depth snapshot, preferring the redis cache when
// it is configured and warm.
func (s *Service) Depth(ctx context.Context, market string) (*book.Depth, error) {
	b, err := s.books.ForMarket(market)
	if err != nil {
		return nil, err
	}

	if s.depthCache != nil {
		cached, err := s.depthCache.GetDepth(ctx, market)
		if err != nil {
			log.Warn().Err(err).Str("component", "orders").Str("market", market).
				Msg("depth cache read failed, falling back to live book")
		} else if cached != nil {
			return cached, nil
		}
	}

	depth := b.Snapshot()
	if s.depthCache != nil {
		if err := s.depthCache.SetDepth(ctx, depth); err != nil {
			log.Warn().Err(err).Str("component", "orders").Str("market", market).
				Msg("depth cache write failed")
		}
	}
	return depth, nil
}

// WarmLoad inserts every persisted OPEN or PARTIALLY_FILLED order into its
// market's book. Orders for markets the server no longer carries are logged
// and skipped.
func (s *Service) WarmLoad(ctx context.Context) error {
	open, err := s.db.OpenOrders()
	if err != nil {
		return err
	}

	logger := log.With().Str("component", "orders").Logger()
	loaded := 0
	for _, order := range open {
		b, err := s.books.ForMarket(order.MarketCode)
		if err != nil {
			logger.Warn().
				Str("order_id", order.OrderID).
				Str("market", order.MarketCode).
				Msg("skipping open order for unknown market")
			continue
		}
		if err := b.Add(order); err != nil {
			return err
		}
		loaded++
	}

	for _, market := range s.books.Markets() {
		if b, err := s.books.ForMarket(market); err == nil {
			s.refreshDepth(ctx, b)
		}
	}

	logger.Info().Int("orders", loaded).Msg("order books warmed from store")
	return nil
}

func (s *Service) refreshDepth(ctx context.Context, b *book.Book) {
	if s.depthCache == nil {
		return
	}
	s.depthCache.Refresh(ctx, b)
}

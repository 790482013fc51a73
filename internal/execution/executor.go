package execution

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/tradeforge/exchange-api/internal/book"
	"github.com/tradeforge/exchange-api/internal/currency"
	"github.com/tradeforge/exchange-api/internal/ledger"
	"github.com/tradeforge/exchange-api/internal/types"
	"gorm.io/gorm"
)

// DefaultMaxRetries is the per-settlement-unit attempt budget when the
// configuration does not override it.
const DefaultMaxRetries = 5

// Executor fulfills one newly placed order against resting counter-orders.
// Implementations differ only in their price-crossing condition.
type Executor interface {
	Execute(ctx context.Context, order *types.Order) (*types.Order, error)
}

// errNothingToSettle signals that a candidate had no quantity left by the
// time the settlement transaction re-read it. The unit is skipped, not failed.
var errNothingToSettle = errors.New("nothing to settle")

// baseExecutor carries the shared matching loop and the settlement unit; the
// order-type variants wrap it with their crossing condition.
type baseExecutor struct {
	db         *gorm.DB
	orders     *Database
	ledger     *ledger.Database
	converter  *currency.Service
	books      *book.Registry
	maxRetries int
}

func newBaseExecutor(db *gorm.DB, converter *currency.Service, books *book.Registry, maxRetries int) *baseExecutor {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &baseExecutor{
		db:         db,
		orders:     NewDatabase(db),
		ledger:     ledger.NewDatabase(db),
		converter:  converter,
		books:      books,
		maxRetries: maxRetries,
	}
}

// fulfill runs the shared algorithm: candidates from the book (store
// fallback), then one settlement unit per crossing candidate until the
// incoming order has no remaining quantity. Committed units stay committed
// even when a later unit exhausts its retry budget.
func (e *baseExecutor) fulfill(ctx context.Context, order *types.Order, crosses func(incoming, candidate *types.Order) bool) (*types.Order, error) {
	logger := log.With().
		Str("order_id", order.OrderID).
		Str("market", order.MarketCode).
		Str("component", "executor").
		Logger()

	candidates, err := e.findCandidates(order)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		logger.Info().Msg("no matching orders found, order stays open")
		return order, nil
	}

	logger.Info().Int("candidates", len(candidates)).Msg("matching candidates found")

	remaining := order.RemainingQuantity
	for _, candidate := range candidates {
		if remaining.Sign() <= 0 {
			break
		}
		if crosses != nil && !crosses(order, candidate) {
			continue
		}

		candidateID := candidate.ID
		var unit *settledUnit
		err := WithRetries(e.maxRetries, func() error {
			var settleErr error
			unit, settleErr = e.settle(ctx, order.ID, candidateID)
			return settleErr
		})
		if errors.Is(err, errNothingToSettle) {
			continue
		}
		if err != nil {
			// Already-settled units remain committed; matching for this
			// order stops here.
			logger.Error().Err(err).Uint("candidate_id", candidateID).Msg("settlement unit failed")
			return order, err
		}

		e.applyToBook(unit)
		e.writeBack(order, unit.incoming)
		remaining = unit.incoming.RemainingQuantity

		logger.Info().
			Uint("candidate_id", candidateID).
			Str("matched", unit.matched.String()).
			Str("remaining", remaining.String()).
			Msg("settlement unit committed")
	}

	return order, nil
}

// writeBack copies the committed outcome onto the caller's order. The struct
// is shared with the market book and with matching results held by other
// executors, so the copy happens under the book's side lock.
func (e *baseExecutor) writeBack(order, committed *types.Order) {
	marketBook, err := e.books.ForMarket(order.MarketCode)
	if err != nil {
		order.FilledQuantity = committed.FilledQuantity
		order.RemainingQuantity = committed.RemainingQuantity
		order.Status = committed.Status
		return
	}
	marketBook.Apply(order, committed.FilledQuantity, committed.RemainingQuantity, committed.Status)
}

// findCandidates asks the book first and falls back to the persistent store
// with equivalent filter semantics.
func (e *baseExecutor) findCandidates(order *types.Order) ([]*types.Order, error) {
	marketBook, err := e.books.ForMarket(order.MarketCode)
	if err != nil {
		return nil, err
	}

	candidates, err := marketBook.Matching(order.Price, order.ISIN, order.Side, order.OrderType)
	if err != nil {
		return nil, err
	}
	if len(candidates) > 0 {
		return candidates, nil
	}
	return e.orders.FindMatching(order)
}

// settledUnit is the committed outcome of one settlement unit.
type settledUnit struct {
	incoming  *types.Order
	candidate *types.Order
	matched   decimal.Decimal
}

// settle runs one settlement unit as a single transaction: fresh reads of
// both orders, funds moved between wallets, assets between positions, both
// orders' quantities advanced under their version tokens, a status entry and
// a transaction row per leg. Either everything commits or nothing does; a
// version conflict rolls the whole unit back for the caller to retry.
func (e *baseExecutor) settle(ctx context.Context, incomingID, candidateID uint) (*settledUnit, error) {
	var unit *settledUnit
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		orders := e.orders.WithTx(tx)
		wallets := e.ledger.WithTx(tx)
		converter := e.converter.WithTx(tx)

		incoming, err := orders.GetOrder(incomingID)
		if err != nil {
			return err
		}
		candidate, err := orders.GetOrder(candidateID)
		if err != nil {
			return err
		}
		if incoming.Status.Terminal() || candidate.Status.Terminal() {
			return errNothingToSettle
		}

		matched := decimal.Min(incoming.RemainingQuantity, candidate.RemainingQuantity)
		if matched.Sign() <= 0 {
			return errNothingToSettle
		}

		buyer, seller := incoming, candidate
		if incoming.Side == types.SideSell {
			buyer, seller = candidate, incoming
		}

		// The resting seller's price is authoritative for the traded price.
		cost := seller.Price.Mul(matched)

		instrument, err := orders.GetInstrument(incoming.MarketCode, incoming.ISIN)
		if err != nil {
			return err
		}

		buyerWallet, err := wallets.GetWallet(buyer.AccountNumber, buyer.CurrencyCode)
		if err != nil {
			return err
		}
		sellerWallet, err := wallets.GetWallet(seller.AccountNumber, seller.CurrencyCode)
		if err != nil {
			return err
		}

		buyerCost, err := converter.Convert(cost, instrument.CurrencyCode, buyerWallet.CurrencyCode)
		if err != nil {
			return err
		}
		sellerProceeds, err := converter.Convert(cost, instrument.CurrencyCode, sellerWallet.CurrencyCode)
		if err != nil {
			return err
		}

		// A self-trade debits and credits the same wallet; the legs net to
		// zero, so no balance moves.
		if buyerWallet.ID != sellerWallet.ID {
			if err := wallets.AdjustBalance(buyerWallet, buyerCost.Neg()); err != nil {
				return err
			}
			if err := wallets.AdjustBalance(sellerWallet, sellerProceeds); err != nil {
				return err
			}
		}
		if err := wallets.AdjustPosition(buyer.AccountNumber, incoming.ISIN, matched); err != nil {
			return err
		}
		if err := wallets.AdjustPosition(seller.AccountNumber, incoming.ISIN, matched.Neg()); err != nil {
			return err
		}

		if err := orders.ApplyFill(incoming, matched); err != nil {
			return err
		}
		if err := orders.ApplyFill(candidate, matched); err != nil {
			return err
		}

		if err := orders.CreateTransaction(buyer, buyerWallet, seller.Price, matched); err != nil {
			return err
		}
		if err := orders.CreateTransaction(seller, sellerWallet, seller.Price, matched); err != nil {
			return err
		}

		unit = &settledUnit{incoming: incoming, candidate: candidate, matched: matched}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return unit, nil
}

// applyToBook syncs the committed quantities back into the in-memory book:
// filled orders leave the book, partial fills keep their live remaining
// amount visible to later matches.
func (e *baseExecutor) applyToBook(unit *settledUnit) {
	marketBook, err := e.books.ForMarket(unit.incoming.MarketCode)
	if err != nil {
		return
	}
	for _, order := range []*types.Order{unit.incoming, unit.candidate} {
		if order.Status == types.StatusFilled {
			if _, err := marketBook.Remove(order.ID); err != nil && !errors.Is(err, types.ErrNotFound) {
				log.Error().Err(err).Uint("id", order.ID).Msg("failed to remove filled order from book")
			}
			continue
		}
		marketBook.UpdateQuantities(order.ID, order.FilledQuantity, order.RemainingQuantity, order.Status)
	}
}

// wrapProcessing tags unexpected fulfillment failures so callers can tell
// them apart from validation and retry outcomes.
func wrapProcessing(err error) error {
	if err == nil ||
		errors.Is(err, types.ErrRetryLimitExceeded) ||
		errors.Is(err, types.ErrValidation) ||
		errors.Is(err, types.ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %v", types.ErrProcessing, err)
}

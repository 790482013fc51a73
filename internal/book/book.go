package book

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/tradeforge/exchange-api/internal/types"
)

// Book is the in-memory index of resting OPEN and PARTIALLY_FILLED orders for
// one market. Each side maps ISIN -> price-ordered levels (bids descending,
// asks ascending) -> FIFO list of orders at that price, plus a flat id lookup.
//
// Each side carries its own mutex; a mutation holds the owning side's lock for
// the full read-modify-write, and matching takes the lock of the side being
// read. Books for different markets share nothing, so markets stay fully
// parallel.
type Book struct {
	market string

	bids *bookSide
	asks *bookSide

	mu     sync.RWMutex
	orders map[uint]*types.Order
}

type priceLevel struct {
	price  decimal.Decimal
	orders []*types.Order
}

type bookSide struct {
	mu sync.Mutex
	// ISIN -> levels sorted best price first.
	levels     map[string][]*priceLevel
	descending bool
}

// New creates an empty book for the given market code.
func New(market string) *Book {
	return &Book{
		market: market,
		bids:   &bookSide{levels: make(map[string][]*priceLevel), descending: true},
		asks:   &bookSide{levels: make(map[string][]*priceLevel)},
		orders: make(map[uint]*types.Order),
	}
}

// Market returns the market code this book serves.
func (b *Book) Market() string {
	return b.market
}

// Add inserts an order into its side/ISIN/price bucket. Inserting an id that
// is already present is a silent no-op, which makes retried inserts safe.
func (b *Book) Add(order *types.Order) error {
	if err := b.validate(order); err != nil {
		return err
	}

	b.mu.Lock()
	if _, exists := b.orders[order.ID]; exists {
		b.mu.Unlock()
		log.Debug().
			Uint("id", order.ID).
			Str("market", b.market).
			Msg("order already in book, skipping insert")
		return nil
	}
	b.orders[order.ID] = order
	b.mu.Unlock()

	side := b.side(order.Side)
	side.mu.Lock()
	side.insert(order)
	side.mu.Unlock()

	log.Debug().
		Uint("id", order.ID).
		Str("market", b.market).
		Str("isin", order.ISIN).
		Str("side", string(order.Side)).
		Int("book_size", b.Size()).
		Msg("order added to book")
	return nil
}

// Remove deletes and returns the order with the given id, or ErrNotFound.
// Emptied price levels and ISIN entries are pruned.
func (b *Book) Remove(id uint) (*types.Order, error) {
	b.mu.Lock()
	order, ok := b.orders[id]
	if !ok {
		b.mu.Unlock()
		return nil, types.NotFoundf("order %d not in book for market %s", id, b.market)
	}
	delete(b.orders, id)
	b.mu.Unlock()

	side := b.side(order.Side)
	side.mu.Lock()
	side.remove(order)
	side.mu.Unlock()

	return order, nil
}

// Matching returns candidate counter-orders on the opposite side for the given
// ISIN, best price first, FIFO within a price level.
//
// MARKET orders take the whole opposite side with no price bound: a market buy
// consumes asks from the best price up, a market sell consumes bids from the
// best price down. LIMIT orders bound the range by the limit price: a buy
// matches asks priced at or below it, a sell matches bids priced at or above
// it. Any other order type is a validation error.
func (b *Book) Matching(price decimal.Decimal, isin string, side types.Side, orderType string) ([]*types.Order, error) {
	opposite := b.matchingSide(side)

	opposite.mu.Lock()
	defer opposite.mu.Unlock()

	levels, ok := opposite.levels[isin]
	if !ok {
		return nil, nil
	}

	var matched []*types.Order
	switch orderType {
	case types.OrderTypeMarket:
		for _, level := range levels {
			matched = append(matched, level.orders...)
		}
	case types.OrderTypeLimit:
		for _, level := range levels {
			if side == types.SideBuy && level.price.GreaterThan(price) {
				break
			}
			if side == types.SideSell && level.price.LessThan(price) {
				break
			}
			matched = append(matched, level.orders...)
		}
	default:
		return nil, types.Validationf("unsupported order type: %s", orderType)
	}

	return matched, nil
}

// Get returns the order with the given id, if resting in the book.
func (b *Book) Get(id uint) (*types.Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	order, ok := b.orders[id]
	return order, ok
}

// UpdateQuantities writes post-settlement quantities back onto the resting
// copy so later matches see the live remaining amount. Unknown ids are
// ignored; the order may have been removed by a concurrent fill.
func (b *Book) UpdateQuantities(id uint, filled, remaining decimal.Decimal, status types.Status) {
	b.mu.RLock()
	order, ok := b.orders[id]
	b.mu.RUnlock()
	if !ok {
		return
	}
	b.Apply(order, filled, remaining, status)
}

// Apply copies committed quantities and status onto the order struct under
// its side's lock. Unlike UpdateQuantities it does not require the order to
// still rest in the book: a just-filled order has left the levels, but its
// struct may still be held by earlier matching results and depth reads.
func (b *Book) Apply(order *types.Order, filled, remaining decimal.Decimal, status types.Status) {
	side := b.side(order.Side)
	side.mu.Lock()
	order.FilledQuantity = filled
	order.RemainingQuantity = remaining
	order.Status = status
	side.mu.Unlock()
}

// Size returns the number of resting orders.
func (b *Book) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.orders)
}

// Clear drops every resting order. Administrative operation.
func (b *Book) Clear() {
	b.bids.mu.Lock()
	b.bids.levels = make(map[string][]*priceLevel)
	b.bids.mu.Unlock()

	b.asks.mu.Lock()
	b.asks.levels = make(map[string][]*priceLevel)
	b.asks.mu.Unlock()

	b.mu.Lock()
	b.orders = make(map[uint]*types.Order)
	b.mu.Unlock()

	log.Info().Str("market", b.market).Msg("order book cleared")
}

func (b *Book) side(s types.Side) *bookSide {
	if s == types.SideBuy {
		return b.bids
	}
	return b.asks
}

func (b *Book) matchingSide(s types.Side) *bookSide {
	if s == types.SideBuy {
		return b.asks
	}
	return b.bids
}

func (b *Book) validate(order *types.Order) error {
	if order == nil {
		return types.Validationf("order cannot be nil")
	}
	if order.ID == 0 {
		return types.Validationf("invalid order id: %d", order.ID)
	}
	if order.Price.Sign() <= 0 {
		return types.Validationf("invalid order price: %s", order.Price)
	}
	if order.Quantity.Sign() <= 0 && order.RemainingQuantity.Sign() <= 0 {
		return types.Validationf("invalid order quantity: %s", order.Quantity)
	}
	if order.MarketCode != b.market {
		return types.Validationf("invalid market code for order: %s, expected: %s", order.MarketCode, b.market)
	}
	return nil
}

// insert places the order at its price level, creating the level when absent.
// Caller holds the side lock.
func (s *bookSide) insert(order *types.Order) {
	levels := s.levels[order.ISIN]
	idx := sort.Search(len(levels), func(i int) bool {
		if s.descending {
			return !levels[i].price.GreaterThan(order.Price)
		}
		return !levels[i].price.LessThan(order.Price)
	})

	if idx < len(levels) && levels[idx].price.Equal(order.Price) {
		levels[idx].orders = append(levels[idx].orders, order)
		return
	}

	level := &priceLevel{price: order.Price, orders: []*types.Order{order}}
	levels = append(levels, nil)
	copy(levels[idx+1:], levels[idx:])
	levels[idx] = level
	s.levels[order.ISIN] = levels
}

// remove drops the order from its price level, pruning the level and ISIN
// entry when emptied. Caller holds the side lock.
func (s *bookSide) remove(order *types.Order) {
	levels := s.levels[order.ISIN]
	for li, level := range levels {
		if !level.price.Equal(order.Price) {
			continue
		}
		for oi, o := range level.orders {
			if o.ID != order.ID {
				continue
			}
			level.orders = append(level.orders[:oi], level.orders[oi+1:]...)
			if len(level.orders) == 0 {
				levels = append(levels[:li], levels[li+1:]...)
			}
			if len(levels) == 0 {
				delete(s.levels, order.ISIN)
			} else {
				s.levels[order.ISIN] = levels
			}
			return
		}
	}
}

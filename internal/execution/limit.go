package execution

import (
	"context"

	"github.com/tradeforge/exchange-api/internal/book"
	"github.com/tradeforge/exchange-api/internal/currency"
	"github.com/tradeforge/exchange-api/internal/types"
	"gorm.io/gorm"
)

// LimitExecutor fills only at the limit price or better: a buy crosses
// candidates asking at or below its limit, a sell crosses bids at or above
// it. Quantity left after the eligible candidates are exhausted stays resting
// in the book for future incoming orders to match against.
type LimitExecutor struct {
	*baseExecutor
}

func NewLimitExecutor(db *gorm.DB, converter *currency.Service, books *book.Registry, maxRetries int) *LimitExecutor {
	return &LimitExecutor{baseExecutor: newBaseExecutor(db, converter, books, maxRetries)}
}

func (e *LimitExecutor) Execute(ctx context.Context, order *types.Order) (*types.Order, error) {
	fulfilled, err := e.fulfill(ctx, order, limitCrosses)
	return fulfilled, wrapProcessing(err)
}

func limitCrosses(incoming, candidate *types.Order) bool {
	if incoming.Side == types.SideBuy {
		return candidate.Price.LessThanOrEqual(incoming.Price)
	}
	return candidate.Price.GreaterThanOrEqual(incoming.Price)
}

package execution

import (
	"context"

	"github.com/tradeforge/exchange-api/internal/book"
	"github.com/tradeforge/exchange-api/internal/currency"
	"github.com/tradeforge/exchange-api/internal/types"
	"gorm.io/gorm"
)

// MarketExecutor fills immediately at the best available resting prices, with
// no price condition beyond the candidate filter: it consumes liquidity until
// the incoming quantity is exhausted or the book runs out.
type MarketExecutor struct {
	*baseExecutor
}

func NewMarketExecutor(db *gorm.DB, converter *currency.Service, books *book.Registry, maxRetries int) *MarketExecutor {
	return &MarketExecutor{baseExecutor: newBaseExecutor(db, converter, books, maxRetries)}
}

func (e *MarketExecutor) Execute(ctx context.Context, order *types.Order) (*types.Order, error) {
	fulfilled, err := e.fulfill(ctx, order, nil)
	return fulfilled, wrapProcessing(err)
}

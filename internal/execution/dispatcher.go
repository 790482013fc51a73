package execution

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"github.com/tradeforge/exchange-api/internal/book"
	"github.com/tradeforge/exchange-api/internal/currency"
	"github.com/tradeforge/exchange-api/internal/types"
)

// Dispatcher routes an order to the executor registered for its type.
type Dispatcher struct {
	executors map[string]Executor
}

// NewDispatcher builds a dispatcher with the standard executor set wired
// against the given storage, converter and book registry.
func NewDispatcher(db *gorm.DB, converter *currency.Service, books *book.Registry, maxRetries int) *Dispatcher {
	return &Dispatcher{
		executors: map[string]Executor{
			"market": NewMarketExecutor(db, converter, books, maxRetries),
			"limit":  NewLimitExecutor(db, converter, books, maxRetries),
			"stop":   NewStopExecutor(),
		},
	}
}

// ExecuteOrder delegates to the executor matching the order's type. Order
// types are matched case-insensitively.
func (d *Dispatcher) ExecuteOrder(ctx context.Context, order *types.Order) (*types.Order, error) {
	executor, ok := d.executors[strings.ToLower(order.OrderType)]
	if !ok {
		return nil, types.Validationf("unknown order type: %s", order.OrderType)
	}
	return executor.Execute(ctx, order)
}

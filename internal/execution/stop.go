package execution

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/tradeforge/exchange-api/internal/types"
)

// StopExecutor is the extension point for stop orders: once the market price
// reaches the stop price the order should execute market-style. Trigger
// evaluation needs a market price feed that does not exist yet, so a stop
// order is left resting untouched rather than guessing at trigger semantics.
type StopExecutor struct{}

func NewStopExecutor() *StopExecutor {
	return &StopExecutor{}
}

func (e *StopExecutor) Execute(ctx context.Context, order *types.Order) (*types.Order, error) {
	log.Info().
		Str("order_id", order.OrderID).
		Str("component", "executor").
		Msg("stop trigger evaluation pending market data support, order stays open")
	return order, nil
}

var (
	_ Executor = (*StopExecutor)(nil)
	_ Executor = (*MarketExecutor)(nil)
	_ Executor = (*LimitExecutor)(nil)
)

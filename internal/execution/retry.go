package execution

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/tradeforge/exchange-api/internal/types"
)

// WithRetries runs a unit of work up to the given attempt budget, retrying
// only on optimistic conflicts. Each retry re-runs the whole unit, so the
// unit must re-read its inputs rather than reapply a stale delta. Exhausting
// the budget wraps the last conflict in ErrRetryLimitExceeded; any
// non-conflict error propagates immediately.
func WithRetries(attempts int, unit func() error) error {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = unit()
		if err == nil {
			return nil
		}
		if !errors.Is(err, types.ErrConflict) {
			return err
		}
		log.Warn().
			Int("attempt", attempt).
			Int("remaining", attempts-attempt).
			Msg("optimistic conflict, retrying settlement unit")
	}
	return fmt.Errorf("%w after %d attempts: %v", types.ErrRetryLimitExceeded, attempts, err)
}

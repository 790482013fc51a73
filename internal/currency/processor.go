package currency

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/tradeforge/exchange-api/internal/types"
)

type Processor struct {
	db           *Database
	processDelay time.Duration // Time between rate maintenance passes
}

func NewProcessor(db *Database) *Processor {
	return &Processor{
		db:           db,
		processDelay: 5 * time.Minute,
	}
}

// Start begins the rate maintenance loop
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "rate_processor").Logger()
	logger.Info().Msg("starting exchange rate processor")

	// One pass up front so conversion sees inverse edges immediately
	if err := p.deriveInverseRates(); err != nil {
		logger.Error().Err(err).Msg("failed to derive inverse rates")
	}

	ticker := time.NewTicker(p.processDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down exchange rate processor")
			return
		case <-ticker.C:
			if err := p.deriveInverseRates(); err != nil {
				logger.Error().Err(err).Msg("failed to derive inverse rates")
			}
		}
	}
}

// deriveInverseRates fills in B -> A for every quoted A -> B that has no
// reverse edge, so conversion can route pairs that are only quoted one way.
// Quoted rates are never overwritten.
func (p *Processor) deriveInverseRates() error {
	logger := log.With().Str("component", "rate_processor").Logger()

	rates, err := p.db.AllRates()
	if err != nil {
		return err
	}

	quoted := make(map[string]bool, len(rates))
	for _, r := range rates {
		quoted[r.SourceCurrency+"/"+r.TargetCurrency] = true
	}

	derived := 0
	for _, r := range rates {
		if r.Rate.IsZero() || quoted[r.TargetCurrency+"/"+r.SourceCurrency] {
			continue
		}

		inverse := types.ExchangeRate{
			SourceCurrency: r.TargetCurrency,
			TargetCurrency: r.SourceCurrency,
			Rate:           decimal.NewFromInt(1).DivRound(r.Rate, maxTrailingDigits),
		}
		if err := p.db.UpsertRate(&inverse); err != nil {
			return err
		}
		quoted[inverse.SourceCurrency+"/"+inverse.TargetCurrency] = true
		derived++
	}

	if derived > 0 {
		logger.Info().Int("derived", derived).Msg("derived inverse exchange rates")
	}
	return nil
}

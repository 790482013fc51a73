package currency

import (
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/tradeforge/exchange-api/internal/types"
	"gorm.io/gorm"
)

// baseCurrencies are the reference currencies tried, in order, when no direct
// rate exists for a pair.
var baseCurrencies = []string{"USD", "EUR"}

// Service converts amounts between currencies using the persisted directed
// rate table, routing through base currencies when no direct edge exists.
type Service struct {
	db *Database
}

func NewService(gormDB *gorm.DB) *Service {
	return &Service{db: NewDatabase(gormDB)}
}

// WithTx returns a Service reading rates through an open transaction, so a
// settlement unit's conversions run on the same connection as its writes.
func (s *Service) WithTx(tx *gorm.DB) *Service {
	return &Service{db: s.db.WithTx(tx)}
}

// Convert turns amount in the source currency into the target currency.
//
// Resolution order: direct rate; then a two-leg route through a shared base
// currency; then a three-leg route when the two legs resolve to different
// bases; then a shared counter-currency both sides quote against. Every
// multiplication and division result is rounded half-up at its computed scale.
// No route at all is a NotFound.
func (s *Service) Convert(amount decimal.Decimal, source, target string) (decimal.Decimal, error) {
	if source == target {
		return amount, nil
	}

	direct, err := s.db.GetRate(source, target)
	if err != nil {
		return decimal.Zero, err
	}
	if direct != nil {
		log.Debug().
			Str("source", source).
			Str("target", target).
			Str("rate", direct.Rate.String()).
			Msg("direct exchange rate found")
		return roundToScale(amount.Mul(direct.Rate)), nil
	}

	log.Debug().
		Str("source", source).
		Str("target", target).
		Msg("no direct exchange rate, routing through base currencies")
	return s.convertWithBase(amount, source, target)
}

// convertWithBase routes source -> base -> target. The source leg is the
// first of source->USD, source->EUR; the target leg the first of USD->target,
// EUR->target. Matching bases compose two legs; mismatched bases insert the
// base1 -> base2 rate in between.
func (s *Service) convertWithBase(amount decimal.Decimal, source, target string) (decimal.Decimal, error) {
	sourceToBase, err := s.baseLeg(source, true)
	if err != nil {
		return decimal.Zero, err
	}
	baseToTarget, err := s.baseLeg(target, false)
	if err != nil {
		return decimal.Zero, err
	}
	if sourceToBase == nil || baseToTarget == nil {
		// Neither base is quoted against this pair; a counter-currency both
		// sides quote against may still connect them.
		return s.convertWithCounter(amount, source, target)
	}

	baseAmount := amount.DivRound(sourceToBase.Rate, int32(Scale(amount)))

	if sourceToBase.TargetCurrency == baseToTarget.SourceCurrency {
		converted := roundToScale(baseAmount.Mul(baseToTarget.Rate))
		log.Debug().
			Str("source", source).
			Str("target", target).
			Str("base", sourceToBase.TargetCurrency).
			Str("converted", converted.String()).
			Msg("converted through shared base currency")
		return converted, nil
	}

	return s.convertWithIntermediateBase(baseAmount, sourceToBase, baseToTarget)
}

// convertWithIntermediateBase handles legs resolving to different bases:
// source -> base1 -> base2 -> target.
func (s *Service) convertWithIntermediateBase(baseAmount decimal.Decimal, sourceToBase, baseToTarget *types.ExchangeRate) (decimal.Decimal, error) {
	intermediate, err := s.db.GetRate(sourceToBase.TargetCurrency, baseToTarget.SourceCurrency)
	if err != nil {
		return decimal.Zero, err
	}
	if intermediate == nil {
		return decimal.Zero, types.NotFoundf("exchange rate not found for currency pair [%s -> %s]",
			sourceToBase.TargetCurrency, baseToTarget.SourceCurrency)
	}

	intermediateAmount := roundToScale(baseAmount.Mul(intermediate.Rate))
	converted := roundToScale(intermediateAmount.Mul(baseToTarget.Rate))
	log.Debug().
		Str("base1", sourceToBase.TargetCurrency).
		Str("base2", baseToTarget.SourceCurrency).
		Str("converted", converted.String()).
		Msg("converted through intermediate base")
	return converted, nil
}

// convertWithCounter finds a currency both source and target quote against
// (source -> C and target -> C) and computes amount * rate(source->C) /
// rate(target->C).
func (s *Service) convertWithCounter(amount decimal.Decimal, source, target string) (decimal.Decimal, error) {
	sourceRates, err := s.db.RatesFrom(source)
	if err != nil {
		return decimal.Zero, err
	}
	for _, sourceRate := range sourceRates {
		targetRate, err := s.db.GetRate(target, sourceRate.TargetCurrency)
		if err != nil {
			return decimal.Zero, err
		}
		if targetRate == nil {
			continue
		}
		counterAmount := amount.Mul(sourceRate.Rate)
		converted := roundToScale(counterAmount.DivRound(targetRate.Rate, maxTrailingDigits))
		log.Debug().
			Str("source", source).
			Str("target", target).
			Str("counter", sourceRate.TargetCurrency).
			Str("converted", converted.String()).
			Msg("converted through shared counter currency")
		return converted, nil
	}
	return decimal.Zero, types.NotFoundf("exchange rate not found for currency pair [%s -> %s]", source, target)
}

// baseLeg finds the first base-currency rate for a currency: the source side
// looks for currency -> base, the target side for base -> currency. A missing
// leg returns (nil, nil); routing falls through to the counter-currency path.
func (s *Service) baseLeg(code string, fromCurrency bool) (*types.ExchangeRate, error) {
	for _, base := range baseCurrencies {
		var (
			rate *types.ExchangeRate
			err  error
		)
		if fromCurrency {
			rate, err = s.db.GetRate(code, base)
		} else {
			rate, err = s.db.GetRate(base, code)
		}
		if err != nil {
			return nil, err
		}
		if rate != nil {
			return rate, nil
		}
	}
	return nil, nil
}

package currency

import (
	"errors"

	"github.com/tradeforge/exchange-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// WithTx returns a Database bound to an open transaction.
func (d *Database) WithTx(tx *gorm.DB) *Database {
	return &Database{db: tx}
}

// GetRate returns the directed rate source -> target, or (nil, nil) when no
// such edge exists.
func (d *Database) GetRate(source, target string) (*types.ExchangeRate, error) {
	var rate types.ExchangeRate
	err := d.db.Where("source_currency = ? AND target_currency = ?", source, target).First(&rate).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rate, nil
}

// RatesFrom lists every directed rate quoted with the given source currency.
func (d *Database) RatesFrom(source string) ([]types.ExchangeRate, error) {
	var rates []types.ExchangeRate
	if err := d.db.Where("source_currency = ?", source).Find(&rates).Error; err != nil {
		return nil, err
	}
	return rates, nil
}

// AllRates lists every directed rate in the store.
func (d *Database) AllRates() ([]types.ExchangeRate, error) {
	var rates []types.ExchangeRate
	if err := d.db.Find(&rates).Error; err != nil {
		return nil, err
	}
	return rates, nil
}

// UpsertRate creates or refreshes a directed rate. Used by seeding and the
// inverse-rate processor.
func (d *Database) UpsertRate(rate *types.ExchangeRate) error {
	var existing types.ExchangeRate
	err := d.db.Where("source_currency = ? AND target_currency = ?",
		rate.SourceCurrency, rate.TargetCurrency).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return d.db.Create(rate).Error
	}
	if err != nil {
		return err
	}
	existing.Rate = rate.Rate
	return d.db.Save(&existing).Error
}

package ledger

import (
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/tradeforge/exchange-api/internal/types"
	"gorm.io/gorm"
)

// Database is the wallet and position store. Wallet writes are optimistic:
// the update carries the version the caller read, and a concurrent writer
// shows up as zero rows affected, reported as ErrConflict so the settlement
// retry policy can re-read and reapply.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// WithTx returns a Database bound to an open transaction, so settlement can
// compose wallet, position, order and transaction writes into one commit.
func (d *Database) WithTx(tx *gorm.DB) *Database {
	return &Database{db: tx}
}

// GetWallet resolves an account's wallet in one currency.
func (d *Database) GetWallet(accountNumber, currencyCode string) (*types.Wallet, error) {
	var wallet types.Wallet
	err := d.db.Where("account_number = ? AND currency_code = ?", accountNumber, currencyCode).First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.NotFoundf("wallet not found for [%s, %s]", currencyCode, accountNumber)
		}
		return nil, err
	}
	return &wallet, nil
}

// AdjustBalance applies a signed delta to the wallet under its version token.
// A concurrent writer since the wallet was read yields ErrConflict and no
// change. On success the passed wallet reflects the committed state.
func (d *Database) AdjustBalance(wallet *types.Wallet, delta decimal.Decimal) error {
	newBalance := wallet.Balance.Add(delta)
	res := d.db.Model(&types.Wallet{}).
		Where("id = ? AND version = ?", wallet.ID, wallet.Version).
		Updates(map[string]interface{}{
			"balance": newBalance,
			"version": wallet.Version + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		log.Debug().
			Uint("wallet_id", wallet.ID).
			Int64("version", wallet.Version).
			Msg("wallet version conflict")
		return types.ErrConflict
	}
	wallet.Balance = newBalance
	wallet.Version++
	return nil
}

// GetPosition resolves an account's holding of one instrument.
func (d *Database) GetPosition(accountNumber, isin string) (*types.Position, error) {
	var position types.Position
	err := d.db.Where("account_number = ? AND isin = ?", accountNumber, isin).First(&position).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.NotFoundf("position not found for [%s, %s]", accountNumber, isin)
		}
		return nil, err
	}
	return &position, nil
}

// AdjustPosition applies a signed quantity delta to an account's position,
// creating the row on a first buy. Decreasing below zero is refused: the
// initializer checked assets up front, but time has passed and execution must
// re-validate.
func (d *Database) AdjustPosition(accountNumber, isin string, delta decimal.Decimal) error {
	position, err := d.GetPosition(accountNumber, isin)
	if errors.Is(err, types.ErrNotFound) {
		if delta.Sign() < 0 {
			return types.Validationf("insufficient assets: no position for [%s, %s]", accountNumber, isin)
		}
		return d.db.Create(&types.Position{
			AccountNumber: accountNumber,
			ISIN:          isin,
			Quantity:      delta,
		}).Error
	}
	if err != nil {
		return err
	}

	newQuantity := position.Quantity.Add(delta)
	if newQuantity.Sign() < 0 {
		return types.Validationf("insufficient assets: position %s short by %s",
			position.Quantity, newQuantity.Neg())
	}
	return d.db.Model(position).Update("quantity", newQuantity).Error
}

// PositionQuantity returns the held quantity, zero when no position exists.
func (d *Database) PositionQuantity(accountNumber, isin string) (decimal.Decimal, error) {
	position, err := d.GetPosition(accountNumber, isin)
	if errors.Is(err, types.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return position.Quantity, nil
}

package types

import (
	"errors"
	"fmt"
)

// Error taxonomy for the order lifecycle. Callers classify with errors.Is; the
// HTTP layer maps these onto response codes.
var (
	// ErrNotFound covers missing orders, wallets, positions, instruments and
	// currency pairs.
	ErrNotFound = errors.New("not found")

	// ErrValidation covers rejected input: insufficient funds or assets,
	// invalid price or quantity, unsupported order types.
	ErrValidation = errors.New("validation failed")

	// ErrConflict is an optimistic concurrency conflict on a versioned write.
	// It is handled internally by the retry policy and never reaches callers
	// directly.
	ErrConflict = errors.New("optimistic lock conflict")

	// ErrRetryLimitExceeded is surfaced once a settlement unit has exhausted
	// its retry budget.
	ErrRetryLimitExceeded = errors.New("retry limit exceeded")

	// ErrProcessing wraps unexpected failures during order fulfillment.
	ErrProcessing = errors.New("order processing failed")
)

// NotFoundf builds an ErrNotFound with a formatted detail message.
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Validationf builds an ErrValidation with a formatted detail message.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

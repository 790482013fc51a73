package currency

import (
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// maxTrailingDigits caps the scale applied after the decimal point.
	maxTrailingDigits = 6
	// maxTotalDigits is the significant-digit budget for a whole value.
	maxTotalDigits = 20
)

// Scale computes the rounding scale for an amount: the trailing digit count
// with trailing zeros stripped (at least 1 while any fractional part remains,
// 0 for integral values), capped at maxTrailingDigits, and forced down to
// maxTrailingDigits whenever leading + capped trailing would blow the
// maxTotalDigits budget.
func Scale(amount decimal.Decimal) int {
	parts := strings.SplitN(amount.String(), ".", 2)
	leading := len(parts[0])
	if leading > 0 && parts[0][0] == '-' {
		leading--
	}
	if len(parts) == 1 {
		return boundedScale(leading, 0)
	}
	return boundedScale(leading, trailingDigits(parts[1]))
}

func boundedScale(leading, trailing int) int {
	scale := trailing
	if scale > maxTrailingDigits {
		scale = maxTrailingDigits
	}
	if leading+scale > maxTotalDigits {
		return maxTrailingDigits
	}
	return scale
}

// trailingDigits counts fractional digits without trailing zeros, keeping at
// least one so a fractional value never rounds to integral scale.
func trailingDigits(frac string) int {
	if len(frac) == 0 {
		return 0
	}
	trimmed := strings.TrimRight(frac, "0")
	if len(trimmed) == 0 {
		return 1
	}
	return len(trimmed)
}

// roundToScale rounds half-up at the value's own computed scale.
func roundToScale(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(int32(Scale(amount)))
}

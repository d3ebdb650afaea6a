// Package amount provides fixed-width token amount arithmetic for the
// settlement engine. Amounts are uint64 token units; every operation that
// can overflow or underflow is checked and returns a dedicated error
// instead of wrapping.
package amount

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

const (
	// RateFactor is the denominator of cashback rates: a rate of 25
	// means 25/1000 = 2.5%.
	RateFactor = 1000

	// RoundingCoef aligns cashback amounts to a coarser granularity to
	// keep dust out of the incentive ledger. With 6 token decimals this
	// is 0.01 of a whole token.
	RoundingCoef = 10_000

	// TokenDecimals is the number of decimal places of the underlying
	// asset, used only at the parse/format boundary.
	TokenDecimals = 6
)

var (
	ErrOverflow  = errors.New("amount overflow")
	ErrUnderflow = errors.New("amount underflow")
)

// CheckedAdd returns a+b or ErrOverflow.
func CheckedAdd(a, b uint64) (uint64, error) {
	if a > math.MaxUint64-b {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// CheckedSub returns a-b or ErrUnderflow.
func CheckedSub(a, b uint64) (uint64, error) {
	if b > a {
		return 0, ErrUnderflow
	}
	return a - b, nil
}

// SaturatingSub returns a-b, clamped at zero.
func SaturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// Min returns the smaller of a and b.
func Min(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// Parse converts a human decimal string ("12.34") to token units.
func Parse(s string) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount: %w", err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("invalid amount: negative")
	}
	units := d.Shift(TokenDecimals)
	if !units.Equal(units.Truncate(0)) {
		return 0, fmt.Errorf("invalid amount: more than %d decimal places", TokenDecimals)
	}
	if units.GreaterThan(decimal.NewFromUint64(math.MaxUint64)) {
		return 0, ErrOverflow
	}
	return units.BigInt().Uint64(), nil
}

// Format converts token units to a human decimal string, trimming
// trailing zeros.
func Format(units uint64) string {
	return decimal.NewFromUint64(units).Shift(-TokenDecimals).String()
}

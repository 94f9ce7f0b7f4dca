package handlers

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ruralpay/ledger/internal/services"
)

// minorUnitsPerMajor is the number of cents in one currency unit.
const minorUnitsPerMajor = 100

// Bounds applied before any arithmetic. Large exponents make decimal
// materialize 10^exp as a big.Int.
const (
	maxAmountLength = 32
	maxAmountScale  = 18
	maxAmountDigits = 21
)

var hundred = decimal.NewFromInt(minorUnitsPerMajor)

// toMinorUnits converts a major-unit decimal string such as "12.50" to cents.
// Fractions of a cent, exponent notation and values outside int64 are rejected.
func toMinorUnits(amount string) (int64, error) {
	if len(amount) > maxAmountLength {
		return 0, fmt.Errorf("%w: amount is longer than %d characters", services.ErrInvalidAmount, maxAmountLength)
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a decimal number", services.ErrInvalidAmount, amount)
	}
	if exp := d.Exponent(); exp > 0 || exp < -maxAmountScale || d.NumDigits() > maxAmountDigits {
		return 0, fmt.Errorf("%w: %q is out of range", services.ErrInvalidAmount, amount)
	}

	minor := d.Mul(hundred)
	if !minor.IsInteger() {
		return 0, fmt.Errorf("%w: %q has more than two decimal places", services.ErrInvalidAmount, amount)
	}
	if !minor.BigInt().IsInt64() {
		return 0, fmt.Errorf("%w: %q is out of range", services.ErrInvalidAmount, amount)
	}
	return minor.IntPart(), nil
}

func toMajorUnits(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}

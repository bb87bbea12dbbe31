// Package money models currency amounts as integer minor units. Decimal
// strings only appear at the API boundary.
package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Scale is the number of minor-unit digits for supported currencies.
const Scale = 2

var (
	// ErrInvalidAmount is returned when a decimal string cannot be parsed.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrTooPrecise is returned when an amount carries more digits than the minor unit.
	ErrTooPrecise = errors.New("amount exceeds minor unit precision")
)

// Money is an amount in minor units (cents for USD). It may be negative when
// used as a signed ledger delta.
type Money int64

// FromMinor wraps a raw minor-unit value.
func FromMinor(v int64) Money { return Money(v) }

// Parse converts a decimal display string such as "19.99" into minor units.
func Parse(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return FromDecimal(d)
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Money {
	m, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return m
}

// FromDecimal converts a decimal major-unit amount into minor units.
func FromDecimal(d decimal.Decimal) (Money, error) {
	if !d.Equal(d.Round(Scale)) {
		return 0, fmt.Errorf("%w: %s", ErrTooPrecise, d.String())
	}
	minor := d.Shift(Scale)
	if !minor.Equal(decimal.NewFromInt(minor.IntPart())) {
		return 0, fmt.Errorf("%w: %s out of range", ErrInvalidAmount, d.String())
	}
	return Money(minor.IntPart()), nil
}

// Minor returns the raw minor-unit value.
func (m Money) Minor() int64 { return int64(m) }

// Decimal returns the amount in major units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -Scale)
}

// String renders the amount with exactly Scale fraction digits.
func (m Money) String() string {
	return m.Decimal().StringFixed(Scale)
}

// Neg returns the amount with its sign flipped.
func (m Money) Neg() Money { return -m }

// IsPositive reports whether the amount is strictly greater than zero.
func (m Money) IsPositive() bool { return m > 0 }

// MulRate multiplies by rate and rounds half-up to the nearest minor unit.
// Only meaningful for non-negative amounts.
func (m Money) MulRate(rate decimal.Decimal) Money {
	return Money(decimal.NewFromInt(int64(m)).Mul(rate).Round(0).IntPart())
}

// MarshalJSON encodes the amount as a quoted decimal string.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}

// UnmarshalJSON accepts either a quoted decimal string or a bare JSON number.
func (m *Money) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, string(b))
	}
	v, err := FromDecimal(d)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

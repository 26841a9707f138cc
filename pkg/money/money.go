// Package money provides a fixed-point monetary amount stored as integer cents.
//
// Amounts cross the storage boundary as shopspring decimals (NUMERIC(12,2)
// columns) and are converted back with FromDecimal, which rounds half away
// from zero to two places.
package money

import (
	"math"
	"strings"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Money is an amount in cents.
type Money int64

// Zero is the zero amount.
const Zero Money = 0

// Tolerance is the cent tolerance applied when comparing a requested refund
// against a remaining balance.
const Tolerance Money = 1

var hundred = decimal.NewFromInt(100)

// FromCents returns the amount for the given number of cents.
func FromCents(c int64) Money { return Money(c) }

// FromInt returns the amount for a whole number of currency units.
func FromInt(units int64) Money { return Money(units * 100) }

// FromDecimal converts d to cents, rounding to two decimal places.
func FromDecimal(d decimal.Decimal) Money {
	return Money(d.Round(2).Shift(2).IntPart())
}

// Parse parses a decimal string such as "12.34".
func Parse(s string) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Zero, errors.Wrapf(err, "parse amount %q", s)
	}
	return FromDecimal(d), nil
}

// MustParse is like Parse but panics on malformed input. Intended for tests
// and constants.
func MustParse(s string) Money {
	m, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return m
}

// Coerce parses s and returns zero for anything that is not a finite number.
func Coerce(s string) Money {
	m, err := Parse(s)
	if err != nil {
		return Zero
	}
	return m
}

// CoerceFloat converts f to cents, mapping NaN and infinities to zero.
func CoerceFloat(f float64) Money {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Zero
	}
	return FromDecimal(decimal.NewFromFloat(f))
}

// Cents returns the amount in cents.
func (m Money) Cents() int64 { return int64(m) }

// Decimal returns the amount as a decimal with two places.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -2)
}

// Float64 returns an inexact float representation for wire formats.
func (m Money) Float64() float64 {
	return m.Decimal().InexactFloat64()
}

// String formats the amount as "1234.56".
func (m Money) String() string {
	return m.Decimal().StringFixed(2)
}

// Add returns m + o.
func (m Money) Add(o Money) Money { return m + o }

// Sub returns m - o.
func (m Money) Sub(o Money) Money { return m - o }

// Mul returns m multiplied by an integer quantity.
func (m Money) Mul(qty int) Money { return m * Money(qty) }

// MulRate multiplies m by rate and rounds to cents.
func (m Money) MulRate(rate decimal.Decimal) Money {
	return FromDecimal(m.Decimal().Mul(rate))
}

// Percent returns pct percent of m, rounded to cents.
func (m Money) Percent(pct decimal.Decimal) Money {
	return m.MulRate(pct.Div(hundred))
}

// Share returns m × num / den rounded to cents. A zero denominator yields zero.
func (m Money) Share(num, den Money) Money {
	if den == 0 {
		return Zero
	}
	return FromDecimal(m.Decimal().Mul(num.Decimal()).Div(den.Decimal()))
}

// DivQty divides m by a quantity and rounds to cents.
func (m Money) DivQty(qty int) Money {
	if qty <= 0 {
		return Zero
	}
	return FromDecimal(m.Decimal().Div(decimal.NewFromInt(int64(qty))))
}

// IsZero reports whether m is zero.
func (m Money) IsZero() bool { return m == 0 }

// IsNegative reports whether m is below zero.
func (m Money) IsNegative() bool { return m < 0 }

// IsPositive reports whether m is above zero.
func (m Money) IsPositive() bool { return m > 0 }

// FloorZero clamps negative amounts to zero.
func (m Money) FloorZero() Money {
	if m < 0 {
		return Zero
	}
	return m
}

// Min returns the smaller of a and b.
func Min(a, b Money) Money {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b Money) Money {
	if a > b {
		return a
	}
	return b
}

// Sum adds all amounts.
func Sum(ms ...Money) Money {
	var total Money
	for _, m := range ms {
		total += m
	}
	return total
}

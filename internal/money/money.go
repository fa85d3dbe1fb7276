// Package money centralises the rounding policy for amounts. Values keep full
// precision while they flow through the engine and are rounded only when they
// are displayed or handed to a persistence boundary.
package money

import "github.com/shopspring/decimal"

// DisplayPlaces is the number of decimal places shown on receipts and screens.
const DisplayPlaces = 3

var tolerance = decimal.New(1, -6)

// Round rounds an amount for display.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(DisplayPlaces)
}

// Format renders an amount with a fixed number of display places.
func Format(d decimal.Decimal) string {
	return d.StringFixed(DisplayPlaces)
}

// WithinTolerance reports whether two amounts are equal up to conversion noise.
func WithinTolerance(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(tolerance)
}

// Covers reports whether paid reaches due, ignoring conversion noise.
func Covers(paid, due decimal.Decimal) bool {
	return paid.Sub(due).GreaterThanOrEqual(tolerance.Neg())
}

// NonNegative clamps an amount at zero.
func NonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// Sum adds up the given amounts.
func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

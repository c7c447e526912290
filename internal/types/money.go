// README: Common money value object used across modules.
package types

import "math"

// Money is an amount in minor units (cents) of Currency.
type Money struct {
	Amount   int64
	Currency string
}

// Major returns the amount in major currency units.
func (m Money) Major() float64 {
	return float64(m.Amount) / 100
}

// Scale multiplies the amount by f, rounding half away from zero.
func (m Money) Scale(f float64) Money {
	return Money{Amount: int64(math.Round(float64(m.Amount) * f)), Currency: m.Currency}
}

// MinorFromMajor converts a major-unit value (e.g. 500.25) to minor units.
func MinorFromMajor(v float64) int64 {
	return int64(math.Round(v * 100))
}

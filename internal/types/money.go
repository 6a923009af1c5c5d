// README: Common money value object used across modules.
package types

import "math"

type Money struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// RoundCents rounds to two decimals, half away from zero.
func RoundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

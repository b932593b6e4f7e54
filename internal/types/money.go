package types

import "math"

// Round2 rounds a monetary amount to 2 decimals. Position and wallet
// arithmetic rounds after every step so replays are stable.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

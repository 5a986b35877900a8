package valueobject

import (
	"fmt"
	"math"
)

// Decimal6 is a fixed-point USD amount stored as an integer count of
// millionths of a dollar (6 fractional digits). Every cost computation in
// the ledger goes through this type instead of raw float64 multiplication,
// so repeated additions never drift by more than one unit (1e-6 USD).
type Decimal6 int64

const decimal6Scale = 1_000_000

// NewDecimal6FromFloat converts a float64 dollar amount to Decimal6, rounding
// to the nearest micro-dollar. Use only at input boundaries (e.g. parsing a
// configured price); all arithmetic after that should stay in Decimal6.
func NewDecimal6FromFloat(usd float64) Decimal6 {
	return Decimal6(math.Round(usd * decimal6Scale))
}

// Float64 returns the amount as a float64, for display/serialization only.
func (d Decimal6) Float64() float64 {
	return float64(d) / decimal6Scale
}

// Add returns d + other.
func (d Decimal6) Add(other Decimal6) Decimal6 {
	return d + other
}

// MulTokens returns the cost of n tokens at a per-1000-token price expressed
// as Decimal6, truncating once at the end (integer division) rather than
// per-token to avoid accumulating rounding error.
func (d Decimal6) MulTokens(n int) Decimal6 {
	return Decimal6(int64(d) * int64(n) / 1000)
}

// Cmp compares two Decimal6 values: -1, 0, 1.
func (d Decimal6) Cmp(other Decimal6) int {
	switch {
	case d < other:
		return -1
	case d > other:
		return 1
	default:
		return 0
	}
}

func (d Decimal6) String() string {
	return fmt.Sprintf("%.6f", d.Float64())
}

// Package amm implements concentrated-liquidity pools: positions commit
// capital to a bounded price range, swaps move a sqrt-price along the
// curve segment by segment, and the virtual-reserve product invariant is
// checked after every segment move.
package amm

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/gaiadex/engine/pkg/errors"
)

// DivPrecision is the fixed scale for every division in pool math. No
// monetary value ever passes through binary floating point; float64
// shows up only as the Newton seed inside Sqrt.
const DivPrecision = 28

// invariantTolerance bounds the acceptable rounding drift when the
// invariant is re-derived from the output side of a segment move.
var invariantTolerance = decimal.New(1, -12) // 1e-12

func div(a, b decimal.Decimal) decimal.Decimal {
	return a.DivRound(b, DivPrecision)
}

var (
	one = decimal.NewFromInt(1)
	two = decimal.NewFromInt(2)
)

// Sqrt computes the decimal square root by Newton iteration, seeded from
// the float64 approximation and refined to DivPrecision digits.
func Sqrt(d decimal.Decimal) (decimal.Decimal, error) {
	if d.IsNegative() {
		return decimal.Zero, errors.Validation("square root of negative value %s", d)
	}
	if d.IsZero() {
		return decimal.Zero, nil
	}
	seed := math.Sqrt(d.InexactFloat64())
	if seed <= 0 || math.IsInf(seed, 0) || math.IsNaN(seed) {
		seed = 1
	}
	x := decimal.NewFromFloat(seed)
	// Quadratic convergence: a float seed is good to ~1e-16 relative,
	// so four iterations comfortably exceed DivPrecision digits.
	for i := 0; i < 4; i++ {
		x = div(x.Add(div(d, x)), two)
	}
	return x, nil
}

// withinTolerance reports whether got and want agree within the invariant
// tolerance, relative to want when want is large enough.
func withinTolerance(got, want decimal.Decimal) bool {
	diff := got.Sub(want).Abs()
	if want.Abs().GreaterThan(one) {
		return div(diff, want.Abs()).LessThanOrEqual(invariantTolerance)
	}
	return diff.LessThanOrEqual(invariantTolerance)
}

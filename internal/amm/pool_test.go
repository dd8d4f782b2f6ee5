package amm

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gaiadex/engine/pkg/errors"
	"github.com/gaiadex/engine/pkg/models"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// closeTo asserts agreement within 1e-18, the slack left by DivRound at
// DivPrecision digits over a handful of operations.
func closeTo(t *testing.T, want, got decimal.Decimal) {
	t.Helper()
	diff := got.Sub(want).Abs()
	assert.True(t, diff.LessThan(decimal.New(1, -18)),
		"want %s, got %s (diff %s)", want, got, diff)
}

func testPair() *models.TradingPair {
	return &models.TradingPair{
		Symbol:       "GAIA-USDT",
		BaseToken:    "GAIA",
		QuoteToken:   "USDT",
		TickSize:     d("0.01"),
		MinOrderSize: d("0.0001"),
		MaxOrderSize: d("1000000"),
	}
}

func newPool(t *testing.T, feeTier, price string) *Pool {
	t.Helper()
	p, err := NewPool(testPair(), d(feeTier), d(price), zap.NewNop())
	require.NoError(t, err)
	return p
}

func TestSqrt(t *testing.T) {
	for _, tc := range []struct{ in, want string }{
		{"4", "2"},
		{"9", "3"},
		{"2.25", "1.5"},
		{"1", "1"},
		{"0", "0"},
	} {
		got, err := Sqrt(d(tc.in))
		require.NoError(t, err)
		closeTo(t, d(tc.want), got)
	}

	// Non-perfect square round-trips within tolerance.
	got, err := Sqrt(d("2"))
	require.NoError(t, err)
	closeTo(t, d("2"), got.Mul(got))

	_, err = Sqrt(d("-1"))
	require.Error(t, err)
}

func TestNewPoolValidation(t *testing.T) {
	_, err := NewPool(testPair(), d("1"), d("1"), zap.NewNop())
	require.Error(t, err, "fee tier must be below 1")

	_, err = NewPool(testPair(), d("0.003"), d("0"), zap.NewNop())
	require.Error(t, err, "initial price must be positive")

	p := newPool(t, "0.003", "4")
	assert.Equal(t, "GAIA-USDT@0.003", p.ID)
	closeTo(t, d("4"), p.Price())
}

func TestAddPositionRequiredAmounts(t *testing.T) {
	p := newPool(t, "0", "1") // sqrtP = 1

	// Range [0.25, 4): sqrt bounds 0.5 and 2, price inside the range.
	pos, base, quote, err := p.AddPosition(uuid.New(), models.PriceRange{Lower: d("0.25"), Upper: d("4")}, d("100"))
	require.NoError(t, err)
	assert.True(t, pos.Liquidity.Equal(d("100")))

	// base = L(1/sqrtP - 1/sqrtUpper) = 100*(1 - 0.5) = 50
	// quote = L(sqrtP - sqrtLower)    = 100*(1 - 0.5) = 50
	closeTo(t, d("50"), base)
	closeTo(t, d("50"), quote)

	// Entirely above current price: stake is all base.
	_, base, quote, err = p.AddPosition(uuid.New(), models.PriceRange{Lower: d("4"), Upper: d("16")}, d("100"))
	require.NoError(t, err)
	// base = 100*(1/2 - 1/4) = 25, quote = 0
	closeTo(t, d("25"), base)
	closeTo(t, decimal.Zero, quote)

	// Entirely below current price: stake is all quote.
	_, base, quote, err = p.AddPosition(uuid.New(), models.PriceRange{Lower: d("0.0625"), Upper: d("0.25")}, d("100"))
	require.NoError(t, err)
	// quote = 100*(0.5 - 0.25) = 25, base = 0
	closeTo(t, decimal.Zero, base)
	closeTo(t, d("25"), quote)
}

func TestAddPositionRejectsBadInput(t *testing.T) {
	p := newPool(t, "0", "1")

	_, _, _, err := p.AddPosition(uuid.New(), models.PriceRange{Lower: d("4"), Upper: d("4")}, d("100"))
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidRange, errors.KindOf(err))

	_, _, _, err = p.AddPosition(uuid.New(), models.PriceRange{Lower: d("1"), Upper: d("4")}, decimal.Zero)
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
}

func TestSwapQuoteInSingleRange(t *testing.T) {
	p := newPool(t, "0", "1")
	_, _, _, err := p.AddPosition(uuid.New(), models.PriceRange{Lower: d("0.25"), Upper: d("4")}, d("100"))
	require.NoError(t, err)

	// Quote-in 50 with L=100 from sqrtP=1: newSqrt = 1 + 50/100 = 1.5,
	// out = 100*(1/1 - 1/1.5) = 100/3.
	p.Lock()
	out, err := p.QuoteLocked("USDT", d("50"))
	p.Unlock()
	require.NoError(t, err)
	closeTo(t, d("100").DivRound(d("3"), DivPrecision), out)

	// Quoting mutates nothing.
	closeTo(t, d("1"), p.Price())

	p.Lock()
	got, _, err := p.SwapLocked("USDT", d("50"), decimal.Zero, uuid.New())
	p.Unlock()
	require.NoError(t, err)
	assert.True(t, got.Equal(out), "execution must reproduce the quote")
	closeTo(t, d("2.25"), p.Price())
}

func TestSwapBaseInMovesPriceDown(t *testing.T) {
	p := newPool(t, "0", "1")
	_, _, _, err := p.AddPosition(uuid.New(), models.PriceRange{Lower: d("0.25"), Upper: d("4")}, d("100"))
	require.NoError(t, err)

	// Base-in 50: 1/newSqrt = 1 + 50/100 -> newSqrt = 2/3,
	// out = L*(sqrtP - newSqrt) = 100*(1/3).
	p.Lock()
	out, trade, err := p.SwapLocked("GAIA", d("50"), decimal.Zero, uuid.New())
	p.Unlock()
	require.NoError(t, err)
	closeTo(t, d("100").DivRound(d("3"), DivPrecision), out)
	assert.Equal(t, models.SideSell, trade.Side)

	want := div(d("2"), d("3"))
	closeTo(t, want.Mul(want), p.Price())
}

func TestSwapCrossesRangeBoundary(t *testing.T) {
	p := newPool(t, "0", "1")
	owner := uuid.New()
	// Inner range [1,4) and outer range [4,16) stacked above the price.
	_, _, _, err := p.AddPosition(owner, models.PriceRange{Lower: d("1"), Upper: d("4")}, d("100"))
	require.NoError(t, err)
	_, _, _, err = p.AddPosition(owner, models.PriceRange{Lower: d("4"), Upper: d("16")}, d("100"))
	require.NoError(t, err)

	// First segment [1,2) absorbs 100*(2-1)=100 quote. 50 more spills
	// into the second range: newSqrt = 2 + 50/100 = 2.5.
	p.Lock()
	out, _, err := p.SwapLocked("USDT", d("150"), decimal.Zero, uuid.New())
	p.Unlock()
	require.NoError(t, err)

	// out = 100*(1 - 1/2) + 100*(1/2 - 1/2.5) = 50 + 10 = 60
	closeTo(t, d("60"), out)
	closeTo(t, d("6.25"), p.Price())
}

func TestSwapInsufficientLiquidity(t *testing.T) {
	p := newPool(t, "0", "1")
	_, _, _, err := p.AddPosition(uuid.New(), models.PriceRange{Lower: d("0.25"), Upper: d("4")}, d("100"))
	require.NoError(t, err)

	// The single range absorbs 100*(2-1)=100 quote; 150 runs off the end.
	p.Lock()
	_, _, err = p.SwapLocked("USDT", d("150"), decimal.Zero, uuid.New())
	p.Unlock()
	require.Error(t, err)
	assert.Equal(t, errors.KindInsufficientLiquidity, errors.KindOf(err))
	closeTo(t, d("1"), p.Price())
}

func TestSwapMinAmountOut(t *testing.T) {
	p := newPool(t, "0", "1")
	_, _, _, err := p.AddPosition(uuid.New(), models.PriceRange{Lower: d("0.25"), Upper: d("4")}, d("100"))
	require.NoError(t, err)

	p.Lock()
	_, _, err = p.SwapLocked("USDT", d("50"), d("34"), uuid.New())
	p.Unlock()
	require.Error(t, err)
	assert.Equal(t, errors.KindInsufficientLiquidity, errors.KindOf(err))
}

func TestSwapUnknownToken(t *testing.T) {
	p := newPool(t, "0", "1")
	p.Lock()
	_, err := p.QuoteLocked("DOGE", d("1"))
	p.Unlock()
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
}

func TestFeesAccrueOnlyToInRangePositions(t *testing.T) {
	p := newPool(t, "0.01", "1")
	inRange := uuid.New()
	outOfRange := uuid.New()

	active, _, _, err := p.AddPosition(inRange, models.PriceRange{Lower: d("0.25"), Upper: d("4")}, d("100"))
	require.NoError(t, err)
	dormant, _, _, err := p.AddPosition(outOfRange, models.PriceRange{Lower: d("9"), Upper: d("16")}, d("100"))
	require.NoError(t, err)

	p.Lock()
	_, trade, err := p.SwapLocked("USDT", d("50"), decimal.Zero, uuid.New())
	p.Unlock()
	require.NoError(t, err)

	// 1% fee on 50 in.
	closeTo(t, d("0.5"), trade.TakerFee)

	positions := p.Positions(uuid.Nil)
	require.Len(t, positions, 2)
	for _, pos := range positions {
		switch pos.ID {
		case active.ID:
			closeTo(t, d("0.5"), pos.FeesPending)
		case dormant.ID:
			assert.True(t, pos.FeesPending.IsZero(), "out-of-range position earns nothing")
		}
	}
}

func TestFeeSplitProRata(t *testing.T) {
	p := newPool(t, "0.01", "1")
	big := uuid.New()
	small := uuid.New()

	bigPos, _, _, err := p.AddPosition(big, models.PriceRange{Lower: d("0.25"), Upper: d("4")}, d("300"))
	require.NoError(t, err)
	smallPos, _, _, err := p.AddPosition(small, models.PriceRange{Lower: d("0.25"), Upper: d("4")}, d("100"))
	require.NoError(t, err)

	p.Lock()
	_, _, err = p.SwapLocked("USDT", d("100"), decimal.Zero, uuid.New())
	p.Unlock()
	require.NoError(t, err)

	// Total fee 1, split 3:1 by liquidity.
	for _, pos := range p.Positions(uuid.Nil) {
		switch pos.ID {
		case bigPos.ID:
			closeTo(t, d("0.75"), pos.FeesPending)
		case smallPos.ID:
			closeTo(t, d("0.25"), pos.FeesPending)
		}
	}
}

func TestRemovePosition(t *testing.T) {
	p := newPool(t, "0.01", "1")
	owner := uuid.New()
	pos, _, _, err := p.AddPosition(owner, models.PriceRange{Lower: d("0.25"), Upper: d("4")}, d("100"))
	require.NoError(t, err)

	p.Lock()
	_, _, err = p.SwapLocked("USDT", d("50"), decimal.Zero, uuid.New())
	p.Unlock()
	require.NoError(t, err)

	// Removing half crystallizes all pending fees.
	got, base, quote, fees, err := p.RemovePosition(pos.ID, owner, d("50"))
	require.NoError(t, err)
	assert.True(t, got.Liquidity.Equal(d("50")))
	closeTo(t, d("0.5"), fees)
	assert.True(t, got.FeesPending.IsZero())
	closeTo(t, d("0.5"), got.FeesCollected)
	assert.True(t, base.GreaterThan(decimal.Zero) || quote.GreaterThan(decimal.Zero))

	// Removing the rest destroys the position.
	_, _, _, _, err = p.RemovePosition(pos.ID, owner, d("100"))
	require.NoError(t, err)
	assert.Empty(t, p.Positions(uuid.Nil))

	_, _, _, _, err = p.RemovePosition(pos.ID, owner, d("100"))
	require.Error(t, err)
	assert.Equal(t, errors.KindOrderNotFound, errors.KindOf(err))
}

func TestRemovePositionValidation(t *testing.T) {
	p := newPool(t, "0", "1")
	owner := uuid.New()
	pos, _, _, err := p.AddPosition(owner, models.PriceRange{Lower: d("0.25"), Upper: d("4")}, d("100"))
	require.NoError(t, err)

	_, _, _, _, err = p.RemovePosition(pos.ID, owner, d("0"))
	require.Error(t, err)
	_, _, _, _, err = p.RemovePosition(pos.ID, owner, d("101"))
	require.Error(t, err)
	_, _, _, _, err = p.RemovePosition(pos.ID, uuid.New(), d("50"))
	require.Error(t, err, "wrong owner must not see the position")
}

func TestPoolInvariantAfterSwaps(t *testing.T) {
	p := newPool(t, "0.003", "1")
	_, _, _, err := p.AddPosition(uuid.New(), models.PriceRange{Lower: d("0.25"), Upper: d("4")}, d("1000"))
	require.NoError(t, err)

	for _, in := range []string{"10", "25", "5"} {
		p.Lock()
		_, _, err := p.SwapLocked("USDT", d(in), decimal.Zero, uuid.New())
		p.Unlock()
		require.NoError(t, err)
		require.NoError(t, p.CheckInvariant())
	}
	// Swap back the other way.
	p.Lock()
	_, _, err = p.SwapLocked("GAIA", d("20"), decimal.Zero, uuid.New())
	p.Unlock()
	require.NoError(t, err)
	require.NoError(t, p.CheckInvariant())
}

func TestActiveLiquidity(t *testing.T) {
	p := newPool(t, "0", "1")
	_, _, _, err := p.AddPosition(uuid.New(), models.PriceRange{Lower: d("0.25"), Upper: d("4")}, d("100"))
	require.NoError(t, err)
	_, _, _, err = p.AddPosition(uuid.New(), models.PriceRange{Lower: d("9"), Upper: d("16")}, d("50"))
	require.NoError(t, err)

	closeTo(t, d("100"), p.ActiveLiquidity())
}

func TestPriceLockedMatchesPrice(t *testing.T) {
	p := newPool(t, "0.003", "4")
	want := p.Price()

	p.Lock()
	got := p.PriceLocked()
	p.Unlock()
	assert.True(t, want.Equal(got))
}

package orderbook

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gaiadex/engine/pkg/models"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testPair() *models.TradingPair {
	return &models.TradingPair{
		Symbol:       "GAIA-USDT",
		BaseToken:    "GAIA",
		QuoteToken:   "USDT",
		TickSize:     d("0.01"),
		MinOrderSize: d("0.1"),
		MaxOrderSize: d("100000"),
		MakerFee:     d("0.001"),
		TakerFee:     d("0.002"),
	}
}

var nextSeq uint64

func limit(side models.OrderSide, price, amount string) *models.Order {
	nextSeq++
	return &models.Order{
		ID:          uuid.New(),
		UserID:      uuid.New(),
		Pair:        "GAIA-USDT",
		Side:        side,
		Type:        models.TypeLimit,
		Amount:      d(amount),
		Price:       d(price),
		TimeInForce: models.GTC,
		Status:      models.StatusPending,
		Remaining:   d(amount),
		Sequence:    nextSeq,
	}
}

func market(side models.OrderSide, amount string) *models.Order {
	nextSeq++
	return &models.Order{
		ID:          uuid.New(),
		UserID:      uuid.New(),
		Pair:        "GAIA-USDT",
		Side:        side,
		Type:        models.TypeMarket,
		Amount:      d(amount),
		TimeInForce: models.IOC,
		Status:      models.StatusPending,
		Remaining:   d(amount),
		Sequence:    nextSeq,
	}
}

func mustPlace(t *testing.T, b *Book, o *models.Order) *PlaceResult {
	t.Helper()
	res, err := b.Place(o)
	require.NoError(t, err)
	return res
}

func TestPriceTimePriority(t *testing.T) {
	b := NewBook(testPair(), zap.NewNop())

	// Three asks: best price wins first, then admission order inside a level.
	askCheap := limit(models.SideSell, "1.00", "5")
	askFirst := limit(models.SideSell, "1.10", "5")
	askSecond := limit(models.SideSell, "1.10", "5")
	mustPlace(t, b, askCheap)
	mustPlace(t, b, askFirst)
	mustPlace(t, b, askSecond)

	taker := limit(models.SideBuy, "1.10", "12")
	res := mustPlace(t, b, taker)

	require.Len(t, res.Trades, 3)
	assert.Equal(t, askCheap.ID, res.Trades[0].MakerOrderID)
	assert.Equal(t, askFirst.ID, res.Trades[1].MakerOrderID)
	assert.Equal(t, askSecond.ID, res.Trades[2].MakerOrderID)

	// Trades execute at the maker's price, not the taker's limit.
	assert.True(t, res.Trades[0].Price.Equal(d("1.00")))
	assert.True(t, res.Trades[1].Price.Equal(d("1.10")))

	assert.Equal(t, models.StatusFilled, askCheap.Status)
	assert.Equal(t, models.StatusFilled, askFirst.Status)
	assert.Equal(t, models.StatusPartiallyFilled, askSecond.Status)
	assert.True(t, askSecond.Remaining.Equal(d("3")))

	assert.Equal(t, models.StatusFilled, taker.Status)
	assert.True(t, taker.Remaining.IsZero())
}

func TestNonCrossingOrderRests(t *testing.T) {
	b := NewBook(testPair(), zap.NewNop())
	mustPlace(t, b, limit(models.SideSell, "1.10", "5"))

	bid := limit(models.SideBuy, "1.00", "5")
	res := mustPlace(t, b, bid)

	assert.Empty(t, res.Trades)
	assert.Equal(t, models.StatusOpen, bid.Status)
	_, resting := b.Resting(bid.ID)
	assert.True(t, resting)

	snap := b.Snapshot(10)
	require.Len(t, snap.Bids, 1)
	require.Len(t, snap.Asks, 1)
	assert.True(t, snap.Bids[0].Price.Equal(d("1.00")))
	assert.True(t, snap.Asks[0].Price.Equal(d("1.10")))
}

func TestFOKRejectLeavesBookUntouched(t *testing.T) {
	b := NewBook(testPair(), zap.NewNop())
	maker := limit(models.SideSell, "1.00", "5")
	mustPlace(t, b, maker)

	before := b.Snapshot(10)

	fok := limit(models.SideBuy, "1.00", "6")
	fok.TimeInForce = models.FOK
	res := mustPlace(t, b, fok)

	assert.Equal(t, models.StatusRejected, fok.Status)
	assert.Empty(t, res.Trades)
	assert.True(t, fok.Remaining.Equal(fok.Amount))
	assert.True(t, maker.Remaining.Equal(d("5")), "maker untouched")

	after := b.Snapshot(10)
	require.Len(t, after.Asks, len(before.Asks))
	assert.True(t, after.Asks[0].Amount.Equal(before.Asks[0].Amount))
}

func TestFOKFillsWhenLiquiditySuffices(t *testing.T) {
	b := NewBook(testPair(), zap.NewNop())
	mustPlace(t, b, limit(models.SideSell, "1.00", "3"))
	mustPlace(t, b, limit(models.SideSell, "1.05", "3"))

	fok := limit(models.SideBuy, "1.05", "6")
	fok.TimeInForce = models.FOK
	res := mustPlace(t, b, fok)

	assert.Equal(t, models.StatusFilled, fok.Status)
	require.Len(t, res.Trades, 2)
}

func TestIOCRemainderNeverRests(t *testing.T) {
	b := NewBook(testPair(), zap.NewNop())
	mustPlace(t, b, limit(models.SideSell, "1.00", "4"))

	ioc := limit(models.SideBuy, "1.00", "10")
	ioc.TimeInForce = models.IOC
	res := mustPlace(t, b, ioc)

	require.Len(t, res.Trades, 1)
	assert.True(t, res.Trades[0].Amount.Equal(d("4")))
	// Partial execution still ends filled; the unfilled remainder is gone.
	assert.Equal(t, models.StatusFilled, ioc.Status)
	_, resting := b.Resting(ioc.ID)
	assert.False(t, resting)

	snap := b.Snapshot(10)
	assert.Empty(t, snap.Bids)
}

func TestMarketOrderAgainstEmptyBook(t *testing.T) {
	b := NewBook(testPair(), zap.NewNop())

	mkt := market(models.SideBuy, "5")
	res := mustPlace(t, b, mkt)

	assert.Empty(t, res.Trades)
	assert.Equal(t, models.StatusCancelled, mkt.Status, "zero fills ends cancelled")
	assert.Equal(t, 0, b.OrdersCount())
}

func TestMarketOrderSweepsLevels(t *testing.T) {
	b := NewBook(testPair(), zap.NewNop())
	mustPlace(t, b, limit(models.SideSell, "1.00", "2"))
	mustPlace(t, b, limit(models.SideSell, "1.20", "2"))
	mustPlace(t, b, limit(models.SideSell, "1.50", "2"))

	mkt := market(models.SideBuy, "5")
	res := mustPlace(t, b, mkt)

	require.Len(t, res.Trades, 3)
	assert.True(t, res.Trades[2].Price.Equal(d("1.50")))
	assert.True(t, res.Trades[2].Amount.Equal(d("1")))
	assert.Equal(t, models.StatusFilled, mkt.Status)
}

func TestSelfMatchSkipped(t *testing.T) {
	b := NewBook(testPair(), zap.NewNop())
	user := uuid.New()

	own := limit(models.SideSell, "1.00", "5")
	own.UserID = user
	other := limit(models.SideSell, "1.00", "5")
	mustPlace(t, b, own)
	mustPlace(t, b, other)

	taker := limit(models.SideBuy, "1.00", "5")
	taker.UserID = user
	res := mustPlace(t, b, taker)

	require.Len(t, res.Trades, 1)
	assert.Equal(t, other.ID, res.Trades[0].MakerOrderID, "own resting order skipped")
	assert.True(t, own.Remaining.Equal(d("5")))
}

func TestTradeFees(t *testing.T) {
	b := NewBook(testPair(), zap.NewNop())
	maker := limit(models.SideSell, "2.00", "10")
	mustPlace(t, b, maker)

	taker := limit(models.SideBuy, "2.00", "10")
	res := mustPlace(t, b, taker)

	require.Len(t, res.Trades, 1)
	trade := res.Trades[0]
	// notional 20: maker 0.1%, taker 0.2%
	assert.True(t, trade.MakerFee.Equal(d("0.02")), "maker fee %s", trade.MakerFee)
	assert.True(t, trade.TakerFee.Equal(d("0.04")), "taker fee %s", trade.TakerFee)
	assert.Equal(t, maker.UserID, trade.MakerUserID)
	assert.Equal(t, taker.UserID, trade.TakerUserID)
	assert.Equal(t, models.SideBuy, trade.Side)
}

func TestRemoveRestingOrder(t *testing.T) {
	b := NewBook(testPair(), zap.NewNop())
	o := limit(models.SideBuy, "1.00", "5")
	mustPlace(t, b, o)

	require.True(t, b.Remove(o))
	assert.False(t, b.Remove(o), "second removal is a no-op")
	assert.Equal(t, 0, b.OrdersCount())
	assert.Empty(t, b.Snapshot(10).Bids)
}

func TestCanFullyFillRespectsPriceLimit(t *testing.T) {
	b := NewBook(testPair(), zap.NewNop())
	mustPlace(t, b, limit(models.SideSell, "1.00", "3"))
	mustPlace(t, b, limit(models.SideSell, "2.00", "3"))

	within := limit(models.SideBuy, "1.00", "3")
	assert.True(t, b.CanFullyFill(within))

	tooDeep := limit(models.SideBuy, "1.00", "4")
	assert.False(t, b.CanFullyFill(tooDeep), "second level does not cross")

	across := limit(models.SideBuy, "2.00", "6")
	assert.True(t, b.CanFullyFill(across))
}

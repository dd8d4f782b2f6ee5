package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gaiadex/engine/internal/custody"
	"github.com/gaiadex/engine/internal/journal"
	"github.com/gaiadex/engine/internal/orderbook"
	"github.com/gaiadex/engine/internal/router"
	"github.com/gaiadex/engine/pkg/errors"
	"github.com/gaiadex/engine/pkg/models"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type testEnv struct {
	svc     *Service
	journal *journal.Memory
	custody *custody.Memory
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	fees, err := NewFeeSchedule(d("0.001"), d("0.002"))
	require.NoError(t, err)

	jnl := journal.NewMemory()
	cust := custody.NewMemory()
	svc := New(Options{
		Journal: jnl,
		Custody: cust,
		Fees:    fees,
		Router: router.Config{
			MaxHops:         3,
			QuoteTTL:        30 * time.Second,
			DefaultSlippage: d("0.005"),
			GasBaseCost:     21000,
			GasCostPerHop:   60000,
		},
		TradeBuffer: 100,
	}, zap.NewNop())
	t.Cleanup(svc.Close)

	require.NoError(t, svc.CreatePair(&models.TradingPair{
		Symbol:       "GAIA-USDT",
		BaseToken:    "GAIA",
		QuoteToken:   "USDT",
		TickSize:     d("0.01"),
		MinOrderSize: d("0.1"),
		MaxOrderSize: d("100000"),
	}))
	return &testEnv{svc: svc, journal: jnl, custody: cust}
}

func (env *testEnv) fundedUser(base, quote string) uuid.UUID {
	user := uuid.New()
	if base != "" {
		env.custody.Deposit(user, "GAIA", d(base))
	}
	if quote != "" {
		env.custody.Deposit(user, "USDT", d(quote))
	}
	return user
}

func limitParams(user uuid.UUID, side models.OrderSide, price, amount string) PlaceOrderParams {
	return PlaceOrderParams{
		UserID:      user,
		Pair:        "GAIA-USDT",
		Side:        side,
		Type:        models.TypeLimit,
		Amount:      d(amount),
		Price:       d(price),
		TimeInForce: models.GTC,
	}
}

func TestCreatePairStampsDefaultFees(t *testing.T) {
	env := newEnv(t)
	pairs := env.svc.ListPairs()
	require.Len(t, pairs, 1)
	assert.True(t, pairs[0].MakerFee.Equal(d("0.001")))
	assert.True(t, pairs[0].TakerFee.Equal(d("0.002")))
}

func TestPlaceOrderReservesAndSettles(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	seller := env.fundedUser("10", "")
	buyer := env.fundedUser("", "100")

	res, err := env.svc.PlaceOrder(ctx, limitParams(seller, models.SideSell, "2.00", "10"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, res.Order.Status)
	assert.True(t, env.custody.Balance(seller, "GAIA").IsZero(), "base held while resting")

	res, err = env.svc.PlaceOrder(ctx, limitParams(buyer, models.SideBuy, "2.00", "10"))
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, models.StatusFilled, res.Order.Status)

	// Base moved seller -> buyer, quote moved buyer -> seller.
	assert.True(t, env.custody.Balance(buyer, "GAIA").Equal(d("10")))
	assert.True(t, env.custody.Balance(buyer, "USDT").Equal(d("80")))
	assert.True(t, env.custody.Balance(seller, "USDT").Equal(d("20")))
	assert.True(t, env.custody.Balance(seller, "GAIA").IsZero())
}

func TestPlaceOrderInsufficientFunds(t *testing.T) {
	env := newEnv(t)
	broke := uuid.New()

	_, err := env.svc.PlaceOrder(context.Background(), limitParams(broke, models.SideSell, "2.00", "10"))
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
}

func TestPlaceOrderUnknownPair(t *testing.T) {
	env := newEnv(t)
	params := limitParams(uuid.New(), models.SideBuy, "2.00", "1")
	params.Pair = "NOPE-USDT"

	_, err := env.svc.PlaceOrder(context.Background(), params)
	require.Error(t, err)
	assert.Equal(t, errors.KindPairNotFound, errors.KindOf(err))
}

func TestOrdersAreJournaled(t *testing.T) {
	env := newEnv(t)
	seller := env.fundedUser("5", "")

	res, err := env.svc.PlaceOrder(context.Background(), limitParams(seller, models.SideSell, "2.00", "5"))
	require.NoError(t, err)

	got, ok := env.journal.Order(res.Order.ID.String())
	require.True(t, ok)
	assert.Equal(t, models.StatusOpen, got.Status)
}

func TestCancelReleasesHold(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	buyer := env.fundedUser("", "100")

	res, err := env.svc.PlaceOrder(ctx, limitParams(buyer, models.SideBuy, "2.00", "10"))
	require.NoError(t, err)
	assert.True(t, env.custody.Balance(buyer, "USDT").Equal(d("80")), "20 quote held")

	cres, err := env.svc.CancelOrder(ctx, "GAIA-USDT", res.Order.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, orderbook.CancelOK, cres.Outcome)
	assert.True(t, env.custody.Balance(buyer, "USDT").Equal(d("100")), "hold released")
}

func TestCancelAllReleasesEverything(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	buyer := env.fundedUser("", "100")

	_, err := env.svc.PlaceOrder(ctx, limitParams(buyer, models.SideBuy, "1.00", "10"))
	require.NoError(t, err)
	_, err = env.svc.PlaceOrder(ctx, limitParams(buyer, models.SideBuy, "2.00", "10"))
	require.NoError(t, err)

	cancelled, err := env.svc.CancelAllOrders(ctx, "GAIA-USDT", buyer)
	require.NoError(t, err)
	assert.Len(t, cancelled, 2)
	assert.True(t, env.custody.Balance(buyer, "USDT").Equal(d("100")))
}

func TestGetOrderAndUserOrders(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	buyer := env.fundedUser("", "100")

	res, err := env.svc.PlaceOrder(ctx, limitParams(buyer, models.SideBuy, "1.00", "10"))
	require.NoError(t, err)

	got, err := env.svc.GetOrder(ctx, "GAIA-USDT", res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Order.ID, got.ID)

	orders, err := env.svc.GetUserOrders(ctx, "GAIA-USDT", buyer, true)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestMarketDataFlows(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	seller := env.fundedUser("10", "")
	buyer := env.fundedUser("", "100")
	_, err := env.svc.PlaceOrder(ctx, limitParams(seller, models.SideSell, "2.00", "10"))
	require.NoError(t, err)
	_, err = env.svc.PlaceOrder(ctx, limitParams(buyer, models.SideBuy, "2.00", "10"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(env.svc.GetTrades("GAIA-USDT", 10)) == 1
	}, time.Second, time.Millisecond)

	ticker, err := env.svc.GetTicker("GAIA-USDT")
	require.NoError(t, err)
	assert.True(t, ticker.LastPrice.Equal(d("2.00")))

	candles, err := env.svc.GetCandles("GAIA-USDT", "1m", 10)
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.True(t, candles[0].Volume.Equal(d("10")))

	snap, err := env.svc.GetOrderBook(ctx, "GAIA-USDT", 10)
	require.NoError(t, err)
	assert.Empty(t, snap.Bids)
	assert.Empty(t, snap.Asks)
}

func TestTradesAreJournaled(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	seller := env.fundedUser("10", "")
	buyer := env.fundedUser("", "100")
	_, err := env.svc.PlaceOrder(ctx, limitParams(seller, models.SideSell, "2.00", "10"))
	require.NoError(t, err)
	_, err = env.svc.PlaceOrder(ctx, limitParams(buyer, models.SideBuy, "2.00", "10"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(env.journal.Trades()) == 1
	}, time.Second, time.Millisecond)
}

func TestSwapLifecycle(t *testing.T) {
	env := newEnv(t)
	lp := env.fundedUser("100000", "100000")
	trader := env.fundedUser("1000", "")

	_, err := env.svc.CreatePool("GAIA-USDT", d("0.003"), d("2"))
	require.NoError(t, err)

	pos, base, quote, err := env.svc.AddLiquidity(lp, "GAIA-USDT", d("0.003"),
		models.PriceRange{Lower: d("0.5"), Upper: d("8")}, d("10000"))
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.True(t, base.GreaterThan(decimal.Zero))
	assert.True(t, quote.GreaterThan(decimal.Zero))

	quoteRes, err := env.svc.GetSwapQuote("GAIA", "USDT", d("10"), d("0.01"))
	require.NoError(t, err)
	assert.True(t, quoteRes.ExpectedOutput.GreaterThan(decimal.Zero))
	assert.True(t, quoteRes.EstimatedGas.Equal(d("81000")), "one hop")

	out, trades, err := env.svc.ExecuteSwap(trader, quoteRes.ID, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, out.Equal(quoteRes.ExpectedOutput))
	assert.Len(t, trades, 1)

	// Input funds left the trader.
	assert.True(t, env.custody.Balance(trader, "GAIA").Equal(d("990")))

	// A consumed quote cannot be replayed.
	_, _, err = env.svc.ExecuteSwap(trader, quoteRes.ID, time.Now().Add(time.Minute))
	require.Error(t, err)
	assert.Equal(t, errors.KindExpired, errors.KindOf(err))
}

func TestSwapUnknownQuote(t *testing.T) {
	env := newEnv(t)
	_, _, err := env.svc.ExecuteSwap(uuid.New(), uuid.New(), time.Time{})
	require.Error(t, err)
	assert.Equal(t, errors.KindExpired, errors.KindOf(err))
}

func TestRemoveLiquidityReturnsFunds(t *testing.T) {
	env := newEnv(t)
	lp := env.fundedUser("100000", "100000")

	_, err := env.svc.CreatePool("GAIA-USDT", d("0.003"), d("2"))
	require.NoError(t, err)
	pos, _, _, err := env.svc.AddLiquidity(lp, "GAIA-USDT", d("0.003"),
		models.PriceRange{Lower: d("0.5"), Upper: d("8")}, d("10000"))
	require.NoError(t, err)

	got, base, quote, fees, err := env.svc.RemoveLiquidity(lp, "GAIA-USDT", d("0.003"), pos.ID, d("100"))
	require.NoError(t, err)
	assert.True(t, got.Liquidity.IsZero())
	assert.True(t, base.GreaterThan(decimal.Zero))
	assert.True(t, quote.GreaterThan(decimal.Zero))
	assert.True(t, fees.IsZero(), "no swaps, no fees")

	positions := env.svc.GetLiquidityPositions(lp)
	assert.Empty(t, positions)
}

func TestFeeScheduleValidation(t *testing.T) {
	_, err := NewFeeSchedule(d("1"), d("0.002"))
	require.Error(t, err)
	_, err = NewFeeSchedule(d("-0.001"), d("0.002"))
	require.Error(t, err)

	fees, err := NewFeeSchedule(d("0.001"), d("0.002"))
	require.NoError(t, err)
	fees.SetPairFees("GAIA-USDT", PairFees{Maker: d("0"), Taker: d("0.001")})
	assert.True(t, fees.For("GAIA-USDT").Taker.Equal(d("0.001")))
	assert.True(t, fees.For("OTHER-USDT").Taker.Equal(d("0.002")))
}

func TestPairHalted(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	halted, err := env.svc.PairHalted(ctx, "GAIA-USDT")
	require.NoError(t, err)
	assert.False(t, halted)

	_, err = env.svc.PairHalted(ctx, "NOPE-USDT")
	require.Error(t, err)
	assert.Equal(t, errors.KindPairNotFound, errors.KindOf(err))
}

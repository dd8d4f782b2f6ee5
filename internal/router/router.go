// Package router finds multi-hop swap paths across AMM pools, computes
// quotes over pool-state snapshots, and orchestrates atomic multi-pool
// execution under a fixed global lock order.
package router

import (
	"container/heap"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/gaiadex/engine/internal/amm"
	"github.com/gaiadex/engine/pkg/errors"
	"github.com/gaiadex/engine/pkg/metrics"
	"github.com/gaiadex/engine/pkg/models"
)

// Config bounds the search and parameterizes quoting.
type Config struct {
	MaxHops         int
	QuoteTTL        time.Duration
	DefaultSlippage decimal.Decimal
	GasBaseCost     int64
	GasCostPerHop   int64
}

// Router composes AMM pools into multi-hop swaps.
type Router struct {
	amm    *amm.Engine
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// New creates a router over the AMM engine's pool set.
func New(ammEngine *amm.Engine, cfg Config, logger *zap.Logger) *Router {
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = 3
	}
	if cfg.QuoteTTL <= 0 {
		cfg.QuoteTTL = 30 * time.Second
	}
	if cfg.DefaultSlippage.IsZero() {
		cfg.DefaultSlippage = decimal.RequireFromString("0.005")
	}
	return &Router{
		amm:    ammEngine,
		cfg:    cfg,
		logger: logger.Named("router"),
		now:    time.Now,
	}
}

// candidate is a partial path in the best-first search.
type candidate struct {
	token  string
	amount decimal.Decimal
	impact decimal.Decimal
	legs   []models.SwapLeg
}

// better orders candidates by estimated output, ties broken by lowest
// cumulative price impact.
func better(a, b *candidate) bool {
	if !a.amount.Equal(b.amount) {
		return a.amount.GreaterThan(b.amount)
	}
	return a.impact.LessThan(b.impact)
}

type candidateHeap []*candidate

func (h candidateHeap) Len() int           { return len(h) }
func (h candidateHeap) Less(i, j int) bool { return better(h[i], h[j]) }
func (h candidateHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x any)        { *h = append(*h, x.(*candidate)) }
func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}

// FindBestRoute searches the pool graph (nodes = tokens, edges = pools)
// best-first, bounded by MaxHops, scoring by output net of fees and
// impact. Quotes are taken against pool snapshots; the result is not a
// reservation.
func (r *Router) FindBestRoute(tokenIn, tokenOut string, amountIn decimal.Decimal) (*models.SwapRoute, error) {
	if tokenIn == tokenOut {
		return nil, errors.Validation("route endpoints must differ, got %s", tokenIn)
	}
	if amountIn.LessThanOrEqual(decimal.Zero) {
		return nil, errors.Validation("route amount must be positive, got %s", amountIn)
	}

	pools := r.amm.Pools()

	h := &candidateHeap{{token: tokenIn, amount: amountIn, impact: decimal.Zero}}
	heap.Init(h)

	// best remembers the strongest candidate seen per token to prune
	// dominated paths.
	best := map[string]*candidate{tokenIn: (*h)[0]}
	var winner *candidate

	for h.Len() > 0 {
		cur := heap.Pop(h).(*candidate)
		if cur.token == tokenOut {
			if winner == nil || better(cur, winner) {
				winner = cur
			}
			continue
		}
		if len(cur.legs) >= r.cfg.MaxHops {
			continue
		}
		for _, pool := range pools {
			leg, impact, ok := r.expand(pool, cur)
			if !ok {
				continue
			}
			next := &candidate{
				token:  leg.TokenOut,
				amount: leg.AmountOut,
				impact: cur.impact.Add(impact),
				legs:   append(append([]models.SwapLeg{}, cur.legs...), leg),
			}
			if prev, seen := best[next.token]; seen && !better(next, prev) {
				continue
			}
			best[next.token] = next
			heap.Push(h, next)
		}
	}

	if winner == nil {
		return nil, errors.InsufficientLiquidity("no route from %s to %s", tokenIn, tokenOut)
	}
	return &models.SwapRoute{
		TokenIn:     tokenIn,
		TokenOut:    tokenOut,
		Legs:        winner.legs,
		Output:      winner.amount,
		PriceImpact: winner.impact,
	}, nil
}

// expand tries to extend a candidate through one pool and reports the
// resulting leg plus that leg's price impact.
func (r *Router) expand(pool *amm.Pool, cur *candidate) (models.SwapLeg, decimal.Decimal, bool) {
	var tokenOut string
	switch cur.token {
	case pool.Pair.BaseToken:
		tokenOut = pool.Pair.QuoteToken
	case pool.Pair.QuoteToken:
		tokenOut = pool.Pair.BaseToken
	default:
		return models.SwapLeg{}, decimal.Zero, false
	}
	for _, leg := range cur.legs {
		if leg.PoolID == pool.ID {
			return models.SwapLeg{}, decimal.Zero, false
		}
	}

	pool.Lock()
	spot := pool.PriceLocked()
	out, err := pool.QuoteLocked(cur.token, cur.amount)
	pool.Unlock()
	if err != nil || out.LessThanOrEqual(decimal.Zero) {
		return models.SwapLeg{}, decimal.Zero, false
	}

	impact := legImpact(cur.token == pool.Pair.BaseToken, spot, cur.amount, out)
	return models.SwapLeg{
		PoolID:    pool.ID,
		Pair:      pool.Pair.Symbol,
		TokenIn:   cur.token,
		TokenOut:  tokenOut,
		AmountIn:  cur.amount,
		AmountOut: out,
	}, impact, true
}

// legImpact measures the deviation of the effective execution price from
// the pre-trade spot price, fees included.
func legImpact(baseIn bool, spot, amountIn, amountOut decimal.Decimal) decimal.Decimal {
	if spot.IsZero() || amountIn.IsZero() || amountOut.IsZero() {
		return decimal.Zero
	}
	var eff decimal.Decimal // quote per base actually realized
	if baseIn {
		eff = amountOut.DivRound(amountIn, amm.DivPrecision)
	} else {
		eff = amountIn.DivRound(amountOut, amm.DivPrecision)
	}
	impact := eff.Sub(spot).DivRound(spot, amm.DivPrecision).Abs()
	return impact
}

// CalculatePriceImpact returns the route's cumulative price impact.
func (r *Router) CalculatePriceImpact(route *models.SwapRoute) decimal.Decimal {
	if route == nil {
		return decimal.Zero
	}
	return route.PriceImpact
}

// MinimumReceived applies a slippage tolerance to an expected output.
func (r *Router) MinimumReceived(expected, slippageTolerance decimal.Decimal) decimal.Decimal {
	if slippageTolerance.IsZero() {
		slippageTolerance = r.cfg.DefaultSlippage
	}
	return expected.Mul(decimal.NewFromInt(1).Sub(slippageTolerance))
}

// EstimateGas returns the deterministic gas estimate for a route.
func (r *Router) EstimateGas(route *models.SwapRoute) decimal.Decimal {
	hops := int64(0)
	if route != nil {
		hops = int64(len(route.Legs))
	}
	return decimal.NewFromInt(r.cfg.GasBaseCost + r.cfg.GasCostPerHop*hops)
}

// GetSwapQuote computes an ephemeral quote with an explicit expiry. It is
// a pure computation over snapshots, re-validated at execution time.
func (r *Router) GetSwapQuote(tokenIn, tokenOut string, amountIn, slippageTolerance decimal.Decimal) (*models.SwapQuote, error) {
	route, err := r.FindBestRoute(tokenIn, tokenOut, amountIn)
	if err != nil {
		return nil, err
	}
	now := r.now().UTC()
	return &models.SwapQuote{
		ID:              uuid.New(),
		Route:           *route,
		AmountIn:        amountIn,
		ExpectedOutput:  route.Output,
		MinimumReceived: r.MinimumReceived(route.Output, slippageTolerance),
		PriceImpact:     route.PriceImpact,
		EstimatedGas:    r.EstimateGas(route),
		ValidUntil:      now.Add(r.cfg.QuoteTTL),
		CreatedAt:       now,
	}, nil
}

// ExecuteSwap applies a quoted route atomically. Pool locks are acquired
// in ascending pool-ID order; deadline and validUntil are checked after
// re-validation against the locked live state, immediately before any
// state would be mutated. Either every leg applies or none does.
func (r *Router) ExecuteSwap(quote *models.SwapQuote, deadline time.Time) (decimal.Decimal, []*models.Trade, error) {
	if quote == nil || len(quote.Route.Legs) == 0 {
		return decimal.Zero, nil, errors.Validation("swap quote with at least one leg is required")
	}

	// Resolve and lock every pool on the route in the fixed global order.
	poolsByID := make(map[string]*amm.Pool, len(quote.Route.Legs))
	ids := make([]string, 0, len(quote.Route.Legs))
	for _, leg := range quote.Route.Legs {
		pool, err := r.amm.Pool(leg.PoolID)
		if err != nil {
			return decimal.Zero, nil, err
		}
		if _, dup := poolsByID[pool.ID]; dup {
			return decimal.Zero, nil, errors.Validation("route visits pool %s twice", pool.ID)
		}
		poolsByID[pool.ID] = pool
		ids = append(ids, pool.ID)
	}
	sort.Strings(ids)
	for _, id := range ids {
		poolsByID[id].Lock()
	}
	defer func() {
		for i := len(ids) - 1; i >= 0; i-- {
			poolsByID[ids[i]].Unlock()
		}
	}()

	// Re-validate the whole route against the locked live state. This
	// repeats the curve math each leg will run, so an invariant or
	// liquidity failure surfaces here, before anything is touched.
	amount := quote.AmountIn
	for _, leg := range quote.Route.Legs {
		out, err := poolsByID[leg.PoolID].QuoteLocked(leg.TokenIn, amount)
		if err != nil {
			metrics.SwapsExecuted.WithLabelValues("aborted").Inc()
			return decimal.Zero, nil, err
		}
		amount = out
	}

	now := r.now()
	if now.After(quote.ValidUntil) {
		metrics.SwapsExecuted.WithLabelValues("expired").Inc()
		return decimal.Zero, nil, errors.Expired("quote %s expired at %s", quote.ID, quote.ValidUntil)
	}
	if !deadline.IsZero() && now.After(deadline) {
		metrics.SwapsExecuted.WithLabelValues("expired").Inc()
		return decimal.Zero, nil, errors.Expired("swap deadline %s has passed", deadline)
	}
	if amount.LessThan(quote.MinimumReceived) {
		metrics.SwapsExecuted.WithLabelValues("slippage").Inc()
		return decimal.Zero, nil, errors.SlippageExceeded(
			"live output %s below minimum received %s", amount, quote.MinimumReceived)
	}

	// Commit leg by leg in path order. The pre-check ran the identical
	// computation on the same locked state, so these applications are
	// deterministic and cannot fail midway.
	var trades []*models.Trade
	amount = quote.AmountIn
	ref := uuid.New()
	for _, leg := range quote.Route.Legs {
		out, trade, err := poolsByID[leg.PoolID].SwapLocked(leg.TokenIn, amount, decimal.Zero, ref)
		if err != nil {
			metrics.SwapsExecuted.WithLabelValues("invariant").Inc()
			return decimal.Zero, nil, errors.Wrap(errors.KindInternalInvariant, err,
				"leg apply diverged from validated route in pool %s", leg.PoolID)
		}
		trades = append(trades, trade)
		amount = out
	}

	for _, trade := range trades {
		r.amm.EmitTrade(trade)
	}
	metrics.SwapsExecuted.WithLabelValues("ok").Inc()
	r.logger.Info("swap executed",
		zap.String("quote", quote.ID.String()),
		zap.Int("legs", len(trades)),
		zap.String("amount_in", quote.AmountIn.String()),
		zap.String("amount_out", amount.String()))
	return amount, trades, nil
}

package amm

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/gaiadex/engine/pkg/errors"
	"github.com/gaiadex/engine/pkg/models"
)

// rangePos pairs a position with its precomputed sqrt bounds.
type rangePos struct {
	pos       *models.LiquidityPosition
	sqrtLower decimal.Decimal
	sqrtUpper decimal.Decimal
}

// active reports whether the position's range contains sqrtP. The lower
// bound is inclusive, the upper exclusive, so adjacent ranges never
// double-count at a shared boundary.
func (rp *rangePos) active(sqrtP decimal.Decimal) bool {
	return sqrtP.GreaterThanOrEqual(rp.sqrtLower) && sqrtP.LessThan(rp.sqrtUpper)
}

// Pool is one pair+fee-tier liquidity pool. Its execution right is the
// pool mutex; the router acquires it through Lock/Unlock in globally
// ordered fashion for multi-pool swaps.
type Pool struct {
	ID      string
	Pair    *models.TradingPair
	FeeTier decimal.Decimal

	mu        sync.Mutex
	sqrtPrice decimal.Decimal
	positions map[uuid.UUID]*rangePos
	halted    bool
	haltCause error
	logger    *zap.Logger
}

// PoolID derives the canonical pool identifier.
func PoolID(symbol string, feeTier decimal.Decimal) string {
	return fmt.Sprintf("%s@%s", symbol, feeTier.String())
}

// NewPool creates a pool at an initial price (quote per base).
func NewPool(pair *models.TradingPair, feeTier, initialPrice decimal.Decimal, logger *zap.Logger) (*Pool, error) {
	if feeTier.IsNegative() || feeTier.GreaterThanOrEqual(one) {
		return nil, errors.Validation("fee tier %s out of [0,1)", feeTier)
	}
	if initialPrice.LessThanOrEqual(decimal.Zero) {
		return nil, errors.Validation("initial price must be positive, got %s", initialPrice)
	}
	sqrtP, err := Sqrt(initialPrice)
	if err != nil {
		return nil, err
	}
	id := PoolID(pair.Symbol, feeTier)
	return &Pool{
		ID:        id,
		Pair:      pair,
		FeeTier:   feeTier,
		sqrtPrice: sqrtP,
		positions: make(map[uuid.UUID]*rangePos),
		logger:    logger.Named("pool").With(zap.String("pool", id)),
	}, nil
}

// Lock acquires the pool's execution right. Multi-pool callers must
// acquire pools in ascending PoolID order.
func (p *Pool) Lock() { p.mu.Lock() }

// Unlock releases the pool's execution right.
func (p *Pool) Unlock() { p.mu.Unlock() }

// Price returns the current pool price (quote per base).
func (p *Pool) Price() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.priceLocked()
}

// PriceLocked returns the current pool price. Callers hold the pool lock.
func (p *Pool) PriceLocked() decimal.Decimal {
	return p.priceLocked()
}

func (p *Pool) priceLocked() decimal.Decimal {
	return p.sqrtPrice.Mul(p.sqrtPrice)
}

func (p *Pool) guardLocked() error {
	if p.halted {
		return errors.Wrap(errors.KindTradingHalted, p.haltCause,
			"pool %s is halted pending operator intervention", p.ID)
	}
	return nil
}

func (p *Pool) haltLocked(cause error) {
	p.halted = true
	p.haltCause = cause
	p.logger.Error("pool halted on invariant violation", zap.Error(cause))
}

// Resume lifts a halt. Operator tooling only.
func (p *Pool) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.halted {
		p.halted = false
		p.haltCause = nil
		p.logger.Warn("pool resumed by operator")
	}
}

// activeLiquidityLocked sums liquidity of positions whose range contains
// sqrtP.
func (p *Pool) activeLiquidityLocked(sqrtP decimal.Decimal) decimal.Decimal {
	sum := decimal.Zero
	for _, rp := range p.positions {
		if rp.active(sqrtP) {
			sum = sum.Add(rp.pos.Liquidity)
		}
	}
	return sum
}

// nextBoundaryLocked finds the nearest range boundary strictly below
// (down=true) or strictly above sqrtP. ok is false when none exists.
func (p *Pool) nextBoundaryLocked(sqrtP decimal.Decimal, down bool) (decimal.Decimal, bool) {
	var best decimal.Decimal
	found := false
	consider := func(b decimal.Decimal) {
		if down {
			if b.LessThan(sqrtP) && (!found || b.GreaterThan(best)) {
				best, found = b, true
			}
		} else {
			if b.GreaterThan(sqrtP) && (!found || b.LessThan(best)) {
				best, found = b, true
			}
		}
	}
	for _, rp := range p.positions {
		consider(rp.sqrtLower)
		consider(rp.sqrtUpper)
	}
	return best, found
}

// segmentFill records one traversed sub-range of a swap simulation.
type segmentFill struct {
	liquidity decimal.Decimal
	fee       decimal.Decimal
	sqrtFrom  decimal.Decimal
	sqrtTo    decimal.Decimal
}

// swapResult is a pure simulation outcome; applying it is a separate step.
type swapResult struct {
	amountOut    decimal.Decimal
	feeTotal     decimal.Decimal
	newSqrtPrice decimal.Decimal
	segments     []segmentFill
}

// simulateLocked computes an exact-input swap against current pool state
// without mutating it. baseIn selects the direction: selling base pushes
// the price down, selling quote pushes it up. The swap consumes liquidity
// segment by segment, crossing range boundaries sequentially.
func (p *Pool) simulateLocked(baseIn bool, amountIn decimal.Decimal) (*swapResult, error) {
	if amountIn.LessThanOrEqual(decimal.Zero) {
		return nil, errors.Validation("swap amount must be positive, got %s", amountIn)
	}
	res := &swapResult{newSqrtPrice: p.sqrtPrice}
	remaining := amountIn
	feeFactor := one.Sub(p.FeeTier)

	for remaining.GreaterThan(decimal.Zero) {
		sqrtP := res.newSqrtPrice
		bound, ok := p.nextBoundaryLocked(sqrtP, baseIn)
		if !ok {
			break // ran off the end of provisioned liquidity
		}
		// Liquidity is evaluated strictly inside the segment: a range
		// whose bound coincides with sqrtP contributes nothing to the
		// sub-range being traversed.
		probe := div(sqrtP.Add(bound), two)
		liq := p.activeLiquidityLocked(probe)
		if liq.IsZero() {
			res.newSqrtPrice = bound
			continue
		}

		// Net input capacity of this segment, i.e. what it takes to
		// push the price to the next boundary.
		var netCap decimal.Decimal
		if baseIn {
			netCap = liq.Mul(div(one, bound).Sub(div(one, sqrtP)))
		} else {
			netCap = liq.Mul(bound.Sub(sqrtP))
		}
		grossCap := div(netCap, feeFactor)

		var net, fee, out, newSqrt decimal.Decimal
		if remaining.GreaterThanOrEqual(grossCap) {
			net, fee = netCap, grossCap.Sub(netCap)
			newSqrt = bound
			remaining = remaining.Sub(grossCap)
		} else {
			net = remaining.Mul(feeFactor)
			fee = remaining.Sub(net)
			if baseIn {
				newSqrt = div(one, div(one, sqrtP).Add(div(net, liq)))
			} else {
				newSqrt = sqrtP.Add(div(net, liq))
			}
			remaining = decimal.Zero
		}
		if baseIn {
			out = liq.Mul(sqrtP.Sub(newSqrt))
		} else {
			out = liq.Mul(div(one, sqrtP).Sub(div(one, newSqrt)))
		}

		if err := checkSegment(liq, sqrtP, newSqrt, net, baseIn); err != nil {
			return nil, err
		}

		res.segments = append(res.segments, segmentFill{
			liquidity: liq,
			fee:       fee,
			sqrtFrom:  sqrtP,
			sqrtTo:    newSqrt,
		})
		res.amountOut = res.amountOut.Add(out)
		res.feeTotal = res.feeTotal.Add(fee)
		res.newSqrtPrice = newSqrt
	}

	if remaining.GreaterThan(decimal.Zero) {
		return nil, errors.InsufficientLiquidity(
			"pool %s exhausted with %s of %s input unconsumed", p.ID, remaining, amountIn)
	}
	return res, nil
}

// checkSegment re-derives the net input from the price move and requires
// agreement with the forward computation. Within one segment the virtual
// reserves (L/sqrtP, L*sqrtP) keep the product L^2; a disagreement beyond
// rounding tolerance means the curve math is broken, which is fatal.
func checkSegment(liq, sqrtFrom, sqrtTo, net decimal.Decimal, baseIn bool) error {
	var rederived decimal.Decimal
	if baseIn {
		rederived = liq.Mul(div(one, sqrtTo).Sub(div(one, sqrtFrom)))
	} else {
		rederived = liq.Mul(sqrtTo.Sub(sqrtFrom))
	}
	if !withinTolerance(rederived, net) {
		return errors.Invariant(
			"segment invariant violated: net in %s, re-derived %s (L=%s, sqrt %s -> %s)",
			net, rederived, liq, sqrtFrom, sqrtTo)
	}
	return nil
}

// QuoteLocked simulates a swap and returns the output. Callers hold the
// pool lock; nothing is mutated.
func (p *Pool) QuoteLocked(tokenIn string, amountIn decimal.Decimal) (decimal.Decimal, error) {
	baseIn, err := p.direction(tokenIn)
	if err != nil {
		return decimal.Zero, err
	}
	if err := p.guardLocked(); err != nil {
		return decimal.Zero, err
	}
	res, err := p.simulateLocked(baseIn, amountIn)
	if err != nil {
		return decimal.Zero, err
	}
	return res.amountOut, nil
}

// SwapLocked executes an exact-input swap against the locked pool state:
// it commits the price move, accrues fees pro-rata to the liquidity
// active in each traversed sub-range, and returns the output plus the
// immutable trade record. Callers hold the pool lock.
func (p *Pool) SwapLocked(tokenIn string, amountIn, minAmountOut decimal.Decimal, takerRef uuid.UUID) (decimal.Decimal, *models.Trade, error) {
	baseIn, err := p.direction(tokenIn)
	if err != nil {
		return decimal.Zero, nil, err
	}
	if err := p.guardLocked(); err != nil {
		return decimal.Zero, nil, err
	}
	res, err := p.simulateLocked(baseIn, amountIn)
	if err != nil {
		if errors.IsKind(err, errors.KindInternalInvariant) {
			p.haltLocked(err)
		}
		return decimal.Zero, nil, err
	}
	if res.amountOut.LessThan(minAmountOut) {
		return decimal.Zero, nil, errors.InsufficientLiquidity(
			"pool %s output %s below requested minimum %s", p.ID, res.amountOut, minAmountOut)
	}

	// Commit: move the price and credit fees to in-range positions.
	p.sqrtPrice = res.newSqrtPrice
	for _, seg := range res.segments {
		if seg.fee.IsZero() {
			continue
		}
		mid := div(seg.sqrtFrom.Add(seg.sqrtTo), two)
		for _, rp := range p.positions {
			if rp.active(mid) {
				share := div(rp.pos.Liquidity, seg.liquidity)
				rp.pos.FeesPending = rp.pos.FeesPending.Add(seg.fee.Mul(share))
			}
		}
	}

	trade := p.newTradeLocked(baseIn, amountIn, res, takerRef)
	return res.amountOut, trade, nil
}

// newTradeLocked builds the execution record for an AMM swap. Price is
// the effective execution price in quote per base; the fee is recorded in
// input-token units on the taker side.
func (p *Pool) newTradeLocked(baseIn bool, amountIn decimal.Decimal, res *swapResult, takerRef uuid.UUID) *models.Trade {
	var side models.OrderSide
	var baseAmount, price decimal.Decimal
	netIn := amountIn.Sub(res.feeTotal)
	if baseIn {
		side = models.SideSell
		baseAmount = netIn
		price = div(res.amountOut, netIn)
	} else {
		side = models.SideBuy
		baseAmount = res.amountOut
		price = div(netIn, res.amountOut)
	}
	return &models.Trade{
		ID:           uuid.New(),
		Pair:         p.Pair.Symbol,
		Price:        price,
		Amount:       baseAmount,
		Side:         side,
		TakerOrderID: takerRef,
		TakerFee:     res.feeTotal,
		CreatedAt:    time.Now().UTC(),
	}
}

// direction maps the input token to a price direction.
func (p *Pool) direction(tokenIn string) (baseIn bool, err error) {
	switch tokenIn {
	case p.Pair.BaseToken:
		return true, nil
	case p.Pair.QuoteToken:
		return false, nil
	default:
		return false, errors.Validation("token %s is not part of pool %s", tokenIn, p.ID)
	}
}

// requiredAmounts computes the base/quote amounts a liquidity stake of L
// over [sqrtLower, sqrtUpper) demands at the current price.
func requiredAmounts(liq, sqrtP, sqrtLower, sqrtUpper decimal.Decimal) (base, quote decimal.Decimal) {
	sp := sqrtP
	if sp.LessThan(sqrtLower) {
		sp = sqrtLower
	}
	if sp.GreaterThan(sqrtUpper) {
		sp = sqrtUpper
	}
	base = liq.Mul(div(one, sp).Sub(div(one, sqrtUpper)))
	quote = liq.Mul(sp.Sub(sqrtLower))
	return base, quote
}

// AddPosition creates a position over the given range and returns it with
// the token amounts its liquidity requires at current price.
func (p *Pool) AddPosition(owner uuid.UUID, rng models.PriceRange, liquidity decimal.Decimal) (*models.LiquidityPosition, decimal.Decimal, decimal.Decimal, error) {
	if err := rng.Validate(); err != nil {
		return nil, decimal.Zero, decimal.Zero, err
	}
	if liquidity.LessThanOrEqual(decimal.Zero) {
		return nil, decimal.Zero, decimal.Zero, errors.Validation("liquidity must be positive, got %s", liquidity)
	}
	sqrtLower, err := Sqrt(rng.Lower)
	if err != nil {
		return nil, decimal.Zero, decimal.Zero, err
	}
	sqrtUpper, err := Sqrt(rng.Upper)
	if err != nil {
		return nil, decimal.Zero, decimal.Zero, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.guardLocked(); err != nil {
		return nil, decimal.Zero, decimal.Zero, err
	}

	pos := &models.LiquidityPosition{
		ID:        uuid.New(),
		Owner:     owner,
		Pair:      p.Pair.Symbol,
		FeeTier:   p.FeeTier,
		Liquidity: liquidity,
		Range:     rng,
		CreatedAt: time.Now().UTC(),
	}
	p.positions[pos.ID] = &rangePos{pos: pos, sqrtLower: sqrtLower, sqrtUpper: sqrtUpper}

	base, quote := requiredAmounts(liquidity, p.sqrtPrice, sqrtLower, sqrtUpper)
	p.logger.Info("liquidity added",
		zap.String("position", pos.ID.String()),
		zap.String("liquidity", liquidity.String()),
		zap.String("range", fmt.Sprintf("[%s,%s)", rng.Lower, rng.Upper)))
	return clonePosition(pos), base, quote, nil
}

// RemovePosition reduces a position by percent (0,100], crystallizes its
// pending fees into collected, and destroys it at zero liquidity. Returns
// the token amounts released and the fees crystallized by this call.
func (p *Pool) RemovePosition(positionID, owner uuid.UUID, percent decimal.Decimal) (*models.LiquidityPosition, decimal.Decimal, decimal.Decimal, decimal.Decimal, error) {
	hundred := decimal.NewFromInt(100)
	if percent.LessThanOrEqual(decimal.Zero) || percent.GreaterThan(hundred) {
		return nil, decimal.Zero, decimal.Zero, decimal.Zero,
			errors.Validation("percent must be in (0,100], got %s", percent)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.guardLocked(); err != nil {
		return nil, decimal.Zero, decimal.Zero, decimal.Zero, err
	}

	rp, ok := p.positions[positionID]
	if !ok || rp.pos.Owner != owner {
		return nil, decimal.Zero, decimal.Zero, decimal.Zero,
			errors.E(errors.KindOrderNotFound, "liquidity position not found: %s", positionID)
	}

	removed := div(rp.pos.Liquidity.Mul(percent), hundred)
	base, quote := requiredAmounts(removed, p.sqrtPrice, rp.sqrtLower, rp.sqrtUpper)

	crystallized := rp.pos.FeesPending
	rp.pos.FeesCollected = rp.pos.FeesCollected.Add(crystallized)
	rp.pos.FeesPending = decimal.Zero
	rp.pos.Liquidity = rp.pos.Liquidity.Sub(removed)

	if rp.pos.Liquidity.IsZero() {
		delete(p.positions, positionID)
	}
	p.logger.Info("liquidity removed",
		zap.String("position", positionID.String()),
		zap.String("percent", percent.String()),
		zap.String("fees_crystallized", crystallized.String()))
	return clonePosition(rp.pos), base, quote, crystallized, nil
}

// Positions returns copies of positions, optionally filtered by owner.
func (p *Pool) Positions(owner uuid.UUID) []*models.LiquidityPosition {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*models.LiquidityPosition
	for _, rp := range p.positions {
		if owner != uuid.Nil && rp.pos.Owner != owner {
			continue
		}
		out = append(out, clonePosition(rp.pos))
	}
	return out
}

// ActiveLiquidity reports the liquidity in range at the current price.
func (p *Pool) ActiveLiquidity() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeLiquidityLocked(p.sqrtPrice)
}

// CheckInvariant verifies that the virtual reserves implied by the
// current price and active liquidity reproduce L^2 within tolerance.
func (p *Pool) CheckInvariant() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	liq := p.activeLiquidityLocked(p.sqrtPrice)
	if liq.IsZero() {
		return nil
	}
	x := div(liq, p.sqrtPrice)
	y := liq.Mul(p.sqrtPrice)
	if !withinTolerance(x.Mul(y), liq.Mul(liq)) {
		return errors.Invariant("pool %s: virtual product %s deviates from L^2 %s",
			p.ID, x.Mul(y), liq.Mul(liq))
	}
	return nil
}

func clonePosition(pos *models.LiquidityPosition) *models.LiquidityPosition {
	c := *pos
	return &c
}

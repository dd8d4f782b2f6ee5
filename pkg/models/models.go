// Package models holds the data model shared across the trading engine:
// pairs, orders, trades, liquidity positions and swap quotes. All monetary
// quantities are shopspring decimals; they cross the API boundary as
// decimal strings and never pass through binary floating point.
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gaiadex/engine/pkg/errors"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// Valid reports whether the side is one of the two known values.
func (s OrderSide) Valid() bool { return s == SideBuy || s == SideSell }

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType enumerates the supported order types.
type OrderType string

const (
	TypeLimit     OrderType = "limit"
	TypeMarket    OrderType = "market"
	TypeStop      OrderType = "stop"
	TypeStopLimit OrderType = "stop-limit"
)

func (t OrderType) Valid() bool {
	switch t {
	case TypeLimit, TypeMarket, TypeStop, TypeStopLimit:
		return true
	}
	return false
}

// RequiresPrice reports whether orders of this type carry a limit price.
func (t OrderType) RequiresPrice() bool {
	return t == TypeLimit || t == TypeStopLimit
}

// RequiresStopPrice reports whether orders of this type carry a stop price.
func (t OrderType) RequiresStopPrice() bool {
	return t == TypeStop || t == TypeStopLimit
}

// TimeInForce controls remainder handling after matching.
type TimeInForce string

const (
	GTC TimeInForce = "GTC" // rest until filled or cancelled
	IOC TimeInForce = "IOC" // fill what crosses, cancel the rest
	FOK TimeInForce = "FOK" // fill entirely or reject with no effect
)

func (tif TimeInForce) Valid() bool {
	return tif == GTC || tif == IOC || tif == FOK
}

// OrderStatus is the lifecycle state of an order. Transitions are
// monotonic: once terminal, an order never changes again.
type OrderStatus string

const (
	StatusPending         OrderStatus = "pending"
	StatusOpen            OrderStatus = "open"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCancelled       OrderStatus = "cancelled"
	StatusRejected        OrderStatus = "rejected"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// allowedTransitions is the order state machine. pending is the admission
// state; rejected is reachable only from pending (validation failure).
var allowedTransitions = map[OrderStatus][]OrderStatus{
	StatusPending:         {StatusOpen, StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusRejected},
	StatusOpen:            {StatusPartiallyFilled, StatusFilled, StatusCancelled},
	StatusPartiallyFilled: {StatusPartiallyFilled, StatusFilled, StatusCancelled},
}

// CanTransition reports whether from → to is a legal state change.
func (s OrderStatus) CanTransition(to OrderStatus) bool {
	for _, next := range allowedTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// TradingPair describes a market and its admission rules.
type TradingPair struct {
	Symbol       string          `json:"symbol"`
	BaseToken    string          `json:"base_token"`
	QuoteToken   string          `json:"quote_token"`
	TickSize     decimal.Decimal `json:"tick_size"`
	MinOrderSize decimal.Decimal `json:"min_order_size"`
	MaxOrderSize decimal.Decimal `json:"max_order_size"`
	MakerFee     decimal.Decimal `json:"maker_fee"`
	TakerFee     decimal.Decimal `json:"taker_fee"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Validate checks the pair metadata itself, not an order against it.
func (p *TradingPair) Validate() error {
	if p.Symbol == "" {
		return errors.Validation("pair symbol must not be empty")
	}
	if p.BaseToken == "" || p.QuoteToken == "" {
		return errors.Validation("pair %s: base and quote tokens are required", p.Symbol)
	}
	if p.BaseToken == p.QuoteToken {
		return errors.Validation("pair %s: base and quote tokens must differ", p.Symbol)
	}
	if p.TickSize.LessThanOrEqual(decimal.Zero) {
		return errors.Validation("pair %s: tick size must be positive", p.Symbol)
	}
	if p.MinOrderSize.LessThanOrEqual(decimal.Zero) {
		return errors.Validation("pair %s: min order size must be positive", p.Symbol)
	}
	if p.MaxOrderSize.LessThan(p.MinOrderSize) {
		return errors.Validation("pair %s: max order size below min order size", p.Symbol)
	}
	return nil
}

// Order represents a trading order. Once admitted it is owned exclusively
// by the pair's matching actor; everything else references it by ID.
type Order struct {
	ID          uuid.UUID       `json:"id"`
	UserID      uuid.UUID       `json:"user_id"`
	Pair        string          `json:"pair"`
	Side        OrderSide       `json:"side"`
	Type        OrderType       `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Price       decimal.Decimal `json:"price,omitempty"`
	StopPrice   decimal.Decimal `json:"stop_price,omitempty"`
	TimeInForce TimeInForce     `json:"time_in_force"`
	Status      OrderStatus     `json:"status"`
	Remaining   decimal.Decimal `json:"remaining_amount"`
	Sequence    uint64          `json:"sequence"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Filled is the executed quantity so far.
func (o *Order) Filled() decimal.Decimal { return o.Amount.Sub(o.Remaining) }

// Transition moves the order to a new status, enforcing monotonicity.
func (o *Order) Transition(to OrderStatus) error {
	if o.Status == to {
		return nil
	}
	if !o.Status.CanTransition(to) {
		return errors.E(errors.KindInvalidStateTransition,
			"order %s: illegal transition %s -> %s", o.ID, o.Status, to)
	}
	o.Status = to
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// Clone returns a copy safe to hand outside the owning actor.
func (o *Order) Clone() *Order {
	c := *o
	return &c
}

// Trade is the immutable record of one execution. It is never mutated or
// deleted after creation.
type Trade struct {
	ID           uuid.UUID       `json:"id"`
	Pair         string          `json:"pair"`
	Price        decimal.Decimal `json:"price"`
	Amount       decimal.Decimal `json:"amount"`
	Side         OrderSide       `json:"side"` // taker side
	MakerOrderID uuid.UUID       `json:"maker_order_id"`
	TakerOrderID uuid.UUID       `json:"taker_order_id"`
	MakerUserID  uuid.UUID       `json:"maker_user_id,omitempty"`
	TakerUserID  uuid.UUID       `json:"taker_user_id,omitempty"`
	MakerFee     decimal.Decimal `json:"maker_fee"`
	TakerFee     decimal.Decimal `json:"taker_fee"`
	CreatedAt    time.Time       `json:"created_at"`
}

// OrderBookLevel is one aggregated price level of a book snapshot.
type OrderBookLevel struct {
	Price      decimal.Decimal `json:"price"`
	Amount     decimal.Decimal `json:"amount"`
	OrderCount int             `json:"order_count"`
}

// OrderBookSnapshot is a point-in-time view of a pair's book. It is
// derived from live orders and never persisted as source of truth.
type OrderBookSnapshot struct {
	Pair      string           `json:"pair"`
	Bids      []OrderBookLevel `json:"bids"`
	Asks      []OrderBookLevel `json:"asks"`
	Timestamp time.Time        `json:"timestamp"`
}

// PriceRange bounds a concentrated-liquidity position.
type PriceRange struct {
	Lower decimal.Decimal `json:"lower"`
	Upper decimal.Decimal `json:"upper"`
}

// Validate enforces lower < upper and positive bounds.
func (r PriceRange) Validate() error {
	if r.Lower.LessThanOrEqual(decimal.Zero) {
		return errors.E(errors.KindInvalidRange, "lower bound must be positive")
	}
	if r.Lower.GreaterThanOrEqual(r.Upper) {
		return errors.E(errors.KindInvalidRange, "lower %s >= upper %s", r.Lower, r.Upper)
	}
	return nil
}

// Contains reports whether price lies in [Lower, Upper).
func (r PriceRange) Contains(price decimal.Decimal) bool {
	return price.GreaterThanOrEqual(r.Lower) && price.LessThan(r.Upper)
}

// LiquidityPosition is one provider's stake in a pool price range.
type LiquidityPosition struct {
	ID            uuid.UUID       `json:"id"`
	Owner         uuid.UUID       `json:"owner"`
	Pair          string          `json:"pair"`
	FeeTier       decimal.Decimal `json:"fee_tier"`
	Liquidity     decimal.Decimal `json:"liquidity"`
	Range         PriceRange      `json:"price_range"`
	FeesPending   decimal.Decimal `json:"fees_pending"`
	FeesCollected decimal.Decimal `json:"fees_collected"`
	CreatedAt     time.Time       `json:"created_at"`
}

// SwapLeg is one pool hop of a route.
type SwapLeg struct {
	PoolID    string          `json:"pool_id"`
	Pair      string          `json:"pair"`
	TokenIn   string          `json:"token_in"`
	TokenOut  string          `json:"token_out"`
	AmountIn  decimal.Decimal `json:"amount_in"`
	AmountOut decimal.Decimal `json:"amount_out"`
}

// SwapRoute is an ordered list of pool hops from one token to another.
type SwapRoute struct {
	TokenIn     string          `json:"token_in"`
	TokenOut    string          `json:"token_out"`
	Legs        []SwapLeg       `json:"legs"`
	Output      decimal.Decimal `json:"output"`
	PriceImpact decimal.Decimal `json:"price_impact"`
}

// SwapQuote is an ephemeral, non-binding computation over a pool-state
// snapshot. It is re-validated against live state at execution time.
type SwapQuote struct {
	ID              uuid.UUID       `json:"id"`
	Route           SwapRoute       `json:"route"`
	AmountIn        decimal.Decimal `json:"amount_in"`
	ExpectedOutput  decimal.Decimal `json:"expected_output"`
	MinimumReceived decimal.Decimal `json:"minimum_received"`
	PriceImpact     decimal.Decimal `json:"price_impact"`
	EstimatedGas    decimal.Decimal `json:"estimated_gas"`
	ValidUntil      time.Time       `json:"valid_until"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Ticker is derived market data for one pair over a rolling 24h window.
type Ticker struct {
	Pair      string          `json:"pair"`
	LastPrice decimal.Decimal `json:"last_price"`
	High24h   decimal.Decimal `json:"high_24h"`
	Low24h    decimal.Decimal `json:"low_24h"`
	Volume24h decimal.Decimal `json:"volume_24h"`
	Change24h decimal.Decimal `json:"change_24h"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Candle is one OHLCV bucket.
type Candle struct {
	Pair      string          `json:"pair"`
	Interval  string          `json:"interval"`
	OpenTime  time.Time       `json:"open_time"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

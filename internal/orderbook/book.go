// Package orderbook implements the per-pair order book and price-time
// priority matching. All mutation happens inside the pair's Market actor;
// the Book itself is a plain data structure with no internal locking.
package orderbook

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/gaiadex/engine/pkg/errors"
	"github.com/gaiadex/engine/pkg/models"
)

// PriceLevel aggregates resting orders at one price, FIFO by admission
// sequence number.
type PriceLevel struct {
	Price  decimal.Decimal
	orders []*models.Order
}

func (pl *PriceLevel) add(order *models.Order) {
	pl.orders = append(pl.orders, order)
}

func (pl *PriceLevel) remove(orderID uuid.UUID) bool {
	for i, o := range pl.orders {
		if o.ID == orderID {
			pl.orders = append(pl.orders[:i], pl.orders[i+1:]...)
			return true
		}
	}
	return false
}

func (pl *PriceLevel) len() int { return len(pl.orders) }

func (pl *PriceLevel) total() decimal.Decimal {
	sum := decimal.Zero
	for _, o := range pl.orders {
		sum = sum.Add(o.Remaining)
	}
	return sum
}

func byPrice(a, b *PriceLevel) bool { return a.Price.LessThan(b.Price) }

// PlaceResult is the outcome of admitting one order.
type PlaceResult struct {
	Order  *models.Order
	Trades []*models.Trade
}

// Book holds both sides of a pair's order book plus the arena of resting
// orders indexed by ID. Levels reference orders in the arena; they are
// never independent copies.
type Book struct {
	pair   *models.TradingPair
	bids   *btree.BTreeG[*PriceLevel]
	asks   *btree.BTreeG[*PriceLevel]
	orders map[uuid.UUID]*models.Order
	logger *zap.Logger
}

// NewBook creates an empty book for the pair.
func NewBook(pair *models.TradingPair, logger *zap.Logger) *Book {
	return &Book{
		pair:   pair,
		bids:   btree.NewBTreeG(byPrice),
		asks:   btree.NewBTreeG(byPrice),
		orders: make(map[uuid.UUID]*models.Order),
		logger: logger.Named("orderbook").With(zap.String("pair", pair.Symbol)),
	}
}

// sideTrees returns (own, opposite) trees for the given taker side.
func (b *Book) sideTrees(side models.OrderSide) (own, opp *btree.BTreeG[*PriceLevel]) {
	if side == models.SideBuy {
		return b.bids, b.asks
	}
	return b.asks, b.bids
}

// crosses reports whether a taker at takerPrice crosses a maker level.
// Market orders cross every level.
func crosses(order *models.Order, levelPrice decimal.Decimal) bool {
	if !order.Type.RequiresPrice() {
		return true
	}
	if order.Side == models.SideBuy {
		return levelPrice.LessThanOrEqual(order.Price)
	}
	return levelPrice.GreaterThanOrEqual(order.Price)
}

// CanFullyFill simulates the matching walk without mutating state and
// reports whether the order's entire amount would execute. Used for the
// FOK pre-check.
func (b *Book) CanFullyFill(order *models.Order) bool {
	_, opp := b.sideTrees(order.Side)
	needed := order.Remaining
	iter := func(level *PriceLevel) bool {
		if !crosses(order, level.Price) {
			return false
		}
		for _, maker := range level.orders {
			if maker.UserID == order.UserID {
				continue
			}
			needed = needed.Sub(maker.Remaining)
			if needed.LessThanOrEqual(decimal.Zero) {
				return false
			}
		}
		return true
	}
	if order.Side == models.SideBuy {
		opp.Scan(iter)
	} else {
		opp.Reverse(iter)
	}
	return needed.LessThanOrEqual(decimal.Zero)
}

// Place runs the matching walk for an already-validated, sequenced order
// and applies remainder handling per its time in force. The caller (the
// pair actor) owns serialization.
func (b *Book) Place(order *models.Order) (*PlaceResult, error) {
	if order.TimeInForce == models.FOK && !b.CanFullyFill(order) {
		if err := order.Transition(models.StatusRejected); err != nil {
			return nil, err
		}
		return &PlaceResult{Order: order}, nil
	}

	trades, err := b.match(order)
	if err != nil {
		return nil, err
	}

	switch {
	case order.Remaining.IsZero():
		if err := order.Transition(models.StatusFilled); err != nil {
			return nil, err
		}
	case order.TimeInForce == models.IOC || !order.Type.RequiresPrice():
		// IOC and market remainders never rest. An order that got at
		// least one fill reports filled, otherwise cancelled.
		target := models.StatusCancelled
		if order.Filled().GreaterThan(decimal.Zero) {
			target = models.StatusFilled
		}
		if err := order.Transition(target); err != nil {
			return nil, err
		}
	default:
		status := models.StatusOpen
		if order.Filled().GreaterThan(decimal.Zero) {
			status = models.StatusPartiallyFilled
		}
		if err := order.Transition(status); err != nil {
			return nil, err
		}
		b.rest(order)
	}

	if err := b.checkConservation(order, trades); err != nil {
		return nil, err
	}
	return &PlaceResult{Order: order, Trades: trades}, nil
}

// match walks crossing levels best-price-first, oldest order first inside
// each level, filling min(remaining taker, remaining maker) and emitting a
// trade at the maker's price.
func (b *Book) match(order *models.Order) ([]*models.Trade, error) {
	_, opp := b.sideTrees(order.Side)

	var trades []*models.Trade
	var emptied []*PriceLevel

	iter := func(level *PriceLevel) bool {
		if !crosses(order, level.Price) {
			return false
		}
		i := 0
		for i < len(level.orders) && order.Remaining.GreaterThan(decimal.Zero) {
			maker := level.orders[i]
			if maker.UserID == order.UserID {
				i++
				continue
			}
			fill := decimal.Min(order.Remaining, maker.Remaining)
			trade := b.newTrade(order, maker, level.Price, fill)
			trades = append(trades, trade)

			order.Remaining = order.Remaining.Sub(fill)
			maker.Remaining = maker.Remaining.Sub(fill)

			if maker.Remaining.IsZero() {
				if err := maker.Transition(models.StatusFilled); err != nil {
					b.logger.Error("maker transition failed", zap.Error(err))
				}
				level.orders = append(level.orders[:i], level.orders[i+1:]...)
				delete(b.orders, maker.ID)
			} else {
				if err := maker.Transition(models.StatusPartiallyFilled); err != nil {
					b.logger.Error("maker transition failed", zap.Error(err))
				}
				i++
			}
		}
		if level.len() == 0 {
			emptied = append(emptied, level)
		}
		return order.Remaining.GreaterThan(decimal.Zero)
	}

	if order.Side == models.SideBuy {
		opp.Scan(iter)
	} else {
		opp.Reverse(iter)
	}

	for _, level := range emptied {
		opp.Delete(level)
	}
	return trades, nil
}

// newTrade creates the immutable execution record. Fees come from the
// pair's fee schedule at trade-creation time and are never recomputed.
func (b *Book) newTrade(taker, maker *models.Order, price, amount decimal.Decimal) *models.Trade {
	notional := price.Mul(amount)
	return &models.Trade{
		ID:           uuid.New(),
		Pair:         b.pair.Symbol,
		Price:        price,
		Amount:       amount,
		Side:         taker.Side,
		MakerOrderID: maker.ID,
		TakerOrderID: taker.ID,
		MakerUserID:  maker.UserID,
		TakerUserID:  taker.UserID,
		MakerFee:     notional.Mul(b.pair.MakerFee),
		TakerFee:     notional.Mul(b.pair.TakerFee),
		CreatedAt:    time.Now().UTC(),
	}
}

// rest puts the order's remainder on its own side of the book.
func (b *Book) rest(order *models.Order) {
	own, _ := b.sideTrees(order.Side)
	key := &PriceLevel{Price: order.Price}
	level, ok := own.Get(key)
	if !ok {
		level = key
		own.Set(level)
	}
	level.add(order)
	b.orders[order.ID] = order
}

// Remove takes a resting order off the book. It does not transition the
// order; the caller decides the terminal status.
func (b *Book) Remove(order *models.Order) bool {
	own, _ := b.sideTrees(order.Side)
	level, ok := own.Get(&PriceLevel{Price: order.Price})
	if !ok {
		return false
	}
	if !level.remove(order.ID) {
		return false
	}
	if level.len() == 0 {
		own.Delete(level)
	}
	delete(b.orders, order.ID)
	return true
}

// Resting returns the resting order with the given ID, if any.
func (b *Book) Resting(orderID uuid.UUID) (*models.Order, bool) {
	o, ok := b.orders[orderID]
	return o, ok
}

// RestingByUser returns all resting orders of one user.
func (b *Book) RestingByUser(userID uuid.UUID) []*models.Order {
	var out []*models.Order
	for _, o := range b.orders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	return out
}

// Snapshot aggregates up to depth levels per side. Bids descend, asks
// ascend; amounts are the unfilled remainders.
func (b *Book) Snapshot(depth int) *models.OrderBookSnapshot {
	snap := &models.OrderBookSnapshot{
		Pair:      b.pair.Symbol,
		Timestamp: time.Now().UTC(),
	}
	b.bids.Reverse(func(level *PriceLevel) bool {
		snap.Bids = append(snap.Bids, models.OrderBookLevel{
			Price:      level.Price,
			Amount:     level.total(),
			OrderCount: level.len(),
		})
		return len(snap.Bids) < depth
	})
	b.asks.Scan(func(level *PriceLevel) bool {
		snap.Asks = append(snap.Asks, models.OrderBookLevel{
			Price:      level.Price,
			Amount:     level.total(),
			OrderCount: level.len(),
		})
		return len(snap.Asks) < depth
	})
	return snap
}

// OrdersCount is the number of resting orders across both sides.
func (b *Book) OrdersCount() int { return len(b.orders) }

// checkConservation verifies post-match bookkeeping: the taker's filled
// delta equals the sum of trade amounts and no remainder went negative.
// A failure here is a logic defect, not a user error.
func (b *Book) checkConservation(order *models.Order, trades []*models.Trade) error {
	if order.Remaining.IsNegative() {
		return errors.Invariant("order %s remaining went negative: %s", order.ID, order.Remaining)
	}
	sum := decimal.Zero
	for _, t := range trades {
		sum = sum.Add(t.Amount)
	}
	if !sum.Equal(order.Filled()) {
		return errors.Invariant("order %s fill mismatch: trades sum %s, filled %s",
			order.ID, sum, order.Filled())
	}
	return nil
}

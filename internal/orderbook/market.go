package orderbook

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/gaiadex/engine/pkg/errors"
	"github.com/gaiadex/engine/pkg/metrics"
	"github.com/gaiadex/engine/pkg/models"
)

// CancelOutcome is the defined, non-exceptional result of a cancel that
// may have lost a race to a completing fill.
type CancelOutcome string

const (
	CancelOK               CancelOutcome = "cancelled"
	CancelAlreadyFilled    CancelOutcome = "already_filled"
	CancelAlreadyCancelled CancelOutcome = "already_cancelled"
)

// CancelResult reports what happened to the targeted order.
type CancelResult struct {
	Outcome CancelOutcome
	Order   *models.Order
}

// TradeSink receives every trade the pair emits. Implementations must not
// block; the actor calls it while holding the pair's execution right.
type TradeSink func(*models.Trade)

type task struct {
	fn   func() (any, error)
	resp chan taskResult
}

type taskResult struct {
	val any
	err error
}

// Market is the single-writer actor owning one pair's book. Commands are
// admitted through a channel; the admission order is the pair's total
// order and doubles as the deterministic replay log for audits.
type Market struct {
	pair   *models.TradingPair
	book   *Book
	logger *zap.Logger

	tasks   chan *task
	quit    chan struct{}
	done    chan struct{}
	onTrade TradeSink

	// State below is touched only by the actor goroutine.
	seq       uint64
	halted    bool
	haltCause error
	allOrders map[uuid.UUID]*models.Order
	stops     []*models.Order
	lastPrice decimal.Decimal
}

// NewMarket starts the actor for a pair. onTrade may be nil.
func NewMarket(pair *models.TradingPair, onTrade TradeSink, logger *zap.Logger) *Market {
	m := &Market{
		pair:      pair,
		book:      NewBook(pair, logger),
		logger:    logger.Named("market").With(zap.String("pair", pair.Symbol)),
		tasks:     make(chan *task, 256),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		onTrade:   onTrade,
		allOrders: make(map[uuid.UUID]*models.Order),
	}
	go m.run()
	return m
}

func (m *Market) run() {
	defer close(m.done)
	for {
		select {
		case t := <-m.tasks:
			val, err := t.fn()
			t.resp <- taskResult{val: val, err: err}
		case <-m.quit:
			// Drain whatever was admitted before shutdown.
			for {
				select {
				case t := <-m.tasks:
					t.resp <- taskResult{err: errors.E(errors.KindTradingHalted, "market %s is shutting down", m.pair.Symbol)}
				default:
					return
				}
			}
		}
	}
}

// submit serializes fn into the pair's admission stream.
func (m *Market) submit(ctx context.Context, fn func() (any, error)) (any, error) {
	t := &task{fn: fn, resp: make(chan taskResult, 1)}
	select {
	case m.tasks <- t:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.quit:
		return nil, errors.E(errors.KindTradingHalted, "market %s is shutting down", m.pair.Symbol)
	}
	select {
	case res := <-t.resp:
		return res.val, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Market) guard() error {
	if m.halted {
		return errors.Wrap(errors.KindTradingHalted, m.haltCause,
			"pair %s is halted pending operator intervention", m.pair.Symbol)
	}
	return nil
}

// halt freezes the pair after an invariant violation. Only an explicit
// Resume lifts it.
func (m *Market) halt(cause error) {
	m.halted = true
	m.haltCause = cause
	metrics.PairsHalted.Inc()
	m.logger.Error("pair halted on invariant violation", zap.Error(cause))
}

// Resume lifts a halt. Operator tooling only.
func (m *Market) Resume(ctx context.Context) error {
	_, err := m.submit(ctx, func() (any, error) {
		if m.halted {
			m.halted = false
			m.haltCause = nil
			metrics.PairsHalted.Dec()
			m.logger.Warn("pair resumed by operator")
		}
		return nil, nil
	})
	return err
}

// Halted reports whether the pair is frozen.
func (m *Market) Halted(ctx context.Context) bool {
	v, err := m.submit(ctx, func() (any, error) { return m.halted, nil })
	if err != nil {
		return true
	}
	return v.(bool)
}

// PlaceOrder admits an order: assigns its sequence number, runs matching,
// applies remainder handling, fires stop triggers, and emits trades.
func (m *Market) PlaceOrder(ctx context.Context, order *models.Order) (*PlaceResult, error) {
	start := time.Now()
	v, err := m.submit(ctx, func() (any, error) {
		if err := m.guard(); err != nil {
			return nil, err
		}
		return m.place(order)
	})
	if err != nil {
		return nil, err
	}
	metrics.OrderLatency.Observe(time.Since(start).Seconds())
	return v.(*PlaceResult), nil
}

func (m *Market) place(order *models.Order) (*PlaceResult, error) {
	m.seq++
	order.Sequence = m.seq
	order.Status = models.StatusPending
	order.Remaining = order.Amount
	now := time.Now().UTC()
	order.CreatedAt, order.UpdatedAt = now, now
	m.allOrders[order.ID] = order

	// Stop orders wait for their trigger before entering the book.
	if order.Type.RequiresStopPrice() && !m.triggered(order) {
		m.stops = append(m.stops, order)
		metrics.OrdersPlaced.WithLabelValues(m.pair.Symbol, string(order.Side)).Inc()
		return &PlaceResult{Order: order}, nil
	}

	res, err := m.book.Place(order)
	if err != nil {
		m.halt(err)
		return nil, err
	}
	if res.Order.Status == models.StatusRejected {
		metrics.OrdersRejected.WithLabelValues(m.pair.Symbol, "fok_unfillable").Inc()
	} else {
		metrics.OrdersPlaced.WithLabelValues(m.pair.Symbol, string(order.Side)).Inc()
	}
	m.emit(res.Trades)

	fired, err := m.fireStops()
	if err != nil {
		m.halt(err)
		return nil, err
	}
	res.Trades = append(res.Trades, fired...)
	return res, nil
}

func (m *Market) emit(trades []*models.Trade) {
	for _, t := range trades {
		m.lastPrice = t.Price
		metrics.TradesExecuted.WithLabelValues(m.pair.Symbol, "orderbook").Inc()
		if m.onTrade != nil {
			m.onTrade(t)
		}
	}
}

func (m *Market) triggered(order *models.Order) bool {
	if m.lastPrice.IsZero() {
		return false
	}
	if order.Side == models.SideBuy {
		return m.lastPrice.GreaterThanOrEqual(order.StopPrice)
	}
	return m.lastPrice.LessThanOrEqual(order.StopPrice)
}

// fireStops activates stop orders whose trigger price has been crossed by
// the latest trades. Activation re-enters the normal matching path, so a
// fired stop can cascade further stops.
func (m *Market) fireStops() ([]*models.Trade, error) {
	var all []*models.Trade
	for {
		idx := -1
		for i, s := range m.stops {
			if m.triggered(s) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return all, nil
		}
		stop := m.stops[idx]
		m.stops = append(m.stops[:idx], m.stops[idx+1:]...)
		res, err := m.book.Place(stop)
		if err != nil {
			return all, err
		}
		m.emit(res.Trades)
		all = append(all, res.Trades...)
	}
}

// CancelOrder admits a cancel into the same sequential stream as
// placements. Losing the race to a completed fill is a defined outcome,
// not an error.
func (m *Market) CancelOrder(ctx context.Context, orderID, userID uuid.UUID) (*CancelResult, error) {
	v, err := m.submit(ctx, func() (any, error) {
		if err := m.guard(); err != nil {
			return nil, err
		}
		return m.cancel(orderID, userID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*CancelResult), nil
}

func (m *Market) cancel(orderID, userID uuid.UUID) (*CancelResult, error) {
	order, ok := m.allOrders[orderID]
	if !ok || order.UserID != userID {
		return nil, errors.OrderNotFound(orderID.String())
	}
	switch order.Status {
	case models.StatusFilled:
		return &CancelResult{Outcome: CancelAlreadyFilled, Order: order.Clone()}, nil
	case models.StatusCancelled, models.StatusRejected:
		return &CancelResult{Outcome: CancelAlreadyCancelled, Order: order.Clone()}, nil
	}

	if order.Type.RequiresStopPrice() && order.Status == models.StatusPending {
		for i, s := range m.stops {
			if s.ID == orderID {
				m.stops = append(m.stops[:i], m.stops[i+1:]...)
				break
			}
		}
	} else {
		m.book.Remove(order)
	}
	if err := order.Transition(models.StatusCancelled); err != nil {
		return nil, err
	}
	return &CancelResult{Outcome: CancelOK, Order: order.Clone()}, nil
}

// CancelAllOrders cancels every live order of one user on this pair and
// returns the cancelled orders.
func (m *Market) CancelAllOrders(ctx context.Context, userID uuid.UUID) ([]*models.Order, error) {
	v, err := m.submit(ctx, func() (any, error) {
		if err := m.guard(); err != nil {
			return nil, err
		}
		var cancelled []*models.Order
		for _, order := range m.allOrders {
			if order.UserID != userID || order.Status.Terminal() {
				continue
			}
			res, err := m.cancel(order.ID, userID)
			if err != nil {
				return nil, err
			}
			if res.Outcome == CancelOK {
				cancelled = append(cancelled, res.Order)
			}
		}
		sort.Slice(cancelled, func(i, j int) bool {
			return cancelled[i].Sequence < cancelled[j].Sequence
		})
		return cancelled, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*models.Order), nil
}

// GetOrder returns a copy of the order, live or terminal. Terminal orders
// are retained for audit and never mutated.
func (m *Market) GetOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	v, err := m.submit(ctx, func() (any, error) {
		order, ok := m.allOrders[orderID]
		if !ok {
			return nil, errors.OrderNotFound(orderID.String())
		}
		return order.Clone(), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Order), nil
}

// GetUserOrders returns copies of the user's orders on this pair, newest
// admission first. openOnly limits the answer to non-terminal orders.
func (m *Market) GetUserOrders(ctx context.Context, userID uuid.UUID, openOnly bool) ([]*models.Order, error) {
	v, err := m.submit(ctx, func() (any, error) {
		var out []*models.Order
		for _, order := range m.allOrders {
			if order.UserID != userID {
				continue
			}
			if openOnly && order.Status.Terminal() {
				continue
			}
			out = append(out, order.Clone())
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Sequence > out[j].Sequence })
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*models.Order), nil
}

// Snapshot returns the aggregated book, sequenced consistently with the
// mutation stream.
func (m *Market) Snapshot(ctx context.Context, depth int) (*models.OrderBookSnapshot, error) {
	v, err := m.submit(ctx, func() (any, error) {
		return m.book.Snapshot(depth), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.OrderBookSnapshot), nil
}

// Close stops the actor. Pending admitted tasks are answered with a
// shutdown error.
func (m *Market) Close() {
	close(m.quit)
	<-m.done
}

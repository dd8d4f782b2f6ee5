// Package marketdata derives tickers, candles, and trade history from the
// trade stream. It is strictly downstream of the matching and AMM
// engines: read-only consumers get copies, never live state.
package marketdata

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/gaiadex/engine/internal/amm"
	"github.com/gaiadex/engine/pkg/errors"
	"github.com/gaiadex/engine/pkg/models"
)

// Intervals supported for candles, in ascending duration.
var Intervals = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"1h":  time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
}

const maxCandlesPerInterval = 1500

// pairData is the aggregate state for one pair.
type pairData struct {
	trades  []*models.Trade // newest last, bounded ring
	candles map[string][]*models.Candle
}

// Aggregator consumes the trade stream and maintains derived views. Trades
// arrive through a buffered channel so emitters never block on the
// aggregator while holding a pair's or pool's execution right.
type Aggregator struct {
	mu     sync.RWMutex
	pairs  map[string]*pairData
	buffer int

	in     chan *models.Trade
	quit   chan struct{}
	done   chan struct{}
	logger *zap.Logger

	subMu sync.Mutex
	subs  map[chan *models.Trade]struct{}
}

// New starts an aggregator keeping up to bufferPerPair trades per pair.
func New(bufferPerPair int, logger *zap.Logger) *Aggregator {
	if bufferPerPair <= 0 {
		bufferPerPair = 1000
	}
	a := &Aggregator{
		pairs:  make(map[string]*pairData),
		buffer: bufferPerPair,
		in:     make(chan *models.Trade, 4096),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger.Named("marketdata"),
		subs:   make(map[chan *models.Trade]struct{}),
	}
	go a.run()
	return a
}

// Ingest is the TradeSink wired into the engines. It never blocks: if the
// buffer is full the trade is dropped from derived views (the journal,
// not the aggregator, is the durable record).
func (a *Aggregator) Ingest(trade *models.Trade) {
	select {
	case a.in <- trade:
	default:
		a.logger.Warn("trade stream buffer full, dropping from derived views",
			zap.String("trade", trade.ID.String()))
	}
}

func (a *Aggregator) run() {
	defer close(a.done)
	for {
		select {
		case trade := <-a.in:
			a.apply(trade)
			a.fanout(trade)
		case <-a.quit:
			return
		}
	}
}

func (a *Aggregator) apply(trade *models.Trade) {
	a.mu.Lock()
	defer a.mu.Unlock()

	pd, ok := a.pairs[trade.Pair]
	if !ok {
		pd = &pairData{candles: make(map[string][]*models.Candle)}
		a.pairs[trade.Pair] = pd
	}

	pd.trades = append(pd.trades, trade)
	if len(pd.trades) > a.buffer {
		pd.trades = pd.trades[len(pd.trades)-a.buffer:]
	}

	for name, d := range Intervals {
		bucket := trade.CreatedAt.Truncate(d)
		series := pd.candles[name]
		if c := findCandle(series, bucket); c != nil {
			if trade.Price.GreaterThan(c.High) {
				c.High = trade.Price
			}
			if trade.Price.LessThan(c.Low) {
				c.Low = trade.Price
			}
			// A late trade merging into an older bucket must not
			// rewrite that bucket's close.
			if series[len(series)-1] == c {
				c.Close = trade.Price
			}
			c.Volume = c.Volume.Add(trade.Amount)
			continue
		}
		series = append(series, &models.Candle{
			Pair:     trade.Pair,
			Interval: name,
			OpenTime: bucket,
			Open:     trade.Price,
			High:     trade.Price,
			Low:      trade.Price,
			Close:    trade.Price,
			Volume:   trade.Amount,
		})
		for i := len(series) - 1; i > 0 && series[i].OpenTime.Before(series[i-1].OpenTime); i-- {
			series[i], series[i-1] = series[i-1], series[i]
		}
		if len(series) > maxCandlesPerInterval {
			series = series[len(series)-maxCandlesPerInterval:]
		}
		pd.candles[name] = series
	}
}

// findCandle locates the bucket's candle, scanning from the tail since
// trades almost always land in the newest bucket.
func findCandle(series []*models.Candle, bucket time.Time) *models.Candle {
	for i := len(series) - 1; i >= 0; i-- {
		switch {
		case series[i].OpenTime.Equal(bucket):
			return series[i]
		case series[i].OpenTime.Before(bucket):
			return nil
		}
	}
	return nil
}

// Ticker derives the pair's rolling 24h view from retained trades.
func (a *Aggregator) Ticker(pair string) (*models.Ticker, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	pd, ok := a.pairs[pair]
	if !ok || len(pd.trades) == 0 {
		return nil, errors.E(errors.KindPairNotFound, "no market data for pair: %s", pair)
	}

	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	t := &models.Ticker{
		Pair:      pair,
		LastPrice: pd.trades[len(pd.trades)-1].Price,
		UpdatedAt: pd.trades[len(pd.trades)-1].CreatedAt,
	}
	var first decimal.Decimal
	for _, tr := range pd.trades {
		if tr.CreatedAt.Before(cutoff) {
			continue
		}
		if first.IsZero() {
			first = tr.Price
			t.High24h, t.Low24h = tr.Price, tr.Price
		}
		if tr.Price.GreaterThan(t.High24h) {
			t.High24h = tr.Price
		}
		if tr.Price.LessThan(t.Low24h) {
			t.Low24h = tr.Price
		}
		t.Volume24h = t.Volume24h.Add(tr.Amount)
	}
	if !first.IsZero() {
		t.Change24h = t.LastPrice.Sub(first).DivRound(first, amm.DivPrecision)
	}
	return t, nil
}

// Trades returns up to limit most recent trades, newest first.
func (a *Aggregator) Trades(pair string, limit int) []*models.Trade {
	a.mu.RLock()
	defer a.mu.RUnlock()

	pd, ok := a.pairs[pair]
	if !ok {
		return nil
	}
	if limit <= 0 || limit > len(pd.trades) {
		limit = len(pd.trades)
	}
	out := make([]*models.Trade, 0, limit)
	for i := len(pd.trades) - 1; i >= len(pd.trades)-limit; i-- {
		out = append(out, pd.trades[i])
	}
	return out
}

// Candles returns up to limit most recent candles for the interval,
// oldest first.
func (a *Aggregator) Candles(pair, interval string, limit int) ([]*models.Candle, error) {
	if _, ok := Intervals[interval]; !ok {
		names := make([]string, 0, len(Intervals))
		for n := range Intervals {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, errors.Validation("unknown candle interval %q, supported: %v", interval, names)
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	pd, ok := a.pairs[pair]
	if !ok {
		return nil, nil
	}
	series := pd.candles[interval]
	if limit > 0 && limit < len(series) {
		series = series[len(series)-limit:]
	}
	out := make([]*models.Candle, len(series))
	for i, c := range series {
		cc := *c
		out[i] = &cc
	}
	return out, nil
}

// Subscribe registers a live trade feed. The returned channel is closed
// by Unsubscribe or aggregator shutdown; slow subscribers miss trades
// rather than stalling the stream.
func (a *Aggregator) Subscribe() chan *models.Trade {
	ch := make(chan *models.Trade, 256)
	a.subMu.Lock()
	a.subs[ch] = struct{}{}
	a.subMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (a *Aggregator) Unsubscribe(ch chan *models.Trade) {
	a.subMu.Lock()
	if _, ok := a.subs[ch]; ok {
		delete(a.subs, ch)
		close(ch)
	}
	a.subMu.Unlock()
}

func (a *Aggregator) fanout(trade *models.Trade) {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	for ch := range a.subs {
		select {
		case ch <- trade:
		default:
		}
	}
}

// Close stops the aggregator and closes all subscriptions.
func (a *Aggregator) Close() {
	close(a.quit)
	<-a.done
	a.subMu.Lock()
	for ch := range a.subs {
		delete(a.subs, ch)
		close(ch)
	}
	a.subMu.Unlock()
}

// Package journal is the engine's persistence collaborator: append-mostly
// storage for orders, trades, and liquidity positions. Orders are updated
// only through defined state transitions; trades are append-only and
// never mutated.
package journal

import (
	"sync"

	"github.com/gaiadex/engine/pkg/models"
)

// Journal records engine state changes. Implementations must tolerate
// being called from hot paths: writes are fire-and-forget from the
// caller's perspective and must not block engine actors.
type Journal interface {
	AppendOrder(order *models.Order) error
	UpdateOrder(order *models.Order) error
	AppendTrade(trade *models.Trade) error
	UpsertPosition(pos *models.LiquidityPosition) error
	DeletePosition(id string) error
	Close() error
}

// Memory is the in-process implementation used in tests and by default.
type Memory struct {
	mu        sync.RWMutex
	orders    map[string]*models.Order
	trades    []*models.Trade
	positions map[string]*models.LiquidityPosition
}

// NewMemory creates an empty in-memory journal.
func NewMemory() *Memory {
	return &Memory{
		orders:    make(map[string]*models.Order),
		positions: make(map[string]*models.LiquidityPosition),
	}
}

func (m *Memory) AppendOrder(order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *order
	m.orders[order.ID.String()] = &c
	return nil
}

func (m *Memory) UpdateOrder(order *models.Order) error {
	return m.AppendOrder(order)
}

func (m *Memory) AppendTrade(trade *models.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, trade)
	return nil
}

func (m *Memory) UpsertPosition(pos *models.LiquidityPosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *pos
	m.positions[pos.ID.String()] = &c
	return nil
}

func (m *Memory) DeletePosition(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, id)
	return nil
}

func (m *Memory) Close() error { return nil }

// Trades returns the recorded trades. Test helper.
func (m *Memory) Trades() []*models.Trade {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Trade, len(m.trades))
	copy(out, m.trades)
	return out
}

// Order returns the last recorded state of an order. Test helper.
func (m *Memory) Order(id string) (*models.Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	return o, ok
}

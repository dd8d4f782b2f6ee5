// Package custody models the external funds-custody collaborator. The
// engine assumes funds are reserved before an order or swap is admitted
// and settled after trade creation; balances are never engine state.
package custody

import (
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gaiadex/engine/pkg/errors"
)

// Service is the custody contract the engine depends on. None of these
// calls happen while a pair's or pool's execution right is held.
type Service interface {
	// Reserve places a hold on a user's balance prior to admission.
	Reserve(userID uuid.UUID, token string, amount decimal.Decimal) error
	// Release drops a hold after a cancel or rejection.
	Release(userID uuid.UUID, token string, amount decimal.Decimal) error
	// Settle moves reserved funds after trade creation.
	Settle(from, to uuid.UUID, token string, amount decimal.Decimal) error
}

// Memory is an in-process custody service. It backs tests and single-node
// deployments; a production deployment points the engine at the real
// custody system instead.
type Memory struct {
	mu       sync.Mutex
	balances map[uuid.UUID]map[string]decimal.Decimal
	holds    map[uuid.UUID]map[string]decimal.Decimal
}

// NewMemory creates an empty custody ledger.
func NewMemory() *Memory {
	return &Memory{
		balances: make(map[uuid.UUID]map[string]decimal.Decimal),
		holds:    make(map[uuid.UUID]map[string]decimal.Decimal),
	}
}

// Deposit credits a user balance. Test and bootstrap helper.
func (m *Memory) Deposit(userID uuid.UUID, token string, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credit(m.balances, userID, token, amount)
}

// Balance returns the free (unreserved) balance.
func (m *Memory) Balance(userID uuid.UUID, token string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(m.balances, userID, token).Sub(m.get(m.holds, userID, token))
}

func (m *Memory) Reserve(userID uuid.UUID, token string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	free := m.get(m.balances, userID, token).Sub(m.get(m.holds, userID, token))
	if free.LessThan(amount) {
		return errors.Validation("insufficient %s balance: free %s, requested %s", token, free, amount)
	}
	m.credit(m.holds, userID, token, amount)
	return nil
}

func (m *Memory) Release(userID uuid.UUID, token string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	held := m.get(m.holds, userID, token)
	if held.LessThan(amount) {
		return errors.Validation("release %s exceeds hold %s for token %s", amount, held, token)
	}
	m.credit(m.holds, userID, token, amount.Neg())
	return nil
}

func (m *Memory) Settle(from, to uuid.UUID, token string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	held := m.get(m.holds, from, token)
	if held.LessThan(amount) {
		return errors.Validation("settle %s exceeds hold %s for token %s", amount, held, token)
	}
	m.credit(m.holds, from, token, amount.Neg())
	m.credit(m.balances, from, token, amount.Neg())
	m.credit(m.balances, to, token, amount)
	return nil
}

func (m *Memory) get(ledger map[uuid.UUID]map[string]decimal.Decimal, userID uuid.UUID, token string) decimal.Decimal {
	if acct, ok := ledger[userID]; ok {
		return acct[token]
	}
	return decimal.Zero
}

func (m *Memory) credit(ledger map[uuid.UUID]map[string]decimal.Decimal, userID uuid.UUID, token string, amount decimal.Decimal) {
	acct, ok := ledger[userID]
	if !ok {
		acct = make(map[string]decimal.Decimal)
		ledger[userID] = acct
	}
	acct[token] = acct[token].Add(amount)
}

package engine

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/gaiadex/engine/pkg/errors"
)

// PairFees is one pair's maker/taker rate pair.
type PairFees struct {
	Maker decimal.Decimal
	Taker decimal.Decimal
}

// FeeSchedule resolves maker/taker rates: per-pair overrides over
// defaults. Rates are stamped onto pair metadata at registration; trades
// carry the fees computed at creation time and never recompute them.
type FeeSchedule struct {
	mu        sync.RWMutex
	defaults  PairFees
	overrides map[string]PairFees
}

// NewFeeSchedule creates a schedule with the given default rates.
func NewFeeSchedule(defaultMaker, defaultTaker decimal.Decimal) (*FeeSchedule, error) {
	for _, rate := range []decimal.Decimal{defaultMaker, defaultTaker} {
		if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return nil, errors.Validation("fee rate %s out of [0,1)", rate)
		}
	}
	return &FeeSchedule{
		defaults:  PairFees{Maker: defaultMaker, Taker: defaultTaker},
		overrides: make(map[string]PairFees),
	}, nil
}

// SetPairFees installs an override for one pair.
func (fs *FeeSchedule) SetPairFees(symbol string, fees PairFees) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.overrides[symbol] = fees
}

// For returns the effective rates for a pair.
func (fs *FeeSchedule) For(symbol string) PairFees {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if fees, ok := fs.overrides[symbol]; ok {
		return fees
	}
	return fs.defaults
}

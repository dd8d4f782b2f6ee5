// Package registry validates and stores trading-pair metadata and owns
// the symbol -> market lookup used by order admission.
package registry

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/gaiadex/engine/pkg/errors"
	"github.com/gaiadex/engine/pkg/models"
)

// Registry maps pair symbols to their metadata. Lookups are O(1) and
// safe for concurrent use.
type Registry struct {
	pairs  sync.Map // map[string]*models.TradingPair
	logger *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{logger: logger.Named("pair_registry")}
}

// Register validates and stores a pair. Registering an existing symbol is
// an error; pair rules are immutable once trading starts.
func (r *Registry) Register(pair *models.TradingPair) error {
	if pair == nil {
		return errors.Validation("trading pair must not be nil")
	}
	if err := pair.Validate(); err != nil {
		return err
	}
	if _, loaded := r.pairs.LoadOrStore(pair.Symbol, pair); loaded {
		return errors.Validation("pair %s is already registered", pair.Symbol)
	}
	r.logger.Info("registered trading pair",
		zap.String("symbol", pair.Symbol),
		zap.String("base", pair.BaseToken),
		zap.String("quote", pair.QuoteToken),
		zap.String("tick_size", pair.TickSize.String()))
	return nil
}

// Get returns the pair metadata for a symbol.
func (r *Registry) Get(symbol string) (*models.TradingPair, error) {
	v, ok := r.pairs.Load(symbol)
	if !ok {
		return nil, errors.E(errors.KindPairNotFound, "pair not found: %s", symbol)
	}
	return v.(*models.TradingPair), nil
}

// List returns all registered pairs sorted by symbol.
func (r *Registry) List() []*models.TradingPair {
	var out []*models.TradingPair
	r.pairs.Range(func(_, v any) bool {
		out = append(out, v.(*models.TradingPair))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// ValidateOrder normalizes and checks an incoming order request against
// the pair's rules. It rejects before admission; a failure here leaves no
// state behind.
func (r *Registry) ValidateOrder(order *models.Order) error {
	if order == nil {
		return errors.Validation("order must not be nil")
	}
	pair, err := r.Get(order.Pair)
	if err != nil {
		return err
	}
	if !order.Side.Valid() {
		return errors.Validation("invalid side %q", order.Side)
	}
	if !order.Type.Valid() {
		return errors.Validation("invalid order type %q", order.Type)
	}
	if !order.TimeInForce.Valid() {
		return errors.Validation("invalid time in force %q", order.TimeInForce)
	}
	if order.Amount.LessThan(pair.MinOrderSize) {
		return errors.Validation("amount %s below pair minimum %s", order.Amount, pair.MinOrderSize)
	}
	if order.Amount.GreaterThan(pair.MaxOrderSize) {
		return errors.Validation("amount %s above pair maximum %s", order.Amount, pair.MaxOrderSize)
	}

	if order.Type.RequiresPrice() {
		if order.Price.LessThanOrEqual(decimal.Zero) {
			return errors.Validation("%s order requires a positive price", order.Type)
		}
		if !order.Price.Mod(pair.TickSize).IsZero() {
			return errors.Validation("price %s is not a multiple of tick size %s",
				order.Price, pair.TickSize)
		}
	} else if !order.Price.IsZero() {
		return errors.Validation("%s order must not carry a limit price", order.Type)
	}

	if order.Type.RequiresStopPrice() {
		if order.StopPrice.LessThanOrEqual(decimal.Zero) {
			return errors.Validation("%s order requires a positive stop price", order.Type)
		}
		if !order.StopPrice.Mod(pair.TickSize).IsZero() {
			return errors.Validation("stop price %s is not a multiple of tick size %s",
				order.StopPrice, pair.TickSize)
		}
	} else if !order.StopPrice.IsZero() {
		return errors.Validation("%s order must not carry a stop price", order.Type)
	}

	// Market remainders never rest, so FOK is the only meaningful
	// non-IOC choice; plain market orders are normalized to IOC.
	if order.Type == models.TypeMarket && order.TimeInForce == models.GTC {
		order.TimeInForce = models.IOC
	}
	return nil
}

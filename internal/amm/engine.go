package amm

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/gaiadex/engine/pkg/errors"
	"github.com/gaiadex/engine/pkg/metrics"
	"github.com/gaiadex/engine/pkg/models"
)

// TradeSink receives trades produced by AMM swaps.
type TradeSink func(*models.Trade)

// Engine owns every liquidity pool and routes liquidity operations to the
// right one. Pool execution itself is serialized per pool by the pool's
// own lock.
type Engine struct {
	mu      sync.RWMutex
	pools   map[string]*Pool
	logger  *zap.Logger
	onTrade TradeSink
}

// NewEngine creates an empty AMM engine. onTrade may be nil.
func NewEngine(onTrade TradeSink, logger *zap.Logger) *Engine {
	return &Engine{
		pools:   make(map[string]*Pool),
		logger:  logger.Named("amm"),
		onTrade: onTrade,
	}
}

// CreatePool registers a pool for pair+feeTier at an initial price.
func (e *Engine) CreatePool(pair *models.TradingPair, feeTier, initialPrice decimal.Decimal) (*Pool, error) {
	pool, err := NewPool(pair, feeTier, initialPrice, e.logger)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.pools[pool.ID]; exists {
		return nil, errors.Validation("pool %s already exists", pool.ID)
	}
	e.pools[pool.ID] = pool
	e.logger.Info("pool created",
		zap.String("pool", pool.ID),
		zap.String("initial_price", initialPrice.String()))
	return pool, nil
}

// Pool returns the pool with the given ID.
func (e *Engine) Pool(id string) (*Pool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	pool, ok := e.pools[id]
	if !ok {
		return nil, errors.E(errors.KindPoolNotFound, "pool not found: %s", id)
	}
	return pool, nil
}

// Pools returns every pool sorted by ID. The fixed order doubles as the
// global lock-acquisition order for multi-pool execution.
func (e *Engine) Pools() []*Pool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Pool, 0, len(e.pools))
	for _, p := range e.pools {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddLiquidity creates a position in the pool for pair+feeTier and
// returns it together with the token amounts the stake requires.
func (e *Engine) AddLiquidity(owner uuid.UUID, symbol string, feeTier decimal.Decimal, rng models.PriceRange, liquidity decimal.Decimal) (*models.LiquidityPosition, decimal.Decimal, decimal.Decimal, error) {
	pool, err := e.Pool(PoolID(symbol, feeTier))
	if err != nil {
		return nil, decimal.Zero, decimal.Zero, err
	}
	return pool.AddPosition(owner, rng, liquidity)
}

// RemoveLiquidity reduces a position by percent, crystallizing pending
// fees. The position is destroyed when its liquidity reaches zero.
func (e *Engine) RemoveLiquidity(owner uuid.UUID, symbol string, feeTier decimal.Decimal, positionID uuid.UUID, percent decimal.Decimal) (*models.LiquidityPosition, decimal.Decimal, decimal.Decimal, decimal.Decimal, error) {
	pool, err := e.Pool(PoolID(symbol, feeTier))
	if err != nil {
		return nil, decimal.Zero, decimal.Zero, decimal.Zero, err
	}
	return pool.RemovePosition(positionID, owner, percent)
}

// Positions returns the owner's positions across every pool.
func (e *Engine) Positions(owner uuid.UUID) []*models.LiquidityPosition {
	var out []*models.LiquidityPosition
	for _, pool := range e.Pools() {
		out = append(out, pool.Positions(owner)...)
	}
	return out
}

// Swap executes a single-pool exact-input swap, acquiring the pool's
// execution right itself. Multi-pool routes go through the router, which
// manages locking across pools.
func (e *Engine) Swap(poolID, tokenIn string, amountIn, minAmountOut decimal.Decimal) (decimal.Decimal, *models.Trade, error) {
	pool, err := e.Pool(poolID)
	if err != nil {
		return decimal.Zero, nil, err
	}
	pool.Lock()
	out, trade, err := pool.SwapLocked(tokenIn, amountIn, minAmountOut, uuid.New())
	pool.Unlock()
	if err != nil {
		return decimal.Zero, nil, err
	}
	e.emit(trade)
	return out, trade, nil
}

func (e *Engine) emit(trade *models.Trade) {
	if trade == nil {
		return
	}
	metrics.TradesExecuted.WithLabelValues(trade.Pair, "amm").Inc()
	if e.onTrade != nil {
		e.onTrade(trade)
	}
}

// EmitTrade lets the router report trades for legs it executed while
// holding pool locks.
func (e *Engine) EmitTrade(trade *models.Trade) { e.emit(trade) }

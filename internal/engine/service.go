// Package engine wires the trading components into the exchange-facing
// contract: order management, market data, liquidity, swapping, and
// utilities. The service owns no matching or curve logic itself; it
// validates, reserves funds, dispatches to the owning actor or pool, and
// records outcomes.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/gaiadex/engine/internal/amm"
	"github.com/gaiadex/engine/internal/custody"
	"github.com/gaiadex/engine/internal/journal"
	"github.com/gaiadex/engine/internal/marketdata"
	"github.com/gaiadex/engine/internal/orderbook"
	"github.com/gaiadex/engine/internal/registry"
	"github.com/gaiadex/engine/internal/router"
	"github.com/gaiadex/engine/pkg/errors"
	"github.com/gaiadex/engine/pkg/models"
)

// Service is the trading engine facade.
type Service struct {
	registry *registry.Registry
	amm      *amm.Engine
	router   *router.Router
	md       *marketdata.Aggregator
	journal  journal.Journal
	custody  custody.Service
	fees     *FeeSchedule
	logger   *zap.Logger

	marketsMu sync.RWMutex
	markets   map[string]*orderbook.Market

	quotesMu sync.Mutex
	quotes   map[uuid.UUID]*models.SwapQuote

	journalCh chan *models.Trade
	quit      chan struct{}
	done      chan struct{}
}

// Options carries the service's collaborators and tuning.
type Options struct {
	Journal     journal.Journal
	Custody     custody.Service
	Fees        *FeeSchedule
	Router      router.Config
	TradeBuffer int
}

// New assembles the engine. The returned service owns the aggregator and
// all market actors; Close tears them down.
func New(opts Options, logger *zap.Logger) *Service {
	s := &Service{
		registry:  registry.New(logger),
		journal:   opts.Journal,
		custody:   opts.Custody,
		fees:      opts.Fees,
		logger:    logger.Named("engine"),
		markets:   make(map[string]*orderbook.Market),
		quotes:    make(map[uuid.UUID]*models.SwapQuote),
		journalCh: make(chan *models.Trade, 4096),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.md = marketdata.New(opts.TradeBuffer, logger)
	s.amm = amm.NewEngine(s.onTrade, logger)
	s.router = router.New(s.amm, opts.Router, logger)
	go s.journalLoop()
	return s
}

// onTrade is the sink every trade source feeds. It must not block: the
// aggregator buffers internally and the journal write is handed to a
// dedicated goroutine.
func (s *Service) onTrade(trade *models.Trade) {
	s.md.Ingest(trade)
	select {
	case s.journalCh <- trade:
	default:
		s.logger.Warn("journal buffer full, dropping trade write",
			zap.String("trade", trade.ID.String()))
	}
}

func (s *Service) journalLoop() {
	defer close(s.done)
	for {
		select {
		case trade := <-s.journalCh:
			if err := s.journal.AppendTrade(trade); err != nil {
				s.logger.Error("journal trade append failed",
					zap.String("trade", trade.ID.String()), zap.Error(err))
			}
		case <-s.quit:
			for {
				select {
				case trade := <-s.journalCh:
					if err := s.journal.AppendTrade(trade); err != nil {
						s.logger.Error("journal trade append failed", zap.Error(err))
					}
				default:
					return
				}
			}
		}
	}
}

// CreatePair registers a pair, stamps its fee rates, and starts its
// matching actor.
func (s *Service) CreatePair(pair *models.TradingPair) error {
	if pair != nil && pair.MakerFee.IsZero() && pair.TakerFee.IsZero() {
		fees := s.fees.For(pair.Symbol)
		pair.MakerFee, pair.TakerFee = fees.Maker, fees.Taker
	}
	if err := s.registry.Register(pair); err != nil {
		return err
	}
	market := orderbook.NewMarket(pair, s.onTrade, s.logger)
	s.marketsMu.Lock()
	s.markets[pair.Symbol] = market
	s.marketsMu.Unlock()
	return nil
}

// ListPairs returns registered pairs.
func (s *Service) ListPairs() []*models.TradingPair { return s.registry.List() }

// CreatePool registers an AMM pool for a known pair.
func (s *Service) CreatePool(symbol string, feeTier, initialPrice decimal.Decimal) (*amm.Pool, error) {
	pair, err := s.registry.Get(symbol)
	if err != nil {
		return nil, err
	}
	return s.amm.CreatePool(pair, feeTier, initialPrice)
}

func (s *Service) market(symbol string) (*orderbook.Market, error) {
	s.marketsMu.RLock()
	defer s.marketsMu.RUnlock()
	m, ok := s.markets[symbol]
	if !ok {
		return nil, errors.E(errors.KindPairNotFound, "pair not found: %s", symbol)
	}
	return m, nil
}

// PlaceOrderParams is an admission request; decimal strings are parsed by
// the API layer before they get here.
type PlaceOrderParams struct {
	UserID      uuid.UUID
	Pair        string
	Side        models.OrderSide
	Type        models.OrderType
	Amount      decimal.Decimal
	Price       decimal.Decimal
	StopPrice   decimal.Decimal
	TimeInForce models.TimeInForce
}

// PlaceOrder validates, reserves funds, admits the order into its pair's
// sequential stream, then journals and settles the outcome.
func (s *Service) PlaceOrder(ctx context.Context, params PlaceOrderParams) (*orderbook.PlaceResult, error) {
	order := &models.Order{
		ID:          uuid.New(),
		UserID:      params.UserID,
		Pair:        params.Pair,
		Side:        params.Side,
		Type:        params.Type,
		Amount:      params.Amount,
		Price:       params.Price,
		StopPrice:   params.StopPrice,
		TimeInForce: params.TimeInForce,
		Status:      models.StatusPending,
	}
	if err := s.registry.ValidateOrder(order); err != nil {
		return nil, err
	}
	market, err := s.market(order.Pair)
	if err != nil {
		return nil, err
	}

	held, token, amount := s.reserveFor(order)
	if held {
		if err := s.custody.Reserve(order.UserID, token, amount); err != nil {
			return nil, err
		}
	}
	if err := s.journal.AppendOrder(order); err != nil {
		s.logger.Error("journal order append failed", zap.Error(err))
	}

	res, err := market.PlaceOrder(ctx, order)
	if err != nil {
		if held {
			if rerr := s.custody.Release(order.UserID, token, amount); rerr != nil {
				s.logger.Error("custody release failed after admission error", zap.Error(rerr))
			}
		}
		return nil, err
	}

	if err := s.journal.UpdateOrder(res.Order); err != nil {
		s.logger.Error("journal order update failed", zap.Error(err))
	}
	s.settle(res.Trades)

	// A rejected or cancelled remainder frees its hold; funds stay
	// reserved only for the portion still resting.
	if held && res.Order.Status.Terminal() {
		if release := s.unusedHold(res.Order, amount); release.GreaterThan(decimal.Zero) {
			if rerr := s.custody.Release(order.UserID, token, release); rerr != nil {
				s.logger.Warn("custody release failed", zap.Error(rerr))
			}
		}
	}
	return res, nil
}

// reserveFor maps an order to the hold custody should take before
// admission. Market buys have no bounded quote cost; for those the
// custody collaborator is assumed to have reserved upstream.
func (s *Service) reserveFor(order *models.Order) (bool, string, decimal.Decimal) {
	pair, err := s.registry.Get(order.Pair)
	if err != nil {
		return false, "", decimal.Zero
	}
	if order.Side == models.SideSell {
		return true, pair.BaseToken, order.Amount
	}
	if order.Type.RequiresPrice() {
		return true, pair.QuoteToken, order.Amount.Mul(order.Price)
	}
	return false, "", decimal.Zero
}

// unusedHold computes how much of the original hold the terminal order
// never consumed.
func (s *Service) unusedHold(order *models.Order, held decimal.Decimal) decimal.Decimal {
	if order.Amount.IsZero() {
		return held
	}
	frac := order.Remaining.DivRound(order.Amount, amm.DivPrecision)
	return held.Mul(frac)
}

// settle moves reserved funds between the trade parties. AMM trades have
// no counterparty user and settle downstream of the trade stream.
func (s *Service) settle(trades []*models.Trade) {
	for _, t := range trades {
		if t.MakerUserID == uuid.Nil || t.TakerUserID == uuid.Nil {
			continue
		}
		pair, err := s.registry.Get(t.Pair)
		if err != nil {
			continue
		}
		buyer, seller := t.MakerUserID, t.TakerUserID
		if t.Side == models.SideBuy {
			buyer, seller = t.TakerUserID, t.MakerUserID
		}
		quote := t.Amount.Mul(t.Price)
		if err := s.custody.Settle(seller, buyer, pair.BaseToken, t.Amount); err != nil {
			s.logger.Warn("base settlement failed", zap.String("trade", t.ID.String()), zap.Error(err))
		}
		if err := s.custody.Settle(buyer, seller, pair.QuoteToken, quote); err != nil {
			s.logger.Warn("quote settlement failed", zap.String("trade", t.ID.String()), zap.Error(err))
		}
	}
}

// CancelOrder cancels one order; racing a completed fill yields the
// defined AlreadyFilled/AlreadyCancelled outcome.
func (s *Service) CancelOrder(ctx context.Context, symbol string, orderID, userID uuid.UUID) (*orderbook.CancelResult, error) {
	market, err := s.market(symbol)
	if err != nil {
		return nil, err
	}
	res, err := market.CancelOrder(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}
	if res.Outcome == orderbook.CancelOK {
		if err := s.journal.UpdateOrder(res.Order); err != nil {
			s.logger.Error("journal order update failed", zap.Error(err))
		}
		s.releaseRemainder(res.Order)
	}
	return res, nil
}

// CancelAllOrders cancels every live order of the user on the pair.
func (s *Service) CancelAllOrders(ctx context.Context, symbol string, userID uuid.UUID) ([]*models.Order, error) {
	market, err := s.market(symbol)
	if err != nil {
		return nil, err
	}
	cancelled, err := market.CancelAllOrders(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, order := range cancelled {
		if err := s.journal.UpdateOrder(order); err != nil {
			s.logger.Error("journal order update failed", zap.Error(err))
		}
		s.releaseRemainder(order)
	}
	return cancelled, nil
}

func (s *Service) releaseRemainder(order *models.Order) {
	held, token, _ := s.reserveFor(order)
	if !held {
		return
	}
	release := order.Remaining
	if order.Side == models.SideBuy {
		release = order.Remaining.Mul(order.Price)
	}
	if release.GreaterThan(decimal.Zero) {
		if err := s.custody.Release(order.UserID, token, release); err != nil {
			s.logger.Warn("custody release failed", zap.Error(err))
		}
	}
}

// GetOrder returns the order, live or retained-terminal.
func (s *Service) GetOrder(ctx context.Context, symbol string, orderID uuid.UUID) (*models.Order, error) {
	market, err := s.market(symbol)
	if err != nil {
		return nil, err
	}
	return market.GetOrder(ctx, orderID)
}

// GetUserOrders lists a user's orders on a pair.
func (s *Service) GetUserOrders(ctx context.Context, symbol string, userID uuid.UUID, openOnly bool) ([]*models.Order, error) {
	market, err := s.market(symbol)
	if err != nil {
		return nil, err
	}
	return market.GetUserOrders(ctx, userID, openOnly)
}

// GetOrderBook returns the aggregated book to the given depth.
func (s *Service) GetOrderBook(ctx context.Context, symbol string, depth int) (*models.OrderBookSnapshot, error) {
	market, err := s.market(symbol)
	if err != nil {
		return nil, err
	}
	if depth <= 0 {
		depth = 50
	}
	return market.Snapshot(ctx, depth)
}

// GetTicker returns the pair's derived 24h ticker.
func (s *Service) GetTicker(symbol string) (*models.Ticker, error) { return s.md.Ticker(symbol) }

// GetTrades returns recent trades, newest first.
func (s *Service) GetTrades(symbol string, limit int) []*models.Trade {
	return s.md.Trades(symbol, limit)
}

// GetCandles returns recent OHLCV buckets, oldest first.
func (s *Service) GetCandles(symbol, interval string, limit int) ([]*models.Candle, error) {
	return s.md.Candles(symbol, interval, limit)
}

// SubscribeTrades exposes the live trade stream for the API layer.
func (s *Service) SubscribeTrades() chan *models.Trade     { return s.md.Subscribe() }
func (s *Service) UnsubscribeTrades(ch chan *models.Trade) { s.md.Unsubscribe(ch) }

// AddLiquidity opens or extends a position and reserves the required
// token amounts.
func (s *Service) AddLiquidity(owner uuid.UUID, symbol string, feeTier decimal.Decimal, rng models.PriceRange, liquidity decimal.Decimal) (*models.LiquidityPosition, decimal.Decimal, decimal.Decimal, error) {
	pair, err := s.registry.Get(symbol)
	if err != nil {
		return nil, decimal.Zero, decimal.Zero, err
	}
	pos, base, quote, err := s.amm.AddLiquidity(owner, symbol, feeTier, rng, liquidity)
	if err != nil {
		return nil, decimal.Zero, decimal.Zero, err
	}
	if base.GreaterThan(decimal.Zero) {
		if err := s.custody.Reserve(owner, pair.BaseToken, base); err != nil {
			s.logger.Warn("custody reserve failed for liquidity base leg", zap.Error(err))
		}
	}
	if quote.GreaterThan(decimal.Zero) {
		if err := s.custody.Reserve(owner, pair.QuoteToken, quote); err != nil {
			s.logger.Warn("custody reserve failed for liquidity quote leg", zap.Error(err))
		}
	}
	if err := s.journal.UpsertPosition(pos); err != nil {
		s.logger.Error("journal position upsert failed", zap.Error(err))
	}
	return pos, base, quote, nil
}

// RemoveLiquidity reduces a position, crystallizes pending fees, and
// releases the freed capital.
func (s *Service) RemoveLiquidity(owner uuid.UUID, symbol string, feeTier decimal.Decimal, positionID uuid.UUID, percent decimal.Decimal) (*models.LiquidityPosition, decimal.Decimal, decimal.Decimal, decimal.Decimal, error) {
	pair, err := s.registry.Get(symbol)
	if err != nil {
		return nil, decimal.Zero, decimal.Zero, decimal.Zero, err
	}
	pos, base, quote, fees, err := s.amm.RemoveLiquidity(owner, symbol, feeTier, positionID, percent)
	if err != nil {
		return nil, decimal.Zero, decimal.Zero, decimal.Zero, err
	}
	if base.GreaterThan(decimal.Zero) {
		if rerr := s.custody.Release(owner, pair.BaseToken, base); rerr != nil {
			s.logger.Warn("custody release failed for liquidity base leg", zap.Error(rerr))
		}
	}
	if quote.GreaterThan(decimal.Zero) {
		if rerr := s.custody.Release(owner, pair.QuoteToken, quote); rerr != nil {
			s.logger.Warn("custody release failed for liquidity quote leg", zap.Error(rerr))
		}
	}
	if pos.Liquidity.IsZero() {
		if err := s.journal.DeletePosition(pos.ID.String()); err != nil {
			s.logger.Error("journal position delete failed", zap.Error(err))
		}
	} else if err := s.journal.UpsertPosition(pos); err != nil {
		s.logger.Error("journal position upsert failed", zap.Error(err))
	}
	return pos, base, quote, fees, nil
}

// GetLiquidityPositions lists the owner's positions across pools.
func (s *Service) GetLiquidityPositions(owner uuid.UUID) []*models.LiquidityPosition {
	return s.amm.Positions(owner)
}

// GetSwapQuote computes an ephemeral quote and retains it until expiry so
// execution can re-validate it by ID.
func (s *Service) GetSwapQuote(tokenIn, tokenOut string, amountIn, slippageTolerance decimal.Decimal) (*models.SwapQuote, error) {
	quote, err := s.router.GetSwapQuote(tokenIn, tokenOut, amountIn, slippageTolerance)
	if err != nil {
		return nil, err
	}
	s.quotesMu.Lock()
	s.quotes[quote.ID] = quote
	for id, q := range s.quotes {
		if time.Now().After(q.ValidUntil.Add(time.Minute)) {
			delete(s.quotes, id)
		}
	}
	s.quotesMu.Unlock()
	return quote, nil
}

// ExecuteSwap applies a previously issued quote atomically across its
// route. The caller's input funds are reserved before execution.
func (s *Service) ExecuteSwap(userID, quoteID uuid.UUID, deadline time.Time) (decimal.Decimal, []*models.Trade, error) {
	s.quotesMu.Lock()
	quote, ok := s.quotes[quoteID]
	s.quotesMu.Unlock()
	if !ok {
		return decimal.Zero, nil, errors.Expired("quote %s is unknown or expired", quoteID)
	}

	if err := s.custody.Reserve(userID, quote.Route.TokenIn, quote.AmountIn); err != nil {
		return decimal.Zero, nil, err
	}
	out, trades, err := s.router.ExecuteSwap(quote, deadline)
	if err != nil {
		if rerr := s.custody.Release(userID, quote.Route.TokenIn, quote.AmountIn); rerr != nil {
			s.logger.Warn("custody release failed after swap abort", zap.Error(rerr))
		}
		return decimal.Zero, nil, err
	}
	// Output crediting happens downstream of the trade stream in the
	// custody system; the engine only hands over the reserved input.
	if err := s.custody.Settle(userID, poolAccount(quote.Route.Legs[0].PoolID), quote.Route.TokenIn, quote.AmountIn); err != nil {
		s.logger.Warn("swap input settlement failed", zap.Error(err))
	}
	s.quotesMu.Lock()
	delete(s.quotes, quoteID)
	s.quotesMu.Unlock()
	return out, trades, nil
}

// poolAccount derives the custody account that stands in for a pool.
func poolAccount(poolID string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("pool:"+poolID))
}

// FindBestRoute exposes route discovery without quoting.
func (s *Service) FindBestRoute(tokenIn, tokenOut string, amountIn decimal.Decimal) (*models.SwapRoute, error) {
	return s.router.FindBestRoute(tokenIn, tokenOut, amountIn)
}

// EstimateGas returns the deterministic gas estimate for a route.
func (s *Service) EstimateGas(route *models.SwapRoute) decimal.Decimal {
	return s.router.EstimateGas(route)
}

// GetMinimumReceived applies slippage tolerance to an expected output.
func (s *Service) GetMinimumReceived(expected, slippageTolerance decimal.Decimal) decimal.Decimal {
	return s.router.MinimumReceived(expected, slippageTolerance)
}

// CalculatePriceImpact returns a route's cumulative price impact.
func (s *Service) CalculatePriceImpact(route *models.SwapRoute) decimal.Decimal {
	return s.router.CalculatePriceImpact(route)
}

// ResumePair lifts a halt after operator intervention.
func (s *Service) ResumePair(ctx context.Context, symbol string) error {
	market, err := s.market(symbol)
	if err != nil {
		return err
	}
	return market.Resume(ctx)
}

// PairHalted reports whether the pair's queue is frozen on an invariant
// violation.
func (s *Service) PairHalted(ctx context.Context, symbol string) (bool, error) {
	market, err := s.market(symbol)
	if err != nil {
		return false, err
	}
	return market.Halted(ctx), nil
}

// Close stops actors, the aggregator, and the journal writer.
func (s *Service) Close() {
	s.marketsMu.Lock()
	for _, m := range s.markets {
		m.Close()
	}
	s.marketsMu.Unlock()
	s.md.Close()
	close(s.quit)
	<-s.done
}

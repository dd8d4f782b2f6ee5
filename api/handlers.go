package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gaiadex/engine/internal/engine"
	"github.com/gaiadex/engine/pkg/errors"
	"github.com/gaiadex/engine/pkg/models"
)

// dec parses a required decimal-string field.
func dec(field, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Decimal{}, errors.Validation("%s must be a decimal string, got %q", field, value)
	}
	return d, nil
}

// decOpt parses an optional decimal-string field, zero when absent.
func decOpt(field, value string) (decimal.Decimal, error) {
	if value == "" {
		return decimal.Decimal{}, nil
	}
	return dec(field, value)
}

type createPairRequest struct {
	Symbol       string `json:"symbol" binding:"required"`
	BaseToken    string `json:"base_token" binding:"required"`
	QuoteToken   string `json:"quote_token" binding:"required"`
	TickSize     string `json:"tick_size" binding:"required,decimal"`
	MinOrderSize string `json:"min_order_size" binding:"required,decimal"`
	MaxOrderSize string `json:"max_order_size" binding:"required,decimal"`
	MakerFee     string `json:"maker_fee" binding:"omitempty,decimal"`
	TakerFee     string `json:"taker_fee" binding:"omitempty,decimal"`
}

func (s *Server) createPair(c *gin.Context) {
	var req createPairRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errors.Validation("invalid request body: %v", err))
		return
	}
	pair := &models.TradingPair{
		Symbol:     req.Symbol,
		BaseToken:  req.BaseToken,
		QuoteToken: req.QuoteToken,
	}
	var err error
	if pair.TickSize, err = dec("tick_size", req.TickSize); err != nil {
		s.writeError(c, err)
		return
	}
	if pair.MinOrderSize, err = dec("min_order_size", req.MinOrderSize); err != nil {
		s.writeError(c, err)
		return
	}
	if pair.MaxOrderSize, err = dec("max_order_size", req.MaxOrderSize); err != nil {
		s.writeError(c, err)
		return
	}
	if pair.MakerFee, err = decOpt("maker_fee", req.MakerFee); err != nil {
		s.writeError(c, err)
		return
	}
	if pair.TakerFee, err = decOpt("taker_fee", req.TakerFee); err != nil {
		s.writeError(c, err)
		return
	}
	if err := s.engine.CreatePair(pair); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"pair": pair})
}

func (s *Server) listPairs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pairs": s.engine.ListPairs()})
}

func (s *Server) pairStatus(c *gin.Context) {
	halted, err := s.engine.PairHalted(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	status := "trading"
	if halted {
		status = "halted"
	}
	c.JSON(http.StatusOK, gin.H{"symbol": c.Param("symbol"), "status": status, "halted": halted})
}

func (s *Server) resumePair(c *gin.Context) {
	if err := s.engine.ResumePair(c.Request.Context(), c.Param("symbol")); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": c.Param("symbol"), "status": "resumed"})
}

type placeOrderRequest struct {
	UserID      string `json:"user_id" binding:"required,uuid"`
	Pair        string `json:"pair" binding:"required"`
	Side        string `json:"side" binding:"required,oneof=buy sell"`
	Type        string `json:"type" binding:"required,oneof=limit market stop stop-limit"`
	Amount      string `json:"amount" binding:"required,decimal"`
	Price       string `json:"price" binding:"omitempty,decimal"`
	StopPrice   string `json:"stop_price" binding:"omitempty,decimal"`
	TimeInForce string `json:"time_in_force" binding:"omitempty,oneof=GTC IOC FOK"`
}

func (s *Server) placeOrder(c *gin.Context) {
	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errors.Validation("invalid request body: %v", err))
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		s.writeError(c, errors.Validation("user_id must be a UUID"))
		return
	}
	params := engine.PlaceOrderParams{
		UserID:      userID,
		Pair:        req.Pair,
		Side:        models.OrderSide(req.Side),
		Type:        models.OrderType(req.Type),
		TimeInForce: models.TimeInForce(req.TimeInForce),
	}
	if params.TimeInForce == "" {
		params.TimeInForce = models.GTC
	}
	if params.Amount, err = dec("amount", req.Amount); err != nil {
		s.writeError(c, err)
		return
	}
	if params.Price, err = decOpt("price", req.Price); err != nil {
		s.writeError(c, err)
		return
	}
	if params.StopPrice, err = decOpt("stop_price", req.StopPrice); err != nil {
		s.writeError(c, err)
		return
	}

	res, err := s.engine.PlaceOrder(c.Request.Context(), params)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": res.Order, "trades": res.Trades})
}

func (s *Server) getOrder(c *gin.Context) {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.writeError(c, errors.Validation("order id must be a UUID"))
		return
	}
	order, err := s.engine.GetOrder(c.Request.Context(), c.Query("pair"), orderID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

func (s *Server) cancelOrder(c *gin.Context) {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.writeError(c, errors.Validation("order id must be a UUID"))
		return
	}
	userID, err := uuid.Parse(c.Query("user_id"))
	if err != nil {
		s.writeError(c, errors.Validation("user_id must be a UUID"))
		return
	}
	res, err := s.engine.CancelOrder(c.Request.Context(), c.Query("pair"), orderID, userID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcome": res.Outcome, "order": res.Order})
}

func (s *Server) cancelAllOrders(c *gin.Context) {
	userID, err := uuid.Parse(c.Query("user_id"))
	if err != nil {
		s.writeError(c, errors.Validation("user_id must be a UUID"))
		return
	}
	cancelled, err := s.engine.CancelAllOrders(c.Request.Context(), c.Query("pair"), userID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled, "count": len(cancelled)})
}

func (s *Server) getUserOrders(c *gin.Context) {
	userID, err := uuid.Parse(c.Query("user_id"))
	if err != nil {
		s.writeError(c, errors.Validation("user_id must be a UUID"))
		return
	}
	openOnly := c.Query("open_only") == "true"
	orders, err := s.engine.GetUserOrders(c.Request.Context(), c.Query("pair"), userID, openOnly)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) getOrderBook(c *gin.Context) {
	depth, _ := strconv.Atoi(c.DefaultQuery("depth", "50"))
	snapshot, err := s.engine.GetOrderBook(c.Request.Context(), c.Param("symbol"), depth)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (s *Server) getTicker(c *gin.Context) {
	ticker, err := s.engine.GetTicker(c.Param("symbol"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ticker)
}

func (s *Server) getTrades(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	c.JSON(http.StatusOK, gin.H{"trades": s.engine.GetTrades(c.Param("symbol"), limit)})
}

func (s *Server) getCandles(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "500"))
	candles, err := s.engine.GetCandles(c.Param("symbol"), c.DefaultQuery("interval", "1m"), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"candles": candles})
}

type createPoolRequest struct {
	Symbol       string `json:"symbol" binding:"required"`
	FeeTier      string `json:"fee_tier" binding:"required,decimal"`
	InitialPrice string `json:"initial_price" binding:"required,decimal"`
}

func (s *Server) createPool(c *gin.Context) {
	var req createPoolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errors.Validation("invalid request body: %v", err))
		return
	}
	feeTier, err := dec("fee_tier", req.FeeTier)
	if err != nil {
		s.writeError(c, err)
		return
	}
	price, err := dec("initial_price", req.InitialPrice)
	if err != nil {
		s.writeError(c, err)
		return
	}
	pool, err := s.engine.CreatePool(req.Symbol, feeTier, price)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"pool_id": pool.ID})
}

type addLiquidityRequest struct {
	Owner      string `json:"owner" binding:"required,uuid"`
	Symbol     string `json:"symbol" binding:"required"`
	FeeTier    string `json:"fee_tier" binding:"required,decimal"`
	LowerPrice string `json:"lower_price" binding:"required,decimal"`
	UpperPrice string `json:"upper_price" binding:"required,decimal"`
	Liquidity  string `json:"liquidity" binding:"required,decimal"`
}

func (s *Server) addLiquidity(c *gin.Context) {
	var req addLiquidityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errors.Validation("invalid request body: %v", err))
		return
	}
	owner, err := uuid.Parse(req.Owner)
	if err != nil {
		s.writeError(c, errors.Validation("owner must be a UUID"))
		return
	}
	feeTier, err := dec("fee_tier", req.FeeTier)
	if err != nil {
		s.writeError(c, err)
		return
	}
	var rng models.PriceRange
	if rng.Lower, err = dec("lower_price", req.LowerPrice); err != nil {
		s.writeError(c, err)
		return
	}
	if rng.Upper, err = dec("upper_price", req.UpperPrice); err != nil {
		s.writeError(c, err)
		return
	}
	liquidity, err := dec("liquidity", req.Liquidity)
	if err != nil {
		s.writeError(c, err)
		return
	}
	pos, base, quote, err := s.engine.AddLiquidity(owner, req.Symbol, feeTier, rng, liquidity)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"position":       pos,
		"required_base":  base,
		"required_quote": quote,
	})
}

type removeLiquidityRequest struct {
	Owner   string `json:"owner" binding:"required,uuid"`
	Symbol  string `json:"symbol" binding:"required"`
	FeeTier string `json:"fee_tier" binding:"required,decimal"`
	Percent string `json:"percent" binding:"required,decimal"`
}

func (s *Server) removeLiquidity(c *gin.Context) {
	positionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.writeError(c, errors.Validation("position id must be a UUID"))
		return
	}
	var req removeLiquidityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errors.Validation("invalid request body: %v", err))
		return
	}
	owner, err := uuid.Parse(req.Owner)
	if err != nil {
		s.writeError(c, errors.Validation("owner must be a UUID"))
		return
	}
	feeTier, err := dec("fee_tier", req.FeeTier)
	if err != nil {
		s.writeError(c, err)
		return
	}
	percent, err := dec("percent", req.Percent)
	if err != nil {
		s.writeError(c, err)
		return
	}
	pos, base, quote, fees, err := s.engine.RemoveLiquidity(owner, req.Symbol, feeTier, positionID, percent)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"position":       pos,
		"returned_base":  base,
		"returned_quote": quote,
		"collected_fees": fees,
	})
}

func (s *Server) getLiquidityPositions(c *gin.Context) {
	owner, err := uuid.Parse(c.Query("owner"))
	if err != nil {
		s.writeError(c, errors.Validation("owner must be a UUID"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": s.engine.GetLiquidityPositions(owner)})
}

type swapQuoteRequest struct {
	TokenIn           string `json:"token_in" binding:"required"`
	TokenOut          string `json:"token_out" binding:"required"`
	AmountIn          string `json:"amount_in" binding:"required,decimal"`
	SlippageTolerance string `json:"slippage_tolerance" binding:"omitempty,decimal"`
}

func (s *Server) getSwapQuote(c *gin.Context) {
	var req swapQuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errors.Validation("invalid request body: %v", err))
		return
	}
	amountIn, err := dec("amount_in", req.AmountIn)
	if err != nil {
		s.writeError(c, err)
		return
	}
	tolerance, err := decOpt("slippage_tolerance", req.SlippageTolerance)
	if err != nil {
		s.writeError(c, err)
		return
	}
	quote, err := s.engine.GetSwapQuote(req.TokenIn, req.TokenOut, amountIn, tolerance)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

type executeSwapRequest struct {
	UserID   string `json:"user_id" binding:"required,uuid"`
	QuoteID  string `json:"quote_id" binding:"required,uuid"`
	Deadline string `json:"deadline"`
}

func (s *Server) executeSwap(c *gin.Context) {
	var req executeSwapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errors.Validation("invalid request body: %v", err))
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		s.writeError(c, errors.Validation("user_id must be a UUID"))
		return
	}
	quoteID, err := uuid.Parse(req.QuoteID)
	if err != nil {
		s.writeError(c, errors.Validation("quote_id must be a UUID"))
		return
	}
	var deadline time.Time
	if req.Deadline != "" {
		deadline, err = time.Parse(time.RFC3339, req.Deadline)
		if err != nil {
			s.writeError(c, errors.Validation("deadline must be RFC3339, got %q", req.Deadline))
			return
		}
	}
	out, trades, err := s.engine.ExecuteSwap(userID, quoteID, deadline)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"amount_out": out, "trades": trades})
}

type routeRequest struct {
	TokenIn  string `json:"token_in" binding:"required"`
	TokenOut string `json:"token_out" binding:"required"`
	AmountIn string `json:"amount_in" binding:"required,decimal"`
}

func (s *Server) findBestRoute(c *gin.Context) {
	var req routeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errors.Validation("invalid request body: %v", err))
		return
	}
	amountIn, err := dec("amount_in", req.AmountIn)
	if err != nil {
		s.writeError(c, err)
		return
	}
	route, err := s.engine.FindBestRoute(req.TokenIn, req.TokenOut, amountIn)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"route":         route,
		"estimated_gas": s.engine.EstimateGas(route),
		"price_impact":  s.engine.CalculatePriceImpact(route),
	})
}

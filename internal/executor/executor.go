// Package executor submits orders against the exchange gateway with the
// full lifecycle protocol: REQUESTED event and pending row before the
// call, fill verification after, FILLED exactly once on success.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bithumb-trading-bot/internal/database"
	"bithumb-trading-bot/internal/exchange"
	"bithumb-trading-bot/internal/logging"
	"bithumb-trading-bot/internal/regime"
	"bithumb-trading-bot/internal/telemetry"
)

// Executor errors
var (
	ErrBelowMinNotional   = errors.New("order notional below exchange minimum")
	ErrOrderTimeout       = errors.New("limit order not filled within timeout")
	ErrExcessiveSlippage  = errors.New("market order slippage above block threshold")
	ErrGatewayDegraded    = errors.New("gateway is in degraded mode")
	ErrNoMarketData       = errors.New("no market data for order pricing")
	ErrThrottleBlocked    = errors.New("risk throttle blocks new buys for this key")
	ErrUnverifiableMarket = errors.New("market order fill could not be verified")
)

// Strategies that always take the market-order path
var preferMarketStrategies = map[string]bool{
	database.StrategyDCA:                true,
	database.StrategyOrderBookImbalance: true,
	database.StrategyMomentum:           true,
	database.StrategyBreakout:           true,
	database.StrategyMemeScalper:        true,
}

// Config holds executor tuning
type Config struct {
	MinNotionalKRW        float64       `json:"min_notional_krw"`
	LimitTimeout          time.Duration `json:"limit_timeout"`
	LimitPollInterval     time.Duration `json:"limit_poll_interval"`
	PartialFillRatio      float64       `json:"partial_fill_ratio"`      // treated as success
	SlippageWarnPercent   float64       `json:"slippage_warn_percent"`   // warn above
	SlippageBlockPercent  float64       `json:"slippage_block_percent"`  // reject above
	MarketConfidenceAbove float64       `json:"market_confidence_above"` // confluence forcing market orders
	ThinBookDepthKRW      float64       `json:"thin_book_depth_krw"`     // bid depth below this is thin
	MinHolding            time.Duration `json:"min_holding"`             // floor for timeout exits
	FeeRate               float64       `json:"fee_rate"`                // one-way, on the quote amount
}

// DefaultConfig returns the standard executor settings
func DefaultConfig() *Config {
	return &Config{
		MinNotionalKRW:        5100,
		LimitTimeout:          5 * time.Second,
		LimitPollInterval:     500 * time.Millisecond,
		PartialFillRatio:      0.90,
		SlippageWarnPercent:   0.5,
		SlippageBlockPercent:  2.0,
		MarketConfidenceAbove: 85,
		ThinBookDepthKRW:      2_000_000,
		MinHolding:            10 * time.Second,
		FeeRate:               0.0004,
	}
}

// Signal is an entry or exit request produced by a strategy engine
type Signal struct {
	Market       string           `json:"market"`
	StrategyCode string           `json:"strategy_code"`
	Side         string           `json:"side"`         // exchange.SideBuy or SideSell
	NotionalKRW  float64          `json:"notional_krw"` // buy size in quote currency
	Volume       float64          `json:"volume"`       // sell size in base currency
	Confidence   float64          `json:"confidence"`   // confluence total [0, 100]
	Regime       regime.Regime    `json:"regime"`
	Analysis     *regime.Analysis `json:"analysis,omitempty"`
	Reason       string           `json:"reason,omitempty"`
}

// Fill is the settled outcome of an executed order
type Fill struct {
	OrderID     string  `json:"order_id"` // our client id, stable across events
	Market      string  `json:"market"`
	Side        string  `json:"side"`
	OrderType   string  `json:"order_type"`
	AvgPrice    float64 `json:"avg_price"`
	Quantity    float64 `json:"quantity"`
	NotionalKRW float64 `json:"notional_krw"`
	FeeKRW      float64 `json:"fee_krw"`
}

// OrderRepository is the persistence surface the executor needs
type OrderRepository interface {
	CreatePendingOrder(ctx context.Context, o *database.PendingOrder) error
	UpdatePendingOrderStatus(ctx context.Context, orderID, status string) error
	SetPendingOrderExchangeID(ctx context.Context, orderID, exchangeOrderID string) error
}

// Executor places, verifies, and settles orders
type Executor struct {
	gateway  exchange.Gateway
	repo     OrderRepository
	recorder *telemetry.Recorder
	cfg      *Config
	logger   *logging.Logger
}

// New creates an executor
func New(gateway exchange.Gateway, repo OrderRepository, recorder *telemetry.Recorder, cfg *Config) *Executor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Executor{
		gateway:  gateway,
		repo:     repo,
		recorder: recorder,
		cfg:      cfg,
		logger:   logging.WithComponent("executor"),
	}
}

// MinHolding returns the floor under which timeout exits are suppressed
func (e *Executor) MinHolding() time.Duration {
	return e.cfg.MinHolding
}

// FeeRate returns the configured one-way fee rate
func (e *Executor) FeeRate() float64 {
	return e.cfg.FeeRate
}

// ExecuteBuy runs the buy protocol for a signal sized in KRW. The
// minimum-notional guard rejects before any row or event is written.
func (e *Executor) ExecuteBuy(ctx context.Context, signal Signal) (*Fill, error) {
	if signal.NotionalKRW < e.cfg.MinNotionalKRW {
		return nil, fmt.Errorf("%w: %.0f < %.0f", ErrBelowMinNotional, signal.NotionalKRW, e.cfg.MinNotionalKRW)
	}
	if e.gateway.Degraded() {
		return nil, ErrGatewayDegraded
	}

	book, err := e.gateway.GetOrderbook(ctx, signal.Market)
	if err != nil {
		return nil, err
	}
	if book == nil || book.BestAsk() <= 0 {
		return nil, ErrNoMarketData
	}

	orderType := e.chooseOrderType(signal, book)
	orderID := uuid.NewString()

	req := &exchange.OrderRequest{Market: signal.Market, Side: exchange.SideBuy, OrdType: orderType}
	var limitPrice float64
	switch orderType {
	case exchange.OrderTypeMarketBuy:
		req.Price = signal.NotionalKRW
	default:
		limitPrice = insideBid(book)
		req.Price = limitPrice
		req.Volume = volumeFor(signal.NotionalKRW, limitPrice)
	}

	// Protocol step 1: event and pending row precede the gateway call
	e.recordRequested(ctx, orderID, signal, req)
	if err := e.createPending(ctx, orderID, signal, req); err != nil {
		return nil, err
	}

	resp, err := e.gateway.PlaceOrder(ctx, req)
	if err != nil {
		e.settleFailure(ctx, orderID, signal, err)
		return nil, err
	}
	e.linkExchangeID(ctx, orderID, resp.UUID)

	var fill *Fill
	switch orderType {
	case exchange.OrderTypeMarketBuy:
		fill, err = e.verifyMarketBuy(ctx, orderID, signal, resp, book.BestAsk())
	default:
		fill, err = e.awaitLimitFill(ctx, orderID, signal, resp, limitPrice)
	}
	if err != nil {
		return nil, err
	}

	e.settleSuccess(ctx, orderID, signal.StrategyCode, exchange.SideBuy, fill)
	return fill, nil
}

// ExecuteSell closes base-currency volume at market. Exits take the
// market path unconditionally: certainty of exit outweighs spread cost.
func (e *Executor) ExecuteSell(ctx context.Context, market, strategyCode string, volume float64, reason string) (*Fill, error) {
	if e.gateway.Degraded() {
		return nil, ErrGatewayDegraded
	}

	ticker, err := e.gateway.GetTicker(ctx, market)
	if err != nil {
		return nil, err
	}
	if ticker == nil || ticker.TradePrice <= 0 {
		return nil, ErrNoMarketData
	}

	orderID := uuid.NewString()
	req := &exchange.OrderRequest{
		Market:  market,
		Side:    exchange.SideSell,
		OrdType: exchange.OrderTypeMarketSell,
		Volume:  volume,
	}

	signal := Signal{Market: market, StrategyCode: strategyCode, Volume: volume, Reason: reason}
	e.recorder.RecordRequested(ctx, exchange.SideSell, telemetry.Event{
		OrderID:      orderID,
		Market:       market,
		StrategyCode: strategyCode,
		Volume:       &volume,
		Detail:       reason,
	})
	if err := e.createPending(ctx, orderID, signal, req); err != nil {
		return nil, err
	}

	resp, err := e.gateway.PlaceOrder(ctx, req)
	if err != nil {
		e.settleFailure(ctx, orderID, signal, err)
		return nil, err
	}
	e.linkExchangeID(ctx, orderID, resp.UUID)

	final, err := e.awaitOrder(ctx, resp.UUID)
	if err != nil || final == nil {
		e.settleFailure(ctx, orderID, signal, ErrUnverifiableMarket)
		return nil, ErrUnverifiableMarket
	}

	avgPrice := final.Price
	if avgPrice <= 0 {
		avgPrice = ticker.TradePrice
	}
	notional := avgPrice * final.ExecutedVolume
	fill := &Fill{
		OrderID:     orderID,
		Market:      market,
		Side:        exchange.SideSell,
		OrderType:   exchange.OrderTypeMarketSell,
		AvgPrice:    avgPrice,
		Quantity:    final.ExecutedVolume,
		NotionalKRW: notional,
		FeeKRW:      notional * e.cfg.FeeRate,
	}

	e.settleSuccess(ctx, orderID, strategyCode, exchange.SideSell, fill)
	return fill, nil
}

// chooseOrderType applies the market-order policy
func (e *Executor) chooseOrderType(signal Signal, book *exchange.Orderbook) string {
	switch {
	case signal.Regime == regime.HighVolatility:
		return exchange.OrderTypeMarketBuy
	case signal.Confidence >= e.cfg.MarketConfidenceAbove:
		return exchange.OrderTypeMarketBuy
	case preferMarketStrategies[signal.StrategyCode]:
		return exchange.OrderTypeMarketBuy
	case bidDepthKRW(book) < e.cfg.ThinBookDepthKRW:
		return exchange.OrderTypeMarketBuy
	default:
		return exchange.OrderTypeLimit
	}
}

// verifyMarketBuy queries the placed order back and checks slippage
// against the best ask at submission
func (e *Executor) verifyMarketBuy(ctx context.Context, orderID string, signal Signal, placed *exchange.OrderResponse, refPrice float64) (*Fill, error) {
	final, err := e.awaitOrder(ctx, placed.UUID)
	if err != nil || final == nil || final.ExecutedVolume <= 0 {
		e.settleFailure(ctx, orderID, signal, ErrUnverifiableMarket)
		return nil, ErrUnverifiableMarket
	}

	// ord_type=price reports the KRW amount in Price
	avgPrice := signal.NotionalKRW / final.ExecutedVolume

	slippage := 0.0
	if refPrice > 0 {
		slippage = (avgPrice - refPrice) / refPrice * 100
	}
	if slippage > e.cfg.SlippageBlockPercent {
		e.recorder.RecordSlippage(ctx, telemetry.Event{OrderID: orderID, Market: signal.Market, StrategyCode: signal.StrategyCode}, refPrice, avgPrice)
		e.settleFailure(ctx, orderID, signal, ErrExcessiveSlippage)
		return nil, fmt.Errorf("%w: %.2f%%", ErrExcessiveSlippage, slippage)
	}
	if slippage > e.cfg.SlippageWarnPercent {
		e.recorder.RecordSlippage(ctx, telemetry.Event{OrderID: orderID, Market: signal.Market, StrategyCode: signal.StrategyCode}, refPrice, avgPrice)
	}

	return &Fill{
		OrderID:     orderID,
		Market:      signal.Market,
		Side:        exchange.SideBuy,
		OrderType:   exchange.OrderTypeMarketBuy,
		AvgPrice:    avgPrice,
		Quantity:    final.ExecutedVolume,
		NotionalKRW: signal.NotionalKRW,
		FeeKRW:      signal.NotionalKRW * e.cfg.FeeRate,
	}, nil
}

// awaitLimitFill polls until the order fills, reaches the partial-fill
// success threshold, or times out. Timeout cancels the order.
func (e *Executor) awaitLimitFill(ctx context.Context, orderID string, signal Signal, placed *exchange.OrderResponse, limitPrice float64) (*Fill, error) {
	deadline := time.Now().Add(e.cfg.LimitTimeout)

	for {
		order, err := e.gateway.GetOrder(ctx, placed.UUID)
		if err == nil && order != nil {
			if order.State == exchange.OrderStateDone || order.FilledRatio() >= e.cfg.PartialFillRatio {
				notional := limitPrice * order.ExecutedVolume
				return &Fill{
					OrderID:     orderID,
					Market:      signal.Market,
					Side:        exchange.SideBuy,
					OrderType:   exchange.OrderTypeLimit,
					AvgPrice:    limitPrice,
					Quantity:    order.ExecutedVolume,
					NotionalKRW: notional,
					FeeKRW:      notional * e.cfg.FeeRate,
				}, nil
			}
		}

		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.cfg.LimitPollInterval):
		}
	}

	// Timeout path: cancel, mark, emit
	if _, err := e.gateway.CancelOrder(ctx, placed.UUID); err != nil {
		e.logger.WithError(err).Warn("Cancel after limit timeout failed", "market", signal.Market)
	}
	if err := e.repo.UpdatePendingOrderStatus(ctx, orderID, database.OrderCancelled); err != nil {
		e.logger.WithError(err).Error("Failed to mark pending order cancelled", "order_id", orderID)
	}
	e.recorder.RecordCancelled(ctx, telemetry.Event{
		OrderID:      orderID,
		Market:       signal.Market,
		StrategyCode: signal.StrategyCode,
		Detail:       "limit order timeout",
	})
	return nil, ErrOrderTimeout
}

// awaitOrder polls an order until it leaves the wait state or the poll
// budget runs out, returning the last view
func (e *Executor) awaitOrder(ctx context.Context, exchangeOrderID string) (*exchange.OrderResponse, error) {
	deadline := time.Now().Add(e.cfg.LimitTimeout)
	var last *exchange.OrderResponse

	for {
		order, err := e.gateway.GetOrder(ctx, exchangeOrderID)
		if err != nil {
			return last, err
		}
		if order != nil {
			last = order
			if order.State != exchange.OrderStateWait {
				return order, nil
			}
		}
		if time.Now().After(deadline) {
			return last, nil
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(e.cfg.LimitPollInterval):
		}
	}
}

func (e *Executor) recordRequested(ctx context.Context, orderID string, signal Signal, req *exchange.OrderRequest) {
	price := req.Price
	volume := req.Volume
	e.recorder.RecordRequested(ctx, exchange.SideBuy, telemetry.Event{
		OrderID:      orderID,
		Market:       signal.Market,
		StrategyCode: signal.StrategyCode,
		Price:        &price,
		Volume:       &volume,
		Detail:       signal.Reason,
	})
}

func (e *Executor) createPending(ctx context.Context, orderID string, signal Signal, req *exchange.OrderRequest) error {
	price := req.Price
	volume := req.Volume
	pending := &database.PendingOrder{
		OrderID:      orderID,
		Market:       signal.Market,
		StrategyCode: signal.StrategyCode,
		Side:         req.Side,
		OrderType:    req.OrdType,
		Price:        &price,
		Volume:       &volume,
		Status:       database.OrderPending,
	}
	if err := e.repo.CreatePendingOrder(ctx, pending); err != nil {
		return fmt.Errorf("create pending order: %w", err)
	}
	return nil
}

func (e *Executor) linkExchangeID(ctx context.Context, orderID, exchangeOrderID string) {
	if err := e.repo.SetPendingOrderExchangeID(ctx, orderID, exchangeOrderID); err != nil {
		e.logger.WithError(err).Warn("Failed to link exchange order id", "order_id", orderID)
	}
}

func (e *Executor) settleFailure(ctx context.Context, orderID string, signal Signal, cause error) {
	if err := e.repo.UpdatePendingOrderStatus(ctx, orderID, database.OrderFailed); err != nil {
		e.logger.WithError(err).Error("Failed to mark pending order failed", "order_id", orderID)
	}
	e.recorder.RecordFailed(ctx, telemetry.Event{
		OrderID:      orderID,
		Market:       signal.Market,
		StrategyCode: signal.StrategyCode,
		Detail:       cause.Error(),
	})
}

func (e *Executor) settleSuccess(ctx context.Context, orderID, strategyCode, side string, fill *Fill) {
	if err := e.repo.UpdatePendingOrderStatus(ctx, orderID, database.OrderFilled); err != nil {
		e.logger.WithError(err).Error("Failed to mark pending order filled", "order_id", orderID)
	}
	price := fill.AvgPrice
	volume := fill.Quantity
	e.recorder.RecordFilled(ctx, side, telemetry.Event{
		OrderID:      orderID,
		Market:       fill.Market,
		StrategyCode: strategyCode,
		Price:        &price,
		Volume:       &volume,
	})
}

// insideBid pegs a buy limit one tick above the best bid, capped under
// the best ask
func insideBid(book *exchange.Orderbook) float64 {
	bid, ask := book.BestBid(), book.BestAsk()
	price := bid + krwTick(bid)
	if price >= ask {
		price = bid
	}
	return price
}

// bidDepthKRW sums the bid side of the book in quote currency
func bidDepthKRW(book *exchange.Orderbook) float64 {
	total := 0.0
	for _, u := range book.Units {
		total += u.BidPrice * u.BidSize
	}
	return total
}

// volumeFor converts a KRW notional into base volume at 8 decimals
func volumeFor(notionalKRW, price float64) float64 {
	if price <= 0 {
		return 0
	}
	v, _ := decimal.NewFromFloat(notionalKRW).
		Div(decimal.NewFromFloat(price)).
		Round(8).
		Float64()
	return v
}

// krwTick returns the KRW price unit for the given price tier
func krwTick(price float64) float64 {
	switch {
	case price >= 2_000_000:
		return 1000
	case price >= 1_000_000:
		return 500
	case price >= 500_000:
		return 100
	case price >= 100_000:
		return 50
	case price >= 10_000:
		return 10
	case price >= 1_000:
		return 1
	case price >= 100:
		return 0.1
	case price >= 10:
		return 0.01
	case price >= 1:
		return 0.001
	default:
		return 0.0001
	}
}

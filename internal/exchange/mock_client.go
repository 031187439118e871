package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MockClient is an in-memory Gateway used by tests and dry-run mode.
// Orders fill instantly at the configured price unless FillRatio or
// PlaceErr say otherwise.
type MockClient struct {
	mu sync.Mutex

	Candles    map[string][]Candle // keyed by market
	Tickers    map[string]*Ticker
	Orderbooks map[string]*Orderbook
	MarketList []Market
	Balances   []Balance

	// Orders placed through the mock, keyed by uuid
	Orders map[string]*OrderResponse

	// FillRatio controls what fraction of each order executes (default 1.0)
	FillRatio float64
	// PlaceErr, when set, is returned by PlaceOrder
	PlaceErr error
	// CancelledOrders records cancel calls in order
	CancelledOrders []string

	degraded bool
}

// NewMockClient creates an empty mock gateway
func NewMockClient() *MockClient {
	return &MockClient{
		Candles:    make(map[string][]Candle),
		Tickers:    make(map[string]*Ticker),
		Orderbooks: make(map[string]*Orderbook),
		Orders:     make(map[string]*OrderResponse),
		FillRatio:  1.0,
	}
}

// SetPrice is a test helper installing a ticker at the given price
func (m *MockClient) SetPrice(market string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Tickers[market] = &Ticker{Market: market, TradePrice: price}
}

func (m *MockClient) GetCandles(_ context.Context, market string, _, count int) ([]Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	candles := m.Candles[market]
	if candles == nil {
		return nil, nil
	}
	if len(candles) > count {
		candles = candles[len(candles)-count:]
	}
	return candles, nil
}

func (m *MockClient) GetTicker(_ context.Context, market string) (*Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Tickers[market], nil
}

func (m *MockClient) GetOrderbook(_ context.Context, market string) (*Orderbook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Orderbooks[market], nil
}

func (m *MockClient) ListMarkets(_ context.Context) ([]Market, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.MarketList, nil
}

func (m *MockClient) GetBalances(_ context.Context) ([]Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Balances, nil
}

func (m *MockClient) PlaceOrder(_ context.Context, req *OrderRequest) (*OrderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PlaceErr != nil {
		return nil, m.PlaceErr
	}

	price := req.Price
	if t, ok := m.Tickers[req.Market]; ok && (req.OrdType == OrderTypeMarketBuy || req.OrdType == OrderTypeMarketSell) {
		price = t.TradePrice
	}

	volume := req.Volume
	if req.OrdType == OrderTypeMarketBuy {
		if price <= 0 {
			return nil, fmt.Errorf("mock: no ticker price for %s", req.Market)
		}
		volume = req.Price / price // price carries the KRW amount
	}

	state := OrderStateDone
	executed := volume * m.FillRatio
	if m.FillRatio < 1.0 {
		state = OrderStateWait
	}

	resp := &OrderResponse{
		UUID:            uuid.NewString(),
		Market:          req.Market,
		Side:            req.Side,
		OrdType:         req.OrdType,
		State:           state,
		Price:           price,
		Volume:          volume,
		ExecutedVolume:  executed,
		RemainingVolume: volume - executed,
	}
	m.Orders[resp.UUID] = resp
	return resp, nil
}

func (m *MockClient) CancelOrder(_ context.Context, orderUUID string) (*OrderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.Orders[orderUUID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	order.State = OrderStateCancel
	m.CancelledOrders = append(m.CancelledOrders, orderUUID)
	return order, nil
}

func (m *MockClient) GetOrder(_ context.Context, orderUUID string) (*OrderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Orders[orderUUID], nil
}

// Degraded always reports false for the mock
func (m *MockClient) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

// SetDegraded flips the degraded flag for coordinator tests
func (m *MockClient) SetDegraded(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.degraded = v
}

package exchange

import "context"

// Gateway is the exchange surface consumed by the trading core.
// *Client implements it against the live API; MockClient implements it
// in-memory for tests and dry runs.
type Gateway interface {
	GetCandles(ctx context.Context, market string, interval, count int) ([]Candle, error)
	GetTicker(ctx context.Context, market string) (*Ticker, error)
	GetOrderbook(ctx context.Context, market string) (*Orderbook, error)
	ListMarkets(ctx context.Context) ([]Market, error)
	GetBalances(ctx context.Context) ([]Balance, error)
	PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderResponse, error)
	CancelOrder(ctx context.Context, orderUUID string) (*OrderResponse, error)
	GetOrder(ctx context.Context, orderUUID string) (*OrderResponse, error)
	Degraded() bool
}

var _ Gateway = (*Client)(nil)
var _ Gateway = (*MockClient)(nil)

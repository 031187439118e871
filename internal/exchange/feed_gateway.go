package exchange

import "context"

// FeedGateway layers the websocket ticker feed over a REST gateway.
// GetTicker answers with the socket price when it is fresh; every other
// call passes through.
type FeedGateway struct {
	Gateway
	feed *WSFeed
}

// NewFeedGateway wraps a gateway with a running feed
func NewFeedGateway(gw Gateway, feed *WSFeed) *FeedGateway {
	return &FeedGateway{Gateway: gw, feed: feed}
}

func (g *FeedGateway) GetTicker(ctx context.Context, market string) (*Ticker, error) {
	ticker, err := g.Gateway.GetTicker(ctx, market)
	if err != nil {
		// REST is down but the socket may still be live
		if price, ok := g.feed.Price(market); ok {
			return &Ticker{Market: market, TradePrice: price}, nil
		}
		return nil, err
	}
	if price, ok := g.feed.Price(market); ok {
		if ticker == nil {
			return &Ticker{Market: market, TradePrice: price}, nil
		}
		ticker.TradePrice = price
	}
	return ticker, nil
}

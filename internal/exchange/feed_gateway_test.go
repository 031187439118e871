package exchange

import (
	"context"
	"testing"
)

func TestFeedGatewayPrefersSocketPrice(t *testing.T) {
	mock := NewMockClient()
	mock.SetPrice("KRW-BTC", 100)

	feed := NewWSFeed("")
	feed.handleMessage([]byte(`{"type":"ticker","code":"KRW-BTC","trade_price":123}`))

	gw := NewFeedGateway(mock, feed)
	ticker, err := gw.GetTicker(context.Background(), "KRW-BTC")
	if err != nil {
		t.Fatal(err)
	}
	if ticker.TradePrice != 123 {
		t.Errorf("TradePrice = %v, want socket price 123", ticker.TradePrice)
	}
}

func TestFeedGatewayFallsBackToREST(t *testing.T) {
	mock := NewMockClient()
	mock.SetPrice("KRW-ETH", 200)

	gw := NewFeedGateway(mock, NewWSFeed(""))
	ticker, err := gw.GetTicker(context.Background(), "KRW-ETH")
	if err != nil {
		t.Fatal(err)
	}
	if ticker.TradePrice != 200 {
		t.Errorf("TradePrice = %v, want REST price 200", ticker.TradePrice)
	}
}

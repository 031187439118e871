package exchange

import (
	"strings"
	"time"
)

// Candle represents a single OHLCV candle for a market at an interval.
// Immutable after fetch.
type Candle struct {
	Market    string    `json:"market"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"opening_price"`
	High      float64   `json:"high_price"`
	Low       float64   `json:"low_price"`
	Close     float64   `json:"trade_price"`
	Volume    float64   `json:"candle_acc_trade_volume"`
}

// Ticker represents the latest trade snapshot for a market
type Ticker struct {
	Market             string  `json:"market"`
	TradePrice         float64 `json:"trade_price"`
	PrevClosingPrice   float64 `json:"prev_closing_price"`
	Change             string  `json:"change"` // RISE, EVEN, FALL
	ChangeRate         float64 `json:"change_rate"`
	AccTradeVolume24h  float64 `json:"acc_trade_volume_24h"`
	AccTradePrice24h   float64 `json:"acc_trade_price_24h"`
	HighPrice          float64 `json:"high_price"`
	LowPrice           float64 `json:"low_price"`
	Timestamp          int64   `json:"timestamp"`
}

// OrderbookUnit is a single price level (ask + bid pair)
type OrderbookUnit struct {
	AskPrice float64 `json:"ask_price"`
	BidPrice float64 `json:"bid_price"`
	AskSize  float64 `json:"ask_size"`
	BidSize  float64 `json:"bid_size"`
}

// Orderbook represents the current order book for a market
type Orderbook struct {
	Market    string          `json:"market"`
	Timestamp int64           `json:"timestamp"`
	TotalAsk  float64         `json:"total_ask_size"`
	TotalBid  float64         `json:"total_bid_size"`
	Units     []OrderbookUnit `json:"orderbook_units"`
}

// BestBid returns the highest bid price, or 0 if the book is empty
func (ob *Orderbook) BestBid() float64 {
	if len(ob.Units) == 0 {
		return 0
	}
	return ob.Units[0].BidPrice
}

// BestAsk returns the lowest ask price, or 0 if the book is empty
func (ob *Orderbook) BestAsk() float64 {
	if len(ob.Units) == 0 {
		return 0
	}
	return ob.Units[0].AskPrice
}

// Market represents a tradable market in canonical QUOTE-BASE form (e.g. KRW-BTC)
type Market struct {
	Code        string `json:"market"`
	KoreanName  string `json:"korean_name"`
	EnglishName string `json:"english_name"`
	// Warning is set when the exchange has flagged the market (volatility caution etc.)
	Warning bool `json:"market_warning"`
}

// BaseCurrency returns the base symbol of a market code ("KRW-BTC" -> "BTC")
func (m Market) BaseCurrency() string {
	if idx := strings.Index(m.Code, "-"); idx >= 0 {
		return m.Code[idx+1:]
	}
	return m.Code
}

// Balance represents an account balance for one currency
type Balance struct {
	Currency     string  `json:"currency"`
	Available    float64 `json:"balance,string"`
	Locked       float64 `json:"locked,string"`
	AvgBuyPrice  float64 `json:"avg_buy_price,string"`
	UnitCurrency string  `json:"unit_currency"`
}

// Order sides
const (
	SideBuy  = "bid"
	SideSell = "ask"
)

// Order types
const (
	OrderTypeLimit      = "limit"
	OrderTypeMarketSell = "market" // market sell by quantity
	OrderTypeMarketBuy  = "price"  // market buy by KRW amount
)

// Order states reported by the exchange
const (
	OrderStateWait   = "wait"
	OrderStateDone   = "done"
	OrderStateCancel = "cancel"
)

// OrderRequest describes an order to be placed
type OrderRequest struct {
	Market  string  `json:"market"`
	Side    string  `json:"side"`             // bid or ask
	OrdType string  `json:"ord_type"`         // limit, market, price
	Price   float64 `json:"price,omitempty"`  // limit price, or KRW amount for ord_type=price
	Volume  float64 `json:"volume,omitempty"` // quantity, unused for ord_type=price
}

// OrderResponse represents the exchange's view of an order
type OrderResponse struct {
	UUID            string  `json:"uuid"`
	Market          string  `json:"market"`
	Side            string  `json:"side"`
	OrdType         string  `json:"ord_type"`
	State           string  `json:"state"`
	Price           float64 `json:"price,string"`
	Volume          float64 `json:"volume,string"`
	RemainingVolume float64 `json:"remaining_volume,string"`
	ExecutedVolume  float64 `json:"executed_volume,string"`
	PaidFee         float64 `json:"paid_fee,string"`
	CreatedAt       string  `json:"created_at"`
}

// FilledRatio returns the fraction of the requested volume that has executed
func (o *OrderResponse) FilledRatio() float64 {
	total := o.ExecutedVolume + o.RemainingVolume
	if total <= 0 {
		return 0
	}
	return o.ExecutedVolume / total
}

// AvgFillPrice returns the average fill price when the exchange reports
// executed volume, falling back to the order price
func (o *OrderResponse) AvgFillPrice() float64 {
	if o.Price > 0 {
		return o.Price
	}
	return 0
}

package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"bithumb-trading-bot/internal/logging"
)

const (
	requestTimeout = 10 * time.Second

	retryInitialInterval = 1 * time.Second
	retryMaxInterval     = 10 * time.Second
	retryMaxAttempts     = 3

	// Envelope status codes
	statusOK       = "0000"
	statusUnlisted = "5500"
)

// Client talks to the exchange REST API. Read methods return (nil, nil)
// for data-absent conditions (unlisted coin, empty payload) so scanners
// can skip the market without special-casing errors.
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     *signer
	logger     *logging.Logger

	publicLimiter *RateLimiter
	orderLimiter  *RateLimiter

	// degraded is set once on a fatal auth error; the coordinator polls it
	degraded atomic.Bool
}

// NewClient creates an exchange client
func NewClient(baseURL, accessKey, secretKey string) *Client {
	return &Client{
		baseURL:       baseURL,
		httpClient:    &http.Client{Timeout: requestTimeout},
		signer:        newSigner(accessKey, secretKey),
		logger:        logging.WithComponent("exchange"),
		publicLimiter: NewRateLimiter(30, 10), // public endpoints: 10 req/s sustained
		orderLimiter:  NewRateLimiter(8, 8),   // order endpoints are tighter
	}
}

// Degraded reports whether a fatal auth error has been seen
func (c *Client) Degraded() bool {
	return c.degraded.Load()
}

// ==================== PUBLIC READS ====================

// GetCandles fetches up to count minute candles for a market.
// interval is the candle unit in minutes (1, 3, 5, 15, 30, 60, 240).
func (c *Client) GetCandles(ctx context.Context, market string, interval, count int) ([]Candle, error) {
	params := url.Values{}
	params.Set("market", market)
	params.Set("count", strconv.Itoa(count))

	path := fmt.Sprintf("/v1/candles/minutes/%d", interval)
	body, err := c.get(ctx, path, params, c.publicLimiter)
	if err != nil || body == nil {
		return nil, err
	}

	var raw []struct {
		Market    string  `json:"market"`
		TimeUTC   string  `json:"candle_date_time_utc"`
		Open      float64 `json:"opening_price"`
		High      float64 `json:"high_price"`
		Low       float64 `json:"low_price"`
		Close     float64 `json:"trade_price"`
		Volume    float64 `json:"candle_acc_trade_volume"`
		Timestamp int64   `json:"timestamp"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		c.logger.Warn("Failed to parse candles", "market", market, "error", err)
		return nil, nil
	}

	// API returns newest first; flip to chronological order
	candles := make([]Candle, len(raw))
	for i, rc := range raw {
		ts, _ := time.Parse("2006-01-02T15:04:05", rc.TimeUTC)
		candles[len(raw)-1-i] = Candle{
			Market:    rc.Market,
			Timestamp: ts,
			Open:      rc.Open,
			High:      rc.High,
			Low:       rc.Low,
			Close:     rc.Close,
			Volume:    rc.Volume,
		}
	}
	return candles, nil
}

// GetTicker fetches the latest ticker for a market
func (c *Client) GetTicker(ctx context.Context, market string) (*Ticker, error) {
	params := url.Values{}
	params.Set("markets", market)

	body, err := c.get(ctx, "/v1/ticker", params, c.publicLimiter)
	if err != nil || body == nil {
		return nil, err
	}

	var tickers []Ticker
	if err := json.Unmarshal(body, &tickers); err != nil {
		c.logger.Warn("Failed to parse ticker", "market", market, "error", err)
		return nil, nil
	}
	if len(tickers) == 0 {
		return nil, nil
	}
	return &tickers[0], nil
}

// GetOrderbook fetches the current order book for a market
func (c *Client) GetOrderbook(ctx context.Context, market string) (*Orderbook, error) {
	params := url.Values{}
	params.Set("markets", market)

	body, err := c.get(ctx, "/v1/orderbook", params, c.publicLimiter)
	if err != nil || body == nil {
		return nil, err
	}

	var books []Orderbook
	if err := json.Unmarshal(body, &books); err != nil {
		c.logger.Warn("Failed to parse orderbook", "market", market, "error", err)
		return nil, nil
	}
	if len(books) == 0 {
		return nil, nil
	}
	return &books[0], nil
}

// ListMarkets fetches the full market list. Callers should prefer the
// TTL-cached MarketCache over hitting this directly.
func (c *Client) ListMarkets(ctx context.Context) ([]Market, error) {
	params := url.Values{}
	params.Set("isDetails", "true")

	body, err := c.get(ctx, "/v1/market/all", params, c.publicLimiter)
	if err != nil || body == nil {
		return nil, err
	}

	var raw []struct {
		Code        string `json:"market"`
		KoreanName  string `json:"korean_name"`
		EnglishName string `json:"english_name"`
		Warning     string `json:"market_warning"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		c.logger.Warn("Failed to parse market list", "error", err)
		return nil, nil
	}

	markets := make([]Market, len(raw))
	for i, rm := range raw {
		markets[i] = Market{
			Code:        rm.Code,
			KoreanName:  rm.KoreanName,
			EnglishName: rm.EnglishName,
			Warning:     rm.Warning == "CAUTION",
		}
	}
	return markets, nil
}

// ==================== AUTHENTICATED ====================

// GetBalances fetches account balances
func (c *Client) GetBalances(ctx context.Context) ([]Balance, error) {
	body, err := c.signedRequest(ctx, http.MethodGet, "/v1/accounts", nil, c.publicLimiter)
	if err != nil || body == nil {
		return nil, err
	}

	var balances []Balance
	if err := json.Unmarshal(body, &balances); err != nil {
		c.logger.Warn("Failed to parse balances", "error", err)
		return nil, nil
	}
	return balances, nil
}

// PlaceOrder submits a new order
func (c *Client) PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderResponse, error) {
	params := url.Values{}
	params.Set("market", req.Market)
	params.Set("side", req.Side)
	params.Set("ord_type", req.OrdType)
	if req.Price > 0 {
		params.Set("price", formatPrice(req.Price))
	}
	if req.Volume > 0 {
		params.Set("volume", strconv.FormatFloat(req.Volume, 'f', 8, 64))
	}

	body, err := c.signedRequest(ctx, http.MethodPost, "/v1/orders", params, c.orderLimiter)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, fmt.Errorf("empty order response for %s", req.Market)
	}

	var resp OrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing order response: %w", err)
	}
	return &resp, nil
}

// CancelOrder cancels an order by uuid
func (c *Client) CancelOrder(ctx context.Context, orderUUID string) (*OrderResponse, error) {
	params := url.Values{}
	params.Set("uuid", orderUUID)

	body, err := c.signedRequest(ctx, http.MethodDelete, "/v1/order", params, c.orderLimiter)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, ErrOrderNotFound
	}

	var resp OrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing cancel response: %w", err)
	}
	return &resp, nil
}

// GetOrder fetches a single order by uuid. Returns (nil, nil) when the
// exchange no longer knows the order.
func (c *Client) GetOrder(ctx context.Context, orderUUID string) (*OrderResponse, error) {
	params := url.Values{}
	params.Set("uuid", orderUUID)

	body, err := c.signedRequest(ctx, http.MethodGet, "/v1/order", params, c.orderLimiter)
	if err != nil {
		if IsDomainError(err) {
			return nil, nil
		}
		return nil, err
	}
	if body == nil {
		return nil, nil
	}

	var resp OrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		c.logger.Warn("Failed to parse order", "uuid", orderUUID, "error", err)
		return nil, nil
	}
	return &resp, nil
}

// ==================== TRANSPORT ====================

// get performs a public GET with retry and envelope unwrapping.
// A nil body with nil error means data-absent.
func (c *Client) get(ctx context.Context, path string, params url.Values, limiter *RateLimiter) ([]byte, error) {
	return c.doWithRetry(ctx, func() (*http.Request, error) {
		endpoint := c.baseURL + path
		if len(params) > 0 {
			endpoint += "?" + params.Encode()
		}
		return http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	}, limiter)
}

// signedRequest performs an authenticated request. Query parameters are
// hashed into the JWT; POST bodies are sent as JSON.
func (c *Client) signedRequest(ctx context.Context, method, path string, params url.Values, limiter *RateLimiter) ([]byte, error) {
	return c.doWithRetry(ctx, func() (*http.Request, error) {
		query := ""
		if len(params) > 0 {
			query = params.Encode()
		}

		auth, err := c.signer.AuthorizationHeader(query)
		if err != nil {
			return nil, backoff.Permanent(err)
		}

		var req *http.Request
		switch method {
		case http.MethodPost:
			payload := map[string]string{}
			for k := range params {
				payload[k] = params.Get(k)
			}
			body, _ := json.Marshal(payload)
			req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
			if err == nil {
				req.Header.Set("Content-Type", "application/json")
			}
		default:
			endpoint := c.baseURL + path
			if query != "" {
				endpoint += "?" + query
			}
			req, err = http.NewRequestWithContext(ctx, method, endpoint, nil)
		}
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", auth)
		return req, nil
	}, limiter)
}

// doWithRetry executes the request with exponential backoff on network
// errors and 5xx responses. Domain (4xx) errors are permanent.
func (c *Client) doWithRetry(ctx context.Context, build func() (*http.Request, error), limiter *RateLimiter) ([]byte, error) {
	var result []byte

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialInterval
	bo.MaxInterval = retryMaxInterval

	operation := func() error {
		if err := limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		req, err := build()
		if err != nil {
			return err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err // network error, retryable
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("exchange %d: %s", resp.StatusCode, string(body))
		}

		unwrapped, err := c.unwrap(body)
		if err != nil {
			if IsAuthError(err) && !c.degraded.Swap(true) {
				c.logger.Error("Fatal auth error, entering degraded mode", "error", err)
			}
			return backoff.Permanent(err)
		}
		result = unwrapped
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, retryMaxAttempts-1), ctx))
	if err != nil {
		return nil, err
	}
	return result, nil
}

// unwrap normalizes the three response shapes the exchange produces:
// plain v1 arrays/objects, a {status,data,message} envelope, and an
// {error:{name,message}} object. A nil result means data-absent.
func (c *Client) unwrap(body []byte) ([]byte, error) {
	var probe struct {
		Status  string          `json:"status"`
		Data    json.RawMessage `json:"data"`
		Message string          `json:"message"`
		Error   *struct {
			Name    any    `json:"name"` // string or numeric code depending on endpoint
			Message string `json:"message"`
		} `json:"error"`
	}

	if err := json.Unmarshal(body, &probe); err != nil {
		// Not an object: v1 array payloads decode directly
		return body, nil
	}

	if probe.Error != nil {
		return nil, mapAPIError(fmt.Sprintf("%v", probe.Error.Name), probe.Error.Message)
	}

	if probe.Status != "" {
		switch probe.Status {
		case statusOK:
			return probe.Data, nil
		case statusUnlisted:
			// Unlisted coin: silently data-absent
			return nil, nil
		default:
			c.logger.Warn("Unexpected envelope status", "status", probe.Status, "message", probe.Message)
			return nil, nil
		}
	}

	// Plain object response
	return body, nil
}

// formatPrice renders a KRW price without scientific notation
func formatPrice(p float64) string {
	if p == float64(int64(p)) {
		return strconv.FormatInt(int64(p), 10)
	}
	return strconv.FormatFloat(p, 'f', -1, 64)
}

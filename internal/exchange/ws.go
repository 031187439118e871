package exchange

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"bithumb-trading-bot/internal/logging"
)

const (
	wsReconnectDelay   = 5 * time.Second
	wsStalenessLimit   = 15 * time.Second
	wsMaxCodesPerFrame = 70
	wsPingInterval     = 30 * time.Second
)

// tickerUpdate is the last price seen for a market over the socket
type tickerUpdate struct {
	price     float64
	updatedAt time.Time
}

// WSFeed maintains a websocket subscription for ticker updates with
// automatic reconnects. When a market's stream goes stale the feed
// reports a miss and callers fall back to REST.
type WSFeed struct {
	url    string
	logger *logging.Logger

	mu      sync.RWMutex
	codes   []string
	tickers map[string]tickerUpdate

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWSFeed creates a feed for the given websocket endpoint
func NewWSFeed(url string) *WSFeed {
	return &WSFeed{
		url:     url,
		logger:  logging.WithComponent("ws-feed"),
		tickers: make(map[string]tickerUpdate),
	}
}

// Subscribe replaces the set of market codes the feed follows.
// Takes effect on the next (re)connect.
func (f *WSFeed) Subscribe(codes []string) {
	f.mu.Lock()
	f.codes = append([]string(nil), codes...)
	f.mu.Unlock()
}

// Start launches the connection loop. Safe to call once.
func (f *WSFeed) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	f.done = make(chan struct{})
	go f.run(ctx)
}

// Stop terminates the feed and waits for the read loop to exit
func (f *WSFeed) Stop() {
	if f.cancel != nil {
		f.cancel()
		<-f.done
	}
}

// Price returns the freshest socket price for a market. ok is false when
// the feed has no update or the update is stale, in which case callers
// should fetch over REST.
func (f *WSFeed) Price(market string) (float64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	upd, exists := f.tickers[market]
	if !exists || time.Since(upd.updatedAt) > wsStalenessLimit {
		return 0, false
	}
	return upd.price, true
}

func (f *WSFeed) run(ctx context.Context) {
	defer close(f.done)

	for {
		if err := f.connectAndRead(ctx); err != nil {
			f.logger.Warn("WebSocket disconnected", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wsReconnectDelay):
		}
	}
}

func (f *WSFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := f.sendSubscriptions(conn); err != nil {
		return err
	}

	// Keepalive pings; the exchange drops idle connections
	pinger := time.NewTicker(wsPingInterval)
	defer pinger.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-pinger.C:
				_ = conn.WriteMessage(websocket.PingMessage, nil)
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f.handleMessage(msg)
	}
}

// sendSubscriptions writes subscribe frames in batches; the exchange
// rejects frames carrying more than 70 codes
func (f *WSFeed) sendSubscriptions(conn *websocket.Conn) error {
	f.mu.RLock()
	codes := append([]string(nil), f.codes...)
	f.mu.RUnlock()

	for start := 0; start < len(codes); start += wsMaxCodesPerFrame {
		end := start + wsMaxCodesPerFrame
		if end > len(codes) {
			end = len(codes)
		}

		frame := []any{
			map[string]string{"ticket": uuid.NewString()},
			map[string]any{"type": "ticker", "codes": codes[start:end]},
		}
		if err := conn.WriteJSON(frame); err != nil {
			return err
		}
	}
	return nil
}

func (f *WSFeed) handleMessage(msg []byte) {
	var tick struct {
		Type       string  `json:"type"`
		Code       string  `json:"code"`
		TradePrice float64 `json:"trade_price"`
	}
	if err := json.Unmarshal(msg, &tick); err != nil || tick.Type != "ticker" || tick.Code == "" {
		return
	}

	f.mu.Lock()
	f.tickers[tick.Code] = tickerUpdate{price: tick.TradePrice, updatedAt: time.Now()}
	f.mu.Unlock()
}

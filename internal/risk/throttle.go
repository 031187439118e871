package risk

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"bithumb-trading-bot/internal/database"
	"bithumb-trading-bot/internal/logging"
)

// Severity levels for a (market, strategyCode) trading key
const (
	SeverityNormal   = "NORMAL"
	SeverityWeak     = "WEAK"
	SeverityCritical = "CRITICAL"
)

// Throttle thresholds
const (
	throttleLookback  = 30 // closed trades examined
	throttleMinSample = 8  // below this the key is NORMAL

	criticalWinRate     = 0.35
	criticalAvgPnl      = -0.8
	criticalConsecutive = 4

	weakWinRate = 0.45
	weakAvgPnl  = -0.2

	multiplierNormal   = 1.0
	multiplierWeak     = 0.70
	multiplierCritical = 0.45

	minConfidenceNormal   = 55.0
	minConfidenceWeak     = 65.0
	minConfidenceCritical = 75.0

	throttleCacheTTL = 10 * time.Minute
)

// Assessment is the throttle verdict for one trading key
type Assessment struct {
	Market            string    `json:"market"`
	StrategyCode      string    `json:"strategy_code"`
	Severity          string    `json:"severity"`
	Multiplier        float64   `json:"multiplier"`
	MinConfidence     float64   `json:"min_confidence"`
	BlockNewBuys      bool      `json:"block_new_buys"`
	WinRate           float64   `json:"win_rate"`
	AvgPnlPercent     float64   `json:"avg_pnl_percent"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	SampleSize        int       `json:"sample_size"`
	EvaluatedAt       time.Time `json:"evaluated_at"`
}

// TradeSource supplies recent closed trades for a key
type TradeSource interface {
	GetRecentClosedTrades(ctx context.Context, market, strategyCode string, limit int) ([]*database.ClosedTrade, error)
}

// Throttle scales position sizing down for keys on a losing streak.
// Assessments are cached in Redis for 10 minutes with an in-process
// fallback when Redis is unavailable.
type Throttle struct {
	source TradeSource
	rdb    *redis.Client // nil disables the Redis layer
	logger *logging.Logger

	mu    sync.RWMutex
	local map[string]*Assessment
}

// NewThrottle creates a risk throttle
func NewThrottle(source TradeSource, rdb *redis.Client) *Throttle {
	return &Throttle{
		source: source,
		rdb:    rdb,
		logger: logging.WithComponent("risk-throttle"),
		local:  make(map[string]*Assessment),
	}
}

// Evaluate returns the throttle assessment for a key, served from cache
// unless forceRefresh is set or the cached entry has expired
func (t *Throttle) Evaluate(ctx context.Context, market, strategyCode string, forceRefresh bool) (*Assessment, error) {
	key := cacheKey(market, strategyCode)

	if !forceRefresh {
		if a := t.cached(ctx, key); a != nil {
			return a, nil
		}
	}

	trades, err := t.source.GetRecentClosedTrades(ctx, market, strategyCode, throttleLookback)
	if err != nil {
		return nil, err
	}

	a := assess(market, strategyCode, trades)
	t.store(ctx, key, a)
	return a, nil
}

// assess derives severity from the trade history. Trades arrive newest
// first.
func assess(market, strategyCode string, trades []*database.ClosedTrade) *Assessment {
	a := &Assessment{
		Market:        market,
		StrategyCode:  strategyCode,
		Severity:      SeverityNormal,
		Multiplier:    multiplierNormal,
		MinConfidence: minConfidenceNormal,
		SampleSize:    len(trades),
		EvaluatedAt:   time.Now(),
	}

	if len(trades) < throttleMinSample {
		return a
	}

	wins := 0
	sumPnl := 0.0
	for _, trade := range trades {
		if trade.RealizedPnlPercent > 0 {
			wins++
		}
		sumPnl += trade.RealizedPnlPercent
	}
	a.WinRate = float64(wins) / float64(len(trades))
	a.AvgPnlPercent = sumPnl / float64(len(trades))

	// Leading losses in newest-first order are the current streak
	for _, trade := range trades {
		if trade.RealizedPnlPercent >= 0 {
			break
		}
		a.ConsecutiveLosses++
	}

	switch {
	case a.WinRate <= criticalWinRate || a.AvgPnlPercent <= criticalAvgPnl || a.ConsecutiveLosses >= criticalConsecutive:
		a.Severity = SeverityCritical
		a.Multiplier = multiplierCritical
		a.MinConfidence = minConfidenceCritical
		a.BlockNewBuys = true
	case a.WinRate <= weakWinRate || a.AvgPnlPercent <= weakAvgPnl:
		a.Severity = SeverityWeak
		a.Multiplier = multiplierWeak
		a.MinConfidence = minConfidenceWeak
	}
	return a
}

func cacheKey(market, strategyCode string) string {
	return "throttle:" + market + ":" + strategyCode
}

// cached returns a fresh assessment from Redis, then the local map
func (t *Throttle) cached(ctx context.Context, key string) *Assessment {
	if t.rdb != nil {
		if data, err := t.rdb.Get(ctx, key).Bytes(); err == nil {
			a := &Assessment{}
			if json.Unmarshal(data, a) == nil {
				return a
			}
		}
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.local[key]
	if !ok || time.Since(a.EvaluatedAt) > throttleCacheTTL {
		return nil
	}
	return a
}

func (t *Throttle) store(ctx context.Context, key string, a *Assessment) {
	if t.rdb != nil {
		if data, err := json.Marshal(a); err == nil {
			if err := t.rdb.Set(ctx, key, data, throttleCacheTTL).Err(); err != nil {
				t.logger.WithError(err).Warn("Redis throttle cache write failed")
			}
		}
	}

	t.mu.Lock()
	t.local[key] = a
	t.mu.Unlock()
}

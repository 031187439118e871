// Package engine hosts the strategy engines and the machinery that
// drives them: each engine scans markets on its own cadence, gates
// entries through the risk throttle and circuit breaker, and hands its
// open positions to the position manager on monitor ticks.
package engine

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"bithumb-trading-bot/internal/circuit"
	"bithumb-trading-bot/internal/confluence"
	"bithumb-trading-bot/internal/database"
	"bithumb-trading-bot/internal/events"
	"bithumb-trading-bot/internal/exchange"
	"bithumb-trading-bot/internal/executor"
	"bithumb-trading-bot/internal/logging"
	"bithumb-trading-bot/internal/position"
	"bithumb-trading-bot/internal/regime"
	"bithumb-trading-bot/internal/risk"
)

// Engine states
const (
	StateIdle      = "IDLE"
	StateSuspended = "SUSPENDED"
)

// Engine is the capability contract every strategy implements
type Engine interface {
	Code() string
	Scan(ctx context.Context)
	Monitor(ctx context.Context)
	Profile() *position.Profile
	State() string
	Config() *Config
}

// Buyer submits entries. *executor.Executor satisfies it.
type Buyer interface {
	ExecuteBuy(ctx context.Context, signal executor.Signal) (*executor.Fill, error)
}

// Monitorer re-evaluates open positions. *position.Manager satisfies it.
type Monitorer interface {
	MonitorStrategy(ctx context.Context, strategyCode string)
}

// Store is the persistence surface engines need
type Store interface {
	GetOpenPosition(ctx context.Context, market, strategyCode string) (*database.Position, error)
	GetOpenPositionsByMarket(ctx context.Context, market string) ([]*database.Position, error)
	GetOpenPositionsByStrategy(ctx context.Context, strategyCode string) ([]*database.Position, error)
	CreatePosition(ctx context.Context, p *database.Position) error
	IncrementDCACount(ctx context.Context, id int64, newEntryPrice, newQuantity float64) error
	LockKey(market, strategyCode string) func()
}

// RegimeSource classifies current market behavior
type RegimeSource interface {
	Detect(candles []exchange.Candle) *regime.Analysis
}

// Scorer produces the confluence score
type Scorer interface {
	Analyze(candles []exchange.Candle) *confluence.Result
}

// Config is the per-strategy tuning surface
type Config struct {
	Enabled            bool            `json:"enabled"`
	ScanInterval       time.Duration   `json:"scan_interval"`
	MonitorInterval    time.Duration   `json:"monitor_interval"`
	Markets            []string        `json:"markets,omitempty"` // fixed whitelist; empty scans the exchange list
	ExcludeMarkets     []string        `json:"exclude_markets,omitempty"`
	PositionSizeKRW    float64         `json:"position_size_krw"` // 0 sizes by Kelly from capital
	MaxPositions       int             `json:"max_positions"`
	StopLossPercent    float64         `json:"stop_loss_percent"`
	TakeProfitPercent  float64         `json:"take_profit_percent"`
	MinConfluence      float64         `json:"min_confluence"`
	MaxRSI             float64         `json:"max_rsi"`
	MinVolumeRatio     float64         `json:"min_volume_ratio"`
	RegimeWhitelist    []regime.Regime `json:"regime_whitelist,omitempty"`
	Cooldown           time.Duration   `json:"cooldown"`
	MinTradingValueKRW float64         `json:"min_trading_value_krw"`
	MaxTradingValueKRW float64         `json:"max_trading_value_krw"`
	MaxCandidates      int             `json:"max_candidates"` // top-K kept per scan
}

// Runtime bundles the shared collaborators injected into every engine
type Runtime struct {
	Gateway         exchange.Gateway
	Markets         *exchange.MarketCache
	Store           Store
	Buyer           Buyer
	Monitor         Monitorer
	Throttle        *risk.Throttle
	Sizer           *risk.Sizer
	Breakers        *circuit.Set
	Detector        RegimeSource
	Scorer          Scorer
	Bus             *events.Bus
	Profiles        map[string]*position.Profile
	Enabled         func() bool
	GlobalExclusion bool // one position per market across all strategies
	MinNotionalKRW  float64
	CandleInterval  int // minutes
	CandleCount     int
}

func (rt *Runtime) candleParams() (int, int) {
	interval, count := rt.CandleInterval, rt.CandleCount
	if interval == 0 {
		interval = 5
	}
	if count == 0 {
		count = 200
	}
	return interval, count
}

// candidate is one market that passed an engine's entry predicate
type candidate struct {
	market   string
	price    float64
	score    *confluence.Result
	analysis *regime.Analysis
	reason   string
}

// base carries the scan plumbing shared by the engines
type base struct {
	code   string
	cfg    *Config
	rt     *Runtime
	logger *logging.Logger

	mu        sync.Mutex
	cooldowns map[string]time.Time
}

func newBase(code string, cfg *Config, rt *Runtime) base {
	return base{
		code:      code,
		cfg:       cfg,
		rt:        rt,
		logger:    logging.WithComponent("engine." + strings.ToLower(code)),
		cooldowns: make(map[string]time.Time),
	}
}

func (b *base) Code() string    { return b.code }
func (b *base) Config() *Config { return b.cfg }

func (b *base) Profile() *position.Profile {
	if p, ok := b.rt.Profiles[b.code]; ok {
		return p
	}
	return position.DefaultProfile()
}

// State reports SUSPENDED while the strategy's circuit breaker is open
func (b *base) State() string {
	if !b.rt.Breakers.For(b.code).Allowed() {
		return StateSuspended
	}
	return StateIdle
}

// Monitor hands the engine's open positions to the position manager
func (b *base) Monitor(ctx context.Context) {
	if !b.rt.Enabled() {
		return
	}
	b.rt.Monitor.MonitorStrategy(ctx, b.code)
}

// scanAllowed gates every scan tick
func (b *base) scanAllowed(ctx context.Context) bool {
	if !b.cfg.Enabled || !b.rt.Enabled() || b.rt.Gateway.Degraded() {
		return false
	}
	if !b.rt.Breakers.For(b.code).Allowed() {
		return false
	}
	if b.cfg.MaxPositions > 0 {
		open, err := b.rt.Store.GetOpenPositionsByStrategy(ctx, b.code)
		if err != nil {
			b.logger.WithError(err).Error("Failed to count open positions")
			return false
		}
		if len(open) >= b.cfg.MaxPositions {
			return false
		}
	}
	return true
}

func (b *base) inCooldown(market string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	until, ok := b.cooldowns[market]
	return ok && time.Now().Before(until)
}

func (b *base) setCooldown(market string) {
	if b.cfg.Cooldown <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cooldowns[market] = time.Now().Add(b.cfg.Cooldown)
}

func (b *base) excluded(market string) bool {
	for _, m := range b.cfg.ExcludeMarkets {
		if m == market {
			return true
		}
	}
	return false
}

// hasOpen applies the mutual-exclusion scope
func (b *base) hasOpen(ctx context.Context, market string) bool {
	if b.rt.GlobalExclusion {
		open, err := b.rt.Store.GetOpenPositionsByMarket(ctx, market)
		if err != nil {
			b.logger.WithError(err).Error("Failed to check open positions", "market", market)
			return true
		}
		return len(open) > 0
	}
	pos, err := b.rt.Store.GetOpenPosition(ctx, market, b.code)
	if err != nil {
		b.logger.WithError(err).Error("Failed to check open position", "market", market)
		return true
	}
	return pos != nil
}

// eligibleMarkets resolves the scan universe: the configured whitelist,
// or every KRW market passing the 24h trading-value window. The open
// universe comes from the TTL market cache, which serves a stale list
// when the exchange refresh fails.
func (b *base) eligibleMarkets(ctx context.Context) []string {
	if len(b.cfg.Markets) > 0 {
		out := make([]string, 0, len(b.cfg.Markets))
		for _, m := range b.cfg.Markets {
			if !b.excluded(m) {
				out = append(out, m)
			}
		}
		return out
	}

	var out []string
	for _, m := range b.rt.Markets.KRWMarkets(ctx, true) {
		if b.excluded(m.Code) {
			continue
		}
		if b.cfg.MinTradingValueKRW > 0 || b.cfg.MaxTradingValueKRW > 0 {
			ticker, err := b.rt.Gateway.GetTicker(ctx, m.Code)
			if err != nil || ticker == nil {
				continue
			}
			if b.cfg.MinTradingValueKRW > 0 && ticker.AccTradePrice24h < b.cfg.MinTradingValueKRW {
				continue
			}
			if b.cfg.MaxTradingValueKRW > 0 && ticker.AccTradePrice24h > b.cfg.MaxTradingValueKRW {
				continue
			}
		}
		out = append(out, m.Code)
	}
	return out
}

// topCandidates keeps the K strongest signals; excess candidates are
// dropped deterministically
func (b *base) topCandidates(cands []candidate) []candidate {
	sort.SliceStable(cands, func(i, j int) bool {
		return score(cands[i]) > score(cands[j])
	})
	k := b.cfg.MaxCandidates
	if k <= 0 {
		k = 3
	}
	if len(cands) > k {
		cands = cands[:k]
	}
	return cands
}

func score(c candidate) float64 {
	if c.score == nil {
		return 0
	}
	return c.score.Total
}

// enter runs the shared entry pipeline: throttle gate, sizing, buy,
// position row. The per-key lock covers only the check and insert,
// never the exchange call.
func (b *base) enter(ctx context.Context, cand candidate) {
	b.enterSized(ctx, cand, 0)
}

// enterSized is enter with an explicit notional; 0 defers to sizing
func (b *base) enterSized(ctx context.Context, cand candidate, notionalOverride float64) {
	assessment, err := b.rt.Throttle.Evaluate(ctx, cand.market, b.code, false)
	if err != nil {
		b.logger.WithError(err).Error("Throttle evaluation failed", "market", cand.market)
		return
	}
	if assessment.BlockNewBuys {
		b.logger.Warn("Entry blocked by risk throttle", "market", cand.market, "severity", assessment.Severity)
		return
	}

	confidence := score(cand)
	if cand.score != nil && confidence < assessment.MinConfidence {
		return
	}

	notional := notionalOverride
	if notional <= 0 {
		notional = b.notional(ctx, cand, assessment)
	}
	if notional <= 0 {
		return
	}

	b.rt.Bus.PublishSignal(b.code, cand.market, confidence, cand.reason)

	signal := executor.Signal{
		Market:       cand.market,
		StrategyCode: b.code,
		Side:         exchange.SideBuy,
		NotionalKRW:  notional,
		Confidence:   confidence,
		Analysis:     cand.analysis,
		Reason:       cand.reason,
	}
	if cand.analysis != nil {
		signal.Regime = cand.analysis.Regime
	}

	fill, err := b.rt.Buyer.ExecuteBuy(ctx, signal)
	if err != nil {
		b.logger.WithError(err).Warn("Entry failed", "market", cand.market)
		b.setCooldown(cand.market)
		return
	}

	b.openPosition(ctx, cand, fill)
	b.setCooldown(cand.market)
}

func (b *base) openPosition(ctx context.Context, cand candidate, fill *executor.Fill) {
	unlock := b.rt.Store.LockKey(cand.market, b.code)
	defer unlock()

	pos := &database.Position{
		Market:            cand.market,
		StrategyCode:      b.code,
		EntryPrice:        fill.AvgPrice,
		EntryQuantity:     fill.Quantity,
		RemainingQuantity: fill.Quantity,
		StopLoss:          fill.AvgPrice * (1 - b.cfg.StopLossPercent/100),
		TakeProfit:        fill.AvgPrice * (1 + b.cfg.TakeProfitPercent/100),
		Status:            database.PositionOpen,
	}
	if cand.analysis != nil {
		entryRegime := string(cand.analysis.Regime)
		pos.EntryRegime = &entryRegime
	}
	if cand.score != nil {
		entryScore := cand.score.Total
		pos.EntryConfluenceScore = &entryScore
	}

	if err := b.rt.Store.CreatePosition(ctx, pos); err != nil {
		// The fill exists on the exchange; the reconciler will adopt it
		b.logger.WithError(err).Error("Position row conflict after fill", "market", cand.market)
		return
	}

	b.rt.Bus.PublishTradeOpened(cand.market, b.code, fill.AvgPrice, fill.Quantity)
	b.logger.Info("Position opened",
		"market", cand.market, "entry", fill.AvgPrice,
		"quantity", fill.Quantity, "notional", fill.NotionalKRW)
}

// notional sizes the entry: a fixed per-strategy size scaled by the
// throttle, or Kelly from free capital when no fixed size is set
func (b *base) notional(ctx context.Context, cand candidate, a *risk.Assessment) float64 {
	minNotional := b.rt.MinNotionalKRW
	if minNotional <= 0 {
		minNotional = 5100
	}

	if b.cfg.PositionSizeKRW > 0 {
		n := b.cfg.PositionSizeKRW * a.Multiplier
		if n < minNotional {
			return 0
		}
		return n
	}

	capital := b.krwBalance(ctx)
	if capital <= 0 {
		return 0
	}
	winRate := a.WinRate
	if a.SampleSize == 0 {
		winRate = 0.5
	}
	rewardRisk := 1.5
	if b.cfg.StopLossPercent > 0 && b.cfg.TakeProfitPercent > 0 {
		rewardRisk = b.cfg.TakeProfitPercent / b.cfg.StopLossPercent
	}
	n, err := b.rt.Sizer.Size(capital, winRate, rewardRisk, score(cand), a.Multiplier)
	if err != nil {
		b.logger.Debug("Sizer rejected entry", "market", cand.market, "error", err.Error())
		return 0
	}
	return n
}

func (b *base) krwBalance(ctx context.Context) float64 {
	balances, err := b.rt.Gateway.GetBalances(ctx)
	if err != nil {
		b.logger.WithError(err).Error("Failed to fetch balances")
		return 0
	}
	for _, bal := range balances {
		if bal.Currency == "KRW" {
			return bal.Available
		}
	}
	return 0
}

func (b *base) candles(ctx context.Context, market string) []exchange.Candle {
	interval, count := b.rt.candleParams()
	candles, err := b.rt.Gateway.GetCandles(ctx, market, interval, count)
	if err != nil {
		b.logger.WithError(err).Warn("Failed to fetch candles", "market", market)
		return nil
	}
	return candles
}

func (b *base) regimeAllowed(analysis *regime.Analysis) bool {
	if len(b.cfg.RegimeWhitelist) == 0 || analysis == nil {
		return true
	}
	for _, r := range b.cfg.RegimeWhitelist {
		if analysis.Regime == r {
			return true
		}
	}
	return false
}

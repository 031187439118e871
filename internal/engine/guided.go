package engine

import (
	"context"
	"sync"
	"time"

	"bithumb-trading-bot/internal/database"
)

// GuidedRequest is an externally supplied entry directive, queued by
// the admin surface and drained on the next scan tick
type GuidedRequest struct {
	Market      string  `json:"market"`
	NotionalKRW float64 `json:"notional_krw"`
	Note        string  `json:"note,omitempty"`
}

// GuidedEngine executes operator-submitted entries through the same
// throttle, breaker, and executor pipeline as the autonomous engines.
type GuidedEngine struct {
	base

	queueMu sync.Mutex
	queue   []GuidedRequest
}

// DefaultGuidedConfig returns the standard guided settings
func DefaultGuidedConfig() *Config {
	return &Config{
		Enabled:           true,
		ScanInterval:      10 * time.Second,
		MonitorInterval:   60 * time.Second,
		StopLossPercent:   3,
		TakeProfitPercent: 5,
	}
}

// NewGuidedEngine creates the guided engine
func NewGuidedEngine(cfg *Config, rt *Runtime) *GuidedEngine {
	if cfg == nil {
		cfg = DefaultGuidedConfig()
	}
	return &GuidedEngine{base: newBase(database.StrategyGuided, cfg, rt)}
}

// Submit queues an entry request for the next scan tick
func (e *GuidedEngine) Submit(req GuidedRequest) {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	e.queue = append(e.queue, req)
}

// Pending returns the number of queued requests
func (e *GuidedEngine) Pending() int {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	return len(e.queue)
}

// Scan drains the request queue through the standard entry pipeline
func (e *GuidedEngine) Scan(ctx context.Context) {
	if !e.scanAllowed(ctx) {
		return
	}

	e.queueMu.Lock()
	pending := e.queue
	e.queue = nil
	e.queueMu.Unlock()

	for _, req := range pending {
		if e.hasOpen(ctx, req.Market) {
			e.logger.Warn("Guided entry skipped: position already open", "market", req.Market)
			continue
		}

		candles := e.candles(ctx, req.Market)
		cand := candidate{
			market: req.Market,
			reason: "guided entry: " + req.Note,
		}
		if len(candles) > 0 {
			cand.price = candles[len(candles)-1].Close
			cand.analysis = e.rt.Detector.Detect(candles)
			cand.score = e.rt.Scorer.Analyze(candles)
		}

		e.enterSized(ctx, cand, req.NotionalKRW)
	}
}

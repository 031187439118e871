package engine

import (
	"context"
	"fmt"
	"time"

	"bithumb-trading-bot/internal/database"
	"bithumb-trading-bot/internal/regime"
)

// VolatilitySurvivalEngine trades the regime other engines avoid: it
// only enters high-volatility markets, and only on the strongest
// possible confluence, with small size and tight exits.
type VolatilitySurvivalEngine struct {
	base
}

// DefaultVolatilitySurvivalConfig returns the standard settings
func DefaultVolatilitySurvivalConfig() *Config {
	return &Config{
		Enabled:            true,
		ScanInterval:       60 * time.Second,
		MonitorInterval:    30 * time.Second,
		PositionSizeKRW:    30_000,
		MaxPositions:       1,
		StopLossPercent:    2,
		TakeProfitPercent:  3,
		MinConfluence:      100,
		RegimeWhitelist:    []regime.Regime{regime.HighVolatility},
		Cooldown:           30 * time.Minute,
		MinTradingValueKRW: 1_000_000_000,
		MaxCandidates:      1,
	}
}

// NewVolatilitySurvivalEngine creates the volatility-survival engine
func NewVolatilitySurvivalEngine(cfg *Config, rt *Runtime) *VolatilitySurvivalEngine {
	if cfg == nil {
		cfg = DefaultVolatilitySurvivalConfig()
	}
	return &VolatilitySurvivalEngine{base: newBase(database.StrategyVolatilitySurvival, cfg, rt)}
}

// Scan enters only STRONG_BUY setups inside high-volatility regimes
func (e *VolatilitySurvivalEngine) Scan(ctx context.Context) {
	if !e.scanAllowed(ctx) {
		return
	}

	var cands []candidate
	for _, market := range e.eligibleMarkets(ctx) {
		if e.inCooldown(market) || e.hasOpen(ctx, market) {
			continue
		}

		candles := e.candles(ctx, market)
		if len(candles) == 0 {
			continue
		}

		analysis := e.rt.Detector.Detect(candles)
		if !e.regimeAllowed(analysis) {
			continue
		}

		result := e.rt.Scorer.Analyze(candles)
		if result == nil || result.Total < e.cfg.MinConfluence {
			continue
		}

		cands = append(cands, candidate{
			market:   market,
			price:    candles[len(candles)-1].Close,
			score:    result,
			analysis: analysis,
			reason:   fmt.Sprintf("high-volatility capitulation, confluence %.0f", result.Total),
		})
	}

	for _, cand := range e.topCandidates(cands) {
		e.enter(ctx, cand)
	}
}

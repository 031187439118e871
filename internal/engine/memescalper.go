package engine

import (
	"context"
	"fmt"
	"time"

	"bithumb-trading-bot/internal/database"
	"bithumb-trading-bot/internal/regime"
)

// MemeScalperEngine scalps small, liquid-but-volatile markets using the
// fast MACD confluence profile and very short holds.
type MemeScalperEngine struct {
	base
	scorer Scorer // fast MACD profile; falls back to the runtime scorer
}

// DefaultMemeScalperConfig returns the standard scalper settings. The
// trading-value window targets mid-cap markets where surges actually
// move price.
func DefaultMemeScalperConfig() *Config {
	return &Config{
		Enabled:            true,
		ScanInterval:       30 * time.Second,
		MonitorInterval:    30 * time.Second,
		PositionSizeKRW:    50_000,
		MaxPositions:       2,
		StopLossPercent:    1.5,
		TakeProfitPercent:  2.5,
		MinConfluence:      75,
		MinVolumeRatio:     2.0,
		Cooldown:           10 * time.Minute,
		MinTradingValueKRW: 200_000_000,
		MaxTradingValueKRW: 5_000_000_000,
		MaxCandidates:      2,
	}
}

// NewMemeScalperEngine creates the scalper engine. The runtime's scorer
// is shared; scalp scoring needs its own analyzer built with the fast
// MACD pair, so it is injected separately.
func NewMemeScalperEngine(cfg *Config, rt *Runtime, scalpScorer Scorer) *MemeScalperEngine {
	if cfg == nil {
		cfg = DefaultMemeScalperConfig()
	}
	e := &MemeScalperEngine{base: newBase(database.StrategyMemeScalper, cfg, rt)}
	if scalpScorer != nil {
		e.scorer = scalpScorer
	}
	return e
}

// Scan hunts fast setups in the mid-cap window
func (e *MemeScalperEngine) Scan(ctx context.Context) {
	if !e.scanAllowed(ctx) {
		return
	}

	scorer := e.scorer
	if scorer == nil {
		scorer = e.rt.Scorer
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

		result := scorer.Analyze(candles)
		if result == nil || result.Total < e.cfg.MinConfluence {
			continue
		}
		if result.VolumeRatio < e.cfg.MinVolumeRatio {
			continue
		}

		analysis := e.rt.Detector.Detect(candles)
		if analysis != nil && analysis.Regime == regime.BearTrend {
			continue
		}

		cands = append(cands, candidate{
			market:   market,
			price:    candles[len(candles)-1].Close,
			score:    result,
			analysis: analysis,
			reason:   fmt.Sprintf("scalp confluence %.0f volume %.1fx", result.Total, result.VolumeRatio),
		})
	}

	for _, cand := range e.topCandidates(cands) {
		e.enter(ctx, cand)
	}
}

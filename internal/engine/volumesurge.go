package engine

import (
	"context"
	"fmt"
	"time"

	"bithumb-trading-bot/internal/database"
	"bithumb-trading-bot/internal/regime"
)

// VolumeSurgeEngine chases sudden volume expansions with a rising bar,
// holding briefly with a tight monitor cadence.
type VolumeSurgeEngine struct {
	base
}

// DefaultVolumeSurgeConfig returns the standard volume-surge settings
func DefaultVolumeSurgeConfig() *Config {
	return &Config{
		Enabled:            true,
		ScanInterval:       60 * time.Second,
		MonitorInterval:    60 * time.Second,
		PositionSizeKRW:    80_000,
		MaxPositions:       2,
		StopLossPercent:    2.5,
		TakeProfitPercent:  4,
		MinConfluence:      50,
		MinVolumeRatio:     2.0,
		Cooldown:           20 * time.Minute,
		MinTradingValueKRW: 500_000_000,
		MaxCandidates:      2,
	}
}

// NewVolumeSurgeEngine creates the volume-surge engine
func NewVolumeSurgeEngine(cfg *Config, rt *Runtime) *VolumeSurgeEngine {
	if cfg == nil {
		cfg = DefaultVolumeSurgeConfig()
	}
	return &VolumeSurgeEngine{base: newBase(database.StrategyVolumeSurge, cfg, rt)}
}

// Scan looks for rising bars on at least the configured volume multiple
func (e *VolumeSurgeEngine) Scan(ctx context.Context) {
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
		last := candles[len(candles)-1]
		if last.Close <= last.Open {
			continue
		}

		result := e.rt.Scorer.Analyze(candles)
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
			price:    last.Close,
			score:    result,
			analysis: analysis,
			reason:   fmt.Sprintf("volume surge %.1fx with rising bar", result.VolumeRatio),
		})
	}

	for _, cand := range e.topCandidates(cands) {
		e.enter(ctx, cand)
	}
}

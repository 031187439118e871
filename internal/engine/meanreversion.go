package engine

import (
	"context"
	"fmt"
	"time"

	"bithumb-trading-bot/internal/database"
	"bithumb-trading-bot/internal/indicator"
	"bithumb-trading-bot/internal/regime"
)

// MeanReversionEngine buys oversold markets in calm or rising regimes
// when the confluence score agrees.
type MeanReversionEngine struct {
	base
}

// DefaultMeanReversionConfig returns the standard mean-reversion settings
func DefaultMeanReversionConfig() *Config {
	return &Config{
		Enabled:            true,
		ScanInterval:       120 * time.Second,
		MonitorInterval:    60 * time.Second,
		PositionSizeKRW:    100_000,
		MaxPositions:       3,
		StopLossPercent:    3,
		TakeProfitPercent:  5,
		MinConfluence:      75,
		MaxRSI:             40,
		RegimeWhitelist:    []regime.Regime{regime.Sideways, regime.BullTrend},
		Cooldown:           30 * time.Minute,
		MinTradingValueKRW: 1_000_000_000,
		MaxCandidates:      3,
	}
}

// NewMeanReversionEngine creates the mean-reversion engine
func NewMeanReversionEngine(cfg *Config, rt *Runtime) *MeanReversionEngine {
	if cfg == nil {
		cfg = DefaultMeanReversionConfig()
	}
	return &MeanReversionEngine{base: newBase(database.StrategyMeanReversion, cfg, rt)}
}

// Scan collects oversold candidates and enters the strongest
func (e *MeanReversionEngine) Scan(ctx context.Context) {
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

		result := e.rt.Scorer.Analyze(candles)
		if result == nil || result.Total < e.cfg.MinConfluence {
			continue
		}
		if e.cfg.MaxRSI > 0 && result.RSI > e.cfg.MaxRSI {
			continue
		}

		analysis := e.rt.Detector.Detect(candles)
		if !e.regimeAllowed(analysis) {
			continue
		}

		cands = append(cands, candidate{
			market:   market,
			price:    candles[len(candles)-1].Close,
			score:    result,
			analysis: analysis,
			reason:   fmt.Sprintf("oversold confluence %.0f rsi %.1f", result.Total, result.RSI),
		})
	}

	for _, cand := range e.topCandidates(cands) {
		e.enter(ctx, cand)
	}
}

// BreakoutEngine buys closes above the recent range high on expanding
// volume in an established uptrend.
type BreakoutEngine struct {
	base
	lookback int // bars defining the range high
}

// DefaultBreakoutConfig returns the standard breakout settings
func DefaultBreakoutConfig() *Config {
	return &Config{
		Enabled:            true,
		ScanInterval:       120 * time.Second,
		MonitorInterval:    60 * time.Second,
		PositionSizeKRW:    100_000,
		MaxPositions:       2,
		StopLossPercent:    3,
		TakeProfitPercent:  6,
		MinConfluence:      50,
		MinVolumeRatio:     1.5,
		RegimeWhitelist:    []regime.Regime{regime.BullTrend},
		Cooldown:           30 * time.Minute,
		MinTradingValueKRW: 1_000_000_000,
		MaxCandidates:      2,
	}
}

// NewBreakoutEngine creates the breakout engine
func NewBreakoutEngine(cfg *Config, rt *Runtime) *BreakoutEngine {
	if cfg == nil {
		cfg = DefaultBreakoutConfig()
	}
	return &BreakoutEngine{
		base:     newBase(database.StrategyBreakout, cfg, rt),
		lookback: 20,
	}
}

// Scan looks for range-high breaks with volume confirmation
func (e *BreakoutEngine) Scan(ctx context.Context) {
	if !e.scanAllowed(ctx) {
		return
	}

	var cands []candidate
	for _, market := range e.eligibleMarkets(ctx) {
		if e.inCooldown(market) || e.hasOpen(ctx, market) {
			continue
		}

		candles := e.candles(ctx, market)
		if len(candles) < e.lookback+1 {
			continue
		}

		last := candles[len(candles)-1]
		rangeHigh := 0.0
		for _, c := range candles[len(candles)-1-e.lookback : len(candles)-1] {
			if c.High > rangeHigh {
				rangeHigh = c.High
			}
		}
		if last.Close <= rangeHigh {
			continue
		}

		volumes := indicator.Volumes(candles[:len(candles)-1])
		avgVol, ok := indicator.SMA(volumes, 20)
		if !ok || avgVol <= 0 || last.Volume/avgVol < e.cfg.MinVolumeRatio {
			continue
		}

		analysis := e.rt.Detector.Detect(candles)
		if !e.regimeAllowed(analysis) {
			continue
		}

		result := e.rt.Scorer.Analyze(candles)
		cands = append(cands, candidate{
			market:   market,
			price:    last.Close,
			score:    result,
			analysis: analysis,
			reason:   fmt.Sprintf("breakout above %.0f on %.1fx volume", rangeHigh, last.Volume/avgVol),
		})
	}

	for _, cand := range e.topCandidates(cands) {
		e.enter(ctx, cand)
	}
}

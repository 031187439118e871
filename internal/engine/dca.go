package engine

import (
	"context"
	"fmt"
	"time"

	"bithumb-trading-bot/internal/database"
	"bithumb-trading-bot/internal/exchange"
	"bithumb-trading-bot/internal/executor"
)

// DCAEngine accumulates a fixed market list on a schedule and averages
// down on capped re-entries below the running entry price.
type DCAEngine struct {
	base
	stepPercent float64 // drop from avg entry that triggers a re-entry
	maxEntries  int
}

// DefaultDCAConfig returns the standard DCA settings
func DefaultDCAConfig() *Config {
	return &Config{
		Enabled:           true,
		ScanInterval:      300 * time.Second,
		MonitorInterval:   300 * time.Second,
		Markets:           []string{"KRW-BTC", "KRW-ETH"},
		PositionSizeKRW:   50_000,
		StopLossPercent:   25,
		TakeProfitPercent: 50,
		Cooldown:          time.Hour,
	}
}

// NewDCAEngine creates the DCA engine
func NewDCAEngine(cfg *Config, rt *Runtime) *DCAEngine {
	if cfg == nil {
		cfg = DefaultDCAConfig()
	}
	return &DCAEngine{
		base:        newBase(database.StrategyDCA, cfg, rt),
		stepPercent: 5,
		maxEntries:  5,
	}
}

// Scan buys markets with no position and averages down held ones
func (e *DCAEngine) Scan(ctx context.Context) {
	if !e.scanAllowed(ctx) {
		return
	}

	for _, market := range e.eligibleMarkets(ctx) {
		if e.inCooldown(market) {
			continue
		}

		pos, err := e.rt.Store.GetOpenPosition(ctx, market, e.code)
		if err != nil {
			e.logger.WithError(err).Error("Failed to load position", "market", market)
			continue
		}

		ticker, err := e.rt.Gateway.GetTicker(ctx, market)
		if err != nil || ticker == nil || ticker.TradePrice <= 0 {
			continue
		}

		if pos == nil {
			e.enter(ctx, candidate{
				market: market,
				price:  ticker.TradePrice,
				reason: "dca scheduled entry",
			})
			continue
		}

		e.maybeAverageDown(ctx, pos, ticker.TradePrice)
	}
}

// maybeAverageDown adds to a losing position one step at a time
func (e *DCAEngine) maybeAverageDown(ctx context.Context, pos *database.Position, price float64) {
	if pos.DCACount >= e.maxEntries-1 {
		return
	}
	trigger := pos.EntryPrice * (1 - e.stepPercent/100)
	if price > trigger {
		return
	}

	assessment, err := e.rt.Throttle.Evaluate(ctx, pos.Market, e.code, false)
	if err != nil || assessment.BlockNewBuys {
		return
	}

	notional := e.cfg.PositionSizeKRW * assessment.Multiplier
	if notional < e.rt.MinNotionalKRW {
		return
	}

	fill, err := e.rt.Buyer.ExecuteBuy(ctx, executor.Signal{
		Market:       pos.Market,
		StrategyCode: e.code,
		Side:         exchange.SideBuy,
		NotionalKRW:  notional,
		Confidence:   50,
		Reason:       fmt.Sprintf("dca re-entry %d below %.0f", pos.DCACount+1, trigger),
	})
	if err != nil {
		e.logger.WithError(err).Warn("DCA re-entry failed", "market", pos.Market)
		return
	}

	unlock := e.rt.Store.LockKey(pos.Market, e.code)
	defer unlock()

	totalQty := pos.RemainingQuantity + fill.Quantity
	newAvg := (pos.EntryPrice*pos.RemainingQuantity + fill.AvgPrice*fill.Quantity) / totalQty
	if err := e.rt.Store.IncrementDCACount(ctx, pos.ID, newAvg, totalQty); err != nil {
		e.logger.WithError(err).Error("Failed to record DCA re-entry", "position_id", pos.ID)
		return
	}

	e.setCooldown(pos.Market)
	e.logger.Info("DCA re-entry filled",
		"market", pos.Market, "new_avg", newAvg, "total_quantity", totalQty, "entries", pos.DCACount+2)
}

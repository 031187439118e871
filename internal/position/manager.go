// Package position watches open positions and walks each one through
// the exit ladder: regime shift, trailing stop, break-even and profit
// locks, partial take-profit, confluence decay, timeout.
package position

import (
	"context"
	"time"

	"bithumb-trading-bot/internal/confluence"
	"bithumb-trading-bot/internal/database"
	"bithumb-trading-bot/internal/exchange"
	"bithumb-trading-bot/internal/executor"
	"bithumb-trading-bot/internal/logging"
	"bithumb-trading-bot/internal/regime"
)

// Store is the persistence surface the manager needs
type Store interface {
	GetOpenPositions(ctx context.Context) ([]*database.Position, error)
	GetOpenPosition(ctx context.Context, market, strategyCode string) (*database.Position, error)
	UpdatePositionStops(ctx context.Context, id int64, stopLoss, takeProfit float64) error
	UpdatePositionTrailing(ctx context.Context, id int64, peak float64) error
	MarkHalfTakeProfit(ctx context.Context, id int64, remainingQuantity float64) error
	SetPositionStatus(ctx context.Context, id int64, status string) error
	ClosePosition(ctx context.Context, id int64, exitPrice, realizedPnl, realizedPnlPercent float64, exitReason string) error
	LockKey(market, strategyCode string) func()
}

// Seller executes exits. *executor.Executor satisfies it.
type Seller interface {
	ExecuteSell(ctx context.Context, market, strategyCode string, volume float64, reason string) (*executor.Fill, error)
	MinHolding() time.Duration
	FeeRate() float64
}

// RegimeSource classifies current market behavior
type RegimeSource interface {
	Detect(candles []exchange.Candle) *regime.Analysis
}

// Scorer recomputes the entry score for decay checks
type Scorer interface {
	Analyze(candles []exchange.Candle) *confluence.Result
}

// Manager re-evaluates every open position on its strategy's cadence
type Manager struct {
	store    Store
	gateway  exchange.Gateway
	seller   Seller
	regimes  RegimeSource
	scorer   Scorer
	profiles map[string]*Profile
	onClose  func(*database.ClosedTrade)
	logger   *logging.Logger
	now      func() time.Time
}

// NewManager creates a position manager
func NewManager(store Store, gateway exchange.Gateway, seller Seller, regimes RegimeSource, scorer Scorer, profiles map[string]*Profile) *Manager {
	if profiles == nil {
		profiles = DefaultProfiles()
	}
	return &Manager{
		store:    store,
		gateway:  gateway,
		seller:   seller,
		regimes:  regimes,
		scorer:   scorer,
		profiles: profiles,
		logger:   logging.WithComponent("position_manager"),
		now:      time.Now,
	}
}

// OnClose registers a callback invoked after every close. The circuit
// breaker and risk throttle hook in here.
func (m *Manager) OnClose(fn func(*database.ClosedTrade)) {
	m.onClose = fn
}

// ProfileFor returns the monitoring profile for a strategy
func (m *Manager) ProfileFor(strategyCode string) *Profile {
	if p, ok := m.profiles[strategyCode]; ok {
		return p
	}
	return DefaultProfile()
}

// MonitorStrategy evaluates every open position of one strategy
func (m *Manager) MonitorStrategy(ctx context.Context, strategyCode string) {
	positions, err := m.store.GetOpenPositions(ctx)
	if err != nil {
		m.logger.WithError(err).Error("Failed to load open positions")
		return
	}
	for _, pos := range positions {
		if pos.StrategyCode != strategyCode {
			continue
		}
		m.monitorOne(ctx, pos)
	}
}

// MonitorAll evaluates every open position regardless of strategy
func (m *Manager) MonitorAll(ctx context.Context) {
	positions, err := m.store.GetOpenPositions(ctx)
	if err != nil {
		m.logger.WithError(err).Error("Failed to load open positions")
		return
	}
	for _, pos := range positions {
		m.monitorOne(ctx, pos)
	}
}

func (m *Manager) monitorOne(ctx context.Context, pos *database.Position) {
	unlock := m.store.LockKey(pos.Market, pos.StrategyCode)
	defer unlock()

	if err := m.Evaluate(ctx, pos); err != nil {
		m.logger.WithError(err).Error("Position evaluation failed",
			"market", pos.Market, "strategy", pos.StrategyCode)
	}
}

// ManualClose closes the open position for a key at market
func (m *Manager) ManualClose(ctx context.Context, market, strategyCode string) (*database.ClosedTrade, error) {
	unlock := m.store.LockKey(market, strategyCode)
	defer unlock()

	pos, err := m.store.GetOpenPosition(ctx, market, strategyCode)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, database.ErrPositionNotFound
	}
	return m.closeFull(ctx, pos, database.ExitManual)
}

// CloseForCircuitBreaker flattens a position after its strategy tripped
func (m *Manager) CloseForCircuitBreaker(ctx context.Context, pos *database.Position) error {
	unlock := m.store.LockKey(pos.Market, pos.StrategyCode)
	defer unlock()
	_, err := m.closeFull(ctx, pos, database.ExitCircuitBreaker)
	return err
}

// Evaluate runs the exit ladder for one position. The caller holds the
// per-key lock.
func (m *Manager) Evaluate(ctx context.Context, pos *database.Position) error {
	profile := m.ProfileFor(pos.StrategyCode)

	ticker, err := m.gateway.GetTicker(ctx, pos.Market)
	if err != nil {
		return err
	}
	if ticker == nil || ticker.TradePrice <= 0 {
		return nil
	}
	price := ticker.TradePrice
	pnl := pos.UnrealizedPnlPercent(price)

	var candles []exchange.Candle
	needCandles := (profile.RegimeShiftExit && m.regimes != nil) ||
		(profile.ConfluenceDegradation > 0 && m.scorer != nil && pos.EntryConfluenceScore != nil)
	if needCandles {
		candles, _ = m.gateway.GetCandles(ctx, pos.Market, 5, 200)
	}

	// Regime shift: a trend entry whose market turned against it exits
	// in full before any stop arithmetic
	if profile.RegimeShiftExit && m.regimes != nil && entryWasTrend(pos.EntryRegime) {
		if analysis := m.regimes.Detect(candles); analysis != nil && adverseShift(analysis) {
			_, err := m.closeFull(ctx, pos, database.ExitRegimeShift)
			return err
		}
	}

	// Trailing stop: activate at the trigger, ratchet the peak, and
	// keep the stop pinned below it
	if pnl >= profile.TrailingTriggerPercent {
		peak := price
		if pos.TrailingPeak != nil && *pos.TrailingPeak > peak {
			peak = *pos.TrailingPeak
		}
		if !pos.TrailingActive || pos.TrailingPeak == nil || peak > *pos.TrailingPeak {
			if err := m.store.UpdatePositionTrailing(ctx, pos.ID, peak); err != nil {
				return err
			}
			pos.TrailingActive = true
			pos.TrailingPeak = &peak
		}
	}
	if pos.TrailingActive && pos.TrailingPeak != nil {
		trailStop := *pos.TrailingPeak * (1 - profile.TrailingOffsetPercent/100)
		if trailStop > pos.StopLoss {
			if err := m.store.UpdatePositionStops(ctx, pos.ID, trailStop, pos.TakeProfit); err != nil {
				return err
			}
			pos.StopLoss = trailStop
		}
	}

	// Stop and target breaches close immediately
	if pos.StopLoss > 0 && price <= pos.StopLoss {
		reason := database.ExitStopLoss
		if pos.TrailingActive {
			reason = database.ExitTrailingStop
		}
		_, err := m.closeFull(ctx, pos, reason)
		return err
	}
	if pos.TakeProfit > 0 && price >= pos.TakeProfit {
		_, err := m.closeFull(ctx, pos, database.ExitTakeProfit)
		return err
	}

	// Profit lock supersedes break-even; both only ever raise the stop
	if pnl >= profile.ProfitLockTriggerPercent {
		lock := pos.EntryPrice * (1 + profile.ProfitLockMinPercent/100)
		if lock > pos.StopLoss {
			if err := m.store.UpdatePositionStops(ctx, pos.ID, lock, pos.TakeProfit); err != nil {
				return err
			}
			pos.StopLoss = lock
		}
	} else if pnl >= profile.BreakEvenTriggerPercent {
		breakEven := pos.EntryPrice * 1.001
		if breakEven > pos.StopLoss {
			if err := m.store.UpdatePositionStops(ctx, pos.ID, breakEven, pos.TakeProfit); err != nil {
				return err
			}
			pos.StopLoss = breakEven
		}
	}

	// Half take-profit fires once per position at the midpoint to target
	if !pos.HalfTakeProfitDone && profile.HalfTakeProfitRatio > 0 && pos.TakeProfit > pos.EntryPrice {
		halfTarget := pos.EntryPrice + (pos.TakeProfit-pos.EntryPrice)/2
		if price >= halfTarget {
			return m.partialExit(ctx, pos, profile.HalfTakeProfitRatio)
		}
	}

	// Confluence decay tightens the stop but does not exit outright
	if profile.ConfluenceDegradation > 0 && m.scorer != nil && pos.EntryConfluenceScore != nil {
		if res := m.scorer.Analyze(candles); res != nil && res.Classification != confluence.InsufficientData {
			if *pos.EntryConfluenceScore-res.Total >= profile.ConfluenceDegradation {
				tightened := pos.StopLoss * (1 + profile.DivergenceStopTightenPercent/100)
				if tightened > pos.StopLoss && tightened < price {
					if err := m.store.UpdatePositionStops(ctx, pos.ID, tightened, pos.TakeProfit); err != nil {
						return err
					}
					pos.StopLoss = tightened
					m.logger.Info("Stop tightened on confluence decay",
						"market", pos.Market, "entry_score", *pos.EntryConfluenceScore, "current_score", res.Total)
				}
			}
		}
	}

	// Timeout closes regardless of P&L but never inside the
	// minimum-holding window
	if profile.Timeout > 0 {
		holding := pos.HoldingDuration(m.now())
		if holding >= profile.Timeout && holding >= m.seller.MinHolding() {
			_, err := m.closeFull(ctx, pos, database.ExitTimeout)
			return err
		}
	}

	return nil
}

func (m *Manager) partialExit(ctx context.Context, pos *database.Position, ratio float64) error {
	sellQty := pos.RemainingQuantity * ratio
	fill, err := m.seller.ExecuteSell(ctx, pos.Market, pos.StrategyCode, sellQty, "half take profit")
	if err != nil {
		return err
	}
	remaining := pos.RemainingQuantity - fill.Quantity
	if remaining < 0 {
		remaining = 0
	}
	if err := m.store.MarkHalfTakeProfit(ctx, pos.ID, remaining); err != nil {
		return err
	}
	pos.HalfTakeProfitDone = true
	pos.RemainingQuantity = remaining
	m.logger.Info("Half take-profit executed",
		"market", pos.Market, "strategy", pos.StrategyCode,
		"sold", fill.Quantity, "remaining", remaining)
	return nil
}

func (m *Manager) closeFull(ctx context.Context, pos *database.Position, reason string) (*database.ClosedTrade, error) {
	if err := m.store.SetPositionStatus(ctx, pos.ID, database.PositionClosing); err != nil {
		return nil, err
	}

	fill, err := m.seller.ExecuteSell(ctx, pos.Market, pos.StrategyCode, pos.RemainingQuantity, reason)
	if err != nil {
		// Leave the position OPEN so the next tick retries the exit
		if stErr := m.store.SetPositionStatus(ctx, pos.ID, database.PositionOpen); stErr != nil {
			m.logger.WithError(stErr).Error("Failed to reopen position after sell failure", "position_id", pos.ID)
		}
		return nil, err
	}

	pnlKRW, pnlPercent := RealizedPnl(pos.EntryPrice, fill.AvgPrice, fill.Quantity, m.seller.FeeRate())
	if err := m.store.ClosePosition(ctx, pos.ID, fill.AvgPrice, pnlKRW, pnlPercent, reason); err != nil {
		return nil, err
	}

	trade := &database.ClosedTrade{
		Market:             pos.Market,
		StrategyCode:       pos.StrategyCode,
		RealizedPnl:        pnlKRW,
		RealizedPnlPercent: pnlPercent,
		ExitReason:         reason,
		ClosedAt:           m.now(),
	}
	if m.onClose != nil {
		m.onClose(trade)
	}

	m.logger.Info("Position closed",
		"market", pos.Market, "strategy", pos.StrategyCode,
		"reason", reason, "exit_price", fill.AvgPrice, "pnl_percent", pnlPercent)
	return trade, nil
}

// RealizedPnl computes the settled P&L with the trading fee charged on
// the quote amount of both legs
func RealizedPnl(entryPrice, exitPrice, quantity, feeRate float64) (pnlKRW, pnlPercent float64) {
	if entryPrice <= 0 {
		return 0, 0
	}
	pnlPercent = ((exitPrice-entryPrice)/entryPrice - 2*feeRate) * 100
	pnlKRW = (exitPrice-entryPrice)*quantity - (entryPrice+exitPrice)*quantity*feeRate
	return pnlKRW, pnlPercent
}

func entryWasTrend(entryRegime *string) bool {
	if entryRegime == nil {
		return false
	}
	return *entryRegime == string(regime.BullTrend) || *entryRegime == string(regime.BearTrend)
}

func adverseShift(analysis *regime.Analysis) bool {
	if analysis.Regime == regime.BearTrend {
		return true
	}
	return analysis.Regime == regime.HighVolatility && analysis.Momentum <= -1.2
}

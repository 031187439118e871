// Package telemetry records order lifecycle events into the append-only
// telemetry table. Recording is best-effort: failures are logged and
// swallowed so a telemetry outage never blocks trading.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"bithumb-trading-bot/internal/database"
)

// LifecycleRepository is the persistence surface the recorder needs
type LifecycleRepository interface {
	InsertLifecycleEvent(ctx context.Context, e *database.OrderLifecycleEvent) (bool, error)
	GetLifecycleEventsSince(ctx context.Context, group string, since time.Time) ([]*database.OrderLifecycleEvent, error)
	GetTodayStats(ctx context.Context, group string, now time.Time) (*database.DailyStats, error)
}

// Recorder writes lifecycle events with idempotence per
// (orderId, eventType)
type Recorder struct {
	repo   LifecycleRepository
	logger zerolog.Logger
}

// NewRecorder creates a lifecycle recorder
func NewRecorder(repo LifecycleRepository, logger zerolog.Logger) *Recorder {
	return &Recorder{
		repo:   repo,
		logger: logger.With().Str("component", "LifecycleRecorder").Logger(),
	}
}

// Event carries the fields common to every lifecycle record
type Event struct {
	OrderID      string
	Market       string
	StrategyCode string
	Price        *float64
	Volume       *float64
	Detail       string
}

// RecordRequested logs a BUY_REQUESTED or SELL_REQUESTED event
func (r *Recorder) RecordRequested(ctx context.Context, side string, e Event) {
	eventType := database.EventBuyRequested
	if side == "ask" {
		eventType = database.EventSellRequested
	}
	r.record(ctx, eventType, e)
}

// RecordFilled logs a BUY_FILLED or SELL_FILLED event. The unique index
// guarantees at most one fill event per order regardless of replays.
func (r *Recorder) RecordFilled(ctx context.Context, side string, e Event) {
	eventType := database.EventBuyFilled
	if side == "ask" {
		eventType = database.EventSellFilled
	}
	r.record(ctx, eventType, e)
}

// RecordCancelled logs a CANCELLED event
func (r *Recorder) RecordCancelled(ctx context.Context, e Event) {
	r.record(ctx, database.EventCancelled, e)
}

// RecordFailed logs a FAILED event
func (r *Recorder) RecordFailed(ctx context.Context, e Event) {
	r.record(ctx, database.EventFailed, e)
}

// RecordSlippage logs observed market-order slippage as event detail
func (r *Recorder) RecordSlippage(ctx context.Context, e Event, expected, actual float64) {
	slippage := 0.0
	if expected > 0 {
		slippage = (actual - expected) / expected * 100
	}
	e.Detail = fmt.Sprintf("slippage=%.4f%% expected=%.2f actual=%.2f", slippage, expected, actual)

	r.logger.Warn().
		Str("order_id", e.OrderID).
		Str("market", e.Market).
		Float64("slippage_percent", slippage).
		Msg("Market order slippage observed")
}

func (r *Recorder) record(ctx context.Context, eventType string, e Event) {
	if r.repo == nil {
		return
	}

	row := &database.OrderLifecycleEvent{
		OrderID:       e.OrderID,
		EventType:     eventType,
		Market:        e.Market,
		StrategyCode:  e.StrategyCode,
		StrategyGroup: database.GroupForStrategy(e.StrategyCode),
		Price:         e.Price,
		Volume:        e.Volume,
	}
	if e.Detail != "" {
		row.Detail = &e.Detail
	}

	inserted, err := r.repo.InsertLifecycleEvent(ctx, row)
	if err != nil {
		r.logger.Error().
			Err(err).
			Str("order_id", e.OrderID).
			Str("event_type", eventType).
			Msg("Failed to record lifecycle event")
		return
	}
	if !inserted {
		r.logger.Debug().
			Str("order_id", e.OrderID).
			Str("event_type", eventType).
			Msg("Duplicate lifecycle event suppressed")
		return
	}

	r.logger.Info().
		Str("order_id", e.OrderID).
		Str("event_type", eventType).
		Str("market", e.Market).
		Str("strategy", e.StrategyCode).
		Msg("Lifecycle event recorded")
}

// TodayStats returns the KST-day summary for each strategy group
func (r *Recorder) TodayStats(ctx context.Context, now time.Time) map[string]*database.DailyStats {
	groups := []string{
		database.GroupManual,
		database.GroupGuided,
		database.GroupAutopilot,
		database.GroupCoreEngine,
	}

	out := make(map[string]*database.DailyStats, len(groups))
	for _, group := range groups {
		stats, err := r.repo.GetTodayStats(ctx, group, now)
		if err != nil {
			r.logger.Error().Err(err).Str("group", group).Msg("Failed to compute daily stats")
			continue
		}
		out[group] = stats
	}
	return out
}

// EventsSince returns lifecycle events after the cutoff sorted by
// createdAt, optionally filtered by strategy group
func (r *Recorder) EventsSince(ctx context.Context, group string, since time.Time) []*database.OrderLifecycleEvent {
	events, err := r.repo.GetLifecycleEventsSince(ctx, group, since)
	if err != nil {
		r.logger.Error().Err(err).Str("group", group).Msg("Failed to read lifecycle events")
		return nil
	}
	return events
}

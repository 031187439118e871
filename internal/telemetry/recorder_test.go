package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"bithumb-trading-bot/internal/database"
)

// fakeRepo enforces the (orderId, eventType) idempotence in memory
type fakeRepo struct {
	events map[string]*database.OrderLifecycleEvent
	err    error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{events: make(map[string]*database.OrderLifecycleEvent)}
}

func (f *fakeRepo) InsertLifecycleEvent(_ context.Context, e *database.OrderLifecycleEvent) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	key := e.OrderID + "|" + e.EventType
	if _, exists := f.events[key]; exists {
		return false, nil
	}
	f.events[key] = e
	return true, nil
}

func (f *fakeRepo) GetLifecycleEventsSince(_ context.Context, group string, _ time.Time) ([]*database.OrderLifecycleEvent, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []*database.OrderLifecycleEvent
	for _, e := range f.events {
		if group == "" || e.StrategyGroup == group {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeRepo) GetTodayStats(_ context.Context, group string, _ time.Time) (*database.DailyStats, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &database.DailyStats{StrategyGroup: group}, nil
}

func TestRecordFilledIsIdempotent(t *testing.T) {
	repo := newFakeRepo()
	r := NewRecorder(repo, zerolog.Nop())

	e := Event{OrderID: "X", Market: "KRW-BTC", StrategyCode: database.StrategyDCA}
	r.RecordFilled(context.Background(), "bid", e)
	r.RecordFilled(context.Background(), "bid", e)

	if len(repo.events) != 1 {
		t.Fatalf("Replayed fill should leave exactly one event, got %d", len(repo.events))
	}
	row, ok := repo.events["X|"+database.EventBuyFilled]
	if !ok {
		t.Fatal("Expected a BUY_FILLED event for order X")
	}
	if row.StrategyGroup != database.GroupCoreEngine {
		t.Errorf("DCA should roll up to CORE_ENGINE, got %s", row.StrategyGroup)
	}
}

func TestRecordSideSelection(t *testing.T) {
	repo := newFakeRepo()
	r := NewRecorder(repo, zerolog.Nop())

	r.RecordRequested(context.Background(), "ask", Event{OrderID: "S1", Market: "KRW-ETH", StrategyCode: database.StrategyManual})
	if _, ok := repo.events["S1|"+database.EventSellRequested]; !ok {
		t.Error("Ask side should record SELL_REQUESTED")
	}

	r.RecordRequested(context.Background(), "bid", Event{OrderID: "B1", Market: "KRW-ETH", StrategyCode: database.StrategyManual})
	if _, ok := repo.events["B1|"+database.EventBuyRequested]; !ok {
		t.Error("Bid side should record BUY_REQUESTED")
	}
}

func TestRecordFailureDoesNotPropagate(t *testing.T) {
	repo := newFakeRepo()
	repo.err = errors.New("database down")
	r := NewRecorder(repo, zerolog.Nop())

	// Must not panic or surface the error
	r.RecordFilled(context.Background(), "bid", Event{OrderID: "X", Market: "KRW-BTC", StrategyCode: database.StrategyDCA})
	r.RecordCancelled(context.Background(), Event{OrderID: "X", Market: "KRW-BTC", StrategyCode: database.StrategyDCA})

	if stats := r.TodayStats(context.Background(), time.Now()); len(stats) != 0 {
		t.Errorf("Failing repo should yield no stats, got %d groups", len(stats))
	}
	if events := r.EventsSince(context.Background(), "", time.Time{}); events != nil {
		t.Error("Failing repo should yield nil events")
	}
}

func TestTodayStatsCoversAllGroups(t *testing.T) {
	r := NewRecorder(newFakeRepo(), zerolog.Nop())
	stats := r.TodayStats(context.Background(), time.Now())
	for _, group := range []string{
		database.GroupManual, database.GroupGuided,
		database.GroupAutopilot, database.GroupCoreEngine,
	} {
		if _, ok := stats[group]; !ok {
			t.Errorf("Missing stats for group %s", group)
		}
	}
}

package position

import (
	"context"
	"testing"
	"time"

	"bithumb-trading-bot/internal/database"
	"bithumb-trading-bot/internal/exchange"
)

type abandonCall struct {
	id     int64
	reason string
}

type fakeSyncStore struct {
	positions []*database.Position
	orders    []*database.PendingOrder
	abandoned []abandonCall
	created   []*database.Position
	statuses  map[string]string
}

func newFakeSyncStore() *fakeSyncStore {
	return &fakeSyncStore{statuses: make(map[string]string)}
}

func (s *fakeSyncStore) GetOpenPositions(_ context.Context) ([]*database.Position, error) {
	return s.positions, nil
}

func (s *fakeSyncStore) AbandonPosition(_ context.Context, id int64, exitReason string) error {
	s.abandoned = append(s.abandoned, abandonCall{id, exitReason})
	return nil
}

func (s *fakeSyncStore) CreatePosition(_ context.Context, p *database.Position) error {
	s.created = append(s.created, p)
	return nil
}

func (s *fakeSyncStore) GetPendingOrders(_ context.Context) ([]*database.PendingOrder, error) {
	return s.orders, nil
}

func (s *fakeSyncStore) UpdatePendingOrderStatus(_ context.Context, orderID, status string) error {
	s.statuses[orderID] = status
	return nil
}

func TestSyncAbandonsPositionWithoutBalance(t *testing.T) {
	store := newFakeSyncStore()
	store.positions = []*database.Position{{
		ID:                7,
		Market:            "KRW-BTC",
		StrategyCode:      database.StrategyDCA,
		EntryPrice:        1_000_000,
		RemainingQuantity: 0.01,
		Status:            database.PositionOpen,
	}}

	mock := exchange.NewMockClient()
	rec := NewReconciler(store, mock, nil)

	report, err := rec.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Abandoned != 1 {
		t.Fatalf("abandoned = %d, want 1", report.Abandoned)
	}
	if len(store.abandoned) != 1 || store.abandoned[0].reason != database.ExitAbandonedNoBalance {
		t.Fatalf("expected ABANDONED_NO_BALANCE, got %+v", store.abandoned)
	}
}

func TestSyncAbandonsDustBalance(t *testing.T) {
	store := newFakeSyncStore()
	store.positions = []*database.Position{{
		ID:                8,
		Market:            "KRW-BTC",
		EntryPrice:        100_000,
		RemainingQuantity: 0.05,
		Status:            database.PositionOpen,
	}}

	mock := exchange.NewMockClient()
	mock.Balances = []exchange.Balance{{Currency: "BTC", Available: 0.001}} // worth 100 KRW
	rec := NewReconciler(store, mock, nil)

	if _, err := rec.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(store.abandoned) != 1 || store.abandoned[0].reason != database.ExitAbandonedMinAmount {
		t.Fatalf("expected ABANDONED_MIN_AMOUNT, got %+v", store.abandoned)
	}
}

func TestSyncKeepsHealthyPosition(t *testing.T) {
	store := newFakeSyncStore()
	store.positions = []*database.Position{{
		ID:                9,
		Market:            "KRW-BTC",
		EntryPrice:        1_000_000,
		RemainingQuantity: 0.01,
		Status:            database.PositionOpen,
	}}

	mock := exchange.NewMockClient()
	mock.Balances = []exchange.Balance{{Currency: "BTC", Available: 0.01}}
	rec := NewReconciler(store, mock, nil)

	report, err := rec.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Abandoned != 0 || len(store.abandoned) != 0 {
		t.Fatalf("healthy position abandoned: %+v", store.abandoned)
	}
}

func TestSyncCancelsStaleOrders(t *testing.T) {
	exchangeID := "ex-123"
	store := newFakeSyncStore()
	store.orders = []*database.PendingOrder{{
		OrderID:         "stale-1",
		ExchangeOrderID: &exchangeID,
		Market:          "KRW-BTC",
		Status:          database.OrderPending,
		CreatedAt:       time.Now().Add(-5 * time.Minute),
	}, {
		OrderID:   "fresh-1",
		Market:    "KRW-BTC",
		Status:    database.OrderPending,
		CreatedAt: time.Now(),
	}}

	mock := exchange.NewMockClient()
	mock.Orders[exchangeID] = &exchange.OrderResponse{UUID: exchangeID, State: exchange.OrderStateWait}
	rec := NewReconciler(store, mock, nil)

	report, err := rec.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Cancelled != 1 {
		t.Errorf("cancelled = %d, want 1", report.Cancelled)
	}
	if store.statuses["stale-1"] != database.OrderCancelled {
		t.Errorf("stale order status = %s, want CANCELLED", store.statuses["stale-1"])
	}
	if len(mock.CancelledOrders) != 1 || mock.CancelledOrders[0] != exchangeID {
		t.Errorf("exchange cancel not issued: %v", mock.CancelledOrders)
	}
	if _, touched := store.statuses["fresh-1"]; touched {
		t.Errorf("fresh order must be left alone")
	}
}

func TestSyncFailsStaleOrderWithoutExchangeID(t *testing.T) {
	store := newFakeSyncStore()
	store.orders = []*database.PendingOrder{{
		OrderID:   "lost-1",
		Market:    "KRW-BTC",
		Status:    database.OrderPending,
		CreatedAt: time.Now().Add(-5 * time.Minute),
	}}

	rec := NewReconciler(store, exchange.NewMockClient(), nil)
	if _, err := rec.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if store.statuses["lost-1"] != database.OrderFailed {
		t.Errorf("status = %s, want FAILED", store.statuses["lost-1"])
	}
}

func TestSyncReportsUntrackedBalance(t *testing.T) {
	store := newFakeSyncStore()
	mock := exchange.NewMockClient()
	mock.Balances = []exchange.Balance{
		{Currency: "KRW", Available: 1_000_000},
		{Currency: "ETH", Available: 0.5, AvgBuyPrice: 4_000_000},
	}

	rec := NewReconciler(store, mock, nil)
	report, err := rec.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Untracked) != 1 || report.Untracked[0] != "KRW-ETH" {
		t.Fatalf("untracked = %v, want [KRW-ETH]", report.Untracked)
	}
	if len(store.created) != 0 {
		t.Errorf("adoption disabled by default")
	}
}

func TestSyncAdoptsUntrackedBalance(t *testing.T) {
	store := newFakeSyncStore()
	mock := exchange.NewMockClient()
	mock.Balances = []exchange.Balance{
		{Currency: "ETH", Available: 0.5, AvgBuyPrice: 4_000_000},
	}

	cfg := DefaultSyncConfig()
	cfg.AdoptUntracked = true
	rec := NewReconciler(store, mock, cfg)

	report, err := rec.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Adopted != 1 || len(store.created) != 1 {
		t.Fatalf("adopted = %d, created = %d, want 1 each", report.Adopted, len(store.created))
	}
	adopted := store.created[0]
	if adopted.StrategyCode != database.StrategyManual {
		t.Errorf("adopted strategy = %s, want MANUAL", adopted.StrategyCode)
	}
	if adopted.Market != "KRW-ETH" || adopted.RemainingQuantity != 0.5 {
		t.Errorf("adopted position wrong: %+v", adopted)
	}
}

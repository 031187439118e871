package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"bithumb-trading-bot/internal/database"
	"bithumb-trading-bot/internal/events"
	"bithumb-trading-bot/internal/exchange"
	"bithumb-trading-bot/internal/position"
)

type stubEngine struct {
	code  string
	cfg   *Config
	scans int
}

func (e *stubEngine) Code() string               { return e.code }
func (e *stubEngine) Scan(_ context.Context)     { e.scans++ }
func (e *stubEngine) Monitor(_ context.Context)  {}
func (e *stubEngine) Profile() *position.Profile { return position.DefaultProfile() }
func (e *stubEngine) State() string              { return StateIdle }
func (e *stubEngine) Config() *Config            { return e.cfg }

type fakeSyncer struct {
	runs int
	err  error
}

func (f *fakeSyncer) Run(_ context.Context) (*position.SyncReport, error) {
	f.runs++
	if f.err != nil {
		return nil, f.err
	}
	return &position.SyncReport{Checked: 2, Abandoned: 1}, nil
}

type fakeCoordStore struct {
	mu       sync.Mutex
	pending  []*database.PendingOrder
	statuses map[string]string
	values   map[string]string
}

func newFakeCoordStore() *fakeCoordStore {
	return &fakeCoordStore{statuses: make(map[string]string), values: make(map[string]string)}
}

func (s *fakeCoordStore) GetPendingOrders(_ context.Context) ([]*database.PendingOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending, nil
}

func (s *fakeCoordStore) UpdatePendingOrderStatus(_ context.Context, orderID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[orderID] = status
	return nil
}

func (s *fakeCoordStore) SetValue(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func TestCoordinatorStartRegistersEnabledEngines(t *testing.T) {
	enabled := &stubEngine{code: "A", cfg: &Config{Enabled: true, ScanInterval: time.Hour, MonitorInterval: time.Hour}}
	disabled := &stubEngine{code: "B", cfg: &Config{Enabled: false, ScanInterval: time.Hour, MonitorInterval: time.Hour}}
	syncer := &fakeSyncer{}

	c := NewCoordinator([]Engine{enabled, disabled}, syncer, newFakeCoordStore(), exchange.NewMockClient(), events.NewBus())
	if c.Enabled() {
		t.Fatal("coordinator enabled before start")
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop(context.Background())

	if syncer.runs != 1 {
		t.Errorf("sync runs = %d, want 1", syncer.runs)
	}
	if !c.Enabled() {
		t.Error("coordinator not enabled after start")
	}

	tasks := c.scheduler.Tasks()
	if len(tasks) != 2 {
		t.Fatalf("tasks = %v, want a-scan and a-monitor only", tasks)
	}
	if tasks[0] != "a-scan" || tasks[1] != "a-monitor" {
		t.Errorf("tasks = %v", tasks)
	}
}

func TestCoordinatorStopCancelsPendingOrders(t *testing.T) {
	mock := exchange.NewMockClient()
	mock.SetPrice("KRW-BTC", 100)
	store := newFakeCoordStore()

	// One live limit order on the exchange, one never acknowledged
	resp, err := mock.PlaceOrder(context.Background(), &exchange.OrderRequest{
		Market: "KRW-BTC", Side: exchange.SideBuy, OrdType: exchange.OrderTypeLimit, Price: 99, Volume: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	exchangeID := resp.UUID
	store.pending = []*database.PendingOrder{
		{OrderID: "local-1", ExchangeOrderID: &exchangeID, Status: database.OrderPending},
		{OrderID: "local-2", Status: database.OrderPending},
		{OrderID: "local-3", Status: database.OrderFilled},
	}

	c := NewCoordinator(nil, nil, store, mock, events.NewBus())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	c.Stop(context.Background())

	if c.Enabled() {
		t.Error("coordinator still enabled after stop")
	}
	if len(mock.CancelledOrders) != 1 || mock.CancelledOrders[0] != exchangeID {
		t.Errorf("cancelled = %v, want [%s]", mock.CancelledOrders, exchangeID)
	}
	if store.statuses["local-1"] != database.OrderCancelled {
		t.Errorf("local-1 status = %q, want CANCELLED", store.statuses["local-1"])
	}
	if _, touched := store.statuses["local-3"]; touched {
		t.Error("filled order must not be touched at shutdown")
	}
	if store.values["last_shutdown"] == "" {
		t.Error("shutdown marker not persisted")
	}
}

func TestCoordinatorEngineByCode(t *testing.T) {
	a := &stubEngine{code: "A", cfg: &Config{}}
	c := NewCoordinator([]Engine{a}, nil, nil, nil, events.NewBus())
	if c.EngineByCode("A") != a {
		t.Error("engine lookup failed")
	}
	if c.EngineByCode("missing") != nil {
		t.Error("unknown code should return nil")
	}
}

package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"bithumb-trading-bot/internal/circuit"
	"bithumb-trading-bot/internal/confluence"
	"bithumb-trading-bot/internal/database"
	"bithumb-trading-bot/internal/events"
	"bithumb-trading-bot/internal/exchange"
	"bithumb-trading-bot/internal/executor"
	"bithumb-trading-bot/internal/regime"
	"bithumb-trading-bot/internal/risk"
)

type fakeEngineStore struct {
	mu        sync.Mutex
	positions map[string]*database.Position // keyed market|strategy
	created   []*database.Position
	dcaCalls  int
}

func newFakeEngineStore() *fakeEngineStore {
	return &fakeEngineStore{positions: make(map[string]*database.Position)}
}

func posKey(market, strategyCode string) string { return market + "|" + strategyCode }

func (s *fakeEngineStore) GetOpenPosition(_ context.Context, market, strategyCode string) (*database.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[posKey(market, strategyCode)], nil
}

func (s *fakeEngineStore) GetOpenPositionsByMarket(_ context.Context, market string) ([]*database.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*database.Position
	for _, p := range s.positions {
		if p.Market == market {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakeEngineStore) GetOpenPositionsByStrategy(_ context.Context, strategyCode string) ([]*database.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*database.Position
	for _, p := range s.positions {
		if p.StrategyCode == strategyCode {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakeEngineStore) CreatePosition(_ context.Context, p *database.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := posKey(p.Market, p.StrategyCode)
	if _, exists := s.positions[k]; exists {
		return database.ErrPositionExists
	}
	s.positions[k] = p
	s.created = append(s.created, p)
	return nil
}

func (s *fakeEngineStore) IncrementDCACount(_ context.Context, id int64, newEntryPrice, newQuantity float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dcaCalls++
	for _, p := range s.positions {
		if p.ID == id {
			p.DCACount++
			p.EntryPrice = newEntryPrice
			p.RemainingQuantity = newQuantity
		}
	}
	return nil
}

func (s *fakeEngineStore) LockKey(_, _ string) func() { return func() {} }

type fakeBuyer struct {
	mu        sync.Mutex
	signals   []executor.Signal
	fillPrice float64
	err       error
}

func (f *fakeBuyer) ExecuteBuy(_ context.Context, signal executor.Signal) (*executor.Fill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.signals = append(f.signals, signal)
	price := f.fillPrice
	if price <= 0 {
		price = 100.0
	}
	return &executor.Fill{
		OrderID:     "test-order",
		Market:      signal.Market,
		Side:        exchange.SideBuy,
		AvgPrice:    price,
		Quantity:    signal.NotionalKRW / price,
		NotionalKRW: signal.NotionalKRW,
	}, nil
}

func (f *fakeBuyer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.signals)
}

type fakeMonitorer struct{ calls int }

func (f *fakeMonitorer) MonitorStrategy(_ context.Context, _ string) { f.calls++ }

type fakeTrades struct{ trades []*database.ClosedTrade }

func (f *fakeTrades) GetRecentClosedTrades(_ context.Context, _, _ string, _ int) ([]*database.ClosedTrade, error) {
	return f.trades, nil
}

type stubDetector struct{ analysis *regime.Analysis }

func (s *stubDetector) Detect(_ []exchange.Candle) *regime.Analysis { return s.analysis }

type stubScorer struct{ result *confluence.Result }

func (s *stubScorer) Analyze(_ []exchange.Candle) *confluence.Result { return s.result }

func testRuntime(store *fakeEngineStore, buyer *fakeBuyer, gw exchange.Gateway, detector RegimeSource, scorer Scorer) *Runtime {
	return &Runtime{
		Gateway:        gw,
		Markets:        exchange.NewMarketCache(gw),
		Store:          store,
		Buyer:          buyer,
		Monitor:        &fakeMonitorer{},
		Throttle:       risk.NewThrottle(&fakeTrades{}, nil),
		Sizer:          risk.NewSizer(nil),
		Breakers:       circuit.NewSet(nil),
		Detector:       detector,
		Scorer:         scorer,
		Bus:            events.NewBus(),
		Profiles:       nil,
		Enabled:        func() bool { return true },
		MinNotionalKRW: 5100,
	}
}

func oneCandle(market string, close float64) []exchange.Candle {
	return []exchange.Candle{{Market: market, Open: close * 0.99, High: close, Low: close * 0.98, Close: close, Volume: 100}}
}

func TestMeanReversionEntersOnConfluence(t *testing.T) {
	store := newFakeEngineStore()
	buyer := &fakeBuyer{}
	mock := exchange.NewMockClient()
	mock.Candles["KRW-ABC"] = oneCandle("KRW-ABC", 100)

	detector := &stubDetector{analysis: &regime.Analysis{Regime: regime.Sideways, Confidence: 60}}
	scorer := &stubScorer{result: &confluence.Result{Total: 80, RSI: 30, Classification: confluence.Buy}}
	rt := testRuntime(store, buyer, mock, detector, scorer)

	cfg := DefaultMeanReversionConfig()
	cfg.Markets = []string{"KRW-ABC"}
	cfg.MinTradingValueKRW = 0
	eng := NewMeanReversionEngine(cfg, rt)

	eng.Scan(context.Background())

	if buyer.calls() != 1 {
		t.Fatalf("buyer calls = %d, want 1", buyer.calls())
	}
	if len(store.created) != 1 {
		t.Fatalf("positions created = %d, want 1", len(store.created))
	}
	pos := store.created[0]
	if pos.StrategyCode != database.StrategyMeanReversion {
		t.Errorf("strategy = %s", pos.StrategyCode)
	}
	if pos.StopLoss != 97 || pos.TakeProfit != 105 {
		t.Errorf("stops = %v/%v, want 97/105", pos.StopLoss, pos.TakeProfit)
	}
	if pos.EntryRegime == nil || *pos.EntryRegime != string(regime.Sideways) {
		t.Errorf("entry regime = %v", pos.EntryRegime)
	}
	if pos.EntryConfluenceScore == nil || *pos.EntryConfluenceScore != 80 {
		t.Errorf("entry confluence = %v", pos.EntryConfluenceScore)
	}
}

func TestMeanReversionSkipsWrongRegime(t *testing.T) {
	store := newFakeEngineStore()
	buyer := &fakeBuyer{}
	mock := exchange.NewMockClient()
	mock.Candles["KRW-ABC"] = oneCandle("KRW-ABC", 100)

	detector := &stubDetector{analysis: &regime.Analysis{Regime: regime.BearTrend}}
	scorer := &stubScorer{result: &confluence.Result{Total: 90, RSI: 28}}
	rt := testRuntime(store, buyer, mock, detector, scorer)

	cfg := DefaultMeanReversionConfig()
	cfg.Markets = []string{"KRW-ABC"}
	eng := NewMeanReversionEngine(cfg, rt)

	eng.Scan(context.Background())
	if buyer.calls() != 0 {
		t.Errorf("bear-trend market must not be bought")
	}
}

func TestMeanReversionCooldownBlocksReentry(t *testing.T) {
	store := newFakeEngineStore()
	buyer := &fakeBuyer{}
	mock := exchange.NewMockClient()
	mock.Candles["KRW-ABC"] = oneCandle("KRW-ABC", 100)

	detector := &stubDetector{analysis: &regime.Analysis{Regime: regime.Sideways}}
	scorer := &stubScorer{result: &confluence.Result{Total: 80, RSI: 30}}
	rt := testRuntime(store, buyer, mock, detector, scorer)

	cfg := DefaultMeanReversionConfig()
	cfg.Markets = []string{"KRW-ABC"}
	eng := NewMeanReversionEngine(cfg, rt)
	ctx := context.Background()

	eng.Scan(ctx)
	// Drop the position so only the cooldown stands in the way
	store.mu.Lock()
	store.positions = make(map[string]*database.Position)
	store.mu.Unlock()

	eng.Scan(ctx)
	if buyer.calls() != 1 {
		t.Errorf("cooldown ignored: buyer calls = %d, want 1", buyer.calls())
	}
}

func TestSuspendedEngineDoesNotScan(t *testing.T) {
	store := newFakeEngineStore()
	buyer := &fakeBuyer{}
	mock := exchange.NewMockClient()
	mock.Candles["KRW-ABC"] = oneCandle("KRW-ABC", 100)

	detector := &stubDetector{analysis: &regime.Analysis{Regime: regime.Sideways}}
	scorer := &stubScorer{result: &confluence.Result{Total: 80, RSI: 30}}
	rt := testRuntime(store, buyer, mock, detector, scorer)

	cfg := DefaultMeanReversionConfig()
	cfg.Markets = []string{"KRW-ABC"}
	eng := NewMeanReversionEngine(cfg, rt)

	// Three consecutive losses trip the default breaker
	breaker := rt.Breakers.For(database.StrategyMeanReversion)
	now := time.Now()
	for i := 0; i < 3; i++ {
		breaker.RecordTrade(-1000, now)
	}

	if eng.State() != StateSuspended {
		t.Fatalf("state = %s, want SUSPENDED", eng.State())
	}
	eng.Scan(context.Background())
	if buyer.calls() != 0 {
		t.Errorf("suspended engine produced a buy")
	}

	breaker.Reset()
	if eng.State() != StateIdle {
		t.Errorf("state after reset = %s, want IDLE", eng.State())
	}
	eng.Scan(context.Background())
	if buyer.calls() != 1 {
		t.Errorf("reset engine should scan again, calls = %d", buyer.calls())
	}
}

func TestThrottleBlocksEntries(t *testing.T) {
	store := newFakeEngineStore()
	buyer := &fakeBuyer{}
	mock := exchange.NewMockClient()
	mock.Candles["KRW-ABC"] = oneCandle("KRW-ABC", 100)

	// Eight straight losses push the throttle to CRITICAL
	var losses []*database.ClosedTrade
	for i := 0; i < 8; i++ {
		losses = append(losses, &database.ClosedTrade{RealizedPnlPercent: -1.5, ClosedAt: time.Now()})
	}

	detector := &stubDetector{analysis: &regime.Analysis{Regime: regime.Sideways}}
	scorer := &stubScorer{result: &confluence.Result{Total: 90, RSI: 28}}
	rt := testRuntime(store, buyer, mock, detector, scorer)
	rt.Throttle = risk.NewThrottle(&fakeTrades{trades: losses}, nil)

	cfg := DefaultMeanReversionConfig()
	cfg.Markets = []string{"KRW-ABC"}
	eng := NewMeanReversionEngine(cfg, rt)

	eng.Scan(context.Background())
	if buyer.calls() != 0 {
		t.Errorf("critical throttle must block new buys")
	}
}

func TestDCAScheduledEntryAndAverageDown(t *testing.T) {
	store := newFakeEngineStore()
	buyer := &fakeBuyer{}
	mock := exchange.NewMockClient()
	mock.SetPrice("KRW-BTC", 100)

	rt := testRuntime(store, buyer, mock, &stubDetector{}, &stubScorer{})

	cfg := DefaultDCAConfig()
	cfg.Markets = []string{"KRW-BTC"}
	cfg.Cooldown = 0
	eng := NewDCAEngine(cfg, rt)
	ctx := context.Background()

	eng.Scan(ctx)
	if buyer.calls() != 1 {
		t.Fatalf("scheduled entry missing, calls = %d", buyer.calls())
	}
	if len(store.created) != 1 {
		t.Fatalf("position not created")
	}

	// 6% below entry triggers an average-down
	store.created[0].ID = 1
	mock.SetPrice("KRW-BTC", 94)
	buyer.fillPrice = 94
	eng.Scan(ctx)
	if buyer.calls() != 2 {
		t.Fatalf("average-down missing, calls = %d", buyer.calls())
	}
	if store.dcaCalls != 1 {
		t.Errorf("IncrementDCACount calls = %d, want 1", store.dcaCalls)
	}
	pos := store.created[0]
	if pos.DCACount != 1 {
		t.Errorf("dca count = %d, want 1", pos.DCACount)
	}
	if pos.EntryPrice >= 100 || pos.EntryPrice <= 94 {
		t.Errorf("new average %v not between fills", pos.EntryPrice)
	}

	// A small dip must not trigger another step
	mock.SetPrice("KRW-BTC", 93)
	eng.Scan(ctx)
	if buyer.calls() != 2 {
		t.Errorf("re-entry fired above the next step trigger")
	}
}

func TestGuidedQueueDrains(t *testing.T) {
	store := newFakeEngineStore()
	buyer := &fakeBuyer{}
	mock := exchange.NewMockClient()
	mock.Candles["KRW-XRP"] = oneCandle("KRW-XRP", 500)

	rt := testRuntime(store, buyer, mock, &stubDetector{}, &stubScorer{})
	eng := NewGuidedEngine(nil, rt)
	ctx := context.Background()

	eng.Submit(GuidedRequest{Market: "KRW-XRP", NotionalKRW: 50_000, Note: "operator pick"})
	if eng.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", eng.Pending())
	}

	eng.Scan(ctx)
	if eng.Pending() != 0 {
		t.Errorf("queue not drained")
	}
	if buyer.calls() != 1 {
		t.Fatalf("guided entry missing")
	}
	if buyer.signals[0].NotionalKRW != 50_000 {
		t.Errorf("notional = %v, want 50000", buyer.signals[0].NotionalKRW)
	}
	if buyer.signals[0].StrategyCode != database.StrategyGuided {
		t.Errorf("strategy = %s", buyer.signals[0].StrategyCode)
	}
}

func TestDisabledCoordinatorBlocksScan(t *testing.T) {
	store := newFakeEngineStore()
	buyer := &fakeBuyer{}
	mock := exchange.NewMockClient()
	mock.Candles["KRW-ABC"] = oneCandle("KRW-ABC", 100)

	detector := &stubDetector{analysis: &regime.Analysis{Regime: regime.Sideways}}
	scorer := &stubScorer{result: &confluence.Result{Total: 80, RSI: 30}}
	rt := testRuntime(store, buyer, mock, detector, scorer)
	rt.Enabled = func() bool { return false }

	cfg := DefaultMeanReversionConfig()
	cfg.Markets = []string{"KRW-ABC"}
	eng := NewMeanReversionEngine(cfg, rt)

	eng.Scan(context.Background())
	if buyer.calls() != 0 {
		t.Errorf("disabled coordinator must block scans")
	}
}

type flakyMarketGateway struct {
	*exchange.MockClient
	listCalls int
}

func (f *flakyMarketGateway) ListMarkets(ctx context.Context) ([]exchange.Market, error) {
	f.listCalls++
	if f.listCalls > 1 {
		return nil, context.DeadlineExceeded
	}
	return f.MockClient.ListMarkets(ctx)
}

func TestScanUniverseServedFromCacheDuringOutage(t *testing.T) {
	mock := exchange.NewMockClient()
	mock.MarketList = []exchange.Market{
		{Code: "KRW-ABC"},
		{Code: "KRW-FLAG", Warning: true},
		{Code: "BTC-ETH"},
	}
	gw := &flakyMarketGateway{MockClient: mock}

	rt := testRuntime(newFakeEngineStore(), &fakeBuyer{}, gw, &stubDetector{}, &stubScorer{})
	cfg := DefaultMeanReversionConfig()
	cfg.MinTradingValueKRW = 0
	b := newBase(database.StrategyMeanReversion, cfg, rt)

	ctx := context.Background()
	first := b.eligibleMarkets(ctx)
	if len(first) != 1 || first[0] != "KRW-ABC" {
		t.Fatalf("universe = %v, want [KRW-ABC]", first)
	}
	if gw.listCalls != 1 {
		t.Fatalf("list calls = %d, want 1", gw.listCalls)
	}

	// A second scan inside the TTL reuses the cached list
	if second := b.eligibleMarkets(ctx); len(second) != 1 {
		t.Errorf("cached universe = %v, want [KRW-ABC]", second)
	}
	if gw.listCalls != 1 {
		t.Errorf("list calls after cached scan = %d, want 1", gw.listCalls)
	}

	// Once expired, a failed refresh serves the stale list so the scan
	// universe never collapses during an exchange outage
	rt.Markets.Invalidate()
	stale := b.eligibleMarkets(ctx)
	if len(stale) != 1 || stale[0] != "KRW-ABC" {
		t.Errorf("universe during outage = %v, want stale [KRW-ABC]", stale)
	}
	if gw.listCalls != 2 {
		t.Errorf("list calls after failed refresh = %d, want 2", gw.listCalls)
	}
}

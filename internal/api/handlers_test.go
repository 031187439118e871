package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"bithumb-trading-bot/internal/circuit"
	"bithumb-trading-bot/internal/database"
	"bithumb-trading-bot/internal/engine"
	"bithumb-trading-bot/internal/events"
	"bithumb-trading-bot/internal/position"
	"bithumb-trading-bot/internal/risk"
	"bithumb-trading-bot/internal/telemetry"
)

type apiStubEngine struct {
	code string
	cfg  *engine.Config
}

func (e *apiStubEngine) Code() string               { return e.code }
func (e *apiStubEngine) Scan(_ context.Context)     {}
func (e *apiStubEngine) Monitor(_ context.Context)  {}
func (e *apiStubEngine) Profile() *position.Profile { return position.DefaultProfile() }
func (e *apiStubEngine) State() string              { return engine.StateIdle }
func (e *apiStubEngine) Config() *engine.Config     { return e.cfg }

type fakeCore struct {
	enabled bool
	engines []engine.Engine
}

func (f *fakeCore) Enabled() bool            { return f.enabled }
func (f *fakeCore) Enable()                  { f.enabled = true }
func (f *fakeCore) Disable()                 { f.enabled = false }
func (f *fakeCore) Engines() []engine.Engine { return f.engines }
func (f *fakeCore) EngineByCode(code string) engine.Engine {
	for _, e := range f.engines {
		if e.Code() == code {
			return e
		}
	}
	return nil
}

type fakeCloser struct {
	market   string
	strategy string
	err      error
}

func (f *fakeCloser) ManualClose(_ context.Context, market, strategyCode string) (*database.ClosedTrade, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.market = market
	f.strategy = strategyCode
	return &database.ClosedTrade{Market: market, StrategyCode: strategyCode, ExitReason: "MANUAL"}, nil
}

type apiFakeSyncer struct{ runs int }

func (f *apiFakeSyncer) Run(_ context.Context) (*position.SyncReport, error) {
	f.runs++
	return &position.SyncReport{Checked: 3}, nil
}

type fakeAPIStore struct {
	positions []*database.Position
	orders    []*database.PendingOrder
	trades    []*database.ClosedTrade
}

func (f *fakeAPIStore) HealthCheck(_ context.Context) error { return nil }
func (f *fakeAPIStore) GetOpenPositions(_ context.Context) ([]*database.Position, error) {
	return f.positions, nil
}
func (f *fakeAPIStore) GetPendingOrders(_ context.Context) ([]*database.PendingOrder, error) {
	return f.orders, nil
}
func (f *fakeAPIStore) GetRecentClosedTrades(_ context.Context, _, _ string, _ int) ([]*database.ClosedTrade, error) {
	return f.trades, nil
}

type fakeLifecycleRepo struct{}

func (f *fakeLifecycleRepo) InsertLifecycleEvent(_ context.Context, _ *database.OrderLifecycleEvent) (bool, error) {
	return true, nil
}
func (f *fakeLifecycleRepo) GetLifecycleEventsSince(_ context.Context, _ string, _ time.Time) ([]*database.OrderLifecycleEvent, error) {
	return nil, nil
}
func (f *fakeLifecycleRepo) GetTodayStats(_ context.Context, group string, _ time.Time) (*database.DailyStats, error) {
	return &database.DailyStats{StrategyGroup: group}, nil
}

type fakeTradeSource struct{}

func (f *fakeTradeSource) GetRecentClosedTrades(_ context.Context, _, _ string, _ int) ([]*database.ClosedTrade, error) {
	return nil, nil
}

type testServer struct {
	server  *Server
	core    *fakeCore
	closer  *fakeCloser
	syncer  *apiFakeSyncer
	guided  *engine.GuidedEngine
	breaker *circuit.Set
}

func newTestServer(t *testing.T, token string) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	core := &fakeCore{
		enabled: true,
		engines: []engine.Engine{
			&apiStubEngine{code: database.StrategyMeanReversion, cfg: &engine.Config{Enabled: true, ScanInterval: 120 * time.Second, MaxPositions: 3}},
		},
	}
	closer := &fakeCloser{}
	syncer := &apiFakeSyncer{}
	breakers := circuit.NewSet(nil)
	guided := engine.NewGuidedEngine(nil, &engine.Runtime{})

	s := NewServer(
		ServerConfig{DesktopToken: token},
		core, closer, syncer,
		&fakeAPIStore{positions: []*database.Position{{Market: "KRW-BTC", StrategyCode: database.StrategyDCA}}},
		breakers,
		risk.NewThrottle(&fakeTradeSource{}, nil),
		telemetry.NewRecorder(&fakeLifecycleRepo{}, zerolog.Nop()),
		guided,
		events.NewBus(),
	)
	return &testServer{server: s, core: core, closer: closer, syncer: syncer, guided: guided, breaker: breakers}
}

func (ts *testServer) do(method, path, token, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("X-Desktop-Token", token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	ts.server.router.ServeHTTP(w, req)
	return w
}

func TestTokenMiddleware(t *testing.T) {
	ts := newTestServer(t, "secret")

	if w := ts.do("GET", "/api/positions", "", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("missing token: code = %d, want 401", w.Code)
	}
	if w := ts.do("GET", "/api/positions", "wrong", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: code = %d, want 401", w.Code)
	}
	if w := ts.do("GET", "/api/positions", "secret", ""); w.Code != http.StatusOK {
		t.Errorf("valid token: code = %d, want 200", w.Code)
	}
}

func TestHealthBypassesToken(t *testing.T) {
	ts := newTestServer(t, "secret")
	if w := ts.do("GET", "/health", "", ""); w.Code != http.StatusOK {
		t.Errorf("health: code = %d, want 200", w.Code)
	}
}

func TestDashboard(t *testing.T) {
	ts := newTestServer(t, "")
	w := ts.do("GET", "/api/dashboard", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}

	var resp struct {
		Data struct {
			Enabled   bool                     `json:"enabled"`
			Positions []map[string]interface{} `json:"positions"`
			Engines   []engineSummary          `json:"engines"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Data.Enabled {
		t.Error("enabled flag missing")
	}
	if len(resp.Data.Positions) != 1 {
		t.Errorf("positions = %d, want 1", len(resp.Data.Positions))
	}
	if len(resp.Data.Engines) != 1 || resp.Data.Engines[0].Code != database.StrategyMeanReversion {
		t.Errorf("engines = %v", resp.Data.Engines)
	}
}

func TestClosePosition(t *testing.T) {
	ts := newTestServer(t, "")

	w := ts.do("POST", "/api/positions/close", "", `{"market":"KRW-BTC","strategy_code":"dca"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, body = %s", w.Code, w.Body.String())
	}
	if ts.closer.market != "KRW-BTC" || ts.closer.strategy != "DCA" {
		t.Errorf("closer got %s/%s", ts.closer.market, ts.closer.strategy)
	}

	if w := ts.do("POST", "/api/positions/close", "", `{"market":"KRW-BTC"}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing strategy: code = %d, want 400", w.Code)
	}
}

func TestBotEnableDisable(t *testing.T) {
	ts := newTestServer(t, "")

	if w := ts.do("POST", "/api/bot/disable", "", ""); w.Code != http.StatusOK {
		t.Fatalf("disable: code = %d", w.Code)
	}
	if ts.core.enabled {
		t.Error("core still enabled")
	}
	if w := ts.do("POST", "/api/bot/enable", "", ""); w.Code != http.StatusOK {
		t.Fatalf("enable: code = %d", w.Code)
	}
	if !ts.core.enabled {
		t.Error("core not enabled")
	}
}

func TestSyncEndpoint(t *testing.T) {
	ts := newTestServer(t, "")
	w := ts.do("POST", "/api/bot/sync", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	if ts.syncer.runs != 1 {
		t.Errorf("sync runs = %d, want 1", ts.syncer.runs)
	}
}

func TestBreakerReset(t *testing.T) {
	ts := newTestServer(t, "")

	breaker := ts.breaker.For(database.StrategyMeanReversion)
	now := time.Now()
	for i := 0; i < 3; i++ {
		breaker.RecordTrade(-1000, now)
	}
	if breaker.State() != circuit.StateOpen {
		t.Fatal("breaker should be open")
	}

	w := ts.do("POST", "/api/circuit-breakers/MEAN_REVERSION/reset", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, body = %s", w.Code, w.Body.String())
	}
	if breaker.State() != circuit.StateClosed {
		t.Error("breaker not reset")
	}

	if w := ts.do("POST", "/api/circuit-breakers/UNKNOWN/reset", "", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown code: code = %d, want 404", w.Code)
	}
}

func TestGuidedSubmit(t *testing.T) {
	ts := newTestServer(t, "")

	w := ts.do("POST", "/api/guided/submit", "", `{"market":"KRW-XRP","notional_krw":50000}`)
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, body = %s", w.Code, w.Body.String())
	}
	if ts.guided.Pending() != 1 {
		t.Errorf("pending = %d, want 1", ts.guided.Pending())
	}

	if w := ts.do("POST", "/api/guided/submit", "", `{"market":"KRW-XRP"}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing notional: code = %d, want 400", w.Code)
	}
}

func TestThrottleEndpoint(t *testing.T) {
	ts := newTestServer(t, "")

	w := ts.do("GET", "/api/throttle?market=KRW-BTC&strategy=dca", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	var resp struct {
		Data risk.Assessment `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Data.Severity != risk.SeverityNormal {
		t.Errorf("severity = %s", resp.Data.Severity)
	}

	if w := ts.do("GET", "/api/throttle", "", ""); w.Code != http.StatusBadRequest {
		t.Errorf("missing params: code = %d, want 400", w.Code)
	}
}

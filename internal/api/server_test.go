package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"copy-trading-bot/config"
	"copy-trading-bot/internal/account"
	"copy-trading-bot/internal/auth"
	"copy-trading-bot/internal/broker"
	"copy-trading-bot/internal/circuit"
	"copy-trading-bot/internal/clock"
	"copy-trading-bot/internal/copytrade"
	"copy-trading-bot/internal/events"
	"copy-trading-bot/internal/ledger"
	"copy-trading-bot/internal/mode"
	"copy-trading-bot/internal/position"
	"copy-trading-bot/internal/risk"
)

type testEnv struct {
	server     *Server
	supervisor *risk.Supervisor
	modes      *mode.Store
	bus        *events.EventBus
}

type envOptions struct {
	auth   auth.Config
	checks map[string]HealthCheck
}

// newTestEnv wires master "m" (balance 1000) and follower "a" (balance 500)
// on paper bindings quoting BTCUSDT at 100.
func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	clk := clock.NewFake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))

	rc := broker.DefaultRetryConfig()
	rc.Jitter = 0
	rc.NetworkAttempts = 0
	rc.RateLimitAttempts = 0
	rc.BlockedAttempts = 0
	router := broker.NewRouter(broker.NewRetrier(rc, clk, zerolog.Nop()), broker.NewHealthTracker(3, zerolog.Nop()), zerolog.Nop())

	accounts := []account.Account{
		{ID: "m", Role: account.RoleMaster, Enabled: true, Bindings: []string{"m-paper"}},
		{ID: "a", Role: account.RoleFollower, MasterID: "m", Enabled: true, Bindings: []string{"a-paper"}},
	}
	for id, bal := range map[string]float64{"m": 1000, "a": 500} {
		p := broker.NewPaperClient(bal, 0)
		p.SetPrice("BTCUSDT", 100)
		require.NoError(t, router.Register(broker.Binding{ID: id + "-paper", AccountID: id, Kind: broker.KindPaper, Priority: 1, Client: p}))
	}

	tiers, err := account.NewTierTable([]account.RiskTier{
		{Name: "lite", MinBalance: 0, MaxBalance: 1000, MaxPositionNotional: 60, MaxOpenPositions: 5,
			MaxDailyLossPct: 5, MaxDrawdownPct: 10, ConfidenceBand: &account.ConfidenceBand{Min: 0.6, Max: 1}},
		{Name: "pro", MinBalance: 1000, MaxPositionNotional: 100, MaxOpenPositions: 5,
			MaxDailyLossPct: 5, MaxDrawdownPct: 10},
	})
	require.NoError(t, err)
	registry, err := account.NewRegistry(accounts, tiers, router, clk, zerolog.Nop())
	require.NoError(t, err)
	_, err = registry.RefreshAll(context.Background())
	require.NoError(t, err)

	sup := risk.NewSupervisor(risk.DefaultConfig(), registry, clk, zerolog.Nop())
	symbols := broker.NewSymbolBook(nil)
	engine := position.NewEngine(position.NewMemoryStore(), router, sup, symbols,
		position.Evaluator{Policy: position.DefaultPolicy(), Orphan: position.DefaultOrphanPolicy()}, clk, zerolog.Nop())
	modes := mode.NewStore(mode.Mode{TradingEnabled: true})
	l := ledger.NewMemoryLedger()
	copier := copytrade.NewCopier(copytrade.Config{MaxScaleFactor: 3, TierUtilization: 1, MaxConcurrency: 2, FollowerTimeout: 2 * time.Second},
		registry, engine, l, symbols, nil, modes, zerolog.Nop())

	bus := events.NewEventBus()
	server := NewServer(config.ServerConfig{Port: 0, Host: "127.0.0.1", AllowedOrigins: "*"}, Deps{
		Registry:   registry,
		Supervisor: sup,
		Positions:  engine,
		Ledger:     l,
		Copier:     copier,
		Modes:      modes,
		Bindings:   router,
		EventBus:   bus,
		Auth:       auth.NewService(opts.auth, zerolog.Nop()),
		Checks:     opts.checks,
	}, zerolog.Nop())
	t.Cleanup(server.hub.Stop)

	return &testEnv{server: server, supervisor: sup, modes: modes, bus: bus}
}

type envelope struct {
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

func (e *testEnv) do(t *testing.T, method, path, body string, headers ...string) (int, envelope) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)

	var env envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w.Code, env
}

const buyDecision = `{"master_id":"m","symbol":"BTCUSDT","side":"BUY","confidence":0.8,"suggested_quantity":1,"price":100}`

func TestHealth(t *testing.T) {
	e := newTestEnv(t, envOptions{checks: map[string]HealthCheck{
		"database": func(context.Context) error { return nil },
	}})
	code, _ := e.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)

	e = newTestEnv(t, envOptions{checks: map[string]HealthCheck{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	}})
	code, _ = e.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestDecisionCopiesAndLedgerIsQueryable(t *testing.T) {
	e := newTestEnv(t, envOptions{})

	code, env := e.do(t, http.MethodPost, "/api/decisions", buyDecision)
	require.Equal(t, http.StatusOK, code, env.Error)
	var summary ledger.Summary
	require.NoError(t, json.Unmarshal(env.Data, &summary))
	assert.Equal(t, 1, summary.Succeeded)
	require.NotEmpty(t, summary.MasterTradeID)

	code, env = e.do(t, http.MethodGet, "/api/ledger/"+summary.MasterTradeID, "")
	require.Equal(t, http.StatusOK, code)
	var stored ledger.Summary
	require.NoError(t, json.Unmarshal(env.Data, &stored))
	require.Len(t, stored.Entries, 1)
	assert.Equal(t, "a", stored.Entries[0].AccountID)
	require.Len(t, stored.Source, 1, "the master order is recorded under the same trade")
	assert.Equal(t, "m", stored.Source[0].AccountID)
	assert.Equal(t, ledger.OriginMaster, stored.Source[0].Origin)

	code, _ = e.do(t, http.MethodGet, "/api/ledger/unknown", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, env = e.do(t, http.MethodGet, "/api/positions", "")
	require.Equal(t, http.StatusOK, code)
	var positions []position.Position
	require.NoError(t, json.Unmarshal(env.Data, &positions))
	require.Len(t, positions, 2)
	assert.Equal(t, "a", positions[0].AccountID)

	code, _ = e.do(t, http.MethodPost, "/api/decisions", buyDecision)
	assert.Equal(t, http.StatusConflict, code, "same-side decision while open")

	code, env = e.do(t, http.MethodPost, "/api/positions/close", `{"master_id":"m","symbol":"BTCUSDT"}`)
	require.Equal(t, http.StatusOK, code, env.Error)
	code, env = e.do(t, http.MethodGet, "/api/positions/closed?account=a", "")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &positions))
	assert.Len(t, positions, 1)
}

func TestDecisionErrors(t *testing.T) {
	e := newTestEnv(t, envOptions{})

	code, _ := e.do(t, http.MethodPost, "/api/decisions", `{"master_id":"nobody","symbol":"BTCUSDT","side":"BUY","suggested_quantity":1,"price":100}`)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = e.do(t, http.MethodPost, "/api/decisions", `{"master_id":"a","symbol":"BTCUSDT","side":"BUY","suggested_quantity":1,"price":100}`)
	assert.Equal(t, http.StatusBadRequest, code, "followers cannot take decisions")

	code, _ = e.do(t, http.MethodPost, "/api/decisions", `not json`)
	assert.Equal(t, http.StatusBadRequest, code)

	assert.Equal(t, http.StatusUnprocessableEntity,
		statusFor(fmt.Errorf("open refused: %w", copytrade.ErrConfidenceFiltered)))
}

func TestEmergencyStopBlocksDecisionsUntilReset(t *testing.T) {
	e := newTestEnv(t, envOptions{})

	code, _ := e.do(t, http.MethodPost, "/api/emergency-stop", `{"reason":"exchange incident"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, circuit.StateHalted, e.supervisor.PlatformState().State)

	code, _ = e.do(t, http.MethodPost, "/api/decisions", buyDecision)
	assert.Equal(t, http.StatusForbidden, code)

	code, env := e.do(t, http.MethodGet, "/api/breakers", "")
	require.Equal(t, http.StatusOK, code)
	var states []circuit.Status
	require.NoError(t, json.Unmarshal(env.Data, &states))
	require.NotEmpty(t, states)
	assert.Equal(t, circuit.StateHalted, states[0].State)

	code, _ = e.do(t, http.MethodPost, "/api/platform/reset", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, circuit.StateNormal, e.supervisor.PlatformState().State)

	code, _ = e.do(t, http.MethodPost, "/api/decisions", buyDecision)
	assert.Equal(t, http.StatusOK, code)
}

func TestAccountsAndLimits(t *testing.T) {
	e := newTestEnv(t, envOptions{})

	code, env := e.do(t, http.MethodGet, "/api/accounts", "")
	require.Equal(t, http.StatusOK, code)
	var views []accountView
	require.NoError(t, json.Unmarshal(env.Data, &views))
	require.Len(t, views, 2)
	assert.Equal(t, "a", views[0].Account.ID)
	assert.Equal(t, "lite", views[0].Tier)
	require.Len(t, views[0].Bindings, 1)
	assert.True(t, views[0].Bindings[0].Healthy)

	code, env = e.do(t, http.MethodGet, "/api/accounts/m/limits", "")
	require.Equal(t, http.StatusOK, code)
	var limits account.Limits
	require.NoError(t, json.Unmarshal(env.Data, &limits))
	assert.Equal(t, "pro", limits.Tier)
	assert.Equal(t, 100.0, limits.MaxPositionNotional)

	code, _ = e.do(t, http.MethodGet, "/api/accounts/zzz/limits", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = e.do(t, http.MethodPost, "/api/accounts/zzz/reset", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestModeUpdate(t *testing.T) {
	e := newTestEnv(t, envOptions{})

	code, _ := e.do(t, http.MethodPut, "/api/mode", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, env := e.do(t, http.MethodPut, "/api/mode", `{"dry_run":true}`)
	require.Equal(t, http.StatusOK, code)
	var m mode.Mode
	require.NoError(t, json.Unmarshal(env.Data, &m))
	assert.True(t, m.DryRun)
	assert.True(t, m.TradingEnabled)
	assert.Equal(t, int64(2), m.Version)
	assert.Equal(t, e.modes.Current().Version, m.Version)
}

func TestOperatorAuth(t *testing.T) {
	hash, err := auth.HashPassword("pw", bcrypt.MinCost)
	require.NoError(t, err)
	e := newTestEnv(t, envOptions{auth: auth.Config{
		Enabled:              true,
		JWTSecret:            "secret",
		AccessTokenDuration:  time.Minute,
		OperatorUsername:     "ops",
		OperatorPasswordHash: hash,
		StrategyToken:        "feed",
	}})

	code, _ := e.do(t, http.MethodGet, "/api/breakers", "")
	assert.Equal(t, http.StatusUnauthorized, code)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"username":"ops","password":"pw"}`))
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var token auth.TokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &token))

	code, _ = e.do(t, http.MethodGet, "/api/breakers", "", "Authorization", "Bearer "+token.AccessToken)
	assert.Equal(t, http.StatusOK, code)

	code, _ = e.do(t, http.MethodPost, "/api/decisions", buyDecision, auth.StrategyTokenHeader, "feed")
	assert.Equal(t, http.StatusOK, code)

	code, _ = e.do(t, http.MethodPost, "/api/decisions", buyDecision)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestWebSocketRelaysEvents(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	srv := httptest.NewServer(e.server.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev events.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, events.EventType("CONNECTED"), ev.Type)

	require.Eventually(t, func() bool { return e.server.hub.GetClientCount() == 1 }, time.Second, 5*time.Millisecond)
	e.bus.Publish(events.Event{Type: events.EventEmergencyStop, Data: map[string]interface{}{"reason": "test"}})

	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, events.EventEmergencyStop, ev.Type)
	assert.Equal(t, "test", ev.Data["reason"])
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))
}

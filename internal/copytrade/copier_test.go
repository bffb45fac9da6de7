package copytrade

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copy-trading-bot/internal/account"
	"copy-trading-bot/internal/broker"
	"copy-trading-bot/internal/clock"
	"copy-trading-bot/internal/ledger"
	"copy-trading-bot/internal/mode"
	"copy-trading-bot/internal/position"
	"copy-trading-bot/internal/risk"
)

var start = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type env struct {
	copier     *Copier
	engine     *position.Engine
	registry   *account.Registry
	supervisor *risk.Supervisor
	ledger     *ledger.MemoryLedger
	papers     map[string]*broker.PaperClient
	modes      *mode.Store
	clock      *clock.Fake
}

// testTiers caps positions at 60 below a balance of 1000 and at 100 above.
func testTiers(t *testing.T) account.TierTable {
	t.Helper()
	tiers, err := account.NewTierTable([]account.RiskTier{
		{Name: "lite", MinBalance: 0, MaxBalance: 1000, MaxPositionNotional: 60, MaxOpenPositions: 5,
			MaxDailyLossPct: 5, MaxDrawdownPct: 10, ConfidenceBand: &account.ConfidenceBand{Min: 0.6, Max: 1}},
		{Name: "pro", MinBalance: 1000, MaxPositionNotional: 100, MaxOpenPositions: 5,
			MaxDailyLossPct: 5, MaxDrawdownPct: 10},
	})
	require.NoError(t, err)
	return tiers
}

// newEnv builds a master "m" with balance 1000 and one follower per entry
// of balances, all on paper bindings quoting BTCUSDT at 100.
func newEnv(t *testing.T, balances map[string]float64) *env {
	t.Helper()
	clk := clock.NewFake(start)

	cfg := broker.DefaultRetryConfig()
	cfg.Jitter = 0
	cfg.NetworkAttempts = 0
	cfg.RateLimitAttempts = 0
	cfg.BlockedAttempts = 0
	router := broker.NewRouter(broker.NewRetrier(cfg, clk, zerolog.Nop()), broker.NewHealthTracker(3, zerolog.Nop()), zerolog.Nop())

	accounts := []account.Account{{ID: "m", Role: account.RoleMaster, Enabled: true, Bindings: []string{"m-paper"}}}
	papers := map[string]*broker.PaperClient{}
	all := map[string]float64{"m": 1000}
	for id, bal := range balances {
		all[id] = bal
		accounts = append(accounts, account.Account{ID: id, Role: account.RoleFollower, MasterID: "m", Enabled: true, Bindings: []string{id + "-paper"}})
	}
	for id, bal := range all {
		p := broker.NewPaperClient(bal, 0)
		p.SetPrice("BTCUSDT", 100)
		papers[id] = p
		require.NoError(t, router.Register(broker.Binding{ID: id + "-paper", AccountID: id, Kind: broker.KindPaper, Priority: 1, Client: p}))
	}

	registry, err := account.NewRegistry(accounts, testTiers(t), router, clk, zerolog.Nop())
	require.NoError(t, err)
	_, err = registry.RefreshAll(context.Background())
	require.NoError(t, err)

	sup := risk.NewSupervisor(risk.DefaultConfig(), registry, clk, zerolog.Nop())
	symbols := broker.NewSymbolBook(nil)
	engine := position.NewEngine(position.NewMemoryStore(), router, sup, symbols,
		position.Evaluator{Policy: position.DefaultPolicy(), Orphan: position.DefaultOrphanPolicy()}, clk, zerolog.Nop())

	l := ledger.NewMemoryLedger()
	modes := mode.NewStore(mode.Mode{TradingEnabled: true})
	signals := NewSignalBook(time.Minute, clk)
	engine.SetSignals(signals)

	copier := NewCopier(Config{MaxScaleFactor: 3, TierUtilization: 1, MaxConcurrency: 4, FollowerTimeout: 2 * time.Second},
		registry, engine, l, symbols, signals, modes, zerolog.Nop())
	engine.OnExit(copier.OnEngineExit)

	return &env{copier: copier, engine: engine, registry: registry, supervisor: sup, ledger: l, papers: papers, modes: modes, clock: clk}
}

func buy(confidence float64) Decision {
	return Decision{MasterID: "m", Symbol: "BTCUSDT", Side: broker.SideBuy, Confidence: confidence, SuggestedQuantity: 1, Price: 100}
}

func remaining(t *testing.T, e *env, id string) float64 {
	t.Helper()
	p, err := e.engine.Get(context.Background(), id, "BTCUSDT")
	require.NoError(t, err)
	return p.RemainingQty
}

func TestFollowersScaledAndClampedToTierCap(t *testing.T) {
	e := newEnv(t, map[string]float64{"a": 500, "b": 2000})
	ctx := context.Background()

	summary, err := e.copier.OnDecision(ctx, buy(0.8))
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 2, summary.Total())

	assert.Equal(t, 1.0, remaining(t, e, "m"))
	assert.Equal(t, 0.5, remaining(t, e, "a"))
	assert.Equal(t, 1.0, remaining(t, e, "b"), "2.0 units clamped to the 100 notional cap")

	require.Len(t, summary.Source, 1)
	assert.Equal(t, "m", summary.Source[0].AccountID)
	assert.Equal(t, 1.0, summary.Source[0].FilledQty)

	entries, err := e.ledger.ByMasterTrade(ctx, summary.MasterTradeID)
	require.NoError(t, err)
	require.Len(t, entries, 3, "the master order and both copies")
	for _, en := range entries {
		assert.Equal(t, ledger.OutcomeSucceeded, en.Outcome)
		assert.Equal(t, ledger.ActionOpen, en.Action)
		switch en.AccountID {
		case "m":
			assert.Equal(t, ledger.OriginMaster, en.Origin)
		case "a":
			assert.Equal(t, 0.5, en.ScaleFactor)
		case "b":
			assert.Equal(t, 2.0, en.ScaleFactor)
			assert.Contains(t, en.Reason, "clamped")
		}
	}
}

func TestEveryFollowerGetsExactlyOneEntry(t *testing.T) {
	e := newEnv(t, map[string]float64{
		"ok":        500,
		"tiny":      1,
		"rejecting": 800,
		"unhealthy": 700,
		"halted":    600,
	})
	ctx := context.Background()

	e.papers["rejecting"].FailNext(broker.NewError(broker.KindRejected, -2010, "order would trigger immediately"))
	e.registry.MarkUnhealthy("unhealthy", "unhealthy-paper", "probe failed")
	_, err := e.supervisor.EvaluateAccount(risk.AccountMetrics{AccountID: "halted", Balance: 600, DayStart: 1000, Peak: 1000})
	require.NoError(t, err)

	summary, err := e.copier.OnDecision(ctx, buy(0.9))
	require.NoError(t, err)
	assert.Equal(t, 5, summary.Total())
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 2, summary.Skipped)
	assert.Equal(t, 1, summary.Blocked)

	entries, err := e.ledger.ByMasterTrade(ctx, summary.MasterTradeID)
	require.NoError(t, err)
	require.Len(t, entries, 6, "five followers and the master")

	snap := e.registry.Snapshot()
	seen := map[string]bool{}
	for _, en := range entries {
		assert.False(t, seen[en.AccountID], "one entry per follower")
		seen[en.AccountID] = true
		assert.NotEmpty(t, en.Reason, "every entry explains itself")

		limits, err := e.registry.LimitsIn(snap, en.AccountID)
		require.NoError(t, err)
		assert.LessOrEqual(t, en.Notional, limits.MaxPositionNotional, "notional above cap for %s", en.AccountID)

		switch en.AccountID {
		case "tiny":
			assert.Equal(t, ledger.OutcomeSkipped, en.Outcome)
			assert.Contains(t, en.Reason, "minimum")
		case "rejecting":
			assert.Equal(t, ledger.OutcomeFailed, en.Outcome)
			assert.Equal(t, string(broker.KindRejected), en.ErrorKind)
		case "unhealthy":
			assert.Equal(t, ledger.OutcomeSkipped, en.Outcome)
		case "halted":
			assert.Equal(t, ledger.OutcomeBlocked, en.Outcome)
		}
	}
	assert.Equal(t, 1.0, remaining(t, e, "m"), "follower failures never reach the master")
}

func TestRedeliveredFillIsNotAppliedTwice(t *testing.T) {
	e := newEnv(t, map[string]float64{"a": 500, "b": 2000})
	ctx := context.Background()

	fill := MasterFill{MasterTradeID: "trade-1", MasterID: "m", Symbol: "BTCUSDT", Side: broker.SideBuy,
		Action: ledger.ActionOpen, Quantity: 1, Price: 100, Confidence: 0.8}
	first := e.copier.OnMasterFill(ctx, fill)
	assert.Equal(t, 2, first.Succeeded)

	second := e.copier.OnMasterFill(ctx, fill)
	assert.Equal(t, 0, second.Total())
	assert.Equal(t, 2, second.Duplicates)

	entries, err := e.ledger.ByMasterTrade(ctx, "trade-1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestSmallestTierConfidenceBand(t *testing.T) {
	e := newEnv(t, map[string]float64{"a": 500, "b": 2000})

	summary, err := e.copier.OnDecision(context.Background(), buy(0.5))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Skipped)
	for _, en := range summary.Entries {
		if en.AccountID == "a" {
			assert.Equal(t, ledger.OutcomeSkipped, en.Outcome)
			assert.Contains(t, en.Reason, "confidence")
		}
	}
}

func TestClosesPropagateProportionally(t *testing.T) {
	e := newEnv(t, map[string]float64{"a": 500, "b": 2000})
	ctx := context.Background()
	_, err := e.copier.OnDecision(ctx, buy(0.8))
	require.NoError(t, err)

	summary, err := e.copier.CloseMaster(ctx, "m", "BTCUSDT", 0.5, "operator trim")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 0.5, remaining(t, e, "m"))
	assert.Equal(t, 0.25, remaining(t, e, "a"))
	assert.Equal(t, 0.5, remaining(t, e, "b"))

	// an opposite decision closes the master and every follower
	sell := buy(0.9)
	sell.Side = broker.SideSell
	summary, err = e.copier.OnDecision(ctx, sell)
	require.NoError(t, err)
	assert.Equal(t, ledger.ActionClose, summary.Action)
	assert.Equal(t, 2, summary.Succeeded)
	for _, id := range []string{"m", "a", "b"} {
		_, err := e.engine.Get(ctx, id, "BTCUSDT")
		assert.ErrorIs(t, err, position.ErrPositionNotFound, id)
	}
}

func TestCloseWithoutFollowerPositionIsSkipped(t *testing.T) {
	e := newEnv(t, map[string]float64{"a": 500})
	ctx := context.Background()
	_, err := e.copier.OnDecision(ctx, buy(0.8))
	require.NoError(t, err)

	// the follower exited on its own rules earlier
	_, _, err = e.engine.Close(ctx, position.CloseRequest{AccountID: "a", Symbol: "BTCUSDT", Fraction: 1, Reason: "stop"}, e.modes.Current())
	require.NoError(t, err)

	summary, err := e.copier.CloseMaster(ctx, "m", "BTCUSDT", 1, "master exit")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
}

func TestMasterEngineExitPropagates(t *testing.T) {
	e := newEnv(t, map[string]float64{"a": 500, "b": 2000})
	ctx := context.Background()
	_, err := e.copier.OnDecision(ctx, buy(0.8))
	require.NoError(t, err)

	for _, p := range e.papers {
		p.SetPrice("BTCUSDT", 100.6)
	}
	e.clock.Advance(time.Minute)
	res, err := e.engine.Tick(ctx, "m", e.modes.Current())
	require.NoError(t, err)
	require.Equal(t, 1, res.Exits)

	assert.Equal(t, 0.8, remaining(t, e, "m"))
	assert.Equal(t, 0.4, remaining(t, e, "a"))
	assert.Equal(t, 0.8, remaining(t, e, "b"))

	// the master's exit and its copies share one trade id
	var closes []ledger.Entry
	for _, en := range e.ledger.All() {
		if en.Action == ledger.ActionClose {
			closes = append(closes, en)
		}
	}
	require.Len(t, closes, 3)
	for _, en := range closes {
		assert.Equal(t, closes[0].MasterTradeID, en.MasterTradeID)
		assert.Equal(t, ledger.OutcomeSucceeded, en.Outcome)
	}
	assert.Equal(t, ledger.OriginEngine, closes[0].Origin)
	assert.Equal(t, "m", closes[0].AccountID)
}

func TestDecisionValidation(t *testing.T) {
	e := newEnv(t, map[string]float64{"a": 500})
	ctx := context.Background()

	d := buy(0.8)
	d.MasterID = "a"
	_, err := e.copier.OnDecision(ctx, d)
	assert.ErrorIs(t, err, ErrNotMaster)

	d = buy(0.8)
	d.Side = "HOLD"
	_, err = e.copier.OnDecision(ctx, d)
	assert.ErrorIs(t, err, ErrInvalidDecision)

	_, err = e.copier.OnDecision(ctx, buy(0.8))
	require.NoError(t, err)
	_, err = e.copier.OnDecision(ctx, buy(0.8))
	assert.ErrorIs(t, err, ErrAlreadyOpen)
}

func TestHaltedPlatformBlocksMasterOpen(t *testing.T) {
	e := newEnv(t, map[string]float64{"a": 500})
	e.supervisor.EmergencyStop("drill", "ops")

	_, err := e.copier.OnDecision(context.Background(), buy(0.8))
	assert.True(t, risk.IsBlocked(err))

	entries := e.ledger.All()
	require.Len(t, entries, 1, "only the master attempt, nothing is copied")
	assert.Equal(t, "m", entries[0].AccountID)
	assert.Equal(t, ledger.OriginMaster, entries[0].Origin)
	assert.Equal(t, ledger.OutcomeBlocked, entries[0].Outcome)
	assert.NotEmpty(t, entries[0].Reason)
	assert.Empty(t, e.papers["m"].Orders())
}

func TestMasterInSmallestTierFiltersConfidence(t *testing.T) {
	e := newEnv(t, map[string]float64{"a": 500})
	ctx := context.Background()
	e.papers["m"].SetBalance(900)
	_, err := e.registry.RefreshAll(ctx)
	require.NoError(t, err)

	_, err = e.copier.OnDecision(ctx, buy(0.5))
	assert.ErrorIs(t, err, ErrConfidenceFiltered)
	assert.Empty(t, e.papers["m"].Orders())
	assert.Empty(t, e.papers["a"].Orders())

	entries := e.ledger.All()
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.OriginMaster, entries[0].Origin)
	assert.Equal(t, ledger.OutcomeSkipped, entries[0].Outcome)
	assert.Contains(t, entries[0].Reason, "lite")

	d := buy(0.7)
	d.SuggestedQuantity = 0.5
	summary, err := e.copier.OnDecision(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 0.5, remaining(t, e, "m"))
}

func TestPartialCloseThatEmptiesMasterClosesFollowers(t *testing.T) {
	e := newEnv(t, map[string]float64{"b": 2000})
	ctx := context.Background()
	e.copier.symbols.Set(broker.SymbolRules{Symbol: "BTCUSDT", StepSize: 0.1, MinQty: 0.3, MinNotional: 5})

	d := buy(0.8)
	d.SuggestedQuantity = 0.4
	_, err := e.copier.OnDecision(ctx, d)
	require.NoError(t, err)
	require.Equal(t, 0.8, remaining(t, e, "b"))

	// half of 0.4 would leave 0.2, under the minimum, so the master closes fully
	summary, err := e.copier.CloseMaster(ctx, "m", "BTCUSDT", 0.5, "operator trim")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	require.Len(t, summary.Source, 1)
	assert.Equal(t, 0.4, summary.Source[0].FilledQty)
	assert.Equal(t, 1.0, summary.Source[0].ScaleFactor)

	for _, id := range []string{"m", "b"} {
		_, err := e.engine.Get(ctx, id, "BTCUSDT")
		assert.ErrorIs(t, err, position.ErrPositionNotFound, id)
	}
}

func TestSlowFollowerTimesOutWithoutDelayingOthers(t *testing.T) {
	e := newEnv(t, map[string]float64{"a": 500, "slow": 500})
	ctx := context.Background()
	e.copier.cfg.FollowerTimeout = 200 * time.Millisecond
	e.papers["slow"].SetDelay(5 * time.Second)

	began := time.Now()
	summary, err := e.copier.OnDecision(ctx, buy(0.8))
	require.NoError(t, err)
	assert.Less(t, time.Since(began), 2*time.Second)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)

	for _, en := range summary.Entries {
		switch en.AccountID {
		case "a":
			assert.Equal(t, ledger.OutcomeSucceeded, en.Outcome)
		case "slow":
			assert.Equal(t, ledger.OutcomeFailed, en.Outcome)
			assert.Equal(t, string(broker.KindNetwork), en.ErrorKind)
			assert.Contains(t, en.Reason, "timed out")
		}
	}

	// the timed-out order is neither filled nor tried again
	_, err = e.engine.Get(ctx, "slow", "BTCUSDT")
	assert.ErrorIs(t, err, position.ErrPositionNotFound)
	assert.Empty(t, e.papers["slow"].Orders())
	entries, err := e.ledger.ByMasterTrade(ctx, summary.MasterTradeID)
	require.NoError(t, err)
	slow := 0
	for _, en := range entries {
		if en.AccountID == "slow" {
			slow++
		}
	}
	assert.Equal(t, 1, slow)
}

func TestSignalBookExpires(t *testing.T) {
	clk := clock.NewFake(start)
	b := NewSignalBook(time.Minute, clk)
	b.Record("m", "BTCUSDT", position.Signal{Side: broker.SideBuy, Confidence: 0.7})

	s, ok := b.Latest("m", "BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, broker.SideBuy, s.Side)

	_, ok = b.Latest("a", "BTCUSDT")
	assert.False(t, ok)

	clk.Advance(2 * time.Minute)
	_, ok = b.Latest("m", "BTCUSDT")
	assert.False(t, ok)
}

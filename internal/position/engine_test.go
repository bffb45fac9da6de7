package position

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copy-trading-bot/internal/broker"
	"copy-trading-bot/internal/clock"
	"copy-trading-bot/internal/events"
	"copy-trading-bot/internal/ledger"
	"copy-trading-bot/internal/mode"
	"copy-trading-bot/internal/risk"
)

var live = mode.Mode{TradingEnabled: true}

// permissiveGate allows every order and never tightens stops.
type permissiveGate struct {
	mu      sync.Mutex
	cleared []string
}

func (g *permissiveGate) Check(intent risk.OrderIntent) risk.Verdict {
	return risk.Verdict{Allowed: true}
}

func (g *permissiveGate) EvaluatePosition(v risk.PositionView, price float64, now time.Time) risk.PositionRisk {
	return risk.PositionRisk{StopPrice: v.StopPrice}
}

func (g *permissiveGate) ClearPosition(accountID, symbol string) {
	g.mu.Lock()
	g.cleared = append(g.cleared, Key(accountID, symbol))
	g.mu.Unlock()
}

type harness struct {
	engine *Engine
	store  *MemoryStore
	paper  *broker.PaperClient
	clock  *clock.Fake
	ledger *ledger.MemoryLedger
	gate   *permissiveGate
}

func newHarness(t *testing.T, sup Supervisor) *harness {
	t.Helper()
	clk := clock.NewFake(t0)

	cfg := broker.DefaultRetryConfig()
	cfg.Jitter = 0
	cfg.NetworkAttempts = 0
	cfg.RateLimitAttempts = 0
	cfg.BlockedAttempts = 0
	router := broker.NewRouter(broker.NewRetrier(cfg, clk, zerolog.Nop()), broker.NewHealthTracker(3, zerolog.Nop()), zerolog.Nop())

	paper := broker.NewPaperClient(100000, 0)
	paper.SetPrice("BTCUSDT", 100)
	paper.SetPrice("ETHUSDT", 2000)
	require.NoError(t, router.Register(broker.Binding{ID: "b1", AccountID: "alice", Kind: broker.KindPaper, Priority: 1, Client: paper}))

	gate := &permissiveGate{}
	if sup == nil {
		sup = gate
	}
	store := NewMemoryStore()
	l := ledger.NewMemoryLedger()
	e := NewEngine(store, router, sup, broker.NewSymbolBook(nil), testEvaluator(), clk, zerolog.Nop())
	e.SetLedger(l)
	return &harness{engine: e, store: store, paper: paper, clock: clk, ledger: l, gate: gate}
}

func (h *harness) open(t *testing.T, symbol string, qty, price float64) *Position {
	t.Helper()
	p, _, err := h.engine.Open(context.Background(), OpenRequest{
		AccountID: "alice", Symbol: symbol, Side: broker.SideBuy, Quantity: qty, Price: price, MasterTradeID: "m-1",
	}, live)
	require.NoError(t, err)
	return p
}

func (h *harness) exitOrders() []broker.OrderRequest {
	var out []broker.OrderRequest
	for _, o := range h.paper.Orders() {
		if o.ReduceOnly {
			out = append(out, o)
		}
	}
	return out
}

func TestOpenTracksEntryFill(t *testing.T) {
	h := newHarness(t, nil)
	p := h.open(t, "BTCUSDT", 1, 100)

	assert.Equal(t, StateOpen, p.State)
	assert.Equal(t, 100.0, p.EntryPrice)
	assert.Equal(t, 1.0, p.RemainingQty)
	assert.Equal(t, "b1", p.BindingID)
	assert.False(t, p.DryRun)

	_, _, err := h.engine.Open(context.Background(), OpenRequest{
		AccountID: "alice", Symbol: "BTCUSDT", Side: broker.SideBuy, Quantity: 1, Price: 100,
	}, live)
	assert.ErrorIs(t, err, ErrPositionExists)
}

func TestSteppedRoundTripSumsToOriginal(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.open(t, "BTCUSDT", 1.0, 100)

	prev := 1.0
	for _, price := range []float64{100.6, 100.6, 101.1, 102.1, 103.1, 105.1} {
		h.paper.SetPrice("BTCUSDT", price)
		h.clock.Advance(time.Minute)
		_, err := h.engine.Tick(ctx, "alice", live)
		require.NoError(t, err)

		p, err := h.engine.Get(ctx, "alice", "BTCUSDT")
		if err != nil {
			require.ErrorIs(t, err, ErrPositionNotFound)
			prev = 0
			continue
		}
		assert.LessOrEqual(t, p.RemainingQty, prev, "remaining quantity never grows")
		prev = p.RemainingQty
	}

	exits := h.exitOrders()
	require.Len(t, exits, 5, "each step fires exactly once")
	total := decimal.Zero
	for _, o := range exits {
		total = total.Add(decimal.NewFromFloat(o.Quantity))
		assert.Equal(t, "b1", o.BindingID)
	}
	assert.True(t, total.Equal(decimal.NewFromInt(1)), "exits sum to %s", total)

	closed, err := h.engine.Closed(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, StateClosed, closed[0].State)
	assert.Equal(t, 0.0, closed[0].RemainingQty)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, closed[0].StepsFired)
	assert.Greater(t, closed[0].RealizedPnL, 0.0)

	entries := h.ledger.All()
	assert.Len(t, entries, 5)
	for _, e := range entries {
		assert.Equal(t, ledger.OutcomeSucceeded, e.Outcome)
		assert.Equal(t, ledger.ActionClose, e.Action)
	}
	assert.Equal(t, []string{"alice:BTCUSDT"}, h.gate.cleared)
}

func TestLosingPositionExitsAtMinuteThirty(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.open(t, "BTCUSDT", 1.0, 100)
	h.paper.SetPrice("BTCUSDT", 99.5)

	warnings, exitMinute := 0, 0
	for minute := 1; minute <= 31 && exitMinute == 0; minute++ {
		h.clock.Advance(time.Minute)
		res, err := h.engine.Tick(ctx, "alice", live)
		require.NoError(t, err)
		warnings += res.Warnings
		if res.Exits > 0 {
			exitMinute = minute
		}
	}
	assert.Equal(t, 30, exitMinute)
	assert.Equal(t, 1, warnings)

	_, err := h.engine.Get(ctx, "alice", "BTCUSDT")
	assert.ErrorIs(t, err, ErrPositionNotFound)
	closed, err := h.engine.Closed(ctx, "alice", 1)
	require.NoError(t, err)
	assert.Contains(t, closed[0].CloseReason, "losing")
}

func TestFailedExitStaysQueued(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.open(t, "BTCUSDT", 1.0, 100)

	n, err := h.engine.ForceExitAll(ctx, "operator close")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	h.paper.FailNext(broker.NewError(broker.KindNetwork, 0, "connection reset"))
	res, err := h.engine.Tick(ctx, "alice", live)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	p, err := h.engine.Get(ctx, "alice", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, StateClosing, p.State)
	assert.Equal(t, 1.0, p.PendingExitQty)

	res, err = h.engine.Tick(ctx, "alice", live)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Exits)
	_, err = h.engine.Get(ctx, "alice", "BTCUSDT")
	assert.ErrorIs(t, err, ErrPositionNotFound)

	entries := h.ledger.All()
	require.Len(t, entries, 2)
	assert.Equal(t, ledger.OutcomeFailed, entries[0].Outcome)
	assert.Equal(t, string(broker.KindNetwork), entries[0].ErrorKind)
	assert.Equal(t, ledger.OutcomeSucceeded, entries[1].Outcome)
	assert.Equal(t, entries[0].MasterTradeID, entries[1].MasterTradeID, "a retry keeps the exit's trade id")
	assert.Equal(t, ledger.OriginEngine, entries[1].Origin)
}

func TestQueuedProfitStepReplacedByForcedExit(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.open(t, "BTCUSDT", 1.0, 100)

	h.paper.SetPrice("BTCUSDT", 100.6)
	h.paper.FailNext(broker.NewError(broker.KindNetwork, 0, "connection reset"))
	h.clock.Advance(time.Minute)
	res, err := h.engine.Tick(ctx, "alice", live)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	p, err := h.engine.Get(ctx, "alice", "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 0.2, p.PendingExitQty, 1e-9)
	assert.True(t, p.PendingProfitStep)

	h.paper.SetPrice("BTCUSDT", 90)
	_, err = h.engine.ForceExitAll(ctx, "emergency stop")
	require.NoError(t, err)
	h.clock.Advance(time.Minute)
	res, err = h.engine.Tick(ctx, "alice", live)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Exits)

	exits := h.exitOrders()
	require.Len(t, exits, 1, "the stale partial is never sent")
	assert.Equal(t, 1.0, exits[0].Quantity)

	_, err = h.engine.Get(ctx, "alice", "BTCUSDT")
	assert.ErrorIs(t, err, ErrPositionNotFound)
	closed, err := h.engine.Closed(ctx, "alice", 1)
	require.NoError(t, err)
	assert.Equal(t, "emergency stop", closed[0].CloseReason)

	entries := h.ledger.All()
	require.Len(t, entries, 2)
	assert.NotEqual(t, entries[0].MasterTradeID, entries[1].MasterTradeID)
	assert.Equal(t, 1.0, entries[1].FilledQty)
}

func TestQueuedProfitStepDroppedWhenLosing(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	// a break-even stop below entry leaves room to lose without stopping out
	h.engine.eval.Policy.BreakEvenBufferPct = -2
	h.open(t, "BTCUSDT", 1.0, 100)

	h.paper.SetPrice("BTCUSDT", 100.6)
	h.paper.FailNext(broker.NewError(broker.KindRateLimited, -1003, "too many requests"))
	h.clock.Advance(time.Minute)
	_, err := h.engine.Tick(ctx, "alice", live)
	require.NoError(t, err)

	h.paper.SetPrice("BTCUSDT", 99.5)
	h.clock.Advance(time.Minute)
	res, err := h.engine.Tick(ctx, "alice", live)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Exits)
	assert.Empty(t, h.exitOrders(), "no profit step is sold at a loss")

	p, err := h.engine.Get(ctx, "alice", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 0.0, p.PendingExitQty)
	assert.False(t, p.PendingProfitStep)
	assert.Equal(t, StateOpen, p.State)
	assert.Equal(t, 1.0, p.RemainingQty)
	assert.Equal(t, []int{0}, p.StepsFired)
}

func TestQueuedPartialGivesWayToLossCeiling(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.open(t, "BTCUSDT", 1.0, 100)
	h.paper.SetPrice("BTCUSDT", 99.5)

	// the partial close and every retry up to minute 29 fail in transit
	failures := make([]error, 30)
	for i := range failures {
		failures[i] = broker.NewError(broker.KindNetwork, 0, "connection reset")
	}
	h.paper.FailNext(failures...)
	_, _, err := h.engine.Close(ctx, CloseRequest{AccountID: "alice", Symbol: "BTCUSDT", Fraction: 0.5, Reason: "manual"}, live)
	require.Error(t, err)

	p, err := h.engine.Get(ctx, "alice", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 0.5, p.PendingExitQty)

	exitMinute := 0
	for minute := 1; minute <= 31 && exitMinute == 0; minute++ {
		h.clock.Advance(time.Minute)
		res, err := h.engine.Tick(ctx, "alice", live)
		require.NoError(t, err)
		if res.Exits > 0 {
			exitMinute = minute
		}
	}
	assert.Equal(t, 30, exitMinute)

	exits := h.exitOrders()
	require.Len(t, exits, 1)
	assert.Equal(t, 1.0, exits[0].Quantity, "the ceiling closes the whole position")
	closed, err := h.engine.Closed(ctx, "alice", 1)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Contains(t, closed[0].CloseReason, "losing")
}

func TestRejectedExitIsNotResubmitted(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	bus := events.NewEventBus()
	rejected := make(chan events.Event, 1)
	bus.Subscribe(events.EventExitRejected, func(e events.Event) { rejected <- e })
	h.engine.SetEventBus(bus)
	h.open(t, "BTCUSDT", 1.0, 100)

	h.paper.SetPrice("BTCUSDT", 100.6)
	h.paper.FailNext(broker.NewError(broker.KindRejected, -2022, "ReduceOnly Order is rejected"))
	h.clock.Advance(time.Minute)
	res, err := h.engine.Tick(ctx, "alice", live)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	p, err := h.engine.Get(ctx, "alice", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 0.0, p.PendingExitQty)
	assert.Equal(t, StateOpen, p.State)

	select {
	case e := <-rejected:
		assert.Equal(t, "alice", e.Data["account_id"])
		assert.Equal(t, string(broker.KindRejected), e.Data["error_kind"])
	case <-time.After(time.Second):
		t.Fatal("no rejection event")
	}

	for i := 0; i < 3; i++ {
		h.clock.Advance(time.Minute)
		res, err = h.engine.Tick(ctx, "alice", live)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Exits)
		assert.Equal(t, 0, res.Failed)
	}
	assert.Empty(t, h.exitOrders())

	entries := h.ledger.All()
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.OutcomeFailed, entries[0].Outcome)
	assert.Equal(t, string(broker.KindRejected), entries[0].ErrorKind)
}

func TestHaltBlocksOpensNotExits(t *testing.T) {
	clk := clock.NewFake(t0)
	sup := risk.NewSupervisor(risk.DefaultConfig(), nil, clk, zerolog.Nop())
	h := newHarness(t, sup)
	ctx := context.Background()
	h.open(t, "BTCUSDT", 1.0, 100)

	sup.EmergencyStop("drill", "ops")

	_, _, err := h.engine.Open(ctx, OpenRequest{AccountID: "alice", Symbol: "ETHUSDT", Side: broker.SideBuy, Quantity: 0.1, Price: 2000}, live)
	assert.True(t, risk.IsBlocked(err))
	_, err = h.engine.Get(ctx, "alice", "ETHUSDT")
	assert.ErrorIs(t, err, ErrPositionNotFound, "blocked opens leave no record")

	res, qty, err := h.engine.Close(ctx, CloseRequest{AccountID: "alice", Symbol: "BTCUSDT", Fraction: 1, Reason: "manual"}, live)
	require.NoError(t, err)
	assert.Equal(t, 1.0, qty)
	assert.Equal(t, 1.0, res.FilledQty)
}

func TestTradingDisabledBlocksOpens(t *testing.T) {
	sup := risk.NewSupervisor(risk.DefaultConfig(), nil, clock.NewFake(t0), zerolog.Nop())
	h := newHarness(t, sup)

	_, _, err := h.engine.Open(context.Background(), OpenRequest{
		AccountID: "alice", Symbol: "BTCUSDT", Side: broker.SideBuy, Quantity: 1, Price: 100,
	}, mode.Mode{TradingEnabled: false})
	assert.True(t, risk.IsBlocked(err))
	assert.Empty(t, h.paper.Orders())
}

func TestClosePartialFraction(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.open(t, "BTCUSDT", 1.0, 100)

	_, qty, err := h.engine.Close(ctx, CloseRequest{AccountID: "alice", Symbol: "BTCUSDT", Fraction: 0.5, Reason: "master reduced"}, live)
	require.NoError(t, err)
	assert.Equal(t, 0.5, qty)

	p, err := h.engine.Get(ctx, "alice", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 0.5, p.RemainingQty)
	assert.Equal(t, StatePartialExit, p.State)
	assert.Equal(t, 0.0, p.PendingExitQty)
}

func TestClosePartialBelowMinimumRefused(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.open(t, "BTCUSDT", 0.01, 100)

	_, _, err := h.engine.Close(ctx, CloseRequest{AccountID: "alice", Symbol: "BTCUSDT", Fraction: 0.5}, live)
	assert.ErrorIs(t, err, ErrBelowMinimum)

	// the full remainder is always attempted
	_, qty, err := h.engine.Close(ctx, CloseRequest{AccountID: "alice", Symbol: "BTCUSDT", Fraction: 1}, live)
	require.NoError(t, err)
	assert.Equal(t, 0.01, qty)
}

func TestDryRunNeverReachesExchange(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	dry := mode.Mode{TradingEnabled: true, DryRun: true}

	p, res, err := h.engine.Open(ctx, OpenRequest{AccountID: "alice", Symbol: "BTCUSDT", Side: broker.SideBuy, Quantity: 1, Price: 100}, dry)
	require.NoError(t, err)
	assert.True(t, res.Simulated)
	assert.True(t, p.DryRun)

	// simulated positions are not "closed externally"
	rec, err := h.engine.ReconcileOrphans(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.ClosedExternally)

	_, _, err = h.engine.Close(ctx, CloseRequest{AccountID: "alice", Symbol: "BTCUSDT", Fraction: 1}, live)
	require.NoError(t, err)
	assert.Empty(t, h.paper.Orders())
}

func TestReconcileImportsOrphanAtDiscoveryPrice(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.paper.Inject(broker.ExchangePosition{Symbol: "ETHUSDT", Side: broker.PositionLong, Quantity: 2, EntryPrice: 1500, MarkPrice: 2000})

	rec, err := h.engine.ReconcileOrphans(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Imported)

	p, err := h.engine.Get(ctx, "alice", "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, StateOrphaned, p.State)
	assert.Equal(t, TagAutoImported, p.Tag)
	assert.Equal(t, 2000.0, p.EntryPrice, "entry is the discovery price, not the exchange entry")
	assert.Equal(t, 0.0, p.PnLPct(2000))
	assert.Equal(t, "b1", p.BindingID)

	// a second reconcile does not import twice
	rec, err = h.engine.ReconcileOrphans(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Imported)

	h.paper.SetPrice("ETHUSDT", 1950)
	h.clock.Advance(time.Minute)
	res, err := h.engine.Tick(ctx, "alice", live)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Exits, "grace cycle")

	h.clock.Advance(time.Minute)
	res, err = h.engine.Tick(ctx, "alice", live)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Exits)

	closed, err := h.engine.Closed(ctx, "alice", 1)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, TagAutoImported, closed[0].Tag)
	assert.Len(t, h.exitOrders(), 1)
}

func TestReconcileArchivesExternallyClosed(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.open(t, "BTCUSDT", 1.0, 100)

	// closed by hand on the exchange
	_, err := h.paper.SubmitOrder(ctx, broker.OrderRequest{Symbol: "BTCUSDT", Side: broker.SideSell, Quantity: 1, ReduceOnly: true})
	require.NoError(t, err)

	rec, err := h.engine.ReconcileOrphans(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.ClosedExternally)

	_, err = h.engine.Get(ctx, "alice", "BTCUSDT")
	assert.ErrorIs(t, err, ErrPositionNotFound)
	closed, err := h.engine.Closed(ctx, "alice", 1)
	require.NoError(t, err)
	assert.Equal(t, "closed externally", closed[0].CloseReason)
	assert.Equal(t, 0.0, closed[0].RemainingQty)
}

func TestExitFillWithoutPositionReconciles(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	p := h.open(t, "BTCUSDT", 1.0, 100)
	require.NoError(t, h.store.Delete(ctx, "alice", "BTCUSDT", p.Version))

	_, err := h.engine.OnExitFill(ctx, "alice", "BTCUSDT", &broker.OrderResult{FilledQty: 0.1, AvgPrice: 100}, "stray fill")
	assert.ErrorIs(t, err, ErrPositionNotFound)

	recovered, err := h.engine.Get(ctx, "alice", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, TagAutoImported, recovered.Tag)
}

func TestStaleOpeningDiscarded(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.store.Create(ctx, &Position{AccountID: "alice", Symbol: "BTCUSDT", State: StateOpening, UpdatedAt: t0}))

	rec, err := h.engine.ReconcileOrphans(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.StaleOpenings, "still within the fill window")

	h.clock.Advance(3 * time.Minute)
	rec, err = h.engine.ReconcileOrphans(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.StaleOpenings)
	_, err = h.engine.Get(ctx, "alice", "BTCUSDT")
	assert.ErrorIs(t, err, ErrPositionNotFound)
}

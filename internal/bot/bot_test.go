package bot

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copy-trading-bot/config"
	"copy-trading-bot/internal/account"
	"copy-trading-bot/internal/broker"
	"copy-trading-bot/internal/circuit"
	"copy-trading-bot/internal/clock"
	"copy-trading-bot/internal/copytrade"
	"copy-trading-bot/internal/events"
	"copy-trading-bot/internal/mode"
)

// paperConfig declares master m (1000) and follower a (500) on paper
// bindings with two tiers capping positions at 60 and 100.
func paperConfig() *config.Config {
	cfg := config.Default()
	cfg.Tiers = []account.RiskTier{
		{Name: "lite", MinBalance: 0, MaxBalance: 1000, MaxPositionNotional: 60, MaxOpenPositions: 5,
			MaxDailyLossPct: 5, MaxDrawdownPct: 10},
		{Name: "pro", MinBalance: 1000, MaxPositionNotional: 100, MaxOpenPositions: 5,
			MaxDailyLossPct: 5, MaxDrawdownPct: 10},
	}
	cfg.BrokerConfig.Symbols = nil
	cfg.BrokerConfig.Retry.Jitter = 0
	cfg.Accounts = []config.AccountConfig{
		{
			Account:      account.Account{ID: "m", Role: account.RoleMaster, Enabled: true},
			BindingSpecs: []config.BindingConfig{{ID: "m-paper", Kind: "PAPER", Priority: 1, InitialBalance: 1000}},
		},
		{
			Account:      account.Account{ID: "a", Role: account.RoleFollower, MasterID: "m", Enabled: true},
			BindingSpecs: []config.BindingConfig{{ID: "a-paper", Kind: "PAPER", Priority: 1, InitialBalance: 500}},
		},
	}
	return cfg
}

func newBot(t *testing.T, cfg *config.Config, bus *events.EventBus) *TradingBot {
	t.Helper()
	b, err := NewTradingBot(context.Background(), cfg, bus, clock.NewFake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func TestRunCycleOnPaperBindings(t *testing.T) {
	b := newBot(t, paperConfig(), nil)

	report, err := b.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Ticks, 2)
	assert.Equal(t, 2, report.Platform.Accounts)
	assert.Equal(t, circuit.StateNormal, report.Platform.Platform)
}

func TestDecisionCopiesAndEmergencyStopQueuesExits(t *testing.T) {
	bus := events.NewEventBus()
	var stops atomic.Int32
	bus.Subscribe(events.EventEmergencyStop, func(events.Event) { stops.Add(1) })

	b := newBot(t, paperConfig(), bus)
	ctx := context.Background()
	_, err := b.RunCycle(ctx)
	require.NoError(t, err)

	summary, err := b.Copier().OnDecision(ctx, copytrade.Decision{
		MasterID: "m", Symbol: "BTCUSDT", Side: broker.SideBuy, Confidence: 0.8, SuggestedQuantity: 1, Price: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)

	b.Supervisor().EmergencyStop("test stop", "ops")
	assert.Equal(t, circuit.StateHalted, b.Supervisor().PlatformState().State)

	open, err := b.Engine().List(ctx, "")
	require.NoError(t, err)
	require.Len(t, open, 2)
	for _, p := range open {
		assert.Equal(t, "test stop", p.ForceExitReason)
	}
	assert.Eventually(t, func() bool { return stops.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestModeChangePublishesEvent(t *testing.T) {
	bus := events.NewEventBus()
	got := make(chan events.Event, 1)
	bus.Subscribe(events.EventModeChanged, func(e events.Event) { got <- e })

	b := newBot(t, paperConfig(), bus)
	b.Modes().Update("ops", func(m *mode.Mode) { m.DryRun = true })

	select {
	case e := <-got:
		assert.Equal(t, true, e.Data["dry_run"])
		assert.Equal(t, "ops", e.Data["updated_by"])
	case <-time.After(time.Second):
		t.Fatal("no mode event")
	}
}

func TestBindingHealthChangesArePublished(t *testing.T) {
	bus := events.NewEventBus()
	got := make(chan events.Event, 2)
	bus.Subscribe(events.EventBindingHealth, func(e events.Event) { got <- e })

	cfg := paperConfig()
	b := newBot(t, cfg, bus)
	failure := broker.NewError(broker.KindNetwork, 0, "connection reset")
	for i := 0; i < cfg.BrokerConfig.HealthThreshold; i++ {
		b.health.RecordFailure("a", "a-paper", failure)
	}

	select {
	case e := <-got:
		assert.Equal(t, "a", e.Data["account_id"])
		assert.Equal(t, "a-paper", e.Data["binding_id"])
		assert.Equal(t, false, e.Data["healthy"])
		assert.Contains(t, e.Data["reason"], "connection reset")
	case <-time.After(time.Second):
		t.Fatal("no unhealthy event")
	}
	assert.False(t, b.registry.Routable("a"))

	b.health.RecordSuccess("a", "a-paper")
	select {
	case e := <-got:
		assert.Equal(t, true, e.Data["healthy"])
	case <-time.After(time.Second):
		t.Fatal("no healthy event")
	}
	assert.True(t, b.registry.Routable("a"))
}

func TestLiveBindingNeedsCredentials(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "")
	t.Setenv("BINANCE_SECRET_KEY", "")
	cfg := paperConfig()
	cfg.Accounts[1].BindingSpecs = append(cfg.Accounts[1].BindingSpecs,
		config.BindingConfig{ID: "a-live", Kind: "BINANCE_FUTURES", Priority: 2, Testnet: true})

	_, err := NewTradingBot(context.Background(), cfg, nil, nil, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BINANCE_API_KEY_A_A_LIVE")

	t.Setenv("BINANCE_API_KEY_A_A_LIVE", "key")
	t.Setenv("BINANCE_SECRET_KEY_A_A_LIVE", "secret")
	b := newBot(t, cfg, nil)

	statuses := b.APIDeps(nil).Bindings.Status("a")
	require.Len(t, statuses, 2)
	assert.Equal(t, "a-paper", statuses[0].ID)
	assert.True(t, statuses[0].Primary)
}

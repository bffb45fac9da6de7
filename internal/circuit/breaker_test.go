package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestBreakerEscalatesImmediately(t *testing.T) {
	b := NewBreaker(ScopeAccount, "acc", 10*time.Minute)

	tr, changed := b.Observe(StateWarning, "daily loss near limit", "daily_loss_pct", 3.5, t0)
	require.True(t, changed)
	assert.Equal(t, StateNormal, tr.From)
	assert.Equal(t, StateWarning, tr.To)

	tr, changed = b.Observe(StateHalted, "daily loss limit", "daily_loss_pct", 5.1, t0.Add(time.Minute))
	require.True(t, changed)
	assert.Equal(t, StateHalted, b.State())
	assert.Equal(t, "daily_loss_pct", b.Status().Metric)
	assert.Len(t, b.History(), 2)
}

func TestBreakerDeescalatesOnlyAfterCooldown(t *testing.T) {
	b := NewBreaker(ScopeAccount, "acc", 10*time.Minute)
	b.Observe(StateHalted, "loss", "m", 6, t0)

	_, changed := b.Observe(StateNormal, "", "m", 0, t0.Add(5*time.Minute))
	assert.False(t, changed)
	assert.Equal(t, StateHalted, b.State())

	_, changed = b.Observe(StateNormal, "", "m", 0, t0.Add(10*time.Minute))
	assert.True(t, changed)
	assert.Equal(t, StateNormal, b.State())
}

func TestBreakerBadObservationExtendsCooldown(t *testing.T) {
	b := NewBreaker(ScopePosition, "acc:BTC", 5*time.Minute)
	b.Observe(StateWarning, "adverse move", "move_pct", 2, t0)
	b.Observe(StateWarning, "adverse move", "move_pct", 2.5, t0.Add(4*time.Minute))

	_, changed := b.Observe(StateNormal, "", "", 0, t0.Add(6*time.Minute))
	assert.False(t, changed)
	_, changed = b.Observe(StateNormal, "", "", 0, t0.Add(9*time.Minute))
	assert.True(t, changed)
}

func TestBreakerManualResetHalt(t *testing.T) {
	b := NewBreaker(ScopePlatform, "platform", time.Minute)
	var seen []Transition
	b.OnTransition(func(tr Transition) { seen = append(seen, tr) })

	_, changed := b.Trip("emergency stop", "", 0, t0, true, "ops")
	require.True(t, changed)
	require.Len(t, seen, 1)
	assert.True(t, seen[0].Manual)

	_, changed = b.Observe(StateNormal, "", "", 0, t0.Add(time.Hour))
	assert.False(t, changed, "manual-reset halts never clear automatically")

	_, changed = b.Reset("ops", "resume", t0.Add(2*time.Hour))
	assert.True(t, changed)
	assert.Equal(t, StateNormal, b.State())
	assert.False(t, b.Status().ManualReset)
	assert.Len(t, seen, 2)
}

func TestBreakerRestore(t *testing.T) {
	b := NewBreaker(ScopePlatform, "platform", time.Minute)
	b.Restore(Status{State: StateHalted, Reason: "emergency stop", ManualReset: true, Since: t0})
	assert.Equal(t, StateHalted, b.State())
	assert.Empty(t, b.History())
	_, changed := b.Observe(StateNormal, "", "", 0, t0.Add(24*time.Hour))
	assert.False(t, changed)
}

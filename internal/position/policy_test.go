package position

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copy-trading-bot/internal/broker"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func openLong(qty, entry float64) *Position {
	return &Position{
		AccountID:     "alice",
		Symbol:        "BTCUSDT",
		Side:          broker.PositionLong,
		State:         StateOpen,
		Tag:           TagNormal,
		EntryPrice:    entry,
		OriginalQty:   qty,
		RemainingQty:  qty,
		HighWaterMark: entry,
		OpenedAt:      t0,
		Version:       1,
	}
}

func testEvaluator() Evaluator {
	return Evaluator{Policy: DefaultPolicy(), Orphan: DefaultOrphanPolicy()}
}

func TestDefaultPolicyValid(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())

	p := DefaultPolicy()
	p.Steps[2].TriggerPct = 0.9
	assert.Error(t, p.Validate())

	p = DefaultPolicy()
	p.LossWarning = p.LossCeiling
	assert.Error(t, p.Validate())
}

func TestLosingPositionForcedAtCeiling(t *testing.T) {
	e := testEvaluator()
	pos := openLong(1, 100)

	warnedAt, exitedAt := 0, 0
	for minute := 1; minute <= 31 && exitedAt == 0; minute++ {
		next, d := e.Evaluate(pos, Input{Price: 99.5, Now: t0.Add(time.Duration(minute) * time.Minute), Rules: broker.DefaultSymbolRules})
		switch d.Action {
		case ActionWarn:
			warnedAt = minute
		case ActionFull:
			exitedAt = minute
			assert.Equal(t, 1.0, d.Quantity)
			assert.Equal(t, StateClosing, next.State)
		}
		pos = next
	}
	assert.Equal(t, 5, warnedAt)
	assert.Equal(t, 30, exitedAt)
}

func TestRecoveryResetsLossClock(t *testing.T) {
	e := testEvaluator()
	pos := openLong(1, 100)

	pos, _ = e.Evaluate(pos, Input{Price: 99.5, Now: t0.Add(20 * time.Minute), Rules: broker.DefaultSymbolRules})
	require.False(t, pos.LossSince.IsZero())

	pos, d := e.Evaluate(pos, Input{Price: 100.2, Now: t0.Add(21 * time.Minute), Rules: broker.DefaultSymbolRules})
	assert.Equal(t, ActionHold, d.Action)
	assert.True(t, pos.LossSince.IsZero())

	// the countdown restarts from the last evaluation, not from the open
	_, d = e.Evaluate(pos, Input{Price: 99.5, Now: t0.Add(31 * time.Minute), Rules: broker.DefaultSymbolRules})
	assert.NotEqual(t, ActionFull, d.Action)
}

func TestStepsFireOnce(t *testing.T) {
	e := testEvaluator()
	pos := openLong(1, 100)

	next, d := e.Evaluate(pos, Input{Price: 100.6, Now: t0.Add(time.Minute), Rules: broker.DefaultSymbolRules})
	require.Equal(t, ActionPartial, d.Action)
	assert.Equal(t, []int{0}, d.Steps)
	assert.InDelta(t, 0.2, d.Quantity, 1e-12)
	assert.InDelta(t, 100.1, next.StopPrice, 1e-9, "first step moves the stop to break-even")

	next.RemainingQty = 0.8
	_, d = e.Evaluate(next, Input{Price: 100.7, Now: t0.Add(2 * time.Minute), Rules: broker.DefaultSymbolRules})
	assert.Equal(t, ActionHold, d.Action)
}

func TestStepsCrossedTogetherFireTogether(t *testing.T) {
	e := testEvaluator()
	pos := openLong(1, 100)

	next, d := e.Evaluate(pos, Input{Price: 102.5, Now: t0.Add(time.Minute), Rules: broker.DefaultSymbolRules})
	require.Equal(t, ActionPartial, d.Action)
	assert.Equal(t, []int{0, 1, 2}, d.Steps)
	assert.InDelta(t, 0.6, d.Quantity, 1e-12)
	assert.True(t, next.TrailingActive)
	assert.InDelta(t, 102.5*0.995, next.StopPrice, 1e-9)
}

func TestSmallLeftoverBecomesFullExit(t *testing.T) {
	e := testEvaluator()
	pos := openLong(0.1, 100)
	pos.RemainingQty = 0.02
	pos.StepsFired = []int{0, 1, 2}

	_, d := e.Evaluate(pos, Input{Price: 103.2, Now: t0.Add(time.Minute), Rules: broker.DefaultSymbolRules})
	assert.Equal(t, ActionFull, d.Action)
	assert.Equal(t, 0.02, d.Quantity)
}

func TestStopHitShort(t *testing.T) {
	e := testEvaluator()
	pos := openLong(1, 100)
	pos.Side = broker.PositionShort
	pos.StopPrice = 100.5

	_, d := e.Evaluate(pos, Input{Price: 100.6, Now: t0.Add(time.Minute), Rules: broker.DefaultSymbolRules})
	assert.Equal(t, ActionFull, d.Action)
	assert.Contains(t, d.Reason, "stop hit")
}

func TestOppositeSignalClosesNormalPosition(t *testing.T) {
	e := testEvaluator()
	pos := openLong(1, 100)

	_, d := e.Evaluate(pos, Input{Price: 100.1, Now: t0.Add(time.Minute), Rules: broker.DefaultSymbolRules,
		Signal: &Signal{Side: broker.SideSell, Confidence: 0.5}})
	assert.Equal(t, ActionHold, d.Action)

	_, d = e.Evaluate(pos, Input{Price: 100.1, Now: t0.Add(time.Minute), Rules: broker.DefaultSymbolRules,
		Signal: &Signal{Side: broker.SideSell, Confidence: 0.8}})
	assert.Equal(t, ActionFull, d.Action)
}

func TestOrphanGraceThenStricterRules(t *testing.T) {
	e := testEvaluator()
	pos := openLong(2, 2000)
	pos.State = StateOrphaned
	pos.Tag = TagAutoImported

	next, d := e.Evaluate(pos, Input{Price: 1900, Now: t0.Add(time.Minute), Rules: broker.DefaultSymbolRules})
	assert.Equal(t, ActionHold, d.Action, "grace cycle holds even on a large move")
	assert.Equal(t, 1, next.GraceCycles)
	assert.Equal(t, StateOrphaned, next.State)

	next, d = e.Evaluate(next, Input{Price: 1990, Now: t0.Add(2 * time.Minute), Rules: broker.DefaultSymbolRules})
	assert.Equal(t, ActionHold, d.Action)
	assert.Equal(t, StateOpen, next.State)
	assert.Equal(t, TagAutoImported, next.Tag)

	_, d = e.Evaluate(next, Input{Price: 1978, Now: t0.Add(3 * time.Minute), Rules: broker.DefaultSymbolRules})
	assert.Equal(t, ActionFull, d.Action)
	assert.Contains(t, d.Reason, "moved")
}

func TestOrphanClosesOnWeakSignal(t *testing.T) {
	e := testEvaluator()
	pos := openLong(2, 2000)
	pos.Tag = TagAutoImported
	pos.GraceCycles = 1

	_, d := e.Evaluate(pos, Input{Price: 2001, Now: t0.Add(time.Minute), Rules: broker.DefaultSymbolRules,
		Signal: &Signal{Side: broker.SideBuy, Confidence: 0.3}})
	assert.Equal(t, ActionFull, d.Action)
	assert.Contains(t, d.Reason, "weakened")
}

func TestForcedExitReason(t *testing.T) {
	e := testEvaluator()
	pos := openLong(1, 100)
	pos.ForceExitReason = "emergency stop"

	next, d := e.Evaluate(pos, Input{Price: 104, Now: t0.Add(time.Minute), Rules: broker.DefaultSymbolRules})
	assert.Equal(t, ActionFull, d.Action)
	assert.Equal(t, "emergency stop", d.Reason)
	assert.Equal(t, StateClosing, next.State)
	assert.Equal(t, StateOpen, pos.State, "input is not modified")
}

func TestApplyExitFillMonotonic(t *testing.T) {
	pos := openLong(1, 100)

	_, err := pos.ApplyExitFill(0, 100, 0, t0)
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	filled, err := pos.ApplyExitFill(0.3, 101, 0, t0)
	require.NoError(t, err)
	assert.Equal(t, 0.3, filled)
	assert.Equal(t, 0.7, pos.RemainingQty)
	assert.Equal(t, StatePartialExit, pos.State)
	assert.InDelta(t, 0.3, pos.RealizedPnL, 1e-9)

	filled, err = pos.ApplyExitFill(5, 102, 0, t0)
	require.NoError(t, err)
	assert.Equal(t, 0.7, filled, "over-fill clamps to the remainder")
	assert.Equal(t, 0.0, pos.RemainingQty)
	assert.Equal(t, StateClosed, pos.State)

	_, err = pos.ApplyExitFill(0.1, 102, 0, t0)
	assert.ErrorIs(t, err, ErrNotOpen)
}

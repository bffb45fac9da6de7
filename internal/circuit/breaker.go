package circuit

import (
	"fmt"
	"sync"
	"time"
)

// Scope is the granularity a breaker guards.
type Scope string

const (
	ScopePosition Scope = "POSITION"
	ScopeAccount  Scope = "ACCOUNT"
	ScopePlatform Scope = "PLATFORM"
)

// State is the breaker state.
type State string

const (
	StateNormal  State = "NORMAL"
	StateWarning State = "WARNING"
	StateHalted  State = "HALTED"
)

func (s State) severity() int {
	switch s {
	case StateWarning:
		return 1
	case StateHalted:
		return 2
	default:
		return 0
	}
}

const maxHistory = 100

// Transition records one state change and the metric that caused it.
type Transition struct {
	Scope    Scope     `json:"scope"`
	Key      string    `json:"key"`
	From     State     `json:"from"`
	To       State     `json:"to"`
	Reason   string    `json:"reason"`
	Metric   string    `json:"metric,omitempty"`
	Value    float64   `json:"value"`
	At       time.Time `json:"at"`
	Manual   bool      `json:"manual"`
	Operator string    `json:"operator,omitempty"`
}

// Status is a point-in-time copy of a breaker.
type Status struct {
	Scope         Scope     `json:"scope"`
	Key           string    `json:"key"`
	State         State     `json:"state"`
	Reason        string    `json:"reason,omitempty"`
	Metric        string    `json:"metric,omitempty"`
	Value         float64   `json:"value"`
	Since         time.Time `json:"since"`
	CooldownUntil time.Time `json:"cooldown_until"`
	ManualReset   bool      `json:"manual_reset"`
}

// Breaker is a NORMAL → WARNING → HALTED state machine for one scope key.
// Escalation is immediate; de-escalation waits for the cooldown that started
// at the last escalation (or last bad observation). Manual-reset halts only
// clear through Reset.
type Breaker struct {
	mu            sync.Mutex
	scope         Scope
	key           string
	state         State
	reason        string
	metric        string
	value         float64
	since         time.Time
	cooldown      time.Duration
	cooldownUntil time.Time
	manualReset   bool
	history       []Transition
	onTransition  func(Transition)
}

// NewBreaker creates a breaker in NORMAL.
func NewBreaker(scope Scope, key string, cooldown time.Duration) *Breaker {
	return &Breaker{scope: scope, key: key, state: StateNormal, cooldown: cooldown}
}

// OnTransition sets callback for every state change
func (b *Breaker) OnTransition(fn func(Transition)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status returns a copy of the breaker.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statusLocked()
}

func (b *Breaker) statusLocked() Status {
	return Status{
		Scope:         b.scope,
		Key:           b.key,
		State:         b.state,
		Reason:        b.reason,
		Metric:        b.metric,
		Value:         b.value,
		Since:         b.since,
		CooldownUntil: b.cooldownUntil,
		ManualReset:   b.manualReset,
	}
}

// Observe feeds the level the current metrics call for. It returns the
// transition when the state changed.
func (b *Breaker) Observe(level State, reason, metric string, value float64, now time.Time) (Transition, bool) {
	b.mu.Lock()
	cur := b.state
	switch {
	case level.severity() > cur.severity():
		t := b.transitionLocked(level, reason, metric, value, now, false, "")
		b.cooldownUntil = now.Add(b.cooldown)
		return b.fire(t)
	case level.severity() == cur.severity():
		if level != StateNormal {
			b.cooldownUntil = now.Add(b.cooldown)
			b.metric, b.value = metric, value
		}
		b.mu.Unlock()
		return Transition{}, false
	default:
		if (cur == StateHalted && b.manualReset) || now.Before(b.cooldownUntil) {
			b.mu.Unlock()
			return Transition{}, false
		}
		if reason == "" {
			reason = "cooldown elapsed"
		}
		t := b.transitionLocked(level, reason, metric, value, now, false, "")
		return b.fire(t)
	}
}

// Trip forces HALTED. manualReset halts ignore cooldown expiry.
func (b *Breaker) Trip(reason, metric string, value float64, now time.Time, manualReset bool, operator string) (Transition, bool) {
	b.mu.Lock()
	if b.state == StateHalted {
		b.manualReset = b.manualReset || manualReset
		b.reason = reason
		b.mu.Unlock()
		return Transition{}, false
	}
	t := b.transitionLocked(StateHalted, reason, metric, value, now, operator != "", operator)
	b.manualReset = manualReset
	b.cooldownUntil = now.Add(b.cooldown)
	return b.fire(t)
}

// Reset returns the breaker to NORMAL regardless of cooldown.
func (b *Breaker) Reset(operator, reason string, now time.Time) (Transition, bool) {
	b.mu.Lock()
	if b.state == StateNormal {
		b.mu.Unlock()
		return Transition{}, false
	}
	if reason == "" {
		reason = "manual reset"
	}
	t := b.transitionLocked(StateNormal, reason, "", 0, now, true, operator)
	b.manualReset = false
	b.cooldownUntil = time.Time{}
	return b.fire(t)
}

// Restore loads persisted state without emitting a transition.
func (b *Breaker) Restore(s Status) {
	b.mu.Lock()
	b.state = s.State
	b.reason = s.Reason
	b.metric = s.Metric
	b.value = s.Value
	b.since = s.Since
	b.cooldownUntil = s.CooldownUntil
	b.manualReset = s.ManualReset
	b.mu.Unlock()
}

// History returns the recorded transitions, oldest first.
func (b *Breaker) History() []Transition {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Transition, len(b.history))
	copy(out, b.history)
	return out
}

// transitionLocked mutates state; the caller holds b.mu and must call fire.
func (b *Breaker) transitionLocked(to State, reason, metric string, value float64, now time.Time, manual bool, operator string) Transition {
	t := Transition{
		Scope:    b.scope,
		Key:      b.key,
		From:     b.state,
		To:       to,
		Reason:   reason,
		Metric:   metric,
		Value:    value,
		At:       now,
		Manual:   manual,
		Operator: operator,
	}
	b.state = to
	b.reason = reason
	b.metric = metric
	b.value = value
	b.since = now
	b.history = append(b.history, t)
	if len(b.history) > maxHistory {
		b.history = b.history[len(b.history)-maxHistory:]
	}
	return t
}

// fire releases b.mu and runs the callback outside the lock.
func (b *Breaker) fire(t Transition) (Transition, bool) {
	cb := b.onTransition
	b.mu.Unlock()
	if cb != nil {
		cb(t)
	}
	return t, true
}

func (t Transition) String() string {
	return fmt.Sprintf("%s[%s] %s -> %s: %s", t.Scope, t.Key, t.From, t.To, t.Reason)
}

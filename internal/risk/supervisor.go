// Package risk holds the circuit-breaker supervisor consulted by every
// order path. Risk-reducing orders are never blocked; risk-increasing orders
// are refused while any scope covering them is HALTED.
package risk

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"copy-trading-bot/internal/account"
	"copy-trading-bot/internal/circuit"
	"copy-trading-bot/internal/clock"
	"copy-trading-bot/internal/events"
)

const platformKey = "platform"

// Platform halt metrics. A connectivity halt is the only kind a healthy
// probe cycle may clear.
const (
	MetricLosingAccounts    = "losing_account_fraction"
	MetricBrokerFailureRate = "broker_failure_rate"
	MetricEmergencyStop     = "emergency_stop"
)

var ErrBreakerNotFound = errors.New("breaker not found")

// LimitSource resolves tier-derived limits for an account.
type LimitSource interface {
	GetLimits(accountID string) (account.Limits, error)
}

// StateStore persists breaker state so halts survive restarts.
type StateStore interface {
	SaveBreaker(ctx context.Context, s circuit.Status) error
	LoadBreakers(ctx context.Context) ([]circuit.Status, error)
}

// TransitionRecorder keeps the audit trail of transitions.
type TransitionRecorder interface {
	RecordTransition(ctx context.Context, t circuit.Transition) error
}

// OrderIntent describes an order about to be submitted.
type OrderIntent struct {
	AccountID      string
	Symbol         string
	RiskIncreasing bool
	Notional       float64
	// OpenPositions is the account's current open position count,
	// excluding the one this order would add to.
	OpenPositions   int
	TradingDisabled bool
}

// Verdict is the supervisor's answer for one intent.
type Verdict struct {
	Allowed bool
	Scope   circuit.Scope
	Reason  string
	Metric  string
	Value   float64
}

// Err returns a *BlockedError for refused intents.
func (v Verdict) Err() error {
	if v.Allowed {
		return nil
	}
	return &BlockedError{Scope: v.Scope, Reason: v.Reason, Metric: v.Metric, Value: v.Value}
}

// BlockedError is a deliberate refusal, not a failure.
type BlockedError struct {
	Scope  circuit.Scope
	Reason string
	Metric string
	Value  float64
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("blocked by %s breaker: %s", e.Scope, e.Reason)
}

// IsBlocked reports whether err is a risk refusal.
func IsBlocked(err error) bool {
	var be *BlockedError
	return errors.As(err, &be)
}

// Supervisor owns the position, account and platform breakers.
type Supervisor struct {
	cfg    Config
	limits LimitSource
	clock  clock.Clock
	logger zerolog.Logger

	mu        sync.RWMutex
	platform  *circuit.Breaker
	accounts  map[string]*circuit.Breaker
	positions map[string]*circuit.Breaker
	prices    map[string][]pricePoint

	store       StateStore
	recorder    TransitionRecorder
	bus         events.Publisher
	onEmergency []func(reason string)
}

// NewSupervisor creates a supervisor with every scope NORMAL.
func NewSupervisor(cfg Config, limits LimitSource, clk clock.Clock, logger zerolog.Logger) *Supervisor {
	if clk == nil {
		clk = clock.Real{}
	}
	s := &Supervisor{
		cfg:       cfg,
		limits:    limits,
		clock:     clk,
		logger:    logger.With().Str("component", "risk_supervisor").Logger(),
		accounts:  make(map[string]*circuit.Breaker),
		positions: make(map[string]*circuit.Breaker),
		prices:    make(map[string][]pricePoint),
		bus:       events.Nop{},
	}
	s.platform = s.newBreaker(circuit.ScopePlatform, platformKey, cfg.Platform.WarnCooldown)
	return s
}

// SetStore wires breaker persistence.
func (s *Supervisor) SetStore(store StateStore) { s.store = store }

// SetRecorder wires the transition audit trail.
func (s *Supervisor) SetRecorder(r TransitionRecorder) { s.recorder = r }

// SetEventBus wires transition events.
func (s *Supervisor) SetEventBus(bus events.Publisher) {
	if bus != nil {
		s.bus = bus
	}
}

// OnEmergencyStop registers a callback run after an emergency stop is set.
func (s *Supervisor) OnEmergencyStop(fn func(reason string)) {
	s.mu.Lock()
	s.onEmergency = append(s.onEmergency, fn)
	s.mu.Unlock()
}

func (s *Supervisor) newBreaker(scope circuit.Scope, key string, cooldown time.Duration) *circuit.Breaker {
	b := circuit.NewBreaker(scope, key, cooldown)
	b.OnTransition(func(t circuit.Transition) { s.handleTransition(b, t) })
	return b
}

func (s *Supervisor) handleTransition(b *circuit.Breaker, t circuit.Transition) {
	ev := s.logger.Info()
	if t.To == circuit.StateHalted {
		ev = s.logger.Error()
	} else if t.To == circuit.StateWarning {
		ev = s.logger.Warn()
	}
	ev.Str("scope", string(t.Scope)).
		Str("key", t.Key).
		Str("from", string(t.From)).
		Str("to", string(t.To)).
		Str("metric", t.Metric).
		Float64("value", t.Value).
		Str("reason", t.Reason).
		Msg("Circuit breaker transition")

	s.bus.Publish(events.Event{
		Type: events.EventBreakerTransition,
		Data: map[string]interface{}{
			"scope":  string(t.Scope),
			"key":    t.Key,
			"from":   string(t.From),
			"to":     string(t.To),
			"reason": t.Reason,
			"metric": t.Metric,
			"value":  t.Value,
			"manual": t.Manual,
		},
	})

	if t.Scope == circuit.ScopePosition {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if s.store != nil {
		if err := s.store.SaveBreaker(ctx, b.Status()); err != nil {
			s.logger.Warn().Err(err).Str("key", t.Key).Msg("Failed to persist breaker state")
		}
	}
	if s.recorder != nil {
		if err := s.recorder.RecordTransition(ctx, t); err != nil {
			s.logger.Warn().Err(err).Str("key", t.Key).Msg("Failed to record breaker transition")
		}
	}
}

func (s *Supervisor) accountBreaker(id string) *circuit.Breaker {
	s.mu.RLock()
	b, ok := s.accounts[id]
	s.mu.RUnlock()
	if ok {
		return b
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.accounts[id]; !ok {
		b = s.newBreaker(circuit.ScopeAccount, id, s.cfg.Account.HaltDuration)
		s.accounts[id] = b
	}
	return b
}

func positionKey(accountID, symbol string) string {
	return accountID + ":" + symbol
}

func (s *Supervisor) positionBreaker(accountID, symbol string) *circuit.Breaker {
	key := positionKey(accountID, symbol)
	s.mu.RLock()
	b, ok := s.positions[key]
	s.mu.RUnlock()
	if ok {
		return b
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.positions[key]; !ok {
		b = s.newBreaker(circuit.ScopePosition, key, s.cfg.Position.Cooldown)
		s.positions[key] = b
	}
	return b
}

func (s *Supervisor) lookupPosition(accountID, symbol string) *circuit.Breaker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.positions[positionKey(accountID, symbol)]
}

// Check gates one order. Halts are additive: any HALTED scope covering a
// risk-increasing order refuses it.
func (s *Supervisor) Check(intent OrderIntent) Verdict {
	if !intent.RiskIncreasing {
		return Verdict{Allowed: true}
	}
	if intent.TradingDisabled {
		return Verdict{Scope: circuit.ScopePlatform, Reason: "trading disabled by mode", Metric: "trading_enabled"}
	}
	if st := s.platform.Status(); st.State == circuit.StateHalted {
		return Verdict{Scope: circuit.ScopePlatform, Reason: "platform halted: " + st.Reason, Metric: st.Metric, Value: st.Value}
	}
	if st := s.accountBreaker(intent.AccountID).Status(); st.State == circuit.StateHalted {
		return Verdict{Scope: circuit.ScopeAccount, Reason: "account halted: " + st.Reason, Metric: st.Metric, Value: st.Value}
	}
	if pb := s.lookupPosition(intent.AccountID, intent.Symbol); pb != nil {
		if st := pb.Status(); st.State == circuit.StateHalted {
			return Verdict{Scope: circuit.ScopePosition, Reason: "position halted: " + st.Reason, Metric: st.Metric, Value: st.Value}
		}
	}
	if s.limits == nil {
		return Verdict{Allowed: true}
	}
	limits, err := s.limits.GetLimits(intent.AccountID)
	if err != nil {
		return Verdict{Scope: circuit.ScopeAccount, Reason: fmt.Sprintf("limits unavailable: %v", err), Metric: "limits"}
	}
	if intent.OpenPositions >= limits.MaxPositions {
		return Verdict{
			Scope:  circuit.ScopeAccount,
			Reason: fmt.Sprintf("max positions reached (%d/%d, tier %s)", intent.OpenPositions, limits.MaxPositions, limits.Tier),
			Metric: "open_positions",
			Value:  float64(intent.OpenPositions),
		}
	}
	if intent.Notional > limits.MaxPositionNotional*(1+1e-9) {
		return Verdict{
			Scope:  circuit.ScopeAccount,
			Reason: fmt.Sprintf("notional %.2f exceeds tier cap %.2f (tier %s)", intent.Notional, limits.MaxPositionNotional, limits.Tier),
			Metric: "position_notional",
			Value:  intent.Notional,
		}
	}
	return Verdict{Allowed: true}
}

// PlatformState returns the platform breaker state.
func (s *Supervisor) PlatformState() circuit.Status {
	return s.platform.Status()
}

// AccountState returns one account's breaker state.
func (s *Supervisor) AccountState(accountID string) circuit.Status {
	return s.accountBreaker(accountID).Status()
}

// EmergencyStop halts the platform until an operator resets it and asks
// every registered callback to force-exit open positions.
func (s *Supervisor) EmergencyStop(reason, operator string) {
	if reason == "" {
		reason = "emergency stop"
	}
	now := s.clock.Now()
	if _, changed := s.platform.Trip(reason, MetricEmergencyStop, 1, now, true, operator); !changed {
		// already halted for another cause; make it operator-only
		s.platform.Restore(withMetric(s.platform.Status(), MetricEmergencyStop, reason))
		s.persist(s.platform)
	}
	s.logger.Error().Str("operator", operator).Str("reason", reason).Msg("EMERGENCY STOP - platform halted, forcing exits")
	s.bus.Publish(events.Event{
		Type: events.EventEmergencyStop,
		Data: map[string]interface{}{"reason": reason, "operator": operator},
	})

	s.mu.RLock()
	callbacks := append([]func(string){}, s.onEmergency...)
	s.mu.RUnlock()
	for _, fn := range callbacks {
		fn(reason)
	}
}

func (s *Supervisor) persist(b *circuit.Breaker) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.store.SaveBreaker(ctx, b.Status()); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to persist breaker state")
	}
}

func withMetric(st circuit.Status, metric, reason string) circuit.Status {
	st.Metric = metric
	st.Reason = reason
	st.ManualReset = true
	return st
}

// ResetPlatform is the operator path out of any platform halt.
func (s *Supervisor) ResetPlatform(operator, reason string) bool {
	_, changed := s.platform.Reset(operator, reason, s.clock.Now())
	return changed
}

// ResetAccount clears an account halt before its duration elapses.
func (s *Supervisor) ResetAccount(accountID, operator, reason string) error {
	s.mu.RLock()
	b, ok := s.accounts[accountID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: account %s", ErrBreakerNotFound, accountID)
	}
	b.Reset(operator, reason, s.clock.Now())
	return nil
}

// OnHealthProbe clears a connectivity halt once every binding probes
// healthy. Other platform halts need an operator.
func (s *Supervisor) OnHealthProbe(allHealthy bool) bool {
	if !allHealthy {
		return false
	}
	st := s.platform.Status()
	if st.State != circuit.StateHalted || st.Metric != MetricBrokerFailureRate {
		return false
	}
	_, changed := s.platform.Reset("health-probe", "all broker bindings healthy", s.clock.Now())
	return changed
}

// States lists every breaker: platform first, then accounts and positions
// sorted by key.
func (s *Supervisor) States() []circuit.Status {
	s.mu.RLock()
	accounts := make([]*circuit.Breaker, 0, len(s.accounts))
	for _, b := range s.accounts {
		accounts = append(accounts, b)
	}
	positions := make([]*circuit.Breaker, 0, len(s.positions))
	for _, b := range s.positions {
		positions = append(positions, b)
	}
	s.mu.RUnlock()

	out := []circuit.Status{s.platform.Status()}
	collect := func(bs []*circuit.Breaker) {
		sts := make([]circuit.Status, 0, len(bs))
		for _, b := range bs {
			sts = append(sts, b.Status())
		}
		sort.Slice(sts, func(i, j int) bool { return sts[i].Key < sts[j].Key })
		out = append(out, sts...)
	}
	collect(accounts)
	collect(positions)
	return out
}

// Restore loads persisted platform and account breakers.
func (s *Supervisor) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	states, err := s.store.LoadBreakers(ctx)
	if err != nil {
		return fmt.Errorf("failed to load breaker state: %w", err)
	}
	for _, st := range states {
		switch st.Scope {
		case circuit.ScopePlatform:
			s.platform.Restore(st)
		case circuit.ScopeAccount:
			s.accountBreaker(st.Key).Restore(st)
		default:
			continue
		}
		if st.State != circuit.StateNormal {
			s.logger.Warn().Str("scope", string(st.Scope)).Str("key", st.Key).Str("state", string(st.State)).
				Str("reason", st.Reason).Msg("Restored breaker state")
		}
	}
	return nil
}

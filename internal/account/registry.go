// Package account maps accounts to balances, risk tiers and tier-derived
// limits, and tracks which account/broker pairs are excluded from routing.
package account

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"copy-trading-bot/internal/broker"
	"copy-trading-bot/internal/clock"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrNoBalance       = errors.New("no balance snapshot for account")
)

// Role distinguishes the master from followers.
type Role string

const (
	RoleMaster   Role = "MASTER"
	RoleFollower Role = "FOLLOWER"
)

// CopySettings are per-follower copy overrides.
type CopySettings struct {
	// MaxScaleFactor lowers the platform maximum for this follower; zero
	// keeps the platform value.
	MaxScaleFactor float64 `json:"max_scale_factor" yaml:"max_scale_factor"`
}

// Account is a master or follower trading account.
type Account struct {
	ID       string       `json:"id" yaml:"id"`
	Role     Role         `json:"role" yaml:"role"`
	MasterID string       `json:"master_id,omitempty" yaml:"master_id"`
	Enabled  bool         `json:"enabled" yaml:"enabled"`
	Bindings []string     `json:"bindings" yaml:"bindings"`
	Copy     CopySettings `json:"copy" yaml:"copy"`
}

// BalanceSource reads an account's balance from the broker layer.
type BalanceSource interface {
	GetBalance(ctx context.Context, accountID string) (*broker.Balance, error)
}

// SnapshotPublisher receives every new snapshot (e.g. a shared cache).
type SnapshotPublisher interface {
	PublishSnapshot(ctx context.Context, snap *Snapshot) error
}

// Snapshot is the per-cycle, read-only view of balances.
type Snapshot struct {
	Version  int64              `json:"version"`
	TakenAt  time.Time          `json:"taken_at"`
	Balances map[string]float64 `json:"balances"`
	// DayStart is each account's balance at the first refresh of the UTC day.
	DayStart map[string]float64 `json:"day_start"`
	Peak     map[string]float64 `json:"peak"`
	Stale    map[string]string  `json:"stale,omitempty"`
}

// Balance returns the account's balance in this snapshot.
func (s *Snapshot) Balance(accountID string) (float64, bool) {
	if s == nil {
		return 0, false
	}
	b, ok := s.Balances[accountID]
	return b, ok
}

func (s *Snapshot) clone() *Snapshot {
	n := &Snapshot{
		Balances: make(map[string]float64, len(s.Balances)),
		DayStart: make(map[string]float64, len(s.DayStart)),
		Peak:     make(map[string]float64, len(s.Peak)),
		Stale:    make(map[string]string),
		Version:  s.Version,
		TakenAt:  s.TakenAt,
	}
	for k, v := range s.Balances {
		n.Balances[k] = v
	}
	for k, v := range s.DayStart {
		n.DayStart[k] = v
	}
	for k, v := range s.Peak {
		n.Peak[k] = v
	}
	return n
}

// Registry owns accounts, the balance snapshot and routing health.
type Registry struct {
	mu        sync.RWMutex
	accounts  map[string]Account
	order     []string
	unhealthy map[string]map[string]string

	tiers     TierTable
	source    BalanceSource
	publisher SnapshotPublisher
	snapshot  atomic.Pointer[Snapshot]
	clock     clock.Clock
	logger    zerolog.Logger
}

// NewRegistry validates the account set and creates a registry.
func NewRegistry(accounts []Account, tiers TierTable, source BalanceSource, clk clock.Clock, logger zerolog.Logger) (*Registry, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	r := &Registry{
		accounts:  make(map[string]Account, len(accounts)),
		unhealthy: make(map[string]map[string]string),
		tiers:     tiers,
		source:    source,
		clock:     clk,
		logger:    logger.With().Str("component", "account_registry").Logger(),
	}
	for _, a := range accounts {
		if a.ID == "" {
			return nil, fmt.Errorf("account id is required")
		}
		if _, dup := r.accounts[a.ID]; dup {
			return nil, fmt.Errorf("duplicate account %s", a.ID)
		}
		r.accounts[a.ID] = a
		r.order = append(r.order, a.ID)
	}
	for _, a := range accounts {
		switch a.Role {
		case RoleMaster:
		case RoleFollower:
			m, ok := r.accounts[a.MasterID]
			if !ok || m.Role != RoleMaster {
				return nil, fmt.Errorf("follower %s references unknown master %q", a.ID, a.MasterID)
			}
		default:
			return nil, fmt.Errorf("account %s has invalid role %q", a.ID, a.Role)
		}
	}
	r.snapshot.Store(&Snapshot{
		Balances: map[string]float64{},
		DayStart: map[string]float64{},
		Peak:     map[string]float64{},
	})
	return r, nil
}

// SetPublisher wires an optional snapshot publisher.
func (r *Registry) SetPublisher(p SnapshotPublisher) {
	r.publisher = p
}

// Get returns an account by id.
func (r *Registry) Get(id string) (Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[id]
	if !ok {
		return Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return a, nil
}

// Accounts returns every account in configuration order.
func (r *Registry) Accounts() []Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Account, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.accounts[id])
	}
	return out
}

// Followers returns the enabled followers copying masterID.
func (r *Registry) Followers(masterID string) []Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Account
	for _, id := range r.order {
		a := r.accounts[id]
		if a.Role == RoleFollower && a.MasterID == masterID && a.Enabled {
			out = append(out, a)
		}
	}
	return out
}

// SetEnabled toggles an account.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	a.Enabled = enabled
	r.accounts[id] = a
	return nil
}

// Tiers returns the tier table.
func (r *Registry) Tiers() TierTable { return r.tiers }

// Snapshot returns the current balance snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.snapshot.Load()
}

// RefreshBalance re-reads one account's balance and publishes a new snapshot.
func (r *Registry) RefreshBalance(ctx context.Context, id string) error {
	if _, err := r.Get(id); err != nil {
		return err
	}
	bal, err := r.source.GetBalance(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to refresh balance for %s: %w", id, err)
	}
	next := r.snapshot.Load().clone()
	r.apply(next, id, bal.Total)
	next.Version++
	next.TakenAt = r.clock.Now()
	r.snapshot.Store(next)
	return nil
}

// RefreshAll reads every enabled account's balance concurrently and swaps in
// one new snapshot. Accounts whose read fails keep their previous balance
// and are listed in Stale.
func (r *Registry) RefreshAll(ctx context.Context) (*Snapshot, error) {
	accounts := r.Accounts()
	results := make([]float64, len(accounts))
	errs := make([]error, len(accounts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, a := range accounts {
		if !a.Enabled {
			continue
		}
		g.Go(func() error {
			bal, err := r.source.GetBalance(gctx, a.ID)
			if err != nil {
				errs[i] = err
				return nil
			}
			results[i] = bal.Total
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return r.Snapshot(), err
	}

	next := r.snapshot.Load().clone()
	for i, a := range accounts {
		if !a.Enabled {
			continue
		}
		if errs[i] != nil {
			next.Stale[a.ID] = errs[i].Error()
			r.logger.Warn().Str("account", a.ID).Err(errs[i]).Msg("Balance refresh failed, keeping previous value")
			continue
		}
		r.apply(next, a.ID, results[i])
	}
	next.Version++
	next.TakenAt = r.clock.Now()
	r.snapshot.Store(next)

	if r.publisher != nil {
		if err := r.publisher.PublishSnapshot(ctx, next); err != nil {
			r.logger.Debug().Err(err).Msg("Failed to publish balance snapshot")
		}
	}
	return next, nil
}

func (r *Registry) apply(s *Snapshot, id string, balance float64) {
	now := r.clock.Now().UTC()
	prevDay := s.TakenAt.UTC().Truncate(24 * time.Hour)
	if _, ok := s.DayStart[id]; !ok || s.TakenAt.IsZero() || now.Truncate(24*time.Hour).After(prevDay) {
		s.DayStart[id] = balance
	}
	s.Balances[id] = balance
	if balance > s.Peak[id] {
		s.Peak[id] = balance
	}
}

// GetTier returns the tier for the account's current balance.
func (r *Registry) GetTier(id string) (RiskTier, error) {
	return r.TierIn(r.Snapshot(), id)
}

// GetLimits returns the limits for the account's current balance.
func (r *Registry) GetLimits(id string) (Limits, error) {
	return r.LimitsIn(r.Snapshot(), id)
}

// TierIn resolves the tier against a specific snapshot.
func (r *Registry) TierIn(s *Snapshot, id string) (RiskTier, error) {
	if _, err := r.Get(id); err != nil {
		return RiskTier{}, err
	}
	bal, ok := s.Balance(id)
	if !ok {
		return RiskTier{}, fmt.Errorf("%w: %s", ErrNoBalance, id)
	}
	return r.tiers.Lookup(bal), nil
}

// LimitsIn resolves limits against a specific snapshot.
func (r *Registry) LimitsIn(s *Snapshot, id string) (Limits, error) {
	tier, err := r.TierIn(s, id)
	if err != nil {
		return Limits{}, err
	}
	bal, _ := s.Balance(id)
	return tier.LimitsFor(bal), nil
}

// MarkUnhealthy excludes an account/binding pair from new-order routing.
func (r *Registry) MarkUnhealthy(accountID, bindingID, reason string) {
	r.mu.Lock()
	if r.unhealthy[accountID] == nil {
		r.unhealthy[accountID] = make(map[string]string)
	}
	r.unhealthy[accountID][bindingID] = reason
	r.mu.Unlock()
	r.logger.Warn().Str("account", accountID).Str("binding", bindingID).Str("reason", reason).Msg("Binding excluded from routing")
}

// MarkHealthy restores an account/binding pair.
func (r *Registry) MarkHealthy(accountID, bindingID string) {
	r.mu.Lock()
	delete(r.unhealthy[accountID], bindingID)
	if len(r.unhealthy[accountID]) == 0 {
		delete(r.unhealthy, accountID)
	}
	r.mu.Unlock()
	r.logger.Info().Str("account", accountID).Str("binding", bindingID).Msg("Binding restored to routing")
}

// Routable reports whether the account has at least one binding that is
// not excluded.
func (r *Registry) Routable(accountID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[accountID]
	if !ok {
		return false
	}
	bad := r.unhealthy[accountID]
	if len(a.Bindings) == 0 {
		return len(bad) == 0
	}
	for _, b := range a.Bindings {
		if _, excluded := bad[b]; !excluded {
			return true
		}
	}
	return false
}

// UnhealthyBindings lists excluded bindings with their reasons.
func (r *Registry) UnhealthyBindings(accountID string) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.unhealthy[accountID]))
	for k, v := range r.unhealthy[accountID] {
		out[k] = v
	}
	return out
}

// Overview is the operator view of one account.
type Overview struct {
	Account   Account           `json:"account"`
	Balance   float64           `json:"balance"`
	Tier      string            `json:"tier"`
	Limits    Limits            `json:"limits"`
	Unhealthy map[string]string `json:"unhealthy,omitempty"`
}

// Overviews returns every account with its tier and limits, sorted by id.
func (r *Registry) Overviews() []Overview {
	snap := r.Snapshot()
	accounts := r.Accounts()
	out := make([]Overview, 0, len(accounts))
	for _, a := range accounts {
		o := Overview{Account: a, Unhealthy: r.UnhealthyBindings(a.ID)}
		if limits, err := r.LimitsIn(snap, a.ID); err == nil {
			o.Balance = limits.Balance
			o.Tier = limits.Tier
			o.Limits = limits
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account.ID < out[j].Account.ID })
	return out
}

package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Binding connects an account to one exchange connection.
type Binding struct {
	ID        string
	AccountID string
	Kind      Kind
	// Priority orders bindings for primary election; lower wins.
	Priority int
	Client   Client
}

// BindingStatus is the operator view of a binding.
type BindingStatus struct {
	ID       string `json:"id"`
	Kind     Kind   `json:"kind"`
	Priority int    `json:"priority"`
	Primary  bool   `json:"primary"`
	ExitOnly bool   `json:"exit_only"`
	Healthy  bool   `json:"healthy"`
}

type bindingState struct {
	Binding
	exitOnly bool
}

type accountRoute struct {
	bindings []*bindingState
	primary  string
	seq      atomic.Uint64
}

// Router resolves which binding serves each order, applies the retry policy,
// feeds the health tracker, and handles primary failover.
type Router struct {
	mu       sync.RWMutex
	accounts map[string]*accountRoute
	retrier  *Retrier
	health   *HealthTracker
	logger   zerolog.Logger

	onFailover func(accountID, from, to string)
}

func NewRouter(retrier *Retrier, health *HealthTracker, logger zerolog.Logger) *Router {
	return &Router{
		accounts: make(map[string]*accountRoute),
		retrier:  retrier,
		health:   health,
		logger:   logger.With().Str("component", "broker_router").Logger(),
	}
}

// OnFailover registers a callback invoked when the primary binding changes.
func (r *Router) OnFailover(fn func(accountID, from, to string)) {
	r.mu.Lock()
	r.onFailover = fn
	r.mu.Unlock()
}

// Register adds a binding for its account.
func (r *Router) Register(b Binding) error {
	if b.ID == "" || b.AccountID == "" || b.Client == nil {
		return fmt.Errorf("invalid binding %q for account %q", b.ID, b.AccountID)
	}
	r.mu.Lock()
	route, ok := r.accounts[b.AccountID]
	if !ok {
		route = &accountRoute{}
		r.accounts[b.AccountID] = route
	}
	for _, existing := range route.bindings {
		if existing.ID == b.ID {
			r.mu.Unlock()
			return fmt.Errorf("binding %s already registered for account %s", b.ID, b.AccountID)
		}
	}
	route.bindings = append(route.bindings, &bindingState{Binding: b})
	sort.SliceStable(route.bindings, func(i, j int) bool {
		return route.bindings[i].Priority < route.bindings[j].Priority
	})
	r.mu.Unlock()

	r.elect(b.AccountID)
	return nil
}

// Submit routes and submits an order under the retry policy.
func (r *Router) Submit(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	}
	b, seq, err := r.selectBinding(req)
	if err != nil {
		return nil, err
	}
	req.BindingID = b.ID
	if req.ClientOrderID == "" {
		req.ClientOrderID = clientOrderID(seq)
	}

	if req.DryRun {
		return simulateFill(req)
	}

	res, err := r.submitTo(ctx, b, req)
	if err == nil {
		return res, nil
	}

	if IsExitOnly(err) {
		r.MarkExitOnly(req.AccountID, b.ID)
		if !req.ReduceOnly {
			next, _, selErr := r.selectBinding(OrderRequest{AccountID: req.AccountID})
			if selErr == nil && next.ID != b.ID {
				r.logger.Info().Str("account", req.AccountID).Str("binding", next.ID).
					Msg("Resubmitting opening order on promoted primary")
				req.BindingID = next.ID
				return r.submitTo(ctx, next, req)
			}
		}
	}
	return nil, err
}

func (r *Router) submitTo(ctx context.Context, b Binding, req OrderRequest) (*OrderResult, error) {
	var res *OrderResult
	err := r.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		res, err = b.Client.SubmitOrder(ctx, req)
		return err
	})
	if err != nil {
		r.health.RecordFailure(req.AccountID, b.ID, err)
		r.elect(req.AccountID)
		return nil, fmt.Errorf("failed to submit order on %s: %w", b.ID, err)
	}
	r.health.RecordSuccess(req.AccountID, b.ID)
	res.BindingID = b.ID
	if res.ClientOrderID == "" {
		res.ClientOrderID = req.ClientOrderID
	}
	return res, nil
}

func (r *Router) selectBinding(req OrderRequest) (Binding, uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	route, ok := r.accounts[req.AccountID]
	if !ok || len(route.bindings) == 0 {
		return Binding{}, 0, fmt.Errorf("%w: %s", ErrNoRoute, req.AccountID)
	}
	seq := route.seq.Add(1)

	if req.BindingID != "" {
		for _, b := range route.bindings {
			if b.ID != req.BindingID {
				continue
			}
			if !req.ReduceOnly && (b.exitOnly || !r.health.Healthy(req.AccountID, b.ID)) {
				return Binding{}, 0, fmt.Errorf("%w: binding %s cannot open positions", ErrNoRoute, b.ID)
			}
			return b.Binding, seq, nil
		}
		return Binding{}, 0, fmt.Errorf("%w: %s", ErrUnknownBinding, req.BindingID)
	}

	if route.primary != "" {
		for _, b := range route.bindings {
			if b.ID == route.primary {
				return b.Binding, seq, nil
			}
		}
	}
	if req.ReduceOnly {
		return route.bindings[0].Binding, seq, nil
	}
	return Binding{}, 0, fmt.Errorf("%w: all bindings of %s are exit-only or unhealthy", ErrNoRoute, req.AccountID)
}

// elect recomputes the primary: first binding by priority that is healthy
// and not exit-only.
func (r *Router) elect(accountID string) {
	r.mu.Lock()
	route, ok := r.accounts[accountID]
	if !ok {
		r.mu.Unlock()
		return
	}
	prev := route.primary
	next := ""
	for _, b := range route.bindings {
		if !b.exitOnly && r.health.Healthy(accountID, b.ID) {
			next = b.ID
			break
		}
	}
	route.primary = next
	cb := r.onFailover
	r.mu.Unlock()

	if prev == next {
		return
	}
	if prev != "" {
		r.logger.Warn().Str("account", accountID).Str("from", prev).Str("to", next).Msg("Primary binding changed")
	}
	if cb != nil && prev != "" {
		cb(accountID, prev, next)
	}
}

// MarkExitOnly flags a binding as close-only and re-elects the primary.
func (r *Router) MarkExitOnly(accountID, bindingID string) {
	r.setExitOnly(accountID, bindingID, true)
}

func (r *Router) setExitOnly(accountID, bindingID string, v bool) {
	r.mu.Lock()
	changed := false
	if route, ok := r.accounts[accountID]; ok {
		for _, b := range route.bindings {
			if b.ID == bindingID && b.exitOnly != v {
				b.exitOnly = v
				changed = true
			}
		}
	}
	r.mu.Unlock()
	if changed {
		r.logger.Info().Str("account", accountID).Str("binding", bindingID).Bool("exit_only", v).Msg("Binding restriction changed")
		r.elect(accountID)
	}
}

// RefreshStatus queries exchange-reported restrictions for every binding of
// the account that can report them.
func (r *Router) RefreshStatus(ctx context.Context, accountID string) {
	for _, b := range r.bindings(accountID) {
		reporter, ok := b.Client.(StatusReporter)
		if !ok {
			continue
		}
		st, err := reporter.TradingStatus(ctx)
		if err != nil {
			r.logger.Debug().Str("account", accountID).Str("binding", b.ID).Err(err).Msg("Trading status unavailable")
			continue
		}
		r.setExitOnly(accountID, b.ID, !st.CanOpen && st.CanClose)
	}
}

// Probe runs a balance read against every unhealthy binding of the account;
// a success restores the pair. It returns the number still unhealthy.
func (r *Router) Probe(ctx context.Context, accountID string) int {
	remaining := 0
	for _, id := range r.health.Unhealthy(accountID) {
		b, ok := r.binding(accountID, id)
		if !ok {
			continue
		}
		if _, err := b.Client.GetBalance(ctx); err != nil {
			remaining++
			r.logger.Debug().Str("account", accountID).Str("binding", id).Err(err).Msg("Health probe failed")
			continue
		}
		r.health.RecordSuccess(accountID, id)
		r.elect(accountID)
	}
	return remaining
}

// GetBalance reads the primary binding's balance.
func (r *Router) GetBalance(ctx context.Context, accountID string) (*Balance, error) {
	b, _, err := r.selectBinding(OrderRequest{AccountID: accountID, ReduceOnly: true})
	if err != nil {
		return nil, err
	}
	var bal *Balance
	err = r.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		bal, err = b.Client.GetBalance(ctx)
		return err
	})
	if err != nil {
		r.health.RecordFailure(accountID, b.ID, err)
		r.elect(accountID)
		return nil, fmt.Errorf("failed to get balance for %s: %w", accountID, err)
	}
	r.health.RecordSuccess(accountID, b.ID)
	return bal, nil
}

// GetOpenPositions returns positions across every binding of the account.
// A failure on any binding fails the call so callers never reconcile
// against a partial view.
func (r *Router) GetOpenPositions(ctx context.Context, accountID string) ([]ExchangePosition, error) {
	bindings := r.bindings(accountID)
	if len(bindings) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, accountID)
	}
	var out []ExchangePosition
	var errs []error
	for _, b := range bindings {
		var positions []ExchangePosition
		err := r.retrier.Do(ctx, func(ctx context.Context) error {
			var err error
			positions, err = b.Client.GetOpenPositions(ctx)
			return err
		})
		if err != nil {
			r.health.RecordFailure(accountID, b.ID, err)
			errs = append(errs, fmt.Errorf("%s: %w", b.ID, err))
			continue
		}
		r.health.RecordSuccess(accountID, b.ID)
		for _, p := range positions {
			p.BindingID = b.ID
			out = append(out, p)
		}
	}
	if len(errs) > 0 {
		r.elect(accountID)
		return nil, fmt.Errorf("failed to get open positions for %s: %w", accountID, errors.Join(errs...))
	}
	return out, nil
}

// Price quotes symbol through the first binding of the account that can.
func (r *Router) Price(ctx context.Context, accountID, symbol string) (float64, error) {
	for _, b := range r.bindings(accountID) {
		if ps, ok := b.Client.(PriceSource); ok {
			return ps.Price(ctx, symbol)
		}
	}
	return 0, fmt.Errorf("%w: no price source for %s", ErrNoRoute, accountID)
}

// Routable reports whether new orders can be routed for the account.
func (r *Router) Routable(accountID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.accounts[accountID]
	return ok && route.primary != ""
}

// Primary returns the current primary binding id.
func (r *Router) Primary(accountID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if route, ok := r.accounts[accountID]; ok {
		return route.primary
	}
	return ""
}

// Status lists the account's bindings for the operator surface.
func (r *Router) Status(accountID string) []BindingStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.accounts[accountID]
	if !ok {
		return nil
	}
	out := make([]BindingStatus, 0, len(route.bindings))
	for _, b := range route.bindings {
		out = append(out, BindingStatus{
			ID:       b.ID,
			Kind:     b.Kind,
			Priority: b.Priority,
			Primary:  b.ID == route.primary,
			ExitOnly: b.exitOnly,
			Healthy:  r.health.Healthy(accountID, b.ID),
		})
	}
	return out
}

// Health exposes the shared tracker.
func (r *Router) Health() *HealthTracker { return r.health }

func (r *Router) bindings(accountID string) []Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.accounts[accountID]
	if !ok {
		return nil
	}
	out := make([]Binding, 0, len(route.bindings))
	for _, b := range route.bindings {
		out = append(out, b.Binding)
	}
	return out
}

func (r *Router) binding(accountID, bindingID string) (Binding, bool) {
	for _, b := range r.bindings(accountID) {
		if b.ID == bindingID {
			return b, true
		}
	}
	return Binding{}, false
}

// clientOrderID stays within the 36 character limit exchanges commonly enforce.
func clientOrderID(seq uint64) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("ct%s%06d", id[:20], seq%1000000)
}

func simulateFill(req OrderRequest) (*OrderResult, error) {
	if req.PriceHint <= 0 {
		return nil, fmt.Errorf("%w: dry-run order for %s has no price", ErrInvalidOrder, req.Symbol)
	}
	return &OrderResult{
		OrderID:       "dry-" + req.ClientOrderID,
		ClientOrderID: req.ClientOrderID,
		BindingID:     req.BindingID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		FilledQty:     req.Quantity,
		AvgPrice:      req.PriceHint,
		FilledAt:      time.Now(),
		Simulated:     true,
	}, nil
}

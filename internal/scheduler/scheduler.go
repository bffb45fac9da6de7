// Package scheduler drives the periodic work: per-binding position ticks and
// reconciliation, and the platform cycle that refreshes balances and
// evaluates the breakers.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"copy-trading-bot/internal/account"
	"copy-trading-bot/internal/broker"
	"copy-trading-bot/internal/circuit"
	"copy-trading-bot/internal/clock"
	"copy-trading-bot/internal/mode"
	"copy-trading-bot/internal/position"
	"copy-trading-bot/internal/risk"
)

// Config controls the loops.
type Config struct {
	TickInterval     time.Duration
	PlatformInterval time.Duration
	// Stagger spreads worker start times across one tick interval.
	Stagger bool
	// ReconcileEvery runs orphan reconciliation every n ticks of a worker.
	ReconcileEvery int
}

func DefaultConfig() Config {
	return Config{
		TickInterval:     time.Minute,
		PlatformInterval: time.Minute,
		Stagger:          true,
		ReconcileEvery:   5,
	}
}

// Engine is the position work run per account.
type Engine interface {
	Tick(ctx context.Context, accountID string, m mode.Mode) (position.TickResult, error)
	ReconcileOrphans(ctx context.Context, accountID string) (position.ReconcileResult, error)
}

// Broker exposes the routing state the scheduler needs.
type Broker interface {
	Primary(accountID string) string
	Probe(ctx context.Context, accountID string) int
	RefreshStatus(ctx context.Context, accountID string)
	Health() *broker.HealthTracker
}

// ModeSource yields the operating mode snapshot for a tick.
type ModeSource interface {
	Current() mode.Mode
}

// PlatformReport summarises one platform cycle.
type PlatformReport struct {
	SnapshotVersion int64
	Accounts        int
	LosingAccounts  int
	Halted          []string
	Platform        circuit.State
	StillUnhealthy  int
}

// Scheduler owns the worker goroutines.
type Scheduler struct {
	cfg        Config
	registry   *account.Registry
	engine     Engine
	supervisor *risk.Supervisor
	broker     Broker
	modes      ModeSource
	clock      clock.Clock
	logger     zerolog.Logger

	mu         sync.Mutex
	locks      map[string]*sync.Mutex
	unrealized map[string]float64
	ticks      map[string]int

	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
}

func New(cfg Config, registry *account.Registry, engine Engine, supervisor *risk.Supervisor, b Broker, modes ModeSource, clk clock.Clock, logger zerolog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.ReconcileEvery <= 0 {
		cfg.ReconcileEvery = 1
	}
	return &Scheduler{
		cfg:        cfg,
		registry:   registry,
		engine:     engine,
		supervisor: supervisor,
		broker:     b,
		modes:      modes,
		clock:      clk,
		logger:     logger.With().Str("component", "scheduler").Logger(),
		locks:      make(map[string]*sync.Mutex),
		unrealized: make(map[string]float64),
		ticks:      make(map[string]int),
	}
}

func (s *Scheduler) accountLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Start launches one worker per account/binding pair and the platform loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	type pair struct{ accountID, bindingID string }
	var pairs []pair
	for _, a := range s.registry.Accounts() {
		for _, b := range a.Bindings {
			pairs = append(pairs, pair{a.ID, b})
		}
	}

	for i, p := range pairs {
		var delay time.Duration
		if s.cfg.Stagger && len(pairs) > 1 {
			delay = s.cfg.TickInterval * time.Duration(i) / time.Duration(len(pairs))
		}
		s.wg.Add(1)
		go s.runWorker(ctx, p.accountID, p.bindingID, delay)
	}

	s.wg.Add(1)
	go s.runPlatform(ctx)

	s.logger.Info().Int("workers", len(pairs)).Dur("tick_interval", s.cfg.TickInterval).
		Dur("platform_interval", s.cfg.PlatformInterval).Msg("Scheduler started")
	return nil
}

// Stop signals every worker and waits for in-flight ticks to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) runWorker(ctx context.Context, accountID, bindingID string, delay time.Duration) {
	defer s.wg.Done()

	if delay > 0 {
		sleepCtx, cancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-s.stopChan:
				cancel()
			case <-sleepCtx.Done():
			}
		}()
		err := s.clock.Sleep(sleepCtx, delay)
		cancel()
		if err != nil {
			return
		}
	}

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if s.ownsAccount(accountID, bindingID) {
			s.TickAccount(ctx, accountID)
		}
		select {
		case <-ticker.C:
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// ownsAccount reports whether this binding's worker ticks the account: the
// primary binding does, or the first declared binding when none is
// routable. Disabled accounts are not ticked.
func (s *Scheduler) ownsAccount(accountID, bindingID string) bool {
	acc, err := s.registry.Get(accountID)
	if err != nil || !acc.Enabled || len(acc.Bindings) == 0 {
		return false
	}
	if primary := s.broker.Primary(accountID); primary != "" {
		return primary == bindingID
	}
	return acc.Bindings[0] == bindingID
}

// TickAccount evaluates the account's positions under the account lock and
// reconciles every ReconcileEvery ticks.
func (s *Scheduler) TickAccount(ctx context.Context, accountID string) (position.TickResult, error) {
	l := s.accountLock(accountID)
	l.Lock()
	defer l.Unlock()

	m := s.modes.Current()
	logger := s.logger.With().Str("account", accountID).Int64("mode_version", m.Version).Logger()

	res, err := s.engine.Tick(ctx, accountID, m)
	if err != nil {
		logger.Error().Err(err).Msg("Tick failed")
		return res, err
	}

	s.mu.Lock()
	s.unrealized[accountID] = res.UnrealizedPnL
	s.ticks[accountID]++
	reconcile := s.ticks[accountID]%s.cfg.ReconcileEvery == 0
	s.mu.Unlock()

	if res.Exits > 0 || res.Failed > 0 {
		logger.Info().Int("evaluated", res.Evaluated).Int("exits", res.Exits).Int("failed", res.Failed).Msg("Tick completed")
	}

	if reconcile {
		rec, err := s.engine.ReconcileOrphans(ctx, accountID)
		if err != nil {
			logger.Warn().Err(err).Msg("Reconciliation failed")
		} else if rec.Imported > 0 || rec.ClosedExternally > 0 || rec.StaleOpenings > 0 {
			logger.Warn().Int("imported", rec.Imported).Int("closed_externally", rec.ClosedExternally).
				Int("stale_openings", rec.StaleOpenings).Msg("Reconciliation adjusted positions")
		}
	}
	return res, nil
}

func (s *Scheduler) runPlatform(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PlatformInterval)
	defer ticker.Stop()

	for {
		if _, err := s.PlatformCycle(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Platform cycle failed")
		}
		select {
		case <-ticker.C:
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// PlatformCycle refreshes the balance snapshot once, evaluates every
// account and the platform breaker, and probes unhealthy bindings.
func (s *Scheduler) PlatformCycle(ctx context.Context) (PlatformReport, error) {
	var report PlatformReport

	snap, err := s.registry.RefreshAll(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to refresh balances: %w", err)
	}
	report.SnapshotVersion = snap.Version

	s.mu.Lock()
	unrealized := make(map[string]float64, len(s.unrealized))
	for k, v := range s.unrealized {
		unrealized[k] = v
	}
	s.mu.Unlock()

	for _, a := range s.registry.Accounts() {
		if !a.Enabled {
			continue
		}
		bal, ok := snap.Balance(a.ID)
		if !ok {
			continue
		}
		if _, stale := snap.Stale[a.ID]; stale {
			continue
		}
		report.Accounts++
		metrics := risk.AccountMetrics{
			AccountID:     a.ID,
			Balance:       bal,
			DayStart:      snap.DayStart[a.ID],
			Peak:          snap.Peak[a.ID],
			UnrealizedPnL: unrealized[a.ID],
		}
		if metrics.Balance+metrics.UnrealizedPnL < metrics.DayStart {
			report.LosingAccounts++
		}
		ar, err := s.supervisor.EvaluateAccount(metrics)
		if err != nil {
			s.logger.Warn().Err(err).Str("account", a.ID).Msg("Account evaluation failed")
			continue
		}
		if ar.State == circuit.StateHalted {
			report.Halted = append(report.Halted, a.ID)
		}
	}

	health := s.broker.Health()
	attempts, failures := health.WindowStats()
	health.ResetWindow()
	report.Platform = s.supervisor.EvaluatePlatform(risk.PlatformMetrics{
		Accounts:       report.Accounts,
		LosingAccounts: report.LosingAccounts,
		BrokerAttempts: attempts,
		BrokerFailures: failures,
	})

	for _, a := range s.registry.Accounts() {
		s.broker.RefreshStatus(ctx, a.ID)
		report.StillUnhealthy += s.broker.Probe(ctx, a.ID)
	}
	if s.supervisor.OnHealthProbe(report.StillUnhealthy == 0 && !health.AnyUnhealthy()) {
		s.logger.Info().Msg("Connectivity halt cleared by health probe")
		report.Platform = s.supervisor.PlatformState().State
	}

	s.logger.Debug().Int64("snapshot", report.SnapshotVersion).Int("accounts", report.Accounts).
		Int("losing", report.LosingAccounts).Str("platform", string(report.Platform)).Msg("Platform cycle completed")
	return report, nil
}

// CycleReport is the result of RunCycle.
type CycleReport struct {
	Platform PlatformReport
	Ticks    map[string]position.TickResult
}

// RunCycle runs one platform cycle and then ticks every enabled account
// synchronously.
func (s *Scheduler) RunCycle(ctx context.Context) (CycleReport, error) {
	report := CycleReport{Ticks: make(map[string]position.TickResult)}

	pr, err := s.PlatformCycle(ctx)
	if err != nil {
		return report, err
	}
	report.Platform = pr

	for _, a := range s.registry.Accounts() {
		if !a.Enabled {
			continue
		}
		res, err := s.TickAccount(ctx, a.ID)
		if err != nil {
			return report, err
		}
		report.Ticks[a.ID] = res
	}
	return report, nil
}

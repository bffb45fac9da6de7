// Package bot assembles the copy-trading core from configuration and runs
// its loops.
package bot

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"copy-trading-bot/config"
	"copy-trading-bot/internal/account"
	"copy-trading-bot/internal/api"
	"copy-trading-bot/internal/auth"
	"copy-trading-bot/internal/binance"
	"copy-trading-bot/internal/broker"
	"copy-trading-bot/internal/cache"
	"copy-trading-bot/internal/clock"
	"copy-trading-bot/internal/copytrade"
	"copy-trading-bot/internal/database"
	"copy-trading-bot/internal/events"
	"copy-trading-bot/internal/ledger"
	"copy-trading-bot/internal/mode"
	"copy-trading-bot/internal/position"
	"copy-trading-bot/internal/risk"
	"copy-trading-bot/internal/scheduler"
	"copy-trading-bot/internal/vault"
)

// reconcileEvery runs orphan reconciliation every fifth tick of an account.
const reconcileEvery = 5

// TradingBot owns every component of the copy-trading core.
type TradingBot struct {
	config   *config.Config
	logger   zerolog.Logger
	clock    clock.Clock
	eventBus *events.EventBus

	vault      *vault.Client
	factory    *binance.ClientFactory
	router     *broker.Router
	health     *broker.HealthTracker
	symbols    *broker.SymbolBook
	modes      *mode.Store
	registry   *account.Registry
	supervisor *risk.Supervisor
	engine     *position.Engine
	copier     *copytrade.Copier
	ledger     ledger.Ledger
	scheduler  *scheduler.Scheduler

	db    *database.DB
	cache *cache.CacheService
}

// NewTradingBot connects the stores and builds one broker client per
// configured binding.
func NewTradingBot(ctx context.Context, cfg *config.Config, eventBus *events.EventBus, clk clock.Clock, logger zerolog.Logger) (*TradingBot, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	if eventBus == nil {
		eventBus = events.NewEventBus()
	}
	b := &TradingBot{
		config:   cfg,
		logger:   logger.With().Str("component", "bot").Logger(),
		clock:    clk,
		eventBus: eventBus,
	}

	if err := b.connectStores(ctx); err != nil {
		b.Close()
		return nil, err
	}

	vc, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	b.vault = vc

	b.health = broker.NewHealthTracker(cfg.BrokerConfig.HealthThreshold, logger)
	b.router = broker.NewRouter(broker.NewRetrier(cfg.BrokerConfig.Retry, clk, logger), b.health, logger)
	b.factory = binance.NewClientFactory(vc, binance.FactoryConfig{
		RequestsPerSecond: cfg.BrokerConfig.RequestsPerSecond,
		Burst:             cfg.BrokerConfig.Burst,
		TakerFeeRate:      cfg.BrokerConfig.TakerFeeRate,
		Timeout:           cfg.BrokerConfig.RequestTimeout,
	}, logger)
	if err := b.registerBindings(ctx); err != nil {
		b.Close()
		return nil, err
	}
	b.symbols = broker.NewSymbolBook(cfg.BrokerConfig.Symbols)

	tiers, err := account.NewTierTable(cfg.Tiers)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("invalid risk tiers: %w", err)
	}
	b.registry, err = account.NewRegistry(cfg.AccountList(), tiers, b.router, clk, logger)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to build account registry: %w", err)
	}
	b.health.SetListener(healthRelay{registry: b.registry, bus: eventBus})
	if b.cache != nil {
		b.registry.SetPublisher(cache.NewSnapshotPublisher(b.cache))
	}

	b.modes = mode.NewStore(mode.Mode{
		TradingEnabled: cfg.ModeConfig.TradingEnabled,
		DryRun:         cfg.ModeConfig.DryRun,
		UpdatedBy:      "config",
	})

	b.supervisor = risk.NewSupervisor(cfg.RiskConfig, b.registry, clk, logger)
	b.supervisor.SetEventBus(eventBus)
	b.supervisor.SetStore(cache.NewBreakerStore(b.cache, logger))

	var store position.Store = position.NewMemoryStore()
	b.ledger = ledger.NewMemoryLedger()
	if b.db != nil {
		store = database.NewPositionRepository(b.db)
		b.ledger = database.NewLedgerRepository(b.db)
		b.supervisor.SetRecorder(database.NewTransitionRepository(b.db))
	}

	b.engine = position.NewEngine(store, b.router, b.supervisor, b.symbols,
		position.Evaluator{Policy: cfg.LifecycleConfig, Orphan: cfg.OrphanConfig}, clk, logger)
	b.engine.SetLedger(b.ledger)
	b.engine.SetEventBus(eventBus)

	signals := copytrade.NewSignalBook(cfg.CopyConfig.SignalTTL, clk)
	b.engine.SetSignals(signals)
	b.copier = copytrade.NewCopier(cfg.CopyConfig, b.registry, b.engine, b.ledger, b.symbols, signals, b.modes, logger)
	b.copier.SetEventBus(eventBus)
	b.engine.OnExit(b.copier.OnEngineExit)

	b.wireEvents()

	b.scheduler = scheduler.New(scheduler.Config{
		TickInterval:     cfg.SchedulerConfig.TickInterval,
		PlatformInterval: cfg.SchedulerConfig.PlatformInterval,
		Stagger:          cfg.SchedulerConfig.Stagger,
		ReconcileEvery:   reconcileEvery,
	}, b.registry, b.engine, b.supervisor, b.router, b.modes, clk, logger)

	return b, nil
}

func (b *TradingBot) connectStores(ctx context.Context) error {
	if b.config.DatabaseConfig.Enabled {
		db, err := database.NewDB(b.config.DatabaseConfig, b.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		b.db = db
		if err := db.RunMigrations(ctx); err != nil {
			return err
		}
	} else {
		b.logger.Warn().Msg("Database disabled, positions and ledger are kept in memory")
	}

	if b.config.RedisConfig.Enabled {
		cs, err := cache.NewCacheService(b.config.RedisConfig, b.logger)
		if err != nil {
			return fmt.Errorf("failed to create cache: %w", err)
		}
		b.cache = cs
	}
	return nil
}

// registerBindings builds a client per binding. Live bindings without Vault
// read their keys from BINANCE_API_KEY_<ACCOUNT>_<BINDING> and
// BINANCE_SECRET_KEY_<ACCOUNT>_<BINDING>, falling back to BINANCE_API_KEY and
// BINANCE_SECRET_KEY.
func (b *TradingBot) registerBindings(ctx context.Context) error {
	for _, a := range b.config.Accounts {
		for _, bc := range a.BindingSpecs {
			kind, err := broker.ParseKind(bc.Kind)
			if err != nil {
				return fmt.Errorf("binding %s/%s: %w", a.ID, bc.ID, err)
			}
			if kind == broker.KindBinanceFutures && !b.vault.IsEnabled() {
				if err := b.seedEnvCredentials(ctx, a.ID, bc); err != nil {
					return err
				}
			}

			client, err := b.factory.ClientFor(ctx, binance.BindingSpec{
				AccountID:      a.ID,
				BindingID:      bc.ID,
				Kind:           kind,
				Testnet:        bc.Testnet,
				BaseURL:        bc.BaseURL,
				InitialBalance: bc.InitialBalance,
			})
			if err != nil {
				return fmt.Errorf("failed to create client for %s/%s: %w", a.ID, bc.ID, err)
			}
			if err := b.router.Register(broker.Binding{
				ID:        bc.ID,
				AccountID: a.ID,
				Kind:      kind,
				Priority:  bc.Priority,
				Client:    client,
			}); err != nil {
				return fmt.Errorf("failed to register binding %s/%s: %w", a.ID, bc.ID, err)
			}
			b.logger.Info().Str("account", a.ID).Str("binding", bc.ID).Str("kind", string(kind)).
				Int("priority", bc.Priority).Msg("Binding registered")
		}
	}
	return nil
}

func (b *TradingBot) seedEnvCredentials(ctx context.Context, accountID string, bc config.BindingConfig) error {
	suffix := envSuffix(accountID) + "_" + envSuffix(bc.ID)
	apiKey := firstEnv("BINANCE_API_KEY_"+suffix, "BINANCE_API_KEY")
	secret := firstEnv("BINANCE_SECRET_KEY_"+suffix, "BINANCE_SECRET_KEY")
	if apiKey == "" || secret == "" {
		return fmt.Errorf("no credentials for %s/%s: vault is disabled and BINANCE_API_KEY_%s is not set", accountID, bc.ID, suffix)
	}
	return b.vault.StoreCredentials(ctx, vault.Credentials{
		AccountID: accountID,
		BindingID: bc.ID,
		Exchange:  "binance",
		APIKey:    apiKey,
		SecretKey: secret,
		IsTestnet: bc.Testnet,
	})
}

func envSuffix(s string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(s))
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// healthRelay hands binding health changes to the registry and announces
// them on the event bus.
type healthRelay struct {
	registry broker.HealthListener
	bus      events.Publisher
}

func (r healthRelay) MarkUnhealthy(accountID, bindingID, reason string) {
	r.registry.MarkUnhealthy(accountID, bindingID, reason)
	r.bus.Publish(events.Event{
		Type: events.EventBindingHealth,
		Data: map[string]interface{}{
			"account_id": accountID,
			"binding_id": bindingID,
			"healthy":    false,
			"reason":     reason,
		},
	})
}

func (r healthRelay) MarkHealthy(accountID, bindingID string) {
	r.registry.MarkHealthy(accountID, bindingID)
	r.bus.Publish(events.Event{
		Type: events.EventBindingHealth,
		Data: map[string]interface{}{
			"account_id": accountID,
			"binding_id": bindingID,
			"healthy":    true,
		},
	})
}

// wireEvents connects the cross-component hooks.
func (b *TradingBot) wireEvents() {
	b.supervisor.OnEmergencyStop(func(reason string) {
		n, err := b.engine.ForceExitAll(context.Background(), reason)
		if err != nil {
			b.logger.Error().Err(err).Msg("Failed to queue forced exits")
			b.eventBus.PublishError("emergency_stop", err.Error())
			return
		}
		b.logger.Warn().Int("positions", n).Msg("Forced exits queued")
	})

	b.router.OnFailover(func(accountID, from, to string) {
		b.logger.Warn().Str("account", accountID).Str("from", from).Str("to", to).Msg("Broker failover")
		b.eventBus.Publish(events.Event{
			Type: events.EventFailover,
			Data: map[string]interface{}{"account_id": accountID, "from": from, "to": to},
		})
	})

	b.modes.OnChange(func(m mode.Mode) {
		b.eventBus.Publish(events.Event{
			Type: events.EventModeChanged,
			Data: map[string]interface{}{
				"version":         m.Version,
				"trading_enabled": m.TradingEnabled,
				"dry_run":         m.DryRun,
				"updated_by":      m.UpdatedBy,
			},
		})
	})
}

// Start restores breaker state, takes the first balance snapshot and starts
// the scheduler.
func (b *TradingBot) Start(ctx context.Context) error {
	if err := b.supervisor.Restore(ctx); err != nil {
		b.logger.Warn().Err(err).Msg("Failed to restore breaker state, starting from NORMAL")
		b.eventBus.PublishError("breaker_restore", err.Error())
	}
	if _, err := b.registry.RefreshAll(ctx); err != nil {
		b.logger.Warn().Err(err).Msg("Initial balance refresh failed")
	}

	m := b.modes.Current()
	b.logger.Info().
		Int("accounts", len(b.registry.Accounts())).
		Bool("trading_enabled", m.TradingEnabled).
		Bool("dry_run", m.DryRun).
		Str("platform", string(b.supervisor.PlatformState().State)).
		Msg("Trading bot started")

	return b.scheduler.Start(ctx)
}

// Stop stops the scheduler and waits for in-flight ticks.
func (b *TradingBot) Stop() {
	b.scheduler.Stop()
	b.logger.Info().Msg("Trading bot stopped")
}

// Close releases the store connections.
func (b *TradingBot) Close() {
	if b.cache != nil {
		if err := b.cache.Close(); err != nil {
			b.logger.Warn().Err(err).Msg("Failed to close cache")
		}
	}
	if b.db != nil {
		b.db.Close()
	}
}

// RunCycle runs one platform cycle and one tick per account.
func (b *TradingBot) RunCycle(ctx context.Context) (scheduler.CycleReport, error) {
	if err := b.supervisor.Restore(ctx); err != nil {
		b.logger.Warn().Err(err).Msg("Failed to restore breaker state")
	}
	return b.scheduler.RunCycle(ctx)
}

// APIDeps exposes the components the HTTP API serves.
func (b *TradingBot) APIDeps(authService *auth.Service) api.Deps {
	checks := map[string]api.HealthCheck{}
	if b.db != nil {
		checks["database"] = b.db.HealthCheck
	}
	if b.cache != nil {
		checks["redis"] = b.cache.Health
	}
	if b.vault.IsEnabled() {
		checks["vault"] = b.vault.Health
	}
	return api.Deps{
		Registry:   b.registry,
		Supervisor: b.supervisor,
		Positions:  b.engine,
		Ledger:     b.ledger,
		Copier:     b.copier,
		Modes:      b.modes,
		Bindings:   b.router,
		EventBus:   b.eventBus,
		Auth:       authService,
		Checks:     checks,
	}
}

// Copier returns the copy engine.
func (b *TradingBot) Copier() *copytrade.Copier { return b.copier }

// Supervisor returns the risk supervisor.
func (b *TradingBot) Supervisor() *risk.Supervisor { return b.supervisor }

// Engine returns the position engine.
func (b *TradingBot) Engine() *position.Engine { return b.engine }

// Modes returns the trading mode store.
func (b *TradingBot) Modes() *mode.Store { return b.modes }

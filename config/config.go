package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"copy-trading-bot/internal/account"
	"copy-trading-bot/internal/broker"
	"copy-trading-bot/internal/copytrade"
	"copy-trading-bot/internal/logging"
	"copy-trading-bot/internal/position"
	"copy-trading-bot/internal/risk"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	LoggingConfig   logging.Config        `json:"logging" yaml:"logging"`
	ServerConfig    ServerConfig          `json:"server" yaml:"server"`
	AuthConfig      AuthConfig            `json:"auth" yaml:"auth"`
	VaultConfig     VaultConfig           `json:"vault" yaml:"vault"`
	DatabaseConfig  DatabaseConfig        `json:"database" yaml:"database"`
	RedisConfig     RedisConfig           `json:"redis" yaml:"redis"`
	BrokerConfig    BrokerConfig          `json:"broker" yaml:"broker"`
	Tiers           []account.RiskTier    `json:"tiers" yaml:"tiers"`
	LifecycleConfig position.Policy       `json:"lifecycle" yaml:"lifecycle"`
	OrphanConfig    position.OrphanPolicy `json:"orphan" yaml:"orphan"`
	CopyConfig      copytrade.Config      `json:"copy" yaml:"copy"`
	RiskConfig      risk.Config           `json:"risk" yaml:"risk"`
	SchedulerConfig SchedulerConfig       `json:"scheduler" yaml:"scheduler"`
	ModeConfig      ModeConfig            `json:"mode" yaml:"mode"`
	Accounts        []AccountConfig       `json:"accounts" yaml:"accounts"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int    `json:"port" yaml:"port"`
	Host            string `json:"host" yaml:"host"`
	AllowedOrigins  string `json:"allowed_origins" yaml:"allowed_origins"` // CORS allowed origins, comma separated
	ReadTimeout     int    `json:"read_timeout" yaml:"read_timeout"`       // Seconds
	WriteTimeout    int    `json:"write_timeout" yaml:"write_timeout"`     // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// AuthConfig holds operator authentication configuration
type AuthConfig struct {
	Enabled             bool          `json:"enabled" yaml:"enabled"`
	JWTSecret           string        `json:"jwt_secret" yaml:"jwt_secret"`
	AccessTokenDuration time.Duration `json:"access_token_duration" yaml:"access_token_duration"`
	OperatorUsername    string        `json:"operator_username" yaml:"operator_username"`
	// OperatorPasswordHash is a bcrypt hash.
	OperatorPasswordHash string `json:"operator_password_hash" yaml:"operator_password_hash"`
	// StrategyToken authenticates the strategy process posting decisions.
	StrategyToken string `json:"strategy_token" yaml:"strategy_token"`
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Address    string `json:"address" yaml:"address"`
	Token      string `json:"token" yaml:"token"`
	MountPath  string `json:"mount_path" yaml:"mount_path"`   // KV secrets engine mount path
	SecretPath string `json:"secret_path" yaml:"secret_path"` // Path prefix for exchange credentials
	TLSEnabled bool   `json:"tls_enabled" yaml:"tls_enabled"`
	CACert     string `json:"ca_cert" yaml:"ca_cert"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	Database string `json:"database" yaml:"database"`
	SSLMode  string `json:"ssl_mode" yaml:"ssl_mode"`
}

// RedisConfig holds Redis configuration for breaker state and balance snapshots
type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	PoolSize int    `json:"pool_size" yaml:"pool_size"`
	// KeyPrefix namespaces every key this process writes.
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// BrokerConfig holds exchange connectivity settings
type BrokerConfig struct {
	Retry             broker.RetryConfig   `json:"retry" yaml:"retry"`
	HealthThreshold   int                  `json:"health_threshold" yaml:"health_threshold"`
	RequestsPerSecond float64              `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int                  `json:"burst" yaml:"burst"`
	TakerFeeRate      float64              `json:"taker_fee_rate" yaml:"taker_fee_rate"`
	RequestTimeout    time.Duration        `json:"request_timeout" yaml:"request_timeout"`
	Symbols           []broker.SymbolRules `json:"symbols" yaml:"symbols"`
}

// SchedulerConfig controls the evaluation loops
type SchedulerConfig struct {
	TickInterval     time.Duration `json:"tick_interval" yaml:"tick_interval"`
	PlatformInterval time.Duration `json:"platform_interval" yaml:"platform_interval"`
	// Stagger spreads worker start times across the tick interval.
	Stagger bool `json:"stagger" yaml:"stagger"`
}

// ModeConfig is the operating mode at startup
type ModeConfig struct {
	TradingEnabled bool `json:"trading_enabled" yaml:"trading_enabled"`
	DryRun         bool `json:"dry_run" yaml:"dry_run"`
}

// AccountConfig declares one trading account and its exchange bindings
type AccountConfig struct {
	account.Account `json:",inline" yaml:",inline"`
	BindingSpecs    []BindingConfig `json:"binding_specs" yaml:"binding_specs"`
}

// BindingConfig declares one exchange binding of an account
type BindingConfig struct {
	ID             string  `json:"id" yaml:"id"`
	Kind           string  `json:"kind" yaml:"kind"` // BINANCE_FUTURES or PAPER
	Priority       int     `json:"priority" yaml:"priority"`
	Testnet        bool    `json:"testnet" yaml:"testnet"`
	BaseURL        string  `json:"base_url" yaml:"base_url"`
	InitialBalance float64 `json:"initial_balance" yaml:"initial_balance"` // paper bindings only
}

// Default returns a configuration with every section at its default.
func Default() *Config {
	return &Config{
		LoggingConfig: logging.Config{Level: "INFO", Output: "stdout", JSONFormat: true},
		ServerConfig: ServerConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			AllowedOrigins:  "*",
			ReadTimeout:     30,
			WriteTimeout:    30,
			ShutdownTimeout: 10,
		},
		AuthConfig: AuthConfig{
			AccessTokenDuration: 15 * time.Minute,
			OperatorUsername:    "operator",
		},
		VaultConfig: VaultConfig{
			Address:    "http://localhost:8200",
			MountPath:  "secret",
			SecretPath: "copy-trading/credentials",
		},
		DatabaseConfig: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "copytrader",
			Database: "copytrading",
			SSLMode:  "disable",
		},
		RedisConfig: RedisConfig{
			Address:   "localhost:6379",
			PoolSize:  10,
			KeyPrefix: "copytrade:",
		},
		BrokerConfig: BrokerConfig{
			Retry:             broker.DefaultRetryConfig(),
			HealthThreshold:   3,
			RequestsPerSecond: 10,
			Burst:             20,
			TakerFeeRate:      0.0004,
			RequestTimeout:    10 * time.Second,
		},
		Tiers:           account.DefaultTiers(),
		LifecycleConfig: position.DefaultPolicy(),
		OrphanConfig:    position.DefaultOrphanPolicy(),
		CopyConfig:      copytrade.DefaultConfig(),
		RiskConfig:      risk.DefaultConfig(),
		SchedulerConfig: SchedulerConfig{
			TickInterval:     time.Minute,
			PlatformInterval: time.Minute,
			Stagger:          true,
		},
		ModeConfig: ModeConfig{TradingEnabled: true},
	}
}

// Load reads the configuration file at path (JSON or YAML by extension) on
// top of the defaults, then applies environment overrides and validates the
// result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(filename string, cfg *Config) error {
	file, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(file, cfg)
	default:
		err = json.Unmarshal(file, cfg)
	}
	if err != nil {
		return fmt.Errorf("error parsing config file: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Exchange credentials are never read from the environment; they live in Vault.
func applyEnvOverrides(cfg *Config) {
	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)
	cfg.LoggingConfig.IncludeFile = getEnvBoolOrDefault("LOG_INCLUDE_FILE", cfg.LoggingConfig.IncludeFile)

	// Server config
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", cfg.ServerConfig.ReadTimeout)
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", cfg.ServerConfig.WriteTimeout)
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", cfg.ServerConfig.ShutdownTimeout)

	// Auth config
	cfg.AuthConfig.Enabled = getEnvBoolOrDefault("AUTH_ENABLED", cfg.AuthConfig.Enabled)
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.AccessTokenDuration = getEnvDurationOrDefault("AUTH_ACCESS_TOKEN_DURATION", cfg.AuthConfig.AccessTokenDuration)
	cfg.AuthConfig.OperatorUsername = getEnvOrDefault("AUTH_OPERATOR_USERNAME", cfg.AuthConfig.OperatorUsername)
	cfg.AuthConfig.OperatorPasswordHash = getEnvOrDefault("AUTH_OPERATOR_PASSWORD_HASH", cfg.AuthConfig.OperatorPasswordHash)
	cfg.AuthConfig.StrategyToken = getEnvOrDefault("AUTH_STRATEGY_TOKEN", cfg.AuthConfig.StrategyToken)

	// Vault config
	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)
	cfg.VaultConfig.TLSEnabled = getEnvBoolOrDefault("VAULT_TLS_ENABLED", cfg.VaultConfig.TLSEnabled)
	cfg.VaultConfig.CACert = getEnvOrDefault("VAULT_CACERT", cfg.VaultConfig.CACert)

	// Database config
	cfg.DatabaseConfig.Enabled = getEnvBoolOrDefault("DB_ENABLED", cfg.DatabaseConfig.Enabled)
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	// Redis config
	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", cfg.RedisConfig.PoolSize)

	// Broker config
	cfg.BrokerConfig.HealthThreshold = getEnvIntOrDefault("BROKER_HEALTH_THRESHOLD", cfg.BrokerConfig.HealthThreshold)
	cfg.BrokerConfig.RequestsPerSecond = getEnvFloatOrDefault("BROKER_REQUESTS_PER_SECOND", cfg.BrokerConfig.RequestsPerSecond)
	cfg.BrokerConfig.TakerFeeRate = getEnvFloatOrDefault("BROKER_TAKER_FEE_RATE", cfg.BrokerConfig.TakerFeeRate)
	cfg.BrokerConfig.RequestTimeout = getEnvDurationOrDefault("BROKER_REQUEST_TIMEOUT", cfg.BrokerConfig.RequestTimeout)

	// Copy config
	cfg.CopyConfig.MaxScaleFactor = getEnvFloatOrDefault("COPY_MAX_SCALE_FACTOR", cfg.CopyConfig.MaxScaleFactor)
	cfg.CopyConfig.MaxConcurrency = getEnvIntOrDefault("COPY_MAX_CONCURRENCY", cfg.CopyConfig.MaxConcurrency)
	cfg.CopyConfig.FollowerTimeout = getEnvDurationOrDefault("COPY_FOLLOWER_TIMEOUT", cfg.CopyConfig.FollowerTimeout)

	// Scheduler config
	cfg.SchedulerConfig.TickInterval = getEnvDurationOrDefault("SCHEDULER_TICK_INTERVAL", cfg.SchedulerConfig.TickInterval)
	cfg.SchedulerConfig.PlatformInterval = getEnvDurationOrDefault("SCHEDULER_PLATFORM_INTERVAL", cfg.SchedulerConfig.PlatformInterval)

	// Mode config
	cfg.ModeConfig.TradingEnabled = getEnvBoolOrDefault("TRADING_ENABLED", cfg.ModeConfig.TradingEnabled)
	cfg.ModeConfig.DryRun = getEnvBoolOrDefault("TRADING_DRY_RUN", cfg.ModeConfig.DryRun)
}

// Validate checks the cross-section constraints the engine relies on.
func (c *Config) Validate() error {
	if c.ServerConfig.Port <= 0 || c.ServerConfig.Port > 65535 {
		return fmt.Errorf("%w: server port %d out of range", ErrInvalidConfig, c.ServerConfig.Port)
	}
	if c.AuthConfig.Enabled && c.AuthConfig.JWTSecret == "" {
		return fmt.Errorf("%w: auth enabled without a jwt secret", ErrInvalidConfig)
	}
	if _, err := account.NewTierTable(c.Tiers); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.LifecycleConfig.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.CopyConfig.MaxScaleFactor <= 0 {
		return fmt.Errorf("%w: copy max_scale_factor must be positive", ErrInvalidConfig)
	}
	if c.CopyConfig.TierUtilization <= 0 || c.CopyConfig.TierUtilization > 1 {
		return fmt.Errorf("%w: copy tier_utilization must be in (0, 1]", ErrInvalidConfig)
	}
	if c.SchedulerConfig.TickInterval <= 0 || c.SchedulerConfig.PlatformInterval <= 0 {
		return fmt.Errorf("%w: scheduler intervals must be positive", ErrInvalidConfig)
	}

	ids := make(map[string]account.Role, len(c.Accounts))
	for _, a := range c.Accounts {
		if a.ID == "" {
			return fmt.Errorf("%w: account without id", ErrInvalidConfig)
		}
		if _, dup := ids[a.ID]; dup {
			return fmt.Errorf("%w: duplicate account %s", ErrInvalidConfig, a.ID)
		}
		ids[a.ID] = a.Role
		for _, b := range a.BindingSpecs {
			if _, err := broker.ParseKind(b.Kind); err != nil {
				return fmt.Errorf("%w: account %s binding %s: %v", ErrInvalidConfig, a.ID, b.ID, err)
			}
		}
	}
	for _, a := range c.Accounts {
		if a.Role != account.RoleFollower {
			continue
		}
		if role, ok := ids[a.MasterID]; !ok || role != account.RoleMaster {
			return fmt.Errorf("%w: follower %s references unknown master %q", ErrInvalidConfig, a.ID, a.MasterID)
		}
	}
	return nil
}

// Address returns the HTTP listen address.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Origins splits AllowedOrigins into a list.
func (s ServerConfig) Origins() []string {
	var out []string
	for _, o := range strings.Split(s.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// DSN builds the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// AccountList returns the declared accounts with their binding ids filled in
// from the binding specs.
func (c *Config) AccountList() []account.Account {
	out := make([]account.Account, 0, len(c.Accounts))
	for _, a := range c.Accounts {
		acc := a.Account
		if len(acc.Bindings) == 0 {
			for _, b := range a.BindingSpecs {
				acc.Bindings = append(acc.Bindings, b.ID)
			}
		}
		out = append(out, acc)
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

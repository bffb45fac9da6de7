package risk

import "time"

// PositionConfig drives the per-position breaker.
type PositionConfig struct {
	WarnLossPct    float64       `json:"warn_loss_pct" yaml:"warn_loss_pct"`
	HaltLossPct    float64       `json:"halt_loss_pct" yaml:"halt_loss_pct"`
	AdverseMovePct float64       `json:"adverse_move_pct" yaml:"adverse_move_pct"`
	AdverseWindow  time.Duration `json:"adverse_window" yaml:"adverse_window"`
	// Stop distances (percent of current price) applied on WARNING and HALTED.
	WarnStopPct float64       `json:"warn_stop_pct" yaml:"warn_stop_pct"`
	HaltStopPct float64       `json:"halt_stop_pct" yaml:"halt_stop_pct"`
	Cooldown    time.Duration `json:"cooldown" yaml:"cooldown"`
}

// AccountConfig drives the per-account breaker.
type AccountConfig struct {
	// WarnFraction of a tier limit raises WARNING.
	WarnFraction float64       `json:"warn_fraction" yaml:"warn_fraction"`
	HaltDuration time.Duration `json:"halt_duration" yaml:"halt_duration"`
}

// PlatformConfig drives the platform breaker.
type PlatformConfig struct {
	LosingWarnFraction float64       `json:"losing_warn_fraction" yaml:"losing_warn_fraction"`
	LosingHaltFraction float64       `json:"losing_halt_fraction" yaml:"losing_halt_fraction"`
	FailureWarnRate    float64       `json:"failure_warn_rate" yaml:"failure_warn_rate"`
	FailureHaltRate    float64       `json:"failure_halt_rate" yaml:"failure_halt_rate"`
	MinAccounts        int           `json:"min_accounts" yaml:"min_accounts"`
	MinAttempts        int           `json:"min_attempts" yaml:"min_attempts"`
	WarnCooldown       time.Duration `json:"warn_cooldown" yaml:"warn_cooldown"`
}

// Config holds risk supervisor configuration
type Config struct {
	Position PositionConfig `json:"position" yaml:"position"`
	Account  AccountConfig  `json:"account" yaml:"account"`
	Platform PlatformConfig `json:"platform" yaml:"platform"`
}

// DefaultConfig returns the default supervisor thresholds.
func DefaultConfig() Config {
	return Config{
		Position: PositionConfig{
			WarnLossPct:    2,
			HaltLossPct:    4,
			AdverseMovePct: 1.5,
			AdverseWindow:  5 * time.Minute,
			WarnStopPct:    1.0,
			HaltStopPct:    0.3,
			Cooldown:       10 * time.Minute,
		},
		Account: AccountConfig{
			WarnFraction: 0.8,
			HaltDuration: time.Hour,
		},
		Platform: PlatformConfig{
			LosingWarnFraction: 0.3,
			LosingHaltFraction: 0.5,
			FailureWarnRate:    0.2,
			FailureHaltRate:    0.5,
			MinAccounts:        2,
			MinAttempts:        10,
			WarnCooldown:       15 * time.Minute,
		},
	}
}

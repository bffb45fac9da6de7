package account

import (
	"fmt"
	"math"
	"sort"
)

// ConfidenceBand restricts which strategy confidences an account accepts.
type ConfidenceBand struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// Contains reports whether confidence lies within the band (inclusive).
func (b ConfidenceBand) Contains(confidence float64) bool {
	return confidence >= b.Min && confidence <= b.Max
}

// RiskTier is a balance-indexed risk profile. Tiers are immutable values.
type RiskTier struct {
	Name       string  `json:"name" yaml:"name"`
	MinBalance float64 `json:"min_balance" yaml:"min_balance"`
	// MaxBalance is exclusive; zero means unbounded.
	MaxBalance          float64         `json:"max_balance" yaml:"max_balance"`
	MaxPositionNotional float64         `json:"max_position_notional" yaml:"max_position_notional"`
	MaxPositionPct      float64         `json:"max_position_pct" yaml:"max_position_pct"`
	MaxOpenPositions    int             `json:"max_open_positions" yaml:"max_open_positions"`
	MaxDailyLossPct     float64         `json:"max_daily_loss_pct" yaml:"max_daily_loss_pct"`
	MaxDrawdownPct      float64         `json:"max_drawdown_pct" yaml:"max_drawdown_pct"`
	ConfidenceBand      *ConfidenceBand `json:"confidence_band,omitempty" yaml:"confidence_band,omitempty"`
}

// Covers reports whether balance falls in the tier's range.
func (t RiskTier) Covers(balance float64) bool {
	if balance < t.MinBalance {
		return false
	}
	return t.MaxBalance <= 0 || balance < t.MaxBalance
}

// Limits are the tier-derived bounds for one account at one balance.
type Limits struct {
	Tier                string  `json:"tier"`
	Balance             float64 `json:"balance"`
	MaxPositionNotional float64 `json:"max_position_notional"`
	MaxPositions        int     `json:"max_positions"`
	MaxDailyLossPct     float64 `json:"max_daily_loss_pct"`
	MaxDrawdownPct      float64 `json:"max_drawdown_pct"`
}

// LimitsFor derives limits at balance. The position cap is the tighter of
// the absolute cap and the percentage of balance.
func (t RiskTier) LimitsFor(balance float64) Limits {
	capNotional := t.MaxPositionNotional
	if t.MaxPositionPct > 0 {
		pctCap := balance * t.MaxPositionPct / 100
		if capNotional <= 0 {
			capNotional = pctCap
		} else {
			capNotional = math.Min(capNotional, pctCap)
		}
	}
	return Limits{
		Tier:                t.Name,
		Balance:             balance,
		MaxPositionNotional: math.Max(capNotional, 0),
		MaxPositions:        t.MaxOpenPositions,
		MaxDailyLossPct:     t.MaxDailyLossPct,
		MaxDrawdownPct:      t.MaxDrawdownPct,
	}
}

// TierTable is the ordered set of tiers.
type TierTable []RiskTier

// NewTierTable sorts and validates tiers: ranges must be contiguous from
// zero and only the last may be unbounded.
func NewTierTable(tiers []RiskTier) (TierTable, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("at least one risk tier is required")
	}
	t := make(TierTable, len(tiers))
	copy(t, tiers)
	sort.SliceStable(t, func(i, j int) bool { return t[i].MinBalance < t[j].MinBalance })

	if t[0].MinBalance != 0 {
		return nil, fmt.Errorf("lowest tier %s must start at balance 0", t[0].Name)
	}
	for i := range t {
		last := i == len(t)-1
		if !last && t[i].MaxBalance != t[i+1].MinBalance {
			return nil, fmt.Errorf("tier %s ends at %.2f but %s starts at %.2f",
				t[i].Name, t[i].MaxBalance, t[i+1].Name, t[i+1].MinBalance)
		}
		if last && t[i].MaxBalance != 0 {
			return nil, fmt.Errorf("highest tier %s must be unbounded", t[i].Name)
		}
		if t[i].MaxOpenPositions <= 0 {
			return nil, fmt.Errorf("tier %s must allow at least one position", t[i].Name)
		}
	}
	return t, nil
}

// Lookup returns the tier covering balance. Negative balances map to the
// smallest tier.
func (t TierTable) Lookup(balance float64) RiskTier {
	for _, tier := range t {
		if tier.Covers(balance) {
			return tier
		}
	}
	return t[0]
}

// Smallest reports whether tier is the lowest tier of the table.
func (t TierTable) Smallest(tier RiskTier) bool {
	return len(t) > 0 && t[0].Name == tier.Name
}

// DefaultTiers is the default tier table.
func DefaultTiers() []RiskTier {
	return []RiskTier{
		{
			Name: "micro", MinBalance: 0, MaxBalance: 500,
			MaxPositionNotional: 50, MaxPositionPct: 10, MaxOpenPositions: 2,
			MaxDailyLossPct: 3, MaxDrawdownPct: 8,
			ConfidenceBand: &ConfidenceBand{Min: 0.75, Max: 1.0},
		},
		{
			Name: "small", MinBalance: 500, MaxBalance: 5000,
			MaxPositionNotional: 500, MaxPositionPct: 15, MaxOpenPositions: 4,
			MaxDailyLossPct: 4, MaxDrawdownPct: 10,
		},
		{
			Name: "medium", MinBalance: 5000, MaxBalance: 50000,
			MaxPositionNotional: 5000, MaxPositionPct: 20, MaxOpenPositions: 6,
			MaxDailyLossPct: 5, MaxDrawdownPct: 12,
		},
		{
			Name: "large", MinBalance: 50000, MaxBalance: 0,
			MaxPositionNotional: 50000, MaxPositionPct: 25, MaxOpenPositions: 10,
			MaxDailyLossPct: 5, MaxDrawdownPct: 15,
		},
	}
}

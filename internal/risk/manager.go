package risk

import (
	"fmt"

	"copy-trading-bot/internal/circuit"
)

// AccountMetrics are one account's loss figures for the current cycle.
type AccountMetrics struct {
	AccountID string
	Balance   float64
	// DayStart and Peak come from the registry snapshot.
	DayStart      float64
	Peak          float64
	UnrealizedPnL float64
}

// AccountRisk is the evaluated view of one account.
type AccountRisk struct {
	DailyLossPct      float64
	UnrealizedLossPct float64
	DrawdownPct       float64
	State             circuit.State
}

// EvaluateAccount compares daily realized loss, aggregate unrealized loss
// and drawdown against the account's tier limits. HALTED blocks new orders
// for the configured halt duration; exits are unaffected.
func (s *Supervisor) EvaluateAccount(m AccountMetrics) (AccountRisk, error) {
	if s.limits == nil {
		return AccountRisk{State: circuit.StateNormal}, nil
	}
	limits, err := s.limits.GetLimits(m.AccountID)
	if err != nil {
		return AccountRisk{}, fmt.Errorf("failed to resolve limits for %s: %w", m.AccountID, err)
	}

	r := AccountRisk{}
	if m.DayStart > 0 && m.Balance < m.DayStart {
		r.DailyLossPct = (m.DayStart - m.Balance) / m.DayStart * 100
	}
	if m.Balance > 0 && m.UnrealizedPnL < 0 {
		r.UnrealizedLossPct = -m.UnrealizedPnL / m.Balance * 100
	}
	if equity := m.Balance + m.UnrealizedPnL; m.Peak > 0 && equity < m.Peak {
		r.DrawdownPct = (m.Peak - equity) / m.Peak * 100
	}

	level, metric, value, limit := circuit.StateNormal, "", 0.0, 0.0
	check := func(name string, v, lim float64) {
		if lim <= 0 {
			return
		}
		var l circuit.State
		switch {
		case v >= lim:
			l = circuit.StateHalted
		case v >= lim*s.cfg.Account.WarnFraction:
			l = circuit.StateWarning
		default:
			return
		}
		if severity(l) > severity(level) {
			level, metric, value, limit = l, name, v, lim
		}
	}
	check("daily_loss_pct", r.DailyLossPct, limits.MaxDailyLossPct)
	check("unrealized_loss_pct", r.UnrealizedLossPct, limits.MaxDailyLossPct)
	check("drawdown_pct", r.DrawdownPct, limits.MaxDrawdownPct)

	reason := ""
	if level != circuit.StateNormal {
		reason = fmt.Sprintf("%s %.2f%% vs tier %s limit %.2f%%", metric, value, limits.Tier, limit)
	}
	s.accountBreaker(m.AccountID).Observe(level, reason, metric, value, s.clock.Now())
	r.State = s.accountBreaker(m.AccountID).State()
	return r, nil
}

// PlatformMetrics are the cross-account figures for one cycle.
type PlatformMetrics struct {
	Accounts       int
	LosingAccounts int
	BrokerAttempts int
	BrokerFailures int
}

// EvaluatePlatform checks the losing-account fraction and the broker
// failure rate. Platform halts never clear automatically.
func (s *Supervisor) EvaluatePlatform(m PlatformMetrics) circuit.State {
	cfg := s.cfg.Platform
	now := s.clock.Now()

	losing := 0.0
	if m.Accounts >= cfg.MinAccounts && m.Accounts > 0 {
		losing = float64(m.LosingAccounts) / float64(m.Accounts)
	}
	failRate := 0.0
	if m.BrokerAttempts >= cfg.MinAttempts && m.BrokerAttempts > 0 {
		failRate = float64(m.BrokerFailures) / float64(m.BrokerAttempts)
	}

	switch {
	case cfg.LosingHaltFraction > 0 && losing >= cfg.LosingHaltFraction:
		s.platform.Trip(fmt.Sprintf("%d/%d accounts losing simultaneously", m.LosingAccounts, m.Accounts),
			MetricLosingAccounts, losing, now, true, "")
	case cfg.FailureHaltRate > 0 && failRate >= cfg.FailureHaltRate:
		s.platform.Trip(fmt.Sprintf("broker failure rate %.0f%% (%d/%d)", failRate*100, m.BrokerFailures, m.BrokerAttempts),
			MetricBrokerFailureRate, failRate, now, true, "")
	case cfg.LosingWarnFraction > 0 && losing >= cfg.LosingWarnFraction:
		s.platform.Observe(circuit.StateWarning, fmt.Sprintf("%d/%d accounts losing", m.LosingAccounts, m.Accounts),
			MetricLosingAccounts, losing, now)
	case cfg.FailureWarnRate > 0 && failRate >= cfg.FailureWarnRate:
		s.platform.Observe(circuit.StateWarning, fmt.Sprintf("broker failure rate %.0f%%", failRate*100),
			MetricBrokerFailureRate, failRate, now)
	default:
		s.platform.Observe(circuit.StateNormal, "", "", 0, now)
	}
	return s.platform.State()
}

func severity(s circuit.State) int {
	switch s {
	case circuit.StateWarning:
		return 1
	case circuit.StateHalted:
		return 2
	}
	return 0
}

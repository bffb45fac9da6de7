package risk

import (
	"fmt"
	"time"

	"copy-trading-bot/internal/circuit"
)

type pricePoint struct {
	at    time.Time
	price float64
}

// PositionView is what the supervisor needs to know about a position.
type PositionView struct {
	AccountID  string
	Symbol     string
	Long       bool
	EntryPrice float64
	// StopPrice is zero when no stop is set.
	StopPrice float64
}

// PositionRisk is the outcome of one position evaluation.
type PositionRisk struct {
	State          circuit.State
	StopPrice      float64
	Tightened      bool
	LossPct        float64
	AdverseMovePct float64
}

// EvaluatePosition records price in the short window and tightens the stop
// when the position's loss or adverse move is abnormal. It never halts the
// account and never loosens a stop.
func (s *Supervisor) EvaluatePosition(v PositionView, price float64, now time.Time) PositionRisk {
	cfg := s.cfg.Position
	out := PositionRisk{StopPrice: v.StopPrice}
	if v.EntryPrice <= 0 || price <= 0 {
		out.State = circuit.StateNormal
		return out
	}

	pnl := (price - v.EntryPrice) / v.EntryPrice * 100
	if !v.Long {
		pnl = -pnl
	}
	if pnl < 0 {
		out.LossPct = -pnl
	}
	out.AdverseMovePct = s.recordPrice(positionKey(v.AccountID, v.Symbol), v.Long, price, now, cfg.AdverseWindow)

	level, metric, value := circuit.StateNormal, "", 0.0
	switch {
	case cfg.HaltLossPct > 0 && out.LossPct >= cfg.HaltLossPct:
		level, metric, value = circuit.StateHalted, "unrealized_loss_pct", out.LossPct
	case cfg.WarnLossPct > 0 && out.LossPct >= cfg.WarnLossPct:
		level, metric, value = circuit.StateWarning, "unrealized_loss_pct", out.LossPct
	case cfg.AdverseMovePct > 0 && out.AdverseMovePct >= cfg.AdverseMovePct:
		level, metric, value = circuit.StateWarning, "adverse_move_pct", out.AdverseMovePct
	}
	reason := ""
	if level != circuit.StateNormal {
		reason = fmt.Sprintf("%s %.2f%%", metric, value)
	}

	b := s.positionBreaker(v.AccountID, v.Symbol)
	b.Observe(level, reason, metric, value, now)
	out.State = b.State()

	dist := 0.0
	switch out.State {
	case circuit.StateWarning:
		dist = cfg.WarnStopPct
	case circuit.StateHalted:
		dist = cfg.HaltStopPct
	}
	if dist > 0 {
		candidate := price * (1 - dist/100)
		if !v.Long {
			candidate = price * (1 + dist/100)
		}
		if tighter(v.Long, v.StopPrice, candidate) {
			out.StopPrice = candidate
			out.Tightened = true
			s.logger.Warn().Str("account", v.AccountID).Str("symbol", v.Symbol).
				Float64("old_stop", v.StopPrice).Float64("new_stop", candidate).
				Str("state", string(out.State)).Msg("Position stop tightened")
		}
	}
	return out
}

// tighter reports whether candidate is closer to price than current.
func tighter(long bool, current, candidate float64) bool {
	if current <= 0 {
		return true
	}
	if long {
		return candidate > current
	}
	return candidate < current
}

// recordPrice appends to the window and returns the adverse move from the
// best price in it.
func (s *Supervisor) recordPrice(key string, long bool, price float64, now time.Time, window time.Duration) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	pts := append(s.prices[key], pricePoint{at: now, price: price})
	cutoff := now.Add(-window)
	i := 0
	for i < len(pts) && pts[i].at.Before(cutoff) {
		i++
	}
	pts = pts[i:]
	s.prices[key] = pts

	best := pts[0].price
	for _, p := range pts[1:] {
		if (long && p.price > best) || (!long && p.price < best) {
			best = p.price
		}
	}
	if long {
		return (best - price) / best * 100
	}
	return (price - best) / best * 100
}

// ClearPosition drops the position breaker and price window once closed.
func (s *Supervisor) ClearPosition(accountID, symbol string) {
	key := positionKey(accountID, symbol)
	s.mu.Lock()
	delete(s.positions, key)
	delete(s.prices, key)
	s.mu.Unlock()
}

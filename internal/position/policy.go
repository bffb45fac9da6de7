package position

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"copy-trading-bot/internal/broker"
)

// ProfitStep sells Fraction of the original size once P&L reaches TriggerPct.
type ProfitStep struct {
	TriggerPct float64 `json:"trigger_pct" yaml:"trigger_pct"`
	Fraction   float64 `json:"fraction" yaml:"fraction"`
}

// Policy are the exit rules for normal positions.
type Policy struct {
	LossCeiling           time.Duration `json:"loss_ceiling" yaml:"loss_ceiling"`
	LossWarning           time.Duration `json:"loss_warning" yaml:"loss_warning"`
	Steps                 []ProfitStep  `json:"steps" yaml:"steps"`
	BreakEvenBufferPct    float64       `json:"break_even_buffer_pct" yaml:"break_even_buffer_pct"`
	TrailingActivationPct float64       `json:"trailing_activation_pct" yaml:"trailing_activation_pct"`
	TrailingPct           float64       `json:"trailing_pct" yaml:"trailing_pct"`
	MaxAge                time.Duration `json:"max_age" yaml:"max_age"`
	// OppositeSignalConfidence closes on an opposite strategy signal at or
	// above this confidence; zero disables.
	OppositeSignalConfidence float64 `json:"opposite_signal_confidence" yaml:"opposite_signal_confidence"`
}

// OrphanPolicy is the stricter rule set for auto-imported positions.
type OrphanPolicy struct {
	GraceCycles       int           `json:"grace_cycles" yaml:"grace_cycles"`
	LossCeiling       time.Duration `json:"loss_ceiling" yaml:"loss_ceiling"`
	MaxAdverseMovePct float64       `json:"max_adverse_move_pct" yaml:"max_adverse_move_pct"`
	TrailingPct       float64       `json:"trailing_pct" yaml:"trailing_pct"`
	// WeakSignalConfidence: a same-direction signal below it counts as
	// weakening; any opposite signal always does.
	WeakSignalConfidence float64 `json:"weak_signal_confidence" yaml:"weak_signal_confidence"`
}

// DefaultPolicy returns the default exit rules.
func DefaultPolicy() Policy {
	return Policy{
		LossCeiling: 30 * time.Minute,
		LossWarning: 5 * time.Minute,
		Steps: []ProfitStep{
			{TriggerPct: 0.5, Fraction: 0.2},
			{TriggerPct: 1, Fraction: 0.2},
			{TriggerPct: 2, Fraction: 0.2},
			{TriggerPct: 3, Fraction: 0.2},
			{TriggerPct: 5, Fraction: 0.2},
		},
		BreakEvenBufferPct:       0.1,
		TrailingActivationPct:    1.0,
		TrailingPct:              0.5,
		MaxAge:                   10 * time.Hour,
		OppositeSignalConfidence: 0.7,
	}
}

// DefaultOrphanPolicy returns the default orphan rules.
func DefaultOrphanPolicy() OrphanPolicy {
	return OrphanPolicy{
		GraceCycles:          1,
		LossCeiling:          10 * time.Minute,
		MaxAdverseMovePct:    1.0,
		TrailingPct:          0.3,
		WeakSignalConfidence: 0.5,
	}
}

// Validate checks that steps increase strictly and fractions are sane.
func (p Policy) Validate() error {
	if p.LossCeiling <= 0 {
		return fmt.Errorf("loss ceiling must be positive")
	}
	if p.LossWarning >= p.LossCeiling {
		return fmt.Errorf("loss warning %s must be shorter than ceiling %s", p.LossWarning, p.LossCeiling)
	}
	total := 0.0
	for i, s := range p.Steps {
		if s.Fraction <= 0 || s.Fraction > 1 {
			return fmt.Errorf("step %d fraction %.2f out of range", i, s.Fraction)
		}
		if i > 0 && s.TriggerPct <= p.Steps[i-1].TriggerPct {
			return fmt.Errorf("step %d trigger %.2f%% must exceed previous", i, s.TriggerPct)
		}
		total += s.Fraction
	}
	if total > 1+1e-9 {
		return fmt.Errorf("step fractions sum to %.2f, above 1", total)
	}
	return nil
}

// Action is what an evaluation asks the engine to do.
type Action string

const (
	ActionHold    Action = "HOLD"
	ActionWarn    Action = "WARN"
	ActionPartial Action = "PARTIAL"
	ActionFull    Action = "FULL"
)

// Decision is the outcome of one evaluation.
type Decision struct {
	Action   Action
	Quantity float64
	Reason   string
	Steps    []int
}

// Signal is the latest strategy opinion for a symbol.
type Signal struct {
	Side       broker.Side
	Confidence float64
	At         time.Time
}

// Input is the market view for one evaluation.
type Input struct {
	Price  float64
	Now    time.Time
	Signal *Signal
	Rules  broker.SymbolRules
}

// Evaluator applies the policies. It holds no state.
type Evaluator struct {
	Policy Policy
	Orphan OrphanPolicy
}

// Evaluate returns the updated copy of pos and the exit decision. pos is
// never modified.
func (e Evaluator) Evaluate(pos *Position, in Input) (*Position, Decision) {
	next := pos.Clone()
	prevEval := pos.LastEvaluatedAt
	next.LastEvaluatedAt = in.Now
	next.LastPrice = in.Price
	next.UpdatedAt = in.Now

	if next.State == StateClosed || next.State == StateOpening || next.RemainingQty <= 0 {
		return next, Decision{Action: ActionHold}
	}
	full := func(reason string) (*Position, Decision) {
		next.State = StateClosing
		return next, Decision{Action: ActionFull, Quantity: next.RemainingQty, Reason: reason}
	}

	if next.ForceExitReason != "" {
		return full(next.ForceExitReason)
	}

	orphan := next.Tag == TagAutoImported
	if orphan && next.GraceCycles < e.Orphan.GraceCycles {
		next.GraceCycles++
		return next, Decision{Action: ActionHold, Reason: "orphan grace cycle"}
	}
	if next.State == StateOrphaned {
		next.State = StateOpen
	}

	p := e.Policy
	if orphan {
		p.LossCeiling = e.Orphan.LossCeiling
		if p.LossWarning >= p.LossCeiling {
			p.LossWarning = p.LossCeiling / 2
		}
		p.TrailingPct = e.Orphan.TrailingPct
	}

	if p.MaxAge > 0 && in.Now.Sub(next.OpenedAt) >= p.MaxAge {
		return full(fmt.Sprintf("max age %s reached", p.MaxAge))
	}

	if next.StopPrice > 0 {
		if (next.Long() && in.Price <= next.StopPrice) || (!next.Long() && in.Price >= next.StopPrice) {
			return full(fmt.Sprintf("stop hit at %.8g (stop %.8g)", in.Price, next.StopPrice))
		}
	}

	pnl := next.PnLPct(in.Price)
	warn := false
	if pnl < 0 {
		if next.LossSince.IsZero() {
			next.LossSince = next.OpenedAt
			if !prevEval.IsZero() {
				next.LossSince = prevEval
			}
		}
		losing := in.Now.Sub(next.LossSince)
		if losing >= p.LossCeiling {
			return full(fmt.Sprintf("losing for %s (ceiling %s)", losing.Round(time.Second), p.LossCeiling))
		}
		if losing >= p.LossWarning && !next.Warned {
			next.Warned = true
			warn = true
		}
	} else {
		next.LossSince = time.Time{}
		next.Warned = false
	}

	if orphan {
		if e.Orphan.MaxAdverseMovePct > 0 && -pnl >= e.Orphan.MaxAdverseMovePct {
			return full(fmt.Sprintf("auto-imported position moved %.2f%% against", -pnl))
		}
		if s := in.Signal; s != nil {
			if s.Side != next.EntrySide() {
				return full(fmt.Sprintf("auto-imported position: opposite signal %s", s.Side))
			}
			if s.Confidence < e.Orphan.WeakSignalConfidence {
				return full(fmt.Sprintf("auto-imported position: signal weakened to %.2f", s.Confidence))
			}
		}
	} else if s := in.Signal; s != nil && p.OppositeSignalConfidence > 0 &&
		s.Side != next.EntrySide() && s.Confidence >= p.OppositeSignalConfidence {
		return full(fmt.Sprintf("opposite signal %s at %.2f confidence", s.Side, s.Confidence))
	}

	e.updateWaterMark(next, in.Price)

	var crossed []int
	qty := decimal.Zero
	original := decimal.NewFromFloat(next.OriginalQty)
	for i, step := range p.Steps {
		if pnl >= step.TriggerPct && !next.StepFired(i) {
			crossed = append(crossed, i)
			part := in.Rules.RoundQty(original.Mul(decimal.NewFromFloat(step.Fraction)).InexactFloat64())
			qty = qty.Add(decimal.NewFromFloat(part))
		}
	}
	if len(crossed) > 0 {
		first := len(next.StepsFired) == 0
		next.StepsFired = append(next.StepsFired, crossed...)
		if first {
			e.moveToBreakEven(next, p)
		}
		e.updateTrailing(next, p, pnl)

		remaining := decimal.NewFromFloat(next.RemainingQty)
		last := crossed[len(crossed)-1] == len(p.Steps)-1
		leftover := remaining.Sub(qty).InexactFloat64()
		reason := fmt.Sprintf("profit step %.2f%%", p.Steps[crossed[len(crossed)-1]].TriggerPct)
		if last || qty.GreaterThanOrEqual(remaining) || leftover < in.Rules.MinQty ||
			!in.Rules.MeetsMinimum(qty.InexactFloat64(), in.Price) {
			d := Decision{Action: ActionFull, Quantity: next.RemainingQty, Reason: reason, Steps: crossed}
			next.State = StateClosing
			return next, d
		}
		return next, Decision{Action: ActionPartial, Quantity: qty.InexactFloat64(), Reason: reason, Steps: crossed}
	}

	e.updateTrailing(next, p, pnl)
	if warn {
		return next, Decision{Action: ActionWarn, Reason: fmt.Sprintf("losing for %s, forced exit at %s",
			in.Now.Sub(next.LossSince).Round(time.Second), p.LossCeiling)}
	}
	return next, Decision{Action: ActionHold}
}

func (e Evaluator) updateWaterMark(p *Position, price float64) {
	if p.HighWaterMark == 0 {
		p.HighWaterMark = p.EntryPrice
	}
	if p.Long() && price > p.HighWaterMark {
		p.HighWaterMark = price
	}
	if !p.Long() && price < p.HighWaterMark {
		p.HighWaterMark = price
	}
}

func (e Evaluator) moveToBreakEven(p *Position, pol Policy) {
	be := p.EntryPrice * (1 + pol.BreakEvenBufferPct/100)
	if !p.Long() {
		be = p.EntryPrice * (1 - pol.BreakEvenBufferPct/100)
	}
	p.raiseStop(be)
}

// updateTrailing activates the trail once profit reaches the activation
// level and ratchets the stop behind the high-water mark.
func (e Evaluator) updateTrailing(p *Position, pol Policy, pnl float64) {
	if pol.TrailingPct <= 0 {
		return
	}
	if !p.TrailingActive && pnl >= pol.TrailingActivationPct {
		p.TrailingActive = true
	}
	if !p.TrailingActive {
		return
	}
	stop := p.HighWaterMark * (1 - pol.TrailingPct/100)
	if !p.Long() {
		stop = p.HighWaterMark * (1 + pol.TrailingPct/100)
	}
	p.raiseStop(stop)
}

// raiseStop moves the stop toward the price, never away.
func (p *Position) raiseStop(stop float64) {
	if p.StopPrice <= 0 {
		p.StopPrice = stop
		return
	}
	if p.Long() && stop > p.StopPrice {
		p.StopPrice = stop
	}
	if !p.Long() && stop < p.StopPrice {
		p.StopPrice = stop
	}
}

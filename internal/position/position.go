// Package position runs the per-account, per-symbol position lifecycle:
// entry tracking, stepped partial exits, trailing and break-even stops,
// time-boxed forced exits and recovery of positions found on the exchange
// with no local record.
package position

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"copy-trading-bot/internal/broker"
)

// Errors for position tracking
var (
	ErrPositionNotFound = errors.New("position not found")
	ErrPositionExists   = errors.New("position already exists")
	ErrVersionConflict  = errors.New("position version conflict")
	ErrInvalidQuantity  = errors.New("invalid quantity")
	ErrNotOpen          = errors.New("position is not open")
	ErrBelowMinimum     = errors.New("order below exchange minimum")
)

// State is the lifecycle state of a position.
type State string

const (
	StateOpening     State = "OPENING"
	StateOpen        State = "OPEN"
	StatePartialExit State = "PARTIAL_EXIT"
	StateClosing     State = "CLOSING"
	StateClosed      State = "CLOSED"
	StateOrphaned    State = "ORPHANED"
)

// Active reports whether exit rules apply in this state.
func (s State) Active() bool {
	return s == StateOpen || s == StatePartialExit || s == StateOrphaned || s == StateClosing
}

// Tag records how the position came to be tracked.
type Tag string

const (
	TagNormal       Tag = "normal"
	TagAutoImported Tag = "auto-imported"
)

// dust is the quantity below which a remainder counts as zero.
const dust = 1e-9

// Position is one account's holding in one symbol.
type Position struct {
	AccountID     string              `json:"account_id"`
	Symbol        string              `json:"symbol"`
	BindingID     string              `json:"binding_id"`
	Side          broker.PositionSide `json:"side"`
	State         State               `json:"state"`
	Tag           Tag                 `json:"tag"`
	MasterTradeID string              `json:"master_trade_id,omitempty"`
	// DryRun positions were filled by simulation and never exist on the
	// exchange.
	DryRun bool `json:"dry_run"`

	EntryPrice   float64   `json:"entry_price"`
	OriginalQty  float64   `json:"original_qty"`
	RemainingQty float64   `json:"remaining_qty"`
	RealizedPnL  float64   `json:"realized_pnl"`
	Fees         float64   `json:"fees"`
	OpenedAt     time.Time `json:"opened_at"`

	StopPrice      float64 `json:"stop_price"`
	HighWaterMark  float64 `json:"high_water_mark"`
	TrailingActive bool    `json:"trailing_active"`
	StepsFired     []int   `json:"steps_fired"`

	LossSince       time.Time `json:"loss_since,omitempty"`
	Warned          bool      `json:"warned"`
	LastEvaluatedAt time.Time `json:"last_evaluated_at,omitempty"`
	LastPrice       float64   `json:"last_price"`
	GraceCycles     int       `json:"grace_cycles"`
	ForceExitReason string    `json:"force_exit_reason,omitempty"`

	// PendingExitQty is an exit that was decided but not yet filled. Tick
	// re-evaluates the position first and retries the exit while the
	// broker failure is transient.
	PendingExitQty     float64 `json:"pending_exit_qty"`
	PendingExitReason  string  `json:"pending_exit_reason,omitempty"`
	PendingExitTradeID string  `json:"pending_exit_trade_id,omitempty"`
	// PendingProfitStep marks a queued exit that only takes profit; it is
	// dropped if the position turns into a loss before it fills.
	PendingProfitStep bool `json:"pending_profit_step"`

	CloseReason string    `json:"close_reason,omitempty"`
	ClosedAt    time.Time `json:"closed_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
	Version     int64     `json:"version"`
}

// Key identifies a position.
func Key(accountID, symbol string) string {
	return accountID + ":" + symbol
}

func (p *Position) Key() string { return Key(p.AccountID, p.Symbol) }

// Long reports whether the position profits from a rising price.
func (p *Position) Long() bool { return p.Side != broker.PositionShort }

// EntrySide is the order side that opened the position.
func (p *Position) EntrySide() broker.Side {
	if p.Long() {
		return broker.SideBuy
	}
	return broker.SideSell
}

// ExitSide is the order side that reduces the position.
func (p *Position) ExitSide() broker.Side {
	return p.EntrySide().Opposite()
}

// PnLPct is the unrealized return at price in percent.
func (p *Position) PnLPct(price float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	pct := (price - p.EntryPrice) / p.EntryPrice * 100
	if !p.Long() {
		pct = -pct
	}
	return pct
}

// UnrealizedPnL is the quote-currency P&L of the remainder at price.
func (p *Position) UnrealizedPnL(price float64) float64 {
	diff := price - p.EntryPrice
	if !p.Long() {
		diff = -diff
	}
	return diff * p.RemainingQty
}

// StepFired reports whether profit step i already fired.
func (p *Position) StepFired(i int) bool {
	for _, s := range p.StepsFired {
		if s == i {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (p *Position) Clone() *Position {
	c := *p
	c.StepsFired = append([]int(nil), p.StepsFired...)
	return &c
}

// ApplyExitFill books a reducing fill. Remaining quantity only decreases and
// reaches exactly zero in CLOSED.
func (p *Position) ApplyExitFill(qty, price, fee float64, now time.Time) (float64, error) {
	if qty <= 0 {
		return 0, fmt.Errorf("%w: exit fill of %v", ErrInvalidQuantity, qty)
	}
	if p.State == StateClosed {
		return 0, fmt.Errorf("%w: %s already closed", ErrNotOpen, p.Key())
	}
	fill := decimal.NewFromFloat(qty)
	remaining := decimal.NewFromFloat(p.RemainingQty)
	if fill.GreaterThan(remaining) {
		fill = remaining
	}
	filled := fill.InexactFloat64()

	dir := 1.0
	if !p.Long() {
		dir = -1
	}
	p.RealizedPnL += (price-p.EntryPrice)*filled*dir - fee
	p.Fees += fee
	p.RemainingQty = remaining.Sub(fill).InexactFloat64()
	p.UpdatedAt = now

	if p.PendingExitQty > 0 {
		p.PendingExitQty = decimal.Max(decimal.NewFromFloat(p.PendingExitQty).Sub(fill), decimal.Zero).InexactFloat64()
		if p.PendingExitQty <= dust {
			p.clearPendingExit()
		}
	}

	if p.RemainingQty <= dust {
		p.RemainingQty = 0
		p.State = StateClosed
		p.ClosedAt = now
		p.PendingExitQty = 0
		p.PendingProfitStep = false
		return filled, nil
	}
	if p.State != StateClosing || p.PendingExitQty == 0 {
		p.State = StatePartialExit
	}
	return filled, nil
}

// clearPendingExit forgets the queued exit. A position that was closing
// falls back to the state its fills so far put it in.
func (p *Position) clearPendingExit() {
	p.PendingExitQty = 0
	p.PendingExitReason = ""
	p.PendingExitTradeID = ""
	p.PendingProfitStep = false
	if p.State == StateClosing {
		p.State = StateOpen
		if p.RemainingQty < p.OriginalQty {
			p.State = StatePartialExit
		}
	}
}

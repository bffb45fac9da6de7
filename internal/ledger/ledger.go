// Package ledger records every order attempt, approved or refused, linked
// back to the master trade that caused it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrDuplicateEntry = errors.New("ledger entry already exists")

// Action is what the order attempted.
type Action string

const (
	ActionOpen  Action = "OPEN"
	ActionClose Action = "CLOSE"
)

// Outcome is how the attempt ended.
type Outcome string

const (
	OutcomeSucceeded Outcome = "SUCCEEDED"
	OutcomeFailed    Outcome = "FAILED"
	OutcomeSkipped   Outcome = "SKIPPED"
	OutcomeBlocked   Outcome = "BLOCKED"
)

// Origin is who placed the order.
type Origin string

const (
	// OriginMaster is an order on the master account placed by a decision
	// or an operator close.
	OriginMaster Origin = "MASTER"
	// OriginCopy is a follower order propagated from a master trade.
	OriginCopy Origin = "COPY"
	// OriginEngine is an exit the position engine decided on its own.
	OriginEngine Origin = "ENGINE"
)

// Entry is an immutable record of one order attempt.
type Entry struct {
	ID            string    `json:"id"`
	MasterTradeID string    `json:"master_trade_id"`
	Origin        Origin    `json:"origin"`
	AccountID     string    `json:"account_id"`
	BindingID     string    `json:"binding_id,omitempty"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Action        Action    `json:"action"`
	Quantity      float64   `json:"quantity"`
	Price         float64   `json:"price"`
	Notional      float64   `json:"notional"`
	FilledQty     float64   `json:"filled_qty"`
	AvgPrice      float64   `json:"avg_price"`
	Fees          float64   `json:"fees"`
	ScaleFactor   float64   `json:"scale_factor"`
	Outcome       Outcome   `json:"outcome"`
	Reason        string    `json:"reason,omitempty"`
	ErrorKind     string    `json:"error_kind,omitempty"`
	DryRun        bool      `json:"dry_run"`
	CreatedAt     time.Time `json:"created_at"`
}

// Ledger is the append-only trade ledger.
type Ledger interface {
	Record(ctx context.Context, e Entry) (Entry, error)
	ByMasterTrade(ctx context.Context, masterTradeID string) ([]Entry, error)
	// HasSucceeded reports whether the account already has a successful
	// attempt for this master trade and action.
	HasSucceeded(ctx context.Context, masterTradeID, accountID string, action Action) (bool, error)
}

// Prepare fills the id and timestamp of a new entry.
func Prepare(e Entry, now time.Time) (Entry, error) {
	if e.AccountID == "" {
		return e, fmt.Errorf("ledger entry requires an account id")
	}
	if e.Outcome == "" {
		return e, fmt.Errorf("ledger entry requires an outcome")
	}
	if e.Origin == "" {
		e.Origin = OriginCopy
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return e, nil
}

// MemoryLedger keeps entries in process.
type MemoryLedger struct {
	mu       sync.RWMutex
	entries  []Entry
	ids      map[string]struct{}
	byMaster map[string][]int
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{ids: map[string]struct{}{}, byMaster: map[string][]int{}}
}

func (l *MemoryLedger) Record(ctx context.Context, e Entry) (Entry, error) {
	e, err := Prepare(e, time.Now().UTC())
	if err != nil {
		return e, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.ids[e.ID]; dup {
		return e, fmt.Errorf("%w: %s", ErrDuplicateEntry, e.ID)
	}
	l.ids[e.ID] = struct{}{}
	l.entries = append(l.entries, e)
	if e.MasterTradeID != "" {
		l.byMaster[e.MasterTradeID] = append(l.byMaster[e.MasterTradeID], len(l.entries)-1)
	}
	return e, nil
}

func (l *MemoryLedger) ByMasterTrade(ctx context.Context, masterTradeID string) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx := l.byMaster[masterTradeID]
	out := make([]Entry, 0, len(idx))
	for _, i := range idx {
		out = append(out, l.entries[i])
	}
	return out, nil
}

func (l *MemoryLedger) HasSucceeded(ctx context.Context, masterTradeID, accountID string, action Action) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, i := range l.byMaster[masterTradeID] {
		e := l.entries[i]
		if e.AccountID == accountID && e.Action == action && e.Outcome == OutcomeSucceeded {
			return true, nil
		}
	}
	return false, nil
}

// All returns every entry in insertion order.
func (l *MemoryLedger) All() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Summary aggregates the follower attempts for one master trade. Source
// holds the master or engine orders the copies were propagated from.
type Summary struct {
	MasterTradeID string  `json:"master_trade_id"`
	Symbol        string  `json:"symbol"`
	Action        Action  `json:"action"`
	Succeeded     int     `json:"succeeded"`
	Failed        int     `json:"failed"`
	Skipped       int     `json:"skipped"`
	Blocked       int     `json:"blocked"`
	Duplicates    int     `json:"duplicates"`
	Entries       []Entry `json:"entries"`
	Source        []Entry `json:"source,omitempty"`
}

// Add counts one follower entry; master and engine entries go to Source.
func (s *Summary) Add(e Entry) {
	if e.Origin != "" && e.Origin != OriginCopy {
		s.Source = append(s.Source, e)
		return
	}
	switch e.Outcome {
	case OutcomeSucceeded:
		s.Succeeded++
	case OutcomeFailed:
		s.Failed++
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeBlocked:
		s.Blocked++
	}
	s.Entries = append(s.Entries, e)
}

// Total is the number of recorded attempts.
func (s *Summary) Total() int {
	return s.Succeeded + s.Failed + s.Skipped + s.Blocked
}

func (s *Summary) String() string {
	return fmt.Sprintf("%s %s %s: %d succeeded / %d failed / %d skipped / %d blocked",
		s.MasterTradeID, s.Action, s.Symbol, s.Succeeded, s.Failed, s.Skipped, s.Blocked)
}

// Summarize rebuilds a summary from stored entries.
func Summarize(masterTradeID string, entries []Entry) Summary {
	s := Summary{MasterTradeID: masterTradeID}
	for _, e := range entries {
		if s.Symbol == "" {
			s.Symbol = e.Symbol
			s.Action = e.Action
		}
		s.Add(e)
	}
	return s
}

package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"copy-trading-bot/internal/circuit"
	"copy-trading-bot/internal/ledger"
)

// LedgerRepository is the PostgreSQL ledger.Ledger.
type LedgerRepository struct {
	db *DB
}

func NewLedgerRepository(db *DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

const ledgerColumns = `id, master_trade_id, origin, account_id, binding_id, symbol, side, action, quantity, price,
	notional, filled_qty, avg_price, fees, scale_factor, outcome, reason, error_kind, dry_run, created_at`

// Record appends e. Re-recording an id that already exists is a no-op.
func (r *LedgerRepository) Record(ctx context.Context, e ledger.Entry) (ledger.Entry, error) {
	e, err := ledger.Prepare(e, time.Now().UTC())
	if err != nil {
		return e, err
	}

	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO trade_ledger (`+ledgerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, e.MasterTradeID, string(e.Origin), e.AccountID, e.BindingID, e.Symbol, e.Side, string(e.Action),
		e.Quantity, e.Price, e.Notional, e.FilledQty, e.AvgPrice, e.Fees, e.ScaleFactor,
		string(e.Outcome), e.Reason, e.ErrorKind, e.DryRun, e.CreatedAt,
	)
	if err != nil {
		return e, fmt.Errorf("failed to record ledger entry: %w", err)
	}
	return e, nil
}

func (r *LedgerRepository) ByMasterTrade(ctx context.Context, masterTradeID string) ([]ledger.Entry, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT `+ledgerColumns+`
		FROM trade_ledger
		WHERE master_trade_id = $1
		ORDER BY seq`, masterTradeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *LedgerRepository) HasSucceeded(ctx context.Context, masterTradeID, accountID string, action ledger.Action) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM trade_ledger
			WHERE master_trade_id = $1 AND account_id = $2 AND action = $3 AND outcome = $4
		)`, masterTradeID, accountID, string(action), string(ledger.OutcomeSucceeded)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check ledger: %w", err)
	}
	return exists, nil
}

func scanEntry(rows pgx.Rows) (ledger.Entry, error) {
	var (
		e                                  ledger.Entry
		action, outcome, origin            string
		bindingID, side, reason, errorKind *string
	)
	err := rows.Scan(&e.ID, &e.MasterTradeID, &origin, &e.AccountID, &bindingID, &e.Symbol, &side, &action,
		&e.Quantity, &e.Price, &e.Notional, &e.FilledQty, &e.AvgPrice, &e.Fees, &e.ScaleFactor,
		&outcome, &reason, &errorKind, &e.DryRun, &e.CreatedAt)
	if err != nil {
		return e, err
	}
	e.Action = ledger.Action(action)
	e.Outcome = ledger.Outcome(outcome)
	e.Origin = ledger.Origin(origin)
	e.BindingID = deref(bindingID)
	e.Side = deref(side)
	e.Reason = deref(reason)
	e.ErrorKind = deref(errorKind)
	return e, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// TransitionRepository keeps the breaker audit trail.
type TransitionRepository struct {
	db *DB
}

func NewTransitionRepository(db *DB) *TransitionRepository {
	return &TransitionRepository{db: db}
}

// RecordTransition implements risk.TransitionRecorder.
func (r *TransitionRepository) RecordTransition(ctx context.Context, t circuit.Transition) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO breaker_transitions (scope, scope_key, from_state, to_state, reason, metric, value, manual, operator, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		string(t.Scope), t.Key, string(t.From), string(t.To), t.Reason, t.Metric, t.Value, t.Manual, t.Operator, t.At,
	)
	if err != nil {
		return fmt.Errorf("failed to record breaker transition: %w", err)
	}
	return nil
}

// ListTransitions returns the most recent transitions, newest first.
func (r *TransitionRepository) ListTransitions(ctx context.Context, limit int) ([]circuit.Transition, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Pool.Query(ctx, `
		SELECT scope, scope_key, from_state, to_state, reason, metric, value, manual, operator, at
		FROM breaker_transitions
		ORDER BY at DESC, id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query breaker transitions: %w", err)
	}
	defer rows.Close()

	var out []circuit.Transition
	for rows.Next() {
		var (
			t                        circuit.Transition
			scope, from, to          string
			reason, metric, operator *string
		)
		if err := rows.Scan(&scope, &t.Key, &from, &to, &reason, &metric, &t.Value, &t.Manual, &operator, &t.At); err != nil {
			return nil, fmt.Errorf("failed to scan breaker transition: %w", err)
		}
		t.Scope = circuit.Scope(scope)
		t.From = circuit.State(from)
		t.To = circuit.State(to)
		t.Reason = deref(reason)
		t.Metric = deref(metric)
		t.Operator = deref(operator)
		out = append(out, t)
	}
	return out, rows.Err()
}

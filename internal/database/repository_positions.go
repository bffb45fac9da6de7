package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"copy-trading-bot/internal/position"
)

// PositionRepository is the PostgreSQL position.Store. The full position is
// kept as JSONB; the columns beside it exist for indexing and the version
// check.
type PositionRepository struct {
	db *DB
}

func NewPositionRepository(db *DB) *PositionRepository {
	return &PositionRepository{db: db}
}

func scanPosition(row pgx.Row) (*position.Position, error) {
	var (
		raw     []byte
		version int64
	)
	if err := row.Scan(&raw, &version); err != nil {
		return nil, err
	}
	var p position.Position
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode position: %w", err)
	}
	p.Version = version
	return &p, nil
}

func (r *PositionRepository) Get(ctx context.Context, accountID, symbol string) (*position.Position, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT data, version FROM positions WHERE account_id = $1 AND symbol = $2`, accountID, symbol)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", position.ErrPositionNotFound, position.Key(accountID, symbol))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get position: %w", err)
	}
	return p, nil
}

func (r *PositionRepository) list(ctx context.Context, query string, args ...interface{}) ([]*position.Position, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()

	var out []*position.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PositionRepository) ListOpen(ctx context.Context, accountID string) ([]*position.Position, error) {
	return r.list(ctx,
		`SELECT data, version FROM positions WHERE account_id = $1 ORDER BY symbol`, accountID)
}

func (r *PositionRepository) ListAllOpen(ctx context.Context) ([]*position.Position, error) {
	return r.list(ctx, `SELECT data, version FROM positions ORDER BY account_id, symbol`)
}

func (r *PositionRepository) Create(ctx context.Context, p *position.Position) error {
	p.Version = 1
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode position: %w", err)
	}

	tag, err := r.db.Pool.Exec(ctx, `
		INSERT INTO positions (account_id, symbol, state, tag, remaining_qty, version, opened_at, updated_at, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (account_id, symbol) DO NOTHING`,
		p.AccountID, p.Symbol, string(p.State), string(p.Tag), p.RemainingQty, p.Version,
		p.OpenedAt, updatedAt(p), data,
	)
	if err != nil {
		return fmt.Errorf("failed to create position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", position.ErrPositionExists, p.Key())
	}
	return nil
}

func (r *PositionRepository) CompareAndSwap(ctx context.Context, p *position.Position) error {
	expected := p.Version
	p.Version = expected + 1
	data, err := json.Marshal(p)
	if err != nil {
		p.Version = expected
		return fmt.Errorf("failed to encode position: %w", err)
	}

	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE positions
		SET state = $3, tag = $4, remaining_qty = $5, version = $6, updated_at = $7, data = $8
		WHERE account_id = $1 AND symbol = $2 AND version = $9`,
		p.AccountID, p.Symbol, string(p.State), string(p.Tag), p.RemainingQty, p.Version,
		updatedAt(p), data, expected,
	)
	if err != nil {
		p.Version = expected
		return fmt.Errorf("failed to update position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		p.Version = expected
		return r.missOrConflict(ctx, p.AccountID, p.Symbol, expected)
	}
	return nil
}

func (r *PositionRepository) Delete(ctx context.Context, accountID, symbol string, version int64) error {
	tag, err := r.db.Pool.Exec(ctx,
		`DELETE FROM positions WHERE account_id = $1 AND symbol = $2 AND version = $3`,
		accountID, symbol, version)
	if err != nil {
		return fmt.Errorf("failed to delete position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missOrConflict(ctx, accountID, symbol, version)
	}
	return nil
}

func (r *PositionRepository) Archive(ctx context.Context, p *position.Position) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode position: %w", err)
	}

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`DELETE FROM positions WHERE account_id = $1 AND symbol = $2 AND version = $3`,
		p.AccountID, p.Symbol, p.Version)
	if err != nil {
		return fmt.Errorf("failed to remove open position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missOrConflict(ctx, p.AccountID, p.Symbol, p.Version)
	}

	closedAt := p.ClosedAt
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO closed_positions (account_id, symbol, tag, realized_pnl, close_reason, opened_at, closed_at, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.AccountID, p.Symbol, string(p.Tag), p.RealizedPnL, p.CloseReason, p.OpenedAt, closedAt, data,
	); err != nil {
		return fmt.Errorf("failed to archive position: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit archive: %w", err)
	}
	return nil
}

// ListClosed returns closed positions newest first; an empty accountID
// lists every account.
func (r *PositionRepository) ListClosed(ctx context.Context, accountID string, limit int) ([]*position.Position, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.db.Pool.Query(ctx, `
		SELECT data FROM closed_positions
		WHERE ($1::text = '' OR account_id = $1::text)
		ORDER BY closed_at DESC, id DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list closed positions: %w", err)
	}
	defer rows.Close()

	var out []*position.Position
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan closed position: %w", err)
		}
		var p position.Position
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("failed to decode closed position: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (r *PositionRepository) missOrConflict(ctx context.Context, accountID, symbol string, version int64) error {
	var current int64
	err := r.db.Pool.QueryRow(ctx,
		`SELECT version FROM positions WHERE account_id = $1 AND symbol = $2`, accountID, symbol).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", position.ErrPositionNotFound, position.Key(accountID, symbol))
	}
	if err != nil {
		return fmt.Errorf("failed to read position version: %w", err)
	}
	return fmt.Errorf("%w: %s has version %d, write based on %d",
		position.ErrVersionConflict, position.Key(accountID, symbol), current, version)
}

func updatedAt(p *position.Position) time.Time {
	if p.UpdatedAt.IsZero() {
		return time.Now().UTC()
	}
	return p.UpdatedAt
}

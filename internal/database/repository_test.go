package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copy-trading-bot/internal/broker"
	"copy-trading-bot/internal/circuit"
	"copy-trading-bot/internal/ledger"
	"copy-trading-bot/internal/position"
)

// testDB connects to TEST_DATABASE_URL and migrates; each test uses its own
// account ids so runs do not interfere.
func testDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := Open(context.Background(), dsn, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(db.Close)
	require.NoError(t, db.RunMigrations(context.Background()))
	return db
}

func newPosition(accountID string) *position.Position {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &position.Position{
		AccountID:    accountID,
		Symbol:       "BTCUSDT",
		BindingID:    "b1",
		Side:         broker.PositionLong,
		State:        position.StateOpen,
		Tag:          position.TagNormal,
		EntryPrice:   100,
		OriginalQty:  1,
		RemainingQty: 1,
		StepsFired:   []int{0},
		OpenedAt:     now,
		UpdatedAt:    now,
	}
}

func TestPositionRepositoryCompareAndSwap(t *testing.T) {
	db := testDB(t)
	repo := NewPositionRepository(db)
	ctx := context.Background()
	acc := "acc-" + uuid.NewString()

	p := newPosition(acc)
	require.NoError(t, repo.Create(ctx, p))
	assert.Equal(t, int64(1), p.Version)
	assert.ErrorIs(t, repo.Create(ctx, newPosition(acc)), position.ErrPositionExists)

	got, err := repo.Get(ctx, acc, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, []int{0}, got.StepsFired)

	got.RemainingQty = 0.8
	require.NoError(t, repo.CompareAndSwap(ctx, got))
	assert.Equal(t, int64(2), got.Version)

	stale := got.Clone()
	stale.Version = 1
	assert.ErrorIs(t, repo.CompareAndSwap(ctx, stale), position.ErrVersionConflict)
	assert.Equal(t, int64(1), stale.Version, "failed swap leaves the version untouched")

	open, err := repo.ListOpen(ctx, acc)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, 0.8, open[0].RemainingQty)

	got.State = position.StateClosed
	got.CloseReason = "test"
	got.ClosedAt = time.Now().UTC()
	require.NoError(t, repo.Archive(ctx, got))

	_, err = repo.Get(ctx, acc, "BTCUSDT")
	assert.ErrorIs(t, err, position.ErrPositionNotFound)

	closed, err := repo.ListClosed(ctx, acc, 10)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, "test", closed[0].CloseReason)
}

func TestPositionRepositoryDelete(t *testing.T) {
	db := testDB(t)
	repo := NewPositionRepository(db)
	ctx := context.Background()
	acc := "acc-" + uuid.NewString()

	p := newPosition(acc)
	require.NoError(t, repo.Create(ctx, p))
	assert.ErrorIs(t, repo.Delete(ctx, acc, "BTCUSDT", 7), position.ErrVersionConflict)
	require.NoError(t, repo.Delete(ctx, acc, "BTCUSDT", 1))
	assert.ErrorIs(t, repo.Delete(ctx, acc, "BTCUSDT", 1), position.ErrPositionNotFound)
}

func TestLedgerRepository(t *testing.T) {
	db := testDB(t)
	repo := NewLedgerRepository(db)
	ctx := context.Background()
	trade := uuid.NewString()

	first, err := repo.Record(ctx, ledger.Entry{MasterTradeID: trade, Origin: ledger.OriginMaster, AccountID: "f1", Symbol: "BTCUSDT",
		Action: ledger.ActionOpen, Outcome: ledger.OutcomeFailed, Reason: "rejected", ErrorKind: "REJECTED"})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)

	_, err = repo.Record(ctx, ledger.Entry{MasterTradeID: trade, AccountID: "f1", BindingID: "b1", Symbol: "BTCUSDT",
		Side: "BUY", Action: ledger.ActionOpen, Quantity: 0.5, FilledQty: 0.5, AvgPrice: 100, Outcome: ledger.OutcomeSucceeded})
	require.NoError(t, err)

	_, err = repo.Record(ctx, first)
	require.NoError(t, err, "recording an existing id is a no-op")

	entries, err := repo.ByMasterTrade(ctx, trade)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ledger.OutcomeFailed, entries[0].Outcome)
	assert.Equal(t, "", entries[0].BindingID)
	assert.Equal(t, ledger.OriginMaster, entries[0].Origin)
	assert.Equal(t, ledger.OriginCopy, entries[1].Origin)
	assert.Equal(t, 0.5, entries[1].FilledQty)

	ok, err := repo.HasSucceeded(ctx, trade, "f1", ledger.ActionOpen)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.HasSucceeded(ctx, trade, "f1", ledger.ActionClose)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTransitionRepository(t *testing.T) {
	db := testDB(t)
	repo := NewTransitionRepository(db)
	ctx := context.Background()
	key := "acc-" + uuid.NewString()

	at := time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond)
	require.NoError(t, repo.RecordTransition(ctx, circuit.Transition{
		Scope: circuit.ScopeAccount, Key: key, From: circuit.StateNormal, To: circuit.StateHalted,
		Reason: "drawdown", Metric: "drawdown_pct", Value: 12, At: at,
	}))

	list, err := repo.ListTransitions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, key, list[0].Key)
	assert.Equal(t, circuit.StateHalted, list[0].To)
	assert.True(t, at.Equal(list[0].At))
}

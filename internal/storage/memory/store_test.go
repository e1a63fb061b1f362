package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/core"
)

func newTx(id, sender, receiver string, state core.TxState, created time.Time) *core.Transaction {
	return &core.Transaction{
		ID:        id,
		Sender:    sender,
		Receiver:  receiver,
		ItemID:    "item-1",
		ItemType:  core.ItemProduct,
		Quantity:  1,
		Value:     100,
		State:     state,
		Created:   created,
		TimeoutAt: created.Add(24 * time.Hour),
	}
}

func commitTx(t *testing.T, s *Store, tx *core.Transaction, expected int64) {
	t.Helper()
	ctx := context.Background()
	uow, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, uow.SaveTransaction(ctx, tx, expected))
	require.NoError(t, uow.Commit(ctx))
}

func TestVersionedSaveAndConflict(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	now := time.Now()

	commitTx(t, s, newTx("tx-1", "acme", "globex", core.StateInitiated, now), 0)

	got, err := s.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)

	// A stale writer loses.
	stale := newTx("tx-1", "acme", "globex", core.StateSenderConfirmed, now)
	uow, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, uow.SaveTransaction(ctx, stale, 0))
	err = uow.Commit(ctx)
	assert.ErrorIs(t, err, core.ErrConflict)

	// The store still holds the committed state.
	got, err = s.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, core.StateInitiated, got.State)

	// The current version wins.
	commitTx(t, s, stale, 1)
	got, err = s.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, core.StateSenderConfirmed, got.State)
	assert.Equal(t, int64(2), got.Version)
}

func TestCommitIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	now := time.Now()

	commitTx(t, s, newTx("tx-1", "acme", "globex", core.StateInitiated, now), 0)

	// One conflicting write poisons the whole unit.
	uow, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, uow.SaveTransaction(ctx, newTx("tx-2", "acme", "globex", core.StateInitiated, now), 0))
	require.NoError(t, uow.SaveTransaction(ctx, newTx("tx-1", "acme", "globex", core.StateTimeout, now), 0))
	assert.ErrorIs(t, uow.Commit(ctx), core.ErrConflict)

	_, err = s.GetTransaction(ctx, "tx-2")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestStagedReadsSeeUncommittedWrites(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	now := time.Now()

	uow, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, uow.SaveTransaction(ctx, newTx("tx-1", "acme", "globex", core.StateInitiated, now), 0))

	// Visible inside the unit, invisible outside until commit.
	got, err := uow.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", got.ID)

	_, err = s.GetTransaction(ctx, "tx-1")
	assert.ErrorIs(t, err, core.ErrNotFound)

	require.NoError(t, uow.Commit(ctx))
	_, err = s.GetTransaction(ctx, "tx-1")
	assert.NoError(t, err)
}

func TestRollbackDiscardsStagedWrites(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	uow, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, uow.SaveTransaction(ctx, newTx("tx-1", "acme", "globex", core.StateInitiated, time.Now()), 0))
	require.NoError(t, uow.Rollback())

	_, err = s.GetTransaction(ctx, "tx-1")
	assert.ErrorIs(t, err, core.ErrNotFound)

	// A closed unit refuses further work.
	err = uow.SaveTransaction(ctx, newTx("tx-2", "acme", "globex", core.StateInitiated, time.Now()), 0)
	assert.Error(t, err)
}

func TestPendingByParticipant(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	now := time.Now()

	// acme must confirm sending tx-1; globex must confirm receiving tx-2.
	commitTx(t, s, newTx("tx-1", "acme", "globex", core.StateInitiated, now), 0)
	commitTx(t, s, newTx("tx-2", "acme", "globex", core.StateSenderConfirmed, now.Add(time.Minute)), 0)
	commitTx(t, s, newTx("tx-3", "acme", "globex", core.StateValidated, now.Add(2*time.Minute)), 0)

	pending, err := s.PendingByParticipant(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "tx-1", pending[0].ID)

	pending, err = s.PendingByParticipant(ctx, "globex")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "tx-2", pending[0].ID)
}

func TestTransactionsDueBefore(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	now := time.Now()

	due := newTx("tx-due", "acme", "globex", core.StateInitiated, now.Add(-48*time.Hour))
	commitTx(t, s, due, 0)
	commitTx(t, s, newTx("tx-live", "acme", "globex", core.StateInitiated, now), 0)

	// Terminal transactions never come back even when overdue.
	done := newTx("tx-done", "acme", "globex", core.StateValidated, now.Add(-48*time.Hour))
	commitTx(t, s, done, 0)

	out, err := s.TransactionsDueBefore(ctx, now)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "tx-due", out[0].ID)
}

func TestCloneIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	tx := newTx("tx-1", "acme", "globex", core.StateInitiated, time.Now())
	tx.Metadata = map[string]string{"carrier": "alpine"}
	commitTx(t, s, tx, 0)

	got, err := s.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	got.State = core.StateCancelled
	got.Metadata["carrier"] = "tampered"

	fresh, err := s.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, core.StateInitiated, fresh.State)
	assert.Equal(t, "alpine", fresh.Metadata["carrier"])
}

func TestSeedAssignsVersions(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	s.Seed([]*core.ParticipantTrust{
		{ParticipantID: "acme", Score: 80, Tier: core.TierGold},
	})

	rec, err := s.GetTrust(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, 80.0, rec.Score)
}

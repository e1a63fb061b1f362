package compensation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/clock"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/consensus"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/core"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/dispute"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/events"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/storage/memory"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/trust"
)

type fixture struct {
	engine   *Engine
	disputes *dispute.Engine
	machine  *consensus.Machine
	store    *memory.Store
	clk      *clock.FakeClock
	sched    *clock.Scheduler
}

var (
	alice   = core.Principal{ID: "acme", Role: core.RoleParticipant}
	bob     = core.Principal{ID: "globex", Role: core.RoleParticipant}
	arb     = core.Principal{ID: "arbiter", Role: core.RoleAdmin}
	manager = core.Principal{ID: "ops-lead", Role: core.RoleManager}
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewStore()
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	sched := clock.NewScheduler(clk, time.Hour)
	t.Cleanup(sched.Stop)
	bus := events.NewBus(64)
	t.Cleanup(bus.Close)
	trustEngine := trust.NewEngine(store, clk, 0)
	machine := consensus.NewMachine(store, sched, bus, clk, consensus.DefaultPolicy(), trustEngine)
	engine := NewEngine(machine, store, sched)
	disputes := dispute.NewEngine(machine, store, sched, bus, clk, trustEngine, engine)
	return &fixture{engine: engine, disputes: disputes, machine: machine, store: store, clk: clk, sched: sched}
}

// pendingCompensation drives a transaction through dispute resolution
// with a positive compensation amount, leaving the approval gate shut.
func (f *fixture) pendingCompensation(t *testing.T, action core.RequiredAction, dtype core.DisputeType) *core.Transaction {
	t.Helper()
	ctx := context.Background()
	tx, err := f.machine.Create(ctx, consensus.CreateParams{
		Sender:   "acme",
		Receiver: "globex",
		ItemID:   "item-1",
		ItemType: core.ItemProduct,
		Quantity: 10,
		Value:    1000,
	})
	require.NoError(t, err)
	d, err := f.disputes.Open(ctx, bob, dispute.OpenParams{
		TransactionID: tx.ID, Type: dtype, Reason: "defective delivery",
	})
	require.NoError(t, err)
	_, err = f.disputes.Resolve(ctx, d.ID, arb, dispute.ResolveParams{
		Decision:           core.DecisionInFavorReceiver,
		RequiredAction:     action,
		CompensationAmount: 250,
	})
	require.NoError(t, err)
	return tx
}

func (f *fixture) tx(t *testing.T, id string) *core.Transaction {
	t.Helper()
	tx, err := f.store.GetTransaction(context.Background(), id)
	require.NoError(t, err)
	return tx
}

func TestPositiveAmountParksPendingApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.pendingCompensation(t, core.ActionReplace, core.DisputeDamaged)

	comp, err := f.engine.ByParent(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, core.CompensationPendingApproval, comp.Status)
	assert.Empty(t, comp.FollowUpTxID)
	assert.Equal(t, 250.0, comp.Amount)
	assert.Equal(t, core.StateCompensating, f.tx(t, tx.ID).State)
}

func TestApproveCreatesFollowUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.pendingCompensation(t, core.ActionReplace, core.DisputeDamaged)

	require.NoError(t, f.engine.Approve(ctx, tx.ID, manager))

	comp, err := f.engine.ByParent(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, core.CompensationInProgress, comp.Status)
	assert.Equal(t, "ops-lead", comp.Approver)
	require.NotEmpty(t, comp.FollowUpTxID)

	child := f.tx(t, comp.FollowUpTxID)
	assert.Equal(t, "acme", child.Sender)
	assert.Equal(t, "globex", child.Receiver)
	assert.Equal(t, tx.ID, child.ParentTxID)
	assert.Equal(t, 10.0, child.Quantity)

	// The resolution carries the link too.
	parent := f.tx(t, tx.ID)
	d, err := f.disputes.Get(ctx, parent.DisputeID)
	require.NoError(t, err)
	assert.Equal(t, comp.FollowUpTxID, d.Resolution.FollowUpTxID)

	// No double approval.
	err = f.engine.Approve(ctx, tx.ID, manager)
	assert.ErrorIs(t, err, core.ErrInvalidState)
}

func TestApproverChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.pendingCompensation(t, core.ActionReplace, core.DisputeDamaged)

	// Plain participants cannot approve.
	err := f.engine.Approve(ctx, tx.ID, core.Principal{ID: "other", Role: core.RoleParticipant})
	assert.ErrorIs(t, err, core.ErrForbidden)

	// A party cannot approve even with the manager capability.
	err = f.engine.Approve(ctx, tx.ID, core.Principal{ID: "acme", Role: core.RoleManager})
	assert.ErrorIs(t, err, core.ErrForbidden)
}

func TestRejectClosesParentWithoutFollowUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.pendingCompensation(t, core.ActionReplace, core.DisputeDamaged)

	err := f.engine.Reject(ctx, tx.ID, manager, "")
	assert.ErrorIs(t, err, core.ErrValidation)

	require.NoError(t, f.engine.Reject(ctx, tx.ID, manager, "replacement stock exhausted"))

	comp, err := f.engine.ByParent(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, core.CompensationRejected, comp.Status)
	assert.Equal(t, "replacement stock exhausted", comp.RejectReason)
	assert.Empty(t, comp.FollowUpTxID)

	parent := f.tx(t, tx.ID)
	assert.Equal(t, core.StateResolved, parent.State)

	d, err := f.disputes.Get(ctx, parent.DisputeID)
	require.NoError(t, err)
	assert.False(t, d.Resolution.ActionCompleted)
}

func TestReturnReversesDirection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.pendingCompensation(t, core.ActionReturn, core.DisputeWrongItem)
	require.NoError(t, f.engine.Approve(ctx, tx.ID, manager))

	comp, err := f.engine.ByParent(ctx, tx.ID)
	require.NoError(t, err)
	child := f.tx(t, comp.FollowUpTxID)
	assert.Equal(t, "globex", child.Sender)
	assert.Equal(t, "acme", child.Receiver)
}

func TestResendPartialHalvesQuantity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.pendingCompensation(t, core.ActionResendPartial, core.DisputeQuantityMismatch)
	require.NoError(t, f.engine.Approve(ctx, tx.ID, manager))

	comp, err := f.engine.ByParent(ctx, tx.ID)
	require.NoError(t, err)
	child := f.tx(t, comp.FollowUpTxID)
	assert.Equal(t, "acme", child.Sender)
	assert.Equal(t, 5.0, child.Quantity)
	assert.Equal(t, 500.0, child.Value)
}

// The approved follow-up runs the normal two-check flow and closes the
// parent on validation.
func TestApprovedFollowUpClosesParent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.pendingCompensation(t, core.ActionReplace, core.DisputeDamaged)
	require.NoError(t, f.engine.Approve(ctx, tx.ID, manager))

	comp, err := f.engine.ByParent(ctx, tx.ID)
	require.NoError(t, err)
	require.NoError(t, f.machine.ConfirmSent(ctx, comp.FollowUpTxID, alice, nil))
	require.NoError(t, f.machine.ConfirmReceived(ctx, comp.FollowUpTxID, bob, "good"))

	parent := f.tx(t, tx.ID)
	assert.Equal(t, core.StateResolved, parent.State)
	assert.Equal(t, comp.FollowUpTxID, parent.CompensationTxID)

	comp, err = f.engine.ByParent(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, core.CompensationCompleted, comp.Status)
}

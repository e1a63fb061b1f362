package dispute

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/clock"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/compensation"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/consensus"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/core"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/events"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/storage/memory"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/trust"
)

type fixture struct {
	engine  *Engine
	machine *consensus.Machine
	comp    *compensation.Engine
	store   *memory.Store
	clk     *clock.FakeClock
	sched   *clock.Scheduler
}

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
	comp := compensation.NewEngine(machine, store, sched)
	engine := NewEngine(machine, store, sched, bus, clk, trustEngine, comp)
	return &fixture{engine: engine, machine: machine, comp: comp, store: store, clk: clk, sched: sched}
}

var (
	alice    = core.Principal{ID: "acme", Role: core.RoleParticipant}
	bob      = core.Principal{ID: "globex", Role: core.RoleParticipant}
	arb      = core.Principal{ID: "arbiter", Role: core.RoleAdmin}
	stranger = core.Principal{ID: "initech", Role: core.RoleParticipant}
)

func (f *fixture) create(t *testing.T) *core.Transaction {
	t.Helper()
	tx, err := f.machine.Create(context.Background(), consensus.CreateParams{
		Sender:   "acme",
		Receiver: "globex",
		ItemID:   "item-1",
		ItemType: core.ItemProduct,
		Quantity: 10,
		Value:    1000,
	})
	require.NoError(t, err)
	return tx
}

func (f *fixture) validated(t *testing.T) *core.Transaction {
	t.Helper()
	ctx := context.Background()
	tx := f.create(t)
	require.NoError(t, f.machine.ConfirmSent(ctx, tx.ID, alice, nil))
	require.NoError(t, f.machine.ConfirmReceived(ctx, tx.ID, bob, "good"))
	return tx
}

func (f *fixture) tx(t *testing.T, id string) *core.Transaction {
	t.Helper()
	tx, err := f.store.GetTransaction(context.Background(), id)
	require.NoError(t, err)
	return tx
}

func (f *fixture) trustScore(t *testing.T, participantID string) float64 {
	t.Helper()
	rec, err := f.store.GetTrust(context.Background(), participantID)
	require.NoError(t, err)
	return rec.Score
}

func TestOpenGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.create(t)

	_, err := f.engine.Open(ctx, stranger, OpenParams{TransactionID: tx.ID, Type: core.DisputeNotSent, Reason: "nothing arrived"})
	assert.ErrorIs(t, err, core.ErrForbidden)

	_, err = f.engine.Open(ctx, bob, OpenParams{TransactionID: tx.ID, Type: "bogus", Reason: "x"})
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = f.engine.Open(ctx, bob, OpenParams{TransactionID: tx.ID, Type: core.DisputeNotSent})
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestOpenMovesTransactionToDisputed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.create(t)

	d, err := f.engine.Open(ctx, bob, OpenParams{
		TransactionID: tx.ID,
		Type:          core.DisputeNotSent,
		Reason:        "sender never shipped",
	})
	require.NoError(t, err)

	assert.Equal(t, core.DisputeOpen, d.Status)
	assert.Equal(t, "globex", d.Initiator)
	assert.Equal(t, "acme", d.Respondent)

	got := f.tx(t, tx.ID)
	assert.Equal(t, core.StateDisputed, got.State)
	assert.Equal(t, d.ID, got.DisputeID)

	// Filing cost for the initiator; evidence timer armed on top of the
	// suspended-by-dispute tx timer.
	assert.Equal(t, 49.0, f.trustScore(t, "globex"))
	assert.GreaterOrEqual(t, f.sched.Pending(), 1)
}

func TestOpenWithinGraceWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.validated(t)

	f.clk.Advance(71 * time.Hour)
	d, err := f.engine.Open(ctx, bob, OpenParams{TransactionID: tx.ID, Type: core.DisputeDamaged, Reason: "cracked case"})
	require.NoError(t, err)
	assert.Equal(t, core.StateDisputed, f.tx(t, tx.ID).State)
	assert.NotEmpty(t, d.ID)
}

func TestOpenAfterGraceWindowFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.validated(t)

	f.clk.Advance(73 * time.Hour)
	_, err := f.engine.Open(ctx, bob, OpenParams{TransactionID: tx.ID, Type: core.DisputeDamaged, Reason: "cracked case"})
	assert.ErrorIs(t, err, core.ErrInvalidState)
}

func TestOpenOnFrozenTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.create(t)
	require.NoError(t, f.machine.Freeze(ctx, tx.ID, "stop-1"))

	_, err := f.engine.Open(ctx, bob, OpenParams{TransactionID: tx.ID, Type: core.DisputeNotSent, Reason: "no shipment"})
	require.NoError(t, err)
	assert.Equal(t, core.StateDisputed, f.tx(t, tx.ID).State)
}

func TestOpenAppealFromTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.create(t)
	f.clk.Advance(25 * time.Hour)
	require.Equal(t, 1, f.sched.FireDue())
	require.Equal(t, core.StateTimeout, f.tx(t, tx.ID).State)

	_, err := f.engine.Open(ctx, alice, OpenParams{TransactionID: tx.ID, Type: core.DisputeTimeout, Reason: "goods were in transit"})
	require.NoError(t, err)
	assert.Equal(t, core.StateDisputed, f.tx(t, tx.ID).State)
}

func TestEvidenceAppend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.create(t)
	d, err := f.engine.Open(ctx, bob, OpenParams{TransactionID: tx.ID, Type: core.DisputeNotSent, Reason: "no shipment"})
	require.NoError(t, err)

	entry, err := f.engine.AddEvidence(ctx, d.ID, bob, core.EvidenceEntry{
		Kind:        core.EvidenceTracking,
		Description: "tracking shows no pickup",
		FileRefs:    []string{HashAttachment([]byte("tracking.pdf"))},
	})
	require.NoError(t, err)
	assert.Equal(t, "globex", entry.SubmittedBy)
	assert.NotEmpty(t, entry.ID)

	got, err := f.engine.Get(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, got.Evidence, 1)
	assert.Equal(t, core.DisputeInvestigating, got.Status)

	// Outsiders may not submit.
	_, err = f.engine.AddEvidence(ctx, d.ID, stranger, core.EvidenceEntry{
		Kind: core.EvidenceTestimony, Description: "hearsay",
	})
	assert.ErrorIs(t, err, core.ErrForbidden)

	// The arbitrator may.
	_, err = f.engine.AddEvidence(ctx, d.ID, arb, core.EvidenceEntry{
		Kind: core.EvidenceSystemLog, Description: "carrier API shows no manifest",
	})
	require.NoError(t, err)
}

func TestAutoEscalationWithoutInitiatorEvidence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.create(t)
	d, err := f.engine.Open(ctx, bob, OpenParams{TransactionID: tx.ID, Type: core.DisputeNotSent, Reason: "no shipment"})
	require.NoError(t, err)

	// Respondent evidence does not count toward the initiator's burden.
	_, err = f.engine.AddEvidence(ctx, d.ID, alice, core.EvidenceEntry{
		Kind: core.EvidenceDocument, Description: "shipping label",
	})
	require.NoError(t, err)

	f.clk.Advance(49 * time.Hour)
	f.sched.FireDue()

	got, err := f.engine.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, core.DisputeEscalated, got.Status)
	assert.Equal(t, core.StateEscalated, f.tx(t, tx.ID).State)
}

// An emergency stop quiesces the evidence deadline with the rest of
// the transaction: no auto-escalation while frozen, and the deadline
// is pushed out by the freeze duration plus grace on resume.
func TestFreezeSuspendsEvidenceDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.create(t)
	d, err := f.engine.Open(ctx, bob, OpenParams{TransactionID: tx.ID, Type: core.DisputeNotSent, Reason: "no shipment"})
	require.NoError(t, err)
	require.NoError(t, f.machine.Freeze(ctx, tx.ID, "stop-1"))

	f.clk.Advance(49 * time.Hour)
	f.sched.FireDue()

	got, err := f.engine.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, core.DisputeOpen, got.Status)
	assert.Equal(t, core.StateDisputed, f.tx(t, tx.ID).State)

	// Resume pushes the deadline out by frozenFor + grace: the original
	// 48h deadline lands at 48h + 49h + 2h = 99h.
	require.NoError(t, f.machine.Unfreeze(ctx, tx.ID, 2*time.Hour))
	f.sched.FireDue()
	got, err = f.engine.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, core.DisputeOpen, got.Status)

	f.clk.Advance(50 * time.Hour)
	f.sched.FireDue()
	got, err = f.engine.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, core.DisputeEscalated, got.Status)
	assert.Equal(t, core.StateEscalated, f.tx(t, tx.ID).State)
}

func TestNoEscalationWhenInitiatorSubmitted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.create(t)
	d, err := f.engine.Open(ctx, bob, OpenParams{TransactionID: tx.ID, Type: core.DisputeNotSent, Reason: "no shipment"})
	require.NoError(t, err)
	_, err = f.engine.AddEvidence(ctx, d.ID, bob, core.EvidenceEntry{
		Kind: core.EvidenceTracking, Description: "no pickup scan",
	})
	require.NoError(t, err)

	f.clk.Advance(49 * time.Hour)
	f.sched.FireDue()

	got, err := f.engine.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, core.DisputeInvestigating, got.Status)
	assert.Equal(t, core.StateDisputed, f.tx(t, tx.ID).State)
}

func TestResolveGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.create(t)
	d, err := f.engine.Open(ctx, bob, OpenParams{TransactionID: tx.ID, Type: core.DisputeDamaged, Reason: "crushed box"})
	require.NoError(t, err)

	// A party cannot arbitrate.
	_, err = f.engine.Resolve(ctx, d.ID, core.Principal{ID: "acme", Role: core.RoleAdmin}, ResolveParams{
		Decision: core.DecisionNoFault,
	})
	assert.ErrorIs(t, err, core.ErrForbidden)

	// Action outside the type's menu.
	_, err = f.engine.Resolve(ctx, d.ID, arb, ResolveParams{
		Decision:       core.DecisionInFavorReceiver,
		RequiredAction: core.ActionResendPartial,
	})
	assert.ErrorIs(t, err, core.ErrValidation)

	// A remedial action requires an IN_FAVOR_RECEIVER decision.
	_, err = f.engine.Resolve(ctx, d.ID, arb, ResolveParams{
		Decision:       core.DecisionSplit,
		RequiredAction: core.ActionReplace,
	})
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestResolveOutcomes(t *testing.T) {
	cases := []struct {
		name    string
		params  ResolveParams
		txState core.TxState
	}{
		{"in favor of sender", ResolveParams{Decision: core.DecisionInFavorSender}, core.StateValidated},
		{"in favor of receiver no action", ResolveParams{Decision: core.DecisionInFavorReceiver}, core.StateCancelled},
		{"split", ResolveParams{Decision: core.DecisionSplit}, core.StateResolved},
		{"no fault", ResolveParams{Decision: core.DecisionNoFault}, core.StateResolved},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			tx := f.create(t)
			d, err := f.engine.Open(ctx, bob, OpenParams{TransactionID: tx.ID, Type: core.DisputeDamaged, Reason: "crushed box"})
			require.NoError(t, err)

			res, err := f.engine.Resolve(ctx, d.ID, arb, tc.params)
			require.NoError(t, err)
			assert.Equal(t, "arbiter", res.ResolvedBy)
			assert.Equal(t, tc.txState, f.tx(t, tx.ID).State)

			got, err := f.engine.Get(ctx, d.ID)
			require.NoError(t, err)
			assert.Equal(t, core.DisputeResolved, got.Status)

			// Write-once.
			_, err = f.engine.Resolve(ctx, d.ID, arb, ResolveParams{Decision: core.DecisionNoFault})
			assert.ErrorIs(t, err, core.ErrInvalidState)
		})
	}
}

// A verdict with no required action may simply leave the field unset;
// it must default to NONE instead of failing validation.
func TestResolveDefaultsActionToNone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.create(t)
	d, err := f.engine.Open(ctx, bob, OpenParams{TransactionID: tx.ID, Type: core.DisputeDamaged, Reason: "crushed box"})
	require.NoError(t, err)

	res, err := f.engine.Resolve(ctx, d.ID, arb, ResolveParams{Decision: core.DecisionInFavorSender})
	require.NoError(t, err)
	assert.Equal(t, core.ActionNone, res.RequiredAction)
	assert.Equal(t, core.StateValidated, f.tx(t, tx.ID).State)
}

func TestResolveWithRemedyCreatesFollowUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.validated(t)
	d, err := f.engine.Open(ctx, bob, OpenParams{TransactionID: tx.ID, Type: core.DisputeDamaged, Reason: "crushed box"})
	require.NoError(t, err)

	res, err := f.engine.Resolve(ctx, d.ID, arb, ResolveParams{
		Decision:       core.DecisionInFavorReceiver,
		RequiredAction: core.ActionReplace,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.FollowUpTxID)

	assert.Equal(t, core.StateCompensating, f.tx(t, tx.ID).State)

	child := f.tx(t, res.FollowUpTxID)
	assert.Equal(t, core.StateInitiated, child.State)
	assert.Equal(t, "acme", child.Sender)
	assert.Equal(t, "globex", child.Receiver)
	assert.Equal(t, tx.ID, child.ParentTxID)

	comp, err := f.comp.ByParent(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, core.CompensationInProgress, comp.Status)
	assert.Equal(t, child.ID, comp.FollowUpTxID)
}

func TestEscalateLeavesResolutionOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.create(t)
	d, err := f.engine.Open(ctx, bob, OpenParams{TransactionID: tx.ID, Type: core.DisputeDamaged, Reason: "crushed box"})
	require.NoError(t, err)

	res, err := f.engine.Resolve(ctx, d.ID, arb, ResolveParams{Decision: core.DecisionEscalate})
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, core.StateEscalated, f.tx(t, tx.ID).State)

	// The external decision re-enters as a normal resolution.
	res, err = f.engine.Resolve(ctx, d.ID, arb, ResolveParams{Decision: core.DecisionSplit})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, core.StateResolved, f.tx(t, tx.ID).State)
}

// Full arbitration round: dispute after validation, replacement
// shipment, two-check on the replacement, parent closure and the trust
// ledger matching the expected net deltas.
func TestArbitrationRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.validated(t) // both parties at 51

	d, err := f.engine.Open(ctx, bob, OpenParams{TransactionID: tx.ID, Type: core.DisputeDamaged, Reason: "crushed box"})
	require.NoError(t, err)
	_, err = f.engine.AddEvidence(ctx, d.ID, bob, core.EvidenceEntry{
		Kind: core.EvidencePhoto, Description: "damage on arrival",
	})
	require.NoError(t, err)

	res, err := f.engine.Resolve(ctx, d.ID, arb, ResolveParams{
		Decision:       core.DecisionInFavorReceiver,
		RequiredAction: core.ActionReplace,
	})
	require.NoError(t, err)

	require.NoError(t, f.machine.ConfirmSent(ctx, res.FollowUpTxID, alice, nil))
	require.NoError(t, f.machine.ConfirmReceived(ctx, res.FollowUpTxID, bob, "good"))

	parent := f.tx(t, tx.ID)
	assert.Equal(t, core.StateResolved, parent.State)
	assert.Equal(t, res.FollowUpTxID, parent.CompensationTxID)

	got, err := f.engine.Get(ctx, d.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Resolution)
	assert.True(t, got.Resolution.ActionCompleted)

	comp, err := f.comp.ByParent(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, core.CompensationCompleted, comp.Status)

	// acme: +1 validated, -10 lost, +1 follow-up validated, +2 recovery.
	assert.Equal(t, 44.0, f.trustScore(t, "acme"))
	// globex: +1 validated, -1 filing, +1 follow-up validated.
	assert.Equal(t, 51.0, f.trustScore(t, "globex"))

	// The dispute itself cost the at-fault party a net -8: -10 for the
	// lost verdict, +2 recovered by completing the remedy.
	rec, err := f.store.GetTrust(ctx, "acme")
	require.NoError(t, err)
	net := 0.0
	for _, delta := range rec.History {
		if delta.Cause == trust.CauseDisputeLost || delta.Cause == trust.CauseCompensation {
			net += delta.Delta
		}
	}
	assert.Equal(t, -8.0, net)
}

func TestStatistics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t1 := f.create(t)
	t2 := f.create(t)
	_, err := f.engine.Open(ctx, bob, OpenParams{TransactionID: t1.ID, Type: core.DisputeNotSent, Reason: "no shipment"})
	require.NoError(t, err)
	d2, err := f.engine.Open(ctx, bob, OpenParams{TransactionID: t2.ID, Type: core.DisputeDamaged, Reason: "crushed box"})
	require.NoError(t, err)
	_, err = f.engine.Resolve(ctx, d2.ID, arb, ResolveParams{Decision: core.DecisionNoFault})
	require.NoError(t, err)

	stats, err := f.engine.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByType[core.DisputeNotSent])
	assert.Equal(t, 1, stats.ByType[core.DisputeDamaged])
	assert.Equal(t, 1, stats.ByStatus[core.DisputeOpen])
	assert.Equal(t, 1, stats.ByStatus[core.DisputeResolved])
}

package coordinator

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
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/dispute"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/events"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/policy"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/stop"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/storage/memory"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/trust"
)

type fixture struct {
	coord *Coordinator
	store *memory.Store
	clk   *clock.FakeClock
	sched *clock.Scheduler
}

var (
	alice = core.Principal{ID: "acme", Role: core.RoleParticipant}
	bob   = core.Principal{ID: "globex", Role: core.RoleParticipant}
	arb   = core.Principal{ID: "arbiter", Role: core.RoleAdmin}
	admin = core.Principal{ID: "root", Role: core.RoleAdmin}
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
	comp := compensation.NewEngine(machine, store, sched)
	disputes := dispute.NewEngine(machine, store, sched, bus, clk, trustEngine, comp)
	stops := stop.NewController(machine, store, bus, clk)
	gateway := policy.NewGateway(trustEngine, consensus.DefaultPolicy())
	coord := New(machine, disputes, comp, trustEngine, stops, gateway, store)
	return &fixture{coord: coord, store: store, clk: clk, sched: sched}
}

func request(value float64) CreateRequest {
	return CreateRequest{
		Sender:   "acme",
		Receiver: "globex",
		ItemID:   "lot-7",
		ItemType: core.ItemBatch,
		Quantity: 4,
		Value:    value,
	}
}

func (f *fixture) score(t *testing.T, id string) float64 {
	t.Helper()
	rec, err := f.coord.GetTrust(context.Background(), id)
	require.NoError(t, err)
	return rec.Score
}

func TestHappyPathThroughFacade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx, err := f.coord.CreateTransaction(ctx, alice, request(1000))
	require.NoError(t, err)
	assert.Equal(t, core.StateInitiated, tx.State)

	require.NoError(t, f.coord.ConfirmSent(ctx, tx.ID, alice, &core.Evidence{Text: "handed to carrier"}))
	require.NoError(t, f.coord.ConfirmReceived(ctx, tx.ID, bob, "good"))

	got, err := f.coord.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StateValidated, got.State)
	assert.Equal(t, 51.0, f.score(t, "acme"))
	assert.Equal(t, 51.0, f.score(t, "globex"))

	history, err := f.coord.GetTrustHistory(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 1.0, history[0].Delta)
}

func TestPrincipalMustBeSender(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.CreateTransaction(context.Background(), bob, request(100))
	assert.ErrorIs(t, err, core.ErrForbidden)
}

func TestTimeoutPenalty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx, err := f.coord.CreateTransaction(ctx, alice, request(500))
	require.NoError(t, err)

	f.clk.Advance(25 * time.Hour)
	require.Equal(t, 1, f.sched.FireDue())

	got, err := f.coord.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StateTimeout, got.State)
	assert.Equal(t, 45.0, f.score(t, "acme"))
}

func TestAutoApprovalForPlatinumPair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.Seed([]*core.ParticipantTrust{
		{ParticipantID: "acme", Score: 96, Tier: core.TierPlatinum, TotalTransactions: 150},
		{ParticipantID: "globex", Score: 97, Tier: core.TierPlatinum, TotalTransactions: 200},
	})

	tx, err := f.coord.CreateTransaction(ctx, alice, request(50))
	require.NoError(t, err)
	assert.Equal(t, core.StateValidated, tx.State)
	assert.True(t, tx.AutoApproved)

	// Above the ceiling the normal flow applies.
	tx, err = f.coord.CreateTransaction(ctx, alice, request(5000))
	require.NoError(t, err)
	assert.Equal(t, core.StateInitiated, tx.State)
	assert.False(t, tx.AutoApproved)
}

func TestGlobalStopBlocksAdmission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.coord.CreateTransaction(ctx, alice, request(100))
	require.NoError(t, err)

	stopRec, err := f.coord.TriggerEmergencyStop(ctx, admin, stop.TriggerParams{
		Reason: "breach investigation", ScopeAll: true,
	})
	require.NoError(t, err)

	_, err = f.coord.CreateTransaction(ctx, alice, request(100))
	assert.ErrorIs(t, err, core.ErrStopped)

	active, err := f.coord.GetEmergencyStatus(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	require.NoError(t, f.coord.ResumeEmergencyStop(ctx, stopRec.ID, admin, 0))
	_, err = f.coord.CreateTransaction(ctx, alice, request(100))
	require.NoError(t, err)
}

func TestStopRequiresPrivilege(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.TriggerEmergencyStop(context.Background(), alice, stop.TriggerParams{
		Reason: "panic", ScopeAll: true,
	})
	assert.ErrorIs(t, err, core.ErrForbidden)
}

func TestBatchPartialFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.Seed([]*core.ParticipantTrust{
		{ParticipantID: "acme", Score: 90, Tier: core.TierGold, TotalTransactions: 40},
	})

	bad := request(100)
	bad.Quantity = 0
	result, err := f.coord.CreateBatch(ctx, alice, []CreateRequest{request(100), bad, request(200)})
	require.NoError(t, err)

	assert.Len(t, result.Created, 2)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, 1, result.Failures[0].Index)
	assert.Equal(t, "validation", result.Failures[0].Kind)
}

func TestBatchRequiresBenefit(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.CreateBatch(context.Background(), alice, []CreateRequest{request(100)})
	assert.ErrorIs(t, err, core.ErrForbidden)
}

func TestDisputeRoutingAndPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx, err := f.coord.CreateTransaction(ctx, alice, request(1000))
	require.NoError(t, err)

	d, err := f.coord.OpenDispute(ctx, bob, dispute.OpenParams{
		TransactionID: tx.ID, Type: core.DisputeNotSent, Reason: "nothing shipped",
	})
	require.NoError(t, err)

	// Non-admin arbitrators are turned away at the gateway.
	_, err = f.coord.ResolveDispute(ctx, d.ID, core.Principal{ID: "lead", Role: core.RoleManager}, dispute.ResolveParams{
		Decision: core.DecisionNoFault,
	})
	assert.ErrorIs(t, err, core.ErrForbidden)

	_, err = f.coord.ResolveDispute(ctx, d.ID, arb, dispute.ResolveParams{Decision: core.DecisionNoFault})
	require.NoError(t, err)

	stats, err := f.coord.DisputeStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
}

func TestCompensationApprovalRouting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx, err := f.coord.CreateTransaction(ctx, alice, request(1000))
	require.NoError(t, err)
	d, err := f.coord.OpenDispute(ctx, bob, dispute.OpenParams{
		TransactionID: tx.ID, Type: core.DisputeDamaged, Reason: "crushed box",
	})
	require.NoError(t, err)
	_, err = f.coord.ResolveDispute(ctx, d.ID, arb, dispute.ResolveParams{
		Decision:           core.DecisionInFavorReceiver,
		RequiredAction:     core.ActionReplace,
		CompensationAmount: 300,
	})
	require.NoError(t, err)

	// Participants cannot approve; a manager can.
	err = f.coord.ApproveCompensation(ctx, tx.ID, bob)
	assert.ErrorIs(t, err, core.ErrForbidden)
	require.NoError(t, f.coord.ApproveCompensation(ctx, tx.ID, core.Principal{ID: "ops-lead", Role: core.RoleManager}))
}

func TestPendingActions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx, err := f.coord.CreateTransaction(ctx, alice, request(100))
	require.NoError(t, err)

	pending, err := f.coord.PendingActions(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, tx.ID, pending[0].ID)

	require.NoError(t, f.coord.ConfirmSent(ctx, tx.ID, alice, nil))

	pending, err = f.coord.PendingActions(ctx, "globex")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	pending, err = f.coord.PendingActions(ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRehydrateAfterRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx, err := f.coord.CreateTransaction(ctx, alice, request(100))
	require.NoError(t, err)

	// Fresh scheduler simulates the restart.
	f.sched.Stop()
	sched := clock.NewScheduler(f.clk, time.Hour)
	t.Cleanup(sched.Stop)
	bus := events.NewBus(64)
	t.Cleanup(bus.Close)
	trustEngine := trust.NewEngine(f.store, f.clk, 0)
	machine := consensus.NewMachine(f.store, sched, bus, f.clk, consensus.DefaultPolicy(), trustEngine)
	comp := compensation.NewEngine(machine, f.store, sched)
	disputes := dispute.NewEngine(machine, f.store, sched, bus, f.clk, trustEngine, comp)
	stops := stop.NewController(machine, f.store, bus, f.clk)
	coord := New(machine, disputes, comp, trustEngine, stops, policy.NewGateway(trustEngine, consensus.DefaultPolicy()), f.store)

	require.NoError(t, coord.Rehydrate(ctx))
	f.clk.Advance(25 * time.Hour)
	require.Equal(t, 1, sched.FireDue())

	got, err := coord.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StateTimeout, got.State)
}

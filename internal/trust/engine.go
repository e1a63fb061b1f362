// Package trust maintains per-participant trust scores derived from
// transaction outcomes, exposes them as benefit tiers, and serves the
// leaderboard. Score mutations ride inside the same unit of work as the
// state change that caused them, so a crash can never separate the two.
package trust

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"

	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/clock"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/core"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/storage"
)

// Delta cause codes recorded in the history ring.
const (
	CauseValidated      = "transaction.validated"
	CauseTimeout        = "transaction.timeout"
	CauseDisputeOpened  = "dispute.opened"
	CauseDisputeLost    = "dispute.lost"
	CauseDisputeWon     = "dispute.won"
	CauseDisputeSplit   = "dispute.split"
	CauseNoFault        = "dispute.no_fault"
	CauseCompensation   = "compensation.completed"
	CauseDecay          = "decay"
	CauseBootstrapSeed  = "bootstrap.seed"
	initialScore        = 50.0
	platinumMinTx       = 100
	platinumMaxDisputes = 0.02
)

// Benefit names read by the policy gateway.
const (
	BenefitPrioritySupport  = "priority_support"
	BenefitBatchOperations  = "batch_operations_allowed"
	BenefitReducedHoldTimes = "reduced_hold_times"
	BenefitAutoApproval     = "auto_approval_low_value"
)

// Engine computes and persists trust scores.
type Engine struct {
	store      storage.Store
	clk        clock.Clock
	historyCap int
	logger     *log.Logger
}

// NewEngine creates the trust engine. historyCap bounds the per-record
// delta ring; zero means 1024.
func NewEngine(store storage.Store, clk clock.Clock, historyCap int) *Engine {
	if historyCap <= 0 {
		historyCap = 1024
	}
	return &Engine{
		store:      store,
		clk:        clk,
		historyCap: historyCap,
		logger:     log.New(log.Writer(), "[TRUST] ", log.LstdFlags),
	}
}

// ============================================================================
// SCORING
// ============================================================================

// clamp keeps a score inside [0, 100].
func clamp(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// ValidationDelta is the size-weighted reward for a validated transfer.
func ValidationDelta(value float64) float64 {
	switch {
	case value < 100:
		return 0.5
	case value <= 1000:
		return 1.0
	case value <= 10000:
		return 1.5
	default:
		return 2.0
	}
}

// TierFor is the pure tier function of (score, txCount, disputeRate).
func TierFor(score float64, totalTx int, disputeRate float64) core.Tier {
	if totalTx < 10 {
		return core.TierNew
	}
	switch {
	case score >= 95 && totalTx >= platinumMinTx && disputeRate < platinumMaxDisputes:
		return core.TierPlatinum
	case score >= 85:
		return core.TierGold
	case score >= 70:
		return core.TierSilver
	default:
		return core.TierBronze
	}
}

// BenefitsFor maps a tier to its benefit set. Higher tiers include the
// lower tiers' benefits.
func BenefitsFor(tier core.Tier) []string {
	switch tier {
	case core.TierSilver:
		return []string{BenefitPrioritySupport}
	case core.TierGold:
		return []string{BenefitPrioritySupport, BenefitBatchOperations, BenefitReducedHoldTimes}
	case core.TierPlatinum:
		return []string{BenefitPrioritySupport, BenefitBatchOperations, BenefitReducedHoldTimes, BenefitAutoApproval}
	default:
		return nil
	}
}

// applyDelta loads (or creates) the participant record inside the unit
// of work, applies the clamped delta with its audit entry, recomputes
// the tier, and stages the save.
func (e *Engine) applyDelta(ctx context.Context, uow storage.UnitOfWork, participantID string,
	delta float64, cause, txID string, mutate func(*core.ParticipantTrust)) error {

	rec, err := uow.GetTrust(ctx, participantID)
	base := int64(0)
	if errors.Is(err, core.ErrNotFound) {
		rec = e.newRecord(participantID)
	} else if err != nil {
		return err
	} else {
		base = rec.Version
	}

	now := e.clk.Now()
	rec.Score = clamp(rec.Score + delta)
	rec.History = append(rec.History, core.ScoreDelta{
		Delta:     delta,
		Cause:     cause,
		TxID:      txID,
		Timestamp: now,
	})
	if len(rec.History) > e.historyCap {
		rec.History = rec.History[len(rec.History)-e.historyCap:]
	}
	if mutate != nil {
		mutate(rec)
	}
	rec.Tier = TierFor(rec.Score, rec.TotalTransactions, rec.DisputeRate())
	rec.UpdatedAt = now

	return uow.SaveTrust(ctx, rec, base)
}

func (e *Engine) newRecord(participantID string) *core.ParticipantTrust {
	return &core.ParticipantTrust{
		ParticipantID: participantID,
		Score:         initialScore,
		Tier:          core.TierNew,
	}
}

// ============================================================================
// RECORDER HOOKS (called inside the state-change unit of work)
// ============================================================================

// OnTransactionValidated rewards both parties, weighted by value bucket.
func (e *Engine) OnTransactionValidated(ctx context.Context, uow storage.UnitOfWork, tx *core.Transaction) error {
	delta := ValidationDelta(tx.Value)
	inc := func(r *core.ParticipantTrust) { r.TotalTransactions++ }
	if err := e.applyDelta(ctx, uow, tx.Sender, delta, CauseValidated, tx.ID, inc); err != nil {
		return err
	}
	return e.applyDelta(ctx, uow, tx.Receiver, delta, CauseValidated, tx.ID, inc)
}

// OnTimeout penalizes the party whose confirmation was missing.
func (e *Engine) OnTimeout(ctx context.Context, uow storage.UnitOfWork, tx *core.Transaction, attributed string) error {
	return e.applyDelta(ctx, uow, attributed, -5, CauseTimeout, tx.ID,
		func(r *core.ParticipantTrust) { r.TimeoutCount++ })
}

// OnDisputeOpened charges the initiator the filing cost and counts the
// dispute against both parties' rates.
func (e *Engine) OnDisputeOpened(ctx context.Context, uow storage.UnitOfWork, d *core.Dispute) error {
	count := func(r *core.ParticipantTrust) { r.DisputeCount++ }
	if err := e.applyDelta(ctx, uow, d.Initiator, -1, CauseDisputeOpened, d.TransactionID, count); err != nil {
		return err
	}
	return e.applyDelta(ctx, uow, d.Respondent, 0, CauseDisputeOpened, d.TransactionID, count)
}

// OnDisputeResolved applies the verdict deltas. Both parties get a
// history entry on a fault verdict; the winner's delta is zero, so a
// record exists for them even when the dispute was their first event.
func (e *Engine) OnDisputeResolved(ctx context.Context, uow storage.UnitOfWork, d *core.Dispute, tx *core.Transaction) error {
	lost := func(r *core.ParticipantTrust) { r.DisputesLost++ }
	switch d.Resolution.Decision {
	case core.DecisionInFavorSender:
		if err := e.applyDelta(ctx, uow, tx.Receiver, -10, CauseDisputeLost, tx.ID, lost); err != nil {
			return err
		}
		return e.applyDelta(ctx, uow, tx.Sender, 0, CauseDisputeWon, tx.ID, nil)
	case core.DecisionInFavorReceiver:
		if err := e.applyDelta(ctx, uow, tx.Sender, -10, CauseDisputeLost, tx.ID, lost); err != nil {
			return err
		}
		return e.applyDelta(ctx, uow, tx.Receiver, 0, CauseDisputeWon, tx.ID, nil)
	case core.DecisionSplit:
		if err := e.applyDelta(ctx, uow, tx.Sender, -3, CauseDisputeSplit, tx.ID, nil); err != nil {
			return err
		}
		return e.applyDelta(ctx, uow, tx.Receiver, -3, CauseDisputeSplit, tx.ID, nil)
	case core.DecisionNoFault:
		// Reverse the opener penalty.
		return e.applyDelta(ctx, uow, d.Initiator, 1, CauseNoFault, tx.ID, nil)
	case core.DecisionEscalate:
		return nil
	default:
		return core.Validationf("unknown decision %q", d.Resolution.Decision)
	}
}

// OnCompensationCompleted grants the at-fault party partial recovery.
func (e *Engine) OnCompensationCompleted(ctx context.Context, uow storage.UnitOfWork, participantID, txID string) error {
	return e.applyDelta(ctx, uow, participantID, 2, CauseCompensation, txID, nil)
}

// ============================================================================
// QUERIES
// ============================================================================

// Get returns the trust record for a participant.
func (e *Engine) Get(ctx context.Context, participantID string) (*core.ParticipantTrust, error) {
	return e.store.GetTrust(ctx, participantID)
}

// History returns the recorded score deltas, newest last.
func (e *Engine) History(ctx context.Context, participantID string) ([]core.ScoreDelta, error) {
	rec, err := e.store.GetTrust(ctx, participantID)
	if err != nil {
		return nil, err
	}
	return rec.History, nil
}

// Benefits returns the benefit set of a participant's current tier.
// Unknown participants get the empty (NEW) set.
func (e *Engine) Benefits(ctx context.Context, participantID string) ([]string, error) {
	rec, err := e.store.GetTrust(ctx, participantID)
	if errors.Is(err, core.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return BenefitsFor(rec.Tier), nil
}

// TierOf returns a participant's tier; unknown participants are NEW.
func (e *Engine) TierOf(ctx context.Context, participantID string) (core.Tier, error) {
	rec, err := e.store.GetTrust(ctx, participantID)
	if errors.Is(err, core.ErrNotFound) {
		return core.TierNew, nil
	}
	if err != nil {
		return "", err
	}
	return rec.Tier, nil
}

// Leaderboard returns up to limit records ordered by score descending.
func (e *Engine) Leaderboard(ctx context.Context, limit int) ([]*core.ParticipantTrust, error) {
	all, err := e.store.TrustAll(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Score != all[j].Score {
			return all[i].Score > all[j].Score
		}
		return all[i].ParticipantID < all[j].ParticipantID
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// ============================================================================
// REPLAY
// ============================================================================

// Replay re-derives every trust record from the transaction and dispute
// log. Used on restart when no fresh checkpoint exists; the result
// overwrites whatever records are present.
func (e *Engine) Replay(ctx context.Context) error {
	txs, err := e.store.AllTransactions(ctx)
	if err != nil {
		return err
	}
	disputes, err := e.store.AllDisputes(ctx)
	if err != nil {
		return err
	}
	disputeByID := make(map[string]*core.Dispute, len(disputes))
	for _, d := range disputes {
		disputeByID[d.ID] = d
	}

	uow, err := e.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer uow.Rollback()

	// Reset every participant the log mentions back to a fresh record
	// before folding, so a replay over existing aggregates does not
	// stack the deltas a second time.
	parties := make(map[string]struct{})
	for _, tx := range txs {
		parties[tx.Sender] = struct{}{}
		parties[tx.Receiver] = struct{}{}
	}
	for _, d := range disputes {
		parties[d.Initiator] = struct{}{}
		parties[d.Respondent] = struct{}{}
	}
	for id := range parties {
		rec, err := uow.GetTrust(ctx, id)
		if errors.Is(err, core.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		fresh := e.newRecord(id)
		fresh.Version = rec.Version
		if err := uow.SaveTrust(ctx, fresh, rec.Version); err != nil {
			return err
		}
	}

	for _, tx := range txs {
		switch tx.State {
		case core.StateValidated, core.StateResolved, core.StateCompensating:
			if tx.State == core.StateValidated || tx.ReceiverConfirmedAt != nil {
				if err := e.OnTransactionValidated(ctx, uow, tx); err != nil {
					return err
				}
			}
		case core.StateTimeout:
			attributed := tx.Sender
			if tx.SenderConfirmedAt != nil {
				attributed = tx.Receiver
			}
			if err := e.OnTimeout(ctx, uow, tx, attributed); err != nil {
				return err
			}
		}
	}
	for _, d := range disputes {
		if err := e.OnDisputeOpened(ctx, uow, d); err != nil {
			return err
		}
		if d.Resolution == nil {
			continue
		}
		tx, err := uow.GetTransaction(ctx, d.TransactionID)
		if err != nil {
			return err
		}
		if err := e.OnDisputeResolved(ctx, uow, d, tx); err != nil {
			return err
		}
		if d.Resolution.ActionCompleted {
			atFault := tx.Sender
			if d.Resolution.Decision == core.DecisionInFavorSender {
				atFault = tx.Receiver
			}
			if err := e.OnCompensationCompleted(ctx, uow, atFault, tx.ID); err != nil {
				return err
			}
		}
	}

	if err := uow.Commit(ctx); err != nil {
		return err
	}
	e.logger.Printf("Replayed trust aggregates from %d transactions, %d disputes", len(txs), len(disputes))
	return nil
}

// FoldHistory recomputes a score from a delta sequence, clamping after
// each step. Exposed for verification: the stored score of a record
// whose history fits the ring must equal the fold.
func FoldHistory(history []core.ScoreDelta) float64 {
	score := initialScore
	for _, d := range history {
		score = clamp(score + d.Delta)
	}
	return score
}

// Describe renders a one-line summary, useful in logs and the CLI.
func Describe(rec *core.ParticipantTrust) string {
	return fmt.Sprintf("%s score=%.1f tier=%s tx=%d disputes=%d lost=%d timeouts=%d",
		rec.ParticipantID, rec.Score, rec.Tier, rec.TotalTransactions,
		rec.DisputeCount, rec.DisputesLost, rec.TimeoutCount)
}

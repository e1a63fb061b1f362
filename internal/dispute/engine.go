// Package dispute owns the dispute lifecycle: opening, evidence
// collection, arbitration, and the hand-off to compensation. Every
// mutation that touches the underlying transaction goes through the
// consensus machine's versioned write loop.
package dispute

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/clock"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/consensus"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/core"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/events"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/storage"
)

// CompensationStager creates the remedial follow-up inside the resolve
// unit of work. Implemented by compensation.Engine.
type CompensationStager interface {
	StageForResolution(ctx context.Context, op *consensus.Op, d *core.Dispute) (*core.Compensation, error)
}

// EvidenceTimerKey is the scheduler key for a dispute's evidence
// deadline. The consensus machine owns the format so Freeze can
// suspend it with the transaction timer.
func EvidenceTimerKey(disputeID string) string { return consensus.EvidenceTimerKey(disputeID) }

// allowedActions is the remedial-action menu per dispute type. NONE is
// always permitted in addition.
var allowedActions = map[core.DisputeType][]core.RequiredAction{
	core.DisputeNotReceived:      {core.ActionResend},
	core.DisputeWrongItem:        {core.ActionReturn, core.ActionReplace},
	core.DisputeDamaged:          {core.ActionReplace, core.ActionReturn},
	core.DisputeQuantityMismatch: {core.ActionResendPartial},
	core.DisputeQualityIssue:     {core.ActionReplace, core.ActionReturn},
	core.DisputeNotSent:          {core.ActionResend},
	core.DisputeTimeout:          {core.ActionResend},
}

func actionAllowed(dt core.DisputeType, action core.RequiredAction) bool {
	if action == core.ActionNone {
		return true
	}
	for _, a := range allowedActions[dt] {
		if a == action {
			return true
		}
	}
	return false
}

// Engine orchestrates disputes.
type Engine struct {
	machine *consensus.Machine
	store   storage.Store
	sched   *clock.Scheduler
	bus     consensus.EventSink
	clk     clock.Clock
	trust   consensus.TrustRecorder
	comp    CompensationStager
	logger  *log.Logger
}

// NewEngine wires the dispute engine. comp may be nil in tests that
// never resolve with a remedial action.
func NewEngine(machine *consensus.Machine, store storage.Store, sched *clock.Scheduler,
	bus consensus.EventSink, clk clock.Clock, trust consensus.TrustRecorder, comp CompensationStager) *Engine {
	return &Engine{
		machine: machine,
		store:   store,
		sched:   sched,
		bus:     bus,
		clk:     clk,
		trust:   trust,
		comp:    comp,
		logger:  log.New(log.Writer(), "[DISPUTE] ", log.LstdFlags),
	}
}

// ============================================================================
// OPEN
// ============================================================================

// OpenParams is the input of dispute creation.
type OpenParams struct {
	TransactionID string
	Type          core.DisputeType
	Reason        string
	// Evidence optionally attaches a first entry in the same write.
	Evidence *core.EvidenceEntry
}

// Open files a dispute and moves the transaction to DISPUTED. Allowed
// from INITIATED, SENDER_CONFIRMED, TIMEOUT, and from VALIDATED while
// the grace window is still open. Works on frozen transactions; a
// dispute is the one mutation an emergency stop does not block.
func (e *Engine) Open(ctx context.Context, initiator core.Principal, p OpenParams) (*core.Dispute, error) {
	if !p.Type.Valid() {
		return nil, core.Validationf("unknown dispute type %q", p.Type)
	}
	if p.Reason == "" {
		return nil, core.Validationf("reason is required")
	}

	var dispute *core.Dispute
	err := e.machine.Update(ctx, p.TransactionID, func(op *consensus.Op) error {
		tx := op.Tx
		if !tx.IsParty(initiator.ID) {
			return core.Forbiddenf("principal %s is not a party to %s", initiator.ID, tx.ID)
		}
		if tx.State == core.StateValidated {
			windowEnd := e.validatedAt(tx).Add(e.machine.Policy().WDispute)
			if op.Now.After(windowEnd) {
				return core.InvalidStatef("dispute window for %s closed at %s",
					tx.ID, windowEnd.Format(time.RFC3339))
			}
		}
		if err := op.Transition(core.StateDisputed); err != nil {
			return err
		}

		dispute = &core.Dispute{
			ID:            uuid.NewString(),
			TransactionID: tx.ID,
			Initiator:     initiator.ID,
			Respondent:    tx.Counterparty(initiator.ID),
			Type:          p.Type,
			Status:        core.DisputeOpen,
			Reason:        p.Reason,
			OpenedAt:      op.Now,
		}
		if p.Evidence != nil {
			entry := *p.Evidence
			entry.ID = uuid.NewString()
			entry.SubmittedBy = initiator.ID
			entry.Timestamp = op.Now
			dispute.Evidence = append(dispute.Evidence, entry)
			dispute.Status = core.DisputeInvestigating
		}
		tx.DisputeID = dispute.ID

		if err := op.UoW.SaveDispute(ctx, dispute, 0); err != nil {
			return err
		}
		if err := e.trust.OnDisputeOpened(ctx, op.UoW, dispute); err != nil {
			return err
		}

		evidenceDeadline := op.Now.Add(e.machine.Policy().TEvidence)
		disputeID := dispute.ID
		op.After(func() { e.sched.Cancel(consensus.TimerKey(tx.ID)) })
		op.After(func() {
			if err := e.sched.Schedule(EvidenceTimerKey(disputeID), evidenceDeadline, e.HandleEvidenceDeadline); err != nil {
				e.logger.Printf("⚠️ failed to arm evidence timer for dispute=%s: %v", disputeID, err)
			}
		})
		op.EmitFor(events.TopicDisputeOpened, dispute.ID, map[string]interface{}{
			"transaction_id": tx.ID,
			"initiator":      initiator.ID,
			"type":           string(p.Type),
		})
		op.EmitFor(events.TopicTrustUpdated, initiator.ID, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Printf("Opened dispute %s on tx %s (type=%s, initiator=%s)",
		dispute.ID, p.TransactionID, p.Type, initiator.ID)
	return dispute, nil
}

// validatedAt is the instant the transaction reached VALIDATED, used as
// the dispute-window anchor.
func (e *Engine) validatedAt(tx *core.Transaction) time.Time {
	if tx.ReceiverConfirmedAt != nil {
		return *tx.ReceiverConfirmedAt
	}
	if tx.TerminalAt != nil {
		return *tx.TerminalAt
	}
	return tx.Created
}

// ============================================================================
// EVIDENCE
// ============================================================================

// HashAttachment returns the content address stored in FileRefs for an
// uploaded attachment.
func HashAttachment(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// AddEvidence appends an evidence entry. Only the dispute parties or an
// arbitrator-capable principal may submit, and only before resolution.
func (e *Engine) AddEvidence(ctx context.Context, disputeID string, principal core.Principal, entry core.EvidenceEntry) (*core.EvidenceEntry, error) {
	if !entry.Kind.Valid() {
		return nil, core.Validationf("unknown evidence kind %q", entry.Kind)
	}
	if entry.Description == "" && len(entry.FileRefs) == 0 {
		return nil, core.Validationf("evidence needs a description or attachments")
	}

	var saved core.EvidenceEntry
	err := e.withDispute(ctx, disputeID, func(uow storage.UnitOfWork, d *core.Dispute) error {
		if d.Resolution != nil {
			return core.InvalidStatef("dispute %s is already resolved", disputeID)
		}
		if principal.ID != d.Initiator && principal.ID != d.Respondent && principal.Role != core.RoleAdmin {
			return core.Forbiddenf("principal %s may not submit evidence on %s", principal.ID, disputeID)
		}

		entry.ID = uuid.NewString()
		entry.SubmittedBy = principal.ID
		entry.Timestamp = e.clk.Now()
		d.Evidence = append(d.Evidence, entry)
		if d.Status == core.DisputeOpen {
			d.Status = core.DisputeInvestigating
		}
		saved = entry
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.bus.Publish(events.NewEvent(events.TopicDisputeEvidenceAdded, disputeID, map[string]interface{}{
		"entry_id":     saved.ID,
		"submitted_by": saved.SubmittedBy,
		"kind":         string(saved.Kind),
	}))
	return &saved, nil
}

// withDispute runs fn against the dispute under the same version-retry
// discipline the machine applies to transactions.
func (e *Engine) withDispute(ctx context.Context, disputeID string, fn func(uow storage.UnitOfWork, d *core.Dispute) error) error {
	var lastErr error
	for attempt := 0; attempt <= e.machine.Policy().ConflictRetries; attempt++ {
		err := func() error {
			uow, err := e.store.Begin(ctx)
			if err != nil {
				return fmt.Errorf("%w: %v", core.ErrInternal, err)
			}
			defer uow.Rollback()

			d, err := uow.GetDispute(ctx, disputeID)
			if err != nil {
				return err
			}
			base := d.Version
			if err := fn(uow, d); err != nil {
				return err
			}
			if err := uow.SaveDispute(ctx, d, base); err != nil {
				return err
			}
			return uow.Commit(ctx)
		}()
		if err == nil {
			return nil
		}
		if !errors.Is(err, core.ErrConflict) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// ============================================================================
// RESOLVE
// ============================================================================

// ResolveParams is the arbitrator's verdict.
type ResolveParams struct {
	Decision           core.Decision
	RequiredAction     core.RequiredAction
	CompensationAmount float64
	Notes              string
}

func (p ResolveParams) validate(dt core.DisputeType) error {
	switch {
	case !p.Decision.Valid():
		return core.Validationf("unknown decision %q", p.Decision)
	case p.RequiredAction != core.ActionNone && p.Decision != core.DecisionInFavorReceiver:
		return core.Validationf("required action %s needs an IN_FAVOR_RECEIVER decision", p.RequiredAction)
	case !actionAllowed(dt, p.RequiredAction):
		return core.Validationf("action %s is not available for dispute type %s", p.RequiredAction, dt)
	case p.CompensationAmount < 0:
		return core.Validationf("compensation amount must be non-negative")
	}
	return nil
}

// Resolve records the arbitrator's verdict and drives the transaction
// to its post-dispute state. The resolution itself is write-once; an
// ESCALATE decision only raises the dispute and leaves the slot open
// for the re-entered final verdict.
func (e *Engine) Resolve(ctx context.Context, disputeID string, arbitrator core.Principal, p ResolveParams) (*core.Resolution, error) {
	d, err := e.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if p.RequiredAction == "" {
		p.RequiredAction = core.ActionNone
	}
	if err := p.validate(d.Type); err != nil {
		return nil, err
	}

	var resolution *core.Resolution
	err = e.machine.Update(ctx, d.TransactionID, func(op *consensus.Op) error {
		tx := op.Tx
		d, err := op.UoW.GetDispute(ctx, disputeID)
		if err != nil {
			return err
		}
		dBase := d.Version

		if d.Resolution != nil {
			return core.InvalidStatef("dispute %s is already resolved", disputeID)
		}
		if tx.Frozen {
			return fmt.Errorf("transaction %s is frozen: %w", tx.ID, core.ErrStopped)
		}
		if tx.IsParty(arbitrator.ID) {
			return core.Forbiddenf("arbitrator %s is a party to %s", arbitrator.ID, tx.ID)
		}
		if tx.State != core.StateDisputed && tx.State != core.StateEscalated {
			return core.InvalidStatef("resolve on %s in state %s", tx.ID, tx.State)
		}

		if p.Decision == core.DecisionEscalate {
			d.Status = core.DisputeEscalated
			if err := op.Transition(core.StateEscalated); err != nil {
				return err
			}
			if err := op.UoW.SaveDispute(ctx, d, dBase); err != nil {
				return err
			}
			op.After(func() { e.sched.Cancel(EvidenceTimerKey(disputeID)) })
			op.EmitFor(events.TopicDisputeEscalated, disputeID, map[string]interface{}{
				"escalated_by": arbitrator.ID,
			})
			return nil
		}

		resolution = &core.Resolution{
			ID:                 uuid.NewString(),
			Decision:           p.Decision,
			RequiredAction:     p.RequiredAction,
			CompensationAmount: p.CompensationAmount,
			ResolvedBy:         arbitrator.ID,
			ResolvedAt:         op.Now,
			Notes:              p.Notes,
		}
		d.Resolution = resolution
		d.Status = core.DisputeResolved

		if err := e.trust.OnDisputeResolved(ctx, op.UoW, d, tx); err != nil {
			return err
		}

		switch {
		case p.Decision == core.DecisionInFavorSender:
			if err := op.Transition(core.StateValidated); err != nil {
				return err
			}
		case p.Decision == core.DecisionInFavorReceiver && p.RequiredAction == core.ActionNone:
			if err := op.Transition(core.StateCancelled); err != nil {
				return err
			}
		case p.Decision == core.DecisionInFavorReceiver:
			if err := op.Transition(core.StateCompensating); err != nil {
				return err
			}
			if e.comp == nil {
				return core.Validationf("no compensation engine configured for action %s", p.RequiredAction)
			}
			comp, err := e.comp.StageForResolution(ctx, op, d)
			if err != nil {
				return err
			}
			resolution.FollowUpTxID = comp.FollowUpTxID
		default: // SPLIT, NO_FAULT
			if err := op.Transition(core.StateResolved); err != nil {
				return err
			}
		}

		if err := op.UoW.SaveDispute(ctx, d, dBase); err != nil {
			return err
		}

		op.After(func() { e.sched.Cancel(EvidenceTimerKey(disputeID)) })
		op.EmitFor(events.TopicDisputeResolved, disputeID, map[string]interface{}{
			"decision":        string(p.Decision),
			"required_action": string(p.RequiredAction),
			"resolved_by":     arbitrator.ID,
		})
		op.EmitFor(events.TopicTrustUpdated, tx.Sender, nil)
		op.EmitFor(events.TopicTrustUpdated, tx.Receiver, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if resolution != nil {
		e.logger.Printf("Resolved dispute %s: %s / %s", disputeID, p.Decision, p.RequiredAction)
	} else {
		e.logger.Printf("Escalated dispute %s", disputeID)
	}
	return resolution, nil
}

// ============================================================================
// EVIDENCE DEADLINE
// ============================================================================

// HandleEvidenceDeadline is the scheduler callback for an evidence
// deadline. A dispute whose initiator submitted nothing by the deadline
// escalates automatically.
func (e *Engine) HandleEvidenceDeadline(key string) {
	disputeID := key[len("evidence:"):]
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	d, err := e.store.GetDispute(ctx, disputeID)
	if err != nil {
		e.logger.Printf("❌ evidence deadline for unknown dispute=%s: %v", disputeID, err)
		return
	}

	err = e.machine.Update(ctx, d.TransactionID, func(op *consensus.Op) error {
		if op.Tx.Frozen {
			// Emergency stop: the suspended timer is normally resumed on
			// unfreeze, but a restart while frozen re-arms it fresh and it
			// can fire here. Defer past the grace window instead.
			deadline := op.Now.Add(e.machine.Policy().FreezeGrace)
			op.After(func() {
				if err := e.sched.Schedule(EvidenceTimerKey(disputeID), deadline, e.HandleEvidenceDeadline); err != nil {
					e.logger.Printf("⚠️ failed to defer evidence timer for dispute=%s: %v", disputeID, err)
				}
			})
			return nil
		}
		d, err := op.UoW.GetDispute(ctx, disputeID)
		if err != nil {
			return err
		}
		if d.Resolution != nil || d.Status == core.DisputeEscalated {
			return nil
		}
		if d.InitiatorEvidenceCount() > 0 {
			return nil
		}
		dBase := d.Version
		d.Status = core.DisputeEscalated
		if op.Tx.State == core.StateDisputed {
			if err := op.Transition(core.StateEscalated); err != nil {
				return err
			}
		}
		if err := op.UoW.SaveDispute(ctx, d, dBase); err != nil {
			return err
		}
		op.EmitFor(events.TopicDisputeEscalated, disputeID, map[string]interface{}{
			"cause": "evidence_deadline",
		})
		e.logger.Printf("⏰ Dispute %s escalated: no initiator evidence by deadline", disputeID)
		return nil
	})
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		e.logger.Printf("❌ evidence deadline handling for dispute=%s failed: %v", disputeID, err)
	}
}

// RehydrateTimers re-arms evidence deadlines after a restart.
func (e *Engine) RehydrateTimers(ctx context.Context) error {
	disputes, err := e.store.AllDisputes(ctx)
	if err != nil {
		return err
	}
	n := 0
	for _, d := range disputes {
		if d.Resolution != nil || d.Status == core.DisputeEscalated {
			continue
		}
		deadline := d.OpenedAt.Add(e.machine.Policy().TEvidence)
		if err := e.sched.Schedule(EvidenceTimerKey(d.ID), deadline, e.HandleEvidenceDeadline); err != nil {
			return err
		}
		n++
	}
	e.logger.Printf("Rehydrated %d evidence timers", n)
	return nil
}

// ============================================================================
// QUERIES
// ============================================================================

// Get returns a dispute by id.
func (e *Engine) Get(ctx context.Context, disputeID string) (*core.Dispute, error) {
	return e.store.GetDispute(ctx, disputeID)
}

// Stats summarizes the dispute population.
type Stats struct {
	Total    int                        `json:"total"`
	ByType   map[core.DisputeType]int   `json:"by_type"`
	ByStatus map[core.DisputeStatus]int `json:"by_status"`
}

// Statistics aggregates dispute counts by type and status.
func (e *Engine) Statistics(ctx context.Context) (*Stats, error) {
	disputes, err := e.store.AllDisputes(ctx)
	if err != nil {
		return nil, err
	}
	s := &Stats{
		ByType:   make(map[core.DisputeType]int),
		ByStatus: make(map[core.DisputeStatus]int),
	}
	for _, d := range disputes {
		s.Total++
		s.ByType[d.Type]++
		s.ByStatus[d.Status]++
	}
	return s, nil
}

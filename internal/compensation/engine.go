// Package compensation creates and tracks the remedial follow-up
// transfers demanded by dispute resolutions. A follow-up is an ordinary
// transaction with ParentTxID set; it runs the normal two-check flow,
// and its validation closes the parent.
package compensation

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/clock"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/consensus"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/core"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/events"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/storage"
)

// Engine owns the compensation lifecycle.
type Engine struct {
	machine *consensus.Machine
	store   storage.Store
	sched   *clock.Scheduler
	logger  *log.Logger
}

// NewEngine wires the compensation engine.
func NewEngine(machine *consensus.Machine, store storage.Store, sched *clock.Scheduler) *Engine {
	return &Engine{
		machine: machine,
		store:   store,
		sched:   sched,
		logger:  log.New(log.Writer(), "[COMPENSATION] ", log.LstdFlags),
	}
}

// ============================================================================
// CREATION (inside the resolve unit of work)
// ============================================================================

// StageForResolution records the compensation demanded by a fresh
// resolution. Zero-amount remedies start immediately; a positive
// compensation amount parks the record in PENDING_APPROVAL until a
// manager signs off.
func (e *Engine) StageForResolution(ctx context.Context, op *consensus.Op, d *core.Dispute) (*core.Compensation, error) {
	parent := op.Tx
	res := d.Resolution
	if res == nil || res.RequiredAction == core.ActionNone {
		return nil, core.InvalidStatef("dispute %s has no remedial action to compensate", d.ID)
	}

	comp := &core.Compensation{
		ID:         uuid.NewString(),
		ParentTxID: parent.ID,
		Kind:       res.RequiredAction,
		Amount:     res.CompensationAmount,
		CreatedAt:  op.Now,
	}

	if comp.Amount > 0 {
		comp.Status = core.CompensationPendingApproval
	} else {
		comp.Status = core.CompensationInProgress
		child, err := e.stageFollowUp(ctx, op, parent, comp.Kind)
		if err != nil {
			return nil, err
		}
		comp.FollowUpTxID = child.ID
		res.FollowUpTxID = child.ID
	}

	if err := op.UoW.SaveCompensation(ctx, comp, 0); err != nil {
		return nil, err
	}
	op.EmitFor(events.TopicCompensationCreated, comp.ID, map[string]interface{}{
		"parent_tx_id": parent.ID,
		"kind":         string(comp.Kind),
		"status":       string(comp.Status),
		"amount":       comp.Amount,
	})
	return comp, nil
}

// stageFollowUp writes the follow-up transaction into the open unit of
// work and queues its deadline timer. RETURN ships goods back, so the
// direction reverses; every other remedy re-ships along the original
// direction. RESEND_PARTIAL covers the disputed shortfall at half the
// original quantity and value.
func (e *Engine) stageFollowUp(ctx context.Context, op *consensus.Op, parent *core.Transaction, kind core.RequiredAction) (*core.Transaction, error) {
	sender, receiver := parent.Sender, parent.Receiver
	if kind == core.ActionReturn {
		sender, receiver = parent.Receiver, parent.Sender
	}
	quantity, value := parent.Quantity, parent.Value
	if kind == core.ActionResendPartial {
		quantity /= 2
		value /= 2
	}

	child := &core.Transaction{
		ID:         uuid.NewString(),
		Sender:     sender,
		Receiver:   receiver,
		ItemID:     parent.ItemID,
		ItemType:   parent.ItemType,
		Quantity:   quantity,
		Value:      value,
		State:      core.StateInitiated,
		Created:    op.Now,
		TimeoutAt:  op.Now.Add(e.machine.Policy().TInitial),
		ParentTxID: parent.ID,
	}
	if err := op.UoW.SaveTransaction(ctx, child, 0); err != nil {
		return nil, err
	}

	deadline := child.TimeoutAt
	childID := child.ID
	op.After(func() {
		if err := e.sched.Schedule(consensus.TimerKey(childID), deadline, e.machine.HandleTimeout); err != nil {
			e.logger.Printf("⚠️ failed to arm timer for follow-up tx=%s: %v", childID, err)
		}
	})
	op.EmitFor(events.TopicTxCreated, child.ID, map[string]interface{}{
		"sender":       child.Sender,
		"receiver":     child.Receiver,
		"parent_tx_id": parent.ID,
	})
	e.logger.Printf("Staged follow-up %s for parent %s (%s, qty=%.2f)", child.ID, parent.ID, kind, quantity)
	return child, nil
}

// ============================================================================
// APPROVAL GATE
// ============================================================================

// Approve releases a pending compensation: the approver must hold the
// manager or admin capability and be distinct from both parties. The
// follow-up transfer is created in the same write.
func (e *Engine) Approve(ctx context.Context, parentTxID string, principal core.Principal) error {
	return e.machine.Update(ctx, parentTxID, func(op *consensus.Op) error {
		parent := op.Tx
		if parent.Frozen {
			return fmt.Errorf("transaction %s is frozen: %w", parentTxID, core.ErrStopped)
		}
		if parent.State != core.StateCompensating {
			return core.InvalidStatef("approveCompensation on %s in state %s", parentTxID, parent.State)
		}
		if err := checkApprover(parent, principal); err != nil {
			return err
		}

		comp, err := op.UoW.GetCompensationByParent(ctx, parentTxID)
		if err != nil {
			return err
		}
		if comp.Status != core.CompensationPendingApproval {
			return core.InvalidStatef("compensation %s is %s, not pending approval", comp.ID, comp.Status)
		}
		cBase := comp.Version

		child, err := e.stageFollowUp(ctx, op, parent, comp.Kind)
		if err != nil {
			return err
		}
		comp.Status = core.CompensationInProgress
		comp.Approver = principal.ID
		comp.FollowUpTxID = child.ID
		if err := op.UoW.SaveCompensation(ctx, comp, cBase); err != nil {
			return err
		}

		if parent.DisputeID != "" {
			d, err := op.UoW.GetDispute(ctx, parent.DisputeID)
			if err != nil {
				return err
			}
			if d.Resolution != nil {
				dBase := d.Version
				d.Resolution.FollowUpTxID = child.ID
				if err := op.UoW.SaveDispute(ctx, d, dBase); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Reject closes a pending compensation without a follow-up. The parent
// resolves with the remedial action left incomplete.
func (e *Engine) Reject(ctx context.Context, parentTxID string, principal core.Principal, reason string) error {
	if reason == "" {
		return core.Validationf("rejection reason is required")
	}
	return e.machine.Update(ctx, parentTxID, func(op *consensus.Op) error {
		parent := op.Tx
		if parent.Frozen {
			return fmt.Errorf("transaction %s is frozen: %w", parentTxID, core.ErrStopped)
		}
		if parent.State != core.StateCompensating {
			return core.InvalidStatef("rejectCompensation on %s in state %s", parentTxID, parent.State)
		}
		if err := checkApprover(parent, principal); err != nil {
			return err
		}

		comp, err := op.UoW.GetCompensationByParent(ctx, parentTxID)
		if err != nil {
			return err
		}
		if comp.Status != core.CompensationPendingApproval {
			return core.InvalidStatef("compensation %s is %s, not pending approval", comp.ID, comp.Status)
		}
		cBase := comp.Version
		comp.Status = core.CompensationRejected
		comp.Approver = principal.ID
		comp.RejectReason = reason
		if err := op.UoW.SaveCompensation(ctx, comp, cBase); err != nil {
			return err
		}

		if err := op.Transition(core.StateResolved); err != nil {
			return err
		}
		op.Emit(events.TopicTxCancelled, map[string]interface{}{
			"cause":  "compensation_rejected",
			"reason": reason,
		})
		return nil
	})
}

func checkApprover(tx *core.Transaction, principal core.Principal) error {
	if principal.Role != core.RoleManager && principal.Role != core.RoleAdmin {
		return core.Forbiddenf("principal %s lacks approval capability", principal.ID)
	}
	if tx.IsParty(principal.ID) {
		return core.Forbiddenf("approver %s is a party to %s", principal.ID, tx.ID)
	}
	return nil
}

// ============================================================================
// QUERIES
// ============================================================================

// Get returns a compensation record by id.
func (e *Engine) Get(ctx context.Context, id string) (*core.Compensation, error) {
	return e.store.GetCompensation(ctx, id)
}

// ByParent returns the compensation attached to a parent transaction.
func (e *Engine) ByParent(ctx context.Context, parentTxID string) (*core.Compensation, error) {
	return e.store.GetCompensationByParent(ctx, parentTxID)
}

// Package consensus implements the transaction state machine: canonical
// transitions, guards, timeout handling, and the versioned
// read-modify-write loop every mutation goes through. State decisions
// are pure; persistence wraps them, and nothing is acknowledged before
// the unit of work commits.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/clock"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/core"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/events"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/storage"
)

// Policy holds the configurable deadlines and thresholds of the engine.
type Policy struct {
	TInitial  time.Duration // sender must confirm within, from creation
	TReceive  time.Duration // receiver must confirm within, from sender confirm
	WDispute  time.Duration // post-validation dispute grace window
	TEvidence time.Duration // initiator evidence deadline on disputes
	VAuto     float64       // auto-approval value ceiling for high-tier pairs

	FreezeGrace     time.Duration // added to deadlines on emergency resume
	ConflictRetries int           // versioned-write retry budget
}

// DefaultPolicy returns the documented defaults.
func DefaultPolicy() Policy {
	return Policy{
		TInitial:        24 * time.Hour,
		TReceive:        48 * time.Hour,
		WDispute:        72 * time.Hour,
		TEvidence:       48 * time.Hour,
		VAuto:           100,
		FreezeGrace:     2 * time.Hour,
		ConflictRetries: 3,
	}
}

// EventSink is satisfied by events.Bus and events.PubSubBus.
type EventSink interface {
	Publish(*events.Event)
}

// TrustRecorder applies trust deltas inside the same unit of work as
// the state change that caused them. Implemented by trust.Engine.
type TrustRecorder interface {
	OnTransactionValidated(ctx context.Context, uow storage.UnitOfWork, tx *core.Transaction) error
	OnTimeout(ctx context.Context, uow storage.UnitOfWork, tx *core.Transaction, attributed string) error
	OnDisputeOpened(ctx context.Context, uow storage.UnitOfWork, d *core.Dispute) error
	OnDisputeResolved(ctx context.Context, uow storage.UnitOfWork, d *core.Dispute, tx *core.Transaction) error
	OnCompensationCompleted(ctx context.Context, uow storage.UnitOfWork, participantID, txID string) error
}

// Machine owns every state transition of a transaction.
type Machine struct {
	store  storage.Store
	sched  *clock.Scheduler
	bus    EventSink
	clk    clock.Clock
	policy Policy
	trust  TrustRecorder
	logger *log.Logger
}

// NewMachine wires the state machine.
func NewMachine(store storage.Store, sched *clock.Scheduler, bus EventSink, clk clock.Clock, policy Policy, trust TrustRecorder) *Machine {
	if policy.ConflictRetries <= 0 {
		policy.ConflictRetries = 3
	}
	return &Machine{
		store:  store,
		sched:  sched,
		bus:    bus,
		clk:    clk,
		policy: policy,
		trust:  trust,
		logger: log.New(log.Writer(), "[CONSENSUS] ", log.LstdFlags),
	}
}

// Policy exposes the effective policy (read-only).
func (m *Machine) Policy() Policy { return m.policy }

// Clock exposes the logical clock shared by the engine.
func (m *Machine) Clock() clock.Clock { return m.clk }

// TimerKey is the scheduler key for a transaction's deadline.
func TimerKey(txID string) string { return "timeout:" + txID }

// EvidenceTimerKey is the scheduler key for a dispute's evidence
// deadline. Defined here so Freeze can quiesce it alongside the
// transaction timer.
func EvidenceTimerKey(disputeID string) string { return "evidence:" + disputeID }

// ============================================================================
// OP — one versioned read-modify-write
// ============================================================================

// Op is the context handed to a mutation closure: the unit of work, the
// transaction snapshot to mutate, and collectors for effects that must
// only happen after the commit succeeds (events, timer churn).
type Op struct {
	UoW storage.UnitOfWork
	Tx  *core.Transaction
	Now time.Time

	pending []*events.Event
	after   []func()
}

// Emit queues an event for publication after commit.
func (o *Op) Emit(topic string, data map[string]interface{}) {
	o.pending = append(o.pending, events.NewEvent(topic, o.Tx.ID, data))
}

// EmitFor queues an event with an explicit subject.
func (o *Op) EmitFor(topic, subject string, data map[string]interface{}) {
	o.pending = append(o.pending, events.NewEvent(topic, subject, data))
}

// After queues a side effect (timer churn) to run after commit.
func (o *Op) After(fn func()) {
	o.after = append(o.after, fn)
}

// Transition applies a table-checked state change to the op's tx.
func (o *Op) Transition(to core.TxState) error {
	return transition(o.Tx, to, o.Now)
}

// Update runs fn against the current transaction under optimistic
// concurrency: on ErrConflict the whole closure re-runs against a fresh
// read, up to the retry budget. Events and timer effects fire only
// after the commit.
func (m *Machine) Update(ctx context.Context, txID string, fn func(op *Op) error) error {
	var lastErr error
	for attempt := 0; attempt <= m.policy.ConflictRetries; attempt++ {
		err := m.updateOnce(ctx, txID, fn)
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

func (m *Machine) updateOnce(ctx context.Context, txID string, fn func(op *Op) error) error {
	uow, err := m.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrInternal, err)
	}
	defer uow.Rollback()

	tx, err := uow.GetTransaction(ctx, txID)
	if err != nil {
		return err
	}
	base := tx.Version

	op := &Op{UoW: uow, Tx: tx, Now: m.clk.Now()}
	if err := fn(op); err != nil {
		return err
	}

	if err := uow.SaveTransaction(ctx, tx, base); err != nil {
		return err
	}
	if err := uow.Commit(ctx); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", core.ErrTimeout, ctx.Err())
		}
		return err
	}

	m.runEffects(op)
	return nil
}

func (m *Machine) runEffects(op *Op) {
	for _, fn := range op.after {
		fn()
	}
	if m.bus != nil {
		for _, e := range op.pending {
			m.bus.Publish(e)
		}
	}
}

// ============================================================================
// CREATE
// ============================================================================

// CreateParams is the input of transaction creation.
type CreateParams struct {
	Sender   string
	Receiver string
	ItemID   string
	ItemType core.ItemType
	Quantity float64
	Value    float64
	Metadata map[string]string

	// ParentTxID marks a compensation follow-up transfer.
	ParentTxID string

	// AutoApprove short-circuits both attestations; set by the policy
	// gateway for GOLD-or-above pairs under the value ceiling.
	AutoApprove bool

	// HoldTime overrides TInitial when > 0 (reduced_hold_times benefit).
	HoldTime time.Duration
}

func (p CreateParams) validate() error {
	switch {
	case p.Sender == "":
		return core.Validationf("sender is required")
	case p.Receiver == "":
		return core.Validationf("receiver is required")
	case p.Sender == p.Receiver:
		return core.Validationf("sender and receiver must be distinct")
	case p.ItemID == "":
		return core.Validationf("itemId is required")
	case !p.ItemType.Valid():
		return core.Validationf("unknown item type %q", p.ItemType)
	case p.Quantity <= 0:
		return core.Validationf("quantity must be positive")
	case p.Value < 0:
		return core.Validationf("value must be non-negative")
	}
	return nil
}

// Create persists a new transaction in INITIATED state (or VALIDATED
// for auto-approved transfers) and arms the initial deadline.
func (m *Machine) Create(ctx context.Context, p CreateParams) (*core.Transaction, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	now := m.clk.Now()
	hold := m.policy.TInitial
	if p.HoldTime > 0 {
		hold = p.HoldTime
	}

	tx := &core.Transaction{
		ID:         uuid.NewString(),
		Sender:     p.Sender,
		Receiver:   p.Receiver,
		ItemID:     p.ItemID,
		ItemType:   p.ItemType,
		Quantity:   p.Quantity,
		Value:      p.Value,
		Metadata:   p.Metadata,
		State:      core.StateInitiated,
		Created:    now,
		TimeoutAt:  now.Add(hold),
		ParentTxID: p.ParentTxID,
	}

	uow, err := m.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInternal, err)
	}
	defer uow.Rollback()

	op := &Op{UoW: uow, Tx: tx, Now: now}
	op.Emit(events.TopicTxCreated, map[string]interface{}{
		"sender":        tx.Sender,
		"receiver":      tx.Receiver,
		"value":         tx.Value,
		"auto_approved": p.AutoApprove,
	})

	if p.AutoApprove {
		// Auto-attested on both sides; trust deltas apply exactly once.
		t := now
		tx.SenderConfirmedAt = &t
		tx.ReceiverConfirmedAt = &t
		tx.AutoApproved = true
		if err := op.Transition(core.StateValidated); err != nil {
			return nil, err
		}
		if err := m.trust.OnTransactionValidated(ctx, uow, tx); err != nil {
			return nil, err
		}
		op.Emit(events.TopicTxValidated, map[string]interface{}{"auto_approved": true})
	} else {
		deadline := tx.TimeoutAt
		op.After(func() {
			if err := m.sched.Schedule(TimerKey(tx.ID), deadline, m.HandleTimeout); err != nil {
				m.logger.Printf("⚠️ failed to arm initial timer for tx=%s: %v", tx.ID, err)
			}
		})
	}

	if err := uow.SaveTransaction(ctx, tx, 0); err != nil {
		return nil, err
	}
	if err := uow.Commit(ctx); err != nil {
		return nil, err
	}

	m.runEffects(op)
	m.logger.Printf("Created transaction %s (%s → %s, value=%.2f, auto=%v)",
		tx.ID, tx.Sender, tx.Receiver, tx.Value, tx.AutoApproved)
	return tx, nil
}

// ============================================================================
// ATTESTATIONS
// ============================================================================

// ConfirmSent is the sender's attestation (INITIATED → SENDER_CONFIRMED).
func (m *Machine) ConfirmSent(ctx context.Context, txID string, principal core.Principal, ev *core.Evidence) error {
	return m.Update(ctx, txID, func(op *Op) error {
		tx := op.Tx
		if tx.Frozen {
			return fmt.Errorf("transaction %s is frozen: %w", txID, core.ErrStopped)
		}
		if tx.State != core.StateInitiated {
			return core.InvalidStatef("confirmSent on %s in state %s", txID, tx.State)
		}
		if principal.ID != tx.Sender {
			return core.Forbiddenf("principal %s is not the sender of %s", principal.ID, txID)
		}

		now := op.Now
		tx.SenderConfirmedAt = &now
		if ev != nil {
			ev.SubmittedBy = principal.ID
			ev.SubmittedAt = now
			tx.SenderEvidence = ev
		}
		if err := op.Transition(core.StateSenderConfirmed); err != nil {
			return err
		}

		// Receiver window starts now.
		tx.TimeoutAt = now.Add(m.policy.TReceive)
		deadline := tx.TimeoutAt
		op.After(func() {
			if err := m.sched.Schedule(TimerKey(txID), deadline, m.HandleTimeout); err != nil {
				m.logger.Printf("⚠️ failed to re-arm timer for tx=%s: %v", txID, err)
			}
		})
		op.Emit(events.TopicTxSenderConfirmed, map[string]interface{}{"sender": tx.Sender})
		return nil
	})
}

// ConfirmReceived is the receiver's attestation, completing the
// two-check consensus (SENDER_CONFIRMED → VALIDATED).
func (m *Machine) ConfirmReceived(ctx context.Context, txID string, principal core.Principal, condition string) error {
	return m.Update(ctx, txID, func(op *Op) error {
		tx := op.Tx
		if tx.Frozen {
			return fmt.Errorf("transaction %s is frozen: %w", txID, core.ErrStopped)
		}
		if tx.State != core.StateSenderConfirmed {
			return core.InvalidStatef("confirmReceived on %s in state %s", txID, tx.State)
		}
		if principal.ID != tx.Receiver {
			return core.Forbiddenf("principal %s is not the receiver of %s", principal.ID, txID)
		}

		now := op.Now
		tx.ReceiverConfirmedAt = &now
		tx.ReceiverCondition = condition
		if err := op.Transition(core.StateValidated); err != nil {
			return err
		}
		if err := m.trust.OnTransactionValidated(ctx, op.UoW, tx); err != nil {
			return err
		}
		if tx.ParentTxID != "" {
			if err := m.completeParent(ctx, op); err != nil {
				return err
			}
		}

		op.After(func() { m.sched.Cancel(TimerKey(txID)) })
		op.Emit(events.TopicTxValidated, map[string]interface{}{
			"condition": condition,
			"value":     tx.Value,
		})
		return nil
	})
}

// completeParent closes the compensation loop: the follow-up transfer
// just validated, so the parent moves COMPENSATING → RESOLVED, the
// dispute resolution is marked completed, and the at-fault party earns
// the partial trust recovery. All inside the child's unit of work.
func (m *Machine) completeParent(ctx context.Context, op *Op) error {
	parent, err := op.UoW.GetTransaction(ctx, op.Tx.ParentTxID)
	if err != nil {
		return err
	}
	if parent.State != core.StateCompensating {
		// Replayed or out-of-band resolution; nothing to do.
		return nil
	}
	parentBase := parent.Version
	if err := transition(parent, core.StateResolved, op.Now); err != nil {
		return err
	}
	parent.CompensationTxID = op.Tx.ID
	if err := op.UoW.SaveTransaction(ctx, parent, parentBase); err != nil {
		return err
	}

	atFault := parent.Sender
	if parent.DisputeID != "" {
		d, err := op.UoW.GetDispute(ctx, parent.DisputeID)
		if err != nil {
			return err
		}
		if d.Resolution != nil {
			dBase := d.Version
			d.Resolution.ActionCompleted = true
			if d.Resolution.Decision == core.DecisionInFavorSender {
				atFault = parent.Receiver
			}
			if err := op.UoW.SaveDispute(ctx, d, dBase); err != nil {
				return err
			}
		}
	}

	if comp, err := op.UoW.GetCompensationByParent(ctx, parent.ID); err == nil {
		cBase := comp.Version
		comp.Status = core.CompensationCompleted
		if err := op.UoW.SaveCompensation(ctx, comp, cBase); err != nil {
			return err
		}
	} else if !errors.Is(err, core.ErrNotFound) {
		return err
	}

	if err := m.trust.OnCompensationCompleted(ctx, op.UoW, atFault, parent.ID); err != nil {
		return err
	}
	op.EmitFor(events.TopicCompensationCompleted, parent.ID, map[string]interface{}{
		"follow_up_tx_id": op.Tx.ID,
		"at_fault":        atFault,
	})
	return nil
}

// ============================================================================
// TIMEOUTS
// ============================================================================

// HandleTimeout is the scheduler callback for a transaction deadline.
// It re-enters the state machine through a versioned write, so a timer
// replay or a race with a confirmation resolves to a no-op.
func (m *Machine) HandleTimeout(key string) {
	txID := key[len("timeout:"):]
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := m.Update(ctx, txID, func(op *Op) error {
		tx := op.Tx
		if tx.Frozen {
			// Deferred: the emergency stop suspended logical progress;
			// resume re-arms the timer with the freeze duration added.
			return nil
		}
		if op.Now.Before(tx.TimeoutAt) {
			// Stale firing (deadline was extended since scheduling).
			deadline := tx.TimeoutAt
			op.After(func() {
				if err := m.sched.Schedule(TimerKey(txID), deadline, m.HandleTimeout); err != nil {
					m.logger.Printf("⚠️ failed to re-arm timer for tx=%s: %v", txID, err)
				}
			})
			return nil
		}

		var attributed string
		switch tx.State {
		case core.StateInitiated:
			attributed = tx.Sender
		case core.StateSenderConfirmed:
			attributed = tx.Receiver
		default:
			// Lost the race against a confirmation or dispute: no-op.
			return nil
		}

		if err := op.Transition(core.StateTimeout); err != nil {
			return err
		}
		if err := m.trust.OnTimeout(ctx, op.UoW, tx, attributed); err != nil {
			return err
		}
		op.Emit(events.TopicTxTimeout, map[string]interface{}{"attributed": attributed})
		m.logger.Printf("⏰ Transaction %s timed out (attributed=%s)", txID, attributed)
		return nil
	})
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		m.logger.Printf("❌ timeout handling for tx=%s failed: %v", txID, err)
	}
}

// RehydrateTimers re-arms deadlines after a restart from the persisted
// timeoutAt column. Past-due transactions fire on the next tick.
func (m *Machine) RehydrateTimers(ctx context.Context) error {
	txs, err := m.store.NonTerminalTransactions(ctx)
	if err != nil {
		return err
	}
	n := 0
	for _, tx := range txs {
		if tx.Frozen {
			continue
		}
		if tx.State != core.StateInitiated && tx.State != core.StateSenderConfirmed {
			continue
		}
		if err := m.sched.Schedule(TimerKey(tx.ID), tx.TimeoutAt, m.HandleTimeout); err != nil {
			return err
		}
		n++
	}
	m.logger.Printf("Rehydrated %d transaction timers", n)
	return nil
}

// ============================================================================
// FREEZE / UNFREEZE
// ============================================================================

// Freeze quiesces a transaction under an emergency stop without
// changing its logical state. The pending timer is suspended.
func (m *Machine) Freeze(ctx context.Context, txID, stopID string) error {
	return m.Update(ctx, txID, func(op *Op) error {
		tx := op.Tx
		if tx.State.IsTerminal() {
			return core.InvalidStatef("cannot freeze terminal transaction %s", txID)
		}
		if tx.Frozen {
			return nil // already quiesced, idempotent
		}
		now := op.Now
		tx.Frozen = true
		tx.EmergencyStopID = stopID
		tx.FrozenAt = &now
		disputeID := tx.DisputeID
		op.After(func() {
			m.sched.Suspend(TimerKey(txID))
			if disputeID != "" {
				m.sched.Suspend(EvidenceTimerKey(disputeID))
			}
		})
		op.Emit(events.TopicTxFrozen, map[string]interface{}{"stop_id": stopID})
		return nil
	})
}

// Unfreeze lifts the emergency stop: the deadline is pushed out by the
// freeze duration plus the grace period, and the timer re-armed.
func (m *Machine) Unfreeze(ctx context.Context, txID string, grace time.Duration) error {
	return m.Update(ctx, txID, func(op *Op) error {
		tx := op.Tx
		if !tx.Frozen {
			return nil
		}
		frozenFor := time.Duration(0)
		if tx.FrozenAt != nil {
			frozenFor = op.Now.Sub(*tx.FrozenAt)
		}
		tx.Frozen = false
		tx.EmergencyStopID = ""
		tx.FrozenAt = nil
		tx.TimeoutAt = tx.TimeoutAt.Add(frozenFor + grace)

		if tx.State == core.StateInitiated || tx.State == core.StateSenderConfirmed {
			deadline := tx.TimeoutAt
			op.After(func() {
				if err := m.sched.Resume(TimerKey(txID), deadline); err != nil {
					// No suspended timer survives a restart; arm fresh.
					if err := m.sched.Schedule(TimerKey(txID), deadline, m.HandleTimeout); err != nil {
						m.logger.Printf("⚠️ failed to re-arm timer for tx=%s: %v", txID, err)
					}
				}
			})
		}
		if disputeID := tx.DisputeID; disputeID != "" {
			extension := frozenFor + grace
			op.After(func() {
				// After a restart there is no suspended entry; the deadline
				// handler defers itself while the transaction is frozen, so
				// the rehydrated timer covers that path.
				if err := m.sched.ResumeAfter(EvidenceTimerKey(disputeID), extension); err != nil {
					m.logger.Printf("⚠️ failed to resume evidence timer for dispute=%s: %v", disputeID, err)
				}
			})
		}
		op.Emit(events.TopicTxResumed, map[string]interface{}{"grace": grace.String()})
		return nil
	})
}

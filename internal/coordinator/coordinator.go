// Package coordinator is the façade in front of the engines: it
// authenticates nothing itself (principals arrive resolved), runs the
// policy gateway, enforces global-stop admission, and routes each
// operation to the owning component.
package coordinator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/compensation"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/consensus"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/core"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/dispute"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/policy"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/stop"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/storage"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/trust"
)

// Coordinator routes authenticated requests to the engines.
type Coordinator struct {
	machine  *consensus.Machine
	disputes *dispute.Engine
	comp     *compensation.Engine
	trust    *trust.Engine
	stops    *stop.Controller
	gateway  *policy.Gateway
	store    storage.Store
	logger   *log.Logger
}

// New wires the coordinator.
func New(machine *consensus.Machine, disputes *dispute.Engine, comp *compensation.Engine,
	trustEngine *trust.Engine, stops *stop.Controller, gateway *policy.Gateway, store storage.Store) *Coordinator {
	return &Coordinator{
		machine:  machine,
		disputes: disputes,
		comp:     comp,
		trust:    trustEngine,
		stops:    stops,
		gateway:  gateway,
		store:    store,
		logger:   log.New(log.Writer(), "[COORDINATOR] ", log.LstdFlags),
	}
}

// admit refuses new work while an all-scope emergency stop is active.
func (c *Coordinator) admit(ctx context.Context) error {
	halted, err := c.stops.GlobalHalt(ctx)
	if err != nil {
		return err
	}
	if halted {
		return fmt.Errorf("global emergency stop active: %w", core.ErrStopped)
	}
	return nil
}

// ============================================================================
// TRANSACTIONS
// ============================================================================

// CreateRequest is one transaction submission.
type CreateRequest struct {
	Sender   string            `json:"sender"`
	Receiver string            `json:"receiver"`
	ItemID   string            `json:"item_id"`
	ItemType core.ItemType     `json:"item_type"`
	Quantity float64           `json:"quantity"`
	Value    float64           `json:"value"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// CreateTransaction admits and creates a transfer. The principal must
// be the sender. Tier benefits are applied here: reduced hold times and
// the platinum auto-approval fast path.
func (c *Coordinator) CreateTransaction(ctx context.Context, principal core.Principal, req CreateRequest) (*core.Transaction, error) {
	if err := c.admit(ctx); err != nil {
		return nil, err
	}
	if principal.ID != req.Sender {
		return nil, core.Forbiddenf("principal %s may not initiate transfers for %s", principal.ID, req.Sender)
	}

	autoApprove, err := c.gateway.AutoApprovalEligible(ctx, req.Sender, req.Receiver, req.Value)
	if err != nil {
		return nil, err
	}
	hold, err := c.gateway.HoldTimeFor(ctx, req.Sender)
	if err != nil {
		return nil, err
	}

	return c.machine.Create(ctx, consensus.CreateParams{
		Sender:      req.Sender,
		Receiver:    req.Receiver,
		ItemID:      req.ItemID,
		ItemType:    req.ItemType,
		Quantity:    req.Quantity,
		Value:       req.Value,
		Metadata:    req.Metadata,
		AutoApprove: autoApprove,
		HoldTime:    hold,
	})
}

// BatchFailure reports one rejected item of a batch.
type BatchFailure struct {
	Index int    `json:"index"`
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// BatchResult is the partial-failure report of CreateBatch.
type BatchResult struct {
	Created  []string       `json:"created"`
	Failures []BatchFailure `json:"failures,omitempty"`
}

// CreateBatch creates many transfers in one call. Requires the batch
// operations benefit; items fail independently.
func (c *Coordinator) CreateBatch(ctx context.Context, principal core.Principal, reqs []CreateRequest) (*BatchResult, error) {
	if err := c.admit(ctx); err != nil {
		return nil, err
	}
	if err := c.gateway.CheckBatchCreate(ctx, principal); err != nil {
		return nil, err
	}

	result := &BatchResult{}
	for i, req := range reqs {
		tx, err := c.CreateTransaction(ctx, principal, req)
		if err != nil {
			result.Failures = append(result.Failures, BatchFailure{
				Index: i,
				Error: err.Error(),
				Kind:  core.ErrorKind(err),
			})
			continue
		}
		result.Created = append(result.Created, tx.ID)
	}
	c.logger.Printf("Batch by %s: %d created, %d failed", principal.ID, len(result.Created), len(result.Failures))
	return result, nil
}

// ConfirmSent records the sender attestation.
func (c *Coordinator) ConfirmSent(ctx context.Context, txID string, principal core.Principal, ev *core.Evidence) error {
	return c.machine.ConfirmSent(ctx, txID, principal, ev)
}

// ConfirmReceived records the receiver attestation.
func (c *Coordinator) ConfirmReceived(ctx context.Context, txID string, principal core.Principal, condition string) error {
	return c.machine.ConfirmReceived(ctx, txID, principal, condition)
}

// GetTransaction returns a transaction by id.
func (c *Coordinator) GetTransaction(ctx context.Context, txID string) (*core.Transaction, error) {
	return c.store.GetTransaction(ctx, txID)
}

// ListTransactions returns a participant's transactions, newest first.
func (c *Coordinator) ListTransactions(ctx context.Context, participantID string) ([]*core.Transaction, error) {
	return c.store.TransactionsByParticipant(ctx, participantID)
}

// PendingActions returns the transactions awaiting an attestation from
// the participant.
func (c *Coordinator) PendingActions(ctx context.Context, participantID string) ([]*core.Transaction, error) {
	return c.store.PendingByParticipant(ctx, participantID)
}

// ============================================================================
// DISPUTES
// ============================================================================

// OpenDispute files a dispute on behalf of a party.
func (c *Coordinator) OpenDispute(ctx context.Context, principal core.Principal, p dispute.OpenParams) (*core.Dispute, error) {
	return c.disputes.Open(ctx, principal, p)
}

// AddEvidence appends dispute evidence.
func (c *Coordinator) AddEvidence(ctx context.Context, disputeID string, principal core.Principal, entry core.EvidenceEntry) (*core.EvidenceEntry, error) {
	return c.disputes.AddEvidence(ctx, disputeID, principal, entry)
}

// ResolveDispute records an arbitrator verdict after the policy check.
func (c *Coordinator) ResolveDispute(ctx context.Context, disputeID string, arbitrator core.Principal, p dispute.ResolveParams) (*core.Resolution, error) {
	d, err := c.disputes.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	tx, err := c.store.GetTransaction(ctx, d.TransactionID)
	if err != nil {
		return nil, err
	}
	if err := c.gateway.CheckResolve(arbitrator, tx); err != nil {
		return nil, err
	}
	return c.disputes.Resolve(ctx, disputeID, arbitrator, p)
}

// GetDispute returns a dispute by id.
func (c *Coordinator) GetDispute(ctx context.Context, disputeID string) (*core.Dispute, error) {
	return c.disputes.Get(ctx, disputeID)
}

// DisputeStatistics aggregates dispute counts.
func (c *Coordinator) DisputeStatistics(ctx context.Context) (*dispute.Stats, error) {
	return c.disputes.Statistics(ctx)
}

// ============================================================================
// COMPENSATION
// ============================================================================

// ApproveCompensation releases a pending remedial transfer.
func (c *Coordinator) ApproveCompensation(ctx context.Context, txID string, principal core.Principal) error {
	tx, err := c.store.GetTransaction(ctx, txID)
	if err != nil {
		return err
	}
	if err := c.gateway.CheckCompensationApproval(principal, tx); err != nil {
		return err
	}
	return c.comp.Approve(ctx, txID, principal)
}

// RejectCompensation refuses a pending remedial transfer.
func (c *Coordinator) RejectCompensation(ctx context.Context, txID string, principal core.Principal, reason string) error {
	tx, err := c.store.GetTransaction(ctx, txID)
	if err != nil {
		return err
	}
	if err := c.gateway.CheckCompensationApproval(principal, tx); err != nil {
		return err
	}
	return c.comp.Reject(ctx, txID, principal, reason)
}

// ============================================================================
// TRUST
// ============================================================================

// GetTrust returns a participant's trust record.
func (c *Coordinator) GetTrust(ctx context.Context, participantID string) (*core.ParticipantTrust, error) {
	return c.trust.Get(ctx, participantID)
}

// GetTrustHistory returns the participant's score delta log.
func (c *Coordinator) GetTrustHistory(ctx context.Context, participantID string) ([]core.ScoreDelta, error) {
	return c.trust.History(ctx, participantID)
}

// Leaderboard returns the top-scored participants.
func (c *Coordinator) Leaderboard(ctx context.Context, limit int) ([]*core.ParticipantTrust, error) {
	return c.trust.Leaderboard(ctx, limit)
}

// ============================================================================
// EMERGENCY STOP
// ============================================================================

// TriggerEmergencyStop creates an emergency stop after the role check.
func (c *Coordinator) TriggerEmergencyStop(ctx context.Context, principal core.Principal, p stop.TriggerParams) (*core.EmergencyStop, error) {
	if err := c.gateway.CheckStopTrigger(principal); err != nil {
		return nil, err
	}
	return c.stops.Trigger(ctx, principal, p)
}

// ResumeEmergencyStop lifts an active stop.
func (c *Coordinator) ResumeEmergencyStop(ctx context.Context, stopID string, principal core.Principal, grace time.Duration) error {
	if err := c.gateway.CheckStopResume(principal); err != nil {
		return err
	}
	return c.stops.Resume(ctx, stopID, principal, grace)
}

// GetEmergencyStatus lists the currently active stops.
func (c *Coordinator) GetEmergencyStatus(ctx context.Context) ([]*core.EmergencyStop, error) {
	return c.stops.Active(ctx)
}

// ============================================================================
// LIFECYCLE
// ============================================================================

// Rehydrate re-arms every persistent timer after a restart.
func (c *Coordinator) Rehydrate(ctx context.Context) error {
	if err := c.machine.RehydrateTimers(ctx); err != nil {
		return err
	}
	return c.disputes.RehydrateTimers(ctx)
}

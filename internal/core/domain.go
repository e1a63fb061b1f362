// Package core holds the shared domain model of the two-check consensus
// engine: transactions, disputes, trust records, emergency stops, and
// compensations. Entities carry a monotonically increasing Version used
// by the persistence port for optimistic concurrency.
package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// TRANSACTION
// ============================================================================

// TxState is the canonical lifecycle position of a transaction.
type TxState int

const (
	StateInitiated TxState = iota
	StateSenderConfirmed
	StateReceiverConfirmed
	StateValidated
	StateDisputed
	StateTimeout
	StateCancelled
	StateResolved
	StateEscalated
	StateCompensating
)

// String returns the wire/storage representation of a state.
func (s TxState) String() string {
	switch s {
	case StateInitiated:
		return "INITIATED"
	case StateSenderConfirmed:
		return "SENDER_CONFIRMED"
	case StateReceiverConfirmed:
		return "RECEIVER_CONFIRMED"
	case StateValidated:
		return "VALIDATED"
	case StateDisputed:
		return "DISPUTED"
	case StateTimeout:
		return "TIMEOUT"
	case StateCancelled:
		return "CANCELLED"
	case StateResolved:
		return "RESOLVED"
	case StateEscalated:
		return "ESCALATED"
	case StateCompensating:
		return "COMPENSATING"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON stores states by name, matching the persisted layout.
func (s TxState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON parses a state name.
func (s *TxState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	st, ok := ParseTxState(name)
	if !ok {
		return fmt.Errorf("unknown transaction state %q", name)
	}
	*s = st
	return nil
}

// ParseTxState maps a stored state string back to its enum value.
func ParseTxState(s string) (TxState, bool) {
	for st := StateInitiated; st <= StateCompensating; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return 0, false
}

// IsTerminal reports whether a state admits no further transitions.
// TIMEOUT is terminal-like: the only way out is a dispute appeal.
// VALIDATED may still re-enter DISPUTED inside the grace window; that
// exception is enforced by the state machine guard, not here.
func (s TxState) IsTerminal() bool {
	return s == StateValidated || s == StateCancelled || s == StateResolved
}

// ItemType classifies the shipped good.
type ItemType string

const (
	ItemProduct  ItemType = "product"
	ItemBatch    ItemType = "batch"
	ItemMaterial ItemType = "material"
)

// Valid reports whether the item type is one of the closed set.
func (it ItemType) Valid() bool {
	return it == ItemProduct || it == ItemBatch || it == ItemMaterial
}

// Evidence is a bounded attestation record attached by one party at
// confirmation time. Attachments are content hashes; the blobs live in
// external storage.
type Evidence struct {
	Text        string    `json:"text"`
	Attachments []string  `json:"attachments,omitempty"` // sha256 content hashes
	SubmittedBy string    `json:"submitted_by"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Transaction is the central entity. Both parties must independently
// attest a transfer before it is considered VALIDATED.
type Transaction struct {
	ID       string            `json:"id"`
	Sender   string            `json:"sender"`
	Receiver string            `json:"receiver"`
	ItemID   string            `json:"item_id"`
	ItemType ItemType          `json:"item_type"`
	Quantity float64           `json:"quantity"`
	Value    float64           `json:"value"`
	Metadata map[string]string `json:"metadata,omitempty"`

	State TxState `json:"state"`

	Created             time.Time  `json:"created"`
	SenderConfirmedAt   *time.Time `json:"sender_confirmed_at,omitempty"`
	ReceiverConfirmedAt *time.Time `json:"receiver_confirmed_at,omitempty"`
	TerminalAt          *time.Time `json:"terminal_at,omitempty"`
	TimeoutAt           time.Time  `json:"timeout_at"`

	SenderEvidence   *Evidence `json:"sender_evidence,omitempty"`
	ReceiverEvidence *Evidence `json:"receiver_evidence,omitempty"`

	// Condition reported by the receiver at confirmation ("good",
	// "damaged", ...). Informational; a complaint goes through a dispute.
	ReceiverCondition string `json:"receiver_condition,omitempty"`

	DisputeID  string `json:"dispute_id,omitempty"`
	ParentTxID string `json:"parent_tx_id,omitempty"`

	// Child compensation pointer; the one mutation still permitted on a
	// terminal transaction.
	CompensationTxID string `json:"compensation_tx_id,omitempty"`

	AutoApproved bool `json:"auto_approved,omitempty"`

	Frozen          bool       `json:"frozen,omitempty"`
	EmergencyStopID string     `json:"emergency_stop_id,omitempty"`
	FrozenAt        *time.Time `json:"frozen_at,omitempty"`

	Version int64 `json:"version"`
}

// IsParty reports whether the principal is sender or receiver.
func (t *Transaction) IsParty(participantID string) bool {
	return participantID == t.Sender || participantID == t.Receiver
}

// Counterparty returns the other party, or "" if the id is not a party.
func (t *Transaction) Counterparty(participantID string) string {
	switch participantID {
	case t.Sender:
		return t.Receiver
	case t.Receiver:
		return t.Sender
	}
	return ""
}

// ============================================================================
// DISPUTE
// ============================================================================

// DisputeType classifies the complaint.
type DisputeType string

const (
	DisputeNotReceived      DisputeType = "NOT_RECEIVED"
	DisputeWrongItem        DisputeType = "WRONG_ITEM"
	DisputeDamaged          DisputeType = "DAMAGED"
	DisputeQuantityMismatch DisputeType = "QUANTITY_MISMATCH"
	DisputeQualityIssue     DisputeType = "QUALITY_ISSUE"
	DisputeNotSent          DisputeType = "NOT_SENT"
	DisputeTimeout          DisputeType = "TIMEOUT"
)

// Valid reports whether the dispute type is one of the closed set.
func (dt DisputeType) Valid() bool {
	switch dt {
	case DisputeNotReceived, DisputeWrongItem, DisputeDamaged,
		DisputeQuantityMismatch, DisputeQualityIssue, DisputeNotSent, DisputeTimeout:
		return true
	}
	return false
}

// DisputeStatus is the lifecycle position of a dispute.
type DisputeStatus string

const (
	DisputeOpen          DisputeStatus = "OPEN"
	DisputeInvestigating DisputeStatus = "INVESTIGATING"
	DisputeResolved      DisputeStatus = "RESOLVED"
	DisputeEscalated     DisputeStatus = "ESCALATED"
)

// EvidenceKind is the closed set of evidence entry kinds.
type EvidenceKind string

const (
	EvidencePhoto     EvidenceKind = "photo"
	EvidenceDocument  EvidenceKind = "document"
	EvidenceTracking  EvidenceKind = "tracking"
	EvidenceTestimony EvidenceKind = "testimony"
	EvidenceSystemLog EvidenceKind = "system_log"
)

// Valid reports whether the kind is one of the closed set.
func (k EvidenceKind) Valid() bool {
	switch k {
	case EvidencePhoto, EvidenceDocument, EvidenceTracking, EvidenceTestimony, EvidenceSystemLog:
		return true
	}
	return false
}

// EvidenceEntry is a single append-only piece of dispute evidence.
type EvidenceEntry struct {
	ID          string       `json:"id"`
	SubmittedBy string       `json:"submitted_by"`
	Timestamp   time.Time    `json:"timestamp"`
	Kind        EvidenceKind `json:"kind"`
	Description string       `json:"description"`
	FileRefs    []string     `json:"file_refs,omitempty"` // content-addressed references
}

// Decision is the arbitrator's verdict on a dispute.
type Decision string

const (
	DecisionInFavorSender   Decision = "IN_FAVOR_SENDER"
	DecisionInFavorReceiver Decision = "IN_FAVOR_RECEIVER"
	DecisionSplit           Decision = "SPLIT"
	DecisionNoFault         Decision = "NO_FAULT"
	DecisionEscalate        Decision = "ESCALATE"
)

// Valid reports whether the decision is one of the closed set.
func (d Decision) Valid() bool {
	switch d {
	case DecisionInFavorSender, DecisionInFavorReceiver, DecisionSplit, DecisionNoFault, DecisionEscalate:
		return true
	}
	return false
}

// RequiredAction is the remedial follow-up demanded by a resolution.
type RequiredAction string

const (
	ActionNone          RequiredAction = "NONE"
	ActionReturn        RequiredAction = "RETURN"
	ActionResend        RequiredAction = "RESEND"
	ActionReplace       RequiredAction = "REPLACE"
	ActionResendPartial RequiredAction = "RESEND_PARTIAL"
)

// Resolution is the write-once outcome of a dispute.
type Resolution struct {
	ID                 string         `json:"id"`
	Decision           Decision       `json:"decision"`
	RequiredAction     RequiredAction `json:"required_action"`
	CompensationAmount float64        `json:"compensation_amount,omitempty"`
	ResolvedBy         string         `json:"resolved_by"`
	ResolvedAt         time.Time      `json:"resolved_at"`
	Notes              string         `json:"notes,omitempty"`
	FollowUpTxID       string         `json:"follow_up_tx_id,omitempty"`
	ActionCompleted    bool           `json:"action_completed"`
}

// Dispute is a disagreement over a transaction, resolved by a neutral
// arbitrator. Evidence entries are append-only; resolution is write-once.
type Dispute struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	Initiator     string          `json:"initiator"`
	Respondent    string          `json:"respondent"`
	Type          DisputeType     `json:"type"`
	Status        DisputeStatus   `json:"status"`
	Reason        string          `json:"reason"`
	Evidence      []EvidenceEntry `json:"evidence,omitempty"`
	Resolution    *Resolution     `json:"resolution,omitempty"`
	OpenedAt      time.Time       `json:"opened_at"`

	Version int64 `json:"version"`
}

// InitiatorEvidenceCount counts evidence entries submitted by the
// dispute initiator, used by the auto-escalation deadline check.
func (d *Dispute) InitiatorEvidenceCount() int {
	n := 0
	for _, e := range d.Evidence {
		if e.SubmittedBy == d.Initiator {
			n++
		}
	}
	return n
}

// ============================================================================
// TRUST
// ============================================================================

// Tier buckets a participant's trust into benefit levels.
type Tier string

const (
	TierNew      Tier = "NEW"
	TierBronze   Tier = "BRONZE"
	TierSilver   Tier = "SILVER"
	TierGold     Tier = "GOLD"
	TierPlatinum Tier = "PLATINUM"
)

// ScoreDelta is one audited trust adjustment.
type ScoreDelta struct {
	Delta     float64   `json:"delta"`
	Cause     string    `json:"cause"` // e.g. "transaction.validated", "dispute.lost"
	TxID      string    `json:"tx_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ParticipantTrust is the per-participant scoring record. Score is the
// fold of History deltas clamped to [0,100]; History is a capped ring.
type ParticipantTrust struct {
	ParticipantID     string       `json:"participant_id"`
	Score             float64      `json:"score"`
	Tier              Tier         `json:"tier"`
	TotalTransactions int          `json:"total_transactions"`
	DisputeCount      int          `json:"dispute_count"`
	DisputesLost      int          `json:"disputes_lost"`
	TimeoutCount      int          `json:"timeout_count"`
	UpdatedAt         time.Time    `json:"updated_at"`
	History           []ScoreDelta `json:"history,omitempty"`

	Version int64 `json:"version"`
}

// DisputeRate returns disputes per completed transaction.
func (pt *ParticipantTrust) DisputeRate() float64 {
	if pt.TotalTransactions == 0 {
		return 0
	}
	return float64(pt.DisputeCount) / float64(pt.TotalTransactions)
}

// ============================================================================
// EMERGENCY STOP
// ============================================================================

// StopStatus is the lifecycle of an emergency stop.
type StopStatus string

const (
	StopActive  StopStatus = "ACTIVE"
	StopResumed StopStatus = "RESUMED"
)

// EmergencyStop freezes a bounded set of live transactions.
type EmergencyStop struct {
	ID           string     `json:"id"`
	TriggeredBy  string     `json:"triggered_by"`
	Reason       string     `json:"reason"`
	ScopeAll     bool       `json:"scope_all"`
	Transactions []string   `json:"transactions,omitempty"` // affected tx ids
	StartedAt    time.Time  `json:"started_at"`
	ResumedAt    *time.Time `json:"resumed_at,omitempty"`
	Status       StopStatus `json:"status"`

	Version int64 `json:"version"`
}

// ============================================================================
// COMPENSATION
// ============================================================================

// CompensationStatus is the lifecycle of a remedial transfer.
type CompensationStatus string

const (
	CompensationPendingApproval CompensationStatus = "PENDING_APPROVAL"
	CompensationApproved        CompensationStatus = "APPROVED"
	CompensationRejected        CompensationStatus = "REJECTED"
	CompensationInProgress      CompensationStatus = "IN_PROGRESS"
	CompensationCompleted       CompensationStatus = "COMPLETED"
)

// Compensation tracks the follow-up transfer demanded by a resolution.
type Compensation struct {
	ID           string             `json:"id"`
	ParentTxID   string             `json:"parent_tx_id"`
	Kind         RequiredAction     `json:"kind"`
	Status       CompensationStatus `json:"status"`
	Amount       float64            `json:"amount,omitempty"`
	FollowUpTxID string             `json:"follow_up_tx_id,omitempty"`
	Approver     string             `json:"approver,omitempty"`
	RejectReason string             `json:"reject_reason,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`

	Version int64 `json:"version"`
}

// ============================================================================
// PRINCIPAL
// ============================================================================

// Role is the capability class attached to an authenticated principal
// by the (external) auth layer.
type Role string

const (
	RoleParticipant Role = "participant"
	RoleManager     Role = "manager"
	RoleAdmin       Role = "admin"
	RoleSecurity    Role = "security"
)

// Principal is the authenticated caller handed to the core.
type Principal struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

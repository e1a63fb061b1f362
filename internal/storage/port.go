// Package storage defines the persistence port of the consensus engine:
// idempotent, versioned load/store for transactions, disputes, trust
// records, emergency stops, and compensations, grouped into atomic
// units of work. Engines live in subpackages (memory, postgres); the
// port does not dictate durability.
package storage

import (
	"context"
	"time"

	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/core"
)

// Reader is the read side of the port. Implementations return deep
// copies; mutating a returned entity never leaks into the store.
type Reader interface {
	GetTransaction(ctx context.Context, id string) (*core.Transaction, error)
	GetDispute(ctx context.Context, id string) (*core.Dispute, error)
	GetTrust(ctx context.Context, participantID string) (*core.ParticipantTrust, error)
	GetStop(ctx context.Context, id string) (*core.EmergencyStop, error)
	GetCompensation(ctx context.Context, id string) (*core.Compensation, error)
	GetCompensationByParent(ctx context.Context, parentTxID string) (*core.Compensation, error)

	// TransactionsByParticipant returns every transaction where the
	// participant is sender or receiver.
	TransactionsByParticipant(ctx context.Context, participantID string) ([]*core.Transaction, error)

	// PendingByParticipant returns the transactions awaiting an
	// attestation from the participant.
	PendingByParticipant(ctx context.Context, participantID string) ([]*core.Transaction, error)

	// TransactionsDueBefore returns non-terminal transactions whose
	// timeoutAt <= t; used for scheduler rehydration on startup.
	TransactionsDueBefore(ctx context.Context, t time.Time) ([]*core.Transaction, error)

	// NonTerminalTransactions returns everything still in flight,
	// used by all-scope emergency stops.
	NonTerminalTransactions(ctx context.Context) ([]*core.Transaction, error)

	// AllTransactions and AllDisputes feed trust replay on restart.
	AllTransactions(ctx context.Context) ([]*core.Transaction, error)
	AllDisputes(ctx context.Context) ([]*core.Dispute, error)

	// TrustAll returns every trust record, for leaderboards.
	TrustAll(ctx context.Context) ([]*core.ParticipantTrust, error)

	// ActiveStops returns emergency stops not yet resumed.
	ActiveStops(ctx context.Context) ([]*core.EmergencyStop, error)
}

// UnitOfWork groups writes touching multiple entities into one atomic
// unit. Save methods stage writes with optimistic version checks; on
// Commit either every staged write is visible or none. expectedVersion
// 0 means "create": the entity must not already exist.
type UnitOfWork interface {
	Reader

	SaveTransaction(ctx context.Context, tx *core.Transaction, expectedVersion int64) error
	SaveDispute(ctx context.Context, d *core.Dispute, expectedVersion int64) error
	SaveTrust(ctx context.Context, t *core.ParticipantTrust, expectedVersion int64) error
	SaveStop(ctx context.Context, s *core.EmergencyStop, expectedVersion int64) error
	SaveCompensation(ctx context.Context, c *core.Compensation, expectedVersion int64) error

	Commit(ctx context.Context) error
	Rollback() error
}

// Store opens units of work and serves auto-committed reads.
type Store interface {
	Reader
	Begin(ctx context.Context) (UnitOfWork, error)
	Close() error
}

// Package memory implements the persistence port with in-process maps.
// Used by tests and single-node development; the durable engine lives
// in the postgres package.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/core"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/storage"
)

// Store keeps every entity in a map guarded by a single RWMutex. Units
// of work stage writes and re-verify versions at commit, so two
// contenders racing on the same entity resolve exactly like the
// postgres engine: one commits, the other sees ErrConflict.
type Store struct {
	mu            sync.RWMutex
	transactions  map[string]*core.Transaction
	disputes      map[string]*core.Dispute
	trust         map[string]*core.ParticipantTrust
	stops         map[string]*core.EmergencyStop
	compensations map[string]*core.Compensation
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		transactions:  make(map[string]*core.Transaction),
		disputes:      make(map[string]*core.Dispute),
		trust:         make(map[string]*core.ParticipantTrust),
		stops:         make(map[string]*core.EmergencyStop),
		compensations: make(map[string]*core.Compensation),
	}
}

// Close is a no-op for the in-memory engine.
func (s *Store) Close() error { return nil }

// Seed loads bootstrap trust records (demo participants). Replaces the
// implicit seeded singletons of earlier iterations with explicit
// records going through the port.
func (s *Store) Seed(records []*core.ParticipantTrust) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		cp := cloneTrust(r)
		if cp.Version == 0 {
			cp.Version = 1
		}
		s.trust[cp.ParticipantID] = cp
	}
}

// ============================================================================
// READS
// ============================================================================

func (s *Store) GetTransaction(_ context.Context, id string) (*core.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.transactions[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, core.ErrNotFound)
	}
	return cloneTransaction(tx), nil
}

func (s *Store) GetDispute(_ context.Context, id string) (*core.Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.disputes[id]
	if !ok {
		return nil, fmt.Errorf("dispute %s: %w", id, core.ErrNotFound)
	}
	return cloneDispute(d), nil
}

func (s *Store) GetTrust(_ context.Context, participantID string) (*core.ParticipantTrust, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trust[participantID]
	if !ok {
		return nil, fmt.Errorf("trust record %s: %w", participantID, core.ErrNotFound)
	}
	return cloneTrust(t), nil
}

func (s *Store) GetStop(_ context.Context, id string) (*core.EmergencyStop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stops[id]
	if !ok {
		return nil, fmt.Errorf("emergency stop %s: %w", id, core.ErrNotFound)
	}
	return cloneStop(st), nil
}

func (s *Store) GetCompensation(_ context.Context, id string) (*core.Compensation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.compensations[id]
	if !ok {
		return nil, fmt.Errorf("compensation %s: %w", id, core.ErrNotFound)
	}
	return cloneCompensation(c), nil
}

func (s *Store) GetCompensationByParent(_ context.Context, parentTxID string) (*core.Compensation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.compensations {
		if c.ParentTxID == parentTxID {
			return cloneCompensation(c), nil
		}
	}
	return nil, fmt.Errorf("compensation for parent %s: %w", parentTxID, core.ErrNotFound)
}

func (s *Store) TransactionsByParticipant(_ context.Context, participantID string) ([]*core.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Transaction
	for _, tx := range s.transactions {
		if tx.IsParty(participantID) {
			out = append(out, cloneTransaction(tx))
		}
	}
	sortTransactions(out)
	return out, nil
}

func (s *Store) PendingByParticipant(_ context.Context, participantID string) ([]*core.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Transaction
	for _, tx := range s.transactions {
		awaiting := (tx.State == core.StateInitiated && tx.Sender == participantID) ||
			(tx.State == core.StateSenderConfirmed && tx.Receiver == participantID)
		if awaiting {
			out = append(out, cloneTransaction(tx))
		}
	}
	sortTransactions(out)
	return out, nil
}

func (s *Store) TransactionsDueBefore(_ context.Context, t time.Time) ([]*core.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Transaction
	for _, tx := range s.transactions {
		if !tx.State.IsTerminal() && !tx.TimeoutAt.After(t) {
			out = append(out, cloneTransaction(tx))
		}
	}
	sortTransactions(out)
	return out, nil
}

func (s *Store) NonTerminalTransactions(_ context.Context) ([]*core.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Transaction
	for _, tx := range s.transactions {
		if !tx.State.IsTerminal() {
			out = append(out, cloneTransaction(tx))
		}
	}
	sortTransactions(out)
	return out, nil
}

func (s *Store) AllTransactions(_ context.Context) ([]*core.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.Transaction, 0, len(s.transactions))
	for _, tx := range s.transactions {
		out = append(out, cloneTransaction(tx))
	}
	sortTransactions(out)
	return out, nil
}

func (s *Store) AllDisputes(_ context.Context) ([]*core.Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.Dispute, 0, len(s.disputes))
	for _, d := range s.disputes {
		out = append(out, cloneDispute(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (s *Store) TrustAll(_ context.Context) ([]*core.ParticipantTrust, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.ParticipantTrust, 0, len(s.trust))
	for _, t := range s.trust {
		out = append(out, cloneTrust(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out, nil
}

func (s *Store) ActiveStops(_ context.Context) ([]*core.EmergencyStop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.EmergencyStop
	for _, st := range s.stops {
		if st.Status == core.StopActive {
			out = append(out, cloneStop(st))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func sortTransactions(txs []*core.Transaction) {
	sort.Slice(txs, func(i, j int) bool { return txs[i].Created.Before(txs[j].Created) })
}

// ============================================================================
// UNIT OF WORK
// ============================================================================

type stagedWrite struct {
	kind     string // "tx", "dispute", "trust", "stop", "comp"
	id       string
	expected int64
	entity   interface{}
}

type unitOfWork struct {
	store  *Store
	staged []stagedWrite
	done   bool
}

// Begin opens a unit of work. Reads inside the UoW see staged writes
// first, then the committed state.
func (s *Store) Begin(_ context.Context) (storage.UnitOfWork, error) {
	return &unitOfWork{store: s}, nil
}

func (u *unitOfWork) stage(kind, id string, expected int64, entity interface{}) error {
	if u.done {
		return fmt.Errorf("unit of work already closed: %w", core.ErrInternal)
	}
	// Replace an earlier staged write for the same entity; keep the
	// original expected version so commit still guards the first read.
	for i, w := range u.staged {
		if w.kind == kind && w.id == id {
			u.staged[i].entity = entity
			return nil
		}
	}
	u.staged = append(u.staged, stagedWrite{kind: kind, id: id, expected: expected, entity: entity})
	return nil
}

func (u *unitOfWork) SaveTransaction(_ context.Context, tx *core.Transaction, expectedVersion int64) error {
	return u.stage("tx", tx.ID, expectedVersion, cloneTransaction(tx))
}

func (u *unitOfWork) SaveDispute(_ context.Context, d *core.Dispute, expectedVersion int64) error {
	return u.stage("dispute", d.ID, expectedVersion, cloneDispute(d))
}

func (u *unitOfWork) SaveTrust(_ context.Context, t *core.ParticipantTrust, expectedVersion int64) error {
	return u.stage("trust", t.ParticipantID, expectedVersion, cloneTrust(t))
}

func (u *unitOfWork) SaveStop(_ context.Context, st *core.EmergencyStop, expectedVersion int64) error {
	return u.stage("stop", st.ID, expectedVersion, cloneStop(st))
}

func (u *unitOfWork) SaveCompensation(_ context.Context, c *core.Compensation, expectedVersion int64) error {
	return u.stage("comp", c.ID, expectedVersion, cloneCompensation(c))
}

// Commit verifies every staged version against the live store under the
// write lock, then applies all writes. Either all land or none.
func (u *unitOfWork) Commit(_ context.Context) error {
	if u.done {
		return fmt.Errorf("unit of work already closed: %w", core.ErrInternal)
	}
	u.done = true

	u.store.mu.Lock()
	defer u.store.mu.Unlock()

	// Phase 1: verify.
	for _, w := range u.staged {
		current := u.store.currentVersion(w.kind, w.id)
		if current != w.expected {
			return fmt.Errorf("%s %s: expected version %d, have %d: %w",
				w.kind, w.id, w.expected, current, core.ErrConflict)
		}
	}

	// Phase 2: apply.
	for _, w := range u.staged {
		next := w.expected + 1
		switch e := w.entity.(type) {
		case *core.Transaction:
			e.Version = next
			u.store.transactions[w.id] = e
		case *core.Dispute:
			e.Version = next
			u.store.disputes[w.id] = e
		case *core.ParticipantTrust:
			e.Version = next
			u.store.trust[w.id] = e
		case *core.EmergencyStop:
			e.Version = next
			u.store.stops[w.id] = e
		case *core.Compensation:
			e.Version = next
			u.store.compensations[w.id] = e
		}
	}
	return nil
}

func (u *unitOfWork) Rollback() error {
	u.done = true
	u.staged = nil
	return nil
}

// currentVersion must be called with the store lock held.
func (s *Store) currentVersion(kind, id string) int64 {
	switch kind {
	case "tx":
		if e, ok := s.transactions[id]; ok {
			return e.Version
		}
	case "dispute":
		if e, ok := s.disputes[id]; ok {
			return e.Version
		}
	case "trust":
		if e, ok := s.trust[id]; ok {
			return e.Version
		}
	case "stop":
		if e, ok := s.stops[id]; ok {
			return e.Version
		}
	case "comp":
		if e, ok := s.compensations[id]; ok {
			return e.Version
		}
	}
	return 0
}

// ============================================================================
// UoW reads: staged-first, then committed
// ============================================================================

func (u *unitOfWork) stagedEntity(kind, id string) (interface{}, bool) {
	for i := len(u.staged) - 1; i >= 0; i-- {
		if u.staged[i].kind == kind && u.staged[i].id == id {
			return u.staged[i].entity, true
		}
	}
	return nil, false
}

func (u *unitOfWork) GetTransaction(ctx context.Context, id string) (*core.Transaction, error) {
	if e, ok := u.stagedEntity("tx", id); ok {
		return cloneTransaction(e.(*core.Transaction)), nil
	}
	return u.store.GetTransaction(ctx, id)
}

func (u *unitOfWork) GetDispute(ctx context.Context, id string) (*core.Dispute, error) {
	if e, ok := u.stagedEntity("dispute", id); ok {
		return cloneDispute(e.(*core.Dispute)), nil
	}
	return u.store.GetDispute(ctx, id)
}

func (u *unitOfWork) GetTrust(ctx context.Context, participantID string) (*core.ParticipantTrust, error) {
	if e, ok := u.stagedEntity("trust", participantID); ok {
		return cloneTrust(e.(*core.ParticipantTrust)), nil
	}
	return u.store.GetTrust(ctx, participantID)
}

func (u *unitOfWork) GetStop(ctx context.Context, id string) (*core.EmergencyStop, error) {
	if e, ok := u.stagedEntity("stop", id); ok {
		return cloneStop(e.(*core.EmergencyStop)), nil
	}
	return u.store.GetStop(ctx, id)
}

func (u *unitOfWork) GetCompensation(ctx context.Context, id string) (*core.Compensation, error) {
	if e, ok := u.stagedEntity("comp", id); ok {
		return cloneCompensation(e.(*core.Compensation)), nil
	}
	return u.store.GetCompensation(ctx, id)
}

func (u *unitOfWork) GetCompensationByParent(ctx context.Context, parentTxID string) (*core.Compensation, error) {
	for i := len(u.staged) - 1; i >= 0; i-- {
		if u.staged[i].kind == "comp" {
			if c := u.staged[i].entity.(*core.Compensation); c.ParentTxID == parentTxID {
				return cloneCompensation(c), nil
			}
		}
	}
	return u.store.GetCompensationByParent(ctx, parentTxID)
}

func (u *unitOfWork) TransactionsByParticipant(ctx context.Context, participantID string) ([]*core.Transaction, error) {
	return u.store.TransactionsByParticipant(ctx, participantID)
}

func (u *unitOfWork) PendingByParticipant(ctx context.Context, participantID string) ([]*core.Transaction, error) {
	return u.store.PendingByParticipant(ctx, participantID)
}

func (u *unitOfWork) TransactionsDueBefore(ctx context.Context, t time.Time) ([]*core.Transaction, error) {
	return u.store.TransactionsDueBefore(ctx, t)
}

func (u *unitOfWork) NonTerminalTransactions(ctx context.Context) ([]*core.Transaction, error) {
	return u.store.NonTerminalTransactions(ctx)
}

func (u *unitOfWork) AllTransactions(ctx context.Context) ([]*core.Transaction, error) {
	return u.store.AllTransactions(ctx)
}

func (u *unitOfWork) AllDisputes(ctx context.Context) ([]*core.Dispute, error) {
	return u.store.AllDisputes(ctx)
}

func (u *unitOfWork) TrustAll(ctx context.Context) ([]*core.ParticipantTrust, error) {
	return u.store.TrustAll(ctx)
}

func (u *unitOfWork) ActiveStops(ctx context.Context) ([]*core.EmergencyStop, error) {
	return u.store.ActiveStops(ctx)
}

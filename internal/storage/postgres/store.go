// Package postgres implements the persistence port on PostgreSQL. One
// table per entity, JSONB payloads, and optimistic concurrency through
// a version column: every save is an INSERT for version 0 or an
// UPDATE .. WHERE version = expected, so a stale writer loses with
// ErrConflict instead of clobbering.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/core"
	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/storage"
)

// dbtx abstracts *sql.DB and *sql.Tx so the read queries are shared
// between auto-committed reads and unit-of-work reads.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store is the durable engine.
type Store struct {
	db *sql.DB
	reader
}

// NewStore connects, pings, and ensures the schema exists.
func NewStore(dbURL string) (*Store, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db, reader: reader{q: db}}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Begin opens a serializable transaction as the unit of work.
func (s *Store) Begin(ctx context.Context) (storage.UnitOfWork, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("begin unit of work: %w", err)
	}
	return &unitOfWork{tx: tx, reader: reader{q: tx}}, nil
}

// ============================================================================
// UNIT OF WORK
// ============================================================================

type unitOfWork struct {
	tx *sql.Tx
	reader
}

func (u *unitOfWork) Commit(ctx context.Context) error {
	if err := u.tx.Commit(); err != nil {
		return fmt.Errorf("commit unit of work: %w", err)
	}
	return nil
}

func (u *unitOfWork) Rollback() error {
	if err := u.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return err
	}
	return nil
}

// save performs the versioned upsert shared by all entity types.
func save(ctx context.Context, q dbtx, table, idCol, id string, expected int64,
	payload interface{}, extraCols []string, extraVals []interface{}) error {

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s %s: %w", table, id, err)
	}

	cols := "(" + idCol + ", version, payload"
	vals := "($1, $2, $3"
	args := []interface{}{id, expected + 1, data}
	for i, c := range extraCols {
		cols += ", " + c
		vals += fmt.Sprintf(", $%d", i+4)
		args = append(args, extraVals[i])
	}
	cols += ")"
	vals += ")"

	if expected == 0 {
		res, err := q.ExecContext(ctx,
			"INSERT INTO "+table+" "+cols+" VALUES "+vals+" ON CONFLICT ("+idCol+") DO NOTHING", args...)
		if err != nil {
			return fmt.Errorf("insert %s %s: %w", table, id, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("%s %s already exists: %w", table, id, core.ErrConflict)
		}
		return nil
	}

	set := "version = $2, payload = $3"
	for i, c := range extraCols {
		set += fmt.Sprintf(", %s = $%d", c, i+4)
	}
	args = append(args, expected)
	res, err := q.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET %s WHERE %s = $1 AND version = $%d", table, set, idCol, len(args)), args...)
	if err != nil {
		return fmt.Errorf("update %s %s: %w", table, id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%s %s at version %d: %w", table, id, expected, core.ErrConflict)
	}
	return nil
}

func (u *unitOfWork) SaveTransaction(ctx context.Context, tx *core.Transaction, expected int64) error {
	cp := *tx
	cp.Version = expected + 1
	return save(ctx, u.tx, "transactions", "id", tx.ID, expected, &cp,
		[]string{"sender", "receiver", "state", "timeout_at", "created_at"},
		[]interface{}{tx.Sender, tx.Receiver, tx.State.String(), tx.TimeoutAt, tx.Created})
}

func (u *unitOfWork) SaveDispute(ctx context.Context, d *core.Dispute, expected int64) error {
	cp := *d
	cp.Version = expected + 1
	return save(ctx, u.tx, "disputes", "id", d.ID, expected, &cp,
		[]string{"transaction_id", "status", "opened_at"},
		[]interface{}{d.TransactionID, string(d.Status), d.OpenedAt})
}

func (u *unitOfWork) SaveTrust(ctx context.Context, t *core.ParticipantTrust, expected int64) error {
	cp := *t
	cp.Version = expected + 1
	return save(ctx, u.tx, "trust_records", "participant_id", t.ParticipantID, expected, &cp,
		[]string{"score"},
		[]interface{}{t.Score})
}

func (u *unitOfWork) SaveStop(ctx context.Context, st *core.EmergencyStop, expected int64) error {
	cp := *st
	cp.Version = expected + 1
	return save(ctx, u.tx, "emergency_stops", "id", st.ID, expected, &cp,
		[]string{"status", "started_at"},
		[]interface{}{string(st.Status), st.StartedAt})
}

func (u *unitOfWork) SaveCompensation(ctx context.Context, c *core.Compensation, expected int64) error {
	cp := *c
	cp.Version = expected + 1
	return save(ctx, u.tx, "compensations", "id", c.ID, expected, &cp,
		[]string{"parent_tx_id", "status"},
		[]interface{}{c.ParentTxID, string(c.Status)})
}

// ============================================================================
// READS
// ============================================================================

type reader struct {
	q dbtx
}

func getPayload(ctx context.Context, q dbtx, table, idCol, id, kind string, out interface{}) error {
	var data []byte
	err := q.QueryRowContext(ctx,
		"SELECT payload FROM "+table+" WHERE "+idCol+" = $1", id).Scan(&data)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%s %s: %w", kind, id, core.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load %s %s: %w", kind, id, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal %s %s: %w", kind, id, err)
	}
	return nil
}

func (r reader) GetTransaction(ctx context.Context, id string) (*core.Transaction, error) {
	var tx core.Transaction
	if err := getPayload(ctx, r.q, "transactions", "id", id, "transaction", &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (r reader) GetDispute(ctx context.Context, id string) (*core.Dispute, error) {
	var d core.Dispute
	if err := getPayload(ctx, r.q, "disputes", "id", id, "dispute", &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (r reader) GetTrust(ctx context.Context, participantID string) (*core.ParticipantTrust, error) {
	var t core.ParticipantTrust
	if err := getPayload(ctx, r.q, "trust_records", "participant_id", participantID, "trust record", &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r reader) GetStop(ctx context.Context, id string) (*core.EmergencyStop, error) {
	var s core.EmergencyStop
	if err := getPayload(ctx, r.q, "emergency_stops", "id", id, "emergency stop", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r reader) GetCompensation(ctx context.Context, id string) (*core.Compensation, error) {
	var c core.Compensation
	if err := getPayload(ctx, r.q, "compensations", "id", id, "compensation", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r reader) GetCompensationByParent(ctx context.Context, parentTxID string) (*core.Compensation, error) {
	var data []byte
	err := r.q.QueryRowContext(ctx,
		"SELECT payload FROM compensations WHERE parent_tx_id = $1 ORDER BY id LIMIT 1", parentTxID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("compensation for parent %s: %w", parentTxID, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load compensation by parent: %w", err)
	}
	var c core.Compensation
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unmarshal compensation: %w", err)
	}
	return &c, nil
}

func (r reader) scanTransactions(ctx context.Context, query string, args ...interface{}) ([]*core.Transaction, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scan transactions: %w", err)
	}
	defer rows.Close()

	var out []*core.Transaction
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan transactions: %w", err)
		}
		var tx core.Transaction
		if err := json.Unmarshal(data, &tx); err != nil {
			return nil, fmt.Errorf("unmarshal transaction: %w", err)
		}
		out = append(out, &tx)
	}
	return out, rows.Err()
}

const terminalStates = "('VALIDATED', 'CANCELLED', 'RESOLVED')"

func (r reader) TransactionsByParticipant(ctx context.Context, participantID string) ([]*core.Transaction, error) {
	return r.scanTransactions(ctx,
		"SELECT payload FROM transactions WHERE sender = $1 OR receiver = $1 ORDER BY created_at", participantID)
}

func (r reader) PendingByParticipant(ctx context.Context, participantID string) ([]*core.Transaction, error) {
	return r.scanTransactions(ctx,
		"SELECT payload FROM transactions WHERE (sender = $1 AND state = 'INITIATED') "+
			"OR (receiver = $1 AND state = 'SENDER_CONFIRMED') ORDER BY created_at", participantID)
}

func (r reader) TransactionsDueBefore(ctx context.Context, t time.Time) ([]*core.Transaction, error) {
	return r.scanTransactions(ctx,
		"SELECT payload FROM transactions WHERE timeout_at <= $1 AND state NOT IN "+
			terminalStates+" ORDER BY timeout_at", t)
}

func (r reader) NonTerminalTransactions(ctx context.Context) ([]*core.Transaction, error) {
	return r.scanTransactions(ctx,
		"SELECT payload FROM transactions WHERE state NOT IN "+terminalStates+" ORDER BY created_at")
}

func (r reader) AllTransactions(ctx context.Context) ([]*core.Transaction, error) {
	return r.scanTransactions(ctx, "SELECT payload FROM transactions ORDER BY created_at")
}

func (r reader) AllDisputes(ctx context.Context) ([]*core.Dispute, error) {
	rows, err := r.q.QueryContext(ctx, "SELECT payload FROM disputes ORDER BY opened_at")
	if err != nil {
		return nil, fmt.Errorf("scan disputes: %w", err)
	}
	defer rows.Close()

	var out []*core.Dispute
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var d core.Dispute
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("unmarshal dispute: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (r reader) TrustAll(ctx context.Context) ([]*core.ParticipantTrust, error) {
	rows, err := r.q.QueryContext(ctx, "SELECT payload FROM trust_records ORDER BY score DESC")
	if err != nil {
		return nil, fmt.Errorf("scan trust records: %w", err)
	}
	defer rows.Close()

	var out []*core.ParticipantTrust
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var t core.ParticipantTrust
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("unmarshal trust record: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (r reader) ActiveStops(ctx context.Context) ([]*core.EmergencyStop, error) {
	rows, err := r.q.QueryContext(ctx,
		"SELECT payload FROM emergency_stops WHERE status = 'ACTIVE' ORDER BY started_at")
	if err != nil {
		return nil, fmt.Errorf("scan emergency stops: %w", err)
	}
	defer rows.Close()

	var out []*core.EmergencyStop
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var s core.EmergencyStop
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("unmarshal emergency stop: %w", err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

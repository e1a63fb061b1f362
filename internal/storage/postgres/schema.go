package postgres

// Schema for the durable persistence port. Every entity table carries
// an id primary key, a version column for optimistic concurrency, and a
// JSONB payload holding the full entity. Extracted columns exist only
// to back the secondary indexes the port's scans need.
const schema = `
CREATE TABLE IF NOT EXISTS transactions (
    id         TEXT PRIMARY KEY,
    version    BIGINT NOT NULL,
    sender     TEXT NOT NULL,
    receiver   TEXT NOT NULL,
    state      TEXT NOT NULL,
    timeout_at TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    payload    JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tx_sender_state   ON transactions (sender, state);
CREATE INDEX IF NOT EXISTS idx_tx_receiver_state ON transactions (receiver, state);
CREATE INDEX IF NOT EXISTS idx_tx_timeout_at     ON transactions (timeout_at);

CREATE TABLE IF NOT EXISTS disputes (
    id             TEXT PRIMARY KEY,
    version        BIGINT NOT NULL,
    transaction_id TEXT NOT NULL,
    status         TEXT NOT NULL,
    opened_at      TIMESTAMPTZ NOT NULL,
    payload        JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_disputes_tx ON disputes (transaction_id);

CREATE TABLE IF NOT EXISTS trust_records (
    participant_id TEXT PRIMARY KEY,
    version        BIGINT NOT NULL,
    score          DOUBLE PRECISION NOT NULL,
    payload        JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS emergency_stops (
    id         TEXT PRIMARY KEY,
    version    BIGINT NOT NULL,
    status     TEXT NOT NULL,
    started_at TIMESTAMPTZ NOT NULL,
    payload    JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS compensations (
    id           TEXT PRIMARY KEY,
    version      BIGINT NOT NULL,
    parent_tx_id TEXT NOT NULL,
    status       TEXT NOT NULL,
    payload      JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_comp_parent ON compensations (parent_tx_id);
`

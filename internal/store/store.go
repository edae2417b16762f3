// Package store provides SQLite-backed authoritative state for the
// orchestrator: resources, leases, worker pools, jobs, and an append-only
// audit log.
//
// Every mutation runs inside a single transaction that also appends an
// AuditEvent, and every status transition is a conditional update scoped to
// the expected current status. A duplicate delivery or a concurrent writer
// therefore loses the race cleanly instead of double-applying. In-memory
// views held by callers are advisory only; this package is the source of
// truth that every replica reconstructs behavior from after a crash.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aceteam-ai/warden/pkg/backoff"
)

const schema = `
CREATE TABLE IF NOT EXISTS resources (
    resource_index INTEGER PRIMARY KEY,
    name           TEXT NOT NULL,
    capacity_mb    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS leases (
    token          TEXT PRIMARY KEY,
    agent_name     TEXT NOT NULL,
    resource_index INTEGER,
    mode           TEXT NOT NULL CHECK (mode IN ('gpu','cpu')),
    created_at     INTEGER NOT NULL,
    expires_at     INTEGER NOT NULL,
    last_heartbeat INTEGER NOT NULL,
    ttl_ms         INTEGER NOT NULL,
    metadata       TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_leases_expires ON leases(expires_at);

CREATE TABLE IF NOT EXISTS pools (
    pool_id         TEXT PRIMARY KEY,
    agent_name      TEXT NOT NULL,
    model_id        TEXT NOT NULL,
    adapter         TEXT,
    desired_workers INTEGER NOT NULL,
    spawned_workers INTEGER NOT NULL DEFAULT 0,
    started_at      INTEGER NOT NULL,
    last_heartbeat  INTEGER NOT NULL,
    status          TEXT NOT NULL CHECK (status IN ('starting','running','draining','stopped','evicted')),
    hold_seconds    INTEGER NOT NULL,
    drain_deadline  INTEGER NOT NULL DEFAULT 0,
    metadata        TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_pools_status_hb ON pools(status, last_heartbeat);

CREATE TABLE IF NOT EXISTS jobs (
    job_id     TEXT PRIMARY KEY,
    type       TEXT NOT NULL,
    payload    TEXT NOT NULL DEFAULT '{}',
    status     TEXT NOT NULL CHECK (status IN ('pending','claimed','running','done','failed','dead_letter')),
    owner_pool TEXT,
    attempts   INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    last_error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_updated ON jobs(status, updated_at);

CREATE TABLE IF NOT EXISTS audit_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    entity_kind TEXT NOT NULL,
    entity_id   TEXT NOT NULL,
    event       TEXT NOT NULL,
    detail      TEXT NOT NULL DEFAULT '',
    created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_events(entity_kind, entity_id);
`

// Store wraps the SQLite database holding orchestrator state.
type Store struct {
	db *sql.DB

	// now is swappable in tests to simulate clock advance.
	now func() time.Time
}

// Open opens (or creates) the state database at dbPath and runs migrations.
// Transactions open in immediate mode: the write lock is taken up front, so
// two racing grant attempts serialize and the loser re-reads state that
// already includes the winner's lease.
func Open(dbPath string) (*Store, error) {
	if !strings.Contains(dbPath, "_txlock=") {
		dbPath = appendDSNParam(dbPath, "_txlock=immediate")
	}
	// busy_timeout must ride the DSN: a one-off PRAGMA exec would configure
	// only whichever pooled connection happened to run it, and connections
	// without it fail instantly with SQLITE_BUSY under write contention.
	if !strings.Contains(dbPath, "busy_timeout") {
		dbPath = appendDSNParam(dbPath, "_pragma=busy_timeout(5000)")
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}

	// WAL allows concurrent readers during reconciliation scans.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetClock overrides the store's clock. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// busyRetries bounds the local retry loop for lock contention. With the
// 5s busy_timeout this only triggers when the database is saturated.
const busyRetries = 5

// withTx runs fn inside one transaction, rolling back on error. Lock
// contention is retried locally with jittered backoff; fn must therefore be
// safe to re-run from scratch.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 1; attempt <= busyRetries; attempt++ {
		err = s.runTx(ctx, fn)
		if err == nil || !isBusy(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff.Jittered(attempt, &backoff.Config{
			Initial: 10 * time.Millisecond,
			Max:     250 * time.Millisecond,
		})):
		}
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func appendDSNParam(dsn, param string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + param
	}
	return dsn + "?" + param
}

func timeToMs(t time.Time) int64 {
	return t.UnixMilli()
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

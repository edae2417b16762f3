// Package election designates exactly one orchestrator replica as leader.
//
// The lock is a pluggable TTL-based mutual exclusion primitive so the same
// elector logic works against Redis, a relational advisory lock, or a
// dedicated coordination service. On leader crash the lock simply expires
// and the next replica to acquire it resumes reconciliation from persisted
// state; no in-memory handoff exists or is needed.
package election

import (
	"context"
	"time"
)

// Lock is a distributed TTL lock. Implementations must be safe for use by
// multiple processes; only the holder's Renew and Release may succeed.
type Lock interface {
	// Acquire attempts to take the lock for ttl. Returns held=false without
	// error when another replica holds it.
	Acquire(ctx context.Context, ttl time.Duration) (held bool, err error)

	// Renew extends the holder's lock by ttl. Returns held=false when the
	// lock was lost (expired and possibly taken by another replica).
	Renew(ctx context.Context, ttl time.Duration) (held bool, err error)

	// Release drops the lock if this replica holds it. Safe to call when
	// not held.
	Release(ctx context.Context) error

	// HolderHint returns an address hint for the current holder, if the
	// implementation records one. Empty when unknown.
	HolderHint(ctx context.Context) (string, error)
}

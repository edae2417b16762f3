package store

import "time"

// LeaseMode distinguishes GPU-slot leases from capacity-unbounded CPU leases.
type LeaseMode string

const (
	LeaseModeGPU LeaseMode = "gpu"
	LeaseModeCPU LeaseMode = "cpu"
)

// Lease is a grant of capacity to one caller. A resource index is held by at
// most one non-expired gpu lease; a lease whose TTL lapsed without heartbeat
// is dead even before a purge pass observes it.
type Lease struct {
	Token         string            `json:"token"`
	AgentName     string            `json:"agent"`
	ResourceIndex *int              `json:"resource_index,omitempty"` // nil means CPU fallback
	Mode          LeaseMode         `json:"mode"`
	CreatedAt     time.Time         `json:"created_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	TTL           time.Duration     `json:"-"` // heartbeats extend by the granted TTL
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Expired reports whether the lease TTL has lapsed as of now.
func (l *Lease) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// PoolStatus is the worker pool lifecycle state.
type PoolStatus string

const (
	PoolStarting PoolStatus = "starting"
	PoolRunning  PoolStatus = "running"
	PoolDraining PoolStatus = "draining"
	PoolStopped  PoolStatus = "stopped"
	PoolEvicted  PoolStatus = "evicted"
)

// Terminal reports whether the status admits no further transitions.
func (s PoolStatus) Terminal() bool {
	return s == PoolStopped || s == PoolEvicted
}

// Pool is a named, sized group of workers serving one model/adapter.
type Pool struct {
	PoolID         string            `json:"pool_id"`
	AgentName      string            `json:"agent"`
	ModelID        string            `json:"model"`
	Adapter        string            `json:"adapter,omitempty"` // empty means base model, no adapter
	DesiredWorkers int               `json:"desired_workers"`
	SpawnedWorkers int               `json:"spawned_workers"`
	StartedAt      time.Time         `json:"started_at"`
	LastHeartbeat  time.Time         `json:"last_heartbeat"`
	Status         PoolStatus        `json:"status"`
	HoldSeconds    int               `json:"hold_seconds"`
	DrainDeadline  time.Time         `json:"drain_deadline,omitempty"` // zero unless draining
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// JobStatus is the job lifecycle state. Transitions form a DAG:
// pending → claimed → running → {done | failed}; failed → pending while
// attempts remain, then failed → dead_letter. done and dead_letter absorb.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobClaimed    JobStatus = "claimed"
	JobRunning    JobStatus = "running"
	JobDone       JobStatus = "done"
	JobFailed     JobStatus = "failed"
	JobDeadLetter JobStatus = "dead_letter"
)

// Terminal reports whether the status is absorbing.
func (s JobStatus) Terminal() bool {
	return s == JobDone || s == JobDeadLetter
}

// Job is one idempotency-keyed unit of dispatchable work. Rows are never
// deleted; terminal jobs are retained for audit.
type Job struct {
	JobID     string    `json:"job_id"`
	Type      string    `json:"type"`
	Payload   string    `json:"payload"` // opaque JSON
	Status    JobStatus `json:"status"`
	OwnerPool string    `json:"owner_pool,omitempty"` // empty until claimed by a pool's worker
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	LastError string    `json:"last_error,omitempty"`
}

// Resource is one schedulable capacity slot (typically one GPU).
type Resource struct {
	ResourceIndex int    `json:"resource_index"`
	Name          string `json:"name"`
	CapacityMB    int64  `json:"capacity_mb"`
}

// AuditEvent records one state transition. Append-only, never mutated.
type AuditEvent struct {
	ID         int64     `json:"id"`
	EntityKind string    `json:"entity_kind"`
	EntityID   string    `json:"entity_id"`
	Event      string    `json:"event"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Package apperrors provides structured orchestrator errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation   = errors.New("validation error")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrLeaseDenied  = errors.New("lease denied")
	ErrLeaseExpired = errors.New("lease expired")
	ErrMaxAttempts  = errors.New("max attempts exceeded")
	ErrNotLeader    = errors.New("not leader")
	ErrBackpressure = errors.New("backpressure rejected")
	ErrInternal     = errors.New("internal error")
)

// Error provides a structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "agent", "ttl")
	Resource string // For not found/conflict (e.g., "lease", "pool", "job")
	Op       string // Operation that failed (e.g., "store.createJob")
	Hint     string // Optional caller hint (e.g., current leader address)
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel error for errors.Is() classification.
func (e *Error) Unwrap() error {
	return e.Sentinel
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource. reason should name the
// entity it concerns.
func Conflict(resource, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
	}
}

// LeaseDenied indicates no resource had enough free capacity.
func LeaseDenied(agent string, minCapacityMB int64) error {
	return &Error{
		Sentinel: ErrLeaseDenied,
		Message:  fmt.Sprintf("no resource with %d MB free for agent %s", minCapacityMB, agent),
		Resource: "lease",
	}
}

// LeaseExpired indicates a heartbeat arrived after the lease TTL lapsed.
// Non-fatal: the caller should request a fresh lease.
func LeaseExpired(token string) error {
	return &Error{
		Sentinel: ErrLeaseExpired,
		Message:  fmt.Sprintf("lease %s expired", token),
		Resource: "lease",
	}
}

// MaxAttempts indicates a job exhausted its retry budget and is dead-lettered.
func MaxAttempts(jobID string, attempts int) error {
	return &Error{
		Sentinel: ErrMaxAttempts,
		Message:  fmt.Sprintf("job %s dead-lettered after %d attempts", jobID, attempts),
		Resource: "job",
	}
}

// NotLeader rejects a leader-gated operation on a follower replica.
// leaderHint, if known, tells the caller where to retry.
func NotLeader(leaderHint string) error {
	msg := "this replica is not the leader"
	if leaderHint != "" {
		msg = fmt.Sprintf("this replica is not the leader (current leader: %s)", leaderHint)
	}
	return &Error{
		Sentinel: ErrNotLeader,
		Message:  msg,
		Hint:     leaderHint,
	}
}

// Backpressure rejects new demand under admission control.
// Distinct from LeaseDenied so callers can tell "slow down" from
// "try another resource".
func Backpressure(reason string) error {
	return &Error{
		Sentinel: ErrBackpressure,
		Message:  reason,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

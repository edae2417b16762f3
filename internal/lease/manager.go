// Package lease grants time-bounded, heartbeat-renewed claims on accelerator
// capacity. Allocation runs as one atomic store transaction: under concurrent
// demand for the last free slot, exactly one request wins and the rest see
// LeaseDenied (or fall back to a capacity-unbounded CPU lease when enabled).
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/aceteam-ai/warden/internal/apperrors"
	"github.com/aceteam-ai/warden/internal/store"
)

// Manager coordinates lease grant, renewal and release against the store.
type Manager struct {
	store *store.Store
	cfg   Config
	log   *logrus.Entry
}

// Config holds lease manager configuration.
type Config struct {
	// DefaultTTL applies when a request carries no TTL.
	DefaultTTL time.Duration

	// AllowCPUFallback grants a CPU lease when no GPU fits.
	AllowCPUFallback bool
}

// NewManager creates a lease manager.
func NewManager(s *store.Store, cfg Config) *Manager {
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = time.Hour
	}
	return &Manager{
		store: s,
		cfg:   cfg,
		log:   logrus.WithField("component", "lease"),
	}
}

// Request grants capacity to agent: the lowest-indexed resource with at
// least minCapacityMB free, or a CPU-fallback lease when nothing fits and
// fallback is permitted. Metadata travels with the lease; a "pool_id" key
// binds it to a pool so pool termination releases it.
func (m *Manager) Request(ctx context.Context, agent string, minCapacityMB int64, ttl time.Duration, metadata map[string]string) (*store.Lease, error) {
	if agent == "" {
		return nil, apperrors.Validation("agent", "agent is required")
	}
	if minCapacityMB < 0 {
		return nil, apperrors.Validation("min_capacity", "min_capacity must not be negative")
	}
	if ttl <= 0 {
		ttl = m.cfg.DefaultTTL
	}

	token := fmt.Sprintf("lease-%s", uuid.New().String())
	lease, err := m.store.AllocateGPULease(ctx, token, agent, minCapacityMB, ttl, metadata)
	if err == nil {
		m.log.WithFields(logrus.Fields{
			"token":    lease.Token,
			"agent":    agent,
			"resource": *lease.ResourceIndex,
		}).Info("lease granted")
		return lease, nil
	}
	if !errors.Is(err, apperrors.ErrLeaseDenied) {
		return nil, err
	}
	if !m.cfg.AllowCPUFallback {
		return nil, err
	}

	lease, err = m.store.AllocateCPULease(ctx, token, agent, ttl, metadata)
	if err != nil {
		return nil, err
	}
	m.log.WithFields(logrus.Fields{"token": lease.Token, "agent": agent}).
		Info("no GPU fit, granted CPU fallback lease")
	return lease, nil
}

// Heartbeat extends a live lease by the TTL it was granted with. On an
// expired token it returns ErrLeaseExpired so the caller knows to
// re-request.
func (m *Manager) Heartbeat(ctx context.Context, token string) (*store.Lease, error) {
	return m.store.HeartbeatLease(ctx, token)
}

// Release frees the lease and makes its resource immediately grantable.
func (m *Manager) Release(ctx context.Context, token string) error {
	if err := m.store.ReleaseLease(ctx, token); err != nil {
		return err
	}
	m.log.WithField("token", token).Info("lease released")
	return nil
}

// Get returns one lease by token.
func (m *Manager) Get(ctx context.Context, token string) (*store.Lease, error) {
	return m.store.GetLease(ctx, token)
}

// List returns all leases.
func (m *Manager) List(ctx context.Context) ([]store.Lease, error) {
	return m.store.ListLeases(ctx)
}

// PurgeExpired removes up to limit TTL-lapsed leases, freeing their
// resources. Called from the leader's reclaim pass.
func (m *Manager) PurgeExpired(ctx context.Context, limit int) (int, error) {
	tokens, err := m.store.PurgeExpiredLeases(ctx, limit)
	if err != nil {
		return 0, err
	}
	if len(tokens) > 0 {
		m.log.WithField("count", len(tokens)).Info("purged expired leases")
	}
	return len(tokens), nil
}

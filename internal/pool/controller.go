// Package pool manages the lifecycle of named worker pools, each bound to
// one model/adapter. A pool starts when its row is persisted and a preload
// job is queued, runs once a worker heartbeats, drains on request (no new
// job ownership, bounded by a drain timeout), and stops or is evicted with
// all of its leases released.
//
// Reconcile is the leader-only corrective pass: it compares desired against
// observed worker counts, completes drains, and evicts pools that went
// silent past their hold window. Absence of heartbeat is the only liveness
// signal it trusts.
package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/aceteam-ai/warden/internal/apperrors"
	"github.com/aceteam-ai/warden/internal/store"
)

// PreloadJobType is the job type queued on pool creation so a worker warms
// the model before serving traffic.
const PreloadJobType = "model_preload"

// Submitter queues a job durably (DB row + transport entry).
type Submitter interface {
	Submit(ctx context.Context, jobID, jobType, payload string) (accepted bool, err error)
}

// Config holds pool controller configuration.
type Config struct {
	// DrainTimeout bounds how long a draining pool waits for in-flight
	// jobs before it is stopped anyway.
	DrainTimeout time.Duration
}

// Controller coordinates pool lifecycle against the store.
type Controller struct {
	store     *store.Store
	submitter Submitter
	cfg       Config
	log       *logrus.Entry

	// now is swappable in tests.
	now func() time.Time
}

// NewController creates a pool controller.
func NewController(s *store.Store, submitter Submitter, cfg Config) *Controller {
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = 2 * time.Minute
	}
	return &Controller{
		store:     s,
		submitter: submitter,
		cfg:       cfg,
		log:       logrus.WithField("component", "pool"),
		now:       time.Now,
	}
}

// Create persists a new pool in the starting state and queues its preload
// job. The preload job id derives from the pool id, so a crash between the
// two writes is repaired by the reclaimer's republish pass.
func (c *Controller) Create(ctx context.Context, agent, model, adapter string, desiredWorkers, holdSeconds int) (*store.Pool, error) {
	if agent == "" {
		return nil, apperrors.Validation("agent", "agent is required")
	}
	if model == "" {
		return nil, apperrors.Validation("model", "model is required")
	}
	if desiredWorkers <= 0 {
		return nil, apperrors.Validation("desired_workers", "desired_workers must be positive")
	}
	if holdSeconds <= 0 {
		return nil, apperrors.Validation("hold_seconds", "hold_seconds must be positive")
	}

	poolID := fmt.Sprintf("pool-%s", uuid.New().String()[:8])
	pool, err := c.store.CreatePool(ctx, store.Pool{
		PoolID:         poolID,
		AgentName:      agent,
		ModelID:        model,
		Adapter:        adapter,
		DesiredWorkers: desiredWorkers,
		HoldSeconds:    holdSeconds,
	})
	if err != nil {
		return nil, err
	}

	if err := c.queuePreload(ctx, pool); err != nil {
		// The pool row is persisted; the reclaimer republishes the pending
		// preload job on its next pass.
		c.log.WithError(err).WithField("pool", poolID).Warn("failed to queue preload job")
	}

	c.log.WithFields(logrus.Fields{
		"pool": poolID, "agent": agent, "model": model, "workers": desiredWorkers,
	}).Info("pool created")
	return pool, nil
}

func (c *Controller) queuePreload(ctx context.Context, pool *store.Pool) error {
	payload := fmt.Sprintf(`{"pool_id":%q,"model":%q,"adapter":%q}`, pool.PoolID, pool.ModelID, pool.Adapter)
	_, err := c.submitter.Submit(ctx, "preload-"+pool.PoolID, PreloadJobType, payload)
	return err
}

// Heartbeat records worker liveness for a pool.
func (c *Controller) Heartbeat(ctx context.Context, poolID string, spawned int) error {
	return c.store.HeartbeatPool(ctx, poolID, spawned)
}

// Drain freezes the pool: desired_workers stops changing and no new job may
// take it as owner. In-flight jobs get DrainTimeout to finish.
func (c *Controller) Drain(ctx context.Context, poolID string) error {
	if err := c.store.DrainPool(ctx, poolID, c.now().Add(c.cfg.DrainTimeout)); err != nil {
		return err
	}
	c.log.WithField("pool", poolID).Info("pool draining")
	return nil
}

// Evict forces the pool to evicted from any non-terminal state, releasing
// its leases without waiting for drain completion.
func (c *Controller) Evict(ctx context.Context, poolID, reason string) error {
	if err := c.store.EvictPool(ctx, poolID, reason); err != nil {
		return err
	}
	c.log.WithFields(logrus.Fields{"pool": poolID, "reason": reason}).Warn("pool evicted")
	return nil
}

// Get returns one pool.
func (c *Controller) Get(ctx context.Context, poolID string) (*store.Pool, error) {
	return c.store.GetPool(ctx, poolID)
}

// List returns all pools.
func (c *Controller) List(ctx context.Context) ([]store.Pool, error) {
	return c.store.ListPools(ctx)
}

// Reconcile is the leader-only corrective pass. One bounded pass:
//
//  1. live pools short of desired workers get their preload republished
//  2. draining pools whose owned jobs are terminal, or whose drain
//     deadline passed, move to stopped
//  3. live pools silent past hold_seconds are evicted
func (c *Controller) Reconcile(ctx context.Context) error {
	live, err := c.store.LivePools(ctx)
	if err != nil {
		return fmt.Errorf("list live pools: %w", err)
	}
	for _, p := range live {
		if p.SpawnedWorkers < p.DesiredWorkers {
			c.log.WithFields(logrus.Fields{
				"pool": p.PoolID, "spawned": p.SpawnedWorkers, "desired": p.DesiredWorkers,
			}).Debug("worker shortfall, republishing preload")
			if err := c.queuePreload(ctx, &p); err != nil {
				c.log.WithError(err).WithField("pool", p.PoolID).Warn("failed to republish preload")
			}
		}
	}

	draining, err := c.store.DrainingPools(ctx)
	if err != nil {
		return fmt.Errorf("list draining pools: %w", err)
	}
	now := c.now()
	for _, p := range draining {
		inflight, err := c.store.NonTerminalJobCountForPool(ctx, p.PoolID)
		if err != nil {
			c.log.WithError(err).WithField("pool", p.PoolID).Warn("failed to count in-flight jobs")
			continue
		}
		if inflight == 0 || now.After(p.DrainDeadline) {
			if err := c.store.CompleteDrain(ctx, p.PoolID); err != nil {
				c.log.WithError(err).WithField("pool", p.PoolID).Warn("failed to complete drain")
				continue
			}
			c.log.WithFields(logrus.Fields{"pool": p.PoolID, "inflight": inflight}).Info("pool drain complete")
		}
	}

	stale, err := c.store.StalePools(ctx, 100)
	if err != nil {
		return fmt.Errorf("list stale pools: %w", err)
	}
	for _, p := range stale {
		reason := fmt.Sprintf("no heartbeat for over %ds", p.HoldSeconds)
		if err := c.Evict(ctx, p.PoolID, reason); err != nil {
			c.log.WithError(err).WithField("pool", p.PoolID).Warn("failed to evict stale pool")
		}
	}
	return nil
}

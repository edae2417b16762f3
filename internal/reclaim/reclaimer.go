// Package reclaim repairs the system after worker crashes and lost writes.
// The reclaimer runs only on the elected leader and does bounded work per
// pass so a large backlog cannot wedge a single tick.
package reclaim

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aceteam-ai/warden/internal/store"
	"github.com/aceteam-ai/warden/internal/transport"
	"github.com/aceteam-ai/warden/pkg/backoff"
)

// PoolReconciler advances pool lifecycle state. Satisfied by the pool
// controller.
type PoolReconciler interface {
	Reconcile(ctx context.Context) error
}

// Config holds settings for the reclaim loop.
type Config struct {
	// JobTypes are the streams scanned for stalled entries.
	JobTypes []string

	// Interval is the base period between passes. Each wait is jittered
	// so multiple candidate leaders never sync up.
	Interval time.Duration

	// IdleThreshold is how long a delivered entry may sit unacked before
	// it is presumed orphaned by a dead worker.
	IdleThreshold time.Duration

	// RepublishThreshold is how long a pending job may go without a
	// stream write before it is republished.
	RepublishThreshold time.Duration

	// MaxAttempts mirrors the worker retry budget.
	MaxAttempts int

	// MaxPerPass bounds reclaimed entries, republished jobs, and purged
	// leases per pass.
	MaxPerPass int
}

func (c *Config) applyDefaults() {
	if c.Interval == 0 {
		c.Interval = 15 * time.Second
	}
	if c.IdleThreshold == 0 {
		c.IdleThreshold = 60 * time.Second
	}
	if c.RepublishThreshold == 0 {
		c.RepublishThreshold = 60 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.MaxPerPass == 0 {
		c.MaxPerPass = 100
	}
}

// Reclaimer is the leader-only repair loop.
type Reclaimer struct {
	store     *store.Store
	transport *transport.Client
	pools     PoolReconciler
	isLeader  func() bool
	cfg       Config
	log       *logrus.Entry
}

// New creates a reclaimer. isLeader gates every pass; pass the elector's
// IsLeader. pools may be nil when no pool controller runs in this process.
func New(s *store.Store, t *transport.Client, pools PoolReconciler, isLeader func() bool, cfg Config) *Reclaimer {
	cfg.applyDefaults()
	return &Reclaimer{
		store:     s,
		transport: t,
		pools:     pools,
		isLeader:  isLeader,
		cfg:       cfg,
		log:       logrus.WithField("component", "reclaim"),
	}
}

// Run executes passes until ctx is cancelled.
func (r *Reclaimer) Run(ctx context.Context) {
	r.log.WithField("interval", r.cfg.Interval).Info("reclaim loop started")
	for {
		select {
		case <-ctx.Done():
			r.log.Info("reclaim loop stopped")
			return
		case <-time.After(backoff.JitterInterval(r.cfg.Interval, 0.2)):
		}

		if !r.isLeader() {
			continue
		}
		if err := r.Pass(ctx); err != nil {
			r.log.WithError(err).Warn("reclaim pass failed")
		}
	}
}

// Pass runs one full repair pass. Exposed for the /control/reconcile
// endpoint and for tests.
func (r *Reclaimer) Pass(ctx context.Context) error {
	groups, err := r.consumerGroups(ctx)
	if err != nil {
		return err
	}

	for _, jobType := range r.cfg.JobTypes {
		for _, group := range groups {
			r.reclaimGroup(ctx, jobType, group)
		}
	}

	r.republishStale(ctx)
	r.purgeLeases(ctx)

	if r.pools != nil {
		if err := r.pools.Reconcile(ctx); err != nil {
			r.log.WithError(err).Warn("pool reconcile failed")
		}
	}
	return nil
}

// consumerGroups enumerates the groups that may hold stalled entries: the
// poolless default group plus one per non-terminal pool. Draining pools are
// included since their in-flight entries still need rescue.
func (r *Reclaimer) consumerGroups(ctx context.Context) ([]string, error) {
	groups := []string{""}
	live, err := r.store.LivePools(ctx)
	if err != nil {
		return nil, err
	}
	draining, err := r.store.DrainingPools(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range append(live, draining...) {
		groups = append(groups, p.PoolID)
	}
	return groups, nil
}

// reclaimGroup takes ownership of entries a dead worker left unacked and
// pushes each through the failed/requeue/dead-letter decision.
func (r *Reclaimer) reclaimGroup(ctx context.Context, jobType, poolID string) {
	group := transport.GroupName(jobType, poolID)
	entries, err := r.transport.ReclaimStalled(ctx, jobType, group, r.cfg.IdleThreshold, r.cfg.MaxPerPass)
	if err != nil {
		// A pool whose worker never started has no group yet; nothing to
		// reclaim there.
		if !transport.IsNoGroup(err) {
			r.log.WithError(err).WithFields(logrus.Fields{"type": jobType, "group": group}).Warn("stalled entry scan failed")
		}
		return
	}

	for i := range entries {
		entry := &entries[i]
		log := r.log.WithFields(logrus.Fields{"job": entry.JobID, "type": jobType})

		job, err := r.store.GetJob(ctx, entry.JobID)
		if err != nil {
			log.WithError(err).Warn("reclaimed entry references unknown job, dropping")
			r.transport.Ack(ctx, jobType, group, entry.MessageID)
			continue
		}

		if job.Status.Terminal() {
			// The worker finished but died before acking.
			r.transport.Ack(ctx, jobType, group, entry.MessageID)
			continue
		}
		if job.Status == store.JobPending {
			// Requeued but the entry lingered; the republish pass owns
			// pending jobs.
			r.transport.Ack(ctx, jobType, group, entry.MessageID)
			continue
		}

		// A job already in failed means the worker died between its fail
		// and requeue writes; take over from the recorded attempts.
		attempts := job.Attempts
		if job.Status == store.JobClaimed || job.Status == store.JobRunning {
			attempts, err = r.store.MarkJobFailed(ctx, entry.JobID, "worker lost: entry idle past threshold")
			if err != nil {
				log.WithError(err).Warn("failed transition rejected for stalled job")
				continue
			}
		}

		if attempts >= r.cfg.MaxAttempts {
			if err := r.transport.MoveToDLQ(ctx, jobType, group, entry, "worker lost"); err != nil {
				log.WithError(err).Warn("dead-letter move failed")
				continue
			}
			if err := r.store.DeadLetterJob(ctx, entry.JobID); err != nil {
				log.WithError(err).Warn("dead-letter transition rejected")
			}
			log.WithField("attempts", attempts).Warn("stalled job dead-lettered")
			continue
		}

		requeued, err := r.store.RequeueJob(ctx, entry.JobID, r.cfg.MaxAttempts)
		if err != nil || !requeued {
			log.WithError(err).Warn("requeue rejected for stalled job")
			continue
		}
		r.transport.Ack(ctx, jobType, group, entry.MessageID)
		if err := r.transport.Publish(ctx, jobType, entry.JobID, entry.Payload); err != nil {
			log.WithError(err).Warn("republish after reclaim failed")
			continue
		}
		log.WithField("attempts", attempts).Info("stalled job requeued")
	}
}

// republishStale repairs pending jobs with no live stream entry. Publishing
// a duplicate is harmless: the conditional claim admits one winner.
func (r *Reclaimer) republishStale(ctx context.Context) {
	jobs, err := r.store.StalePendingJobs(ctx, r.cfg.RepublishThreshold, r.cfg.MaxPerPass)
	if err != nil {
		r.log.WithError(err).Warn("stale pending scan failed")
		return
	}
	for _, job := range jobs {
		if err := r.transport.Publish(ctx, job.Type, job.JobID, job.Payload); err != nil {
			r.log.WithError(err).WithField("job", job.JobID).Warn("republish failed")
			continue
		}
		// Touch updated_at so the next pass does not republish again
		// before the threshold.
		if _, err := r.store.TouchJob(ctx, job.JobID); err != nil {
			r.log.WithError(err).WithField("job", job.JobID).Warn("touch after republish failed")
		}
		r.log.WithFields(logrus.Fields{"job": job.JobID, "type": job.Type}).Info("pending job republished")
	}
}

func (r *Reclaimer) purgeLeases(ctx context.Context) {
	tokens, err := r.store.PurgeExpiredLeases(ctx, r.cfg.MaxPerPass)
	if err != nil {
		r.log.WithError(err).Warn("lease purge failed")
		return
	}
	if len(tokens) > 0 {
		r.log.WithField("count", len(tokens)).Info("expired leases purged")
	}
}

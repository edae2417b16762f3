// Package dispatch implements the worker side of the job pipeline: claim an
// entry from the transport, take the conditional ownership transitions in
// the store, acquire a lease for GPU-class work, execute the handler under a
// timeout, and report terminal status.
//
// Every mutating step is idempotent with respect to duplicate deliveries:
// the DB transitions are conditional updates, so when a redelivered entry
// races a live claim there is exactly one winner and the loser just
// acknowledges its copy.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aceteam-ai/warden/internal/store"
	"github.com/aceteam-ai/warden/internal/transport"
	"github.com/aceteam-ai/warden/pkg/backoff"
)

// LeaseSource grants and releases capacity leases for job execution.
type LeaseSource interface {
	Request(ctx context.Context, agent string, minCapacityMB int64, ttl time.Duration, metadata map[string]string) (*store.Lease, error)
	Release(ctx context.Context, token string) error
}

// RunnerConfig holds configuration for the worker loop.
type RunnerConfig struct {
	// PoolID binds this worker to a pool. Claims set the job's owner_pool
	// and are refused while the pool drains. Empty runs poolless.
	PoolID string

	// Agent is the agent identity used for lease requests.
	Agent string

	// JobTypes are the streams this worker consumes.
	JobTypes []string

	// LeaseCapacityMB, when positive, makes the runner acquire a GPU lease
	// of at least this capacity before executing each job.
	LeaseCapacityMB int64

	// MaxAttempts is the retry budget before dead-lettering.
	MaxAttempts int

	// ExecTimeout bounds handler execution; a timeout is treated exactly
	// like a handler error.
	ExecTimeout time.Duration

	// ClaimBlock is how long one claim call waits per stream.
	ClaimBlock time.Duration

	// RetryBase and RetryMax shape the requeue backoff.
	RetryBase time.Duration
	RetryMax  time.Duration

	// JobRecordFn, if set, is called with every terminal job outcome.
	JobRecordFn func(jobType, status string, duration time.Duration)
}

// Runner is the worker loop.
type Runner struct {
	store     *store.Store
	transport *transport.Client
	leases    LeaseSource
	handlers  []Handler
	cfg       RunnerConfig
	log       *logrus.Entry
}

// NewRunner creates a worker loop. leases may be nil when LeaseCapacityMB
// is zero.
func NewRunner(s *store.Store, t *transport.Client, leases LeaseSource, handlers []Handler, cfg RunnerConfig) *Runner {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.ExecTimeout == 0 {
		cfg.ExecTimeout = 10 * time.Minute
	}
	if cfg.ClaimBlock == 0 {
		cfg.ClaimBlock = 5 * time.Second
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = 60 * time.Second
	}
	return &Runner{
		store:     s,
		transport: t,
		leases:    leases,
		handlers:  handlers,
		cfg:       cfg,
		log:       logrus.WithFields(logrus.Fields{"component": "dispatch", "pool": cfg.PoolID}),
	}
}

// RegisterHandler adds a handler to the runner.
func (r *Runner) RegisterHandler(h Handler) {
	r.handlers = append(r.handlers, h)
}

// Run processes jobs until ctx is cancelled. Errors fetching work back off
// exponentially instead of spinning against a sick Redis.
func (r *Runner) Run(ctx context.Context) error {
	for _, jobType := range r.cfg.JobTypes {
		group := transport.GroupName(jobType, r.cfg.PoolID)
		if err := r.transport.EnsureGroup(ctx, jobType, group); err != nil {
			return fmt.Errorf("ensure consumer group for %s: %w", jobType, err)
		}
	}

	r.log.WithField("types", r.cfg.JobTypes).Info("worker loop started")

	errBackoff := 0
	for {
		if ctx.Err() != nil {
			r.log.Info("worker loop stopped")
			return nil
		}

		processed, err := r.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			errBackoff++
			wait := backoff.Exponential(errBackoff, &backoff.Config{Initial: time.Second, Max: 30 * time.Second})
			r.log.WithError(err).Warnf("error fetching job, retrying in %s", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		errBackoff = 0
		_ = processed
	}
}

// RunOnce claims and processes at most one job per configured type.
// Returns how many jobs were handled. Exposed for tests.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	processed := 0
	for _, jobType := range r.cfg.JobTypes {
		group := transport.GroupName(jobType, r.cfg.PoolID)
		entry, err := r.transport.Claim(ctx, jobType, group, r.cfg.ClaimBlock)
		if err != nil {
			return processed, err
		}
		if entry == nil {
			continue
		}
		r.processEntry(ctx, jobType, group, entry)
		processed++
	}
	return processed, nil
}

func (r *Runner) processEntry(ctx context.Context, jobType, group string, entry *transport.Entry) {
	log := r.log.WithFields(logrus.Fields{"job": entry.JobID, "type": jobType})
	start := time.Now()

	if r.transport.IsCancelled(ctx, entry.JobID) {
		log.Info("job cancelled before execution")
		// Cancellation is terminal: route through failed into dead_letter
		// so the outcome stays queryable.
		if _, err := r.store.ClaimJob(ctx, entry.JobID, r.cfg.PoolID); err == nil {
			if _, err := r.store.MarkJobFailed(ctx, entry.JobID, "cancelled before execution"); err == nil {
				r.store.DeadLetterJob(ctx, entry.JobID)
			}
		}
		r.transport.Ack(ctx, jobType, group, entry.MessageID)
		r.record(jobType, "cancelled", time.Since(start))
		return
	}

	claimed, err := r.store.ClaimJob(ctx, entry.JobID, r.cfg.PoolID)
	if err != nil {
		log.WithError(err).Warn("claim transition failed, leaving entry pending")
		return
	}
	if !claimed {
		// Duplicate delivery, another pool's winner, or our pool drains.
		// Our group's copy carries no work; drop it.
		log.Debug("job not claimable, acking duplicate delivery")
		r.transport.Ack(ctx, jobType, group, entry.MessageID)
		return
	}

	var leaseToken string
	if r.cfg.LeaseCapacityMB > 0 && r.leases != nil {
		lease, err := r.leases.Request(ctx, r.cfg.Agent, r.cfg.LeaseCapacityMB, r.cfg.ExecTimeout+time.Minute,
			map[string]string{"pool_id": r.cfg.PoolID, "job_id": entry.JobID})
		if err != nil {
			// No capacity right now. That is not a job failure: release the
			// claim without spending an attempt and republish after a delay
			// so any worker retries once capacity frees up.
			log.WithError(err).Info("no lease available, returning job to queue")
			if rerr := r.store.ReleaseJobClaim(ctx, entry.JobID, "lease unavailable: "+err.Error()); rerr != nil {
				log.WithError(rerr).Warn("claim release rejected")
				return
			}
			r.transport.Ack(ctx, jobType, group, entry.MessageID)
			r.republishAfter(jobType, entry, backoff.JitterInterval(r.cfg.RetryBase, 0.5))
			return
		}
		leaseToken = lease.Token
		defer r.leases.Release(context.WithoutCancel(ctx), leaseToken)
	}

	if err := r.store.MarkJobRunning(ctx, entry.JobID); err != nil {
		log.WithError(err).Warn("running transition failed")
		r.transport.Ack(ctx, jobType, group, entry.MessageID)
		return
	}

	job, err := r.store.GetJob(ctx, entry.JobID)
	if err != nil {
		log.WithError(err).Warn("failed to load job row")
		return
	}

	result, execErr := r.execute(ctx, &Job{
		ID:       job.JobID,
		Type:     job.Type,
		Payload:  job.Payload,
		Attempts: job.Attempts,
	})
	duration := time.Since(start)

	if execErr != nil {
		log.WithError(execErr).Warnf("job failed (%s)", duration.Round(time.Millisecond))
		if _, ferr := r.store.MarkJobFailed(ctx, entry.JobID, execErr.Error()); ferr != nil {
			log.WithError(ferr).Warn("failed transition rejected")
			r.transport.Ack(ctx, jobType, group, entry.MessageID)
			return
		}
		r.requeueOrDeadLetter(ctx, jobType, group, entry, duration, log)
		return
	}

	if err := r.store.MarkJobDone(ctx, entry.JobID); err != nil {
		log.WithError(err).Warn("done transition rejected")
	}
	r.transport.Ack(ctx, jobType, group, entry.MessageID)
	r.record(jobType, "done", duration)
	if result != nil && len(result.Output) > 0 {
		log.WithField("output_keys", len(result.Output)).Infof("job completed (%s)", duration.Round(time.Millisecond))
	} else {
		log.Infof("job completed (%s)", duration.Round(time.Millisecond))
	}
}

// execute runs the matching handler under the execution timeout. A timeout
// is indistinguishable from a handler error on the fail path.
func (r *Runner) execute(ctx context.Context, job *Job) (*Result, error) {
	var handler Handler
	for _, h := range r.handlers {
		if h.CanHandle(job.Type) {
			handler = h
			break
		}
	}
	if handler == nil {
		return nil, fmt.Errorf("no handler for job type %s", job.Type)
	}

	execCtx, cancel := context.WithTimeout(ctx, r.cfg.ExecTimeout)
	defer cancel()

	type outcome struct {
		result *Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := handler.Execute(execCtx, job)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-execCtx.Done():
		return nil, fmt.Errorf("job execution timed out after %s", r.cfg.ExecTimeout)
	}
}

// requeueOrDeadLetter applies the retry decision for a job already marked
// failed: requeue with jittered backoff while attempts remain, otherwise
// dead-letter both the row and the transport entry. Records the terminal
// outcome either way.
func (r *Runner) requeueOrDeadLetter(ctx context.Context, jobType, group string, entry *transport.Entry, duration time.Duration, log *logrus.Entry) {
	job, err := r.store.GetJob(ctx, entry.JobID)
	if err != nil {
		log.WithError(err).Warn("failed to load job for retry decision")
		return
	}

	if job.Attempts >= r.cfg.MaxAttempts {
		if err := r.transport.MoveToDLQ(ctx, jobType, group, entry, job.LastError); err != nil {
			log.WithError(err).Warn("failed to move entry to dead-letter stream")
			return
		}
		if err := r.store.DeadLetterJob(ctx, entry.JobID); err != nil {
			log.WithError(err).Warn("dead-letter transition rejected")
		}
		log.WithField("attempts", job.Attempts).Warn("job dead-lettered")
		r.record(jobType, "dead_letter", duration)
		return
	}

	requeued, err := r.store.RequeueJob(ctx, entry.JobID, r.cfg.MaxAttempts)
	if err != nil || !requeued {
		log.WithError(err).Warn("requeue transition rejected")
		return
	}
	r.transport.Ack(ctx, jobType, group, entry.MessageID)

	delay := backoff.Jittered(job.Attempts, &backoff.Config{Initial: r.cfg.RetryBase, Max: r.cfg.RetryMax})
	log.WithFields(logrus.Fields{"attempts": job.Attempts, "delay": delay}).Info("job requeued")
	r.republishAfter(jobType, entry, delay)
	r.record(jobType, "failed", duration)
}

// republishAfter puts the entry back on its stream after delay. The job row
// is already pending; when the publish fails the reclaimer repairs it.
func (r *Runner) republishAfter(jobType string, entry *transport.Entry, delay time.Duration) {
	payload := entry.Payload
	jobID := entry.JobID
	time.AfterFunc(delay, func() {
		pubCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.transport.Publish(pubCtx, jobType, jobID, payload); err != nil {
			r.log.WithError(err).WithField("job", jobID).Warn("retry publish failed")
		}
	})
}

func (r *Runner) record(jobType, status string, d time.Duration) {
	if r.cfg.JobRecordFn != nil {
		r.cfg.JobRecordFn(jobType, status, d)
	}
}

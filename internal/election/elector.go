package election

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aceteam-ai/warden/pkg/backoff"
)

// Elector runs the acquire/renew loop around a Lock and exposes leadership
// to the rest of the replica. Only the elected leader may run lifecycle
// enforcement (reclaim, pool reconciliation); followers keep serving API
// reads and writes.
type Elector struct {
	lock   Lock
	ttl    time.Duration
	renew  time.Duration
	leader atomic.Bool
	log    *logrus.Entry
}

// NewElector creates an elector. renew should be a fraction of ttl (the
// config default is ttl/3) so transient Redis hiccups don't cost leadership.
func NewElector(lock Lock, ttl, renew time.Duration) *Elector {
	if renew <= 0 || renew >= ttl {
		renew = ttl / 3
	}
	return &Elector{
		lock:  lock,
		ttl:   ttl,
		renew: renew,
		log:   logrus.WithField("component", "election"),
	}
}

// IsLeader reports whether this replica currently holds the lock.
func (e *Elector) IsLeader() bool {
	return e.leader.Load()
}

// LeaderHint returns the current holder's advertise address, if recorded.
func (e *Elector) LeaderHint(ctx context.Context) string {
	hint, err := e.lock.HolderHint(ctx)
	if err != nil {
		return ""
	}
	return hint
}

// Run drives the election loop until ctx is cancelled, then releases the
// lock if held. Intervals are jittered so restarted replicas don't contend
// in lockstep.
func (e *Elector) Run(ctx context.Context) {
	defer func() {
		if e.leader.Swap(false) {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := e.lock.Release(releaseCtx); err != nil {
				e.log.WithError(err).Warn("failed to release leader lock on shutdown")
			} else {
				e.log.Info("released leader lock")
			}
		}
	}()

	for {
		e.tick(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff.JitterInterval(e.renew, 0.2)):
		}
	}
}

func (e *Elector) tick(ctx context.Context) {
	if e.leader.Load() {
		held, err := e.lock.Renew(ctx, e.ttl)
		if err != nil {
			e.log.WithError(err).Warn("lock renew failed, assuming leadership lost")
			held = false
		}
		if !held && e.leader.Swap(false) {
			e.log.Warn("lost leadership")
		}
		return
	}

	held, err := e.lock.Acquire(ctx, e.ttl)
	if err != nil {
		e.log.WithError(err).Debug("lock acquire failed")
		return
	}
	if held {
		e.leader.Store(true)
		e.log.Info("acquired leadership")
	}
}

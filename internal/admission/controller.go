// Package admission gates new demand before it reaches the lease manager or
// the job transport. Two mechanisms apply, both returning a structured
// Backpressure rejection distinct from capacity exhaustion:
//
//   - per-agent token buckets (rate + burst), with idle entries reaped so
//     the limiter map does not grow with every agent ever seen
//   - global watermarks: aggregate GPU-capacity utilization for new leases,
//     per-type queue depth for new submissions
package admission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/aceteam-ai/warden/internal/apperrors"
)

// CapacitySource reports leased vs total GPU capacity in MB.
type CapacitySource interface {
	CapacityUtilization(ctx context.Context) (leasedMB, totalMB int64, err error)
}

// DepthSource reports the queue depth for a job type's stream.
type DepthSource interface {
	QueueDepth(ctx context.Context, jobType string) (int64, error)
}

// Config holds admission controller configuration.
type Config struct {
	// AgentRate is the sustained per-agent request rate (requests/second).
	AgentRate float64

	// AgentBurst is the per-agent burst size.
	AgentBurst int

	// UtilizationWatermark is the leased/total fraction above which new GPU
	// lease requests are rejected.
	UtilizationWatermark float64

	// QueueDepthWatermark is the per-type stream depth above which new
	// submissions are rejected.
	QueueDepthWatermark int64
}

// Controller applies per-agent rate limits and global watermarks.
type Controller struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry

	cfg      Config
	capacity CapacitySource
	depth    DepthSource

	cleanupInterval time.Duration
	entryTTL        time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// limiterEntry holds a rate limiter and its last access time.
type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewController creates an admission controller and starts its cleanup
// goroutine. Call Close when done.
func NewController(cfg Config, capacity CapacitySource, depth DepthSource) *Controller {
	if cfg.AgentRate <= 0 {
		cfg.AgentRate = 5
	}
	if cfg.AgentBurst <= 0 {
		cfg.AgentBurst = 10
	}
	if cfg.UtilizationWatermark <= 0 {
		cfg.UtilizationWatermark = 0.9
	}
	if cfg.QueueDepthWatermark <= 0 {
		cfg.QueueDepthWatermark = 1000
	}

	c := &Controller{
		limiters:        make(map[string]*limiterEntry),
		cfg:             cfg,
		capacity:        capacity,
		depth:           depth,
		cleanupInterval: 5 * time.Minute,
		entryTTL:        10 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Close stops the cleanup goroutine.
func (c *Controller) Close() {
	c.stopOnce.Do(func() { close(c.stopCleanup) })
}

// AdmitLease gates a new lease request: per-agent bucket first, then the
// capacity utilization watermark.
func (c *Controller) AdmitLease(ctx context.Context, agent string) error {
	if !c.allow(agent) {
		return apperrors.Backpressure(fmt.Sprintf("agent %s exceeded request rate", agent))
	}

	if c.capacity == nil {
		return nil
	}
	leased, total, err := c.capacity.CapacityUtilization(ctx)
	if err != nil {
		return apperrors.Internal("admission.utilization", err)
	}
	if total > 0 {
		util := float64(leased) / float64(total)
		if util >= c.cfg.UtilizationWatermark {
			return apperrors.Backpressure(fmt.Sprintf(
				"capacity utilization %.0f%% at or above %.0f%% watermark",
				util*100, c.cfg.UtilizationWatermark*100))
		}
	}
	return nil
}

// AdmitJob gates a new job submission: per-agent bucket first, then the
// queue depth watermark for the job's type.
func (c *Controller) AdmitJob(ctx context.Context, agent, jobType string) error {
	if !c.allow(agent) {
		return apperrors.Backpressure(fmt.Sprintf("agent %s exceeded request rate", agent))
	}

	if c.depth == nil {
		return nil
	}
	depth, err := c.depth.QueueDepth(ctx, jobType)
	if err != nil {
		return apperrors.Internal("admission.queueDepth", err)
	}
	if depth >= c.cfg.QueueDepthWatermark {
		return apperrors.Backpressure(fmt.Sprintf(
			"queue %s depth %d at or above %d watermark", jobType, depth, c.cfg.QueueDepthWatermark))
	}
	return nil
}

// allow consumes one token from the agent's bucket.
func (c *Controller) allow(agent string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.limiters[agent]
	if !ok {
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rate.Limit(c.cfg.AgentRate), c.cfg.AgentBurst),
		}
		c.limiters[agent] = entry
	}
	entry.lastAccess = time.Now()
	return entry.limiter.Allow()
}

// cleanupLoop periodically removes limiters idle past entryTTL.
func (c *Controller) cleanupLoop() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCleanup:
			return
		case <-ticker.C:
			c.mu.Lock()
			cutoff := time.Now().Add(-c.entryTTL)
			for agent, entry := range c.limiters {
				if entry.lastAccess.Before(cutoff) {
					delete(c.limiters, agent)
				}
			}
			c.mu.Unlock()
		}
	}
}

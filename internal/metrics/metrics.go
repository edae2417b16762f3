// Package metrics exports orchestrator gauges and histograms on a
// dedicated Prometheus registry. Point-in-time gauges are refreshed by a
// polling loop rather than instrumented inline, so the store stays free of
// metrics plumbing.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/aceteam-ai/warden/internal/store"
	"github.com/aceteam-ai/warden/internal/transport"
)

// Metrics holds the orchestrator's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	ActiveLeases     prometheus.Gauge
	LeasedCapacityMB prometheus.Gauge
	FreeCapacityMB   prometheus.Gauge
	PoolsByStatus    *prometheus.GaugeVec
	PoolWorkers      *prometheus.GaugeVec
	JobsByStatus     *prometheus.GaugeVec
	QueueDepth       *prometheus.GaugeVec
	DLQDepth         *prometheus.GaugeVec
	JobDuration      *prometheus.HistogramVec
	DeadLetterTotal  *prometheus.CounterVec
	Leader           prometheus.Gauge

	log *logrus.Entry
}

// New creates and registers the collector set.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ActiveLeases: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_active_leases",
			Help: "Number of non-expired leases.",
		}),
		LeasedCapacityMB: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_leased_capacity_mb",
			Help: "GPU capacity currently held by leases, in MB.",
		}),
		FreeCapacityMB: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_free_capacity_mb",
			Help: "GPU capacity not held by any lease, in MB.",
		}),
		PoolsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "warden_pools",
			Help: "Worker pools by lifecycle status.",
		}, []string{"status"}),
		PoolWorkers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "warden_pool_workers",
			Help: "Spawned workers per live pool.",
		}, []string{"pool_id"}),
		JobsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "warden_jobs",
			Help: "Jobs by lifecycle status.",
		}, []string{"status"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "warden_queue_depth",
			Help: "Stream length per job type.",
		}, []string{"type"}),
		DLQDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "warden_dlq_depth",
			Help: "Dead-letter stream length per job type.",
		}, []string{"type"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_job_duration_seconds",
			Help:    "Wall time from claim to terminal status per job type.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"type", "status"}),
		DeadLetterTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_dead_letter_total",
			Help: "Jobs moved to the dead-letter stream per type.",
		}, []string{"type"}),
		Leader: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_leader",
			Help: "1 when this replica holds the leader lock.",
		}),
		log: logrus.WithField("component", "metrics"),
	}

	m.registry.MustRegister(
		m.ActiveLeases, m.LeasedCapacityMB, m.FreeCapacityMB,
		m.PoolsByStatus, m.PoolWorkers, m.JobsByStatus,
		m.QueueDepth, m.DLQDepth,
		m.JobDuration, m.DeadLetterTotal, m.Leader,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordJob observes one terminal job outcome. Wired to the runner's
// JobRecordFn.
func (m *Metrics) RecordJob(jobType, status string, d time.Duration) {
	m.JobDuration.WithLabelValues(jobType, status).Observe(d.Seconds())
	if status == "dead_letter" {
		m.DeadLetterTotal.WithLabelValues(jobType).Inc()
	}
}

// SetLeader reflects election state.
func (m *Metrics) SetLeader(leader bool) {
	if leader {
		m.Leader.Set(1)
	} else {
		m.Leader.Set(0)
	}
}

// Refresh updates all point-in-time gauges from the store and transport.
func (m *Metrics) Refresh(ctx context.Context, s *store.Store, t *transport.Client, jobTypes []string) {
	if n, err := s.ActiveLeaseCount(ctx); err == nil {
		m.ActiveLeases.Set(float64(n))
	}
	if leased, total, err := s.CapacityUtilization(ctx); err == nil {
		m.LeasedCapacityMB.Set(float64(leased))
		m.FreeCapacityMB.Set(float64(total - leased))
	}

	if pools, err := s.ListPools(ctx); err == nil {
		byStatus := map[store.PoolStatus]int{}
		m.PoolWorkers.Reset()
		for _, p := range pools {
			byStatus[p.Status]++
			if !p.Status.Terminal() {
				m.PoolWorkers.WithLabelValues(p.PoolID).Set(float64(p.SpawnedWorkers))
			}
		}
		for _, status := range []store.PoolStatus{
			store.PoolStarting, store.PoolRunning, store.PoolDraining, store.PoolStopped, store.PoolEvicted,
		} {
			m.PoolsByStatus.WithLabelValues(string(status)).Set(float64(byStatus[status]))
		}
	}

	if counts, err := s.JobStatusCounts(ctx); err == nil {
		for status, n := range counts {
			m.JobsByStatus.WithLabelValues(string(status)).Set(float64(n))
		}
	}

	for _, jobType := range jobTypes {
		if depth, err := t.QueueDepth(ctx, jobType); err == nil {
			m.QueueDepth.WithLabelValues(jobType).Set(float64(depth))
		}
		if depth, err := t.DLQDepth(ctx, jobType); err == nil {
			m.DLQDepth.WithLabelValues(jobType).Set(float64(depth))
		}
	}
}

// Poll refreshes gauges every interval until ctx is cancelled.
func (m *Metrics) Poll(ctx context.Context, s *store.Store, t *transport.Client, jobTypes []string, interval time.Duration) {
	if interval == 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Refresh(ctx, s, t, jobTypes)
		}
	}
}

// Serve runs the metrics endpoint on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadTimeout: 10 * time.Second}

	errChan := make(chan error, 1)
	go func() {
		m.log.WithField("addr", addr).Info("metrics endpoint listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}

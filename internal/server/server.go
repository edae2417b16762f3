// Package server exposes the orchestrator HTTP API. Every replica serves
// the full read/write surface; only /control endpoints are gated on holding
// the leader lock.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aceteam-ai/warden/internal/admission"
	"github.com/aceteam-ai/warden/internal/dispatch"
	"github.com/aceteam-ai/warden/internal/hostinfo"
	"github.com/aceteam-ai/warden/internal/lease"
	"github.com/aceteam-ai/warden/internal/pool"
	"github.com/aceteam-ai/warden/internal/store"
)

// LeaderInfo reports this replica's election state. Satisfied by the
// elector.
type LeaderInfo interface {
	IsLeader() bool
	LeaderHint(ctx context.Context) string
}

// Reconciler runs one repair pass on demand. Satisfied by the reclaimer.
type Reconciler interface {
	Pass(ctx context.Context) error
}

// Config holds configuration for the API server.
type Config struct {
	ListenAddr string
	Version    string
}

// Server is the orchestrator HTTP API server.
type Server struct {
	cfg        Config
	store      *store.Store
	leases     *lease.Manager
	pools      *pool.Controller
	submitter  *dispatch.Submitter
	admission  *admission.Controller
	leader     LeaderInfo
	reconciler Reconciler
	httpServer *http.Server
	log        *logrus.Entry

	hostMu     sync.Mutex
	hostSnap   hostinfo.Snapshot
	hostSnapAt time.Time
}

// hostSnapshot caches the gopsutil collection; sampling CPU takes 100ms,
// too slow to run on every health probe.
func (s *Server) hostSnapshot() hostinfo.Snapshot {
	s.hostMu.Lock()
	defer s.hostMu.Unlock()
	if time.Since(s.hostSnapAt) > 10*time.Second {
		s.hostSnap = hostinfo.Collect()
		s.hostSnapAt = time.Now()
	}
	return s.hostSnap
}

// New creates an API server. reconciler may be nil; /control/reconcile then
// only reports leadership.
func New(cfg Config, s *store.Store, leases *lease.Manager, pools *pool.Controller,
	submitter *dispatch.Submitter, adm *admission.Controller, leader LeaderInfo, reconciler Reconciler) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":7433"
	}
	return &Server{
		cfg:        cfg,
		store:      s,
		leases:     leases,
		pools:      pools,
		submitter:  submitter,
		admission:  adm,
		leader:     leader,
		reconciler: reconciler,
		log:        logrus.WithField("component", "api"),
	}
}

// Handler builds the route table. Exposed for httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /leases", s.handleLeaseRequest)
	mux.HandleFunc("GET /leases", s.handleLeaseList)
	mux.HandleFunc("POST /leases/{token}/heartbeat", s.handleLeaseHeartbeat)
	mux.HandleFunc("POST /leases/{token}/release", s.handleLeaseRelease)

	mux.HandleFunc("POST /workers/pool", s.handlePoolCreate)
	mux.HandleFunc("GET /workers/pool", s.handlePoolList)
	mux.HandleFunc("GET /workers/pool/{id}", s.handlePoolGet)
	mux.HandleFunc("POST /workers/pool/{id}/heartbeat", s.handlePoolHeartbeat)
	mux.HandleFunc("POST /workers/pool/{id}/drain", s.handlePoolDrain)

	mux.HandleFunc("POST /jobs/submit", s.handleJobSubmit)
	mux.HandleFunc("GET /jobs/{id}", s.handleJobGet)

	mux.HandleFunc("POST /control/evict_pool", s.handleEvictPool)
	mux.HandleFunc("POST /control/reconcile", s.handleReconcile)

	mux.HandleFunc("GET /health", s.handleHealth)

	return mux
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.cfg.ListenAddr).Info("api server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}

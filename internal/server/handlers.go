package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/aceteam-ai/warden/internal/apperrors"
)

type leaseRequest struct {
	Agent       string `json:"agent"`
	MinCapacity int64  `json:"min_capacity"`
	TTLSeconds  int    `json:"ttl"`
}

type leaseResponse struct {
	Granted       bool   `json:"granted"`
	Token         string `json:"token"`
	Mode          string `json:"mode"`
	ResourceIndex *int   `json:"resource_index,omitempty"`
	ExpiresAt     int64  `json:"expires_at"`
}

func (s *Server) handleLeaseRequest(w http.ResponseWriter, r *http.Request) {
	var req leaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.Validation("body", "invalid JSON body"))
		return
	}

	if err := s.admission.AdmitLease(r.Context(), req.Agent); err != nil {
		writeError(w, err)
		return
	}

	lease, err := s.leases.Request(r.Context(), req.Agent, req.MinCapacity,
		time.Duration(req.TTLSeconds)*time.Second, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, leaseResponse{
		Granted:       true,
		Token:         lease.Token,
		Mode:          string(lease.Mode),
		ResourceIndex: lease.ResourceIndex,
		ExpiresAt:     lease.ExpiresAt.UnixMilli(),
	})
}

func (s *Server) handleLeaseList(w http.ResponseWriter, r *http.Request) {
	leases, err := s.leases.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"leases": leases, "count": len(leases)})
}

func (s *Server) handleLeaseHeartbeat(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	lease, err := s.leases.Heartbeat(r.Context(), token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"expires_at": lease.ExpiresAt.UnixMilli(),
	})
}

func (s *Server) handleLeaseRelease(w http.ResponseWriter, r *http.Request) {
	if err := s.leases.Release(r.Context(), r.PathValue("token")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type poolCreateRequest struct {
	Agent          string `json:"agent"`
	Model          string `json:"model"`
	Adapter        string `json:"adapter"`
	DesiredWorkers int    `json:"desired_workers"`
	HoldSeconds    int    `json:"hold_seconds"`
}

func (s *Server) handlePoolCreate(w http.ResponseWriter, r *http.Request) {
	var req poolCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.Validation("body", "invalid JSON body"))
		return
	}

	p, err := s.pools.Create(r.Context(), req.Agent, req.Model, req.Adapter, req.DesiredWorkers, req.HoldSeconds)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"pool_id": p.PoolID,
		"status":  string(p.Status),
	})
}

func (s *Server) handlePoolList(w http.ResponseWriter, r *http.Request) {
	pools, err := s.pools.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pools": pools, "count": len(pools)})
}

func (s *Server) handlePoolGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.pools.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type poolHeartbeatRequest struct {
	SpawnedWorkers int `json:"spawned_workers"`
}

func (s *Server) handlePoolHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req poolHeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.Validation("body", "invalid JSON body"))
		return
	}
	if err := s.pools.Heartbeat(r.Context(), r.PathValue("id"), req.SpawnedWorkers); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handlePoolDrain(w http.ResponseWriter, r *http.Request) {
	if err := s.pools.Drain(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type jobSubmitRequest struct {
	JobID   string `json:"job_id"`
	Type    string `json:"type"`
	Payload string `json:"payload"`
	Agent   string `json:"agent"`
}

func (s *Server) handleJobSubmit(w http.ResponseWriter, r *http.Request) {
	var req jobSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.Validation("body", "invalid JSON body"))
		return
	}

	if err := s.admission.AdmitJob(r.Context(), req.Agent, req.Type); err != nil {
		writeError(w, err)
		return
	}

	accepted, err := s.submitter.Submit(r.Context(), req.JobID, req.Type, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusAccepted
	if !accepted {
		// Duplicate job_id: already queued, not an error.
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{"accepted": accepted, "job_id": req.JobID})
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type evictRequest struct {
	PoolID string `json:"pool_id"`
	Reason string `json:"reason"`
}

func (s *Server) handleEvictPool(w http.ResponseWriter, r *http.Request) {
	if !s.requireLeader(w, r) {
		return
	}
	var req evictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.Validation("body", "invalid JSON body"))
		return
	}
	if req.Reason == "" {
		req.Reason = "operator eviction"
	}
	if err := s.pools.Evict(r.Context(), req.PoolID, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if !s.requireLeader(w, r) {
		return
	}
	if s.reconciler != nil {
		if err := s.reconciler.Pass(r.Context()); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.JobStatusCounts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	activeLeases, err := s.store.ActiveLeaseCount(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"version":       s.cfg.Version,
		"leader":        s.leader.IsLeader(),
		"active_leases": activeLeases,
		"jobs":          counts,
		"host":          s.hostSnapshot(),
	})
}

// requireLeader rejects control operations on followers with a redirect
// hint so callers can retry against the leader.
func (s *Server) requireLeader(w http.ResponseWriter, r *http.Request) bool {
	if s.leader.IsLeader() {
		return true
	}
	writeError(w, apperrors.NotLeader(s.leader.LeaderHint(r.Context())))
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	body := map[string]any{"error": err.Error()}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) && appErr.Hint != "" {
		body["hint"] = appErr.Hint
	}
	writeJSON(w, apperrors.HTTPStatus(err), body)
}

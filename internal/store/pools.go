package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aceteam-ai/warden/internal/apperrors"
)

// CreatePool persists a new pool in the starting state.
func (s *Store) CreatePool(ctx context.Context, p Pool) (*Pool, error) {
	now := s.now()
	nowMs := timeToMs(now)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var adapter any
		if p.Adapter != "" {
			adapter = p.Adapter
		}
		_, err := tx.Exec(
			`INSERT INTO pools (pool_id, agent_name, model_id, adapter, desired_workers, spawned_workers,
			                    started_at, last_heartbeat, status, hold_seconds, metadata)
			 VALUES (?, ?, ?, ?, ?, 0, ?, ?, 'starting', ?, ?)`,
			p.PoolID, p.AgentName, p.ModelID, adapter, p.DesiredWorkers, nowMs, nowMs, p.HoldSeconds,
			marshalMetadata(p.Metadata),
		)
		if err != nil {
			return fmt.Errorf("insert pool: %w", err)
		}
		return s.appendAudit(tx, "pool", p.PoolID, "created",
			fmt.Sprintf("agent=%s model=%s desired_workers=%d", p.AgentName, p.ModelID, p.DesiredWorkers))
	})
	if err != nil {
		return nil, err
	}
	return s.GetPool(ctx, p.PoolID)
}

// HeartbeatPool records worker liveness. The first heartbeat advances
// starting → running; spawned is clamped to desired while the pool is live.
// Heartbeats against terminal pools are rejected so a zombie worker cannot
// resurrect an evicted pool.
func (s *Store) HeartbeatPool(ctx context.Context, poolID string, spawned int) error {
	nowMs := timeToMs(s.now())

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		var desired int
		err := tx.QueryRow(`SELECT status, desired_workers FROM pools WHERE pool_id = ?`, poolID).
			Scan(&status, &desired)
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFound("pool", poolID)
		}
		if err != nil {
			return fmt.Errorf("read pool status: %w", err)
		}
		if PoolStatus(status).Terminal() {
			return apperrors.Conflict("pool", fmt.Sprintf("pool %s is %s", poolID, status))
		}

		if spawned > desired && (status == string(PoolStarting) || status == string(PoolRunning)) {
			spawned = desired
		}

		newStatus := status
		if status == string(PoolStarting) {
			newStatus = string(PoolRunning)
		}
		if _, err := tx.Exec(
			`UPDATE pools SET last_heartbeat = ?, spawned_workers = ?, status = ? WHERE pool_id = ?`,
			nowMs, spawned, newStatus, poolID,
		); err != nil {
			return fmt.Errorf("heartbeat pool: %w", err)
		}
		if newStatus != status {
			if err := s.appendAudit(tx, "pool", poolID, "running", "first worker heartbeat"); err != nil {
				return err
			}
		}
		return s.appendAudit(tx, "pool", poolID, "heartbeat", fmt.Sprintf("spawned=%d", spawned))
	})
}

// DrainPool moves a live pool to draining. desired_workers freezes and no new
// job may take this pool as owner; in-flight jobs run until drainDeadline.
func (s *Store) DrainPool(ctx context.Context, poolID string, drainDeadline time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE pools SET status = 'draining', drain_deadline = ?
			  WHERE pool_id = ? AND status IN ('starting','running')`,
			timeToMs(drainDeadline), poolID,
		)
		if err != nil {
			return fmt.Errorf("drain pool: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			var exists int
			if err := tx.QueryRow(`SELECT COUNT(*) FROM pools WHERE pool_id = ?`, poolID).Scan(&exists); err != nil {
				return fmt.Errorf("check pool existence: %w", err)
			}
			if exists == 0 {
				return apperrors.NotFound("pool", poolID)
			}
			return apperrors.Conflict("pool", fmt.Sprintf("pool %s is not in a drainable state", poolID))
		}
		return s.appendAudit(tx, "pool", poolID, "draining", "")
	})
}

// CompleteDrain moves a draining pool to stopped and releases every lease
// bound to it. The caller decides when (owned jobs terminal, or deadline hit).
func (s *Store) CompleteDrain(ctx context.Context, poolID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE pools SET status = 'stopped' WHERE pool_id = ? AND status = 'draining'`, poolID)
		if err != nil {
			return fmt.Errorf("stop pool: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperrors.Conflict("pool", fmt.Sprintf("pool %s is not draining", poolID))
		}
		released, err := s.releaseLeasesForPool(tx, poolID)
		if err != nil {
			return err
		}
		return s.appendAudit(tx, "pool", poolID, "stopped", fmt.Sprintf("released %d leases", released))
	})
}

// EvictPool forces a pool to evicted from any non-terminal state, releasing
// its leases immediately without waiting for drain completion.
func (s *Store) EvictPool(ctx context.Context, poolID, reason string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE pools SET status = 'evicted'
			  WHERE pool_id = ? AND status NOT IN ('stopped','evicted')`, poolID)
		if err != nil {
			return fmt.Errorf("evict pool: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			var exists int
			if err := tx.QueryRow(`SELECT COUNT(*) FROM pools WHERE pool_id = ?`, poolID).Scan(&exists); err != nil {
				return fmt.Errorf("check pool existence: %w", err)
			}
			if exists == 0 {
				return apperrors.NotFound("pool", poolID)
			}
			return apperrors.Conflict("pool", fmt.Sprintf("pool %s is already terminal", poolID))
		}
		released, err := s.releaseLeasesForPool(tx, poolID)
		if err != nil {
			return err
		}
		detail := reason
		if detail == "" {
			detail = fmt.Sprintf("released %d leases", released)
		} else {
			detail = fmt.Sprintf("%s; released %d leases", reason, released)
		}
		return s.appendAudit(tx, "pool", poolID, "evicted", detail)
	})
}

// GetPool returns one pool by id.
func (s *Store) GetPool(ctx context.Context, poolID string) (*Pool, error) {
	row := s.db.QueryRowContext(ctx, poolSelect+` WHERE pool_id = ?`, poolID)
	pool, err := scanPool(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("pool", poolID)
	}
	return pool, err
}

// ListPools returns all pools ordered by start time.
func (s *Store) ListPools(ctx context.Context) ([]Pool, error) {
	return s.queryPools(ctx, poolSelect+` ORDER BY started_at`)
}

// LivePools returns pools in starting or running state.
func (s *Store) LivePools(ctx context.Context) ([]Pool, error) {
	return s.queryPools(ctx, poolSelect+` WHERE status IN ('starting','running') ORDER BY started_at`)
}

// DrainingPools returns pools awaiting drain completion.
func (s *Store) DrainingPools(ctx context.Context) ([]Pool, error) {
	return s.queryPools(ctx, poolSelect+` WHERE status = 'draining' ORDER BY started_at`)
}

// StalePools returns live pools whose last heartbeat is older than their
// hold_seconds, candidates for eviction by the reclaim pass.
func (s *Store) StalePools(ctx context.Context, limit int) ([]Pool, error) {
	nowMs := timeToMs(s.now())
	return s.queryPools(ctx,
		poolSelect+` WHERE status IN ('starting','running','draining')
		               AND last_heartbeat + hold_seconds * 1000 < ?
		             ORDER BY last_heartbeat LIMIT ?`, nowMs, limit)
}

const poolSelect = `SELECT pool_id, agent_name, model_id, adapter, desired_workers, spawned_workers,
                           started_at, last_heartbeat, status, hold_seconds, drain_deadline, metadata
                      FROM pools`

func (s *Store) queryPools(ctx context.Context, query string, args ...any) ([]Pool, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pools: %w", err)
	}
	defer rows.Close()

	var out []Pool
	for rows.Next() {
		pool, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *pool)
	}
	return out, rows.Err()
}

func scanPool(row rowScanner) (*Pool, error) {
	var p Pool
	var adapter sql.NullString
	var status, meta string
	var startedMs, hbMs, drainMs int64
	err := row.Scan(&p.PoolID, &p.AgentName, &p.ModelID, &adapter, &p.DesiredWorkers, &p.SpawnedWorkers,
		&startedMs, &hbMs, &status, &p.HoldSeconds, &drainMs, &meta)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan pool: %w", err)
	}
	if adapter.Valid {
		p.Adapter = adapter.String
	}
	p.Status = PoolStatus(status)
	p.StartedAt = msToTime(startedMs)
	p.LastHeartbeat = msToTime(hbMs)
	if drainMs > 0 {
		p.DrainDeadline = msToTime(drainMs)
	}
	p.Metadata = unmarshalMetadata(meta)
	return &p, nil
}

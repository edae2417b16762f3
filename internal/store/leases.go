package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aceteam-ai/warden/internal/apperrors"
)

// AllocateGPULease grants the lowest-indexed resource with at least
// minCapacityMB that is not covered by a non-expired gpu lease. The scan and
// the insert run in one immediate transaction, so concurrent requests for the
// last free slot produce exactly one winner. Returns ErrLeaseDenied when
// nothing fits.
func (s *Store) AllocateGPULease(ctx context.Context, token, agent string, minCapacityMB int64, ttl time.Duration, metadata map[string]string) (*Lease, error) {
	now := s.now()
	nowMs := timeToMs(now)
	expiresMs := timeToMs(now.Add(ttl))

	var lease *Lease
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var idx int
		err := tx.QueryRow(
			`SELECT r.resource_index
			   FROM resources r
			  WHERE r.capacity_mb >= ?
			    AND NOT EXISTS (
			        SELECT 1 FROM leases l
			         WHERE l.resource_index = r.resource_index
			           AND l.mode = 'gpu'
			           AND l.expires_at > ?)
			  ORDER BY r.resource_index
			  LIMIT 1`, minCapacityMB, nowMs).Scan(&idx)
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.LeaseDenied(agent, minCapacityMB)
		}
		if err != nil {
			return fmt.Errorf("scan free resources: %w", err)
		}

		meta := marshalMetadata(metadata)
		if _, err := tx.Exec(
			`INSERT INTO leases (token, agent_name, resource_index, mode, created_at, expires_at, last_heartbeat, ttl_ms, metadata)
			 VALUES (?, ?, ?, 'gpu', ?, ?, ?, ?, ?)`,
			token, agent, idx, nowMs, expiresMs, nowMs, ttl.Milliseconds(), meta,
		); err != nil {
			return fmt.Errorf("insert lease: %w", err)
		}

		if err := s.appendAudit(tx, "lease", token,
			"granted", fmt.Sprintf("agent=%s resource=%d min_capacity_mb=%d", agent, idx, minCapacityMB)); err != nil {
			return err
		}

		lease = &Lease{
			Token:         token,
			AgentName:     agent,
			ResourceIndex: &idx,
			Mode:          LeaseModeGPU,
			CreatedAt:     now,
			ExpiresAt:     now.Add(ttl),
			LastHeartbeat: now,
			TTL:           ttl,
			Metadata:      metadata,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// AllocateCPULease grants a capacity-unbounded CPU-fallback lease.
func (s *Store) AllocateCPULease(ctx context.Context, token, agent string, ttl time.Duration, metadata map[string]string) (*Lease, error) {
	now := s.now()
	nowMs := timeToMs(now)

	var lease *Lease
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`INSERT INTO leases (token, agent_name, resource_index, mode, created_at, expires_at, last_heartbeat, ttl_ms, metadata)
			 VALUES (?, ?, NULL, 'cpu', ?, ?, ?, ?, ?)`,
			token, agent, nowMs, timeToMs(now.Add(ttl)), nowMs, ttl.Milliseconds(), marshalMetadata(metadata),
		); err != nil {
			return fmt.Errorf("insert cpu lease: %w", err)
		}
		if err := s.appendAudit(tx, "lease", token, "granted", fmt.Sprintf("agent=%s mode=cpu", agent)); err != nil {
			return err
		}
		lease = &Lease{
			Token:         token,
			AgentName:     agent,
			Mode:          LeaseModeCPU,
			CreatedAt:     now,
			ExpiresAt:     now.Add(ttl),
			LastHeartbeat: now,
			TTL:           ttl,
			Metadata:      metadata,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// HeartbeatLease extends a live lease to now plus the TTL it was granted
// with. An expired but not yet purged token returns ErrLeaseExpired without
// side effects so the caller knows to re-request; an unknown token returns
// ErrNotFound.
func (s *Store) HeartbeatLease(ctx context.Context, token string) (*Lease, error) {
	now := s.now()
	nowMs := timeToMs(now)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE leases SET expires_at = ? + ttl_ms, last_heartbeat = ? WHERE token = ? AND expires_at > ?`,
			nowMs, nowMs, token, nowMs,
		)
		if err != nil {
			return fmt.Errorf("heartbeat lease: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			var exists int
			if err := tx.QueryRow(`SELECT COUNT(*) FROM leases WHERE token = ?`, token).Scan(&exists); err != nil {
				return fmt.Errorf("check lease existence: %w", err)
			}
			if exists == 0 {
				return apperrors.NotFound("lease", token)
			}
			return apperrors.LeaseExpired(token)
		}
		return s.appendAudit(tx, "lease", token, "heartbeat", "")
	})
	if err != nil {
		return nil, err
	}
	return s.GetLease(ctx, token)
}

// ReleaseLease deletes the lease, making its resource immediately grantable.
// This is the only path that frees a resource.
func (s *Store) ReleaseLease(ctx context.Context, token string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM leases WHERE token = ?`, token)
		if err != nil {
			return fmt.Errorf("release lease: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperrors.NotFound("lease", token)
		}
		return s.appendAudit(tx, "lease", token, "released", "")
	})
}

// PurgeExpiredLeases deletes up to limit leases whose TTL lapsed, returning
// the purged tokens. Run by the leader's reclaim pass.
func (s *Store) PurgeExpiredLeases(ctx context.Context, limit int) ([]string, error) {
	nowMs := timeToMs(s.now())

	var tokens []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.Query(
			`SELECT token FROM leases WHERE expires_at <= ? ORDER BY expires_at LIMIT ?`, nowMs, limit)
		if err != nil {
			return fmt.Errorf("scan expired leases: %w", err)
		}
		for rows.Next() {
			var tok string
			if err := rows.Scan(&tok); err != nil {
				rows.Close()
				return fmt.Errorf("scan expired token: %w", err)
			}
			tokens = append(tokens, tok)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, tok := range tokens {
			if _, err := tx.Exec(`DELETE FROM leases WHERE token = ?`, tok); err != nil {
				return fmt.Errorf("purge lease %s: %w", tok, err)
			}
			if err := s.appendAudit(tx, "lease", tok, "purged", "ttl expired without heartbeat"); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

// ReleaseLeasesForPool deletes all leases whose metadata binds them to
// poolID, inside the caller's transaction. Used by pool eviction.
func (s *Store) releaseLeasesForPool(tx *sql.Tx, poolID string) (int, error) {
	rows, err := tx.Query(`SELECT token, metadata FROM leases`)
	if err != nil {
		return 0, fmt.Errorf("scan leases for pool: %w", err)
	}
	var tokens []string
	for rows.Next() {
		var tok, meta string
		if err := rows.Scan(&tok, &meta); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan lease row: %w", err)
		}
		if unmarshalMetadata(meta)["pool_id"] == poolID {
			tokens = append(tokens, tok)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, tok := range tokens {
		if _, err := tx.Exec(`DELETE FROM leases WHERE token = ?`, tok); err != nil {
			return 0, fmt.Errorf("release pool lease %s: %w", tok, err)
		}
		if err := s.appendAudit(tx, "lease", tok, "released", "pool "+poolID+" terminated"); err != nil {
			return 0, err
		}
	}
	return len(tokens), nil
}

// GetLease returns one lease by token.
func (s *Store) GetLease(ctx context.Context, token string) (*Lease, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT token, agent_name, resource_index, mode, created_at, expires_at, last_heartbeat, ttl_ms, metadata
		   FROM leases WHERE token = ?`, token)
	lease, err := scanLease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("lease", token)
	}
	return lease, err
}

// ListLeases returns all leases ordered by creation time.
func (s *Store) ListLeases(ctx context.Context) ([]Lease, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token, agent_name, resource_index, mode, created_at, expires_at, last_heartbeat, ttl_ms, metadata
		   FROM leases ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}
	defer rows.Close()

	var out []Lease
	for rows.Next() {
		lease, err := scanLease(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *lease)
	}
	return out, rows.Err()
}

// ActiveLeaseCount returns the number of non-expired leases.
func (s *Store) ActiveLeaseCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM leases WHERE expires_at > ?`, timeToMs(s.now())).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLease(row rowScanner) (*Lease, error) {
	var l Lease
	var idx sql.NullInt64
	var mode, meta string
	var createdMs, expiresMs, hbMs, ttlMs int64
	if err := row.Scan(&l.Token, &l.AgentName, &idx, &mode, &createdMs, &expiresMs, &hbMs, &ttlMs, &meta); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan lease: %w", err)
	}
	if idx.Valid {
		i := int(idx.Int64)
		l.ResourceIndex = &i
	}
	l.Mode = LeaseMode(mode)
	l.CreatedAt = msToTime(createdMs)
	l.ExpiresAt = msToTime(expiresMs)
	l.LastHeartbeat = msToTime(hbMs)
	l.TTL = time.Duration(ttlMs) * time.Millisecond
	l.Metadata = unmarshalMetadata(meta)
	return &l, nil
}

func marshalMetadata(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func unmarshalMetadata(s string) map[string]string {
	m := map[string]string{}
	if s == "" {
		return m
	}
	json.Unmarshal([]byte(s), &m)
	return m
}

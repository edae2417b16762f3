package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aceteam-ai/warden/internal/apperrors"
)

// CreateJob inserts a pending job row. The job_id is the idempotency key:
// a duplicate insert is reported via created=false and is not an error.
func (s *Store) CreateJob(ctx context.Context, jobID, jobType, payload string) (created bool, err error) {
	nowMs := timeToMs(s.now())

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`INSERT INTO jobs (job_id, type, payload, status, attempts, created_at, updated_at)
			 VALUES (?, ?, ?, 'pending', 0, ?, ?)
			 ON CONFLICT(job_id) DO NOTHING`,
			jobID, jobType, payload, nowMs, nowMs,
		)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return nil // duplicate submission, idempotent no-op
		}
		created = true
		return s.appendAudit(tx, "job", jobID, "submitted", "type="+jobType)
	})
	return created, err
}

// ClaimJob transitions pending → claimed for exactly one caller. The
// conditional update makes a duplicate stream delivery lose the race instead
// of double-processing. When poolID is set, ownership is refused unless the
// pool is live; a draining pool never gains a job.
func (s *Store) ClaimJob(ctx context.Context, jobID, poolID string) (claimed bool, err error) {
	nowMs := timeToMs(s.now())

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var res sql.Result
		var execErr error
		if poolID == "" {
			res, execErr = tx.Exec(
				`UPDATE jobs SET status = 'claimed', updated_at = ? WHERE job_id = ? AND status = 'pending'`,
				nowMs, jobID)
		} else {
			res, execErr = tx.Exec(
				`UPDATE jobs SET status = 'claimed', owner_pool = ?, updated_at = ?
				  WHERE job_id = ? AND status = 'pending'
				    AND EXISTS (SELECT 1 FROM pools WHERE pool_id = ? AND status IN ('starting','running'))`,
				poolID, nowMs, jobID, poolID)
		}
		if execErr != nil {
			return fmt.Errorf("claim job: %w", execErr)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return nil
		}
		claimed = true
		detail := ""
		if poolID != "" {
			detail = "pool=" + poolID
		}
		return s.appendAudit(tx, "job", jobID, "claimed", detail)
	})
	return claimed, err
}

// MarkJobRunning transitions claimed → running.
func (s *Store) MarkJobRunning(ctx context.Context, jobID string) error {
	return s.transitionJob(ctx, jobID, JobClaimed, JobRunning, "")
}

// MarkJobDone transitions running → done. Done is absorbing.
func (s *Store) MarkJobDone(ctx context.Context, jobID string) error {
	return s.transitionJob(ctx, jobID, JobRunning, JobDone, "")
}

// MarkJobFailed transitions a claimed or running job to failed, increments
// attempts, and records the error. Returns the new attempt count so the
// caller can apply the requeue/dead-letter decision.
func (s *Store) MarkJobFailed(ctx context.Context, jobID, errMsg string) (attempts int, err error) {
	nowMs := timeToMs(s.now())
	if len(errMsg) > 1024 {
		errMsg = errMsg[:1024]
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, execErr := tx.Exec(
			`UPDATE jobs SET status = 'failed', attempts = attempts + 1, last_error = ?, updated_at = ?
			  WHERE job_id = ? AND status IN ('claimed','running')`,
			errMsg, nowMs, jobID)
		if execErr != nil {
			return fmt.Errorf("fail job: %w", execErr)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return apperrors.Conflict("job", fmt.Sprintf("job %s is not in-flight", jobID))
		}
		if err := tx.QueryRow(`SELECT attempts FROM jobs WHERE job_id = ?`, jobID).Scan(&attempts); err != nil {
			return fmt.Errorf("read attempts: %w", err)
		}
		return s.appendAudit(tx, "job", jobID, "failed", fmt.Sprintf("attempt=%d error=%s", attempts, errMsg))
	})
	return attempts, err
}

// ReleaseJobClaim transitions claimed → pending without touching attempts.
// Used when a worker cannot proceed for reasons outside the job itself, such
// as waiting on capacity: the retry budget only counts handler executions.
func (s *Store) ReleaseJobClaim(ctx context.Context, jobID, reason string) error {
	nowMs := timeToMs(s.now())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE jobs SET status = 'pending', owner_pool = NULL, updated_at = ?
			  WHERE job_id = ? AND status = 'claimed'`,
			nowMs, jobID)
		if err != nil {
			return fmt.Errorf("release job claim: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return apperrors.Conflict("job", fmt.Sprintf("job %s is not claimed", jobID))
		}
		return s.appendAudit(tx, "job", jobID, "claim_released", reason)
	})
}

// RequeueJob transitions failed → pending, permitted only while attempts are
// below maxAttempts. Ownership is cleared so any pool may claim the retry.
func (s *Store) RequeueJob(ctx context.Context, jobID string, maxAttempts int) (requeued bool, err error) {
	nowMs := timeToMs(s.now())

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, execErr := tx.Exec(
			`UPDATE jobs SET status = 'pending', owner_pool = NULL, updated_at = ?
			  WHERE job_id = ? AND status = 'failed' AND attempts < ?`,
			nowMs, jobID, maxAttempts)
		if execErr != nil {
			return fmt.Errorf("requeue job: %w", execErr)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return nil
		}
		requeued = true
		return s.appendAudit(tx, "job", jobID, "requeued", "")
	})
	return requeued, err
}

// DeadLetterJob transitions failed → dead_letter, the absorbing state for
// jobs past their retry budget. The row is retained for inspection.
func (s *Store) DeadLetterJob(ctx context.Context, jobID string) error {
	return s.transitionJob(ctx, jobID, JobFailed, JobDeadLetter, "max attempts exhausted")
}

func (s *Store) transitionJob(ctx context.Context, jobID string, from, to JobStatus, detail string) error {
	nowMs := timeToMs(s.now())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE jobs SET status = ?, updated_at = ? WHERE job_id = ? AND status = ?`,
			string(to), nowMs, jobID, string(from))
		if err != nil {
			return fmt.Errorf("transition job %s→%s: %w", from, to, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			var exists int
			if err := tx.QueryRow(`SELECT COUNT(*) FROM jobs WHERE job_id = ?`, jobID).Scan(&exists); err != nil {
				return fmt.Errorf("check job existence: %w", err)
			}
			if exists == 0 {
				return apperrors.NotFound("job", jobID)
			}
			return apperrors.Conflict("job", fmt.Sprintf("job %s is not %s", jobID, from))
		}
		return s.appendAudit(tx, "job", jobID, string(to), detail)
	})
}

// GetJob returns one job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, jobSelect+` WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("job", jobID)
	}
	return job, err
}

// TouchJob refreshes updated_at on a pending job so the republish pass does
// not pick it up again before the threshold.
func (s *Store) TouchJob(ctx context.Context, jobID string) (touched bool, err error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET updated_at = ? WHERE job_id = ? AND status = 'pending'`,
		timeToMs(s.now()), jobID)
	if err != nil {
		return false, fmt.Errorf("touch job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// StalePendingJobs returns pending jobs untouched for longer than age.
// These are candidates for republish: either the original stream write was
// lost, or a requeue never made it back onto the transport.
func (s *Store) StalePendingJobs(ctx context.Context, age time.Duration, limit int) ([]Job, error) {
	cutoff := timeToMs(s.now().Add(-age))
	rows, err := s.db.QueryContext(ctx,
		jobSelect+` WHERE status = 'pending' AND updated_at < ? ORDER BY updated_at LIMIT ?`,
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("scan stale pending jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// NonTerminalJobCountForPool counts jobs owned by poolID that have not yet
// reached done or dead_letter. Zero means a drain can complete.
func (s *Store) NonTerminalJobCountForPool(ctx context.Context, poolID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE owner_pool = ? AND status NOT IN ('done','dead_letter')`,
		poolID).Scan(&n)
	return n, err
}

// JobStatusCounts returns the number of jobs in each status. Used by metrics.
func (s *Store) JobStatusCounts(ctx context.Context) (map[JobStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()

	counts := map[JobStatus]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[JobStatus(status)] = n
	}
	return counts, rows.Err()
}

const jobSelect = `SELECT job_id, type, payload, status, owner_pool, attempts, created_at, updated_at, last_error
                     FROM jobs`

func collectJobs(rows *sql.Rows) ([]Job, error) {
	var out []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var owner sql.NullString
	var status string
	var createdMs, updatedMs int64
	err := row.Scan(&j.JobID, &j.Type, &j.Payload, &status, &owner, &j.Attempts, &createdMs, &updatedMs, &j.LastError)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	if owner.Valid {
		j.OwnerPool = owner.String
	}
	j.Status = JobStatus(status)
	j.CreatedAt = msToTime(createdMs)
	j.UpdatedAt = msToTime(updatedMs)
	return &j, nil
}

package store

import (
	"context"
	"fmt"
)

// SeedResources records the capacity inventory. Existing rows with the same
// index are left untouched so restarts never clobber live allocations.
func (s *Store) SeedResources(ctx context.Context, resources []Resource) error {
	for _, r := range resources {
		_, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO resources (resource_index, name, capacity_mb) VALUES (?, ?, ?)`,
			r.ResourceIndex, r.Name, r.CapacityMB,
		)
		if err != nil {
			return fmt.Errorf("seed resource %d: %w", r.ResourceIndex, err)
		}
	}
	return nil
}

// ListResources returns the capacity inventory ordered by index.
func (s *Store) ListResources(ctx context.Context) ([]Resource, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT resource_index, name, capacity_mb FROM resources ORDER BY resource_index`)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	defer rows.Close()

	var out []Resource
	for rows.Next() {
		var r Resource
		if err := rows.Scan(&r.ResourceIndex, &r.Name, &r.CapacityMB); err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CapacityUtilization returns (leased, total) capacity in MB, counting only
// non-expired gpu leases. Used by admission watermarks and metrics.
func (s *Store) CapacityUtilization(ctx context.Context) (leasedMB, totalMB int64, err error) {
	nowMs := timeToMs(s.now())

	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(capacity_mb), 0) FROM resources`).Scan(&totalMB)
	if err != nil {
		return 0, 0, fmt.Errorf("sum total capacity: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(r.capacity_mb), 0)
		   FROM resources r
		   JOIN leases l ON l.resource_index = r.resource_index
		  WHERE l.mode = 'gpu' AND l.expires_at > ?`, nowMs).Scan(&leasedMB)
	if err != nil {
		return 0, 0, fmt.Errorf("sum leased capacity: %w", err)
	}
	return leasedMB, totalMB, nil
}

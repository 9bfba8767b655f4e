package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/digkill/ImageForge/internal/database"
)

// LeaseRepository stores exclusive per-output edit leases.
type LeaseRepository struct {
	db *database.DB
}

func NewLeaseRepository(db *database.DB) *LeaseRepository {
	return &LeaseRepository{db: db}
}

// Acquire takes the lease on (jobID, index) for holder. An expired lease is
// taken over; a live one makes Acquire return false.
func (r *LeaseRepository) Acquire(ctx context.Context, q database.Querier, jobID int64, index int, holder int64, expiresAt, now time.Time) (bool, error) {
	const purge = `DELETE FROM edit_leases WHERE job_id = ? AND output_index = ? AND expires_at <= ?`
	if _, err := q.ExecContext(ctx, purge, jobID, index, now); err != nil {
		return false, fmt.Errorf("purge expired lease: %w", err)
	}
	const insert = `INSERT INTO edit_leases (job_id, output_index, holder_job_id, expires_at) VALUES (?, ?, ?, ?)`
	if _, err := q.ExecContext(ctx, insert, jobID, index, holder, expiresAt); err != nil {
		if r.db.IsUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert lease: %w", err)
	}
	return true, nil
}

// IsHeld reports whether a live lease exists on (jobID, index).
func (r *LeaseRepository) IsHeld(ctx context.Context, q database.Querier, jobID int64, index int, now time.Time) (bool, error) {
	const query = `SELECT COUNT(*) FROM edit_leases WHERE job_id = ? AND output_index = ? AND expires_at > ?`
	var n int
	if err := q.QueryRowContext(ctx, query, jobID, index, now).Scan(&n); err != nil {
		return false, fmt.Errorf("check lease: %w", err)
	}
	return n > 0, nil
}

// Release drops the lease only if holder still owns it.
func (r *LeaseRepository) Release(ctx context.Context, q database.Querier, jobID int64, index int, holder int64) error {
	const query = `DELETE FROM edit_leases WHERE job_id = ? AND output_index = ? AND holder_job_id = ?`
	if _, err := q.ExecContext(ctx, query, jobID, index, holder); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// LiveByOwner maps each of the owner's jobs to the output indexes currently being edited.
func (r *LeaseRepository) LiveByOwner(ctx context.Context, q database.Querier, ownerID int64, now time.Time) (map[int64][]int, error) {
	const query = `
SELECT l.job_id, l.output_index
FROM edit_leases l JOIN jobs j ON j.id = l.job_id
WHERE j.owner_id = ? AND l.expires_at > ?
ORDER BY l.job_id, l.output_index`
	rows, err := q.QueryContext(ctx, query, ownerID, now)
	if err != nil {
		return nil, fmt.Errorf("list live leases: %w", err)
	}
	defer rows.Close()

	marks := make(map[int64][]int)
	for rows.Next() {
		var (
			jobID int64
			index int
		)
		if err := rows.Scan(&jobID, &index); err != nil {
			return nil, fmt.Errorf("scan lease: %w", err)
		}
		marks[jobID] = append(marks[jobID], index)
	}
	return marks, rows.Err()
}

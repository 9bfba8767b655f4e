package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/digkill/ImageForge/internal/database"
	"github.com/digkill/ImageForge/internal/models"
)

type JobRepository struct {
	db *database.DB
}

func NewJobRepository(db *database.DB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `id, owner_id, kind, status, prompt, params, input_refs, outputs, charged_paid, charged_bonus,
parent_job_id, target_index, retry_of, error_message, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (*models.Job, error) {
	var (
		j                       models.Job
		params, inputs, outputs string
		parentID, retryOf       sql.NullInt64
		targetIndex             sql.NullInt64
	)
	if err := row.Scan(&j.ID, &j.OwnerID, &j.Kind, &j.Status, &j.Prompt, &params, &inputs, &outputs,
		&j.Charged.Paid, &j.Charged.Bonus, &parentID, &targetIndex, &retryOf, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	if err := decodeJSON(params, &j.Params); err != nil {
		return nil, fmt.Errorf("decode job params: %w", err)
	}
	if err := decodeJSON(inputs, &j.InputRefs); err != nil {
		return nil, fmt.Errorf("decode job inputs: %w", err)
	}
	if err := decodeJSON(outputs, &j.Outputs); err != nil {
		return nil, fmt.Errorf("decode job outputs: %w", err)
	}
	if j.Outputs == nil {
		j.Outputs = []string{}
	}
	j.EditingMarks = []int{}
	if parentID.Valid {
		j.ParentJobID = &parentID.Int64
	}
	if retryOf.Valid {
		j.RetryOf = &retryOf.Int64
	}
	if targetIndex.Valid {
		idx := int(targetIndex.Int64)
		j.TargetIndex = &idx
	}
	return &j, nil
}

func (r *JobRepository) Create(ctx context.Context, q database.Querier, job *models.Job) error {
	const query = `
INSERT INTO jobs (owner_id, kind, status, prompt, params, input_refs, outputs, charged_paid, charged_bonus,
parent_job_id, target_index, retry_of, error_message, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?)`
	if job.Outputs == nil {
		job.Outputs = []string{}
	}
	res, err := q.ExecContext(ctx, query, job.OwnerID, job.Kind, job.Status, job.Prompt,
		encodeJSON(job.Params), encodeJSON(job.InputRefs), encodeJSON(job.Outputs),
		job.Charged.Paid, job.Charged.Bonus, job.ParentJobID, job.TargetIndex, job.RetryOf,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("job last insert id: %w", err)
	}
	job.ID = id
	return nil
}

func (r *JobRepository) GetByID(ctx context.Context, q database.Querier, id int64) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`
	j, err := scanJob(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (r *JobRepository) GetForUpdate(ctx context.Context, tx *sql.Tx, id int64) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?` + r.db.ForUpdate()
	j, err := scanJob(tx.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lock job: %w", err)
	}
	return j, nil
}

func (r *JobRepository) ListByOwner(ctx context.Context, q database.Querier, ownerID int64, limit int) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE owner_id = ? ORDER BY id DESC LIMIT ?`
	return r.list(ctx, q, query, ownerID, limit)
}

// HasRetry reports whether some job already names jobID as its retry parent.
func (r *JobRepository) HasRetry(ctx context.Context, q database.Querier, jobID int64) (bool, error) {
	const query = `SELECT COUNT(*) FROM jobs WHERE retry_of = ?`
	var n int
	if err := q.QueryRowContext(ctx, query, jobID).Scan(&n); err != nil {
		return false, fmt.Errorf("check job retry: %w", err)
	}
	return n > 0, nil
}

func (r *JobRepository) HasApprovedAppeal(ctx context.Context, q database.Querier, jobID int64) (bool, error) {
	const query = `SELECT COUNT(*) FROM appeals WHERE job_id = ? AND status = ?`
	var n int
	if err := q.QueryRowContext(ctx, query, jobID, models.AppealApproved).Scan(&n); err != nil {
		return false, fmt.Errorf("check job appeal: %w", err)
	}
	return n > 0, nil
}

// ListStalePending returns jobs still PENDING that were created before cutoff.
func (r *JobRepository) ListStalePending(ctx context.Context, q database.Querier, cutoff time.Time, limit int) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = ? AND created_at < ? ORDER BY id LIMIT ?`
	return r.list(ctx, q, query, models.JobPending, cutoff, limit)
}

func (r *JobRepository) list(ctx context.Context, q database.Querier, query string, args ...any) ([]*models.Job, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Complete moves a PENDING job to COMPLETED. It reports false if the job had
// already left PENDING.
func (r *JobRepository) Complete(ctx context.Context, q database.Querier, id int64, outputs []string, now time.Time) (bool, error) {
	const query = `UPDATE jobs SET status = ?, outputs = ?, updated_at = ? WHERE id = ? AND status = ?`
	return r.transition(ctx, q, query, models.JobCompleted, encodeJSON(outputs), now, id, models.JobPending)
}

// Fail moves a PENDING job to FAILED. It reports false if the job had already
// left PENDING, which makes the caller's compensation a no-op.
func (r *JobRepository) Fail(ctx context.Context, q database.Querier, id int64, message string, now time.Time) (bool, error) {
	const query = `UPDATE jobs SET status = ?, error_message = ?, updated_at = ? WHERE id = ? AND status = ?`
	return r.transition(ctx, q, query, models.JobFailed, message, now, id, models.JobPending)
}

func (r *JobRepository) transition(ctx context.Context, q database.Querier, query string, args ...any) (bool, error) {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update job status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("job rows affected: %w", err)
	}
	return affected > 0, nil
}

// ReplaceOutput overwrites one output of a completed job.
func (r *JobRepository) ReplaceOutput(ctx context.Context, tx *sql.Tx, id int64, index int, ref string, now time.Time) error {
	job, err := r.GetForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %d not found", id)
	}
	if index < 0 || index >= len(job.Outputs) {
		return fmt.Errorf("output index %d out of range", index)
	}
	job.Outputs[index] = ref
	const query = `UPDATE jobs SET outputs = ?, updated_at = ? WHERE id = ?`
	if _, err := tx.ExecContext(ctx, query, encodeJSON(job.Outputs), now, id); err != nil {
		return fmt.Errorf("replace job output: %w", err)
	}
	return nil
}

func encodeJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return ""
	}
	return string(b)
}

func decodeJSON(raw string, v any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), v)
}

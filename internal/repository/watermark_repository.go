package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/digkill/ImageForge/internal/database"
	"github.com/digkill/ImageForge/internal/models"
)

type WatermarkRepository struct {
	db *database.DB
}

func NewWatermarkRepository(db *database.DB) *WatermarkRepository {
	return &WatermarkRepository{db: db}
}

const taskColumns = `id, owner_id, batch_id, original_ref, result_ref, status, error_message, paid_portion, bonus_portion, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*models.WatermarkTask, error) {
	var (
		t              models.WatermarkTask
		result, errMsg sql.NullString
	)
	if err := row.Scan(&t.ID, &t.OwnerID, &t.BatchID, &t.OriginalRef, &result, &t.Status, &errMsg,
		&t.Charged.Paid, &t.Charged.Bonus, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if result.Valid {
		t.ResultRef = &result.String
	}
	if errMsg.Valid {
		t.ErrorMessage = &errMsg.String
	}
	return &t, nil
}

// CreateBatch inserts tasks in slice order, so ids follow submission order.
func (r *WatermarkRepository) CreateBatch(ctx context.Context, q database.Querier, tasks []*models.WatermarkTask) error {
	const query = `
INSERT INTO watermark_tasks (owner_id, batch_id, original_ref, status, paid_portion, bonus_portion, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	for _, t := range tasks {
		res, err := q.ExecContext(ctx, query, t.OwnerID, t.BatchID, t.OriginalRef, t.Status, t.Charged.Paid, t.Charged.Bonus, t.CreatedAt, t.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert watermark task: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("watermark last insert id: %w", err)
		}
		t.ID = id
	}
	return nil
}

func (r *WatermarkRepository) GetByID(ctx context.Context, q database.Querier, id int64) (*models.WatermarkTask, error) {
	query := `SELECT ` + taskColumns + ` FROM watermark_tasks WHERE id = ?`
	t, err := scanTask(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get watermark task: %w", err)
	}
	return t, nil
}

func (r *WatermarkRepository) ListByOwner(ctx context.Context, q database.Querier, ownerID int64, limit int) ([]*models.WatermarkTask, error) {
	query := `SELECT ` + taskColumns + ` FROM watermark_tasks WHERE owner_id = ? ORDER BY id DESC LIMIT ?`
	rows, err := q.QueryContext(ctx, query, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list watermark tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*models.WatermarkTask{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan watermark task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ClaimNext moves the oldest PENDING task to PROCESSING and returns it, or
// nil when the queue is empty. Must run inside a transaction.
func (r *WatermarkRepository) ClaimNext(ctx context.Context, tx *sql.Tx, now time.Time) (*models.WatermarkTask, error) {
	query := `SELECT ` + taskColumns + ` FROM watermark_tasks WHERE status = ? ORDER BY id LIMIT 1` + r.db.ForUpdate()
	t, err := scanTask(tx.QueryRowContext(ctx, query, models.TaskPending))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select pending task: %w", err)
	}

	const claim = `UPDATE watermark_tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
	res, err := tx.ExecContext(ctx, claim, models.TaskProcessing, now, t.ID, models.TaskPending)
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim rows affected: %w", err)
	}
	if affected == 0 {
		return nil, nil
	}
	t.Status = models.TaskProcessing
	t.UpdatedAt = now
	return t, nil
}

// Complete finishes a PROCESSING task. It reports false if the task was not PROCESSING.
func (r *WatermarkRepository) Complete(ctx context.Context, q database.Querier, id int64, resultRef string, now time.Time) (bool, error) {
	const query = `UPDATE watermark_tasks SET status = ?, result_ref = ?, updated_at = ? WHERE id = ? AND status = ?`
	return r.transition(ctx, q, query, models.TaskCompleted, resultRef, now, id, models.TaskProcessing)
}

// Fail marks a PROCESSING or PENDING task FAILED. It reports false if the task had already finished.
func (r *WatermarkRepository) Fail(ctx context.Context, q database.Querier, id int64, message string, now time.Time) (bool, error) {
	const query = `UPDATE watermark_tasks SET status = ?, error_message = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`
	return r.transition(ctx, q, query, models.TaskFailed, message, now, id, models.TaskProcessing, models.TaskPending)
}

func (r *WatermarkRepository) transition(ctx context.Context, q database.Querier, query string, args ...any) (bool, error) {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update watermark task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("watermark rows affected: %w", err)
	}
	return affected > 0, nil
}

// RequeueStale returns PROCESSING tasks untouched since cutoff to PENDING.
func (r *WatermarkRepository) RequeueStale(ctx context.Context, q database.Querier, cutoff, now time.Time) (int64, error) {
	const query = `UPDATE watermark_tasks SET status = ?, updated_at = ? WHERE status = ? AND updated_at < ?`
	res, err := q.ExecContext(ctx, query, models.TaskPending, now, models.TaskProcessing, cutoff)
	if err != nil {
		return 0, fmt.Errorf("requeue stale tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue rows affected: %w", err)
	}
	return n, nil
}

// QueueStatus counts the owner's unfinished tasks and the FIFO position of
// the owner's oldest PENDING task among all PENDING tasks.
func (r *WatermarkRepository) QueueStatus(ctx context.Context, q database.Querier, ownerID int64) (models.QueueStatus, error) {
	const counts = `
SELECT
  COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
  COALESCE(MIN(CASE WHEN status = ? THEN id END), 0)
FROM watermark_tasks WHERE owner_id = ?`
	var (
		st       models.QueueStatus
		oldestID int64
	)
	if err := q.QueryRowContext(ctx, counts, models.TaskPending, models.TaskProcessing, models.TaskPending, ownerID).
		Scan(&st.PendingCount, &st.ProcessingCount, &oldestID); err != nil {
		return models.QueueStatus{}, fmt.Errorf("count owner tasks: %w", err)
	}
	if oldestID == 0 {
		return st, nil
	}

	const ahead = `SELECT COUNT(*) FROM watermark_tasks WHERE status = ? AND id < ?`
	if err := q.QueryRowContext(ctx, ahead, models.TaskPending, oldestID).Scan(&st.QueuePosition); err != nil {
		return models.QueueStatus{}, fmt.Errorf("count tasks ahead: %w", err)
	}
	return st, nil
}

func (r *WatermarkRepository) CountByStatus(ctx context.Context, q database.Querier, status models.TaskStatus) (int, error) {
	const query = `SELECT COUNT(*) FROM watermark_tasks WHERE status = ?`
	var n int
	if err := q.QueryRowContext(ctx, query, status).Scan(&n); err != nil {
		return 0, fmt.Errorf("count watermark tasks: %w", err)
	}
	return n, nil
}

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

// ErrDuplicate is returned when an insert hits a uniqueness constraint.
var ErrDuplicate = errors.New("duplicate record")

type AppealRepository struct {
	db *database.DB
}

func NewAppealRepository(db *database.DB) *AppealRepository {
	return &AppealRepository{db: db}
}

const appealColumns = `id, job_id, owner_id, status, reason, refund_amount, admin_note, created_at, resolved_at`

func scanAppeal(row interface{ Scan(...any) error }) (*models.Appeal, error) {
	var (
		a          models.Appeal
		resolvedAt sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.JobID, &a.OwnerID, &a.Status, &a.Reason, &a.RefundAmount, &a.AdminNote, &a.CreatedAt, &resolvedAt); err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		a.ResolvedAt = &resolvedAt.Time
	}
	return &a, nil
}

// Create inserts the appeal. A second appeal for the same job yields ErrDuplicate.
func (r *AppealRepository) Create(ctx context.Context, q database.Querier, appeal *models.Appeal) error {
	const query = `
INSERT INTO appeals (job_id, owner_id, status, reason, refund_amount, admin_note, created_at)
VALUES (?, ?, ?, ?, ?, '', ?)`
	res, err := q.ExecContext(ctx, query, appeal.JobID, appeal.OwnerID, appeal.Status, appeal.Reason, appeal.RefundAmount, appeal.CreatedAt)
	if err != nil {
		if r.db.IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert appeal: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("appeal last insert id: %w", err)
	}
	appeal.ID = id
	return nil
}

func (r *AppealRepository) GetByID(ctx context.Context, q database.Querier, id int64) (*models.Appeal, error) {
	query := `SELECT ` + appealColumns + ` FROM appeals WHERE id = ?`
	a, err := scanAppeal(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get appeal: %w", err)
	}
	return a, nil
}

func (r *AppealRepository) GetForUpdate(ctx context.Context, tx *sql.Tx, id int64) (*models.Appeal, error) {
	query := `SELECT ` + appealColumns + ` FROM appeals WHERE id = ?` + r.db.ForUpdate()
	a, err := scanAppeal(tx.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lock appeal: %w", err)
	}
	return a, nil
}

func (r *AppealRepository) ExistsForJob(ctx context.Context, q database.Querier, jobID int64) (bool, error) {
	const query = `SELECT COUNT(*) FROM appeals WHERE job_id = ?`
	var n int
	if err := q.QueryRowContext(ctx, query, jobID).Scan(&n); err != nil {
		return false, fmt.Errorf("check appeal: %w", err)
	}
	return n > 0, nil
}

func (r *AppealRepository) ListByOwner(ctx context.Context, q database.Querier, ownerID int64) ([]*models.Appeal, error) {
	query := `SELECT ` + appealColumns + ` FROM appeals WHERE owner_id = ? ORDER BY id DESC`
	return r.list(ctx, q, query, ownerID)
}

// ListByStatus lists appeals oldest first; an empty status lists all of them.
func (r *AppealRepository) ListByStatus(ctx context.Context, q database.Querier, status models.AppealStatus) ([]*models.Appeal, error) {
	query := `SELECT ` + appealColumns + ` FROM appeals WHERE (? = '' OR status = ?) ORDER BY id`
	return r.list(ctx, q, query, status, status)
}

func (r *AppealRepository) list(ctx context.Context, q database.Querier, query string, args ...any) ([]*models.Appeal, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list appeals: %w", err)
	}
	defer rows.Close()

	appeals := []*models.Appeal{}
	for rows.Next() {
		a, err := scanAppeal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan appeal: %w", err)
		}
		appeals = append(appeals, a)
	}
	return appeals, rows.Err()
}

// Resolve moves a PENDING appeal to status. It reports false if the appeal was already resolved.
func (r *AppealRepository) Resolve(ctx context.Context, q database.Querier, id int64, status models.AppealStatus, note string, now time.Time) (bool, error) {
	const query = `UPDATE appeals SET status = ?, admin_note = ?, resolved_at = ? WHERE id = ? AND status = ?`
	res, err := q.ExecContext(ctx, query, status, note, now, id, models.AppealPending)
	if err != nil {
		return false, fmt.Errorf("resolve appeal: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("appeal rows affected: %w", err)
	}
	return affected > 0, nil
}

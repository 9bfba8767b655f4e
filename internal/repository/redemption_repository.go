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

type RedemptionRepository struct {
	db *database.DB
}

func NewRedemptionRepository(db *database.DB) *RedemptionRepository {
	return &RedemptionRepository{db: db}
}

const codeColumns = `id, code, paid_credits, bonus_credits, status, used_by, used_at, created_at`

func scanCode(row interface{ Scan(...any) error }) (*models.RedemptionCode, error) {
	var (
		c      models.RedemptionCode
		usedBy sql.NullInt64
		usedAt sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.Code, &c.PaidCredits, &c.BonusCredits, &c.Status, &usedBy, &usedAt, &c.CreatedAt); err != nil {
		return nil, err
	}
	if usedBy.Valid {
		c.UsedBy = &usedBy.Int64
	}
	if usedAt.Valid {
		c.UsedAt = &usedAt.Time
	}
	return &c, nil
}

// GetByCodeForUpdate reads the code and locks its row until the transaction ends.
func (r *RedemptionRepository) GetByCodeForUpdate(ctx context.Context, tx *sql.Tx, code string) (*models.RedemptionCode, error) {
	query := `SELECT ` + codeColumns + ` FROM redemption_codes WHERE code = ?` + r.db.ForUpdate()
	c, err := scanCode(tx.QueryRowContext(ctx, query, code))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lock redemption code: %w", err)
	}
	return c, nil
}

func (r *RedemptionRepository) GetByCode(ctx context.Context, q database.Querier, code string) (*models.RedemptionCode, error) {
	query := `SELECT ` + codeColumns + ` FROM redemption_codes WHERE code = ?`
	c, err := scanCode(q.QueryRowContext(ctx, query, code))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get redemption code: %w", err)
	}
	return c, nil
}

// List returns codes newest first; an empty status lists all of them.
func (r *RedemptionRepository) List(ctx context.Context, q database.Querier, status models.CodeStatus, limit int) ([]*models.RedemptionCode, error) {
	query := `SELECT ` + codeColumns + ` FROM redemption_codes WHERE (? = '' OR status = ?) ORDER BY id DESC LIMIT ?`
	rows, err := q.QueryContext(ctx, query, status, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list redemption codes: %w", err)
	}
	defer rows.Close()

	codes := []*models.RedemptionCode{}
	for rows.Next() {
		c, err := scanCode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan redemption code: %w", err)
		}
		codes = append(codes, c)
	}
	return codes, rows.Err()
}

// Create inserts a new UNUSED code. A clashing code yields ErrDuplicate.
func (r *RedemptionRepository) Create(ctx context.Context, q database.Querier, code *models.RedemptionCode) error {
	const query = `
INSERT INTO redemption_codes (code, paid_credits, bonus_credits, status, created_at)
VALUES (?, ?, ?, ?, ?)`
	res, err := q.ExecContext(ctx, query, code.Code, code.PaidCredits, code.BonusCredits, models.CodeUnused, code.CreatedAt)
	if err != nil {
		if r.db.IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("create redemption code: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("redemption last insert id: %w", err)
	}
	code.ID = id
	code.Status = models.CodeUnused
	return nil
}

// MarkUsed flips an UNUSED code to USED. It reports false if another redeemer got there first.
func (r *RedemptionRepository) MarkUsed(ctx context.Context, q database.Querier, id, accountID int64, now time.Time) (bool, error) {
	const query = `
UPDATE redemption_codes SET status = ?, used_by = ?, used_at = ?
WHERE id = ? AND status = ?`
	res, err := q.ExecContext(ctx, query, models.CodeUsed, accountID, now, id, models.CodeUnused)
	if err != nil {
		return false, fmt.Errorf("mark code used: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("code rows affected: %w", err)
	}
	return affected > 0, nil
}

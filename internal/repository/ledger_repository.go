package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/ImageForge/internal/database"
	"github.com/digkill/ImageForge/internal/models"
)

type LedgerRepository struct {
	db *database.DB
}

func NewLedgerRepository(db *database.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// Insert appends one entry. When the entry carries a reference that is
// already recorded it returns false and writes nothing.
func (r *LedgerRepository) Insert(ctx context.Context, q database.Querier, entry *models.LedgerEntry) (bool, error) {
	const query = `
INSERT INTO ledger_entries (account_id, amount, paid_amount, bonus_amount, kind, description, reference, created_at)
VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?)`
	res, err := q.ExecContext(ctx, query, entry.AccountID, entry.Amount, entry.PaidAmount, entry.BonusAmount, entry.Kind, entry.Description, entry.Reference, entry.CreatedAt)
	if err != nil {
		if entry.Reference != "" && r.db.IsUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert ledger entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("ledger last insert id: %w", err)
	}
	entry.ID = id
	return true, nil
}

func (r *LedgerRepository) FindByReference(ctx context.Context, q database.Querier, reference string) (*models.LedgerEntry, error) {
	const query = `
SELECT id, account_id, amount, paid_amount, bonus_amount, kind, description, COALESCE(reference, ''), created_at
FROM ledger_entries WHERE reference = ?`
	var e models.LedgerEntry
	err := q.QueryRowContext(ctx, query, reference).Scan(&e.ID, &e.AccountID, &e.Amount, &e.PaidAmount, &e.BonusAmount, &e.Kind, &e.Description, &e.Reference, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find ledger reference: %w", err)
	}
	return &e, nil
}

// ListByAccount pages entries newest first. beforeID of zero starts at the newest entry.
func (r *LedgerRepository) ListByAccount(ctx context.Context, q database.Querier, accountID int64, limit int, beforeID int64) ([]models.LedgerEntry, error) {
	const query = `
SELECT id, account_id, amount, paid_amount, bonus_amount, kind, description, COALESCE(reference, ''), created_at
FROM ledger_entries
WHERE account_id = ? AND (? = 0 OR id < ?)
ORDER BY id DESC
LIMIT ?`
	rows, err := q.QueryContext(ctx, query, accountID, beforeID, beforeID, limit)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	entries := []models.LedgerEntry{}
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Amount, &e.PaidAmount, &e.BonusAmount, &e.Kind, &e.Description, &e.Reference, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Totals sums the signed entry amounts for an account, per bucket.
func (r *LedgerRepository) Totals(ctx context.Context, q database.Querier, accountID int64) (models.Balance, error) {
	const query = `
SELECT COALESCE(SUM(paid_amount), 0), COALESCE(SUM(bonus_amount), 0)
FROM ledger_entries WHERE account_id = ?`
	var b models.Balance
	if err := q.QueryRowContext(ctx, query, accountID).Scan(&b.Paid, &b.Bonus); err != nil {
		return models.Balance{}, fmt.Errorf("sum ledger entries: %w", err)
	}
	return b, nil
}

func (r *LedgerRepository) CountByAccount(ctx context.Context, q database.Querier, accountID int64) (int, error) {
	const query = `SELECT COUNT(*) FROM ledger_entries WHERE account_id = ?`
	var n int
	if err := q.QueryRowContext(ctx, query, accountID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ledger entries: %w", err)
	}
	return n, nil
}

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

type AccountRepository struct {
	db *database.DB
}

func NewAccountRepository(db *database.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) DB() *database.DB {
	return r.db
}

const accountColumns = `id, external_id, telegram_chat_id, paid_balance, bonus_balance, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (*models.Account, error) {
	var a models.Account
	if err := row.Scan(&a.ID, &a.ExternalID, &a.TelegramChatID, &a.PaidBalance, &a.BonusBalance, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *AccountRepository) FindByExternalID(ctx context.Context, q database.Querier, externalID string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE external_id = ?`
	a, err := scanAccount(q.QueryRowContext(ctx, query, externalID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return a, nil
}

func (r *AccountRepository) GetByID(ctx context.Context, q database.Querier, id int64) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = ?`
	a, err := scanAccount(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

// FindByTelegramChatID returns the account most recently linked to chatID.
func (r *AccountRepository) FindByTelegramChatID(ctx context.Context, q database.Querier, chatID int64) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE telegram_chat_id = ? AND telegram_chat_id <> 0 ORDER BY updated_at DESC, id DESC LIMIT 1`
	a, err := scanAccount(q.QueryRowContext(ctx, query, chatID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find account by chat: %w", err)
	}
	return a, nil
}

// GetForUpdate reads the account and locks its row until the transaction ends.
func (r *AccountRepository) GetForUpdate(ctx context.Context, tx *sql.Tx, id int64) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = ?` + r.db.ForUpdate()
	a, err := scanAccount(tx.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lock account: %w", err)
	}
	return a, nil
}

func (r *AccountRepository) Create(ctx context.Context, q database.Querier, account *models.Account) (*models.Account, error) {
	const query = `
INSERT INTO accounts (external_id, telegram_chat_id, paid_balance, bonus_balance, created_at, updated_at)
VALUES (?, ?, 0, 0, ?, ?)`
	res, err := q.ExecContext(ctx, query, account.ExternalID, account.TelegramChatID, account.CreatedAt, account.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	account.ID = id
	return account, nil
}

// AdjustBalances applies signed deltas to both buckets. It reports false
// without changing anything when either bucket would go negative.
func (r *AccountRepository) AdjustBalances(ctx context.Context, q database.Querier, id, paidDelta, bonusDelta int64, now time.Time) (bool, error) {
	const query = `
UPDATE accounts SET paid_balance = paid_balance + ?, bonus_balance = bonus_balance + ?, updated_at = ?
WHERE id = ? AND paid_balance + ? >= 0 AND bonus_balance + ? >= 0`
	res, err := q.ExecContext(ctx, query, paidDelta, bonusDelta, now, id, paidDelta, bonusDelta)
	if err != nil {
		return false, fmt.Errorf("adjust balances: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("balance rows affected: %w", err)
	}
	return affected > 0, nil
}

func (r *AccountRepository) SetTelegramChatID(ctx context.Context, q database.Querier, id, chatID int64, now time.Time) error {
	const query = `UPDATE accounts SET telegram_chat_id = ?, updated_at = ? WHERE id = ?`
	if _, err := q.ExecContext(ctx, query, chatID, now, id); err != nil {
		return fmt.Errorf("set telegram chat id: %w", err)
	}
	return nil
}

func (r *AccountRepository) ListIDs(ctx context.Context, q database.Querier) ([]int64, error) {
	const query = `SELECT id FROM accounts ORDER BY id`
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list account ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan account id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

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

type PaymentRepository struct {
	db *database.DB
}

func NewPaymentRepository(db *database.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) Create(ctx context.Context, q database.Querier, payment *models.Payment) error {
	const query = `
INSERT INTO payments (account_id, plan_id, provider, provider_charge_id, currency, amount, status, raw_payload, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := q.ExecContext(ctx, query, payment.AccountID, payment.PlanID, payment.Provider, payment.ProviderCharge, payment.Currency, payment.Amount, payment.Status, payment.RawPayload, payment.CreatedAt, payment.UpdatedAt)
	if err != nil {
		if r.db.IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	payment.ID = id
	return nil
}

// UpdateStatus moves a payment out of fromStatus. It reports false if the
// payment was no longer in fromStatus.
func (r *PaymentRepository) UpdateStatus(ctx context.Context, q database.Querier, paymentID int64, fromStatus, toStatus, payload string, now time.Time) (bool, error) {
	const query = `UPDATE payments SET status = ?, raw_payload = ?, updated_at = ? WHERE id = ? AND status = ?`
	res, err := q.ExecContext(ctx, query, toStatus, payload, now, paymentID, fromStatus)
	if err != nil {
		return false, fmt.Errorf("update payment status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("payment rows affected: %w", err)
	}
	return affected > 0, nil
}

func (r *PaymentRepository) FindByProviderCharge(ctx context.Context, q database.Querier, provider, chargeID string) (*models.Payment, error) {
	const query = `
SELECT id, account_id, plan_id, provider, provider_charge_id, currency, amount, status, raw_payload, created_at, updated_at
FROM payments WHERE provider = ? AND provider_charge_id = ? LIMIT 1`
	row := q.QueryRowContext(ctx, query, provider, chargeID)
	var p models.Payment
	if err := row.Scan(&p.ID, &p.AccountID, &p.PlanID, &p.Provider, &p.ProviderCharge, &p.Currency, &p.Amount, &p.Status, &p.RawPayload, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	return &p, nil
}

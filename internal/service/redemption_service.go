package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/digkill/ImageForge/internal/database"
	"github.com/digkill/ImageForge/internal/models"
	"github.com/digkill/ImageForge/internal/repository"
)

const (
	codeLength        = 12
	maxCodesPerCall   = 500
	codeCreateRetries = 5
)

type RedemptionService struct {
	db     *database.DB
	ledger *LedgerService
	codes  *repository.RedemptionRepository
	log    *slog.Logger
	now    func() time.Time
}

func NewRedemptionService(db *database.DB, ledger *LedgerService, codes *repository.RedemptionRepository, log *slog.Logger) *RedemptionService {
	return &RedemptionService{db: db, ledger: ledger, codes: codes, log: log, now: utcNow}
}

// Redeem spends a code on the account. The code row is locked and flipped to
// USED in the same transaction that credits both buckets.
func (s *RedemptionService) Redeem(ctx context.Context, accountID int64, code string) (*models.RedemptionCode, error) {
	code = normalizeCode(code)
	if code == "" {
		return nil, invalid("code", "must not be empty")
	}

	var redeemed *models.RedemptionCode
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		c, err := s.codes.GetByCodeForUpdate(ctx, tx, code)
		if err != nil {
			return err
		}
		if c == nil {
			return notFound("redemption code")
		}
		if c.Status != models.CodeUnused {
			return conflict("code has already been used")
		}
		now := s.now()
		ok, err := s.codes.MarkUsed(ctx, tx, c.ID, accountID, now)
		if err != nil {
			return err
		}
		if !ok {
			return conflict("code has already been used")
		}
		portions := models.Portions{Paid: c.PaidCredits, Bonus: c.BonusCredits}
		if _, err := s.ledger.creditTx(ctx, tx, accountID, portions, models.EntryRecharge, "redemption code", fmt.Sprintf("redeem:%d", c.ID)); err != nil {
			return err
		}
		c.Status = models.CodeUsed
		c.UsedBy = &accountID
		c.UsedAt = &now
		redeemed = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("code redeemed", "code_id", redeemed.ID, "account_id", accountID,
		"paid", redeemed.PaidCredits, "bonus", redeemed.BonusCredits)
	return redeemed, nil
}

// CreateCodes issues count fresh codes worth paid+bonus credits each.
func (s *RedemptionService) CreateCodes(ctx context.Context, count int, paid, bonus int64) ([]*models.RedemptionCode, error) {
	if count < 1 || count > maxCodesPerCall {
		return nil, invalid("count", "must be between 1 and %d", maxCodesPerCall)
	}
	if paid < 0 || bonus < 0 || paid+bonus == 0 {
		return nil, invalid("credits", "paid and bonus credits must be non-negative and not both zero")
	}

	codes := make([]*models.RedemptionCode, 0, count)
	for range count {
		c, err := s.createCode(ctx, paid, bonus)
		if err != nil {
			return codes, err
		}
		codes = append(codes, c)
	}
	s.log.Info("redemption codes created", "count", len(codes), "paid", paid, "bonus", bonus)
	return codes, nil
}

func (s *RedemptionService) createCode(ctx context.Context, paid, bonus int64) (*models.RedemptionCode, error) {
	for range codeCreateRetries {
		c := &models.RedemptionCode{
			Code:         newCode(),
			PaidCredits:  paid,
			BonusCredits: bonus,
			CreatedAt:    s.now(),
		}
		err := s.codes.Create(ctx, s.db, c)
		if errors.Is(err, repository.ErrDuplicate) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, fmt.Errorf("create redemption code: no unique code after %d attempts", codeCreateRetries)
}

func (s *RedemptionService) List(ctx context.Context, status models.CodeStatus, limit int) ([]*models.RedemptionCode, error) {
	switch status {
	case "", models.CodeUnused, models.CodeUsed:
	default:
		return nil, invalid("status", "unknown code status %q", status)
	}
	if limit <= 0 || limit > maxCodesPerCall {
		limit = maxCodesPerCall
	}
	return s.codes.List(ctx, s.db, status, limit)
}

func newCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:codeLength]
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

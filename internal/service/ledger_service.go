package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/digkill/ImageForge/internal/database"
	"github.com/digkill/ImageForge/internal/metrics"
	"github.com/digkill/ImageForge/internal/models"
	"github.com/digkill/ImageForge/internal/pricing"
	"github.com/digkill/ImageForge/internal/repository"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// PriceSource hands out the pricing snapshot an operation should use.
type PriceSource interface {
	Snapshot(ctx context.Context) (pricing.Snapshot, error)
}

type LedgerConfig struct {
	RegistrationBonus int64
	DailyReward       int64
}

// LedgerService owns every balance mutation. Each one writes the ledger
// entry and the account snapshot in the same transaction.
type LedgerService struct {
	db       *database.DB
	accounts *repository.AccountRepository
	entries  *repository.LedgerRepository
	prices   PriceSource
	cfg      LedgerConfig
	log      *slog.Logger
	now      func() time.Time
}

func NewLedgerService(db *database.DB, accounts *repository.AccountRepository, entries *repository.LedgerRepository, prices PriceSource, cfg LedgerConfig, log *slog.Logger) *LedgerService {
	return &LedgerService{
		db:       db,
		accounts: accounts,
		entries:  entries,
		prices:   prices,
		cfg:      cfg,
		log:      log,
		now:      utcNow,
	}
}

// Ensure returns the account for externalID, creating it with the
// registration bonus on first sight.
func (s *LedgerService) Ensure(ctx context.Context, externalID string) (*models.Account, bool, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, false, invalid("external_id", "must not be empty")
	}
	account, err := s.accounts.FindByExternalID(ctx, s.db, externalID)
	if err != nil {
		return nil, false, fmt.Errorf("ensure account: %w", err)
	}
	if account != nil {
		return account, false, nil
	}

	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		created, err := s.accounts.Create(ctx, tx, &models.Account{ExternalID: externalID, CreatedAt: now, UpdatedAt: now})
		if err != nil {
			return err
		}
		if s.cfg.RegistrationBonus > 0 {
			ref := fmt.Sprintf("registration:%d", created.ID)
			if _, err := s.creditTx(ctx, tx, created.ID, models.Portions{Bonus: s.cfg.RegistrationBonus}, models.EntrySystemReward, "registration bonus", ref); err != nil {
				return err
			}
		}
		account = created
		return nil
	})
	if err != nil {
		// lost a race with a concurrent first request for the same subject
		if s.db.IsUniqueViolation(err) {
			account, err = s.accounts.FindByExternalID(ctx, s.db, externalID)
			if err != nil {
				return nil, false, fmt.Errorf("ensure account: %w", err)
			}
			if account != nil {
				return account, false, nil
			}
		}
		return nil, false, fmt.Errorf("create account: %w", err)
	}
	s.log.Info("account created", "account_id", account.ID, "registration_bonus", s.cfg.RegistrationBonus)

	account, err = s.Account(ctx, account.ID)
	if err != nil {
		return nil, false, err
	}
	return account, true, nil
}

// Account loads an account by id.
func (s *LedgerService) Account(ctx context.Context, accountID int64) (*models.Account, error) {
	account, err := s.accounts.GetByID(ctx, s.db, accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, notFound("account")
	}
	return account, nil
}

func (s *LedgerService) Balance(ctx context.Context, accountID int64) (models.Balance, error) {
	account, err := s.accounts.GetByID(ctx, s.db, accountID)
	if err != nil {
		return models.Balance{}, err
	}
	if account == nil {
		return models.Balance{}, notFound("account")
	}
	return models.Balance{Paid: account.PaidBalance, Bonus: account.BonusBalance}, nil
}

// History pages ledger entries newest first.
func (s *LedgerService) History(ctx context.Context, accountID int64, limit int, beforeID int64) ([]models.LedgerEntry, error) {
	return s.entries.ListByAccount(ctx, s.db, accountID, clampLimit(limit), beforeID)
}

// Charge takes amount from the account, bonus bucket first, in its own
// transaction. A non-empty reference that was already used fails with
// errAlreadyApplied and charges nothing.
func (s *LedgerService) Charge(ctx context.Context, accountID, amount int64, kind models.EntryKind, description, reference string) (models.Portions, error) {
	var portions models.Portions
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		portions, err = s.chargeTx(ctx, tx, accountID, amount, kind, description, reference)
		return err
	})
	return portions, err
}

// Refund returns portions to the buckets they were taken from, for support
// corrections outside a job. A reference that was already used makes the call
// a no-op and it reports false.
func (s *LedgerService) Refund(ctx context.Context, accountID int64, portions models.Portions, description, reference string) (bool, error) {
	var applied bool
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		applied, err = s.creditTx(ctx, tx, accountID, portions, models.EntryRefund, description, reference)
		return err
	})
	if err == nil && applied {
		metrics.Refunds.WithLabelValues("admin").Inc()
		s.log.Info("credits refunded", "account_id", accountID, "paid", portions.Paid, "bonus", portions.Bonus, "reference", reference)
	}
	return applied, err
}

// Grant credits an account outside the charge/refund cycle: purchases,
// promotions, referral commission and admin corrections.
func (s *LedgerService) Grant(ctx context.Context, accountID int64, portions models.Portions, kind models.EntryKind, description, reference string) (bool, error) {
	switch kind {
	case models.EntryRecharge, models.EntrySystemReward, models.EntryDailyReward, models.EntryReferralReward:
	default:
		return false, invalid("kind", "%q cannot be granted", kind)
	}
	if strings.TrimSpace(description) == "" {
		return false, invalid("description", "must not be empty")
	}
	var applied bool
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		applied, err = s.creditTx(ctx, tx, accountID, portions, kind, description, reference)
		return err
	})
	if err != nil {
		return false, err
	}
	if applied {
		s.log.Info("credits granted", "account_id", accountID, "kind", kind, "paid", portions.Paid, "bonus", portions.Bonus, "reference", reference)
	}
	return applied, nil
}

// ClaimDailyReward grants the daily bonus once per UTC day.
func (s *LedgerService) ClaimDailyReward(ctx context.Context, accountID int64) (bool, error) {
	if s.cfg.DailyReward <= 0 {
		return false, invalid("", "daily reward is disabled")
	}
	ref := fmt.Sprintf("daily:%d:%s", accountID, s.now().Format("2006-01-02"))
	return s.Grant(ctx, accountID, models.Portions{Bonus: s.cfg.DailyReward}, models.EntryDailyReward, "daily reward", ref)
}

// Unlock charges the price of a one-off service unlock. Unlocking an
// already unlocked service charges nothing and reports false.
func (s *LedgerService) Unlock(ctx context.Context, accountID int64, serviceKey string) (bool, error) {
	serviceKey = strings.TrimSpace(serviceKey)
	if serviceKey == "" {
		return false, invalid("service", "must not be empty")
	}
	snap, err := s.prices.Snapshot(ctx)
	if err != nil {
		return false, fmt.Errorf("load pricing: %w", err)
	}
	price, ok := snap.Price(pricing.UnlockKey(serviceKey))
	if !ok {
		return false, invalid("service", "unknown service %q", serviceKey)
	}

	_, err = s.Charge(ctx, accountID, price, models.EntryServiceUnlock, "unlock "+serviceKey, unlockReference(accountID, serviceKey))
	if errors.Is(err, errAlreadyApplied) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *LedgerService) IsUnlocked(ctx context.Context, accountID int64, serviceKey string) (bool, error) {
	entry, err := s.entries.FindByReference(ctx, s.db, unlockReference(accountID, serviceKey))
	if err != nil {
		return false, err
	}
	return entry != nil, nil
}

func unlockReference(accountID int64, serviceKey string) string {
	return fmt.Sprintf("unlock:%d:%s", accountID, serviceKey)
}

func (s *LedgerService) SetTelegramChatID(ctx context.Context, accountID, chatID int64) error {
	account, err := s.accounts.GetByID(ctx, s.db, accountID)
	if err != nil {
		return err
	}
	if account == nil {
		return notFound("account")
	}
	return s.accounts.SetTelegramChatID(ctx, s.db, accountID, chatID, s.now())
}

// AccountByChat returns the account linked to a Telegram chat.
func (s *LedgerService) AccountByChat(ctx context.Context, chatID int64) (*models.Account, error) {
	account, err := s.accounts.FindByTelegramChatID(ctx, s.db, chatID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, notFound("linked account")
	}
	return account, nil
}

// Drift describes an account whose snapshot disagrees with its ledger.
type Drift struct {
	AccountID int64          `json:"account_id"`
	Snapshot  models.Balance `json:"snapshot"`
	Ledger    models.Balance `json:"ledger"`
}

// Reconcile compares every account's balances with the sum of its entries.
func (s *LedgerService) Reconcile(ctx context.Context) ([]Drift, error) {
	ids, err := s.accounts.ListIDs(ctx, s.db)
	if err != nil {
		return nil, err
	}
	var drifts []Drift
	for _, id := range ids {
		var d Drift
		err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
			account, err := s.accounts.GetForUpdate(ctx, tx, id)
			if err != nil || account == nil {
				return err
			}
			totals, err := s.entries.Totals(ctx, tx, id)
			if err != nil {
				return err
			}
			d = Drift{
				AccountID: id,
				Snapshot:  models.Balance{Paid: account.PaidBalance, Bonus: account.BonusBalance},
				Ledger:    totals,
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("reconcile account %d: %w", id, err)
		}
		if d.Snapshot != d.Ledger {
			s.log.Error("ledger drift", "account_id", id, "snapshot", d.Snapshot, "ledger", d.Ledger)
			drifts = append(drifts, d)
		}
	}
	return drifts, nil
}

var errAlreadyApplied = errors.New("reference already applied")

// chargeTx debits amount inside tx, bonus bucket first. With a non-empty
// reference that already exists it returns errAlreadyApplied.
func (s *LedgerService) chargeTx(ctx context.Context, tx *sql.Tx, accountID, amount int64, kind models.EntryKind, description, reference string) (models.Portions, error) {
	if amount <= 0 {
		return models.Portions{}, invalid("amount", "must be positive")
	}
	account, err := s.accounts.GetForUpdate(ctx, tx, accountID)
	if err != nil {
		return models.Portions{}, err
	}
	if account == nil {
		return models.Portions{}, notFound("account")
	}
	if account.PaidBalance+account.BonusBalance < amount {
		metrics.ChargeRejections.Inc()
		return models.Portions{}, ErrInsufficientFunds
	}

	portions := splitBonusFirst(account.BonusBalance, amount)
	now := s.now()
	entry := &models.LedgerEntry{
		AccountID:   accountID,
		Amount:      -amount,
		PaidAmount:  -portions.Paid,
		BonusAmount: -portions.Bonus,
		Kind:        kind,
		Description: description,
		Reference:   reference,
		CreatedAt:   now,
	}
	inserted, err := s.entries.Insert(ctx, tx, entry)
	if err != nil {
		return models.Portions{}, err
	}
	if !inserted {
		return models.Portions{}, errAlreadyApplied
	}
	ok, err := s.accounts.AdjustBalances(ctx, tx, accountID, -portions.Paid, -portions.Bonus, now)
	if err != nil {
		return models.Portions{}, err
	}
	if !ok {
		return models.Portions{}, ErrInsufficientFunds
	}
	metrics.Charges.WithLabelValues(string(kind)).Inc()
	return portions, nil
}

// creditTx adds portions inside tx. It reports false, writing nothing, when
// reference was already used.
func (s *LedgerService) creditTx(ctx context.Context, tx *sql.Tx, accountID int64, portions models.Portions, kind models.EntryKind, description, reference string) (bool, error) {
	if portions.Paid < 0 || portions.Bonus < 0 || portions.Total() == 0 {
		return false, invalid("amount", "credit portions must be non-negative and not both zero")
	}
	now := s.now()
	entry := &models.LedgerEntry{
		AccountID:   accountID,
		Amount:      portions.Total(),
		PaidAmount:  portions.Paid,
		BonusAmount: portions.Bonus,
		Kind:        kind,
		Description: description,
		Reference:   reference,
		CreatedAt:   now,
	}
	inserted, err := s.entries.Insert(ctx, tx, entry)
	if err != nil {
		return false, err
	}
	if !inserted {
		return false, nil
	}
	ok, err := s.accounts.AdjustBalances(ctx, tx, accountID, portions.Paid, portions.Bonus, now)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, notFound("account")
	}
	return true, nil
}

// splitBonusFirst spends the bonus bucket before the paid one.
func splitBonusFirst(bonusBalance, amount int64) models.Portions {
	bonus := min(bonusBalance, amount)
	return models.Portions{Paid: amount - bonus, Bonus: bonus}
}

package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/digkill/ImageForge/internal/database"
	"github.com/digkill/ImageForge/internal/metrics"
	"github.com/digkill/ImageForge/internal/models"
	"github.com/digkill/ImageForge/internal/repository"
)

const (
	maxReasonLength    = 1000
	minRejectNoteChars = 5
)

type ResolveAction string

const (
	ActionApprove ResolveAction = "APPROVE"
	ActionReject  ResolveAction = "REJECT"
)

// DisputeService files appeals against completed jobs and lets an admin
// settle them.
type DisputeService struct {
	db      *database.DB
	ledger  *LedgerService
	jobs    *repository.JobRepository
	appeals *repository.AppealRepository
	notify  ownerNotifier
	log     *slog.Logger
	now     func() time.Time
}

func NewDisputeService(db *database.DB, ledger *LedgerService, jobs *repository.JobRepository, appeals *repository.AppealRepository, notifier Notifier, log *slog.Logger) *DisputeService {
	return &DisputeService{
		db:      db,
		ledger:  ledger,
		jobs:    jobs,
		appeals: appeals,
		notify:  ownerNotifier{db: db, accounts: ledger.accounts, notifier: notifier, log: log},
		log:     log,
		now:     utcNow,
	}
}

// FileAppeal opens an appeal against one of the owner's completed jobs. The
// refund amount is frozen to what the job actually cost, so a discounted
// retry refunds the discounted price.
func (s *DisputeService) FileAppeal(ctx context.Context, ownerID, jobID int64, reason string) (*models.Appeal, error) {
	reason = strings.TrimSpace(reason)
	if utf8.RuneCountInString(reason) > maxReasonLength {
		return nil, invalid("reason", "must be at most %d characters", maxReasonLength)
	}
	job, err := s.jobs.GetByID(ctx, s.db, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil || job.OwnerID != ownerID {
		return nil, notFound("job")
	}
	if job.Status != models.JobCompleted {
		return nil, conflict("only completed jobs can be appealed, job %d is %s", job.ID, job.Status)
	}
	exists, err := s.appeals.ExistsForJob(ctx, s.db, job.ID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, conflict("job %d already has an appeal", job.ID)
	}

	appeal := &models.Appeal{
		JobID:        job.ID,
		OwnerID:      ownerID,
		Status:       models.AppealPending,
		Reason:       reason,
		RefundAmount: job.Charged.Total(),
		CreatedAt:    s.now(),
	}
	if err := s.appeals.Create(ctx, s.db, appeal); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, conflict("job %d already has an appeal", job.ID)
		}
		return nil, err
	}
	s.log.Info("appeal filed", "appeal_id", appeal.ID, "job_id", job.ID, "account_id", ownerID, "refund_amount", appeal.RefundAmount)
	return appeal, nil
}

// Resolve settles a PENDING appeal. Approval credits the refund amount to
// the paid bucket in the same transaction as the status change.
func (s *DisputeService) Resolve(ctx context.Context, appealID int64, action ResolveAction, note string) (*models.Appeal, error) {
	note = strings.TrimSpace(note)
	var status models.AppealStatus
	switch action {
	case ActionApprove:
		status = models.AppealApproved
	case ActionReject:
		status = models.AppealRejected
		if utf8.RuneCountInString(strings.Join(strings.Fields(note), "")) < minRejectNoteChars {
			return nil, invalid("admin_note", "a rejection needs a note of at least %d characters", minRejectNoteChars)
		}
	default:
		return nil, invalid("action", "must be APPROVE or REJECT")
	}

	var appeal *models.Appeal
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		appeal, err = s.appeals.GetForUpdate(ctx, tx, appealID)
		if err != nil {
			return err
		}
		if appeal == nil {
			return notFound("appeal")
		}
		if appeal.Status != models.AppealPending {
			return conflict("appeal %d is already %s", appeal.ID, appeal.Status)
		}
		now := s.now()
		ok, err := s.appeals.Resolve(ctx, tx, appeal.ID, status, note, now)
		if err != nil {
			return err
		}
		if !ok {
			return conflict("appeal %d is already resolved", appeal.ID)
		}
		appeal.Status = status
		appeal.AdminNote = note
		appeal.ResolvedAt = &now

		if status != models.AppealApproved || appeal.RefundAmount <= 0 {
			return nil
		}
		ref := fmt.Sprintf("appeal:%d:refund", appeal.ID)
		applied, err := s.ledger.creditTx(ctx, tx, appeal.OwnerID, models.Portions{Paid: appeal.RefundAmount}, models.EntryRefund, "appeal refund", ref)
		if err != nil {
			return err
		}
		if !applied {
			return conflict("appeal %d was already paid out", appeal.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("appeal resolved", "appeal_id", appeal.ID, "job_id", appeal.JobID, "status", appeal.Status, "refund_amount", appeal.RefundAmount)
	var text string
	if appeal.Status == models.AppealApproved {
		metrics.Refunds.WithLabelValues("appeal").Inc()
		text = fmt.Sprintf("Your appeal for job #%d was approved. %d credits were returned.", appeal.JobID, appeal.RefundAmount)
	} else {
		text = fmt.Sprintf("Your appeal for job #%d was rejected: %s", appeal.JobID, appeal.AdminNote)
	}
	s.notify.notify(ctx, appeal.OwnerID, text)
	return appeal, nil
}

func (s *DisputeService) List(ctx context.Context, ownerID int64) ([]*models.Appeal, error) {
	return s.appeals.ListByOwner(ctx, s.db, ownerID)
}

// ListByStatus is the admin view; an empty status lists every appeal.
func (s *DisputeService) ListByStatus(ctx context.Context, status models.AppealStatus) ([]*models.Appeal, error) {
	switch status {
	case "", models.AppealPending, models.AppealApproved, models.AppealRejected:
	default:
		return nil, invalid("status", "unknown appeal status %q", status)
	}
	return s.appeals.ListByStatus(ctx, s.db, status)
}

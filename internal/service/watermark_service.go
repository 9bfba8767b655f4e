package service

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/digkill/ImageForge/internal/database"
	"github.com/digkill/ImageForge/internal/metrics"
	"github.com/digkill/ImageForge/internal/models"
	"github.com/digkill/ImageForge/internal/pricing"
	"github.com/digkill/ImageForge/internal/repository"
	"github.com/digkill/ImageForge/internal/storage"
)

type WatermarkConfig struct {
	MaxBatch   int
	StaleAfter time.Duration
}

// WatermarkService owns the watermark-removal backlog: batch submission,
// claiming for the worker pool and settling claimed tasks.
type WatermarkService struct {
	db     *database.DB
	ledger *LedgerService
	tasks  *repository.WatermarkRepository
	prices PriceSource
	waker  Waker
	notify ownerNotifier
	cfg    WatermarkConfig
	log    *slog.Logger
	now    func() time.Time
}

func NewWatermarkService(db *database.DB, ledger *LedgerService, tasks *repository.WatermarkRepository, prices PriceSource, notifier Notifier, cfg WatermarkConfig, log *slog.Logger) *WatermarkService {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 20
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	return &WatermarkService{
		db:     db,
		ledger: ledger,
		tasks:  tasks,
		prices: prices,
		waker:  nopWaker{},
		notify: ownerNotifier{db: db, accounts: ledger.accounts, notifier: notifier, log: log},
		cfg:    cfg,
		log:    log,
		now:    utcNow,
	}
}

// SetWaker wires the queue trigger. Submissions before this call only wait
// for the next scheduler tick.
func (s *WatermarkService) SetWaker(w Waker) {
	if w != nil {
		s.waker = w
	}
}

// Submit charges unitCost × len(refs) once and queues one task per
// reference. Each task records its own share of the charge, bonus first,
// so a failed task can be refunded on its own.
func (s *WatermarkService) Submit(ctx context.Context, ownerID int64, refs []string) ([]*models.WatermarkTask, error) {
	if len(refs) == 0 {
		return nil, invalid("refs", "at least one asset is required")
	}
	if len(refs) > s.cfg.MaxBatch {
		return nil, invalid("refs", "at most %d assets per batch", s.cfg.MaxBatch)
	}
	for _, ref := range refs {
		if err := storage.ValidateRef(ref); err != nil {
			return nil, invalid("refs", "%v", err)
		}
	}

	snap, err := s.prices.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("load pricing: %w", err)
	}
	unit, ok := snap.Price(pricing.KeyWatermark)
	if !ok {
		return nil, fmt.Errorf("pricing version %d has no %q price", snap.Version, pricing.KeyWatermark)
	}

	batchID := uuid.NewString()
	var tasks []*models.WatermarkTask
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		total := unit * int64(len(refs))
		charged, err := s.ledger.chargeTx(ctx, tx, ownerID, total, models.EntryConsume,
			fmt.Sprintf("watermark removal x%d", len(refs)), "")
		if err != nil {
			return err
		}
		now := s.now()
		tasks = make([]*models.WatermarkTask, 0, len(refs))
		bonusLeft := charged.Bonus
		for _, ref := range refs {
			bonus := min(bonusLeft, unit)
			bonusLeft -= bonus
			tasks = append(tasks, &models.WatermarkTask{
				OwnerID:     ownerID,
				BatchID:     batchID,
				OriginalRef: ref,
				Status:      models.TaskPending,
				Charged:     models.Portions{Paid: unit - bonus, Bonus: bonus},
				CreatedAt:   now,
				UpdatedAt:   now,
			})
		}
		return s.tasks.CreateBatch(ctx, tx, tasks)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("watermark batch queued", "batch_id", batchID, "account_id", ownerID, "tasks", len(tasks),
		"pricing_version", snap.Version)
	s.waker.Wake()
	return tasks, nil
}

func (s *WatermarkService) History(ctx context.Context, ownerID int64, limit int) ([]*models.WatermarkTask, error) {
	limit = clampLimit(limit)
	return s.tasks.ListByOwner(ctx, s.db, ownerID, limit)
}

func (s *WatermarkService) QueueStatus(ctx context.Context, ownerID int64) (models.QueueStatus, error) {
	return s.tasks.QueueStatus(ctx, s.db, ownerID)
}

// ClaimNext hands the oldest PENDING task to a worker, or nil when the queue is empty.
func (s *WatermarkService) ClaimNext(ctx context.Context) (*models.WatermarkTask, error) {
	var task *models.WatermarkTask
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		task, err = s.tasks.ClaimNext(ctx, tx, s.now())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("claim watermark task: %w", err)
	}
	return task, nil
}

func (s *WatermarkService) CompleteTask(ctx context.Context, task *models.WatermarkTask, resultRef string) error {
	ok, err := s.tasks.Complete(ctx, s.db, task.ID, resultRef, s.now())
	if err != nil {
		return err
	}
	if !ok {
		s.log.Warn("watermark task no longer processing", "task_id", task.ID)
		return nil
	}
	metrics.WatermarkTasks.WithLabelValues(string(models.TaskCompleted)).Inc()
	s.log.Info("watermark task completed", "task_id", task.ID, "account_id", task.OwnerID)
	s.notify.notify(ctx, task.OwnerID, fmt.Sprintf("Watermark removal #%d is done.", task.ID))
	return nil
}

// FailTask marks the task FAILED and returns its share of the batch charge
// in the same transaction.
func (s *WatermarkService) FailTask(ctx context.Context, task *models.WatermarkTask, message string) error {
	message = truncate(message, maxErrorMessage)
	var failed bool
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		ok, err := s.tasks.Fail(ctx, tx, task.ID, message, s.now())
		if err != nil || !ok {
			return err
		}
		failed = true
		if task.Charged.Total() == 0 {
			return nil
		}
		ref := fmt.Sprintf("watermark:%d:refund", task.ID)
		_, err = s.ledger.creditTx(ctx, tx, task.OwnerID, task.Charged, models.EntryRefund, "watermark failure refund", ref)
		return err
	})
	if err != nil {
		metrics.RefundFailures.Inc()
		s.log.Error("refund failed watermark task", "task_id", task.ID, "account_id", task.OwnerID,
			"paid", task.Charged.Paid, "bonus", task.Charged.Bonus, "reconcile", true, "err", err)
		return err
	}
	if !failed {
		return nil
	}
	metrics.WatermarkTasks.WithLabelValues(string(models.TaskFailed)).Inc()
	metrics.Refunds.WithLabelValues("watermark_failure").Inc()
	s.log.Info("watermark task failed and refunded", "task_id", task.ID, "account_id", task.OwnerID, "reason", message)
	s.notify.notify(ctx, task.OwnerID, fmt.Sprintf("Watermark removal #%d failed. %d credits were returned.", task.ID, task.Charged.Total()))
	return nil
}

// RequeueStale puts PROCESSING tasks abandoned by a dead worker back in line.
func (s *WatermarkService) RequeueStale(ctx context.Context) (int64, error) {
	now := s.now()
	n, err := s.tasks.RequeueStale(ctx, s.db, now.Add(-s.cfg.StaleAfter), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Warn("requeued stale watermark tasks", "count", n)
	}
	return n, nil
}

func (s *WatermarkService) PendingCount(ctx context.Context) (int, error) {
	return s.tasks.CountByStatus(ctx, s.db, models.TaskPending)
}

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

	"github.com/google/uuid"

	"github.com/digkill/ImageForge/internal/database"
	"github.com/digkill/ImageForge/internal/fulfillment"
	"github.com/digkill/ImageForge/internal/metrics"
	"github.com/digkill/ImageForge/internal/models"
	"github.com/digkill/ImageForge/internal/pricing"
	"github.com/digkill/ImageForge/internal/repository"
	"github.com/digkill/ImageForge/internal/storage"
)

const (
	maxPromptLength = 4000
	maxInputRefs    = 8
	maxParams       = 16
	maxErrorMessage = 500
	finalizeTimeout = 30 * time.Second
	sweepBatchSize  = 100
)

type JobConfig struct {
	// Timeout bounds a single fulfillment call.
	Timeout time.Duration
	// LeaseTTL is how long an in-place edit holds its output slot.
	LeaseTTL time.Duration
	// Grace is added to Timeout before the sweep treats a PENDING job as abandoned.
	Grace time.Duration
}

type SubmitRequest struct {
	Prompt    string            `json:"prompt"`
	Params    map[string]string `json:"params,omitempty"`
	InputRefs []string          `json:"input_refs,omitempty"`
	RetryOf   *int64            `json:"retry_of,omitempty"`
}

type EditRequest struct {
	Prompt      string            `json:"prompt"`
	Params      map[string]string `json:"params,omitempty"`
	TargetIndex int               `json:"target_index"`
}

// JobOutcome is a settled job plus the balance after settlement.
type JobOutcome struct {
	Job     *models.Job    `json:"job"`
	Balance models.Balance `json:"balance"`
}

// JobService runs the charge, dispatch, settle cycle for generation and
// in-place edit jobs.
type JobService struct {
	db        *database.DB
	ledger    *LedgerService
	jobs      *repository.JobRepository
	leases    *repository.LeaseRepository
	prices    PriceSource
	fulfiller fulfillment.Fulfiller
	notify    ownerNotifier
	cfg       JobConfig
	log       *slog.Logger
	now       func() time.Time
}

func NewJobService(db *database.DB, ledger *LedgerService, jobs *repository.JobRepository, leases *repository.LeaseRepository, prices PriceSource, fulfiller fulfillment.Fulfiller, notifier Notifier, cfg JobConfig, log *slog.Logger) *JobService {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.Grace <= 0 {
		cfg.Grace = time.Minute
	}
	if cfg.LeaseTTL < cfg.Timeout+cfg.Grace {
		cfg.LeaseTTL = cfg.Timeout + cfg.Grace
	}
	return &JobService{
		db:        db,
		ledger:    ledger,
		jobs:      jobs,
		leases:    leases,
		prices:    prices,
		fulfiller: fulfiller,
		notify:    ownerNotifier{db: db, accounts: ledger.accounts, notifier: notifier, log: log},
		cfg:       cfg,
		log:       log,
		now:       utcNow,
	}
}

// Submit charges a generation, dispatches it and blocks until it settles.
// A failed job is refunded before the error is returned.
func (s *JobService) Submit(ctx context.Context, ownerID int64, req SubmitRequest) (*JobOutcome, error) {
	prompt, err := validatePrompt(req.Prompt)
	if err != nil {
		return nil, err
	}
	if err := validateParams(req.Params); err != nil {
		return nil, err
	}
	if len(req.InputRefs) > maxInputRefs {
		return nil, invalid("input_refs", "at most %d references allowed", maxInputRefs)
	}
	for _, ref := range req.InputRefs {
		if err := storage.ValidateRef(ref); err != nil {
			return nil, invalid("input_refs", "%v", err)
		}
	}

	snap, err := s.prices.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("load pricing: %w", err)
	}
	price, ok := snap.Price(pricing.KeyGeneration)
	if !ok {
		return nil, fmt.Errorf("pricing version %d has no %q price", snap.Version, pricing.KeyGeneration)
	}
	if req.RetryOf != nil {
		if err := s.checkRetryParent(ctx, s.db, ownerID, *req.RetryOf); err != nil {
			return nil, err
		}
		if retryPrice, ok := snap.Price(pricing.RetryKey(pricing.KeyGeneration)); ok {
			price = retryPrice
		}
	}

	job := &models.Job{
		OwnerID:   ownerID,
		Kind:      models.JobGenerate,
		Status:    models.JobPending,
		Prompt:    prompt,
		Params:    req.Params,
		InputRefs: req.InputRefs,
		RetryOf:   req.RetryOf,
	}
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if req.RetryOf != nil {
			if err := s.checkRetryParent(ctx, tx, ownerID, *req.RetryOf); err != nil {
				return err
			}
		}
		charged, err := s.ledger.chargeTx(ctx, tx, ownerID, price, models.EntryConsume, "image generation", "")
		if err != nil {
			return err
		}
		now := s.now()
		job.Charged = charged
		job.CreatedAt, job.UpdatedAt = now, now
		return s.jobs.Create(ctx, tx, job)
	})
	if err != nil {
		if req.RetryOf != nil && s.db.IsUniqueViolation(err) {
			return nil, conflict("job %d was already retried", *req.RetryOf)
		}
		return nil, err
	}
	s.log.Info("job submitted", "job_id", job.ID, "account_id", ownerID, "kind", job.Kind,
		"pricing_version", snap.Version, "paid", job.Charged.Paid, "bonus", job.Charged.Bonus)

	return s.run(ctx, job, fulfillment.Request{
		Kind:      fulfillment.KindGenerate,
		OwnerID:   ownerID,
		Prompt:    prompt,
		InputRefs: req.InputRefs,
		Params:    req.Params,
	})
}

// checkRetryParent allows one discounted retry per generation, and only for a
// generation that failed or whose appeal was approved.
func (s *JobService) checkRetryParent(ctx context.Context, q database.Querier, ownerID, parentID int64) error {
	parent, err := s.jobs.GetByID(ctx, q, parentID)
	if err != nil {
		return err
	}
	if parent == nil || parent.OwnerID != ownerID {
		return notFound("job")
	}
	if parent.Kind != models.JobGenerate {
		return conflict("job %d is not a generation", parent.ID)
	}
	switch parent.Status {
	case models.JobFailed:
	case models.JobCompleted:
		approved, err := s.jobs.HasApprovedAppeal(ctx, q, parent.ID)
		if err != nil {
			return err
		}
		if !approved {
			return conflict("job %d completed without an approved appeal", parent.ID)
		}
	default:
		return conflict("job %d is %s", parent.ID, parent.Status)
	}
	retried, err := s.jobs.HasRetry(ctx, q, parent.ID)
	if err != nil {
		return err
	}
	if retried {
		return conflict("job %d was already retried", parent.ID)
	}
	return nil
}

// Edit re-renders one output of a completed job in place. The output slot is
// leased to the edit job until it settles; a second edit of the same slot
// fails with ErrLeaseBusy without being charged.
func (s *JobService) Edit(ctx context.Context, ownerID, parentID int64, req EditRequest) (*JobOutcome, error) {
	prompt, err := validatePrompt(req.Prompt)
	if err != nil {
		return nil, err
	}
	if err := validateParams(req.Params); err != nil {
		return nil, err
	}
	parent, err := s.jobs.GetByID(ctx, s.db, parentID)
	if err != nil {
		return nil, err
	}
	if parent == nil || parent.OwnerID != ownerID {
		return nil, notFound("job")
	}
	if parent.Status != models.JobCompleted {
		return nil, conflict("job %d is %s", parent.ID, parent.Status)
	}
	if req.TargetIndex < 0 || req.TargetIndex >= len(parent.Outputs) {
		return nil, invalid("target_index", "must be between 0 and %d", len(parent.Outputs)-1)
	}

	snap, err := s.prices.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("load pricing: %w", err)
	}
	price, ok := snap.Price(pricing.KeyEdit)
	if !ok {
		return nil, fmt.Errorf("pricing version %d has no %q price", snap.Version, pricing.KeyEdit)
	}

	source := parent.Outputs[req.TargetIndex]
	index := req.TargetIndex
	job := &models.Job{
		OwnerID:     ownerID,
		Kind:        models.JobEdit,
		Status:      models.JobPending,
		Prompt:      prompt,
		Params:      req.Params,
		InputRefs:   []string{source},
		ParentJobID: &parent.ID,
		TargetIndex: &index,
	}
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		held, err := s.leases.IsHeld(ctx, tx, parent.ID, index, now)
		if err != nil {
			return err
		}
		if held {
			return ErrLeaseBusy
		}
		charged, err := s.ledger.chargeTx(ctx, tx, ownerID, price, models.EntryConsume, "image edit", "")
		if err != nil {
			return err
		}
		job.Charged = charged
		job.CreatedAt, job.UpdatedAt = now, now
		if err := s.jobs.Create(ctx, tx, job); err != nil {
			return err
		}
		acquired, err := s.leases.Acquire(ctx, tx, parent.ID, index, job.ID, now.Add(s.cfg.LeaseTTL), now)
		if err != nil {
			return err
		}
		if !acquired {
			return ErrLeaseBusy
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("edit submitted", "job_id", job.ID, "parent_job_id", parent.ID, "target_index", index,
		"account_id", ownerID, "paid", job.Charged.Paid, "bonus", job.Charged.Bonus)

	return s.run(ctx, job, fulfillment.Request{
		Kind:      fulfillment.KindEdit,
		OwnerID:   ownerID,
		Prompt:    prompt,
		InputRefs: []string{source},
		Params:    req.Params,
	})
}

// run dispatches a freshly charged job and settles it. Settlement uses a
// context detached from the caller so a dropped request still gets refunded.
func (s *JobService) run(ctx context.Context, job *models.Job, req fulfillment.Request) (*JobOutcome, error) {
	req.CorrelationID = uuid.NewString()

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	started := time.Now()
	result, err := s.fulfiller.Fulfill(callCtx, req)
	cancel()
	if err == nil && (result == nil || len(result.Outputs) == 0) {
		err = fmt.Errorf("%w: no outputs", fulfillment.ErrMalformed)
	}

	settleCtx, settleCancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer settleCancel()

	if err != nil {
		metrics.FulfillmentLatency.WithLabelValues(string(req.Kind), "error").Observe(time.Since(started).Seconds())
		s.log.Warn("fulfillment failed", "job_id", job.ID, "correlation_id", req.CorrelationID, "err", err)
		refunded, ferr := s.failJob(settleCtx, job, err.Error())
		if ferr != nil {
			return nil, &FulfillmentError{JobID: job.ID, Err: errors.Join(err, ferr)}
		}
		return nil, &FulfillmentError{JobID: job.ID, Refunded: refunded, Err: err}
	}
	metrics.FulfillmentLatency.WithLabelValues(string(req.Kind), "ok").Observe(time.Since(started).Seconds())

	settled, err := s.completeJob(settleCtx, job, result.Outputs)
	if err != nil {
		s.log.Error("complete job", "job_id", job.ID, "err", err)
		return nil, fmt.Errorf("complete job %d: %w", job.ID, err)
	}
	if !settled {
		// the recovery sweep got there first and refunded it
		return nil, &FulfillmentError{JobID: job.ID, Refunded: true, Err: errors.New("job expired before completion")}
	}

	stored, err := s.jobs.GetByID(settleCtx, s.db, job.ID)
	if err != nil {
		return nil, err
	}
	balance, err := s.ledger.Balance(settleCtx, job.OwnerID)
	if err != nil {
		return nil, err
	}
	return &JobOutcome{Job: stored, Balance: balance}, nil
}

// completeJob records the outputs. For an edit it also writes the new output
// into the parent job and releases the lease. It reports false when the job
// had already left PENDING.
func (s *JobService) completeJob(ctx context.Context, job *models.Job, outputs []string) (bool, error) {
	var settled bool
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		if job.Kind == models.JobEdit {
			outputs = outputs[:1]
		}
		ok, err := s.jobs.Complete(ctx, tx, job.ID, outputs, now)
		if err != nil || !ok {
			return err
		}
		if job.Kind == models.JobEdit {
			if err := s.jobs.ReplaceOutput(ctx, tx, *job.ParentJobID, *job.TargetIndex, outputs[0], now); err != nil {
				return err
			}
			if err := s.leases.Release(ctx, tx, *job.ParentJobID, *job.TargetIndex, job.ID); err != nil {
				return err
			}
		}
		settled = true
		return nil
	})
	if err != nil || !settled {
		return false, err
	}

	metrics.Jobs.WithLabelValues(string(job.Kind), string(models.JobCompleted)).Inc()
	s.log.Info("job completed", "job_id", job.ID, "kind", job.Kind, "outputs", len(outputs))
	s.notify.notify(ctx, job.OwnerID, fmt.Sprintf("Job #%d is ready.", job.ID))
	return true, nil
}

// failJob moves the job to FAILED and refunds its charge in one transaction.
// Only the caller that wins the PENDING -> FAILED transition refunds; any
// other call is a no-op. It reports whether the job's credits are back with
// the owner.
func (s *JobService) failJob(ctx context.Context, job *models.Job, message string) (bool, error) {
	message = truncate(message, maxErrorMessage)
	var (
		transitioned bool
		refunded     bool
	)
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		ok, err := s.jobs.Fail(ctx, tx, job.ID, message, s.now())
		if err != nil {
			return err
		}
		if !ok {
			current, err := s.jobs.GetByID(ctx, tx, job.ID)
			if err != nil {
				return err
			}
			// refund and FAILED are written together
			refunded = current != nil && current.Status == models.JobFailed
			return nil
		}
		transitioned = true
		if job.Kind == models.JobEdit && job.ParentJobID != nil && job.TargetIndex != nil {
			if err := s.leases.Release(ctx, tx, *job.ParentJobID, *job.TargetIndex, job.ID); err != nil {
				return err
			}
		}
		if job.Charged.Total() == 0 {
			refunded = true
			return nil
		}
		ref := fmt.Sprintf("job:%d:refund", job.ID)
		desc := strings.ToLower(string(job.Kind)) + " failure refund"
		if _, err := s.ledger.creditTx(ctx, tx, job.OwnerID, job.Charged, models.EntryRefund, desc, ref); err != nil {
			return err
		}
		refunded = true
		return nil
	})
	if err != nil {
		// the job stays PENDING and the recovery sweep retries the refund
		metrics.RefundFailures.Inc()
		s.log.Error("refund failed job", "job_id", job.ID, "account_id", job.OwnerID,
			"paid", job.Charged.Paid, "bonus", job.Charged.Bonus, "reconcile", true, "err", err)
		return false, err
	}
	if !transitioned {
		return refunded, nil
	}

	metrics.Jobs.WithLabelValues(string(job.Kind), string(models.JobFailed)).Inc()
	metrics.Refunds.WithLabelValues("job_failure").Inc()
	s.log.Info("job failed and refunded", "job_id", job.ID, "account_id", job.OwnerID,
		"paid", job.Charged.Paid, "bonus", job.Charged.Bonus, "reason", message)
	s.notify.notify(ctx, job.OwnerID, fmt.Sprintf("Job #%d failed. %d credits were returned to your balance.", job.ID, job.Charged.Total()))
	return refunded, nil
}

// Get returns one of the owner's jobs with its live editing marks.
func (s *JobService) Get(ctx context.Context, ownerID, jobID int64) (*models.Job, error) {
	job, err := s.jobs.GetByID(ctx, s.db, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil || job.OwnerID != ownerID {
		return nil, notFound("job")
	}
	marks, err := s.leases.LiveByOwner(ctx, s.db, ownerID, s.now())
	if err != nil {
		return nil, err
	}
	if m, ok := marks[job.ID]; ok {
		job.EditingMarks = m
	}
	return job, nil
}

// List returns the owner's jobs newest first.
func (s *JobService) List(ctx context.Context, ownerID int64, limit int) ([]*models.Job, error) {
	limit = clampLimit(limit)
	jobs, err := s.jobs.ListByOwner(ctx, s.db, ownerID, limit)
	if err != nil {
		return nil, err
	}
	marks, err := s.leases.LiveByOwner(ctx, s.db, ownerID, s.now())
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		if m, ok := marks[job.ID]; ok {
			job.EditingMarks = m
		}
	}
	return jobs, nil
}

// SweepStale fails and refunds jobs whose dispatch outlived its deadline,
// which only happens when the process died mid-call.
func (s *JobService) SweepStale(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-(s.cfg.Timeout + s.cfg.Grace))
	stale, err := s.jobs.ListStalePending(ctx, s.db, cutoff, sweepBatchSize)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, job := range stale {
		if _, err := s.failJob(ctx, job, "fulfillment did not settle before the deadline"); err != nil {
			continue
		}
		swept++
	}
	if swept > 0 {
		s.log.Warn("swept abandoned jobs", "count", swept)
	}
	return swept, nil
}

func validatePrompt(prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", invalid("prompt", "must not be empty")
	}
	if utf8.RuneCountInString(prompt) > maxPromptLength {
		return "", invalid("prompt", "must be at most %d characters", maxPromptLength)
	}
	return prompt, nil
}

func validateParams(params map[string]string) error {
	if len(params) > maxParams {
		return invalid("params", "at most %d parameters allowed", maxParams)
	}
	for k := range params {
		if strings.TrimSpace(k) == "" {
			return invalid("params", "parameter names must not be empty")
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

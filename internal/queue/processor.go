package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/digkill/ImageForge/internal/fulfillment"
	"github.com/digkill/ImageForge/internal/metrics"
	"github.com/digkill/ImageForge/internal/models"
)

// TaskQueue is the durable backlog the processor drains.
type TaskQueue interface {
	ClaimNext(ctx context.Context) (*models.WatermarkTask, error)
	CompleteTask(ctx context.Context, task *models.WatermarkTask, resultRef string) error
	FailTask(ctx context.Context, task *models.WatermarkTask, message string) error
	RequeueStale(ctx context.Context) (int64, error)
	PendingCount(ctx context.Context) (int, error)
}

// Sweeper recovers work abandoned by a crashed process. It runs on every tick.
type Sweeper interface {
	SweepStale(ctx context.Context) (int, error)
}

type Config struct {
	Concurrency int
	Tick        time.Duration
	TaskTimeout time.Duration
}

// Processor drains the watermark queue in FIFO order with at most
// Concurrency tasks in flight.
type Processor struct {
	queue     TaskQueue
	sweepers  []Sweeper
	fulfiller fulfillment.Fulfiller
	trigger   *Trigger
	sem       *semaphore.Weighted
	cfg       Config
	log       *slog.Logger
	wg        sync.WaitGroup
}

func NewProcessor(queue TaskQueue, fulfiller fulfillment.Fulfiller, trigger *Trigger, cfg Config, log *slog.Logger, sweepers ...Sweeper) *Processor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 5 * time.Second
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 5 * time.Minute
	}
	return &Processor{
		queue:     queue,
		sweepers:  sweepers,
		fulfiller: fulfiller,
		trigger:   trigger,
		sem:       semaphore.NewWeighted(int64(cfg.Concurrency)),
		cfg:       cfg,
		log:       log,
	}
}

// Run drains on every trigger and tick until ctx is cancelled, then waits
// for in-flight tasks to return.
func (p *Processor) Run(ctx context.Context) error {
	p.log.Info("queue processor started", "concurrency", p.cfg.Concurrency, "tick", p.cfg.Tick.String())
	ticker := time.NewTicker(p.cfg.Tick)
	defer ticker.Stop()

	p.tick(ctx)
	p.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			p.log.Info("queue processor stopped")
			return nil
		case <-p.trigger.C():
			p.drain(ctx)
		case <-ticker.C:
			p.tick(ctx)
			p.drain(ctx)
		}
	}
}

// drain claims tasks oldest first while the pool has room. Claims happen on
// this goroutine only, so start order follows queue order.
func (p *Processor) drain(ctx context.Context) {
	for ctx.Err() == nil {
		if !p.sem.TryAcquire(1) {
			return
		}
		task, err := p.queue.ClaimNext(ctx)
		if err != nil || task == nil {
			p.sem.Release(1)
			if err != nil && ctx.Err() == nil {
				p.log.Error("claim watermark task", "err", err)
			}
			return
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.process(ctx, task)
			p.sem.Release(1)
			// a slot is free again
			p.trigger.poke()
		}()
	}
}

func (p *Processor) process(ctx context.Context, task *models.WatermarkTask) {
	correlationID := uuid.NewString()
	log := p.log.With("task_id", task.ID, "account_id", task.OwnerID, "correlation_id", correlationID)

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
	started := time.Now()
	res, err := p.fulfiller.Fulfill(callCtx, fulfillment.Request{
		Kind:          fulfillment.KindWatermark,
		OwnerID:       task.OwnerID,
		InputRefs:     []string{task.OriginalRef},
		CorrelationID: correlationID,
	})
	cancel()
	if err == nil && (res == nil || len(res.Outputs) == 0) {
		err = fmt.Errorf("%w: no outputs", fulfillment.ErrMalformed)
	}

	if err != nil && ctx.Err() != nil {
		// shutting down; the stale sweep puts the task back in line
		log.Warn("watermark task interrupted by shutdown")
		return
	}

	settleCtx, settleCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer settleCancel()

	if err != nil {
		metrics.FulfillmentLatency.WithLabelValues(string(fulfillment.KindWatermark), "error").Observe(time.Since(started).Seconds())
		log.Warn("watermark task failed", "err", err)
		if ferr := p.queue.FailTask(settleCtx, task, err.Error()); ferr != nil {
			log.Error("record watermark failure", "err", ferr)
		}
		return
	}
	metrics.FulfillmentLatency.WithLabelValues(string(fulfillment.KindWatermark), "ok").Observe(time.Since(started).Seconds())
	if err := p.queue.CompleteTask(settleCtx, task, res.Outputs[0]); err != nil {
		log.Error("record watermark result", "err", err)
	}
}

// tick runs the periodic housekeeping that replaces wake-on-poll.
func (p *Processor) tick(ctx context.Context) {
	if _, err := p.queue.RequeueStale(ctx); err != nil && !errors.Is(err, context.Canceled) {
		p.log.Error("requeue stale watermark tasks", "err", err)
	}
	for _, s := range p.sweepers {
		if _, err := s.SweepStale(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.log.Error("sweep stale jobs", "err", err)
		}
	}
	n, err := p.queue.PendingCount(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.log.Error("count pending watermark tasks", "err", err)
		}
		return
	}
	metrics.QueueDepth.Set(float64(n))
}

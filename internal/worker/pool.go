package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"crm-workflow-engine/internal/models"
	"crm-workflow-engine/internal/queue"
	"crm-workflow-engine/internal/telemetry"
)

// Options tunes the pool; zero values fall back to the documented defaults.
type Options struct {
	Concurrency    int           // default 2
	PollInterval   time.Duration // default 1s
	ReaperInterval time.Duration // default 60s
	WorkerIDPrefix string        // default "worker"
}

// Pool runs N independent polling loops that claim jobs one at a time and
// dispatch them to registered handlers, plus one reaper loop that reclaims
// jobs abandoned by crashed workers.
type Pool struct {
	queue          *queue.Service
	registry       *Registry
	concurrency    int
	pollInterval   time.Duration
	reaperInterval time.Duration
	idPrefix       string
	log            *zap.Logger
}

func NewPool(q *queue.Service, registry *Registry, opts Options, log *zap.Logger) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.ReaperInterval <= 0 {
		opts.ReaperInterval = time.Minute
	}
	if opts.WorkerIDPrefix == "" {
		opts.WorkerIDPrefix = "worker"
	}
	return &Pool{
		queue:          q,
		registry:       registry,
		concurrency:    opts.Concurrency,
		pollInterval:   opts.PollInterval,
		reaperInterval: opts.ReaperInterval,
		idPrefix:       opts.WorkerIDPrefix,
		log:            log.Named("worker"),
	}
}

// Run starts the worker and reaper loops and blocks until ctx is cancelled
// and every loop has finished its current unit of work. No claimed job is
// abandoned by a graceful shutdown; a crash is recovered later by the
// reaper.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		workerID := fmt.Sprintf("%s-%d", p.idPrefix, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.workerLoop(ctx, workerID)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.reaperLoop(ctx)
	}()

	wg.Wait()
	return ctx.Err()
}

func (p *Pool) workerLoop(ctx context.Context, workerID string) {
	log := p.log.With(zap.String("worker_id", workerID))
	log.Info("worker loop started")
	for {
		select {
		case <-ctx.Done():
			log.Info("worker loop stopped")
			return
		default:
		}

		job, err := p.queue.ClaimNext(ctx, workerID)
		if err != nil {
			log.Warn("claim failed", zap.Error(err))
			sleep(ctx, p.pollInterval)
			continue
		}
		if job == nil {
			sleep(ctx, p.pollInterval)
			continue
		}
		p.dispatch(ctx, log, *job)
	}
}

// dispatch runs one claimed job through its handler and reports the outcome
// back to the queue. No store lock is held while the handler executes.
func (p *Pool) dispatch(ctx context.Context, log *zap.Logger, job models.Job) {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	// Outcome writes run on a cancellation-detached context: shutdown
	// arriving mid-handler must not strand the claim in running, where it
	// would sit until the reaper reclaims it and the handler runs again.
	outcomeCtx := context.WithoutCancel(ctx)

	handler, ok := p.registry.Get(job.Type)
	if !ok {
		// A misconfiguration, but it takes the normal retry path so it
		// self-heals if the handler ships later, and dead-letters if not.
		log.Warn("no handler registered", zap.String("job_type", job.Type), zap.String("job_id", job.ID))
		if err := p.queue.Fail(outcomeCtx, job, fmt.Errorf("no handler registered for job type %q", job.Type)); err != nil {
			log.Error("record failure", zap.String("job_id", job.ID), zap.Error(err))
		}
		return
	}

	err := runHandler(ctx, handler, job)
	if err == nil {
		if err := p.queue.Complete(outcomeCtx, job.ID); err != nil {
			log.Error("record completion", zap.String("job_id", job.ID), zap.Error(err))
		}
		return
	}

	log.Warn("handler failed",
		zap.String("job_id", job.ID),
		zap.String("job_type", job.Type),
		zap.String("tenant_id", job.TenantID),
		zap.Int("attempts", job.Attempts),
		zap.Error(err))
	if ferr := p.queue.Fail(outcomeCtx, job, err); ferr != nil {
		log.Error("record failure", zap.String("job_id", job.ID), zap.Error(ferr))
	}
}

// runHandler converts a handler panic into an ordinary job failure so one
// bad payload cannot take down a worker loop.
func runHandler(ctx context.Context, h Handler, job models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, job)
}

func (p *Pool) reaperLoop(ctx context.Context) {
	ticker := time.NewTicker(p.reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.queue.ReaperSweep(ctx); err != nil {
				p.log.Error("reaper sweep failed", zap.Error(err))
			}
			if depth, err := p.queue.PendingDepth(ctx); err == nil {
				telemetry.PendingGauge.Set(float64(depth))
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

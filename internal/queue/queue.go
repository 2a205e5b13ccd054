package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"crm-workflow-engine/internal/events"
	"crm-workflow-engine/internal/models"
	"crm-workflow-engine/internal/telemetry"
)

// Store is the durable-store slice the queue needs. ClaimNextJob must
// guarantee that two concurrent callers never receive the same row; the
// Postgres implementation does this with FOR UPDATE SKIP LOCKED, the
// in-memory one with a mutex.
type Store interface {
	CreateJob(ctx context.Context, job models.Job) (created bool, err error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ClaimNextJob(ctx context.Context, workerID string, now time.Time) (*models.Job, error)
	CompleteJob(ctx context.Context, id string, now time.Time) error
	RescheduleJob(ctx context.Context, id string, attempts int, scheduledFor time.Time, lastError string) error
	DeadLetterJob(ctx context.Context, job models.Job, attempts int, lastError string, now time.Time) error
	ReapStuckJobs(ctx context.Context, cutoff time.Time) (int, error)
	CountPendingJobs(ctx context.Context, now time.Time) (int64, error)
}

// Alerter raises durable alert events. The event emitter satisfies it.
type Alerter interface {
	Emit(ctx context.Context, p events.EmitParams) (string, error)
}

// Options tunes queue behavior; zero values fall back to the documented
// defaults.
type Options struct {
	BaseBackoff        time.Duration // default 5s
	DefaultMaxAttempts int           // default 3
	LockTimeout        time.Duration // default 10m
}

// Service owns the job lifecycle: enqueue, claim, complete, fail with
// backoff or dead-letter, and stuck-job reclamation.
type Service struct {
	store       Store
	alerter     Alerter
	baseBackoff time.Duration
	maxAttempts int
	lockTimeout time.Duration
	log         *zap.Logger
}

func NewService(store Store, alerter Alerter, opts Options, log *zap.Logger) *Service {
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 5 * time.Second
	}
	if opts.DefaultMaxAttempts <= 0 {
		opts.DefaultMaxAttempts = 3
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 10 * time.Minute
	}
	return &Service{
		store:       store,
		alerter:     alerter,
		baseBackoff: opts.BaseBackoff,
		maxAttempts: opts.DefaultMaxAttempts,
		lockTimeout: opts.LockTimeout,
		log:         log.Named("queue"),
	}
}

// EnqueueParams collects inputs to insert a job directly, outside event
// fan-out (e.g. an intake flow).
type EnqueueParams struct {
	TenantID       string
	Type           string
	Payload        map[string]any
	IdempotencyKey string
	SourceEventID  string
	ScheduledFor   time.Time
	MaxAttempts    int
}

// Enqueue inserts a pending job. It returns (nil, nil) when the idempotency
// key collides with an existing job: a duplicate enqueue is a no-op, not an
// error.
func (s *Service) Enqueue(ctx context.Context, p EnqueueParams) (*models.Job, error) {
	if p.TenantID == "" {
		return nil, errors.New("enqueue: tenant id is required")
	}
	if p.Type == "" {
		return nil, errors.New("enqueue: job type is required")
	}
	now := time.Now().UTC()
	if p.ScheduledFor.IsZero() {
		p.ScheduledFor = now
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = s.maxAttempts
	}

	job := models.Job{
		ID:             uuid.New().String(),
		TenantID:       p.TenantID,
		SourceEventID:  emptyToNil(p.SourceEventID),
		Type:           p.Type,
		Status:         models.JobPending,
		IdempotencyKey: emptyToNil(p.IdempotencyKey),
		Payload:        p.Payload,
		MaxAttempts:    p.MaxAttempts,
		ScheduledFor:   p.ScheduledFor,
		CreatedAt:      now,
	}
	created, err := s.store.CreateJob(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", p.Type, err)
	}
	if !created {
		s.log.Debug("enqueue deduped by idempotency key",
			zap.String("job_type", p.Type),
			zap.String("idempotency_key", p.IdempotencyKey))
		return nil, nil
	}
	telemetry.JobsEnqueued.Inc()
	return &job, nil
}

// ClaimNext atomically takes the oldest eligible pending job for workerID.
// Returns nil when nothing is eligible; callers back off before polling
// again.
func (s *Service) ClaimNext(ctx context.Context, workerID string) (*models.Job, error) {
	return s.store.ClaimNextJob(ctx, workerID, time.Now().UTC())
}

// Complete marks a job done and releases its lock.
func (s *Service) Complete(ctx context.Context, jobID string) error {
	if err := s.store.CompleteJob(ctx, jobID, time.Now().UTC()); err != nil {
		return err
	}
	telemetry.JobsCompleted.Inc()
	return nil
}

// Fail records a failed attempt for a claimed job. Below the retry budget
// the job returns to pending after an exponential backoff; at the budget it
// is archived to the dead-letter table, marked failed for good, and a
// durable alert event is raised.
func (s *Service) Fail(ctx context.Context, job models.Job, jobErr error) error {
	msg := jobErr.Error()
	attempts := job.Attempts + 1
	now := time.Now().UTC()

	if attempts >= job.MaxAttempts {
		if err := s.store.DeadLetterJob(ctx, job, attempts, msg, now); err != nil {
			return fmt.Errorf("dead letter job %s: %w", job.ID, err)
		}
		telemetry.JobsDeadLettered.Inc()
		s.log.Warn("job dead lettered",
			zap.String("job_id", job.ID),
			zap.String("job_type", job.Type),
			zap.String("tenant_id", job.TenantID),
			zap.Int("attempts", attempts),
			zap.String("last_error", msg))
		s.raiseDeadLetterAlert(ctx, job, attempts, msg)
		return nil
	}

	delay := Backoff(s.baseBackoff, attempts)
	if err := s.store.RescheduleJob(ctx, job.ID, attempts, now.Add(delay), msg); err != nil {
		return fmt.Errorf("reschedule job %s: %w", job.ID, err)
	}
	telemetry.JobsFailed.Inc()
	s.log.Warn("job attempt failed, rescheduled",
		zap.String("job_id", job.ID),
		zap.String("job_type", job.Type),
		zap.Int("attempts", attempts),
		zap.Duration("backoff", delay),
		zap.String("error", msg))
	return nil
}

func (s *Service) raiseDeadLetterAlert(ctx context.Context, job models.Job, attempts int, msg string) {
	if s.alerter == nil {
		return
	}
	_, err := s.alerter.Emit(ctx, events.EmitParams{
		TenantID:   job.TenantID,
		Type:       models.EventJobDeadLettered,
		EntityType: "job",
		EntityID:   job.ID,
		Payload: map[string]any{
			"job_id":     job.ID,
			"job_type":   job.Type,
			"attempts":   attempts,
			"last_error": msg,
		},
		IdempotencyKey: "dead_letter:" + job.ID,
	})
	if err != nil {
		// The job is already archived; losing the alert is tolerable.
		s.log.Error("dead letter alert failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// PendingDepth reports how many jobs are eligible to run right now.
func (s *Service) PendingDepth(ctx context.Context) (int64, error) {
	return s.store.CountPendingJobs(ctx, time.Now().UTC())
}

// ReaperSweep returns jobs stuck in running past the lock timeout to
// pending, attempts untouched. A reaped job gets a fresh claim at the same
// retry count.
func (s *Service) ReaperSweep(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.lockTimeout)
	reclaimed, err := s.store.ReapStuckJobs(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reaper sweep: %w", err)
	}
	if reclaimed > 0 {
		telemetry.JobsReclaimed.Add(float64(reclaimed))
		s.log.Warn("reaper reclaimed stuck jobs", zap.Int("count", reclaimed))
	}
	return reclaimed, nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

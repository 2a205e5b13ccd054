package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"crm-workflow-engine/internal/events"
	"crm-workflow-engine/internal/models"
	"crm-workflow-engine/internal/telemetry"
)

// Store is the durable-store slice the scheduler needs.
type Store interface {
	ListDueCronTasks(ctx context.Context, now time.Time) ([]models.CronTask, error)
	MarkCronTaskRun(ctx context.Context, id string, lastRun, nextRun time.Time) error
	ListDueScheduledTasks(ctx context.Context, now time.Time) ([]models.ScheduledTask, error)
	SetScheduledTaskExecuted(ctx context.Context, id string, executed bool) error
	CreateScheduledTask(ctx context.Context, task models.ScheduledTask) error
}

// Emitter turns fired tasks into events. The event emitter satisfies it.
type Emitter interface {
	Emit(ctx context.Context, p events.EmitParams) (string, error)
}

// Leader gates ticks so only one replica fires tasks. A nil Leader means
// this process always ticks.
type Leader interface {
	IsLeader(ctx context.Context) bool
}

// DefaultTaskEvents is the static task-type-to-event-type map.
func DefaultTaskEvents() map[string]string {
	return map[string]string{
		models.TaskDailyDigest:        models.EventDigestDue,
		models.TaskRetentionCheck:     models.EventRetentionDue,
		models.TaskTestimonialRequest: models.EventTestimonialDue,
	}
}

// Options tunes the scheduler; zero values fall back to defaults.
type Options struct {
	PollInterval time.Duration // default 60s
}

// Scheduler is a single loop that turns due cron tasks and due one-off
// tasks into emitted events.
type Scheduler struct {
	store        Store
	emitter      Emitter
	leader       Leader
	taskEvents   map[string]string
	pollInterval time.Duration
	log          *zap.Logger
}

func New(store Store, emitter Emitter, leader Leader, opts Options, log *zap.Logger) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Minute
	}
	return &Scheduler{
		store:        store,
		emitter:      emitter,
		leader:       leader,
		taskEvents:   DefaultTaskEvents(),
		pollInterval: opts.PollInterval,
		log:          log.Named("scheduler"),
	}
}

// Run ticks at the poll interval until ctx is cancelled. A tick that errors
// leaves its tasks due, so nothing is skipped; the next tick retries.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	s.log.Info("scheduler started", zap.Duration("poll_interval", s.pollInterval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			if s.leader != nil && !s.leader.IsLeader(ctx) {
				continue
			}
			s.Tick(ctx, time.Now().UTC())
		}
	}
}

// Tick runs one cron pass and one one-off pass relative to now.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.cronPass(ctx, now)
	s.oneOffPass(ctx, now)
}

func (s *Scheduler) cronPass(ctx context.Context, now time.Time) {
	tasks, err := s.store.ListDueCronTasks(ctx, now)
	if err != nil {
		telemetry.SchedulerErrors.Inc()
		s.log.Error("list due cron tasks", zap.Error(err))
		return
	}
	for _, task := range tasks {
		s.fireCronTask(ctx, task, now)
	}
}

func (s *Scheduler) fireCronTask(ctx context.Context, task models.CronTask, now time.Time) {
	eventType, ok := s.taskEvents[task.TaskType]
	if !ok {
		s.log.Warn("cron task type has no event mapping, skipping",
			zap.String("task_id", task.ID), zap.String("task_type", task.TaskType))
		return
	}
	// Parse before emitting: an unparseable expression would otherwise fire
	// on every tick with no way to compute the next slot.
	spec, err := cron.ParseStandard(task.CronExpr)
	if err != nil {
		telemetry.SchedulerErrors.Inc()
		s.log.Error("invalid cron expression, skipping",
			zap.String("task_id", task.ID), zap.String("cron_expression", task.CronExpr), zap.Error(err))
		return
	}

	_, err = s.emitter.Emit(ctx, events.EmitParams{
		TenantID: cronTenant(task),
		Type:     eventType,
		Payload:  task.Config,
		Metadata: map[string]any{
			"cron_task_id": task.ID,
			"task_type":    task.TaskType,
			"fired_at":     now.Format(time.RFC3339),
		},
	})
	if err != nil {
		// next_run_at stays untouched so the task remains due next tick.
		telemetry.SchedulerErrors.Inc()
		s.log.Error("cron fire failed, task remains due",
			zap.String("task_id", task.ID), zap.String("task_type", task.TaskType), zap.Error(err))
		return
	}

	nextRun := spec.Next(now)
	if err := s.store.MarkCronTaskRun(ctx, task.ID, now, nextRun); err != nil {
		telemetry.SchedulerErrors.Inc()
		s.log.Error("stamp cron run", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	telemetry.CronFires.Inc()
	s.log.Info("cron task fired",
		zap.String("task_id", task.ID),
		zap.String("task_type", task.TaskType),
		zap.Time("next_run_at", nextRun))
}

func (s *Scheduler) oneOffPass(ctx context.Context, now time.Time) {
	tasks, err := s.store.ListDueScheduledTasks(ctx, now)
	if err != nil {
		telemetry.SchedulerErrors.Inc()
		s.log.Error("list due scheduled tasks", zap.Error(err))
		return
	}
	for _, task := range tasks {
		s.fireScheduledTask(ctx, task, now)
	}
}

func (s *Scheduler) fireScheduledTask(ctx context.Context, task models.ScheduledTask, now time.Time) {
	eventType, ok := s.taskEvents[task.TaskType]
	if !ok {
		s.log.Warn("scheduled task type has no event mapping, skipping",
			zap.String("task_id", task.ID), zap.String("task_type", task.TaskType))
		return
	}

	// Mark executed before emitting: a crash between the two writes loses
	// the fire rather than duplicating it, and the idempotency key below
	// guards the duplicate side of the race.
	if err := s.store.SetScheduledTaskExecuted(ctx, task.ID, true); err != nil {
		telemetry.SchedulerErrors.Inc()
		s.log.Error("mark scheduled task executed", zap.String("task_id", task.ID), zap.Error(err))
		return
	}

	_, err := s.emitter.Emit(ctx, events.EmitParams{
		TenantID: scheduledTenant(task),
		Type:     eventType,
		Payload:  task.Config,
		Metadata: map[string]any{
			"scheduled_task_id": task.ID,
			"task_type":         task.TaskType,
			"fired_at":          now.Format(time.RFC3339),
		},
		IdempotencyKey: "scheduled_task:" + task.ID,
	})
	if err != nil {
		telemetry.SchedulerErrors.Inc()
		s.log.Error("one-off fire failed, reverting executed flag",
			zap.String("task_id", task.ID), zap.Error(err))
		if rerr := s.store.SetScheduledTaskExecuted(ctx, task.ID, false); rerr != nil {
			s.log.Error("revert executed flag", zap.String("task_id", task.ID), zap.Error(rerr))
		}
		return
	}
	telemetry.OneOffFires.Inc()
	s.log.Info("scheduled task fired", zap.String("task_id", task.ID), zap.String("task_type", task.TaskType))
}

// ScheduleOneOff registers a single future event trigger, e.g. "ask for a
// testimonial in 30 days". Returns the new task id.
func (s *Scheduler) ScheduleOneOff(ctx context.Context, taskType string, executeAt time.Time, config map[string]any, tenantID string) (string, error) {
	if taskType == "" {
		return "", errors.New("schedule one-off: task type is required")
	}
	if _, ok := s.taskEvents[taskType]; !ok {
		return "", fmt.Errorf("schedule one-off: task type %q has no event mapping", taskType)
	}
	task := models.ScheduledTask{
		ID:        uuid.New().String(),
		TaskType:  taskType,
		ExecuteAt: executeAt,
		TenantID:  emptyToNil(tenantID),
		Config:    config,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateScheduledTask(ctx, task); err != nil {
		return "", fmt.Errorf("schedule one-off %s: %w", taskType, err)
	}
	return task.ID, nil
}

// cronTenant resolves the tenant a cron fire is scoped to: the task row,
// then its config blob, then the system sentinel. System-scoped handlers
// fan out over tenants themselves.
func cronTenant(task models.CronTask) string {
	if task.TenantID != nil && *task.TenantID != "" {
		return *task.TenantID
	}
	if v, ok := task.Config["tenant_id"].(string); ok && v != "" {
		return v
	}
	return models.SystemTenant
}

func scheduledTenant(task models.ScheduledTask) string {
	if task.TenantID != nil && *task.TenantID != "" {
		return *task.TenantID
	}
	if v, ok := task.Config["tenant_id"].(string); ok && v != "" {
		return v
	}
	return models.SystemTenant
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

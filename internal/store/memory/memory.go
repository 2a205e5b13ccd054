// Package memory provides an in-memory store with the same contract as the
// Postgres store. It backs the engine tests and doubles as the reference
// fallback for stores without a skip-locked primitive: claims are serialized
// through a single mutex, so two concurrent claimers can never take the same
// row.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"crm-workflow-engine/internal/models"
)

// Store keeps all workflow tables in process memory behind one mutex.
type Store struct {
	mu             sync.Mutex
	events         map[string]models.Event
	eventsByKey    map[string]string
	jobs           map[string]models.Job
	jobKeys        map[string]string
	deadLetters    []models.DeadLetterJob
	cronTasks      map[string]models.CronTask
	scheduledTasks map[string]models.ScheduledTask
}

func New() *Store {
	return &Store{
		events:         make(map[string]models.Event),
		eventsByKey:    make(map[string]string),
		jobs:           make(map[string]models.Job),
		jobKeys:        make(map[string]string),
		cronTasks:      make(map[string]models.CronTask),
		scheduledTasks: make(map[string]models.ScheduledTask),
	}
}

func (s *Store) CreateEventWithJobs(_ context.Context, ev models.Event, jobs []models.Job) (string, bool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.IdempotencyKey != nil {
		if existing, ok := s.eventsByKey[*ev.IdempotencyKey]; ok {
			return existing, false, 0, nil
		}
		s.eventsByKey[*ev.IdempotencyKey] = ev.ID
	}
	s.events[ev.ID] = ev

	enqueued := 0
	for _, job := range jobs {
		if s.insertJobLocked(job) {
			enqueued++
		}
	}
	return ev.ID, true, enqueued, nil
}

func (s *Store) CreateJob(_ context.Context, job models.Job) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertJobLocked(job), nil
}

func (s *Store) insertJobLocked(job models.Job) bool {
	if job.IdempotencyKey != nil {
		if _, ok := s.jobKeys[*job.IdempotencyKey]; ok {
			return false
		}
		s.jobKeys[*job.IdempotencyKey] = job.ID
	}
	job.Status = models.JobPending
	job.UpdatedAt = job.CreatedAt
	s.jobs[job.ID] = job
	return true
}

func (s *Store) GetJob(_ context.Context, id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return job, nil
}

func (s *Store) ClaimNextJob(_ context.Context, workerID string, now time.Time) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var eligible []models.Job
	for _, job := range s.jobs {
		if job.Status == models.JobPending && !job.ScheduledFor.After(now) {
			eligible = append(eligible, job)
		}
	}
	if len(eligible) == 0 {
		return nil, nil
	}
	sort.Slice(eligible, func(i, j int) bool {
		if !eligible[i].ScheduledFor.Equal(eligible[j].ScheduledFor) {
			return eligible[i].ScheduledFor.Before(eligible[j].ScheduledFor)
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})

	job := eligible[0]
	job.Status = models.JobRunning
	job.LockedBy = &workerID
	job.LockedAt = &now
	job.StartedAt = &now
	job.UpdatedAt = now
	s.jobs[job.ID] = job
	return &job, nil
}

func (s *Store) CompleteJob(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	job.Status = models.JobCompleted
	job.CompletedAt = &now
	job.LockedBy = nil
	job.LockedAt = nil
	job.UpdatedAt = now
	s.jobs[id] = job
	return nil
}

func (s *Store) RescheduleJob(_ context.Context, id string, attempts int, scheduledFor time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	job.Status = models.JobPending
	job.Attempts = attempts
	job.ScheduledFor = scheduledFor
	job.LastError = &lastError
	job.LockedBy = nil
	job.LockedAt = nil
	job.UpdatedAt = time.Now().UTC()
	s.jobs[id] = job
	return nil
}

func (s *Store) DeadLetterJob(_ context.Context, job models.Job, attempts int, lastError string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.jobs[job.ID]
	if !ok {
		return ErrNotFound
	}
	s.deadLetters = append(s.deadLetters, models.DeadLetterJob{
		ID:            uuid.New().String(),
		JobID:         job.ID,
		TenantID:      job.TenantID,
		Type:          job.Type,
		SourceEventID: job.SourceEventID,
		Payload:       job.Payload,
		Attempts:      attempts,
		LastError:     lastError,
		FailedAt:      now,
	})
	stored.Status = models.JobFailed
	stored.Attempts = attempts
	stored.LastError = &lastError
	stored.LockedBy = nil
	stored.LockedAt = nil
	stored.UpdatedAt = now
	s.jobs[job.ID] = stored
	return nil
}

func (s *Store) ReapStuckJobs(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reclaimed := 0
	for id, job := range s.jobs {
		if job.Status == models.JobRunning && job.LockedAt != nil && job.LockedAt.Before(cutoff) {
			job.Status = models.JobPending
			job.LockedBy = nil
			job.LockedAt = nil
			job.StartedAt = nil
			job.UpdatedAt = time.Now().UTC()
			s.jobs[id] = job
			reclaimed++
		}
	}
	return reclaimed, nil
}

func (s *Store) CountPendingJobs(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, job := range s.jobs {
		if job.Status == models.JobPending && !job.ScheduledFor.After(now) {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListDeadLetters(_ context.Context, limit int) ([]models.DeadLetterJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.DeadLetterJob, len(s.deadLetters))
	copy(out, s.deadLetters)
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.After(out[j].FailedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListDueCronTasks(_ context.Context, now time.Time) ([]models.CronTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CronTask
	for _, task := range s.cronTasks {
		if task.Enabled && (task.NextRunAt == nil || !task.NextRunAt.After(now)) {
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) MarkCronTaskRun(_ context.Context, id string, lastRun, nextRun time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.cronTasks[id]
	if !ok {
		return ErrNotFound
	}
	task.LastRunAt = &lastRun
	task.NextRunAt = &nextRun
	task.UpdatedAt = time.Now().UTC()
	s.cronTasks[id] = task
	return nil
}

func (s *Store) CreateCronTask(_ context.Context, task models.CronTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cronTasks[task.ID] = task
	return nil
}

func (s *Store) ListDueScheduledTasks(_ context.Context, now time.Time) ([]models.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ScheduledTask
	for _, task := range s.scheduledTasks {
		if !task.Executed && !task.ExecuteAt.After(now) {
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecuteAt.Before(out[j].ExecuteAt) })
	return out, nil
}

func (s *Store) SetScheduledTaskExecuted(_ context.Context, id string, executed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.scheduledTasks[id]
	if !ok {
		return ErrNotFound
	}
	task.Executed = executed
	s.scheduledTasks[id] = task
	return nil
}

func (s *Store) CreateScheduledTask(_ context.Context, task models.ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduledTasks[task.ID] = task
	return nil
}

// GetEvent is a test convenience; the engine itself never reads events back.
func (s *Store) GetEvent(_ context.Context, id string) (models.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	return ev, ok
}

// EventsByType returns all recorded events of a type. Test convenience.
func (s *Store) EventsByType(eventType string) []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Event
	for _, ev := range s.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// EventCount is a test convenience.
func (s *Store) EventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// JobsByType returns all jobs of a type, oldest first. Test convenience.
func (s *Store) JobsByType(jobType string) []models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Job
	for _, job := range s.jobs {
		if job.Type == jobType {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// GetScheduledTask is a test convenience.
func (s *Store) GetScheduledTask(id string) (models.ScheduledTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.scheduledTasks[id]
	return task, ok
}

// GetCronTask is a test convenience.
func (s *Store) GetCronTask(id string) (models.CronTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.cronTasks[id]
	return task, ok
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"crm-workflow-engine/internal/models"
)

// Store wraps pgxpool for Postgres persistence of the workflow tables.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateEventWithJobs inserts an event and its fan-out jobs in one
// transaction. When the event's idempotency key already exists, the existing
// event id is returned with created=false and no jobs are inserted. Job
// inserts that collide on their idempotency key are silently skipped; the
// returned count covers only the rows that landed.
func (s *Store) CreateEventWithJobs(ctx context.Context, ev models.Event, jobs []models.Job) (string, bool, int, error) {
	payloadJSON, metadataJSON, err := marshalEventBlobs(ev)
	if err != nil {
		return "", false, 0, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", false, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var id string
	err = tx.QueryRow(ctx, `
		INSERT INTO events (id, tenant_id, type, entity_type, entity_id, payload, metadata, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
		RETURNING id
	`, ev.ID, ev.TenantID, ev.Type, ev.EntityType, ev.EntityID, payloadJSON, metadataJSON, ev.IdempotencyKey, ev.CreatedAt).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		// Key already taken; hand back the prior event id untouched.
		if err := tx.QueryRow(ctx, `
			SELECT id FROM events WHERE idempotency_key = $1
		`, ev.IdempotencyKey).Scan(&id); err != nil {
			return "", false, 0, fmt.Errorf("lookup existing event: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return "", false, 0, fmt.Errorf("commit: %w", err)
		}
		return id, false, 0, nil
	}
	if err != nil {
		return "", false, 0, fmt.Errorf("insert event: %w", err)
	}

	enqueued := 0
	for _, job := range jobs {
		created, err := s.insertJob(ctx, tx, job)
		if err != nil {
			return "", false, 0, err
		}
		if created {
			enqueued++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", false, 0, fmt.Errorf("commit: %w", err)
	}
	return id, true, enqueued, nil
}

// CreateJob inserts a job row, honoring its idempotency key. It returns
// created=false when the key collides with an existing job.
func (s *Store) CreateJob(ctx context.Context, job models.Job) (bool, error) {
	created, err := s.insertJob(ctx, s.pool, job)
	if err != nil {
		return false, err
	}
	return created, nil
}

// execer matches both pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *Store) insertJob(ctx context.Context, db execer, job models.Job) (bool, error) {
	payloadJSON, err := json.Marshal(orEmpty(job.Payload))
	if err != nil {
		return false, fmt.Errorf("marshal job payload: %w", err)
	}
	tag, err := db.Exec(ctx, `
		INSERT INTO jobs (id, tenant_id, source_event_id, type, status, idempotency_key, payload, attempts, max_attempts, scheduled_for, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10, $10)
		ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
	`, job.ID, job.TenantID, job.SourceEventID, job.Type, models.JobPending, job.IdempotencyKey, payloadJSON, job.MaxAttempts, job.ScheduledFor, job.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

const jobColumns = `id, tenant_id, source_event_id, type, status, idempotency_key, payload, attempts, max_attempts, scheduled_for, started_at, completed_at, locked_by, locked_at, last_error, created_at, updated_at`

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s not found: %w", id, err)
	}
	return job, err
}

// ClaimNextJob locks the oldest eligible pending job, skipping rows already
// locked by concurrent workers, and flips it to running in the same
// statement. Returns nil when nothing is eligible.
func (s *Store) ClaimNextJob(ctx context.Context, workerID string, now time.Time) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		WITH next_job AS (
			SELECT id FROM jobs
			WHERE status = $3 AND scheduled_for <= $2
			ORDER BY scheduled_for ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs SET status = $4, locked_by = $1, locked_at = $2, started_at = $2, updated_at = $2
		FROM next_job
		WHERE jobs.id = next_job.id
		RETURNING jobs.id, jobs.tenant_id, jobs.source_event_id, jobs.type, jobs.status, jobs.idempotency_key, jobs.payload, jobs.attempts, jobs.max_attempts, jobs.scheduled_for, jobs.started_at, jobs.completed_at, jobs.locked_by, jobs.locked_at, jobs.last_error, jobs.created_at, jobs.updated_at
	`, workerID, now, models.JobPending, models.JobRunning)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CompleteJob marks a job completed and releases its lock.
func (s *Store) CompleteJob(ctx context.Context, id string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, completed_at = $3, locked_by = NULL, locked_at = NULL, updated_at = $3
		WHERE id = $1
	`, id, models.JobCompleted, now)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// RescheduleJob returns a failed job to pending with a new attempt count and
// eligibility time, recording the error that sent it back.
func (s *Store) RescheduleJob(ctx context.Context, id string, attempts int, scheduledFor time.Time, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, attempts = $3, scheduled_for = $4, last_error = $5,
		    locked_by = NULL, locked_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.JobPending, attempts, scheduledFor, lastError)
	if err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	return nil
}

// DeadLetterJob archives an exhausted job and marks the source row failed,
// in one transaction.
func (s *Store) DeadLetterJob(ctx context.Context, job models.Job, attempts int, lastError string, now time.Time) error {
	payloadJSON, err := json.Marshal(orEmpty(job.Payload))
	if err != nil {
		return fmt.Errorf("marshal dead letter payload: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO dead_letter_jobs (id, job_id, tenant_id, type, source_event_id, payload, attempts, last_error, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, uuid.New().String(), job.ID, job.TenantID, job.Type, job.SourceEventID, payloadJSON, attempts, lastError, now); err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE jobs
		SET status = $2, attempts = $3, last_error = $4, locked_by = NULL, locked_at = NULL, updated_at = $5
		WHERE id = $1
	`, job.ID, models.JobFailed, attempts, lastError, now); err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ReapStuckJobs returns running jobs whose lock is older than cutoff to
// pending, leaving attempts untouched. Returns the number reclaimed.
func (s *Store) ReapStuckJobs(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, locked_by = NULL, locked_at = NULL, started_at = NULL, updated_at = NOW()
		WHERE status = $3 AND locked_at < $1
	`, cutoff, models.JobPending, models.JobRunning)
	if err != nil {
		return 0, fmt.Errorf("reap stuck jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountPendingJobs returns how many jobs are eligible to run right now.
func (s *Store) CountPendingJobs(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE status = $1 AND scheduled_for <= $2
	`, models.JobPending, now).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending jobs: %w", err)
	}
	return n, nil
}

// ListDeadLetters returns the newest dead-lettered jobs, up to limit.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, tenant_id, type, source_event_id, payload, attempts, last_error, failed_at
		FROM dead_letter_jobs ORDER BY failed_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []models.DeadLetterJob
	for rows.Next() {
		var dl models.DeadLetterJob
		var payloadJSON []byte
		var srcEvent pgtype.Text
		if err := rows.Scan(&dl.ID, &dl.JobID, &dl.TenantID, &dl.Type, &srcEvent, &payloadJSON, &dl.Attempts, &dl.LastError, &dl.FailedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if err := json.Unmarshal(payloadJSON, &dl.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal dead letter payload: %w", err)
		}
		dl.SourceEventID = textPtr(srcEvent)
		out = append(out, dl)
	}
	return out, rows.Err()
}

// ListDueCronTasks returns enabled cron tasks whose next run is unset or due.
func (s *Store) ListDueCronTasks(ctx context.Context, now time.Time) ([]models.CronTask, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, task_type, cron_expression, enabled, last_run_at, next_run_at, config, created_at, updated_at
		FROM cron_tasks
		WHERE enabled AND (next_run_at IS NULL OR next_run_at <= $1)
		ORDER BY created_at ASC
	`, now)
	if err != nil {
		return nil, fmt.Errorf("query due cron tasks: %w", err)
	}
	defer rows.Close()

	var out []models.CronTask
	for rows.Next() {
		var task models.CronTask
		var tenant pgtype.Text
		var lastRun, nextRun pgtype.Timestamptz
		var configJSON []byte
		if err := rows.Scan(&task.ID, &tenant, &task.TaskType, &task.CronExpr, &task.Enabled, &lastRun, &nextRun, &configJSON, &task.CreatedAt, &task.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan cron task: %w", err)
		}
		if err := json.Unmarshal(configJSON, &task.Config); err != nil {
			return nil, fmt.Errorf("unmarshal cron config: %w", err)
		}
		task.TenantID = textPtr(tenant)
		task.LastRunAt = tsPtr(lastRun)
		task.NextRunAt = tsPtr(nextRun)
		out = append(out, task)
	}
	return out, rows.Err()
}

// MarkCronTaskRun stamps last_run_at and the freshly computed next_run_at
// after a successful fire.
func (s *Store) MarkCronTaskRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE cron_tasks SET last_run_at = $2, next_run_at = $3, updated_at = NOW() WHERE id = $1
	`, id, lastRun, nextRun)
	if err != nil {
		return fmt.Errorf("mark cron run: %w", err)
	}
	return nil
}

// CreateCronTask inserts a recurring schedule definition.
func (s *Store) CreateCronTask(ctx context.Context, task models.CronTask) error {
	configJSON, err := json.Marshal(orEmpty(task.Config))
	if err != nil {
		return fmt.Errorf("marshal cron config: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO cron_tasks (id, tenant_id, task_type, cron_expression, enabled, next_run_at, config, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, task.ID, task.TenantID, task.TaskType, task.CronExpr, task.Enabled, task.NextRunAt, configJSON, task.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert cron task: %w", err)
	}
	return nil
}

// ListDueScheduledTasks returns unexecuted one-off tasks due at or before now.
func (s *Store) ListDueScheduledTasks(ctx context.Context, now time.Time) ([]models.ScheduledTask, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_type, execute_at, executed, tenant_id, config, created_at
		FROM scheduled_tasks
		WHERE NOT executed AND execute_at <= $1
		ORDER BY execute_at ASC
	`, now)
	if err != nil {
		return nil, fmt.Errorf("query due scheduled tasks: %w", err)
	}
	defer rows.Close()

	var out []models.ScheduledTask
	for rows.Next() {
		var task models.ScheduledTask
		var tenant pgtype.Text
		var configJSON []byte
		if err := rows.Scan(&task.ID, &task.TaskType, &task.ExecuteAt, &task.Executed, &tenant, &configJSON, &task.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan scheduled task: %w", err)
		}
		if err := json.Unmarshal(configJSON, &task.Config); err != nil {
			return nil, fmt.Errorf("unmarshal task config: %w", err)
		}
		task.TenantID = textPtr(tenant)
		out = append(out, task)
	}
	return out, rows.Err()
}

// SetScheduledTaskExecuted flips the executed flag. The scheduler sets it
// before emitting and reverts it only when emission fails.
func (s *Store) SetScheduledTaskExecuted(ctx context.Context, id string, executed bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE scheduled_tasks SET executed = $2 WHERE id = $1
	`, id, executed)
	if err != nil {
		return fmt.Errorf("set scheduled task executed: %w", err)
	}
	return nil
}

// CreateScheduledTask registers a one-off future trigger.
func (s *Store) CreateScheduledTask(ctx context.Context, task models.ScheduledTask) error {
	configJSON, err := json.Marshal(orEmpty(task.Config))
	if err != nil {
		return fmt.Errorf("marshal task config: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO scheduled_tasks (id, task_type, execute_at, executed, tenant_id, config, created_at)
		VALUES ($1, $2, $3, FALSE, $4, $5, $6)
	`, task.ID, task.TaskType, task.ExecuteAt, task.TenantID, configJSON, task.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert scheduled task: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var payloadJSON []byte
	var srcEvent, idem, lockedBy, lastErr pgtype.Text
	var startedAt, completedAt, lockedAt pgtype.Timestamptz

	if err := row.Scan(&job.ID, &job.TenantID, &srcEvent, &job.Type, &job.Status, &idem, &payloadJSON, &job.Attempts, &job.MaxAttempts, &job.ScheduledFor, &startedAt, &completedAt, &lockedBy, &lockedAt, &lastErr, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal job payload: %w", err)
	}
	job.SourceEventID = textPtr(srcEvent)
	job.IdempotencyKey = textPtr(idem)
	job.LockedBy = textPtr(lockedBy)
	job.LastError = textPtr(lastErr)
	job.StartedAt = tsPtr(startedAt)
	job.CompletedAt = tsPtr(completedAt)
	job.LockedAt = tsPtr(lockedAt)
	return job, nil
}

func marshalEventBlobs(ev models.Event) ([]byte, []byte, error) {
	payloadJSON, err := json.Marshal(orEmpty(ev.Payload))
	if err != nil {
		return nil, nil, fmt.Errorf("marshal event payload: %w", err)
	}
	metadataJSON, err := json.Marshal(orEmpty(ev.Metadata))
	if err != nil {
		return nil, nil, fmt.Errorf("marshal event metadata: %w", err)
	}
	return payloadJSON, metadataJSON, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func tsPtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

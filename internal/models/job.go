package models

import (
	"time"
)

// Job lifecycle states persisted in Postgres.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Job types known to the engine. Routing validation fails fast on anything
// not listed here.
const (
	JobLeadEnrich          = "lead.enrich"
	JobLeadQualify         = "lead.qualify"
	JobWebhookNotify       = "webhook.notify"
	JobCallSummarize       = "call.summarize"
	JobDigestBuild         = "digest.build"
	JobRetentionScan       = "retention.scan"
	JobScheduleTestimonial = "retention.schedule_testimonial"
	JobSendTestimonial     = "retention.send_testimonial"
)

// KnownJobTypes lists every job type the engine can execute.
var KnownJobTypes = []string{
	JobLeadEnrich,
	JobLeadQualify,
	JobWebhookNotify,
	JobCallSummarize,
	JobDigestBuild,
	JobRetentionScan,
	JobScheduleTestimonial,
	JobSendTestimonial,
}

// Job is a unit of deferred work persisted in Postgres.
type Job struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	SourceEventID  *string        `json:"source_event_id,omitempty"`
	Type           string         `json:"type"`
	Status         string         `json:"status"`
	IdempotencyKey *string        `json:"idempotency_key,omitempty"`
	Payload        map[string]any `json:"payload"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"max_attempts"`
	ScheduledFor   time.Time      `json:"scheduled_for"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	LockedBy       *string        `json:"locked_by,omitempty"`
	LockedAt       *time.Time     `json:"locked_at,omitempty"`
	LastError      *string        `json:"last_error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// DeadLetterJob is an immutable archive row for a job that exhausted its
// retry budget. The source row stays in jobs, marked failed.
type DeadLetterJob struct {
	ID            string         `json:"id"`
	JobID         string         `json:"job_id"`
	TenantID      string         `json:"tenant_id"`
	Type          string         `json:"type"`
	SourceEventID *string        `json:"source_event_id,omitempty"`
	Payload       map[string]any `json:"payload"`
	Attempts      int            `json:"attempts"`
	LastError     string         `json:"last_error"`
	FailedAt      time.Time      `json:"failed_at"`
}

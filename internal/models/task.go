package models

import (
	"time"
)

// Task types the scheduler can fire. Each maps to an event type.
const (
	TaskDailyDigest        = "daily_digest"
	TaskRetentionCheck     = "retention_check"
	TaskTestimonialRequest = "testimonial_request"
)

// CronTask is a recurring schedule definition. A nil NextRunAt means the
// task is due now.
type CronTask struct {
	ID        string         `json:"id"`
	TenantID  *string        `json:"tenant_id,omitempty"`
	TaskType  string         `json:"task_type"`
	CronExpr  string         `json:"cron_expression"`
	Enabled   bool           `json:"enabled"`
	LastRunAt *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt *time.Time     `json:"next_run_at,omitempty"`
	Config    map[string]any `json:"config,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ScheduledTask is a one-off future event trigger.
type ScheduledTask struct {
	ID        string         `json:"id"`
	TaskType  string         `json:"task_type"`
	ExecuteAt time.Time      `json:"execute_at"`
	Executed  bool           `json:"executed"`
	TenantID  *string        `json:"tenant_id,omitempty"`
	Config    map[string]any `json:"config,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

package models

import (
	"time"
)

// SystemTenant scopes events and cron tasks that are not bound to a single
// tenant. Handlers for system-scoped work fan out over tenants themselves.
const SystemTenant = "system"

// Event types produced by domain services, the scheduler, and the engine.
const (
	EventLeadCreated     = "lead.created"
	EventDealWon         = "deal.won"
	EventCallCompleted   = "call.completed"
	EventInvoiceOverdue  = "invoice.overdue"
	EventTestimonialDue  = "retention.testimonial_due"
	EventDigestDue       = "system.digest_due"
	EventRetentionDue    = "system.retention_due"
	EventJobDeadLettered = "system.job_dead_lettered"
)

// Event is an immutable domain fact. Rows are only ever inserted.
type Event struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	Type           string         `json:"type"`
	EntityType     *string        `json:"entity_type,omitempty"`
	EntityID       *string        `json:"entity_id,omitempty"`
	Payload        map[string]any `json:"payload"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	IdempotencyKey *string        `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

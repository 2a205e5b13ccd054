package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"crm-workflow-engine/internal/models"
	"crm-workflow-engine/internal/telemetry"
)

// Store is the slice of the durable store the emitter needs. The
// implementation must insert the event and all fan-out jobs in a single
// transaction, return the existing event id on an idempotency-key hit, and
// skip (not fail) job inserts whose idempotency key is already taken.
// enqueued reports how many of the jobs were actually inserted.
type Store interface {
	CreateEventWithJobs(ctx context.Context, ev models.Event, jobs []models.Job) (eventID string, created bool, enqueued int, err error)
}

// EmitParams collects inputs to record one domain event.
type EmitParams struct {
	TenantID       string
	Type           string
	EntityType     string
	EntityID       string
	Payload        map[string]any
	Metadata       map[string]any
	IdempotencyKey string
}

// Emitter records domain events and fans them out into queued jobs through
// the static routing table.
type Emitter struct {
	store       Store
	routing     Routing
	maxAttempts int
	log         *zap.Logger
}

// NewEmitter builds an emitter. maxAttempts seeds the retry budget of every
// fan-out job.
func NewEmitter(store Store, routing Routing, maxAttempts int, log *zap.Logger) *Emitter {
	return &Emitter{
		store:       store,
		routing:     routing,
		maxAttempts: maxAttempts,
		log:         log.Named("emitter"),
	}
}

// Emit records the event and enqueues its fan-out jobs atomically. Emitting
// twice with the same idempotency key returns the first event's id and does
// nothing else. Each fan-out job carries the synthetic key
// "{jobType}:{eventID}", so one event can never enqueue a job type twice.
func (e *Emitter) Emit(ctx context.Context, p EmitParams) (string, error) {
	if p.TenantID == "" {
		return "", errors.New("emit: tenant id is required")
	}
	if p.Type == "" {
		return "", errors.New("emit: event type is required")
	}

	now := time.Now().UTC()
	ev := models.Event{
		ID:             uuid.New().String(),
		TenantID:       p.TenantID,
		Type:           p.Type,
		EntityType:     emptyToNil(p.EntityType),
		EntityID:       emptyToNil(p.EntityID),
		Payload:        p.Payload,
		Metadata:       p.Metadata,
		IdempotencyKey: emptyToNil(p.IdempotencyKey),
		CreatedAt:      now,
	}

	jobTypes := e.routing.JobTypes(p.Type)
	jobs := make([]models.Job, 0, len(jobTypes))
	for _, jt := range jobTypes {
		key := fmt.Sprintf("%s:%s", jt, ev.ID)
		sourceID := ev.ID
		jobs = append(jobs, models.Job{
			ID:             uuid.New().String(),
			TenantID:       p.TenantID,
			SourceEventID:  &sourceID,
			Type:           jt,
			Status:         models.JobPending,
			IdempotencyKey: &key,
			Payload:        p.Payload,
			MaxAttempts:    e.maxAttempts,
			ScheduledFor:   now,
			CreatedAt:      now,
		})
	}

	id, created, enqueued, err := e.store.CreateEventWithJobs(ctx, ev, jobs)
	if err != nil {
		return "", fmt.Errorf("emit %s: %w", p.Type, err)
	}
	if !created {
		telemetry.EventsDeduped.Inc()
		e.log.Debug("emit deduped by idempotency key",
			zap.String("event_type", p.Type),
			zap.String("idempotency_key", p.IdempotencyKey),
			zap.String("event_id", id))
		return id, nil
	}

	telemetry.EventsEmitted.Inc()
	telemetry.JobsEnqueued.Add(float64(enqueued))
	e.log.Debug("event emitted",
		zap.String("event_id", id),
		zap.String("event_type", p.Type),
		zap.String("tenant_id", p.TenantID),
		zap.Int("fanout_jobs", enqueued))
	return id, nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"crm-workflow-engine/internal/config"
	"crm-workflow-engine/internal/events"
	"crm-workflow-engine/internal/models"
	"crm-workflow-engine/internal/queue"
	"crm-workflow-engine/internal/telemetry"
)

// JobReader is the read-only store slice the API needs.
type JobReader interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterJob, error)
}

// OneOffScheduler registers future triggers; the scheduler satisfies it.
type OneOffScheduler interface {
	ScheduleOneOff(ctx context.Context, taskType string, executeAt time.Time, config map[string]any, tenantID string) (string, error)
}

// Server wires the engine's producer and ops HTTP surface. The CRM's own
// CRUD API lives elsewhere; this surface is for emitting events, enqueueing
// jobs, and inspecting the queue.
type Server struct {
	cfg       config.Config
	emitter   *events.Emitter
	queue     *queue.Service
	scheduler OneOffScheduler
	reader    JobReader
}

// New constructs the API server.
func New(cfg config.Config, emitter *events.Emitter, q *queue.Service, scheduler OneOffScheduler, reader JobReader) *Server {
	return &Server{
		cfg:       cfg,
		emitter:   emitter,
		queue:     q,
		scheduler: scheduler,
		reader:    reader,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/events", s.handleEmit)
	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/deadletters", s.handleDeadLetters)
	r.Post("/scheduled-tasks", s.handleScheduleOneOff)
	return r
}

type emitRequest struct {
	Type           string         `json:"type"`
	EntityType     string         `json:"entity_type"`
	EntityID       string         `json:"entity_id"`
	Payload        map[string]any `json:"payload"`
	Metadata       map[string]any `json:"metadata"`
	IdempotencyKey string         `json:"idempotency_key"`
}

func (s *Server) handleEmit(w http.ResponseWriter, r *http.Request) {
	var req emitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}
	eventID, err := s.emitter.Emit(r.Context(), events.EmitParams{
		TenantID:       tenantFromRequest(r),
		Type:           req.Type,
		EntityType:     req.EntityType,
		EntityID:       req.EntityID,
		Payload:        req.Payload,
		Metadata:       req.Metadata,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"event_id": eventID})
}

type enqueueRequest struct {
	Type           string         `json:"type"`
	Payload        map[string]any `json:"payload"`
	IdempotencyKey string         `json:"idempotency_key"`
	ScheduledFor   *time.Time     `json:"scheduled_for"`
	DelaySeconds   int            `json:"delay_seconds"`
	MaxAttempts    int            `json:"max_attempts"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}
	scheduledFor := time.Now().UTC()
	if req.ScheduledFor != nil {
		scheduledFor = *req.ScheduledFor
	}
	if req.DelaySeconds > 0 {
		scheduledFor = time.Now().UTC().Add(time.Duration(req.DelaySeconds) * time.Second)
	}

	job, err := s.queue.Enqueue(r.Context(), queue.EnqueueParams{
		TenantID:       tenantFromRequest(r),
		Type:           req.Type,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
		ScheduledFor:   scheduledFor,
		MaxAttempts:    req.MaxAttempts,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if job == nil {
		// Idempotency collision: already enqueued.
		writeJSON(w, http.StatusOK, map[string]any{"idempotent": true})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job, "idempotent": false})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.reader.GetJob(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	items, err := s.reader.ListDeadLetters(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dead letters", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type scheduleRequest struct {
	TaskType  string         `json:"task_type"`
	ExecuteAt time.Time      `json:"execute_at"`
	Config    map[string]any `json:"config"`
}

func (s *Server) handleScheduleOneOff(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.TaskType == "" || req.ExecuteAt.IsZero() {
		http.Error(w, "task_type and execute_at are required", http.StatusBadRequest)
		return
	}
	taskID, err := s.scheduler.ScheduleOneOff(r.Context(), req.TaskType, req.ExecuteAt, req.Config, tenantFromRequest(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"task_id": taskID})
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

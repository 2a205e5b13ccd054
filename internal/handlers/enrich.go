package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"crm-workflow-engine/internal/models"
)

// LeadEnrichHandler pushes a freshly created lead to the enrichment service.
// The service is an external collaborator; this handler only owns the call.
type LeadEnrichHandler struct {
	client *http.Client
	url    string
	log    *zap.Logger
}

func NewLeadEnrichHandler(url string, log *zap.Logger) *LeadEnrichHandler {
	return &LeadEnrichHandler{
		client: &http.Client{Timeout: 30 * time.Second},
		url:    url,
		log:    log.Named("lead_enrich"),
	}
}

func (h *LeadEnrichHandler) Type() string { return models.JobLeadEnrich }

func (h *LeadEnrichHandler) Handle(ctx context.Context, job models.Job) error {
	if h.url == "" {
		h.log.Debug("enrichment url not configured, skipping", zap.String("job_id", job.ID))
		return nil
	}
	return postJSON(ctx, h.client, h.url, map[string]any{
		"tenant_id": job.TenantID,
		"lead":      job.Payload,
	})
}

// LeadQualifyHandler sends a lead to the AI qualification service.
type LeadQualifyHandler struct {
	client *http.Client
	url    string
	log    *zap.Logger
}

func NewLeadQualifyHandler(url string, log *zap.Logger) *LeadQualifyHandler {
	return &LeadQualifyHandler{
		client: &http.Client{Timeout: 60 * time.Second},
		url:    url,
		log:    log.Named("lead_qualify"),
	}
}

func (h *LeadQualifyHandler) Type() string { return models.JobLeadQualify }

func (h *LeadQualifyHandler) Handle(ctx context.Context, job models.Job) error {
	if h.url == "" {
		h.log.Debug("qualify url not configured, skipping", zap.String("job_id", job.ID))
		return nil
	}
	return postJSON(ctx, h.client, h.url, map[string]any{
		"tenant_id": job.TenantID,
		"task":      "qualify_lead",
		"lead":      job.Payload,
	})
}

// CallSummarizeHandler asks the AI service for a summary of a completed
// call.
type CallSummarizeHandler struct {
	client *http.Client
	url    string
	log    *zap.Logger
}

func NewCallSummarizeHandler(url string, log *zap.Logger) *CallSummarizeHandler {
	return &CallSummarizeHandler{
		client: &http.Client{Timeout: 60 * time.Second},
		url:    url,
		log:    log.Named("call_summarize"),
	}
}

func (h *CallSummarizeHandler) Type() string { return models.JobCallSummarize }

func (h *CallSummarizeHandler) Handle(ctx context.Context, job models.Job) error {
	if h.url == "" {
		h.log.Debug("summarize url not configured, skipping", zap.String("job_id", job.ID))
		return nil
	}
	return postJSON(ctx, h.client, h.url, map[string]any{
		"tenant_id": job.TenantID,
		"task":      "summarize_call",
		"call":      job.Payload,
	})
}

// Package handlers holds the engine's built-in job handlers. The business
// content of each is deliberately thin; handlers are idempotent or mint
// their own idempotency keys, because at-least-once delivery can invoke
// them more than once for the same job.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"crm-workflow-engine/internal/models"
)

// WebhookHandler forwards a job's payload to a configured webhook endpoint.
type WebhookHandler struct {
	client *http.Client
	url    string
	log    *zap.Logger
}

func NewWebhookHandler(url string, log *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		client: &http.Client{Timeout: 15 * time.Second},
		url:    url,
		log:    log.Named("webhook"),
	}
}

func (h *WebhookHandler) Type() string { return models.JobWebhookNotify }

func (h *WebhookHandler) Handle(ctx context.Context, job models.Job) error {
	if h.url == "" {
		h.log.Debug("webhook url not configured, skipping", zap.String("job_id", job.ID))
		return nil
	}
	body := map[string]any{
		"tenant_id": job.TenantID,
		"job_id":    job.ID,
		"payload":   job.Payload,
	}
	if job.SourceEventID != nil {
		body["event_id"] = *job.SourceEventID
	}
	return postJSON(ctx, h.client, h.url, body)
}

func postJSON(ctx context.Context, client *http.Client, url string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post %s: unexpected status %d", url, resp.StatusCode)
	}
	return nil
}

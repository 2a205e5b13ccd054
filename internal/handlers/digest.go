package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"crm-workflow-engine/internal/models"
)

// DigestBuildHandler handles the daily digest cron fire. Like the retention
// scan it arrives under the system tenant and loops over tenants itself.
type DigestBuildHandler struct {
	tenants TenantLister
	client  *http.Client
	url     string
	log     *zap.Logger
}

func NewDigestBuildHandler(tenants TenantLister, url string, log *zap.Logger) *DigestBuildHandler {
	return &DigestBuildHandler{
		tenants: tenants,
		client:  &http.Client{Timeout: 30 * time.Second},
		url:     url,
		log:     log.Named("digest_build"),
	}
}

func (h *DigestBuildHandler) Type() string { return models.JobDigestBuild }

func (h *DigestBuildHandler) Handle(ctx context.Context, job models.Job) error {
	tenantIDs := []string{job.TenantID}
	if job.TenantID == models.SystemTenant {
		var err error
		tenantIDs, err = h.tenants.ListTenantIDs(ctx)
		if err != nil {
			return err
		}
	}
	for _, tenantID := range tenantIDs {
		if h.url == "" {
			continue
		}
		if err := postJSON(ctx, h.client, h.url, map[string]any{
			"tenant_id": tenantID,
			"kind":      "daily_digest",
			"date":      time.Now().UTC().Format("2006-01-02"),
		}); err != nil {
			return err
		}
	}
	h.log.Info("digest build dispatched", zap.Int("tenants", len(tenantIDs)))
	return nil
}

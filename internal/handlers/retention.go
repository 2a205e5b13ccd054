package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"crm-workflow-engine/internal/models"
)

// OneOffScheduler registers delayed follow-up work. The scheduler satisfies
// it.
type OneOffScheduler interface {
	ScheduleOneOff(ctx context.Context, taskType string, executeAt time.Time, config map[string]any, tenantID string) (string, error)
}

// TenantLister enumerates tenant ids for system-scoped work. The CRM's
// tenant service is the real implementation.
type TenantLister interface {
	ListTenantIDs(ctx context.Context) ([]string, error)
}

// StaticTenants is a fixed TenantLister for tests and single-tenant
// deployments.
type StaticTenants []string

func (s StaticTenants) ListTenantIDs(context.Context) ([]string, error) {
	return []string(s), nil
}

// ScheduleTestimonialHandler reacts to a won deal by registering a
// testimonial request for later, via the one-off scheduler rather than a
// queued job, so the nudge survives restarts without a broker.
type ScheduleTestimonialHandler struct {
	scheduler OneOffScheduler
	delay     time.Duration
	log       *zap.Logger
}

func NewScheduleTestimonialHandler(s OneOffScheduler, delay time.Duration, log *zap.Logger) *ScheduleTestimonialHandler {
	if delay <= 0 {
		delay = 30 * 24 * time.Hour
	}
	return &ScheduleTestimonialHandler{scheduler: s, delay: delay, log: log.Named("schedule_testimonial")}
}

func (h *ScheduleTestimonialHandler) Type() string { return models.JobScheduleTestimonial }

func (h *ScheduleTestimonialHandler) Handle(ctx context.Context, job models.Job) error {
	executeAt := time.Now().UTC().Add(h.delay)
	taskID, err := h.scheduler.ScheduleOneOff(ctx, models.TaskTestimonialRequest, executeAt, job.Payload, job.TenantID)
	if err != nil {
		return err
	}
	h.log.Info("testimonial request scheduled",
		zap.String("tenant_id", job.TenantID),
		zap.String("task_id", taskID),
		zap.Time("execute_at", executeAt))
	return nil
}

// SendTestimonialHandler delivers the scheduled testimonial nudge through
// the webhook endpoint.
type SendTestimonialHandler struct {
	client *http.Client
	url    string
	log    *zap.Logger
}

func NewSendTestimonialHandler(url string, log *zap.Logger) *SendTestimonialHandler {
	return &SendTestimonialHandler{
		client: &http.Client{Timeout: 15 * time.Second},
		url:    url,
		log:    log.Named("send_testimonial"),
	}
}

func (h *SendTestimonialHandler) Type() string { return models.JobSendTestimonial }

func (h *SendTestimonialHandler) Handle(ctx context.Context, job models.Job) error {
	if h.url == "" {
		h.log.Debug("webhook url not configured, skipping", zap.String("job_id", job.ID))
		return nil
	}
	return postJSON(ctx, h.client, h.url, map[string]any{
		"tenant_id": job.TenantID,
		"kind":      "testimonial_request",
		"deal":      job.Payload,
	})
}

// RetentionScanHandler handles the recurring retention check. Cron fires it
// under the system tenant, so it fans out over tenants itself.
type RetentionScanHandler struct {
	tenants TenantLister
	client  *http.Client
	url     string
	log     *zap.Logger
}

func NewRetentionScanHandler(tenants TenantLister, url string, log *zap.Logger) *RetentionScanHandler {
	return &RetentionScanHandler{
		tenants: tenants,
		client:  &http.Client{Timeout: 30 * time.Second},
		url:     url,
		log:     log.Named("retention_scan"),
	}
}

func (h *RetentionScanHandler) Type() string { return models.JobRetentionScan }

func (h *RetentionScanHandler) Handle(ctx context.Context, job models.Job) error {
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
			"kind":      "retention_scan",
		}); err != nil {
			return err
		}
	}
	h.log.Info("retention scan dispatched", zap.Int("tenants", len(tenantIDs)))
	return nil
}

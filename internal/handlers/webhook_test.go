package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"crm-workflow-engine/internal/models"
)

func TestWebhookHandlerPostsPayload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := NewWebhookHandler(srv.URL, zap.NewNop())
	eventID := "ev-1"
	err := h.Handle(context.Background(), models.Job{
		ID:            "job-1",
		TenantID:      "t1",
		Type:          models.JobWebhookNotify,
		SourceEventID: &eventID,
		Payload:       map[string]any{"deal_id": "d-9"},
	})
	require.NoError(t, err)
	require.Equal(t, "t1", got["tenant_id"])
	require.Equal(t, "ev-1", got["event_id"])
	require.Equal(t, "d-9", got["payload"].(map[string]any)["deal_id"])
}

func TestWebhookHandlerErrorsOnBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	h := NewWebhookHandler(srv.URL, zap.NewNop())
	err := h.Handle(context.Background(), models.Job{ID: "job-1", TenantID: "t1"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "502")
}

func TestWebhookHandlerSkipsWhenUnconfigured(t *testing.T) {
	h := NewWebhookHandler("", zap.NewNop())
	require.NoError(t, h.Handle(context.Background(), models.Job{ID: "job-1"}))
}

type recordingScheduler struct {
	taskType  string
	executeAt time.Time
	tenantID  string
	config    map[string]any
}

func (r *recordingScheduler) ScheduleOneOff(_ context.Context, taskType string, executeAt time.Time, config map[string]any, tenantID string) (string, error) {
	r.taskType = taskType
	r.executeAt = executeAt
	r.tenantID = tenantID
	r.config = config
	return "task-1", nil
}

func TestScheduleTestimonialRegistersDelayedTask(t *testing.T) {
	rec := &recordingScheduler{}
	h := NewScheduleTestimonialHandler(rec, 48*time.Hour, zap.NewNop())

	before := time.Now().UTC()
	err := h.Handle(context.Background(), models.Job{
		ID:       "job-1",
		TenantID: "t1",
		Payload:  map[string]any{"deal_id": "d-1"},
	})
	require.NoError(t, err)
	require.Equal(t, models.TaskTestimonialRequest, rec.taskType)
	require.Equal(t, "t1", rec.tenantID)
	require.Equal(t, "d-1", rec.config["deal_id"])
	require.WithinDuration(t, before.Add(48*time.Hour), rec.executeAt, 5*time.Second)
}

func TestRetentionScanFansOutOverTenants(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		seen = append(seen, body["tenant_id"].(string))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := NewRetentionScanHandler(StaticTenants{"t1", "t2", "t3"}, srv.URL, zap.NewNop())
	err := h.Handle(context.Background(), models.Job{
		ID:       "job-1",
		TenantID: models.SystemTenant,
		Type:     models.JobRetentionScan,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"t1", "t2", "t3"}, seen)
}

func TestRetentionScanSingleTenantScope(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		seen = append(seen, body["tenant_id"].(string))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := NewRetentionScanHandler(StaticTenants{"t1", "t2"}, srv.URL, zap.NewNop())
	err := h.Handle(context.Background(), models.Job{ID: "job-1", TenantID: "t2"})
	require.NoError(t, err)
	require.Equal(t, []string{"t2"}, seen, "tenant-scoped jobs must not fan out")
}

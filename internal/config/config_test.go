package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	require.Equal(t, 2, cfg.WorkerConcurrency)
	require.Equal(t, time.Second, cfg.WorkerPollInterval)
	require.Equal(t, 10*time.Minute, cfg.LockTimeout)
	require.Equal(t, 5*time.Second, cfg.JobBaseBackoff)
	require.Equal(t, 3, cfg.JobMaxAttempts)
	require.Equal(t, time.Minute, cfg.SchedulerPollInterval)
	require.True(t, cfg.WorkerEnabled)
	require.True(t, cfg.SchedulerEnabled)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("WORKER_POLL_INTERVAL", "250ms")
	t.Setenv("WORKER_ENABLED", "false")
	t.Setenv("TENANT_IDS", "t1, t2,t3")

	cfg := Load()
	require.Equal(t, 8, cfg.WorkerConcurrency)
	require.Equal(t, 250*time.Millisecond, cfg.WorkerPollInterval)
	require.False(t, cfg.WorkerEnabled)
	require.Equal(t, []string{"t1", "t2", "t3"}, cfg.TenantIDs)
}

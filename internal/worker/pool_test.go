package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"crm-workflow-engine/internal/models"
	"crm-workflow-engine/internal/queue"
	"crm-workflow-engine/internal/store/memory"
)

func newPoolFixture(t *testing.T, registry *Registry) (*Pool, *queue.Service, *memory.Store) {
	t.Helper()
	st := memory.New()
	q := queue.NewService(st, nil, queue.Options{
		BaseBackoff:        time.Millisecond,
		DefaultMaxAttempts: 3,
		LockTimeout:        10 * time.Minute,
	}, zap.NewNop())
	pool := NewPool(q, registry, Options{
		Concurrency:    2,
		PollInterval:   5 * time.Millisecond,
		ReaperInterval: time.Hour,
	}, zap.NewNop())
	return pool, q, st
}

func runPool(t *testing.T, pool *Pool) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pool.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("pool did not stop after cancellation")
		}
	})
	return cancel
}

func TestPoolExecutesClaimedJob(t *testing.T) {
	handled := make(chan models.Job, 1)
	registry := NewRegistry()
	registry.MustRegister(&fakeHandler{typ: models.JobLeadEnrich, fn: func(_ context.Context, job models.Job) error {
		handled <- job
		return nil
	}})

	pool, q, st := newPoolFixture(t, registry)
	ctx := context.Background()

	enqueued, err := q.Enqueue(ctx, queue.EnqueueParams{
		TenantID: "t1",
		Type:     models.JobLeadEnrich,
		Payload:  map[string]any{"lead_id": "L1"},
	})
	require.NoError(t, err)
	runPool(t, pool)

	select {
	case job := <-handled:
		require.Equal(t, enqueued.ID, job.ID)
		require.Equal(t, "L1", job.Payload["lead_id"])
	case <-time.After(5 * time.Second):
		t.Fatal("handler was never invoked")
	}

	require.Eventually(t, func() bool {
		job, err := st.GetJob(ctx, enqueued.ID)
		return err == nil && job.Status == models.JobCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPoolRetriesFailingHandlerUntilDeadLetter(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister(&fakeHandler{typ: models.JobWebhookNotify, fn: func(context.Context, models.Job) error {
		return errors.New("endpoint down")
	}})

	pool, q, st := newPoolFixture(t, registry)
	ctx := context.Background()

	enqueued, err := q.Enqueue(ctx, queue.EnqueueParams{
		TenantID:    "t1",
		Type:        models.JobWebhookNotify,
		MaxAttempts: 2,
	})
	require.NoError(t, err)
	runPool(t, pool)

	require.Eventually(t, func() bool {
		job, err := st.GetJob(ctx, enqueued.ID)
		return err == nil && job.Status == models.JobFailed
	}, 5*time.Second, 10*time.Millisecond)

	job, err := st.GetJob(ctx, enqueued.ID)
	require.NoError(t, err)
	require.Equal(t, 2, job.Attempts)

	dls, err := st.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	require.Equal(t, "endpoint down", dls[0].LastError)
}

func TestPoolFailsJobWithoutHandler(t *testing.T) {
	pool, q, st := newPoolFixture(t, NewRegistry())
	ctx := context.Background()

	enqueued, err := q.Enqueue(ctx, queue.EnqueueParams{
		TenantID:    "t1",
		Type:        models.JobDigestBuild,
		MaxAttempts: 1,
	})
	require.NoError(t, err)
	runPool(t, pool)

	require.Eventually(t, func() bool {
		job, err := st.GetJob(ctx, enqueued.ID)
		return err == nil && job.Status == models.JobFailed
	}, 5*time.Second, 10*time.Millisecond)

	dls, err := st.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	require.Contains(t, dls[0].LastError, "no handler registered")
}

// ctxAwareStore aborts writes on a cancelled context, matching how a
// Postgres-backed store behaves.
type ctxAwareStore struct {
	*memory.Store
}

func (s *ctxAwareStore) CompleteJob(ctx context.Context, id string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.CompleteJob(ctx, id, now)
}

func (s *ctxAwareStore) RescheduleJob(ctx context.Context, id string, attempts int, scheduledFor time.Time, lastError string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.RescheduleJob(ctx, id, attempts, scheduledFor, lastError)
}

func TestPoolRecordsOutcomeWhenShutdownArrivesMidHandler(t *testing.T) {
	st := &ctxAwareStore{Store: memory.New()}
	q := queue.NewService(st, nil, queue.Options{
		BaseBackoff:        time.Millisecond,
		DefaultMaxAttempts: 3,
		LockTimeout:        10 * time.Minute,
	}, zap.NewNop())

	started := make(chan struct{})
	release := make(chan struct{})
	registry := NewRegistry()
	registry.MustRegister(&fakeHandler{typ: models.JobLeadEnrich, fn: func(context.Context, models.Job) error {
		close(started)
		<-release
		return nil
	}})
	pool := NewPool(q, registry, Options{
		Concurrency:    1,
		PollInterval:   5 * time.Millisecond,
		ReaperInterval: time.Hour,
	}, zap.NewNop())

	ctx := context.Background()
	enqueued, err := q.Enqueue(ctx, queue.EnqueueParams{
		TenantID: "t1",
		Type:     models.JobLeadEnrich,
	})
	require.NoError(t, err)
	cancel := runPool(t, pool)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler was never invoked")
	}

	// Shut down while the handler is still running, then let it finish:
	// its completion must still be recorded, not left for the reaper.
	cancel()
	close(release)

	require.Eventually(t, func() bool {
		job, err := st.GetJob(ctx, enqueued.ID)
		return err == nil && job.Status == models.JobCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPoolRecoversHandlerPanic(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister(&fakeHandler{typ: models.JobCallSummarize, fn: func(context.Context, models.Job) error {
		panic("malformed transcript")
	}})

	pool, q, st := newPoolFixture(t, registry)
	ctx := context.Background()

	enqueued, err := q.Enqueue(ctx, queue.EnqueueParams{
		TenantID:    "t1",
		Type:        models.JobCallSummarize,
		MaxAttempts: 1,
	})
	require.NoError(t, err)
	runPool(t, pool)

	require.Eventually(t, func() bool {
		job, err := st.GetJob(ctx, enqueued.ID)
		return err == nil && job.Status == models.JobFailed
	}, 5*time.Second, 10*time.Millisecond)

	job, err := st.GetJob(ctx, enqueued.ID)
	require.NoError(t, err)
	require.NotNil(t, job.LastError)
	require.Contains(t, *job.LastError, "handler panic")
}

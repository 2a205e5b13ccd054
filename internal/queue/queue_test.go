package queue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"crm-workflow-engine/internal/events"
	"crm-workflow-engine/internal/models"
	"crm-workflow-engine/internal/queue"
	"crm-workflow-engine/internal/store/memory"
)

func newQueue(t *testing.T) (*queue.Service, *memory.Store, *events.Emitter) {
	t.Helper()
	st := memory.New()
	emitter := events.NewEmitter(st, events.DefaultRouting(), 3, zap.NewNop())
	svc := queue.NewService(st, emitter, queue.Options{
		BaseBackoff:        5 * time.Second,
		DefaultMaxAttempts: 3,
		LockTimeout:        10 * time.Minute,
	}, zap.NewNop())
	return svc, st, emitter
}

func TestEnqueueIdempotencyCollisionIsNoOp(t *testing.T) {
	svc, _, _ := newQueue(t)
	ctx := context.Background()

	p := queue.EnqueueParams{
		TenantID:       "t1",
		Type:           models.JobWebhookNotify,
		IdempotencyKey: "intake:42",
	}
	first, err := svc.Enqueue(ctx, p)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := svc.Enqueue(ctx, p)
	require.NoError(t, err)
	require.Nil(t, second, "duplicate enqueue should be a silent no-op")
}

func TestConcurrentClaimsAreDisjoint(t *testing.T) {
	svc, _, _ := newQueue(t)
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, queue.EnqueueParams{TenantID: "t1", Type: models.JobLeadEnrich})
	require.NoError(t, err)

	var mu sync.Mutex
	var claimed []*models.Job
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			job, err := svc.ClaimNext(ctx, workerID)
			require.NoError(t, err)
			mu.Lock()
			claimed = append(claimed, job)
			mu.Unlock()
		}(string(rune('a' + i)))
	}
	wg.Wait()

	got := 0
	for _, j := range claimed {
		if j != nil {
			got++
		}
	}
	require.Equal(t, 1, got, "exactly one worker should win the claim")
}

func TestClaimRespectsScheduledFor(t *testing.T) {
	svc, _, _ := newQueue(t)
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, queue.EnqueueParams{
		TenantID:     "t1",
		Type:         models.JobDigestBuild,
		ScheduledFor: time.Now().UTC().Add(time.Hour),
	})
	require.NoError(t, err)

	job, err := svc.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.Nil(t, job, "future jobs must not be claimable")
}

func TestFailReschedulesWithExponentialBackoff(t *testing.T) {
	svc, st, _ := newQueue(t)
	ctx := context.Background()

	enqueued, err := svc.Enqueue(ctx, queue.EnqueueParams{TenantID: "t1", Type: models.JobLeadQualify})
	require.NoError(t, err)

	job, err := svc.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, job)

	before := time.Now().UTC()
	require.NoError(t, svc.Fail(ctx, *job, errors.New("downstream 503")))

	got, err := st.GetJob(ctx, enqueued.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobPending, got.Status)
	require.Equal(t, 1, got.Attempts)
	require.Nil(t, got.LockedBy)
	require.NotNil(t, got.LastError)
	require.Equal(t, "downstream 503", *got.LastError)
	// First failure backs off 2^1 x 5s = 10s.
	delay := got.ScheduledFor.Sub(before)
	require.InDelta(t, (10 * time.Second).Seconds(), delay.Seconds(), 1.0)
}

func TestFailureThenSuccessCompletesWithoutDeadLetter(t *testing.T) {
	svc, st, _ := newQueue(t)
	ctx := context.Background()

	enqueued, err := svc.Enqueue(ctx, queue.EnqueueParams{TenantID: "t1", Type: models.JobLeadEnrich, MaxAttempts: 3})
	require.NoError(t, err)

	future := time.Now().UTC().Add(time.Hour)
	for i := 0; i < 2; i++ {
		job, err := st.ClaimNextJob(ctx, "w1", future)
		require.NoError(t, err)
		require.NotNil(t, job)
		require.NoError(t, svc.Fail(ctx, *job, errors.New("transient")))
	}

	job, err := st.ClaimNextJob(ctx, "w1", future.Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, 2, job.Attempts)
	require.NoError(t, svc.Complete(ctx, job.ID))

	got, err := st.GetJob(ctx, enqueued.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobCompleted, got.Status)
	require.Equal(t, 2, got.Attempts)
	require.NotNil(t, got.CompletedAt)

	dls, err := st.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, dls)
}

func TestExhaustedRetriesDeadLetterWithAlert(t *testing.T) {
	svc, st, _ := newQueue(t)
	ctx := context.Background()

	enqueued, err := svc.Enqueue(ctx, queue.EnqueueParams{TenantID: "t1", Type: models.JobWebhookNotify, MaxAttempts: 3})
	require.NoError(t, err)

	errs := []string{"first error", "second error", "third error"}
	future := time.Now().UTC().Add(time.Hour)
	for i, msg := range errs {
		job, err := st.ClaimNextJob(ctx, "w1", future.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
		require.NotNil(t, job, "attempt %d should be claimable", i+1)
		require.NoError(t, svc.Fail(ctx, *job, errors.New(msg)))
	}

	got, err := st.GetJob(ctx, enqueued.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobFailed, got.Status)
	require.Equal(t, 3, got.Attempts)

	// Terminal: never claimable again, even far in the future.
	job, err := st.ClaimNextJob(ctx, "w1", future.Add(100*time.Hour))
	require.NoError(t, err)
	require.Nil(t, job)

	dls, err := st.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	require.Equal(t, enqueued.ID, dls[0].JobID)
	require.Equal(t, 3, dls[0].Attempts)
	require.Equal(t, "third error", dls[0].LastError)

	// Dead-lettering raised the durable alert event, exactly once.
	alerts := st.EventsByType(models.EventJobDeadLettered)
	require.Len(t, alerts, 1)
	require.Equal(t, "t1", alerts[0].TenantID)
	require.NotNil(t, alerts[0].IdempotencyKey)
	require.Equal(t, "dead_letter:"+enqueued.ID, *alerts[0].IdempotencyKey)
}

func TestReaperSweepReclaimsStuckJobs(t *testing.T) {
	svc, st, _ := newQueue(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-2 * time.Hour)
	_, err := svc.Enqueue(ctx, queue.EnqueueParams{
		TenantID:     "t1",
		Type:         models.JobCallSummarize,
		ScheduledFor: past,
	})
	require.NoError(t, err)

	// Claim with a lock timestamp far in the past, simulating a crashed
	// worker that never reported back.
	job, err := st.ClaimNextJob(ctx, "w-crashed", past.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, job)

	reclaimed, err := svc.ReaperSweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, reclaimed)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobPending, got.Status)
	require.Equal(t, 0, got.Attempts, "reaping must not burn an attempt")
	require.Nil(t, got.LockedBy)

	// Eligible for claim again.
	again, err := svc.ClaimNext(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, again)
	require.Equal(t, job.ID, again.ID)
}

func TestReaperSweepIgnoresFreshLocks(t *testing.T) {
	svc, _, _ := newQueue(t)
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, queue.EnqueueParams{TenantID: "t1", Type: models.JobLeadEnrich})
	require.NoError(t, err)
	job, err := svc.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, job)

	reclaimed, err := svc.ReaperSweep(ctx)
	require.NoError(t, err)
	require.Zero(t, reclaimed)
}

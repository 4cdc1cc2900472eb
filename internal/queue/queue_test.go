package queue

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testJob(id string) Job {
	return Job{
		ID:   id,
		Kind: KindCrawl,
		Target: Target{
			URL:  "https://example.com/series/ch-1",
			Name: "series",
			Dir:  "/tmp/series",
		},
	}
}

func TestClaimNext_SingleOwnerUnderContention(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, testJob("job-1")))

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed []string
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			job, err := store.ClaimNext(ctx, KindCrawl, "worker-"+string(rune('a'+n)))
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if job != nil {
				mu.Lock()
				claimed = append(claimed, job.WorkerID)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, claimed, 1, "exactly one worker must win the claim")

	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, claimed[0], got.WorkerID)
	assert.False(t, got.HeartbeatAt.IsZero())
	assert.False(t, got.ProcessingStartedAt.IsZero())
}

func TestClaimNext_NoEligibleJob(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job, err := store.ClaimNext(ctx, KindCrawl, "w1")
	require.NoError(t, err)
	assert.Nil(t, job, "empty queue yields no job, not an error")

	// A job behind a backoff window is not eligible either.
	require.NoError(t, store.Enqueue(ctx, testJob("job-delayed")))
	_, _, err = store.Fail(ctx, "job-delayed", "boom", 5)
	require.NoError(t, err)

	job, err = store.ClaimNext(ctx, KindCrawl, "w1")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestClaimNext_OldestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	store.SetClock(func() time.Time { return current })

	require.NoError(t, store.Enqueue(ctx, testJob("job-old")))
	current = base.Add(time.Minute)
	require.NoError(t, store.Enqueue(ctx, testJob("job-new")))

	current = base.Add(2 * time.Minute)
	job, err := store.ClaimNext(ctx, KindCrawl, "w1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "job-old", job.ID)
}

func TestFail_BackoffMonotonicAndTries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })

	require.NoError(t, store.Enqueue(ctx, testJob("job-f")))

	var prevAvailable time.Time
	for k := 1; k <= 4; k++ {
		tries, status, err := store.Fail(ctx, "job-f", "transient", 5)
		require.NoError(t, err)
		assert.Equal(t, k, tries, "tries increases by exactly 1 per fail")
		assert.Equal(t, StatusQueued, status)

		job, err := store.GetJob(ctx, "job-f")
		require.NoError(t, err)
		assert.Equal(t, k, job.Tries)
		assert.True(t, !job.AvailableAt.Before(prevAvailable),
			"available_at must be non-decreasing across failures")
		prevAvailable = job.AvailableAt
	}

	// Fifth failure hits the ceiling and converts to terminal failed.
	tries, status, err := store.Fail(ctx, "job-f", "transient", 5)
	require.NoError(t, err)
	assert.Equal(t, 5, tries)
	assert.Equal(t, StatusFailed, status)

	job, err := store.GetJob(ctx, "job-f")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)

	// Terminal failed jobs are never auto-retried.
	claimed, err := store.ClaimNext(ctx, KindCrawl, "w1")
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestEnqueue_Idempotency(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := testJob("job-e")
	job.Payload = []byte(`{"expected_total":10}`)
	require.NoError(t, store.Enqueue(ctx, job))

	// Re-enqueue of a queued job overwrites target and payload.
	job.Target.URL = "https://example.com/series/ch-5"
	job.Payload = []byte(`{"expected_total":20}`)
	require.NoError(t, store.Enqueue(ctx, job))

	got, err := store.GetJob(ctx, "job-e")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Equal(t, "https://example.com/series/ch-5", got.Target.URL)
	assert.JSONEq(t, `{"expected_total":20}`, string(got.Payload))

	// Complete, then re-enqueue: the done job and its result are untouched.
	claimed, err := store.ClaimNext(ctx, KindCrawl, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, store.Complete(ctx, "job-e", map[string]int{"units": 42}, nil))

	job.Target.URL = "https://example.com/series/ch-9"
	require.NoError(t, store.Enqueue(ctx, job))

	got, err = store.GetJob(ctx, "job-e")
	require.NoError(t, err)
	assert.Equal(t, StatusDone, got.Status)
	assert.Equal(t, "https://example.com/series/ch-5", got.Target.URL)
	assert.JSONEq(t, `{"units":42}`, string(got.Result))
}

func TestEnqueue_FailedJobReturnsToQueued(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, testJob("job-r")))
	_, status, err := store.Fail(ctx, "job-r", "fatal", 1)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, status)

	require.NoError(t, store.Enqueue(ctx, testJob("job-r")))
	got, err := store.GetJob(ctx, "job-r")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Empty(t, got.LastError)
}

func TestReclaimStale(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	store.SetClock(func() time.Time { return current })

	require.NoError(t, store.Enqueue(ctx, testJob("job-stale")))
	require.NoError(t, store.Enqueue(ctx, testJob("job-fresh")))

	stale, err := store.ClaimNext(ctx, KindCrawl, "w-crashed")
	require.NoError(t, err)
	require.NotNil(t, stale)
	fresh, err := store.ClaimNext(ctx, KindCrawl, "w-alive")
	require.NoError(t, err)
	require.NotNil(t, fresh)

	// Only the alive worker heartbeats; the crashed one goes silent.
	current = base.Add(11 * time.Minute)
	require.NoError(t, store.Heartbeat(ctx, fresh.ID, Progress{State: "running"}))

	n, err := store.ReclaimStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	reclaimed, err := store.GetJob(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, reclaimed.Status)
	assert.Zero(t, reclaimed.Tries, "reclaim must not count as a failure")
	assert.Empty(t, reclaimed.WorkerID)

	kept, err := store.GetJob(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, kept.Status)
}

func TestCrashRecoveryScenario(t *testing.T) {
	// A worker claims a job and crashes; after the heartbeat timeout a
	// second worker's reclaim returns it to queued with tries unchanged,
	// and a third claim succeeds.
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	store.SetClock(func() time.Time { return current })

	require.NoError(t, store.Enqueue(ctx, testJob("job-c")))

	claimed, err := store.ClaimNext(ctx, KindCrawl, "w-crashed")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, 0, claimed.Tries)

	current = base.Add(15 * time.Minute)
	n, err := store.ReclaimStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	// Reclaimed jobs are forward-dated slightly to avoid an instant
	// re-claim race right after a crash.
	job, err := store.ClaimNext(ctx, KindCrawl, "w-second")
	require.NoError(t, err)
	assert.Nil(t, job)

	current = current.Add(reclaimDelay + time.Second)
	job, err = store.ClaimNext(ctx, KindCrawl, "w-second")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "w-second", job.WorkerID)
	assert.Equal(t, 0, job.Tries)
}

func TestHeartbeat_NonActiveIsNoOp(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, testJob("job-h")))
	require.NoError(t, store.Heartbeat(ctx, "job-h", Progress{Position: 3, State: "running"}))

	got, err := store.GetJob(ctx, "job-h")
	require.NoError(t, err)
	assert.Zero(t, got.Progress.Position)
	assert.True(t, got.HeartbeatAt.IsZero())
}

func TestKindsAreIndependent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	crawl := testJob("job-crawl")
	publish := testJob("job-publish")
	publish.Kind = KindPublish
	require.NoError(t, store.Enqueue(ctx, crawl))
	require.NoError(t, store.Enqueue(ctx, publish))

	job, err := store.ClaimNext(ctx, KindPublish, "uploader")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "job-publish", job.ID)

	ready, err := store.CountReady(ctx, KindCrawl)
	require.NoError(t, err)
	assert.Equal(t, 1, ready)
}

func TestFlagsAndEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	val, err := store.GetFlag(ctx, FlagRunning, "1")
	require.NoError(t, err)
	assert.Equal(t, "1", val)

	require.NoError(t, store.SetFlag(ctx, FlagStopRequested, "1"))
	val, err = store.GetFlag(ctx, FlagStopRequested, "0")
	require.NoError(t, err)
	assert.Equal(t, "1", val)

	require.NoError(t, store.LogEvent(ctx, "job-x", "info", "position 1 done"))
	require.NoError(t, store.LogEvent(ctx, "job-x", "warning", "position 2 partial"))

	events, err := store.ListEvents(ctx, "job-x", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "position 1 done", events[0].Message)
	assert.Equal(t, "warning", events[1].Level)
}

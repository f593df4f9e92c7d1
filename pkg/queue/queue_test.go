package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regtruth/regtruth/pkg/kv"
)

func newTestMemory() (*Memory, *time.Time) {
	now := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	q := NewMemory()
	q.Clock = func() time.Time { return now }
	return q, &now
}

func TestEnqueueDedupByJobID(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestMemory()

	first, err := q.Enqueue(ctx, "extract", []byte(`{"evidenceId":"ev-1"}`), EnqueueOptions{JobID: "process-ev-1"})
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, "extract", []byte(`{"evidenceId":"ev-1","dup":true}`), EnqueueOptions{JobID: "process-ev-1"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Body, second.Body, "duplicate enqueue must not replace the body")

	depth, err := q.Depth(ctx, "extract")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestDelayedDelivery(t *testing.T) {
	ctx := context.Background()
	q, now := newTestMemory()

	_, err := q.Enqueue(ctx, "extract", []byte("x"), EnqueueOptions{JobID: "j1", Delay: 5 * time.Second})
	require.NoError(t, err)

	_, err = q.Reserve(ctx, "extract", "w1", time.Minute)
	assert.ErrorIs(t, err, ErrQueueEmpty)

	*now = now.Add(5 * time.Second)
	job, err := q.Reserve(ctx, "extract", "w1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "j1", job.ID)
	assert.Equal(t, 1, job.Attempts)
}

func TestLeaseExpiryRequeues(t *testing.T) {
	ctx := context.Background()
	q, now := newTestMemory()

	_, err := q.Enqueue(ctx, "extract", []byte("x"), EnqueueOptions{JobID: "j1"})
	require.NoError(t, err)

	_, err = q.Reserve(ctx, "extract", "w1", 30*time.Second)
	require.NoError(t, err)

	// Lease still held.
	_, err = q.Reserve(ctx, "extract", "w2", 30*time.Second)
	assert.ErrorIs(t, err, ErrQueueEmpty)

	*now = now.Add(31 * time.Second)
	job, err := q.Reserve(ctx, "extract", "w2", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "j1", job.ID)
	assert.Equal(t, "w2", job.LeasedBy)
	assert.Equal(t, 2, job.Attempts)
}

func TestNackRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	q, now := newTestMemory()

	_, err := q.Enqueue(ctx, "extract", []byte("x"), EnqueueOptions{JobID: "j1", MaxAttempts: 2})
	require.NoError(t, err)

	// Attempt 1 fails, retried with backoff.
	_, err = q.Reserve(ctx, "extract", "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, q.Nack(ctx, "j1", "llm timeout", NackOptions{Retry: true}))

	*now = now.Add(Backoff(1, false) + time.Second)
	_, err = q.Reserve(ctx, "extract", "w1", time.Minute)
	require.NoError(t, err)

	// Attempt 2 fails; retry budget exhausted, job dead-letters.
	require.NoError(t, q.Nack(ctx, "j1", "llm timeout", NackOptions{Retry: true}))

	dlDepth, err := q.Depth(ctx, DeadLetterQueue)
	require.NoError(t, err)
	assert.Equal(t, 1, dlDepth)

	*now = now.Add(time.Hour)
	_, err = q.Reserve(ctx, "extract", "w1", time.Minute)
	assert.ErrorIs(t, err, ErrQueueEmpty)

	dead, err := q.Reserve(ctx, DeadLetterQueue, "inspector", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "llm timeout", dead.LastError)
}

func TestPriorityOrdering(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestMemory()

	_, err := q.Enqueue(ctx, "fetch", []byte("low"), EnqueueOptions{JobID: "low"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "fetch", []byte("high"), EnqueueOptions{JobID: "high", Priority: 10})
	require.NoError(t, err)

	job, err := q.Reserve(ctx, "fetch", "w1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "high", job.ID)
}

func TestBackoffBases(t *testing.T) {
	assert.Equal(t, 1*time.Second, Backoff(0, false))
	assert.Equal(t, 2*time.Second, Backoff(1, false))
	assert.Equal(t, 4*time.Second, Backoff(2, false))
	assert.Equal(t, 30*time.Second, Backoff(0, true))
	assert.Equal(t, 60*time.Second, Backoff(1, true))
}

func TestDeterministicJobIDs(t *testing.T) {
	date := time.Date(2026, 8, 24, 15, 4, 5, 0, time.UTC)
	id := ArticleJobID("rss", date, "https://nn.hr/clanci/sluzbeni/2026_08_99_1.html")
	assert.Equal(t, id, ArticleJobID("rss", date, "https://nn.hr/clanci/sluzbeni/2026_08_99_1.html"))
	assert.Contains(t, id, "article-rss-2026-08-24-")
	assert.Len(t, Hash8("anything"), 8)
	assert.Equal(t, "process-ev-9", ProcessJobID("ev-9"))
}

func TestHeartbeatRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()

	_, ok, err := ReadHeartbeat(ctx, store, "drainer")
	require.NoError(t, err)
	assert.False(t, ok)

	hb := Heartbeat{Worker: "drainer", Cycle: 42, ItemsProcessed: 7, Timestamp: time.Now().UTC()}
	require.NoError(t, PublishHeartbeat(ctx, store, hb))

	got, ok, err := ReadHeartbeat(ctx, store, "drainer")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(42), got.Cycle)
	assert.Equal(t, int64(7), got.ItemsProcessed)
}

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ketobot/ketobot-stack/bot/internal/models"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func job(id string) models.Job {
	return models.Job{EventID: id, IdentityID: 1, ChannelRef: 1, PayloadText: "hello"}
}

func TestQueue_FIFO(t *testing.T) {
	_, client := setupTestRedis(t)
	q := New(client)
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, q.Enqueue(ctx, job(id)))
	}

	for _, want := range []string{"1", "2", "3"} {
		got, err := q.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want, got.EventID)
	}
}

func TestQueue_DequeueTimeoutReturnsNil(t *testing.T) {
	_, client := setupTestRedis(t)
	q := New(client)

	start := time.Now()
	got, err := q.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}

func TestQueue_DequeueObservesCancellation(t *testing.T) {
	_, client := setupTestRedis(t)
	q := New(client)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	// The blocking pop returns no later than its own timeout.
	got, err := q.Dequeue(ctx, 2*time.Second)
	assert.Nil(t, got)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueue_RequeueImmediate(t *testing.T) {
	_, client := setupTestRedis(t)
	q := New(client)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, job("a")))
	require.NoError(t, q.Requeue(ctx, job("b"), 0))

	first, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	second, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	assert.Equal(t, "a", first.EventID)
	assert.Equal(t, "b", second.EventID, "requeued job goes to the tail")
	assert.Equal(t, 1, second.Attempt)
}

func TestQueue_RequeueDelayed(t *testing.T) {
	_, client := setupTestRedis(t)
	q := New(client)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	j := job("late")
	j.Attempt = 2
	require.NoError(t, q.Requeue(ctx, j, 10*time.Second))

	ready, delayed, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), ready)
	assert.Equal(t, int64(1), delayed)

	got, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Nil(t, got, "not yet due")

	now = now.Add(11 * time.Second)
	got, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "late", got.EventID)
	assert.Equal(t, 3, got.Attempt)

	_, delayed, err = q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), delayed)
}

func TestQueue_BlockForShortensWait(t *testing.T) {
	_, client := setupTestRedis(t)
	q := New(client)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	wait, err := q.blockFor(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, wait)

	require.NoError(t, q.Requeue(ctx, job("x"), 2*time.Second))
	wait, err = q.blockFor(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, wait)
}

func TestQueue_DecodeError(t *testing.T) {
	mr, client := setupTestRedis(t)
	q := New(client)

	_, err := mr.Lpush(DefaultReadyKey, "not-json")
	require.NoError(t, err)

	got, err := q.Dequeue(context.Background(), time.Second)
	assert.Nil(t, got)
	assert.Error(t, err)
}

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := Connect(context.Background(), "redis://"+mr.Addr()+"/0", 4)
	require.NoError(t, err)
	defer client.Close()
	assert.Equal(t, 4, client.Options().PoolSize)

	_, err = Connect(context.Background(), "://bad", 0)
	assert.Error(t, err)
}

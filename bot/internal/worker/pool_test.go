package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ketobot/ketobot-stack/bot/internal/models"
	"github.com/ketobot/ketobot-stack/common/logging"
)

// sliceQueue hands out a fixed list of jobs, then reports empty.
type sliceQueue struct {
	mu   sync.Mutex
	jobs []models.Job
	fail int
}

func (q *sliceQueue) Dequeue(ctx context.Context, timeout time.Duration) (*models.Job, error) {
	q.mu.Lock()
	if q.fail > 0 {
		q.fail--
		q.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	if len(q.jobs) == 0 {
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
			return nil, nil
		}
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	q.mu.Unlock()
	return &job, nil
}

func (q *sliceQueue) Len(context.Context) (int64, int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.jobs)), 0, nil
}

type funcProcessor func(ctx context.Context, job models.Job) error

func (f funcProcessor) Process(ctx context.Context, job models.Job) error { return f(ctx, job) }

func runPool(t *testing.T, q Dequeuer, proc JobProcessor, consumers int, until func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(q, proc, PoolConfig{Consumers: consumers, ErrorBackoff: 5 * time.Millisecond}, logging.Discard())

	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, until, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}
}

func TestPool_SurvivesPanicsAndErrors(t *testing.T) {
	q := &sliceQueue{
		fail: 2,
		jobs: []models.Job{{EventID: "boom"}, {EventID: "err"}, {EventID: "ok"}},
	}

	var mu sync.Mutex
	var handled []string
	proc := funcProcessor(func(_ context.Context, job models.Job) error {
		mu.Lock()
		handled = append(handled, job.EventID)
		mu.Unlock()
		switch job.EventID {
		case "boom":
			panic("nil map")
		case "err":
			return errors.New("postgres unavailable")
		}
		return nil
	})

	runPool(t, q, proc, 1, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(handled) == 3
	})

	assert.Equal(t, []string{"boom", "err", "ok"}, handled)
}

func TestPool_StopsOnCancelDuringProcessing(t *testing.T) {
	q := &sliceQueue{jobs: []models.Job{{EventID: "slow"}}}
	started := make(chan struct{})
	var once sync.Once

	proc := funcProcessor(func(ctx context.Context, _ models.Job) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return ctx.Err()
	})

	runPool(t, q, proc, 2, func() bool {
		select {
		case <-started:
			return true
		default:
			return false
		}
	})
}

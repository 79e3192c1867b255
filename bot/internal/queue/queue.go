// Package queue is the durable FIFO job queue backed by a Redis list.
//
// Producers LPUSH onto the list and consumers BRPOP from the other end, so the
// oldest job is served first. Requeues with a delay park the job in a sorted
// set scored by due time; due jobs are moved to the tail of the list by a Lua
// script before every dequeue.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ketobot/ketobot-stack/bot/internal/models"
)

const (
	DefaultReadyKey   = "queue:incoming"
	DefaultDelayedKey = "queue:delayed"

	// BRPOP timeouts are whole seconds.
	minBlock = time.Second

	promoteBatch = 100
)

// promoteScript moves up to ARGV[2] delayed members with score <= ARGV[1]
// onto the tail of the ready list.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, member in ipairs(due) do
	redis.call('ZREM', KEYS[1], member)
	redis.call('LPUSH', KEYS[2], member)
end
return #due
`)

// Queue is safe for concurrent use by any number of producers and consumers.
type Queue struct {
	client     *redis.Client
	readyKey   string
	delayedKey string
	now        func() time.Time
}

// New returns a Queue on the default keys.
func New(client *redis.Client) *Queue {
	return &Queue{
		client:     client,
		readyKey:   DefaultReadyKey,
		delayedKey: DefaultDelayedKey,
		now:        time.Now,
	}
}

// Enqueue appends job to the tail of the queue.
func (q *Queue) Enqueue(ctx context.Context, job models.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, q.readyKey, data).Err(); err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.EventID, err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next job. It returns (nil, nil) when
// the timeout elapses and ctx.Err() when ctx is cancelled.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*models.Job, error) {
	if err := q.promoteDue(ctx); err != nil {
		return nil, err
	}

	wait, err := q.blockFor(ctx, timeout)
	if err != nil {
		return nil, err
	}

	res, err := q.client.BRPop(ctx, wait, q.readyKey).Result()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	// res is [key, value].
	var job models.Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}

// Requeue re-appends job with Attempt+1. With a positive delay the job only
// becomes visible to consumers once the delay has passed.
func (q *Queue) Requeue(ctx context.Context, job models.Job, delay time.Duration) error {
	job.Attempt++
	if delay <= 0 {
		return q.Enqueue(ctx, job)
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	due := q.now().Add(delay).UnixMilli()
	if err := q.client.ZAdd(ctx, q.delayedKey, redis.Z{Score: float64(due), Member: data}).Err(); err != nil {
		return fmt.Errorf("requeue job %s: %w", job.EventID, err)
	}
	return nil
}

// Len returns the number of ready and delayed jobs.
func (q *Queue) Len(ctx context.Context) (ready, delayed int64, err error) {
	pipe := q.client.Pipeline()
	readyCmd := pipe.LLen(ctx, q.readyKey)
	delayedCmd := pipe.ZCard(ctx, q.delayedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("queue length: %w", err)
	}
	return readyCmd.Val(), delayedCmd.Val(), nil
}

func (q *Queue) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	err := promoteScript.Run(ctx, q.client, []string{q.delayedKey, q.readyKey}, now, promoteBatch).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("promote delayed jobs: %w", err)
	}
	return nil
}

// blockFor shortens the BRPOP wait so a delayed job that falls due while we
// block is promoted on the next loop iteration instead of a full timeout later.
func (q *Queue) blockFor(ctx context.Context, timeout time.Duration) (time.Duration, error) {
	if timeout < minBlock {
		timeout = minBlock
	}

	next, err := q.client.ZRangeWithScores(ctx, q.delayedKey, 0, 0).Result()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		return 0, fmt.Errorf("inspect delayed jobs: %w", err)
	}
	if len(next) == 0 {
		return timeout, nil
	}

	until := time.UnixMilli(int64(next[0].Score)).Sub(q.now())
	if until < minBlock {
		until = minBlock
	}
	if until < timeout {
		return until, nil
	}
	return timeout, nil
}

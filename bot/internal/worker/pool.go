package worker

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ketobot/ketobot-stack/bot/internal/metrics"
	"github.com/ketobot/ketobot-stack/bot/internal/models"
	"github.com/ketobot/ketobot-stack/common/logging"
)

const (
	DefaultConsumers      = 2
	DefaultDequeueTimeout = 5 * time.Second
	DefaultErrorBackoff   = time.Second

	depthInterval = 10 * time.Second
)

type Dequeuer interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*models.Job, error)
	Len(ctx context.Context) (ready, delayed int64, err error)
}

type JobProcessor interface {
	Process(ctx context.Context, job models.Job) error
}

type PoolConfig struct {
	Consumers      int
	DequeueTimeout time.Duration
	ErrorBackoff   time.Duration
}

// Pool runs independent consumer loops over one queue.
type Pool struct {
	queue     Dequeuer
	processor JobProcessor
	cfg       PoolConfig
	logger    *logging.Logger
}

func NewPool(queue Dequeuer, processor JobProcessor, cfg PoolConfig, logger *logging.Logger) *Pool {
	if cfg.Consumers <= 0 {
		cfg.Consumers = DefaultConsumers
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = DefaultDequeueTimeout
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = DefaultErrorBackoff
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Pool{queue: queue, processor: processor, cfg: cfg, logger: logger}
}

// Run starts the consumers and blocks until ctx is cancelled and every
// consumer has returned.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < p.cfg.Consumers; i++ {
		i := i
		g.Go(func() error {
			p.consume(ctx, i)
			return nil
		})
	}
	g.Go(func() error {
		p.reportDepth(ctx)
		return nil
	})

	p.logger.InfoContext(ctx, "worker_pool_started", "consumers", p.cfg.Consumers)
	err := g.Wait()
	p.logger.Info("worker_pool_stopped")
	return err
}

func (p *Pool) consume(ctx context.Context, id int) {
	log := p.logger.With("consumer", id)

	for ctx.Err() == nil {
		job, err := p.queue.Dequeue(ctx, p.cfg.DequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.ErrorContext(ctx, "dequeue_failed", logging.Error(err))
			p.pause(ctx)
			continue
		}
		if job == nil {
			continue
		}

		if err := p.process(ctx, *job); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.ErrorContext(ctx, "job_error",
				logging.EventID(job.EventID),
				logging.IdentityID(job.IdentityID),
				logging.Error(err),
			)
			p.pause(ctx)
		}
	}
}

// process turns a panic into an error so one bad job cannot stop a consumer.
func (p *Pool) process(ctx context.Context, job models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing job %s: %v", job.EventID, r)
		}
	}()
	return p.processor.Process(ctx, job)
}

func (p *Pool) pause(ctx context.Context) {
	t := time.NewTimer(p.cfg.ErrorBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (p *Pool) reportDepth(ctx context.Context) {
	ticker := time.NewTicker(depthInterval)
	defer ticker.Stop()

	for {
		ready, delayed, err := p.queue.Len(ctx)
		if err == nil {
			metrics.QueueDepth.WithLabelValues("ready").Set(float64(ready))
			metrics.QueueDepth.WithLabelValues("delayed").Set(float64(delayed))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

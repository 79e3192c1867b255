// Package outbox delivers committed replies. Entries are sent inline right
// after the turn commits and retried by a periodic sweep until they are sent
// or run out of attempts.
package outbox

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ketobot/ketobot-stack/bot/internal/delivery"
	"github.com/ketobot/ketobot-stack/bot/internal/events"
	"github.com/ketobot/ketobot-stack/bot/internal/metrics"
	"github.com/ketobot/ketobot-stack/bot/internal/models"
	"github.com/ketobot/ketobot-stack/bot/internal/repository"
	"github.com/ketobot/ketobot-stack/common/logging"
)

const (
	DefaultInterval    = 15 * time.Second
	DefaultBatchSize   = 10
	DefaultMaxAttempts = 5
	DefaultClaimLease  = 60 * time.Second

	pathInline = "inline"
	pathSweep  = "sweep"
)

type Config struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	ClaimLease  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = DefaultClaimLease
	}
	return c
}

// DeadLetterSink receives entries that exhausted their attempts.
type DeadLetterSink interface {
	Write(ctx context.Context, entry *models.OutboxEntry, reason string) error
}

// Dispatcher sends outbox entries through a delivery.Sender.
type Dispatcher struct {
	store       repository.OutboxStore
	sender      delivery.Sender
	deadLetters DeadLetterSink
	events      *events.Publisher
	cfg         Config
	logger      *logging.Logger

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
}

// NewDispatcher wires a dispatcher. deadLetters and publisher may be nil.
func NewDispatcher(store repository.OutboxStore, sender delivery.Sender, deadLetters DeadLetterSink, publisher *events.Publisher, cfg Config, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Dispatcher{
		store:       store,
		sender:      sender,
		deadLetters: deadLetters,
		events:      publisher,
		cfg:         cfg.withDefaults(),
		logger:      logger,
		stop:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
}

// MaxAttempts is the attempt cap in effect.
func (d *Dispatcher) MaxAttempts() int {
	return d.cfg.MaxAttempts
}

// Start runs the sweep loop until Stop is called or ctx is cancelled. It
// sweeps once immediately. Call it in a goroutine. Only the first call runs
// the loop.
func (d *Dispatcher) Start(ctx context.Context) {
	if !d.started.CompareAndSwap(false, true) {
		return
	}
	defer close(d.stopped)

	select {
	case <-d.stop:
		return
	default:
	}

	d.logger.InfoContext(ctx, "outbox_sweep_started",
		logging.Duration(d.cfg.Interval),
		"batch_size", d.cfg.BatchSize,
		"max_attempts", d.cfg.MaxAttempts,
	)

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.sweep(ctx)

	for {
		select {
		case <-ticker.C:
			d.sweep(ctx)
		case <-d.stop:
			d.logger.InfoContext(ctx, "outbox_sweep_stopped")
			return
		case <-ctx.Done():
			d.logger.InfoContext(ctx, "outbox_sweep_cancelled")
			return
		}
	}
}

// Stop signals the loop to exit and waits for the current sweep to finish.
// It is safe to call more than once, and returns at once if Start never ran.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	if d.started.Load() {
		<-d.stopped
	}
}

func (d *Dispatcher) sweep(ctx context.Context) {
	start := time.Now()
	sent, err := d.DispatchPending(ctx, d.cfg.BatchSize)
	metrics.SweepDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		d.logger.ErrorContext(ctx, "outbox_sweep_failed", logging.Error(err))
		return
	}
	if sent > 0 {
		d.logger.InfoContext(ctx, "outbox_sweep_completed", "sent", sent)
	}
}

// DispatchPending claims up to batchSize deliverable entries, oldest first,
// and tries each once. Failed sends count an attempt; an entry reaching the
// cap is dead-lettered and never claimed again.
func (d *Dispatcher) DispatchPending(ctx context.Context, batchSize int) (int, error) {
	entries, err := d.store.ClaimDue(ctx, batchSize, d.cfg.MaxAttempts, d.cfg.ClaimLease)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		if d.deliver(ctx, entry) {
			sent++
		}
	}
	return sent, nil
}

func (d *Dispatcher) deliver(ctx context.Context, entry *models.OutboxEntry) bool {
	res := d.sender.Send(ctx, entry.ChannelRef, entry.ReplyContent, entry.ReplyMetadata)
	if res.OK {
		metrics.OutboxDeliveries.WithLabelValues(pathSweep, "sent").Inc()
		d.markSent(ctx, entry, pathSweep, entry.Attempts+1)
		return true
	}

	metrics.OutboxDeliveries.WithLabelValues(pathSweep, "failed").Inc()
	attempts, err := d.store.MarkOutboxAttemptFailed(ctx, entry.ID, res.Description)
	if err != nil {
		d.logger.ErrorContext(ctx, "outbox_mark_failed_error",
			logging.OutboxID(entry.ID),
			logging.Error(err),
		)
		return false
	}

	d.logger.WarnContext(ctx, "outbox_send_failed",
		logging.OutboxID(entry.ID),
		logging.IdentityID(entry.IdentityID),
		logging.Attempt(attempts),
		"description", res.Description,
	)

	if attempts >= d.cfg.MaxAttempts {
		entry.Attempts = attempts
		entry.Status = models.OutboxFailed
		entry.ErrorMessage = res.Description
		d.exhausted(ctx, entry)
	}
	return false
}

func (d *Dispatcher) exhausted(ctx context.Context, entry *models.OutboxEntry) {
	metrics.OutboxExhausted.Inc()
	d.logger.ErrorContext(ctx, "outbox_entry_exhausted",
		logging.OutboxID(entry.ID),
		logging.IdentityID(entry.IdentityID),
		logging.Attempt(entry.Attempts),
	)

	if d.deadLetters != nil {
		if err := d.deadLetters.Write(ctx, entry, ReasonMaxAttempts); err != nil {
			d.logger.ErrorContext(ctx, "outbox_dead_letter_failed",
				logging.OutboxID(entry.ID),
				logging.Error(err),
			)
		}
	}

	ev := &events.OutboxExhausted{
		OutboxID:    entry.ID,
		IdentityID:  entry.IdentityID,
		ChannelRef:  entry.ChannelRef,
		Attempts:    entry.Attempts,
		LastError:   entry.ErrorMessage,
		ExhaustedAt: time.Now().UTC(),
	}
	if entry.LinkedEventID != nil {
		ev.LinkedEventID = *entry.LinkedEventID
	}
	d.events.OutboxExhausted(ctx, ev)
}

// SendInline delivers an entry the caller just committed under an inline
// lease. A failure releases the lease without counting an attempt, leaving
// the entry to the sweep.
func (d *Dispatcher) SendInline(ctx context.Context, entry *models.OutboxEntry) bool {
	res := d.sender.Send(ctx, entry.ChannelRef, entry.ReplyContent, entry.ReplyMetadata)
	if res.OK {
		metrics.OutboxDeliveries.WithLabelValues(pathInline, "sent").Inc()
		d.markSent(ctx, entry, pathInline, 1)
		return true
	}

	metrics.OutboxDeliveries.WithLabelValues(pathInline, "failed").Inc()
	d.logger.WarnContext(ctx, "outbox_inline_send_failed",
		logging.OutboxID(entry.ID),
		logging.IdentityID(entry.IdentityID),
		"description", res.Description,
	)
	if err := d.store.ReleaseOutboxClaim(ctx, entry.ID, res.Description); err != nil {
		d.logger.ErrorContext(ctx, "outbox_release_claim_failed",
			logging.OutboxID(entry.ID),
			logging.Error(err),
		)
	}
	return false
}

// markSent records delivery. If the update fails the message has still gone
// out; the lease expires and the sweep may send it again.
func (d *Dispatcher) markSent(ctx context.Context, entry *models.OutboxEntry, path string, attempts int) {
	if err := d.store.MarkOutboxSent(ctx, entry.ID); err != nil {
		d.logger.ErrorContext(ctx, "outbox_mark_sent_failed",
			logging.OutboxID(entry.ID),
			logging.Error(err),
		)
		return
	}
	d.events.OutboxSent(ctx, &events.OutboxSent{
		OutboxID:   entry.ID,
		IdentityID: entry.IdentityID,
		Path:       path,
		Attempts:   attempts,
		SentAt:     time.Now().UTC(),
	})
}

// Package ingest accepts Telegram updates, records them in the idempotency
// ledger and enqueues one job per new event.
package ingest

import (
	"context"
	"fmt"

	"github.com/ketobot/ketobot-stack/bot/internal/metrics"
	"github.com/ketobot/ketobot-stack/bot/internal/models"
	"github.com/ketobot/ketobot-stack/bot/internal/repository"
	"github.com/ketobot/ketobot-stack/common/logging"
	"github.com/ketobot/ketobot-stack/common/middleware"
)

type Outcome string

const (
	OutcomeEnqueued  Outcome = "enqueued"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

// Enqueuer is the producer side of the job queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, job models.Job) error
}

type Service struct {
	ledger repository.Ledger
	queue  Enqueuer
	logger *logging.Logger
}

func NewService(ledger repository.Ledger, queue Enqueuer, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{ledger: ledger, queue: queue, logger: logger}
}

// Ingest records event and enqueues its job in one ledger transaction. A
// redelivered event is reported as a duplicate and not enqueued again. Any
// returned error means nothing was recorded and the sender should retry.
func (s *Service) Ingest(ctx context.Context, event models.Event) (Outcome, error) {
	job := models.JobFromEvent(event, middleware.GetRequestID(ctx))

	seen, err := s.ledger.IngestEvent(ctx, event, func(ctx context.Context) error {
		return s.queue.Enqueue(ctx, job)
	})
	if err != nil {
		metrics.EventsIngested.WithLabelValues("error").Inc()
		return "", fmt.Errorf("ingest event %s: %w", event.EventID, err)
	}

	if seen {
		metrics.EventsIngested.WithLabelValues(string(OutcomeDuplicate)).Inc()
		s.logger.InfoContext(ctx, "event_duplicate",
			logging.EventID(event.EventID),
			logging.IdentityID(event.IdentityID),
		)
		return OutcomeDuplicate, nil
	}

	metrics.EventsIngested.WithLabelValues(string(OutcomeEnqueued)).Inc()
	s.logger.InfoContext(ctx, "event_enqueued",
		logging.EventID(event.EventID),
		logging.IdentityID(event.IdentityID),
		logging.ChannelRef(event.ChannelRef),
	)
	return OutcomeEnqueued, nil
}

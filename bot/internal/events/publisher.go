package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ketobot/ketobot-stack/common/logging"
	"github.com/ketobot/ketobot-stack/common/messaging"
)

// Publisher publishes lifecycle events. A Publisher with no client drops
// everything, which is how the binaries run with NATS disabled.
type Publisher struct {
	client messaging.Publisher
	logger *logging.Logger
}

func NewPublisher(client messaging.Publisher, logger *logging.Logger) *Publisher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{client: client, logger: logger}
}

func (p *Publisher) TurnCompleted(ctx context.Context, ev *TurnCompleted) {
	p.publish(ctx, messaging.SubjectBotTurnCompleted, ev)
}

func (p *Publisher) TurnFailed(ctx context.Context, ev *TurnFailed) {
	p.publish(ctx, messaging.SubjectBotTurnFailed, ev)
}

func (p *Publisher) OutboxSent(ctx context.Context, ev *OutboxSent) {
	p.publish(ctx, messaging.SubjectBotOutboxSent, ev)
}

func (p *Publisher) OutboxExhausted(ctx context.Context, ev *OutboxExhausted) {
	p.publish(ctx, messaging.SubjectBotOutboxExhausted, ev)
}

// publish is best-effort: failures are logged and swallowed.
func (p *Publisher) publish(ctx context.Context, subject string, data interface{}) {
	if p == nil || p.client == nil {
		return
	}
	if err := p.send(ctx, subject, data); err != nil {
		p.logger.WarnContext(ctx, "event_publish_failed",
			"subject", subject,
			logging.Error(err),
		)
	}
}

func (p *Publisher) send(ctx context.Context, subject string, data interface{}) error {
	bytes, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return p.client.Publish(ctx, subject, bytes)
}

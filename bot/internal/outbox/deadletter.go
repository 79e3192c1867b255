package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ketobot/ketobot-stack/bot/internal/models"
	"github.com/ketobot/ketobot-stack/common/messaging"
	natsclient "github.com/ketobot/ketobot-stack/common/messaging/nats"
)

// ReasonMaxAttempts is the dead-letter reason for entries that hit the cap.
const ReasonMaxAttempts = "max_attempts"

// DeadLetter is the record stored on the dead-letter stream.
type DeadLetter struct {
	Entry    models.OutboxEntry `json:"entry"`
	Reason   string             `json:"reason"`
	FailedAt time.Time          `json:"failed_at"`
}

// JetStreamDeadLetters keeps exhausted entries on a JetStream stream so they
// outlive the sweep and can be listed by operators.
type JetStreamDeadLetters struct {
	js *natsclient.JetStreamClient
}

// NewJetStreamDeadLetters declares the dead-letter stream.
func NewJetStreamDeadLetters(ctx context.Context, js *natsclient.JetStreamClient) (*JetStreamDeadLetters, error) {
	if _, err := js.CreateOrUpdateStream(ctx, natsclient.OutboxDLQStream); err != nil {
		return nil, err
	}
	return &JetStreamDeadLetters{js: js}, nil
}

func (d *JetStreamDeadLetters) Write(ctx context.Context, entry *models.OutboxEntry, reason string) error {
	data, err := json.Marshal(DeadLetter{
		Entry:    *entry,
		Reason:   reason,
		FailedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}
	if _, err := d.js.PublishSync(ctx, messaging.OutboxDLQSubject(reason), data); err != nil {
		return fmt.Errorf("failed to publish dead letter %s: %w", entry.ID, err)
	}
	return nil
}

// List returns up to limit dead letters, oldest first.
func (d *JetStreamDeadLetters) List(ctx context.Context, limit int) ([]DeadLetter, error) {
	msgs, err := d.js.ReadAll(ctx, natsclient.OutboxDLQStream.Name, messaging.SubjectBotOutboxDLQ+".>", limit)
	if err != nil {
		return nil, err
	}

	out := make([]DeadLetter, 0, len(msgs))
	for _, msg := range msgs {
		var dl DeadLetter
		if err := json.Unmarshal(msg.Data(), &dl); err != nil {
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

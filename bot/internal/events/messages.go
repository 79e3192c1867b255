// Package events publishes bot lifecycle events on NATS. They are
// informational; delivery and the ledger never depend on them.
package events

import "time"

// TurnCompleted is published to bot.turn.completed after a turn commits with
// a completed ledger status.
type TurnCompleted struct {
	EventID     string    `json:"event_id"`
	IdentityID  int64     `json:"identity_id"`
	Mode        string    `json:"mode"`
	Outcome     string    `json:"outcome"`
	OutboxID    string    `json:"outbox_id,omitempty"`
	Fallback    bool      `json:"fallback,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
	CompletedAt time.Time `json:"completed_at"`
}

// TurnFailed is published to bot.turn.failed when the ledger is marked failed.
type TurnFailed struct {
	EventID    string    `json:"event_id"`
	IdentityID int64     `json:"identity_id"`
	Reason     string    `json:"reason"`
	Error      string    `json:"error,omitempty"`
	FailedAt   time.Time `json:"failed_at"`
}

// OutboxSent is published to bot.outbox.sent.
type OutboxSent struct {
	OutboxID   string    `json:"outbox_id"`
	IdentityID int64     `json:"identity_id"`
	Path       string    `json:"path"`
	Attempts   int       `json:"attempts"`
	SentAt     time.Time `json:"sent_at"`
}

// OutboxExhausted is published to bot.outbox.exhausted when an entry reaches
// the attempt cap.
type OutboxExhausted struct {
	OutboxID      string    `json:"outbox_id"`
	IdentityID    int64     `json:"identity_id"`
	ChannelRef    int64     `json:"channel_ref"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error"`
	LinkedEventID string    `json:"linked_event_id,omitempty"`
	ExhaustedAt   time.Time `json:"exhausted_at"`
}

// Package repository persists the idempotency ledger, conversation state,
// user profiles and the outbox.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/ketobot/ketobot-stack/bot/internal/models"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrAlreadyFinalized is returned by CommitTurn when the event's ledger row
	// already holds a terminal status. The turn is rolled back.
	ErrAlreadyFinalized = errors.New("event already finalized")

	ErrOutboxNotFound = errors.New("outbox entry not found")
)

// EnqueueFunc publishes the job for an event that was just recorded. It runs
// inside the ledger transaction; an error rolls the ledger row back.
type EnqueueFunc func(ctx context.Context) error

// Ledger is the idempotency ledger.
type Ledger interface {
	// RecordReceived inserts the ledger row if absent. Exactly one of any
	// number of concurrent callers for the same event observes false.
	RecordReceived(ctx context.Context, event models.Event) (alreadySeen bool, err error)

	// IngestEvent is the ingestion path: it runs RecordReceived, writes the
	// audit copy and calls enqueue, all in one transaction. Nothing is
	// persisted if enqueue fails.
	IngestEvent(ctx context.Context, event models.Event, enqueue EnqueueFunc) (alreadySeen bool, err error)

	// MarkCompleted and MarkFailed move a received row to a terminal status.
	// A missing row is created terminal, so an ingest that commits later is
	// treated as a duplicate. Already terminal rows are left untouched.
	MarkCompleted(ctx context.Context, eventID, workerTag string) error
	MarkFailed(ctx context.Context, eventID, workerTag string) error

	GetProcessingRecord(ctx context.Context, eventID string) (*models.ProcessingRecord, error)

	// ListStaleReceived returns audited events still marked received that
	// arrived before olderThan, oldest first.
	ListStaleReceived(ctx context.Context, olderThan time.Time, limit int) ([]models.Event, error)
}

type StateStore interface {
	GetState(ctx context.Context, identityID int64) (*models.ConversationState, error)
}

type ProfileStore interface {
	GetProfile(ctx context.Context, identityID int64) (*models.Profile, error)

	// CreateProfile inserts p unless a profile exists and returns the stored row.
	CreateProfile(ctx context.Context, p *models.Profile) (*models.Profile, error)
}

// OutboxStore drives outbox delivery.
type OutboxStore interface {
	// ClaimDue leases up to limit deliverable entries (pending or failed with
	// attempts below maxAttempts and no live lease), oldest first.
	ClaimDue(ctx context.Context, limit, maxAttempts int, lease time.Duration) ([]*models.OutboxEntry, error)

	MarkOutboxSent(ctx context.Context, id string) error

	// MarkOutboxAttemptFailed records a failed sweep attempt and returns the
	// new attempt count.
	MarkOutboxAttemptFailed(ctx context.Context, id, errMsg string) (int, error)

	// ReleaseOutboxClaim drops the lease after a failed inline send without
	// counting an attempt.
	ReleaseOutboxClaim(ctx context.Context, id, errMsg string) error

	GetOutboxEntry(ctx context.Context, id string) (*models.OutboxEntry, error)
	ListOutboxByEvent(ctx context.Context, eventID string) ([]*models.OutboxEntry, error)
	ListExhausted(ctx context.Context, maxAttempts, limit int) ([]*models.OutboxEntry, error)

	// ResetForRetry makes an exhausted entry eligible for the sweep again.
	ResetForRetry(ctx context.Context, id string) error
}

// TurnCommit is everything one processed job writes.
type TurnCommit struct {
	EventID      string
	LedgerStatus models.ProcessingStatus
	WorkerTag    string

	// State and Profile are written when non-nil.
	State   *models.ConversationState
	Profile *models.Profile

	Outbox *models.OutboxEntry

	// InlineLease keeps the sweep away from the new entry while the worker
	// tries to deliver it directly.
	InlineLease time.Duration
}

// TurnStore commits a turn atomically.
type TurnStore interface {
	CommitTurn(ctx context.Context, turn TurnCommit) error
}

// Repository is the full storage surface.
type Repository interface {
	Ledger
	StateStore
	ProfileStore
	OutboxStore
	TurnStore
	Close()
}

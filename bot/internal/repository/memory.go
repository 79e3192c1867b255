package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ketobot/ketobot-stack/bot/internal/models"
)

type outboxRow struct {
	entry        models.OutboxEntry
	claimedUntil time.Time
}

// InMemoryRepository implements Repository for tests and local runs. It
// keeps the same transactional outcomes as PostgresRepository.
type InMemoryRepository struct {
	mu sync.Mutex

	ledger   map[string]*models.ProcessingRecord
	inbound  map[string]models.Event
	states   map[int64]*models.ConversationState
	profiles map[int64]*models.Profile
	outbox   map[string]*outboxRow

	now func() time.Time
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		ledger:   make(map[string]*models.ProcessingRecord),
		inbound:  make(map[string]models.Event),
		states:   make(map[int64]*models.ConversationState),
		profiles: make(map[int64]*models.Profile),
		outbox:   make(map[string]*outboxRow),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source.
func (r *InMemoryRepository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *InMemoryRepository) Close() {}

func (r *InMemoryRepository) RecordReceived(ctx context.Context, event models.Event) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.recordReceived(event), nil
}

func (r *InMemoryRepository) recordReceived(event models.Event) bool {
	if _, exists := r.ledger[event.EventID]; exists {
		return true
	}
	r.insertLedger(event)
	return false
}

func (r *InMemoryRepository) IngestEvent(ctx context.Context, event models.Event, enqueue EnqueueFunc) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recordReceived(event) {
		return true, nil
	}
	if err := enqueue(ctx); err != nil {
		delete(r.ledger, event.EventID)
		return false, fmt.Errorf("failed to enqueue event %s: %w", event.EventID, err)
	}
	r.inbound[event.EventID] = event
	return false, nil
}

func (r *InMemoryRepository) insertLedger(event models.Event) {
	received := event.ReceivedAt
	if received.IsZero() {
		received = r.now()
	}
	r.ledger[event.EventID] = &models.ProcessingRecord{
		EventID:    event.EventID,
		Status:     models.StatusReceived,
		ReceivedAt: received,
	}
}

func (r *InMemoryRepository) MarkCompleted(ctx context.Context, eventID, workerTag string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markLedger(eventID, models.StatusCompleted, workerTag)
	return nil
}

func (r *InMemoryRepository) MarkFailed(ctx context.Context, eventID, workerTag string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markLedger(eventID, models.StatusFailed, workerTag)
	return nil
}

// markLedger reports whether it moved the event to status. A missing row is
// created terminal.
func (r *InMemoryRepository) markLedger(eventID string, status models.ProcessingStatus, workerTag string) bool {
	now := r.now()
	rec, exists := r.ledger[eventID]
	if !exists {
		rec = &models.ProcessingRecord{EventID: eventID, ReceivedAt: now}
		r.ledger[eventID] = rec
	} else if rec.Status != models.StatusReceived {
		return false
	}
	rec.Status = status
	rec.WorkerTag = workerTag
	rec.CompletedAt = &now
	return true
}

func (r *InMemoryRepository) GetProcessingRecord(ctx context.Context, eventID string) (*models.ProcessingRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.ledger[eventID]
	if !exists {
		return nil, ErrNotFound
	}
	c := *rec
	return &c, nil
}

func (r *InMemoryRepository) ListStaleReceived(ctx context.Context, olderThan time.Time, limit int) ([]models.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var events []models.Event
	for id, rec := range r.ledger {
		if rec.Status != models.StatusReceived || !rec.ReceivedAt.Before(olderThan) {
			continue
		}
		if e, ok := r.inbound[id]; ok {
			events = append(events, e)
		}
	}
	sort.Slice(events, func(i, j int) bool {
		return r.ledger[events[i].EventID].ReceivedAt.Before(r.ledger[events[j].EventID].ReceivedAt)
	})
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (r *InMemoryRepository) GetState(ctx context.Context, identityID int64) (*models.ConversationState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.states[identityID]
	if !exists {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (r *InMemoryRepository) GetProfile(ctx context.Context, identityID int64) (*models.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.profiles[identityID]
	if !exists {
		return nil, ErrNotFound
	}
	return cloneProfile(p), nil
}

func (r *InMemoryRepository) CreateProfile(ctx context.Context, p *models.Profile) (*models.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.profiles[p.IdentityID]; exists {
		return cloneProfile(existing), nil
	}
	stored := cloneProfile(p)
	if stored.LanguageCode == "" {
		stored.LanguageCode = "en"
	}
	now := r.now()
	stored.CreatedAt, stored.UpdatedAt = now, now
	r.profiles[p.IdentityID] = stored
	return cloneProfile(stored), nil
}

// PutProfile stores p as-is, replacing any existing profile.
func (r *InMemoryRepository) PutProfile(p *models.Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.IdentityID] = cloneProfile(p)
}

func (r *InMemoryRepository) CommitTurn(ctx context.Context, turn TurnCommit) error {
	if turn.Outbox == nil {
		return errors.New("turn commit requires an outbox entry")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, exists := r.ledger[turn.EventID]; exists && rec.Status != models.StatusReceived {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyFinalized, turn.EventID, rec.Status)
	}
	r.markLedger(turn.EventID, turn.LedgerStatus, turn.WorkerTag)

	now := r.now()
	if turn.State != nil {
		s := turn.State.Clone()
		s.UpdatedAt = now
		r.states[s.IdentityID] = s
	}
	if turn.Profile != nil {
		if existing, exists := r.profiles[turn.Profile.IdentityID]; exists {
			p := cloneProfile(turn.Profile)
			p.CreatedAt = existing.CreatedAt
			p.IsBlocked = existing.IsBlocked
			p.UpdatedAt = now
			r.profiles[p.IdentityID] = p
		}
	}

	o := turn.Outbox
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Status == "" {
		o.Status = models.OutboxPending
	}
	o.CreatedAt = now
	row := &outboxRow{entry: cloneOutbox(o)}
	if turn.InlineLease > 0 {
		row.claimedUntil = now.Add(turn.InlineLease)
	}
	r.outbox[o.ID] = row
	return nil
}

func (r *InMemoryRepository) ClaimDue(ctx context.Context, limit, maxAttempts int, lease time.Duration) ([]*models.OutboxEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var due []*outboxRow
	for _, row := range r.outbox {
		e := row.entry
		if e.Status == models.OutboxSent || e.Attempts >= maxAttempts {
			continue
		}
		if !row.claimedUntil.IsZero() && !row.claimedUntil.Before(now) {
			continue
		}
		due = append(due, row)
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].entry.CreatedAt.Before(due[j].entry.CreatedAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	entries := make([]*models.OutboxEntry, 0, len(due))
	for _, row := range due {
		row.claimedUntil = now.Add(lease)
		e := cloneOutbox(&row.entry)
		entries = append(entries, &e)
	}
	return entries, nil
}

func (r *InMemoryRepository) MarkOutboxSent(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, exists := r.outbox[id]
	if !exists {
		return ErrOutboxNotFound
	}
	now := r.now()
	row.entry.Status = models.OutboxSent
	row.entry.LastAttemptAt = &now
	row.entry.ErrorMessage = ""
	row.claimedUntil = time.Time{}
	return nil
}

func (r *InMemoryRepository) MarkOutboxAttemptFailed(ctx context.Context, id, errMsg string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, exists := r.outbox[id]
	if !exists || row.entry.Status == models.OutboxSent {
		return 0, ErrOutboxNotFound
	}
	now := r.now()
	row.entry.Status = models.OutboxFailed
	row.entry.Attempts++
	row.entry.ErrorMessage = errMsg
	row.entry.LastAttemptAt = &now
	row.claimedUntil = time.Time{}
	return row.entry.Attempts, nil
}

func (r *InMemoryRepository) ReleaseOutboxClaim(ctx context.Context, id, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, exists := r.outbox[id]
	if !exists || row.entry.Status != models.OutboxPending {
		return nil
	}
	now := r.now()
	row.entry.ErrorMessage = errMsg
	row.entry.LastAttemptAt = &now
	row.claimedUntil = time.Time{}
	return nil
}

func (r *InMemoryRepository) GetOutboxEntry(ctx context.Context, id string) (*models.OutboxEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, exists := r.outbox[id]
	if !exists {
		return nil, ErrOutboxNotFound
	}
	e := cloneOutbox(&row.entry)
	return &e, nil
}

func (r *InMemoryRepository) ListOutboxByEvent(ctx context.Context, eventID string) ([]*models.OutboxEntry, error) {
	return r.listOutbox(func(e *models.OutboxEntry) bool {
		return e.LinkedEventID != nil && *e.LinkedEventID == eventID
	}, 0), nil
}

func (r *InMemoryRepository) ListExhausted(ctx context.Context, maxAttempts, limit int) ([]*models.OutboxEntry, error) {
	return r.listOutbox(func(e *models.OutboxEntry) bool {
		return e.Status == models.OutboxFailed && e.Attempts >= maxAttempts
	}, limit), nil
}

func (r *InMemoryRepository) listOutbox(match func(*models.OutboxEntry) bool, limit int) []*models.OutboxEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var entries []*models.OutboxEntry
	for _, row := range r.outbox {
		if match(&row.entry) {
			e := cloneOutbox(&row.entry)
			entries = append(entries, &e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

func (r *InMemoryRepository) ResetForRetry(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, exists := r.outbox[id]
	if !exists || row.entry.Status == models.OutboxSent {
		return ErrOutboxNotFound
	}
	row.entry.Status = models.OutboxPending
	row.entry.Attempts = 0
	row.entry.ErrorMessage = ""
	row.claimedUntil = time.Time{}
	return nil
}

func cloneProfile(p *models.Profile) *models.Profile {
	c := *p
	c.HealthGoals = append([]string(nil), p.HealthGoals...)
	c.DietaryRestrictions = append([]string(nil), p.DietaryRestrictions...)
	c.TastePreferences = append([]string(nil), p.TastePreferences...)
	c.Allergies = append([]models.Allergy(nil), p.Allergies...)
	return &c
}

func cloneOutbox(e *models.OutboxEntry) models.OutboxEntry {
	c := *e
	if e.ReplyMetadata != nil {
		c.ReplyMetadata = make(map[string]string, len(e.ReplyMetadata))
		for k, v := range e.ReplyMetadata {
			c.ReplyMetadata[k] = v
		}
	}
	return c
}

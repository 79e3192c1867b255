package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ketobot/ketobot-stack/bot/internal/models"
	"github.com/ketobot/ketobot-stack/common/database"
)

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(ctx context.Context, connString string, maxConns int32) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	if maxConns > 0 {
		config.MaxConns = maxConns
	}
	config.MinConns = 1
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}

// Ping is used by readiness probes.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()
	return r.pool.Ping(ctx)
}

// =============================================================================
// LEDGER
// =============================================================================

const insertLedgerSQL = `
	INSERT INTO processed_events (event_id, status, received_at)
	VALUES ($1, 'received', $2)
	ON CONFLICT (event_id) DO NOTHING
`

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (r *PostgresRepository) RecordReceived(ctx context.Context, event models.Event) (bool, error) {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()
	return recordReceived(ctx, r.pool, event)
}

func recordReceived(ctx context.Context, db execer, event models.Event) (bool, error) {
	tag, err := db.Exec(ctx, insertLedgerSQL, event.EventID, receivedAt(event))
	if err != nil {
		return false, fmt.Errorf("failed to record event %s: %w", event.EventID, err)
	}
	return tag.RowsAffected() == 0, nil
}

func (r *PostgresRepository) IngestEvent(ctx context.Context, event models.Event, enqueue EnqueueFunc) (bool, error) {
	ctx, cancel := database.TxContext(ctx)
	defer cancel()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin ingest transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	// A concurrent insert of the same id blocks here until the other
	// transaction finishes, then sees the row and does nothing.
	seen, err := recordReceived(ctx, tx, event)
	if err != nil || seen {
		return seen, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO inbound_events (event_id, identity_id, channel_ref, payload_text, raw_payload, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, event.EventID, event.IdentityID, event.ChannelRef, event.PayloadText, rawOrEmpty(event.RawPayload), receivedAt(event))
	if err != nil {
		return false, fmt.Errorf("failed to audit event %s: %w", event.EventID, err)
	}

	// The job can be picked up before this commit lands. finalizeLedgerSQL
	// waits on the uncommitted row, and if the commit fails the worker's
	// terminal row turns the redelivery into a duplicate.
	if err := enqueue(ctx); err != nil {
		return false, fmt.Errorf("failed to enqueue event %s: %w", event.EventID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit event %s: %w", event.EventID, err)
	}
	return false, nil
}

// finalizeLedgerSQL moves a received row to a terminal status, or creates
// the row already terminal when ingestion has not committed it. It affects
// no rows when the event is already terminal.
const finalizeLedgerSQL = `
	INSERT INTO processed_events (event_id, status, worker_tag, completed_at)
	VALUES ($1, $2, $3, now())
	ON CONFLICT (event_id) DO UPDATE
	SET status = EXCLUDED.status, worker_tag = EXCLUDED.worker_tag, completed_at = EXCLUDED.completed_at
	WHERE processed_events.status = 'received'
`

func (r *PostgresRepository) MarkCompleted(ctx context.Context, eventID, workerTag string) error {
	return r.markLedger(ctx, eventID, models.StatusCompleted, workerTag)
}

func (r *PostgresRepository) MarkFailed(ctx context.Context, eventID, workerTag string) error {
	return r.markLedger(ctx, eventID, models.StatusFailed, workerTag)
}

func (r *PostgresRepository) markLedger(ctx context.Context, eventID string, status models.ProcessingStatus, workerTag string) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	if _, err := r.pool.Exec(ctx, finalizeLedgerSQL, eventID, string(status), workerTag); err != nil {
		return fmt.Errorf("failed to mark event %s %s: %w", eventID, status, err)
	}
	return nil
}

func (r *PostgresRepository) GetProcessingRecord(ctx context.Context, eventID string) (*models.ProcessingRecord, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var rec models.ProcessingRecord
	var status string
	var workerTag *string
	err := r.pool.QueryRow(ctx, `
		SELECT event_id, status, worker_tag, received_at, completed_at
		FROM processed_events
		WHERE event_id = $1
	`, eventID).Scan(&rec.EventID, &status, &workerTag, &rec.ReceivedAt, &rec.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get processing record: %w", err)
	}

	rec.Status = models.ProcessingStatus(status)
	if workerTag != nil {
		rec.WorkerTag = *workerTag
	}
	return &rec, nil
}

func (r *PostgresRepository) ListStaleReceived(ctx context.Context, olderThan time.Time, limit int) ([]models.Event, error) {
	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx, `
		SELECT i.event_id, i.identity_id, i.channel_ref, i.payload_text, i.raw_payload, i.received_at
		FROM inbound_events i
		JOIN processed_events p ON p.event_id = i.event_id
		WHERE p.status = 'received' AND p.received_at < $1
		ORDER BY p.received_at
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var e models.Event
		var raw []byte
		if err := rows.Scan(&e.EventID, &e.IdentityID, &e.ChannelRef, &e.PayloadText, &raw, &e.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stale event: %w", err)
		}
		e.RawPayload = json.RawMessage(raw)
		events = append(events, e)
	}
	return events, rows.Err()
}

// =============================================================================
// CONVERSATION STATE
// =============================================================================

func (r *PostgresRepository) GetState(ctx context.Context, identityID int64) (*models.ConversationState, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var s models.ConversationState
	err := r.pool.QueryRow(ctx, `
		SELECT identity_id, channel_ref, mode, step, context_summary, recent_history, updated_at
		FROM conversation_state
		WHERE identity_id = $1
	`, identityID).Scan(&s.IdentityID, &s.ChannelRef, &s.Mode, &s.Step, &s.ContextSummary, &s.RecentHistory, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get conversation state: %w", err)
	}
	return &s, nil
}

const upsertStateSQL = `
	INSERT INTO conversation_state (identity_id, channel_ref, mode, step, context_summary, recent_history, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, now())
	ON CONFLICT (identity_id) DO UPDATE SET
		channel_ref = EXCLUDED.channel_ref,
		mode = EXCLUDED.mode,
		step = EXCLUDED.step,
		context_summary = EXCLUDED.context_summary,
		recent_history = EXCLUDED.recent_history,
		updated_at = now()
`

// =============================================================================
// PROFILES
// =============================================================================

const profileColumns = `
	identity_id, first_name, username, language_code, weight_kg, target_weight_kg, height_cm,
	health_goals, dietary_restrictions, diabetes_type, lactose_intolerant, allergies,
	taste_preferences, onboarding_completed, is_blocked, created_at, updated_at
`

func (r *PostgresRepository) GetProfile(ctx context.Context, identityID int64) (*models.Profile, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	p, err := scanProfile(r.pool.QueryRow(ctx, `SELECT `+profileColumns+` FROM user_profiles WHERE identity_id = $1`, identityID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return p, nil
}

func (r *PostgresRepository) CreateProfile(ctx context.Context, p *models.Profile) (*models.Profile, error) {
	writeCtx, cancel := database.WriteContext(ctx)
	defer cancel()

	_, err := r.pool.Exec(writeCtx, `
		INSERT INTO user_profiles (identity_id, first_name, username, language_code)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (identity_id) DO NOTHING
	`, p.IdentityID, p.FirstName, p.Username, p.LanguageCode)
	if err != nil {
		return nil, fmt.Errorf("failed to create profile: %w", err)
	}
	return r.GetProfile(ctx, p.IdentityID)
}

const updateProfileSQL = `
	UPDATE user_profiles SET
		weight_kg = $2,
		target_weight_kg = $3,
		height_cm = $4,
		health_goals = $5,
		dietary_restrictions = $6,
		diabetes_type = $7,
		lactose_intolerant = $8,
		allergies = $9,
		taste_preferences = $10,
		onboarding_completed = $11,
		updated_at = now()
	WHERE identity_id = $1
`

func scanProfile(row pgx.Row) (*models.Profile, error) {
	var p models.Profile
	err := row.Scan(
		&p.IdentityID, &p.FirstName, &p.Username, &p.LanguageCode, &p.WeightKg, &p.TargetWeightKg, &p.HeightCm,
		&p.HealthGoals, &p.DietaryRestrictions, &p.DiabetesType, &p.LactoseIntolerant, &p.Allergies,
		&p.TastePreferences, &p.OnboardingCompleted, &p.IsBlocked, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// =============================================================================
// TURN COMMIT
// =============================================================================

func (r *PostgresRepository) CommitTurn(ctx context.Context, turn TurnCommit) error {
	if turn.Outbox == nil {
		return errors.New("turn commit requires an outbox entry")
	}

	ctx, cancel := database.TxContext(ctx)
	defer cancel()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin turn transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	tag, err := tx.Exec(ctx, finalizeLedgerSQL, turn.EventID, string(turn.LedgerStatus), turn.WorkerTag)
	if err != nil {
		return fmt.Errorf("failed to finalize event %s: %w", turn.EventID, err)
	}
	if tag.RowsAffected() == 0 {
		var status string
		if err := tx.QueryRow(ctx, `SELECT status FROM processed_events WHERE event_id = $1`, turn.EventID).Scan(&status); err != nil {
			return fmt.Errorf("failed to read ledger for %s: %w", turn.EventID, err)
		}
		return fmt.Errorf("%w: %s is %s", ErrAlreadyFinalized, turn.EventID, status)
	}

	if s := turn.State; s != nil {
		_, err := tx.Exec(ctx, upsertStateSQL,
			s.IdentityID, s.ChannelRef, s.Mode, s.Step, nonNilMap(s.ContextSummary), nonNilHistory(s.RecentHistory))
		if err != nil {
			return fmt.Errorf("failed to save conversation state: %w", err)
		}
	}

	if p := turn.Profile; p != nil {
		_, err := tx.Exec(ctx, updateProfileSQL,
			p.IdentityID, p.WeightKg, p.TargetWeightKg, p.HeightCm,
			nonNil(p.HealthGoals), nonNil(p.DietaryRestrictions), p.DiabetesType, p.LactoseIntolerant,
			nonNilAllergies(p.Allergies), nonNil(p.TastePreferences), p.OnboardingCompleted)
		if err != nil {
			return fmt.Errorf("failed to save profile: %w", err)
		}
	}

	o := turn.Outbox
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Status == "" {
		o.Status = models.OutboxPending
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO outbox_entries (id, identity_id, channel_ref, reply_content, reply_metadata, status, claimed_until, linked_event_id)
		VALUES ($1, $2, $3, $4, $5, $6,
			CASE WHEN $7::bigint > 0 THEN now() + $7::bigint * interval '1 millisecond' END, $8)
		RETURNING created_at
	`, o.ID, o.IdentityID, o.ChannelRef, o.ReplyContent, nonNilMetadata(o.ReplyMetadata), string(o.Status),
		turn.InlineLease.Milliseconds(), o.LinkedEventID).Scan(&o.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit turn %s: %w", turn.EventID, err)
	}
	return nil
}

// =============================================================================
// OUTBOX
// =============================================================================

const outboxColumns = `
	id, identity_id, channel_ref, reply_content, reply_metadata, status, attempts,
	last_attempt_at, error_message, created_at, linked_event_id
`

func (r *PostgresRepository) ClaimDue(ctx context.Context, limit, maxAttempts int, lease time.Duration) ([]*models.OutboxEntry, error) {
	ctx, cancel := database.BulkContext(ctx)
	defer cancel()

	// SKIP LOCKED lets several sweepers run without claiming the same rows.
	rows, err := r.pool.Query(ctx, `
		UPDATE outbox_entries
		SET claimed_until = now() + $3::bigint * interval '1 millisecond'
		WHERE id IN (
			SELECT id FROM outbox_entries
			WHERE status IN ('pending', 'failed')
			  AND attempts < $2
			  AND (claimed_until IS NULL OR claimed_until < now())
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+outboxColumns, limit, maxAttempts, lease.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox entries: %w", err)
	}

	entries, err := collectOutbox(rows)
	if err != nil {
		return nil, err
	}

	// RETURNING order is unspecified.
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

func (r *PostgresRepository) MarkOutboxSent(ctx context.Context, id string) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox_entries
		SET status = 'sent', last_attempt_at = now(), claimed_until = NULL, error_message = NULL
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox entry sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOutboxNotFound
	}
	return nil
}

func (r *PostgresRepository) MarkOutboxAttemptFailed(ctx context.Context, id, errMsg string) (int, error) {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	var attempts int
	err := r.pool.QueryRow(ctx, `
		UPDATE outbox_entries
		SET status = 'failed', attempts = attempts + 1, error_message = $2,
		    last_attempt_at = now(), claimed_until = NULL
		WHERE id = $1 AND status <> 'sent'
		RETURNING attempts
	`, id, errMsg).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrOutboxNotFound
		}
		return 0, fmt.Errorf("failed to record outbox failure: %w", err)
	}
	return attempts, nil
}

func (r *PostgresRepository) ReleaseOutboxClaim(ctx context.Context, id, errMsg string) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_entries
		SET claimed_until = NULL, error_message = $2, last_attempt_at = now()
		WHERE id = $1 AND status = 'pending'
	`, id, errMsg)
	if err != nil {
		return fmt.Errorf("failed to release outbox claim: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetOutboxEntry(ctx context.Context, id string) (*models.OutboxEntry, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx, `SELECT `+outboxColumns+` FROM outbox_entries WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get outbox entry: %w", err)
	}
	entries, err := collectOutbox(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrOutboxNotFound
	}
	return entries[0], nil
}

func (r *PostgresRepository) ListOutboxByEvent(ctx context.Context, eventID string) ([]*models.OutboxEntry, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx, `
		SELECT `+outboxColumns+` FROM outbox_entries
		WHERE linked_event_id = $1
		ORDER BY created_at
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox entries: %w", err)
	}
	return collectOutbox(rows)
}

func (r *PostgresRepository) ListExhausted(ctx context.Context, maxAttempts, limit int) ([]*models.OutboxEntry, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	rows, err := r.pool.Query(ctx, `
		SELECT `+outboxColumns+` FROM outbox_entries
		WHERE status = 'failed' AND attempts >= $1
		ORDER BY last_attempt_at DESC
		LIMIT $2
	`, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list exhausted outbox entries: %w", err)
	}
	return collectOutbox(rows)
}

func (r *PostgresRepository) ResetForRetry(ctx context.Context, id string) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox_entries
		SET status = 'pending', attempts = 0, claimed_until = NULL, error_message = NULL
		WHERE id = $1 AND status <> 'sent'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to reset outbox entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOutboxNotFound
	}
	return nil
}

func collectOutbox(rows pgx.Rows) ([]*models.OutboxEntry, error) {
	defer rows.Close()

	var entries []*models.OutboxEntry
	for rows.Next() {
		var o models.OutboxEntry
		var status string
		var errMsg *string
		err := rows.Scan(&o.ID, &o.IdentityID, &o.ChannelRef, &o.ReplyContent, &o.ReplyMetadata, &status,
			&o.Attempts, &o.LastAttemptAt, &errMsg, &o.CreatedAt, &o.LinkedEventID)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
		}
		o.Status = models.OutboxStatus(status)
		if errMsg != nil {
			o.ErrorMessage = *errMsg
		}
		entries = append(entries, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read outbox entries: %w", err)
	}
	return entries, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func receivedAt(e models.Event) time.Time {
	if e.ReceivedAt.IsZero() {
		return time.Now().UTC()
	}
	return e.ReceivedAt
}

func rawOrEmpty(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}

// NOT NULL array and jsonb columns reject the NULL pgx sends for nil values.

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilAllergies(a []models.Allergy) []models.Allergy {
	if a == nil {
		return []models.Allergy{}
	}
	return a
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nonNilMetadata(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nonNilHistory(h []models.HistoryEntry) []models.HistoryEntry {
	if h == nil {
		return []models.HistoryEntry{}
	}
	return h
}

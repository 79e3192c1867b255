// Package worker turns queued jobs into committed replies: it serializes work
// per identity, runs the safety check and the generation step, and commits
// state, profile, outbox entry and ledger status in one transaction.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ketobot/ketobot-stack/bot/internal/actions"
	"github.com/ketobot/ketobot-stack/bot/internal/delivery"
	"github.com/ketobot/ketobot-stack/bot/internal/events"
	"github.com/ketobot/ketobot-stack/bot/internal/executor"
	"github.com/ketobot/ketobot-stack/bot/internal/fsm"
	"github.com/ketobot/ketobot-stack/bot/internal/ingest"
	"github.com/ketobot/ketobot-stack/bot/internal/lock"
	"github.com/ketobot/ketobot-stack/bot/internal/metrics"
	"github.com/ketobot/ketobot-stack/bot/internal/models"
	"github.com/ketobot/ketobot-stack/bot/internal/prompt"
	"github.com/ketobot/ketobot-stack/bot/internal/recipes"
	"github.com/ketobot/ketobot-stack/bot/internal/repository"
	"github.com/ketobot/ketobot-stack/bot/internal/safety"
	"github.com/ketobot/ketobot-stack/common/logging"
	"github.com/ketobot/ketobot-stack/common/middleware"
)

const (
	DefaultLockTTL      = lock.DefaultTTL
	DefaultRequeueDelay = time.Second
	DefaultInlineLease  = 60 * time.Second

	// commitTimeout bounds the writes that follow a finished generation
	// step. They run detached from the job context so shutdown does not
	// discard a reply that is already paid for.
	commitTimeout = 15 * time.Second

	stepAskRestrictions = "ask_restrictions"
)

// ErrLockLost cancels a job whose identity lock expired or changed hands
// before the job finished.
var ErrLockLost = errors.New("identity lock lost")

// Job results, used as metric labels and in lifecycle events.
const (
	resultCompleted    = "completed"
	resultFailed       = "failed"
	resultShortCircuit = "short_circuit"
	resultCommand      = "command"
	resultBlocked      = "blocked"
	resultDuplicate    = "duplicate"
)

type Locker interface {
	TryAcquire(ctx context.Context, identityID int64, ttl time.Duration) (*lock.Handle, bool, error)
	Extend(ctx context.Context, h *lock.Handle, ttl time.Duration) (bool, error)
	Release(ctx context.Context, h *lock.Handle) error
}

type Requeuer interface {
	Requeue(ctx context.Context, job models.Job, delay time.Duration) error
}

type RecipeFinder interface {
	Find(ctx context.Context, profile *models.Profile, q *models.RecipeQuery) ([]models.Recipe, error)
}

type InlineSender interface {
	SendInline(ctx context.Context, entry *models.OutboxEntry) bool
}

// Store is the storage the processor writes through.
type Store interface {
	repository.StateStore
	repository.ProfileStore
	repository.TurnStore
	MarkCompleted(ctx context.Context, eventID, workerTag string) error
}

type Deps struct {
	Store      Store
	Queue      Requeuer
	Locker     Locker
	Classifier safety.Classifier
	Recipes    RecipeFinder
	Invoker    executor.Invoker
	Sender     delivery.Sender
	Outbox     InlineSender
	Events     *events.Publisher
}

type Config struct {
	WorkerTag    string
	LockTTL      time.Duration
	RequeueDelay time.Duration
	HistorySize  int
	SendTyping   bool
	InlineLease  time.Duration
}

type Processor struct {
	Deps
	cfg    Config
	logger *logging.Logger
	tracer trace.Tracer
	now    func() time.Time
}

func NewProcessor(deps Deps, cfg Config, logger *logging.Logger) *Processor {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.RequeueDelay <= 0 {
		cfg.RequeueDelay = DefaultRequeueDelay
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = fsm.DefaultHistorySize
	}
	if cfg.InlineLease <= 0 {
		cfg.InlineLease = DefaultInlineLease
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Processor{
		Deps:   deps,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("ketobot-worker"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// turn is the per-job working set.
type turn struct {
	job   models.Job
	text  string
	log   *logging.Logger
	start time.Time
}

// outcome summarises a finished turn.
type outcome struct {
	result    string
	reason    string
	cause     error
	mode      string
	outboxID  string
	delivered bool
	fallback  bool
}

// Process handles one job. A nil return means the job is done with: it was
// requeued behind a held or lost lock, or its ledger row reached a terminal
// status.
// Errors leave the ledger row in received.
func (p *Processor) Process(ctx context.Context, job models.Job) error {
	ctx = middleware.WithRequestID(ctx, job.RequestID)
	log := p.logger.With(
		logging.EventID(job.EventID),
		logging.IdentityID(job.IdentityID),
		logging.Attempt(job.Attempt),
		logging.Worker(p.cfg.WorkerTag),
	)

	handle, ok, err := p.Locker.TryAcquire(ctx, job.IdentityID, p.cfg.LockTTL)
	if err != nil {
		return err
	}
	if !ok {
		log.InfoContext(ctx, "identity_locked_requeue")
		return p.requeue(ctx, job, log)
	}
	defer p.release(ctx, handle, log)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stopRenew := p.renew(ctx, handle, cancel, log)
	defer stopRenew()

	ctx, span := p.tracer.Start(ctx, "worker.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("event_id", job.EventID),
		attribute.Int64("identity_id", job.IdentityID),
		attribute.Int("attempt", job.Attempt),
	)

	t := &turn{job: job, text: normalizeText(job.PayloadText), log: log, start: time.Now()}

	o, err := p.run(ctx, t)
	if err != nil {
		if ctx.Err() != nil {
			cause := context.Cause(ctx)
			if errors.Is(cause, ErrLockLost) {
				return p.requeue(context.WithoutCancel(ctx), job, log)
			}
			log.WarnContext(ctx, "job_cancelled", logging.Error(cause))
			return cause
		}
		span.RecordError(err)
		if o, err = p.fail(ctx, t, "internal_error", errorReply, err); err != nil {
			return err
		}
	}

	p.finish(ctx, t, o)
	return nil
}

// requeue puts the job back behind whoever holds the identity now.
func (p *Processor) requeue(ctx context.Context, job models.Job, log *logging.Logger) error {
	metrics.JobsRequeued.Inc()
	if err := p.Queue.Requeue(ctx, job, p.cfg.RequeueDelay); err != nil {
		log.ErrorContext(ctx, "requeue_failed", logging.Error(err))
		return fmt.Errorf("requeue job %s: %w", job.EventID, err)
	}
	return nil
}

// renew keeps the identity lock alive while the job runs, refreshing it at a
// third of its TTL. If the lock is gone the job context is cancelled with
// ErrLockLost. The returned func stops renewal and waits for it to exit.
func (p *Processor) renew(ctx context.Context, h *lock.Handle, cancel context.CancelCauseFunc, log *logging.Logger) func() {
	interval := p.cfg.LockTTL / 3
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			held, err := p.Locker.Extend(ctx, h, p.cfg.LockTTL)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.WarnContext(ctx, "lock_renew_failed", logging.Error(err))
				continue
			}
			if !held {
				metrics.LocksLost.Inc()
				log.ErrorContext(ctx, "identity_lock_lost")
				cancel(ErrLockLost)
				return
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}

func (p *Processor) release(ctx context.Context, h *lock.Handle, log *logging.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.Locker.Release(ctx, h); err != nil {
		log.WarnContext(ctx, "lock_release_failed", logging.Error(err))
	}
}

func (p *Processor) run(ctx context.Context, t *turn) (outcome, error) {
	cmd := parseCommand(t.text)
	if cmd == cmdHelp {
		return p.commit(ctx, t, models.StatusCompleted, resultCommand, helpText, nil, nil, nil)
	}

	if v := p.Classifier.Classify(t.text); !v.Safe() {
		metrics.SafetyVerdicts.WithLabelValues(string(v.Kind)).Inc()
		t.log.InfoContext(ctx, "safety_short_circuit",
			"kind", string(v.Kind),
			"red_flag", v.RedFlag,
		)
		return p.commit(ctx, t, models.StatusCompleted, resultShortCircuit, v.Message, nil, nil, nil)
	}

	profile, err := p.loadProfile(ctx, t)
	if err != nil {
		return outcome{}, err
	}
	if profile.IsBlocked {
		if err := p.Store.MarkCompleted(ctx, t.job.EventID, p.cfg.WorkerTag); err != nil {
			return outcome{}, fmt.Errorf("mark blocked event completed: %w", err)
		}
		t.log.WarnContext(ctx, "identity_blocked")
		return outcome{result: resultBlocked}, nil
	}

	switch cmd {
	case cmdStart:
		state := p.freshState(t.job, profile)
		onboarding := state.Mode == fsm.ModeOnboarding
		if onboarding {
			step := stepAskRestrictions
			state.Step = &step
		}
		return p.commit(ctx, t, models.StatusCompleted, resultCommand, welcomeText(profile, onboarding), nil, state, nil)
	case cmdProfile:
		return p.commit(ctx, t, models.StatusCompleted, resultCommand, profileText(profile), nil, nil, nil)
	}

	state, err := p.loadState(ctx, t.job, profile)
	if err != nil {
		return outcome{}, err
	}

	if p.cfg.SendTyping {
		if err := p.Sender.SendChatAction(ctx, t.job.ChannelRef, delivery.ActionTyping); err != nil {
			t.log.DebugContext(ctx, "typing_indicator_failed", logging.Error(err))
		}
	}

	userText := t.text
	if cmd == cmdRecipes {
		userText = recipesPrompt
	}

	var found []models.Recipe
	if cmd == cmdRecipes || state.Mode == fsm.ModeRecipeSearch || recipes.LooksLikeRecipeRequest(t.text) {
		found, err = p.Recipes.Find(ctx, profile, recipeQuery(state))
		if err != nil {
			if ctx.Err() != nil {
				return outcome{}, ctx.Err()
			}
			metrics.CatalogErrors.Inc()
			t.log.WarnContext(ctx, "recipe_lookup_failed", logging.Error(err))
			found = nil
		} else {
			t.log.DebugContext(ctx, "recipes_found", "count", len(found))
		}
	}

	raw, err := p.Invoker.Invoke(ctx, prompt.Build(userText, profile, state, found))
	if err != nil {
		var execErr *executor.ExecutionError
		switch {
		case ctx.Err() != nil:
			return outcome{}, ctx.Err()
		case errors.Is(err, executor.ErrTimeout):
			return p.fail(ctx, t, "executor_timeout", degradedReply, err)
		case errors.As(err, &execErr):
			return p.fail(ctx, t, "executor_error", degradedReply, err)
		default:
			return outcome{}, err
		}
	}

	result := actions.Parse(raw)
	if result.Fallback {
		metrics.ParseFallbacks.Inc()
		t.log.WarnContext(ctx, "llm_output_fallback", "reason", result.Reason)
	}

	eff := actions.Apply(result, userText, profile, state, p.now(), p.cfg.HistorySize)
	if eff.Dropped != nil {
		metrics.TransitionsDropped.WithLabelValues(eff.Dropped.From, eff.Dropped.To).Inc()
		t.log.WarnContext(ctx, "transition_dropped",
			"from", eff.Dropped.From,
			"to", eff.Dropped.To,
		)
	}
	if f := eff.SafetyFlags; f != nil {
		redFlag := ""
		if f.RedFlagType != nil {
			redFlag = *f.RedFlagType
		}
		t.log.WarnContext(ctx, "safety_flags_raised",
			"medical_concern", f.MedicalConcern,
			"off_topic", f.OffTopic,
			"red_flag", redFlag,
		)
	}
	if len(eff.ProfileFields) > 0 {
		t.log.InfoContext(ctx, "profile_patched", "fields", eff.ProfileFields)
	}

	o, err := p.commit(ctx, t, models.StatusCompleted, resultCompleted, result.ReplyText, plainText(), eff.State, eff.Profile)
	o.fallback = result.Fallback
	return o, err
}

// fail commits the apology turn: ledger failed, one outbox entry, state and
// profile untouched.
func (p *Processor) fail(ctx context.Context, t *turn, reason, reply string, cause error) (outcome, error) {
	t.log.ErrorContext(ctx, "job_failed", "reason", reason, logging.Error(cause))
	o, err := p.commit(ctx, t, models.StatusFailed, resultFailed, reply, nil, nil, nil)
	o.reason = reason
	o.cause = cause
	return o, err
}

// commit writes the turn and tries inline delivery. A turn whose ledger row
// is already terminal is dropped without sending.
func (p *Processor) commit(ctx context.Context, t *turn, status models.ProcessingStatus, result, reply string, meta map[string]string, state *models.ConversationState, profile *models.Profile) (outcome, error) {
	if errors.Is(context.Cause(ctx), ErrLockLost) {
		return outcome{}, ErrLockLost
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()

	linked := t.job.EventID
	entry := &models.OutboxEntry{
		IdentityID:    t.job.IdentityID,
		ChannelRef:    t.job.ChannelRef,
		ReplyContent:  reply,
		ReplyMetadata: meta,
		Status:        models.OutboxPending,
		LinkedEventID: &linked,
	}

	err := p.Store.CommitTurn(ctx, repository.TurnCommit{
		EventID:      t.job.EventID,
		LedgerStatus: status,
		WorkerTag:    p.cfg.WorkerTag,
		State:        state,
		Profile:      profile,
		Outbox:       entry,
		InlineLease:  p.cfg.InlineLease,
	})
	if errors.Is(err, repository.ErrAlreadyFinalized) {
		t.log.InfoContext(ctx, "job_already_finalized")
		return outcome{result: resultDuplicate}, nil
	}
	if err != nil {
		return outcome{}, fmt.Errorf("commit turn %s: %w", t.job.EventID, err)
	}

	o := outcome{result: result, outboxID: entry.ID}
	if state != nil {
		o.mode = state.Mode
	}
	o.delivered = p.Outbox.SendInline(ctx, entry)
	return o, nil
}

func (p *Processor) finish(ctx context.Context, t *turn, o outcome) {
	elapsed := time.Since(t.start)
	metrics.JobsProcessed.WithLabelValues(o.result).Inc()
	metrics.JobDuration.Observe(elapsed.Seconds())

	t.log.InfoContext(ctx, "job_processed",
		"result", o.result,
		"delivered", o.delivered,
		logging.OutboxID(o.outboxID),
		logging.Duration(elapsed),
	)

	switch o.result {
	case resultDuplicate:
	case resultFailed:
		ev := &events.TurnFailed{
			EventID:    t.job.EventID,
			IdentityID: t.job.IdentityID,
			Reason:     o.reason,
			FailedAt:   p.now(),
		}
		if o.cause != nil {
			ev.Error = o.cause.Error()
		}
		p.Events.TurnFailed(ctx, ev)
	default:
		p.Events.TurnCompleted(ctx, &events.TurnCompleted{
			EventID:     t.job.EventID,
			IdentityID:  t.job.IdentityID,
			Mode:        o.mode,
			Outcome:     o.result,
			OutboxID:    o.outboxID,
			Fallback:    o.fallback,
			DurationMs:  elapsed.Milliseconds(),
			CompletedAt: p.now(),
		})
	}
}

// loadProfile returns the stored profile, creating it from the update's
// sender on first contact.
func (p *Processor) loadProfile(ctx context.Context, t *turn) (*models.Profile, error) {
	profile, err := p.Store.GetProfile(ctx, t.job.IdentityID)
	if err == nil {
		return profile, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("load profile: %w", err)
	}

	fresh := &models.Profile{IdentityID: t.job.IdentityID, LanguageCode: "en"}
	if u := ingest.SenderOf(t.job.RawPayload); u != nil {
		fresh.FirstName = u.FirstName
		fresh.Username = u.Username
		if u.LanguageCode != "" {
			fresh.LanguageCode = u.LanguageCode
		}
	}

	profile, err = p.Store.CreateProfile(ctx, fresh)
	if err != nil {
		return nil, fmt.Errorf("create profile: %w", err)
	}
	t.log.InfoContext(ctx, "profile_created")
	return profile, nil
}

func (p *Processor) loadState(ctx context.Context, job models.Job, profile *models.Profile) (*models.ConversationState, error) {
	state, err := p.Store.GetState(ctx, job.IdentityID)
	if errors.Is(err, repository.ErrNotFound) {
		return p.freshState(job, profile), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	if state.ContextSummary == nil {
		state.ContextSummary = map[string]any{}
	}
	state.ChannelRef = job.ChannelRef
	return state, nil
}

func (p *Processor) freshState(job models.Job, profile *models.Profile) *models.ConversationState {
	return &models.ConversationState{
		IdentityID:     job.IdentityID,
		ChannelRef:     job.ChannelRef,
		Mode:           fsm.DetermineInitialMode(profile.OnboardingCompleted),
		ContextSummary: map[string]any{},
		UpdatedAt:      p.now(),
	}
}

// recipeQuery reuses the query the generation step proposed last turn.
func recipeQuery(state *models.ConversationState) *models.RecipeQuery {
	if q, ok := models.RecipeQueryFromSummary(state.ContextSummary); ok {
		return q
	}
	return &models.RecipeQuery{Limit: models.DefaultRecipeLimit}
}

// plainText disables Telegram markup for generated replies, which are not
// guaranteed to be valid HTML.
func plainText() map[string]string {
	return map[string]string{delivery.MetaParseMode: ""}
}

func normalizeText(s string) string {
	return strings.TrimSpace(s)
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ketobot/ketobot-stack/bot/internal/actions"
	"github.com/ketobot/ketobot-stack/bot/internal/delivery"
	"github.com/ketobot/ketobot-stack/bot/internal/executor"
	"github.com/ketobot/ketobot-stack/bot/internal/fsm"
	"github.com/ketobot/ketobot-stack/bot/internal/lock"
	"github.com/ketobot/ketobot-stack/bot/internal/models"
	"github.com/ketobot/ketobot-stack/bot/internal/outbox"
	"github.com/ketobot/ketobot-stack/bot/internal/queue"
	"github.com/ketobot/ketobot-stack/bot/internal/repository"
	"github.com/ketobot/ketobot-stack/bot/internal/safety"
	"github.com/ketobot/ketobot-stack/common/logging"
)

type fakeSender struct {
	mu      sync.Mutex
	fail    bool
	sent    []string
	actions []string
}

func (f *fakeSender) Send(_ context.Context, _ int64, content string, _ map[string]string) delivery.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return delivery.Result{OK: false, Description: "502: Bad Gateway"}
	}
	f.sent = append(f.sent, content)
	return delivery.Result{OK: true}
}

func (f *fakeSender) SendChatAction(_ context.Context, _ int64, action string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
	return nil
}

func (f *fakeSender) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fakeInvoker struct {
	mu      sync.Mutex
	reply   func(ctx context.Context, prompt string) (string, error)
	prompts []string
}

func (f *fakeInvoker) Invoke(ctx context.Context, prompt string) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	reply := f.reply
	f.mu.Unlock()
	return reply(ctx, prompt)
}

func (f *fakeInvoker) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func (f *fakeInvoker) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return ""
	}
	return f.prompts[len(f.prompts)-1]
}

func replyWith(raw string) func(context.Context, string) (string, error) {
	return func(context.Context, string) (string, error) { return raw, nil }
}

type fakeFinder struct {
	mu      sync.Mutex
	recipes []models.Recipe
	err     error
	queries []*models.RecipeQuery
}

func (f *fakeFinder) Find(_ context.Context, _ *models.Profile, q *models.RecipeQuery) ([]models.Recipe, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return f.recipes, f.err
}

type harness struct {
	mr      *miniredis.Miniredis
	repo    *repository.InMemoryRepository
	queue   *queue.Queue
	locker  *lock.Locker
	sender  *fakeSender
	invoker *fakeInvoker
	finder  *fakeFinder
	proc    *Processor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	h := &harness{
		mr:      mr,
		repo:    repository.NewInMemoryRepository(),
		queue:   queue.New(client),
		locker:  lock.New(client),
		sender:  &fakeSender{},
		invoker: &fakeInvoker{reply: replyWith(`{"reply_text": "Hi! How can I help with keto today?"}`)},
		finder:  &fakeFinder{},
	}

	dispatcher := outbox.NewDispatcher(h.repo, h.sender, nil, nil, outbox.Config{}, logging.Discard())
	h.proc = NewProcessor(Deps{
		Store:      h.repo,
		Queue:      h.queue,
		Locker:     h.locker,
		Classifier: safety.NewDefaultClassifier(),
		Recipes:    h.finder,
		Invoker:    h.invoker,
		Sender:     h.sender,
		Outbox:     dispatcher,
	}, Config{WorkerTag: "test-worker", SendTyping: true, RequeueDelay: 50 * time.Millisecond}, logging.Discard())
	return h
}

func rawUpdate(updateID, userID int64, text string) []byte {
	return []byte(fmt.Sprintf(`{"update_id": %d, "message": {"message_id": 1,
		"from": {"id": %d, "first_name": "Ann", "username": "ann", "language_code": "en"},
		"chat": {"id": %d, "type": "private"}, "text": %q}}`, updateID, userID, userID, text))
}

// ingest records and enqueues an event the way the webhook does, then pops
// the job back off the queue.
func (h *harness) ingest(t *testing.T, updateID, userID int64, text string) models.Job {
	t.Helper()
	ctx := context.Background()
	ev := models.Event{
		EventID:     strconv.FormatInt(updateID, 10),
		IdentityID:  userID,
		ChannelRef:  userID,
		PayloadText: text,
		RawPayload:  rawUpdate(updateID, userID, text),
		ReceivedAt:  time.Now().UTC(),
	}
	seen, err := h.repo.IngestEvent(ctx, ev, func(ctx context.Context) error {
		return h.queue.Enqueue(ctx, models.JobFromEvent(ev, ""))
	})
	require.NoError(t, err)
	require.False(t, seen)

	job, err := h.queue.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	return *job
}

func (h *harness) status(t *testing.T, eventID string) models.ProcessingStatus {
	t.Helper()
	rec, err := h.repo.GetProcessingRecord(context.Background(), eventID)
	require.NoError(t, err)
	return rec.Status
}

func (h *harness) outbox(t *testing.T, eventID string) []*models.OutboxEntry {
	t.Helper()
	entries, err := h.repo.ListOutboxByEvent(context.Background(), eventID)
	require.NoError(t, err)
	return entries
}

func TestProcess_Hello(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job := h.ingest(t, 1, 1, "hello")
	assert.Equal(t, models.StatusReceived, h.status(t, "1"))

	require.NoError(t, h.proc.Process(ctx, job))

	assert.Equal(t, models.StatusCompleted, h.status(t, "1"))
	entries := h.outbox(t, "1")
	require.Len(t, entries, 1)
	assert.Equal(t, models.OutboxSent, entries[0].Status)
	assert.Equal(t, "Hi! How can I help with keto today?", entries[0].ReplyContent)
	assert.Equal(t, []string{"Hi! How can I help with keto today?"}, h.sender.messages())
	assert.Equal(t, []string{delivery.ActionTyping}, h.sender.actions)

	profile, err := h.repo.GetProfile(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Ann", profile.FirstName)
	assert.Equal(t, "ann", profile.Username)

	state, err := h.repo.GetState(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, fsm.ModeOnboarding, state.Mode)
	require.Len(t, state.RecentHistory, 2)
	assert.Equal(t, "hello", state.RecentHistory[0].Content)

	assert.Contains(t, h.invoker.lastPrompt(), "USER MESSAGE:\nhello")
	assert.Empty(t, h.finder.queries)

	// The lock is released.
	handle, ok, err := h.locker.TryAcquire(ctx, 1, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, h.locker.Release(ctx, handle))
}

func TestProcess_MalformedOutputFallsBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.invoker.reply = replyWith("{not json")

	job := h.ingest(t, 2, 1, "what is ketosis?")
	require.NoError(t, h.proc.Process(ctx, job))

	assert.Equal(t, models.StatusCompleted, h.status(t, "2"))
	entries := h.outbox(t, "2")
	require.Len(t, entries, 1)
	assert.Equal(t, actions.FallbackReply, entries[0].ReplyContent)

	state, err := h.repo.GetState(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, fsm.ModeOnboarding, state.Mode)
	assert.Nil(t, state.Step)
}

func TestProcess_ExecutorFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"timeout", executor.ErrTimeout},
		{"non-zero exit", &executor.ExecutionError{ExitCode: 2, Stderr: "quota exceeded"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			h.invoker.reply = func(context.Context, string) (string, error) { return "", tt.err }

			job := h.ingest(t, 3, 1, "hello")
			require.NoError(t, h.proc.Process(ctx, job))

			assert.Equal(t, models.StatusFailed, h.status(t, "3"))
			entries := h.outbox(t, "3")
			require.Len(t, entries, 1)
			assert.Equal(t, degradedReply, entries[0].ReplyContent)

			_, err := h.repo.GetState(ctx, 1)
			assert.ErrorIs(t, err, repository.ErrNotFound)

			handle, ok, err := h.locker.TryAcquire(ctx, 1, time.Second)
			require.NoError(t, err)
			assert.True(t, ok)
			require.NoError(t, h.locker.Release(ctx, handle))
		})
	}
}

func TestProcess_UnexpectedErrorSendsApology(t *testing.T) {
	h := newHarness(t)
	h.invoker.reply = func(context.Context, string) (string, error) {
		return "", errors.New("waiting for executor slot: boom")
	}

	job := h.ingest(t, 4, 1, "hello")
	require.NoError(t, h.proc.Process(context.Background(), job))

	assert.Equal(t, models.StatusFailed, h.status(t, "4"))
	entries := h.outbox(t, "4")
	require.Len(t, entries, 1)
	assert.Equal(t, errorReply, entries[0].ReplyContent)
}

func TestProcess_CancelledLeavesEventReceived(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.invoker.reply = func(ctx context.Context, _ string) (string, error) {
		cancel()
		<-ctx.Done()
		return "", ctx.Err()
	}

	job := h.ingest(t, 5, 1, "hello")
	err := h.proc.Process(ctx, job)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, models.StatusReceived, h.status(t, "5"))
	assert.Empty(t, h.outbox(t, "5"))

	handle, ok, err := h.locker.TryAcquire(context.Background(), 1, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, h.locker.Release(context.Background(), handle))
}

func TestProcess_SafetyShortCircuit(t *testing.T) {
	h := newHarness(t)

	job := h.ingest(t, 6, 1, "My chest hurts after the keto flu")
	require.NoError(t, h.proc.Process(context.Background(), job))

	assert.Zero(t, h.invoker.calls())
	assert.Equal(t, models.StatusCompleted, h.status(t, "6"))
	entries := h.outbox(t, "6")
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].ReplyContent, "doctor")
}

func TestProcess_SafetyRunsBeforeCommands(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job := h.ingest(t, 60, 1, "/profile my chest hurts after the keto flu")
	require.NoError(t, h.proc.Process(ctx, job))

	entries := h.outbox(t, "60")
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].ReplyContent, "doctor")
	assert.NotContains(t, entries[0].ReplyContent, "Weight")
	_, err := h.repo.GetProfile(ctx, 1)
	assert.ErrorIs(t, err, repository.ErrNotFound, "short circuit happens before the profile is created")

	// Help is always answered.
	job = h.ingest(t, 61, 1, "/help my chest hurts after the keto flu")
	require.NoError(t, h.proc.Process(ctx, job))
	entries = h.outbox(t, "61")
	require.Len(t, entries, 1)
	assert.Equal(t, helpText, entries[0].ReplyContent)
}

func TestProcess_BlockedProfileIsSilent(t *testing.T) {
	h := newHarness(t)
	h.repo.PutProfile(&models.Profile{IdentityID: 1, LanguageCode: "en", IsBlocked: true})

	job := h.ingest(t, 7, 1, "hello")
	require.NoError(t, h.proc.Process(context.Background(), job))

	assert.Zero(t, h.invoker.calls())
	assert.Equal(t, models.StatusCompleted, h.status(t, "7"))
	assert.Empty(t, h.outbox(t, "7"))
	assert.Empty(t, h.sender.messages())
}

func TestProcess_Commands(t *testing.T) {
	ctx := context.Background()

	t.Run("help", func(t *testing.T) {
		h := newHarness(t)
		job := h.ingest(t, 10, 1, "/help")
		require.NoError(t, h.proc.Process(ctx, job))

		assert.Zero(t, h.invoker.calls())
		assert.Equal(t, []string{helpText}, h.sender.messages())
	})

	t.Run("start resets state to onboarding", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.proc.Process(ctx, h.ingest(t, 11, 1, "hello")))

		job := h.ingest(t, 12, 1, "/start@KetoBot")
		require.NoError(t, h.proc.Process(ctx, job))

		state, err := h.repo.GetState(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, fsm.ModeOnboarding, state.Mode)
		assert.Equal(t, stepAskRestrictions, state.StepValue())
		assert.Empty(t, state.RecentHistory)

		msgs := h.sender.messages()
		require.Len(t, msgs, 2)
		assert.True(t, strings.HasPrefix(msgs[1], "Hi, Ann!"))
		assert.Equal(t, 1, h.invoker.calls())
	})

	t.Run("start for a completed profile goes idle", func(t *testing.T) {
		h := newHarness(t)
		h.repo.PutProfile(&models.Profile{IdentityID: 1, FirstName: "Bo", LanguageCode: "en", OnboardingCompleted: true})

		require.NoError(t, h.proc.Process(ctx, h.ingest(t, 13, 1, "/start")))

		state, err := h.repo.GetState(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, fsm.ModeIdle, state.Mode)
		assert.Nil(t, state.Step)
		assert.True(t, strings.HasPrefix(h.sender.messages()[0], "Welcome back, Bo!"))
	})

	t.Run("profile", func(t *testing.T) {
		h := newHarness(t)
		weight := 82.5
		h.repo.PutProfile(&models.Profile{
			IdentityID:          1,
			FirstName:           "Ann",
			LanguageCode:        "en",
			WeightKg:            &weight,
			DietaryRestrictions: []string{"egg_free"},
		})

		require.NoError(t, h.proc.Process(ctx, h.ingest(t, 14, 1, "/profile")))

		msgs := h.sender.messages()
		require.Len(t, msgs, 1)
		assert.Contains(t, msgs[0], "Weight: 82.5 kg")
		assert.Contains(t, msgs[0], "Restrictions: egg_free")
		assert.Zero(t, h.invoker.calls())
	})

	t.Run("recipes forces a lookup", func(t *testing.T) {
		h := newHarness(t)
		h.finder.recipes = []models.Recipe{{ID: "r1", Title: "Egg muffins", Category: "breakfast"}}

		require.NoError(t, h.proc.Process(ctx, h.ingest(t, 15, 1, "/recipes")))

		require.Len(t, h.finder.queries, 1)
		assert.Equal(t, models.DefaultRecipeLimit, h.finder.queries[0].Limit)
		assert.Contains(t, h.invoker.lastPrompt(), "Egg muffins")
		assert.Contains(t, h.invoker.lastPrompt(), recipesPrompt)
	})
}

func TestProcess_AppliesActions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.invoker.reply = replyWith("Sure!\n```json\n" + `{
		"reply_text": "Noted. Here are dinner ideas.",
		"actions": {
			"profile_patch": {"lactose_intolerant": true},
			"state_patch": {"mode": "recipe_search", "step": "showing_results"},
			"recipe_query": {"category": "dinner", "limit": 3}
		}
	}` + "\n```")

	require.NoError(t, h.proc.Process(ctx, h.ingest(t, 20, 1, "I can't have lactose")))

	profile, err := h.repo.GetProfile(ctx, 1)
	require.NoError(t, err)
	assert.True(t, profile.LactoseIntolerant)

	state, err := h.repo.GetState(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, fsm.ModeRecipeSearch, state.Mode)
	assert.Equal(t, "showing_results", state.StepValue())

	// The next turn reuses the proposed query because the mode is recipe_search.
	h.invoker.reply = replyWith(`{"reply_text": "Try the salmon."}`)
	require.NoError(t, h.proc.Process(ctx, h.ingest(t, 21, 1, "anything else?")))

	require.Len(t, h.finder.queries, 1)
	assert.Equal(t, "dinner", h.finder.queries[0].Category)
	assert.Equal(t, 3, h.finder.queries[0].Limit)
}

func TestProcess_DroppedTransitionKeepsMode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.invoker.reply = replyWith(`{"reply_text": "Let's set goals.", "actions": {"state_patch": {"mode": "coaching", "step": "ask_goals"}}}`)

	require.NoError(t, h.proc.Process(ctx, h.ingest(t, 22, 1, "motivate me")))

	state, err := h.repo.GetState(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, fsm.ModeOnboarding, state.Mode)
	assert.Nil(t, state.Step)
	assert.Equal(t, models.StatusCompleted, h.status(t, "22"))
}

func TestProcess_CatalogErrorDegrades(t *testing.T) {
	h := newHarness(t)
	h.finder.err = errors.New("opensearch down")

	require.NoError(t, h.proc.Process(context.Background(), h.ingest(t, 23, 1, "recipe for dinner please")))

	assert.Len(t, h.finder.queries, 1)
	assert.Equal(t, 1, h.invoker.calls())
	assert.NotContains(t, h.invoker.lastPrompt(), "AVAILABLE RECIPES")
	assert.Equal(t, models.StatusCompleted, h.status(t, "23"))
}

func TestProcess_InlineFailureLeavesEntryForSweep(t *testing.T) {
	h := newHarness(t)
	h.sender.fail = true

	require.NoError(t, h.proc.Process(context.Background(), h.ingest(t, 24, 1, "hello")))

	assert.Equal(t, models.StatusCompleted, h.status(t, "24"))
	entries := h.outbox(t, "24")
	require.Len(t, entries, 1)
	assert.Equal(t, models.OutboxPending, entries[0].Status)
	assert.Zero(t, entries[0].Attempts)
	assert.Equal(t, "502: Bad Gateway", entries[0].ErrorMessage)
}

func TestProcess_AlreadyFinalizedWritesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job := h.ingest(t, 25, 1, "hello")
	require.NoError(t, h.repo.MarkCompleted(ctx, "25", "other-worker"))

	require.NoError(t, h.proc.Process(ctx, job))
	assert.Empty(t, h.outbox(t, "25"))
	assert.Empty(t, h.sender.messages())
}

func TestProcess_LockContentionRequeues(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	held, ok, err := h.locker.TryAcquire(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	job := h.ingest(t, 26, 1, "hello")
	require.NoError(t, h.proc.Process(ctx, job))

	assert.Zero(t, h.invoker.calls())
	assert.Equal(t, models.StatusReceived, h.status(t, "26"))

	ready, delayed, err := h.queue.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, ready)
	assert.Equal(t, int64(1), delayed)

	// Once the holder lets go the requeued attempt goes through.
	require.NoError(t, h.locker.Release(ctx, held))
	var requeued *models.Job
	require.Eventually(t, func() bool {
		requeued, err = h.queue.Dequeue(ctx, time.Second)
		return err == nil && requeued != nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "26", requeued.EventID)
	assert.Equal(t, 1, requeued.Attempt)

	require.NoError(t, h.proc.Process(ctx, *requeued))
	assert.Equal(t, models.StatusCompleted, h.status(t, "26"))
}

func TestPool_SerializesPerIdentity(t *testing.T) {
	h := newHarness(t)

	var active, maxActive atomic.Int32
	h.invoker.reply = func(context.Context, string) (string, error) {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(100 * time.Millisecond)
		active.Add(-1)
		return `{"reply_text": "ok"}`, nil
	}

	ctx := context.Background()
	for i := int64(30); i < 33; i++ {
		ev := models.Event{
			EventID:     strconv.FormatInt(i, 10),
			IdentityID:  1,
			ChannelRef:  1,
			PayloadText: "hello",
			RawPayload:  rawUpdate(i, 1, "hello"),
		}
		_, err := h.repo.IngestEvent(ctx, ev, func(ctx context.Context) error {
			return h.queue.Enqueue(ctx, models.JobFromEvent(ev, ""))
		})
		require.NoError(t, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	pool := NewPool(h.queue, h.proc, PoolConfig{Consumers: 3, DequeueTimeout: time.Second}, logging.Discard())
	done := make(chan error, 1)
	go func() { done <- pool.Run(runCtx) }()

	require.Eventually(t, func() bool {
		for _, id := range []string{"30", "31", "32"} {
			rec, err := h.repo.GetProcessingRecord(ctx, id)
			if err != nil || rec.Status != models.StatusCompleted {
				return false
			}
		}
		return true
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}

	assert.Equal(t, int32(1), maxActive.Load())
	assert.Len(t, h.sender.messages(), 3)
}

// identityOneInvoker counts calls for identity 1 that are in flight at the
// same time, including time spent waiting for an executor slot.
type identityOneInvoker struct {
	inner             executor.Invoker
	active, maxActive atomic.Int32
}

func (c *identityOneInvoker) Invoke(ctx context.Context, prompt string) (string, error) {
	if !strings.Contains(prompt, "from identity one") {
		return c.inner.Invoke(ctx, prompt)
	}
	n := c.active.Add(1)
	defer c.active.Add(-1)
	for {
		m := c.maxActive.Load()
		if n <= m || c.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	return c.inner.Invoke(ctx, prompt)
}

func TestPool_SerializesPerIdentityPastLockTTL(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	h := newHarness(t)
	ctx := context.Background()

	// miniredis only expires keys when told to; keep its clock near the wall clock.
	clockDone := make(chan struct{})
	clockStopped := make(chan struct{})
	go func() {
		defer close(clockStopped)
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-clockDone:
				return
			case <-ticker.C:
				h.mr.FastForward(10 * time.Millisecond)
			}
		}
	}()
	defer func() {
		close(clockDone)
		<-clockStopped
	}()

	llm := executor.New(executor.Config{
		Command:        "sh",
		Args:           []string{"-c", `cat >/dev/null; sleep 0.25; echo '{"reply_text": "ok"}'`},
		Timeout:        2 * time.Second,
		MaxConcurrency: 1,
	}, logging.Discard())
	counting := &identityOneInvoker{inner: llm}

	dispatcher := outbox.NewDispatcher(h.repo, h.sender, nil, nil, outbox.Config{}, logging.Discard())
	proc := NewProcessor(Deps{
		Store:      h.repo,
		Queue:      h.queue,
		Locker:     h.locker,
		Classifier: safety.NewDefaultClassifier(),
		Recipes:    h.finder,
		Invoker:    counting,
		Sender:     h.sender,
		Outbox:     dispatcher,
	}, Config{
		WorkerTag:    "test-worker",
		LockTTL:      300 * time.Millisecond,
		RequeueDelay: 50 * time.Millisecond,
	}, logging.Discard())

	// Other identities hold the only executor slot for longer than the lock TTL.
	var busy sync.WaitGroup
	for i := 0; i < 3; i++ {
		busy.Add(1)
		go func() {
			defer busy.Done()
			_, _ = llm.Invoke(ctx, "busy")
		}()
	}
	defer busy.Wait()
	time.Sleep(50 * time.Millisecond)

	for i := int64(40); i < 42; i++ {
		ev := models.Event{
			EventID:     strconv.FormatInt(i, 10),
			IdentityID:  1,
			ChannelRef:  1,
			PayloadText: "from identity one",
			RawPayload:  rawUpdate(i, 1, "from identity one"),
		}
		_, err := h.repo.IngestEvent(ctx, ev, func(ctx context.Context) error {
			return h.queue.Enqueue(ctx, models.JobFromEvent(ev, ""))
		})
		require.NoError(t, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	pool := NewPool(h.queue, proc, PoolConfig{Consumers: 3, DequeueTimeout: time.Second}, logging.Discard())
	done := make(chan error, 1)
	go func() { done <- pool.Run(runCtx) }()

	require.Eventually(t, func() bool {
		for _, id := range []string{"40", "41"} {
			rec, err := h.repo.GetProcessingRecord(ctx, id)
			if err != nil || rec.Status != models.StatusCompleted {
				return false
			}
		}
		return true
	}, 15*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}

	assert.Equal(t, int32(1), counting.maxActive.Load())
	assert.Len(t, h.sender.messages(), 2)
}

func TestProcess_LostLockRequeuesWithoutReply(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	proc := NewProcessor(h.proc.Deps, Config{
		WorkerTag:    "test-worker",
		LockTTL:      90 * time.Millisecond,
		RequeueDelay: 50 * time.Millisecond,
	}, logging.Discard())

	// Another holder takes over the identity while generation is running.
	h.invoker.reply = func(ctx context.Context, _ string) (string, error) {
		h.mr.Del(lock.Key(1))
		_, ok, err := h.locker.TryAcquire(context.Background(), 1, time.Minute)
		if err != nil || !ok {
			return "", fmt.Errorf("take over lock: ok=%v err=%v", ok, err)
		}
		<-ctx.Done()
		return "", ctx.Err()
	}

	job := h.ingest(t, 50, 1, "hello")
	require.NoError(t, proc.Process(ctx, job))

	assert.Equal(t, models.StatusReceived, h.status(t, "50"))
	assert.Empty(t, h.outbox(t, "50"))
	assert.True(t, h.mr.Exists(lock.Key(1)), "successor's lock is left alone")

	_, delayed, err := h.queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), delayed)
}

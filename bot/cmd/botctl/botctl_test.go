package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ketobot/ketobot-stack/bot/internal/ingest"
	"github.com/ketobot/ketobot-stack/bot/internal/models"
	"github.com/ketobot/ketobot-stack/bot/internal/queue"
	"github.com/ketobot/ketobot-stack/bot/internal/repository"
)

func TestCommandsRegistered(t *testing.T) {
	want := map[string]bool{"reconcile": false, "outbox": false, "events": false, "seed": false}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		assert.True(t, found, "command %q not registered", name)
	}

	var outboxSubs []string
	for _, c := range outboxCmd.Commands() {
		outboxSubs = append(outboxSubs, c.Name())
	}
	assert.ElementsMatch(t, []string{"failed", "retry", "dlq"}, outboxSubs)
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	repo := repository.NewInMemoryRepository()
	noop := func(context.Context) error { return nil }
	ingestAt := func(id string, at time.Time) {
		_, err := repo.IngestEvent(ctx, models.Event{
			EventID:     id,
			IdentityID:  7,
			ChannelRef:  7,
			PayloadText: "hello " + id,
			ReceivedAt:  at,
		}, noop)
		require.NoError(t, err)
	}
	ingestAt("old-1", base.Add(-30*time.Minute))
	ingestAt("old-2", base.Add(-20*time.Minute))
	ingestAt("done", base.Add(-25*time.Minute))
	ingestAt("fresh", base.Add(-time.Minute))
	require.NoError(t, repo.MarkCompleted(ctx, "done", "w1"))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	q := queue.New(client)

	t.Run("dry run only lists", func(t *testing.T) {
		events, err := reconcile(ctx, repo, nil, base.Add(-10*time.Minute), 100)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "old-1", events[0].EventID)
		assert.Equal(t, "old-2", events[1].EventID)

		ready, _, err := q.Len(ctx)
		require.NoError(t, err)
		assert.Zero(t, ready)
	})

	t.Run("enqueues stale events", func(t *testing.T) {
		events, err := reconcile(ctx, repo, q, base.Add(-10*time.Minute), 1)
		require.NoError(t, err)
		require.Len(t, events, 1)

		job, err := q.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, "old-1", job.EventID)
		assert.Equal(t, int64(7), job.IdentityID)
		assert.Equal(t, "hello old-1", job.PayloadText)
		assert.Equal(t, "reconcile", job.RequestID)
	})
}

func TestSeeder(t *testing.T) {
	var mu sync.Mutex
	var updates []ingest.Update
	var secrets []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var u ingest.Update
		if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		updates = append(updates, u)
		secrets = append(secrets, r.Header.Get(ingest.SecretHeader))
		n := len(updates)
		mu.Unlock()

		if n > 5 {
			http.Error(w, `{"ok":false,"error":"queue unavailable"}`, http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s := &seeder{
		client:     srv.Client(),
		url:        srv.URL,
		secret:     "s3cret",
		faker:      gofakeit.New(42),
		users:      2,
		commandPct: 50,
	}

	sent, err := s.run(context.Background(), 1000, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, sent)

	identities := map[int64]bool{}
	for i, u := range updates {
		assert.Equal(t, int64(1000+i), u.UpdateID)
		require.NotNil(t, u.Message)
		require.NotNil(t, u.Message.From)
		assert.Equal(t, u.Message.From.ID, u.Message.Chat.ID)
		assert.NotEmpty(t, u.Message.Text)
		identities[u.Message.From.ID] = true

		_, _, _, ok := u.Effective()
		assert.True(t, ok, "seeded update must be accepted by ingestion")
	}
	assert.LessOrEqual(t, len(identities), 2)
	assert.Equal(t, []string{"s3cret", "s3cret", "s3cret", "s3cret", "s3cret"}, secrets)

	sent, err = s.run(context.Background(), 2000, 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
	assert.Zero(t, sent)
}

func TestTableRender(t *testing.T) {
	tbl := newTable("ID", "ERROR")
	tbl.addRow("abc", "502: Bad Gateway")
	tbl.addRow("a-much-longer-id", "")

	var buf bytes.Buffer
	tbl.render(&buf)

	assert.Equal(t, "ID                ERROR\n"+
		"----------------  ----------------\n"+
		"abc               502: Bad Gateway\n"+
		"a-much-longer-id\n", buf.String())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "line one …", truncate("line one\nline two", 10))
}

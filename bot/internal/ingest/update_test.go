package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdate_Effective(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		ok       bool
		userID   int64
		chatID   int64
		wantText string
	}{
		{
			name:     "text message",
			raw:      `{"update_id":1,"message":{"from":{"id":7,"first_name":"A"},"chat":{"id":70},"text":"  hi  "}}`,
			ok:       true,
			userID:   7,
			chatID:   70,
			wantText: "hi",
		},
		{
			name:     "caption",
			raw:      `{"update_id":2,"message":{"from":{"id":7},"chat":{"id":70},"caption":"photo of my lunch"}}`,
			ok:       true,
			userID:   7,
			chatID:   70,
			wantText: "photo of my lunch",
		},
		{
			name:     "callback query",
			raw:      `{"update_id":3,"callback_query":{"id":"cb","from":{"id":8},"message":{"chat":{"id":80}},"data":"/recipes"}}`,
			ok:       true,
			userID:   8,
			chatID:   80,
			wantText: "/recipes",
		},
		{
			name: "bot sender",
			raw:  `{"update_id":4,"message":{"from":{"id":9,"is_bot":true},"chat":{"id":90},"text":"hi"}}`,
		},
		{
			name: "sticker without text",
			raw:  `{"update_id":5,"message":{"from":{"id":9},"chat":{"id":90}}}`,
		},
		{
			name: "edited message",
			raw:  `{"update_id":6,"edited_message":{"from":{"id":9},"chat":{"id":90},"text":"fixed"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := ParseUpdate([]byte(tt.raw))
			require.NoError(t, err)

			user, chat, text, ok := u.Effective()
			require.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.userID, user.ID)
			assert.Equal(t, tt.chatID, chat.ID)
			assert.Equal(t, tt.wantText, text)
		})
	}
}

func TestUpdate_ToEvent(t *testing.T) {
	raw := []byte(helloUpdate)
	u, err := ParseUpdate(raw)
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ev, ok := u.ToEvent(raw, at)
	require.True(t, ok)
	assert.Equal(t, "1", ev.EventID)
	assert.Equal(t, int64(1), ev.IdentityID)
	assert.Equal(t, "hello", ev.PayloadText)
	assert.Equal(t, at, ev.ReceivedAt)
	assert.JSONEq(t, helloUpdate, string(ev.RawPayload))
}

func TestSenderOf(t *testing.T) {
	user := SenderOf([]byte(helloUpdate))
	require.NotNil(t, user)
	assert.Equal(t, "Ann", user.FirstName)
	assert.Equal(t, "en", user.LanguageCode)

	assert.Nil(t, SenderOf(nil))
	assert.Nil(t, SenderOf([]byte("garbage")))
}

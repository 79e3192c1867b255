package ingest

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/ketobot/ketobot-stack/bot/internal/models"
)

// Update is the subset of a Telegram update the bot reads.
type Update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *Message       `json:"message,omitempty"`
	EditedMessage *Message       `json:"edited_message,omitempty"`
	CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
}

type User struct {
	ID           int64  `json:"id"`
	IsBot        bool   `json:"is_bot"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name,omitempty"`
	Username     string `json:"username,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
}

type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from,omitempty"`
	Chat      Chat   `json:"chat"`
	Date      int64  `json:"date"`
	Text      string `json:"text,omitempty"`
	Caption   string `json:"caption,omitempty"`
}

type CallbackQuery struct {
	ID      string   `json:"id"`
	From    User     `json:"from"`
	Message *Message `json:"message,omitempty"`
	Data    string   `json:"data,omitempty"`
}

// ParseUpdate decodes a raw update body.
func ParseUpdate(raw []byte) (*Update, error) {
	var u Update
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Effective returns the user, chat and text the update is about. A message
// wins over a callback query; callback data is used as the text. ok is false
// when the update carries nothing the bot handles.
func (u *Update) Effective() (user *User, chat *Chat, text string, ok bool) {
	switch {
	case u.Message != nil:
		m := u.Message
		text = m.Text
		if text == "" {
			text = m.Caption
		}
		user, chat = m.From, &m.Chat
	case u.CallbackQuery != nil && u.CallbackQuery.Message != nil:
		cq := u.CallbackQuery
		user, chat, text = &cq.From, &cq.Message.Chat, cq.Data
	default:
		return nil, nil, "", false
	}

	text = strings.TrimSpace(text)
	if user == nil || user.IsBot || chat.ID == 0 || text == "" {
		return nil, nil, "", false
	}
	return user, chat, text, true
}

// ToEvent converts a supported update into an Event keyed by update_id.
func (u *Update) ToEvent(raw []byte, receivedAt time.Time) (models.Event, bool) {
	user, chat, text, ok := u.Effective()
	if !ok {
		return models.Event{}, false
	}
	return models.Event{
		EventID:     strconv.FormatInt(u.UpdateID, 10),
		IdentityID:  user.ID,
		ChannelRef:  chat.ID,
		PayloadText: text,
		RawPayload:  json.RawMessage(raw),
		ReceivedAt:  receivedAt,
	}, true
}

// SenderOf returns the user found in a raw update, or nil.
func SenderOf(raw []byte) *User {
	if len(raw) == 0 {
		return nil
	}
	u, err := ParseUpdate(raw)
	if err != nil {
		return nil
	}
	user, _, _, ok := u.Effective()
	if !ok {
		return nil
	}
	return user
}

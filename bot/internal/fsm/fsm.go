// Package fsm validates conversation mode transitions and maintains the
// bounded recent-history buffer.
package fsm

import (
	"time"

	"github.com/ketobot/ketobot-stack/bot/internal/models"
)

// Conversation modes.
const (
	ModeIdle         = "idle"
	ModeOnboarding   = "onboarding"
	ModeRecipeSearch = "recipe_search"
	ModeConsultation = "consultation"
	ModeCoaching     = "coaching"
)

const (
	// DefaultHistorySize is the number of history entries kept per identity.
	DefaultHistorySize = 10

	// AssistantContentLimit caps stored assistant replies, in runes.
	AssistantContentLimit = 500
)

var transitions = map[string]map[string]bool{
	ModeIdle: {
		ModeOnboarding:   true,
		ModeRecipeSearch: true,
		ModeConsultation: true,
		ModeCoaching:     true,
	},
	ModeOnboarding: {
		ModeIdle:         true,
		ModeRecipeSearch: true,
		ModeConsultation: true,
	},
	ModeRecipeSearch: {
		ModeIdle:         true,
		ModeConsultation: true,
		ModeCoaching:     true,
	},
	ModeConsultation: {
		ModeIdle:         true,
		ModeRecipeSearch: true,
		ModeCoaching:     true,
	},
	ModeCoaching: {
		ModeIdle:         true,
		ModeRecipeSearch: true,
		ModeConsultation: true,
	},
}

// Modes lists every known mode in declaration order.
func Modes() []string {
	return []string{ModeIdle, ModeOnboarding, ModeRecipeSearch, ModeConsultation, ModeCoaching}
}

// IsKnownMode reports whether mode is one of Modes.
func IsKnownMode(mode string) bool {
	_, ok := transitions[mode]
	return ok
}

// IsValidTransition reports whether current may move to next.
// Staying in the same mode is always valid.
func IsValidTransition(current, next string) bool {
	if current == next {
		return true
	}
	return transitions[current][next]
}

// DetermineInitialMode returns the mode a new or restarted conversation begins in.
func DetermineInitialMode(profileComplete bool) string {
	if profileComplete {
		return ModeIdle
	}
	return ModeOnboarding
}

// AppendHistory appends a user/assistant pair and keeps the newest maxMessages
// entries. The input slice is not modified.
func AppendHistory(history []models.HistoryEntry, userText, assistantText string, now time.Time, maxMessages int) []models.HistoryEntry {
	if maxMessages <= 0 {
		maxMessages = DefaultHistorySize
	}

	out := make([]models.HistoryEntry, 0, len(history)+2)
	out = append(out, history...)
	out = append(out,
		models.HistoryEntry{Role: models.RoleUser, Content: userText, Timestamp: now},
		models.HistoryEntry{Role: models.RoleAssistant, Content: truncateRunes(assistantText, AssistantContentLimit), Timestamp: now},
	)

	if len(out) > maxMessages {
		out = out[len(out)-maxMessages:]
	}
	return out
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

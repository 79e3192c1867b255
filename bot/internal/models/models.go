// Package models holds the records that flow between ingestion, the queue,
// the worker and the stores.
package models

import (
	"encoding/json"
	"time"
)

// Event is one inbound user action as received from the transport.
// EventID is the idempotency key.
type Event struct {
	EventID     string          `json:"event_id"`
	IdentityID  int64           `json:"identity_id"`
	ChannelRef  int64           `json:"channel_ref"`
	PayloadText string          `json:"payload_text"`
	RawPayload  json.RawMessage `json:"raw_payload"`
	ReceivedAt  time.Time       `json:"received_at"`
}

// ProcessingStatus is the ledger state of an event.
type ProcessingStatus string

const (
	StatusReceived  ProcessingStatus = "received"
	StatusCompleted ProcessingStatus = "completed"
	StatusFailed    ProcessingStatus = "failed"
)

// ProcessingRecord is a row of the idempotency ledger.
type ProcessingRecord struct {
	EventID     string           `json:"event_id"`
	Status      ProcessingStatus `json:"status"`
	WorkerTag   string           `json:"worker_tag,omitempty"`
	ReceivedAt  time.Time        `json:"received_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// Job is the queue payload. It only lives in the queue.
type Job struct {
	EventID     string          `json:"event_id"`
	IdentityID  int64           `json:"identity_id"`
	ChannelRef  int64           `json:"channel_ref"`
	PayloadText string          `json:"payload_text"`
	RawPayload  json.RawMessage `json:"raw_payload,omitempty"`
	RequestID   string          `json:"request_id,omitempty"`
	Attempt     int             `json:"attempt"`
}

// JobFromEvent builds the first queue attempt for e.
func JobFromEvent(e Event, requestID string) Job {
	return Job{
		EventID:     e.EventID,
		IdentityID:  e.IdentityID,
		ChannelRef:  e.ChannelRef,
		PayloadText: e.PayloadText,
		RawPayload:  e.RawPayload,
		RequestID:   requestID,
	}
}

// HistoryEntry is one message in the recent-history ring buffer.
type HistoryEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ConversationState is the durable FSM snapshot of one identity.
type ConversationState struct {
	IdentityID     int64          `json:"identity_id"`
	ChannelRef     int64          `json:"channel_ref"`
	Mode           string         `json:"mode"`
	Step           *string        `json:"step,omitempty"`
	ContextSummary map[string]any `json:"context_summary"`
	RecentHistory  []HistoryEntry `json:"recent_history"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Clone returns a deep-enough copy for the processor to mutate without
// touching what the store handed out.
func (s *ConversationState) Clone() *ConversationState {
	c := *s
	if s.Step != nil {
		step := *s.Step
		c.Step = &step
	}
	c.ContextSummary = make(map[string]any, len(s.ContextSummary))
	for k, v := range s.ContextSummary {
		c.ContextSummary[k] = v
	}
	c.RecentHistory = append([]HistoryEntry(nil), s.RecentHistory...)
	return &c
}

// StepValue returns the step or "".
func (s *ConversationState) StepValue() string {
	if s.Step == nil {
		return ""
	}
	return *s.Step
}

// OutboxStatus is the delivery state of an outbox entry.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
	OutboxFailed  OutboxStatus = "failed"
)

// OutboxEntry is a reply waiting for, or done with, delivery.
type OutboxEntry struct {
	ID            string            `json:"id"`
	IdentityID    int64             `json:"identity_id"`
	ChannelRef    int64             `json:"channel_ref"`
	ReplyContent  string            `json:"reply_content"`
	ReplyMetadata map[string]string `json:"reply_metadata,omitempty"`
	Status        OutboxStatus      `json:"status"`
	Attempts      int               `json:"attempts"`
	LastAttemptAt *time.Time        `json:"last_attempt_at,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	LinkedEventID *string           `json:"linked_event_id,omitempty"`
}

// Allergy is one allergen reported by the user.
type Allergy struct {
	Allergen string `json:"allergen"`
	Severity string `json:"severity,omitempty"`
}

// Profile is the per-identity domain profile.
type Profile struct {
	IdentityID          int64     `json:"identity_id"`
	FirstName           string    `json:"first_name,omitempty"`
	Username            string    `json:"username,omitempty"`
	LanguageCode        string    `json:"language_code"`
	WeightKg            *float64  `json:"weight_kg,omitempty"`
	TargetWeightKg      *float64  `json:"target_weight_kg,omitempty"`
	HeightCm            *int      `json:"height_cm,omitempty"`
	HealthGoals         []string  `json:"health_goals"`
	DietaryRestrictions []string  `json:"dietary_restrictions"`
	DiabetesType        string    `json:"diabetes_type,omitempty"`
	LactoseIntolerant   bool      `json:"lactose_intolerant"`
	Allergies           []Allergy `json:"allergies"`
	TastePreferences    []string  `json:"taste_preferences"`
	OnboardingCompleted bool      `json:"onboarding_completed"`
	IsBlocked           bool      `json:"is_blocked"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Ingredient is one line of a recipe's ingredient list.
type Ingredient struct {
	Name   string `json:"name"`
	Amount string `json:"amount,omitempty"`
	Unit   string `json:"unit,omitempty"`
}

// Macros are per-serving nutrition values.
type Macros struct {
	Calories float64 `json:"calories"`
	Protein  float64 `json:"protein"`
	Fat      float64 `json:"fat"`
	Carbs    float64 `json:"carbs"`
	Fiber    float64 `json:"fiber"`
}

// Recipe is a catalog item.
type Recipe struct {
	ID              string       `json:"id"`
	Title           string       `json:"title"`
	Description     string       `json:"description,omitempty"`
	Category        string       `json:"category"`
	CookingTime     int          `json:"cooking_time,omitempty"`
	CookingTimeText string       `json:"cooking_time_text,omitempty"`
	Servings        int          `json:"servings,omitempty"`
	Ingredients     []Ingredient `json:"ingredients"`
	Macros          Macros       `json:"macros"`
	Tags            []string     `json:"tags,omitempty"`
}

// RecipeQuery narrows a catalog lookup. The generation step may propose one;
// the processor builds one for explicit recipe requests.
type RecipeQuery struct {
	Category           string   `json:"category,omitempty" validate:"omitempty,oneof=breakfast lunch dinner snack dessert salad soup"`
	ExcludeIngredients []string `json:"exclude_ingredients,omitempty" validate:"max=20,dive,max=60"`
	Taste              string   `json:"taste,omitempty" validate:"omitempty,oneof=sweet salty spicy sour"`
	MaxCookingTime     int      `json:"max_cooking_time,omitempty" validate:"omitempty,gte=5,lte=240"`
	Limit              int      `json:"limit,omitempty" validate:"gte=1,lte=10"`
}

// DefaultRecipeLimit is used when a query does not set Limit.
const DefaultRecipeLimit = 5

// SummaryRecipeQuery is the context summary key holding the last proposed query.
const SummaryRecipeQuery = "recipe_query"

// RecipeQueryFromSummary decodes the query stored under SummaryRecipeQuery.
// Values that came back from JSONB are maps, so it round-trips through JSON.
func RecipeQueryFromSummary(summary map[string]any) (*RecipeQuery, bool) {
	v, ok := summary[SummaryRecipeQuery]
	if !ok || v == nil {
		return nil, false
	}
	if q, ok := v.(*RecipeQuery); ok {
		c := *q
		return &c, true
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var q RecipeQuery
	if err := json.Unmarshal(b, &q); err != nil {
		return nil, false
	}
	if q.Limit == 0 {
		q.Limit = DefaultRecipeLimit
	}
	return &q, true
}

package actions

import (
	"github.com/go-playground/validator/v10"

	"github.com/ketobot/ketobot-stack/bot/internal/models"
)

// Output is the strict contract for generated replies. Unknown keys are
// ignored; every known key is validated.
type Output struct {
	ReplyText string   `json:"reply_text" validate:"required,min=1,max=4000"`
	Actions   *Actions `json:"actions,omitempty"`
}

type Actions struct {
	ProfilePatch *ProfilePatch       `json:"profile_patch,omitempty"`
	StatePatch   *StatePatch         `json:"state_patch,omitempty"`
	RecipeQuery  *models.RecipeQuery `json:"recipe_query,omitempty"`
	SafetyFlags  *SafetyFlags        `json:"safety_flags,omitempty"`
}

// ProfilePatch lists the only profile fields a reply may change.
type ProfilePatch struct {
	TastePreferences    []string         `json:"taste_preferences,omitempty" validate:"omitempty,max=10,dive,max=40"`
	DiabetesType        *string          `json:"diabetes_type,omitempty" validate:"omitempty,max=40"`
	LactoseIntolerant   *bool            `json:"lactose_intolerant,omitempty"`
	Allergies           []models.Allergy `json:"allergies,omitempty" validate:"omitempty,max=20,dive"`
	DietaryRestrictions []string         `json:"dietary_restrictions,omitempty" validate:"omitempty,max=20,dive,max=40"`
	WeightKg            *float64         `json:"weight_kg,omitempty" validate:"omitempty,gte=20,lte=400"`
	TargetWeightKg      *float64         `json:"target_weight_kg,omitempty" validate:"omitempty,gte=20,lte=400"`
	OnboardingCompleted *bool            `json:"onboarding_completed,omitempty"`
}

type StatePatch struct {
	Mode *string `json:"mode,omitempty" validate:"omitempty,oneof=idle onboarding recipe_search consultation coaching"`
	Step *string `json:"step,omitempty" validate:"omitempty,oneof=ask_restrictions ask_taste ask_goals showing_results explaining suggesting_alternative"`
}

type SafetyFlags struct {
	MedicalConcern bool    `json:"medical_concern"`
	OffTopic       bool    `json:"off_topic"`
	RedFlagType    *string `json:"red_flag_type,omitempty" validate:"omitempty,oneof=chest_pain hypoglycemia dehydration confusion other"`
}

// Raised reports whether any flag is set.
func (f *SafetyFlags) Raised() bool {
	return f != nil && (f.MedicalConcern || f.OffTopic || f.RedFlagType != nil)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (o *Output) normalize() {
	if o.Actions == nil || o.Actions.RecipeQuery == nil {
		return
	}
	if o.Actions.RecipeQuery.Limit == 0 {
		o.Actions.RecipeQuery.Limit = models.DefaultRecipeLimit
	}
}

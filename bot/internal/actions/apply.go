package actions

import (
	"time"

	"github.com/ketobot/ketobot-stack/bot/internal/fsm"
	"github.com/ketobot/ketobot-stack/bot/internal/models"
)

// Transition is a mode change that was proposed but not allowed.
type Transition struct {
	From string
	To   string
}

// Effects is what one turn writes back.
type Effects struct {
	// State is the next conversation state. It is always set.
	State *models.ConversationState

	// Profile is set only when the reply patched at least one field.
	Profile       *models.Profile
	ProfileFields []string

	Dropped     *Transition
	SafetyFlags *SafetyFlags
}

// Apply computes the effects of result on copies of profile and state. The
// inputs are not modified.
func Apply(result Result, userText string, profile *models.Profile, state *models.ConversationState, now time.Time, maxHistory int) Effects {
	next := state.Clone()
	var eff Effects

	if a := result.Actions; a != nil {
		if a.ProfilePatch != nil && profile != nil {
			patched, fields := applyProfilePatch(profile, a.ProfilePatch)
			if len(fields) > 0 {
				eff.Profile = patched
				eff.ProfileFields = fields
			}
		}

		if sp := a.StatePatch; sp != nil {
			stepAllowed := true
			if sp.Mode != nil {
				if fsm.IsValidTransition(next.Mode, *sp.Mode) {
					next.Mode = *sp.Mode
				} else {
					eff.Dropped = &Transition{From: next.Mode, To: *sp.Mode}
					stepAllowed = false
				}
			}
			if stepAllowed && sp.Step != nil {
				step := *sp.Step
				next.Step = &step
			}
		}

		if a.RecipeQuery != nil {
			q := *a.RecipeQuery
			next.ContextSummary[models.SummaryRecipeQuery] = &q
		}

		if a.SafetyFlags.Raised() {
			eff.SafetyFlags = a.SafetyFlags
		}
	}

	next.RecentHistory = fsm.AppendHistory(next.RecentHistory, userText, result.ReplyText, now, maxHistory)
	next.UpdatedAt = now
	eff.State = next
	return eff
}

func applyProfilePatch(p *models.Profile, patch *ProfilePatch) (*models.Profile, []string) {
	c := *p
	var fields []string

	if patch.TastePreferences != nil {
		c.TastePreferences = append([]string(nil), patch.TastePreferences...)
		fields = append(fields, "taste_preferences")
	}
	if patch.DiabetesType != nil {
		c.DiabetesType = *patch.DiabetesType
		fields = append(fields, "diabetes_type")
	}
	if patch.LactoseIntolerant != nil {
		c.LactoseIntolerant = *patch.LactoseIntolerant
		fields = append(fields, "lactose_intolerant")
	}
	if patch.Allergies != nil {
		c.Allergies = append([]models.Allergy(nil), patch.Allergies...)
		fields = append(fields, "allergies")
	}
	if patch.DietaryRestrictions != nil {
		c.DietaryRestrictions = append([]string(nil), patch.DietaryRestrictions...)
		fields = append(fields, "dietary_restrictions")
	}
	if patch.WeightKg != nil {
		w := *patch.WeightKg
		c.WeightKg = &w
		fields = append(fields, "weight_kg")
	}
	if patch.TargetWeightKg != nil {
		w := *patch.TargetWeightKg
		c.TargetWeightKg = &w
		fields = append(fields, "target_weight_kg")
	}
	if patch.OnboardingCompleted != nil {
		c.OnboardingCompleted = *patch.OnboardingCompleted
		fields = append(fields, "onboarding_completed")
	}
	return &c, fields
}

// Package prompt assembles the text sent to the generation step.
package prompt

import (
	_ "embed"
	"fmt"
	"strconv"
	"strings"

	"github.com/ketobot/ketobot-stack/bot/internal/models"
)

//go:embed system_prompt.txt
var systemPrompt string

const (
	historyWindow      = 5
	historyContentMax  = 200
	ingredientsPerItem = 8
)

// Build returns system rules, profile, conversation state, candidate recipes
// and the user message as one prompt. A nil section is omitted; an empty but
// non-nil recipe list is reported as "no matches".
func Build(userMessage string, profile *models.Profile, state *models.ConversationState, recipes []models.Recipe) string {
	parts := []string{strings.TrimSpace(systemPrompt)}

	if profile != nil {
		parts = append(parts, profileSection(profile))
	}
	if state != nil {
		parts = append(parts, stateSection(state))
	}
	if recipes != nil {
		parts = append(parts, recipesSection(recipes))
	}
	parts = append(parts, "USER MESSAGE:\n"+strings.TrimSpace(userMessage))

	return strings.Join(parts, "\n\n")
}

func profileSection(p *models.Profile) string {
	lines := []string{"CLIENT PROFILE:"}

	if p.FirstName != "" {
		lines = append(lines, "- Name: "+p.FirstName)
	}
	if p.WeightKg != nil {
		lines = append(lines, "- Weight: "+formatNumber(*p.WeightKg)+" kg")
	}
	if p.TargetWeightKg != nil {
		lines = append(lines, "- Target weight: "+formatNumber(*p.TargetWeightKg)+" kg")
	}
	if p.HeightCm != nil {
		lines = append(lines, "- Height: "+strconv.Itoa(*p.HeightCm)+" cm")
	}
	if len(p.DietaryRestrictions) > 0 {
		lines = append(lines, "- Restrictions: "+strings.Join(p.DietaryRestrictions, ", "))
	}
	if p.LactoseIntolerant {
		lines = append(lines, "- Lactose intolerance: yes")
	}
	if p.DiabetesType != "" {
		lines = append(lines, "- Diabetes: "+p.DiabetesType)
	}
	if len(p.Allergies) > 0 {
		allergens := make([]string, 0, len(p.Allergies))
		for _, a := range p.Allergies {
			allergens = append(allergens, a.Allergen)
		}
		lines = append(lines, "- Allergies: "+strings.Join(allergens, ", "))
	}
	if len(p.TastePreferences) > 0 {
		lines = append(lines, "- Taste preferences: "+strings.Join(p.TastePreferences, ", "))
	}
	if len(p.HealthGoals) > 0 {
		lines = append(lines, "- Goals: "+strings.Join(p.HealthGoals, ", "))
	}

	if len(lines) == 1 {
		lines = append(lines, "- Profile not filled in yet (offer to fill it in)")
	}
	return strings.Join(lines, "\n")
}

func stateSection(s *models.ConversationState) string {
	header := "CONVERSATION STATE: mode=" + s.Mode
	if step := s.StepValue(); step != "" {
		header += ", step=" + step
	}
	lines := []string{header}

	if len(s.RecentHistory) > 0 {
		lines = append(lines, "Recent messages:")
		history := s.RecentHistory
		if len(history) > historyWindow {
			history = history[len(history)-historyWindow:]
		}
		for _, h := range history {
			content := h.Content
			if r := []rune(content); len(r) > historyContentMax {
				content = string(r[:historyContentMax]) + "..."
			}
			lines = append(lines, fmt.Sprintf("  [%s]: %s", h.Role, content))
		}
	}
	return strings.Join(lines, "\n")
}

func recipesSection(recipes []models.Recipe) string {
	if len(recipes) == 0 {
		return "AVAILABLE RECIPES: no matching recipes in the catalog."
	}

	lines := []string{fmt.Sprintf("AVAILABLE RECIPES (%d):", len(recipes))}
	for i, r := range recipes {
		names := make([]string, 0, ingredientsPerItem)
		for j, ing := range r.Ingredients {
			if j == ingredientsPerItem {
				break
			}
			names = append(names, ing.Name)
		}
		ingredients := strings.Join(names, ", ")
		if extra := len(r.Ingredients) - ingredientsPerItem; extra > 0 {
			ingredients += fmt.Sprintf(" and %d more", extra)
		}

		m := r.Macros
		lines = append(lines,
			fmt.Sprintf("%d. %s (%s, %s)", i+1, r.Title, r.Category, cookingTime(r)),
			fmt.Sprintf("   Macros: %s kcal, P%s F%s C%s",
				formatNumber(m.Calories), formatNumber(m.Protein), formatNumber(m.Fat), formatNumber(m.Carbs)),
			"   Ingredients: "+ingredients,
		)
	}
	return strings.Join(lines, "\n")
}

func cookingTime(r models.Recipe) string {
	switch {
	case r.CookingTimeText != "":
		return r.CookingTimeText
	case r.CookingTime > 0:
		return strconv.Itoa(r.CookingTime) + " min"
	default:
		return "?"
	}
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

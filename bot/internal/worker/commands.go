package worker

import (
	"fmt"
	"html"
	"strconv"
	"strings"

	"github.com/ketobot/ketobot-stack/bot/internal/models"
)

type command string

const (
	cmdNone    command = ""
	cmdStart   command = "start"
	cmdHelp    command = "help"
	cmdProfile command = "profile"
	cmdRecipes command = "recipes"
)

// parseCommand recognises "/name" and "/name@botname" as the first word.
func parseCommand(text string) command {
	if !strings.HasPrefix(text, "/") {
		return cmdNone
	}
	word := strings.Fields(text)[0]
	word = strings.ToLower(strings.TrimPrefix(word, "/"))
	if at := strings.IndexByte(word, '@'); at >= 0 {
		word = word[:at]
	}
	switch c := command(word); c {
	case cmdStart, cmdHelp, cmdProfile, cmdRecipes:
		return c
	}
	return cmdNone
}

const (
	helpText = "🥑 <b>KetoBot, your keto diet assistant</b>\n\n" +
		"I can:\n" +
		"• Find a recipe that fits your restrictions\n" +
		"• Answer questions about the keto diet\n" +
		"• Suggest ingredient swaps\n" +
		"• Help you stay motivated\n\n" +
		"<b>Commands:</b>\n" +
		"/start: start over\n" +
		"/help: this help\n" +
		"/profile: my profile\n" +
		"/recipes: suggest a recipe\n\n" +
		"Or just tell me what you would like to cook! 🍳"

	// degradedReply is sent when the generation step timed out or failed.
	degradedReply = "Sorry, I'm having trouble putting an answer together right now. Please try again in a minute. 🙏"

	// errorReply is sent when the turn failed for any other reason.
	errorReply = "Sorry, something went wrong. Please try again in a minute. 🙏"

	recipesPrompt = "Please suggest keto recipes that fit my profile."
)

func welcomeText(p *models.Profile, onboarding bool) string {
	name := ""
	if p.FirstName != "" {
		name = ", " + html.EscapeString(p.FirstName)
	}
	if onboarding {
		return "Hi" + name + "! 🥑\n\n" +
			"I'm KetoBot, your keto diet assistant.\n" +
			"To pick recipes that really suit you, tell me a little about yourself:\n\n" +
			"Do you have any dietary restrictions? (allergies, lactose intolerance, diabetes)"
	}
	return "Welcome back" + name + "! 🥑\n\n" +
		"How can I help? I can find a recipe, answer a keto question, " +
		"or just chat about healthy eating."
}

func profileText(p *models.Profile) string {
	lines := []string{"📋 <b>Your profile:</b>\n"}
	add := func(format string, args ...any) {
		lines = append(lines, fmt.Sprintf(format, args...))
	}

	if p.FirstName != "" {
		add("👤 %s", html.EscapeString(p.FirstName))
	}
	if p.WeightKg != nil {
		add("⚖️ Weight: %s kg", kg(*p.WeightKg))
	}
	if p.TargetWeightKg != nil {
		add("🎯 Target: %s kg", kg(*p.TargetWeightKg))
	}
	if p.HeightCm != nil {
		add("📏 Height: %d cm", *p.HeightCm)
	}
	if len(p.DietaryRestrictions) > 0 {
		add("🚫 Restrictions: %s", escapeJoin(p.DietaryRestrictions))
	}
	if len(p.Allergies) > 0 {
		names := make([]string, 0, len(p.Allergies))
		for _, a := range p.Allergies {
			names = append(names, a.Allergen)
		}
		add("🌰 Allergies: %s", escapeJoin(names))
	}
	if p.LactoseIntolerant {
		add("🥛 Lactose intolerant: yes")
	}
	if p.DiabetesType != "" {
		add("💉 Diabetes: %s", html.EscapeString(p.DiabetesType))
	}
	if len(p.TastePreferences) > 0 {
		add("😋 Tastes: %s", escapeJoin(p.TastePreferences))
	}
	if len(p.HealthGoals) > 0 {
		add("🎯 Goals: %s", escapeJoin(p.HealthGoals))
	}

	if len(lines) == 1 {
		lines = append(lines, "Your profile is empty so far. Tell me about yourself or use /start")
	}
	return strings.Join(lines, "\n")
}

func kg(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func escapeJoin(items []string) string {
	escaped := make([]string, len(items))
	for i, s := range items {
		escaped[i] = html.EscapeString(s)
	}
	return strings.Join(escaped, ", ")
}

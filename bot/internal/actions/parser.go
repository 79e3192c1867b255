// Package actions turns raw generated text into a validated reply plus the
// profile and conversation effects it asks for.
package actions

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// FallbackReply is used when the output holds nothing usable.
const FallbackReply = "Sorry, something went wrong on my side. Please try rephrasing your question. 🙏"

const plainTextLimit = 2000

var fenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// Result is what Parse hands to the processor. ReplyText is never empty.
type Result struct {
	ReplyText string
	Actions   *Actions

	// Fallback is set when the output could not be used as-is; Reason says why.
	Fallback bool
	Reason   string
}

// Parse extracts, decodes and validates the reply contract from raw. It never
// fails: unusable output becomes a fallback result without actions.
func Parse(raw string) Result {
	payload, ok := extractJSON(raw)
	if !ok {
		return fallback(raw, "no json found")
	}

	var out Output
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return fallback(raw, fmt.Sprintf("decode: %v", err))
	}
	out.normalize()
	if err := validate.Struct(&out); err != nil {
		return fallback(raw, fmt.Sprintf("validate: %v", err))
	}

	return Result{ReplyText: out.ReplyText, Actions: out.Actions}
}

// extractJSON tries a fenced block, then the first balanced object, then the
// whole text when it looks like an object.
func extractJSON(text string) (string, bool) {
	if m := fenceRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1]), true
	}
	if obj, ok := firstObject(text); ok {
		return obj, true
	}
	if trimmed := strings.TrimSpace(text); strings.HasPrefix(trimmed, "{") {
		return trimmed, true
	}
	return "", false
}

// firstObject returns the first balanced {...} span, skipping braces inside
// JSON strings.
func firstObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

func fallback(raw, reason string) Result {
	reply := FallbackReply
	if clean := strings.TrimSpace(raw); clean != "" && len([]rune(clean)) > 10 && !strings.HasPrefix(clean, "{") {
		reply = truncateRunes(clean, plainTextLimit)
	}
	return Result{ReplyText: reply, Fallback: true, Reason: reason}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

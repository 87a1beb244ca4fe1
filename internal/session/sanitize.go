package session

import (
	"regexp"
	"strings"

	"github.com/ashureev/contextkit-core/internal/shared"
)

// DefaultSystemPrompt is used when a session is created without one.
const DefaultSystemPrompt = "You are a guard-railed operator for context repository pipelines. " +
	"Confirm scope, execute only allowlisted commands, and summarize results for humans."

// DefaultMaxSystemPromptLength bounds custom system prompts.
const DefaultMaxSystemPromptLength = 8000

var (
	ansiEscapeRe = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

	injectionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)ignore\s+(all\s+)?(the\s+)?(previous|prior|above)\s+(instructions|rules|prompts?)`),
		regexp.MustCompile(`(?i)disregard\s+(all\s+)?(the\s+)?(previous|prior|above|system)\s+(instructions|rules|prompts?)`),
		regexp.MustCompile(`(?i)forget\s+(all\s+)?(your|the)\s+(instructions|rules|guardrails)`),
		regexp.MustCompile(`(?i)\b(bypass|disable|override)\s+(the\s+)?(safety|approval|guardrails?|gating)`),
		regexp.MustCompile(`(?i)you\s+are\s+now\s+(in\s+)?(developer|dan|jailbreak|god)\s+mode`),
		regexp.MustCompile(`(?i)(reveal|print|show)\s+(your|the)\s+(system\s+prompt|hidden\s+instructions)`),
		regexp.MustCompile(`(?i)without\s+(asking\s+for\s+)?approval`),
		regexp.MustCompile(`(?i)<\s*/?\s*system\s*>`),
	}
)

// SanitizeSystemPrompt strips control sequences and rejects prompts that
// match the injection deny-list. An empty prompt becomes the default.
func SanitizeSystemPrompt(prompt string, maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = DefaultMaxSystemPromptLength
	}
	clean := strings.ReplaceAll(prompt, "\x00", "")
	clean = ansiEscapeRe.ReplaceAllString(clean, "")
	clean = strings.TrimSpace(clean)
	if clean == "" {
		return DefaultSystemPrompt, nil
	}
	if n := len([]rune(clean)); n > maxLen {
		return "", shared.Errorf(shared.CodeValidationError, "system prompt is %d characters, limit is %d", n, maxLen)
	}
	for _, re := range injectionPatterns {
		if re.MatchString(clean) {
			return "", shared.NewError(shared.CodeValidationError, "system prompt contains a disallowed instruction pattern").
				WithUserMessage("The system prompt was rejected because it tries to override the assistant's safety rules.")
		}
	}
	return clean, nil
}

// cleanForReadability strips ANSI sequences from transcript content.
func cleanForReadability(s string) string {
	return strings.TrimSpace(ansiEscapeRe.ReplaceAllString(s, ""))
}

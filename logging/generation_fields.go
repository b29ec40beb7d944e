package logging

import (
	"unicode/utf8"

	"go.uber.org/zap"

	"sdlora_server/core"
)

// MaxLoggedPromptRunes caps how much of a prompt is written to the log.
const MaxLoggedPromptRunes = 200

// PromptField logs a prompt truncated to MaxLoggedPromptRunes runes.
func PromptField(prompt string) zap.Field {
	return zap.String("prompt", TruncateRunes(prompt, MaxLoggedPromptRunes))
}

// GenerationField logs a finished generation as a nested object.
func GenerationField(record core.GenerationRecord) zap.Field {
	return zap.Object("generation", record)
}

// TruncateRunes shortens s to at most n runes, appending "..." when cut.
func TruncateRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}

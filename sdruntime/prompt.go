package sdruntime

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ValidatePrompt validates a prompt string for image generation.
func ValidatePrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("%w: prompt cannot be empty", ErrInvalidPrompt)
	}
	if err := checkPromptText(prompt); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPrompt, err)
	}
	return nil
}

// checkPromptText enforces the limits shared by prompt and negative prompt.
// NUL would truncate the C string handed to the runtime.
func checkPromptText(s string) error {
	if strings.ContainsRune(s, '\x00') {
		return errors.New("contains null bytes")
	}
	if !utf8.ValidString(s) {
		return errors.New("is not valid UTF-8")
	}
	if n := utf8.RuneCountInString(s); n > MaxPromptLength {
		return fmt.Errorf("length %d exceeds maximum %d", n, MaxPromptLength)
	}
	return nil
}

// SanitizePrompt cleans a prompt by trimming whitespace.
func SanitizePrompt(prompt string) string {
	return strings.TrimSpace(prompt)
}

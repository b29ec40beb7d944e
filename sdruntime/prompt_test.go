package sdruntime

import (
	"errors"
	"strings"
	"testing"
)

func TestValidatePrompt(t *testing.T) {
	tests := []struct {
		name    string
		prompt  string
		wantErr bool
	}{
		{"simple", "a cat", false},
		{"unicode at limit", strings.Repeat("é", MaxPromptLength), false},
		{"empty", "", true},
		{"whitespace", " \t\n", true},
		{"null byte", "a\x00b", true},
		{"too long", strings.Repeat("a", MaxPromptLength+1), true},
		{"invalid utf8", "a\xffb", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePrompt(tt.prompt)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidatePrompt() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidPrompt) {
				t.Errorf("error %v does not wrap ErrInvalidPrompt", err)
			}
		})
	}
}

func TestSanitizePrompt(t *testing.T) {
	if got := SanitizePrompt("  a red fox \n"); got != "a red fox" {
		t.Errorf("SanitizePrompt() = %q", got)
	}
}

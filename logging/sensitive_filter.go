package logging

import (
	"regexp"
	"strings"
)

// RedactedPlaceholder replaces any value recognised as a credential.
const RedactedPlaceholder = "[REDACTED]"

var sensitivePatterns = []*regexp.Regexp{
	// OpenAI, Hugging Face and GitHub tokens
	regexp.MustCompile(`(sk-[a-zA-Z0-9_-]{20,})`),
	regexp.MustCompile(`(hf_[a-zA-Z0-9]{30,})`),
	regexp.MustCompile(`(ghp_[a-zA-Z0-9]{36})`),
	// Authorization headers
	regexp.MustCompile(`(?i)(bearer\s+[a-zA-Z0-9._-]{20,})`),
	// key=value pairs in URLs or error messages
	regexp.MustCompile(`(?i)(api_?key\s*[:=]\s*[^\s,;&]{8,})`),
	regexp.MustCompile(`(?i)(token\s*[:=]\s*[^\s,;&]{8,})`),
	regexp.MustCompile(`(?i)(password\s*[:=]\s*[^\s,;&]{8,})`),
}

// Field names whose values are always redacted, matched case-insensitively by substring.
var sensitiveFieldNames = []string{
	"API_KEY",
	"APIKEY",
	"AUTHORIZATION",
	"PASSWORD",
	"SECRET",
	"TOKEN",
}

// RedactSensitiveData replaces credential-looking substrings with RedactedPlaceholder.
func RedactSensitiveData(value string) string {
	if value == "" {
		return value
	}
	result := value
	for _, pattern := range sensitivePatterns {
		result = pattern.ReplaceAllString(result, RedactedPlaceholder)
	}
	return result
}

// IsSensitiveField reports whether a field with this name must never be logged verbatim.
func IsSensitiveField(fieldName string) bool {
	upperName := strings.ToUpper(fieldName)
	for _, name := range sensitiveFieldNames {
		if strings.Contains(upperName, name) {
			return true
		}
	}
	return false
}

// ContainsSensitiveData reports whether value matches any credential pattern.
func ContainsSensitiveData(value string) bool {
	for _, pattern := range sensitivePatterns {
		if pattern.MatchString(value) {
			return true
		}
	}
	return false
}

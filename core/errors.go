package core

import (
	"errors"
	"fmt"
)

// ConfigError represents a configuration-related error with actionable instructions.
type ConfigError struct {
	Code    string // Error code for programmatic handling
	Message string // Human-readable error message
	Action  string // Actionable instruction for resolution
}

func (e *ConfigError) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("%s. %s", e.Message, e.Action)
	}
	return e.Message
}

// Error codes for configuration errors
const (
	ErrCodeEnvFileMissing = "ENV_FILE_MISSING"
	ErrCodeMissingConfig  = "MISSING_CONFIG"
	ErrCodeMissingAuth    = "MISSING_AUTH"
	ErrCodeInvalidValue   = "INVALID_VALUE"
	ErrCodeModelNotFound  = "MODEL_NOT_FOUND"
	ErrCodeAddressInUse   = "ADDRESS_IN_USE"
	ErrCodeInvalidCatalog = "INVALID_MODEL_CATALOG"
)

// ErrEnvFileMissing returns an error for missing .env file
func ErrEnvFileMissing(path string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeEnvFileMissing,
		Message: fmt.Sprintf("Configuration file not found: %s", path),
		Action:  "Copy example.env to .env or export the settings in the environment",
	}
}

// ErrMissingConfig returns an error for missing required configuration
func ErrMissingConfig(varName string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeMissingConfig,
		Message: fmt.Sprintf("Missing required configuration: %s", varName),
		Action:  fmt.Sprintf("Set %s in your .env file", varName),
	}
}

// ErrMissingAuth returns an error for missing API credentials of a remote backend.
func ErrMissingAuth(service string) *ConfigError {
	action := fmt.Sprintf("Set the required API key for %s in your .env file", service)
	if service == BackendOpenAI {
		action = "Set OPENAI_API_KEY in your .env file or use IMAGE_BACKEND=local"
	}
	return &ConfigError{
		Code:    ErrCodeMissingAuth,
		Message: fmt.Sprintf("Missing authentication credentials for %s", service),
		Action:  action,
	}
}

// ErrInvalidValue returns an error for a setting that is present but unusable.
func ErrInvalidValue(varName, value, reason string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeInvalidValue,
		Message: fmt.Sprintf("Invalid %s '%s': %s", varName, value, reason),
		Action:  fmt.Sprintf("Fix %s in your .env file", varName),
	}
}

// ErrModelNotFound returns an error when the base checkpoint is absent and cannot be fetched.
func ErrModelNotFound(path string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeModelNotFound,
		Message: fmt.Sprintf("Model checkpoint not found: %s", path),
		Action:  "Place the checkpoint at SD_MODEL_PATH or set SD_MODEL_URL to download it on startup",
	}
}

// ErrAddressInUse returns an error when the listen address is already bound.
func ErrAddressInUse(addr string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeAddressInUse,
		Message: fmt.Sprintf("Address already in use: %s", addr),
		Action:  "Stop the other process or change HOST/PORT",
	}
}

// ErrInvalidCatalog returns an error for an unreadable model catalog.
func ErrInvalidCatalog(path string, reason string) *ConfigError {
	return &ConfigError{
		Code:    ErrCodeInvalidCatalog,
		Message: fmt.Sprintf("Invalid model catalog %s: %s", path, reason),
		Action:  "Fix the YAML in MODEL_CATALOG or unset it",
	}
}

// IsConfigError checks if an error is a ConfigError and returns it if so
func IsConfigError(err error) (*ConfigError, bool) {
	var configErr *ConfigError
	if errors.As(err, &configErr) {
		return configErr, true
	}
	return nil, false
}

// GetErrorCode extracts the error code from an error if it's a ConfigError
func GetErrorCode(err error) string {
	if configErr, ok := IsConfigError(err); ok {
		return configErr.Code
	}
	return ""
}

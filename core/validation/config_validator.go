package validation

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"

	"sdlora_server/core"
	"sdlora_server/lora"
)

// ValidationResult represents the result of a configuration validation check.
// Warning marks a problem the service can run with.
type ValidationResult struct {
	Valid   bool
	Warning bool
	Message string
	Error   error
}

// ConfigValidator checks the .env file, the parsed configuration and the
// model artifacts it points at.
type ConfigValidator struct {
	envPath    string
	loadConfig func() (*core.Config, error)
}

// NewConfigValidator creates a new ConfigValidator with default settings.
func NewConfigValidator() *ConfigValidator {
	return &ConfigValidator{
		envPath:    ".env",
		loadConfig: core.LoadConfig,
	}
}

// WithEnvPath sets a custom path for the .env file.
func (v *ConfigValidator) WithEnvPath(path string) *ConfigValidator {
	v.envPath = path
	return v
}

// WithConfigLoader replaces core.LoadConfig, mainly for tests.
func (v *ConfigValidator) WithConfigLoader(fn func() (*core.Config, error)) *ConfigValidator {
	v.loadConfig = fn
	return v
}

// CheckEnvFile reports whether the .env file exists. A missing file is only a
// warning: every setting can come from the process environment.
func (v *ConfigValidator) CheckEnvFile() ValidationResult {
	if err := CheckFileExists(v.envPath); err != nil {
		return ValidationResult{
			Valid:   true,
			Warning: true,
			Message: "No .env file, using process environment and defaults",
			Error:   core.ErrEnvFileMissing(v.envPath),
		}
	}
	return ValidationResult{
		Valid:   true,
		Message: "Environment file found",
	}
}

// CheckConfig parses the configuration. The returned config is nil on failure.
func (v *ConfigValidator) CheckConfig() (*core.Config, ValidationResult) {
	cfg, err := v.loadConfig()
	if err != nil {
		msg := "Configuration invalid"
		if cfgErr, ok := core.IsConfigError(err); ok {
			msg = cfgErr.Message
		}
		return nil, ValidationResult{Valid: false, Message: msg, Error: err}
	}
	return cfg, ValidationResult{
		Valid:   true,
		Message: fmt.Sprintf("backend=%s device=%s steps=%d", cfg.Backend, cfg.Device, cfg.DefaultSteps),
	}
}

// CheckBaseModel verifies the base checkpoint is on disk, or can be downloaded.
func (v *ConfigValidator) CheckBaseModel(cfg *core.Config) ValidationResult {
	if !cfg.UsesLocalRuntime() {
		return ValidationResult{Valid: true, Message: "Remote backend, no local checkpoint needed"}
	}

	size, err := CheckNonEmptyFile(cfg.ModelPath)
	if err == nil {
		return ValidationResult{
			Valid:   true,
			Message: fmt.Sprintf("%s (%s)", cfg.ModelPath, humanize.IBytes(uint64(size))),
		}
	}
	if cfg.ModelURL != "" {
		return ValidationResult{
			Valid:   true,
			Warning: true,
			Message: "Checkpoint missing, will download from SD_MODEL_URL",
		}
	}
	return ValidationResult{
		Valid:   false,
		Message: err.Error(),
		Error:   core.ErrModelNotFound(cfg.ModelPath),
	}
}

// CheckLoRAAdapter inspects the adapter artifacts. Every failure is a warning:
// the base model serves requests on its own.
func (v *ConfigValidator) CheckLoRAAdapter(cfg *core.Config) ValidationResult {
	if !cfg.UsesLocalRuntime() {
		return ValidationResult{Valid: true, Message: "Remote backend, adapter not used"}
	}

	adapter, err := lora.Load(cfg.LoRAAdapterPath, cfg.LoRAConfigPath)
	switch {
	case errors.Is(err, lora.ErrAdapterNotFound):
		return ValidationResult{
			Valid:   true,
			Warning: true,
			Message: fmt.Sprintf("No adapter at %s, using base model only", cfg.LoRAAdapterPath),
		}
	case err != nil:
		return ValidationResult{
			Valid:   true,
			Warning: true,
			Message: "Adapter unusable, using base model only",
			Error:   err,
		}
	}

	return ValidationResult{
		Valid: true,
		Message: fmt.Sprintf("r=%d alpha=%g, %d tensors",
			adapter.Config.R, adapter.Config.LoRAAlpha, adapter.TensorCount()),
	}
}

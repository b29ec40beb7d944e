package sdruntime

import (
	"time"

	"sdlora_server/core"
)

// ContextOptions is applied to every context a pool creates.
type ContextOptions struct {
	ModelPath string
	Device    Device
	// LoRA is merged after load when set
	LoRA *LoRAWeights
	// Attention options are only requested on CUDA
	AttentionSlicing         bool
	MemoryEfficientAttention bool
}

// GeneratorConfig holds what NewGenerator needs besides the model path.
type GeneratorConfig struct {
	Context       ContextOptions
	MaxConcurrent int
	// Timeout bounds a single generation, zero means no limit beyond ctx
	Timeout time.Duration
}

// Default configuration values
const (
	DefaultImageSize      = 512
	DefaultInferenceSteps = 50
	DefaultGuidanceScale  = 7.5
	DefaultMaxConcurrent  = 1
)

// GeneratorConfigFromCore builds a GeneratorConfig from the service
// configuration and the resolved device. LoRA is attached separately.
func GeneratorConfigFromCore(cfg *core.Config, device Device) GeneratorConfig {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return GeneratorConfig{
		Context: ContextOptions{
			ModelPath:                cfg.ModelPath,
			Device:                   device,
			AttentionSlicing:         cfg.AttentionSlicing && device == DeviceCUDA,
			MemoryEfficientAttention: cfg.MemoryEfficientAttention && device == DeviceCUDA,
		},
		MaxConcurrent: maxConcurrent,
		Timeout:       cfg.GenerationTimeout,
	}
}

// DefaultParams returns default parameters for image generation.
// The caller should at minimum set the Prompt field.
func DefaultParams() GenerateParams {
	return GenerateParams{
		Width:    DefaultImageSize,
		Height:   DefaultImageSize,
		Steps:    DefaultInferenceSteps,
		CFGScale: DefaultGuidanceScale,
		Seed:     -1,
	}
}

package sdruntime

import "fmt"

// GenerateParams holds parameters for image generation.
type GenerateParams struct {
	Prompt         string  // Required: text description of the image to generate
	NegativePrompt string  // Optional: what to avoid in the image
	Width          int     // Image width in pixels (128-2048, must be divisible by 8)
	Height         int     // Image height in pixels (128-2048, must be divisible by 8)
	Steps          int     // Number of inference steps (1-150)
	CFGScale       float64 // Classifier-free guidance scale (1.0-30.0)
	Seed           int64   // Random seed for reproducibility (-1 for random)
}

// Parameter validation constants
const (
	MinImageSize      = 128
	MaxImageSize      = 2048
	ImageSizeMultiple = 8 // Image dimensions must be divisible by this

	MinSteps = 1
	MaxSteps = 150

	MinCFGScale = 1.0
	MaxCFGScale = 30.0

	MaxPromptLength = 2000
)

// GenerateResult holds the result of an image generation operation.
type GenerateResult struct {
	// ImageData contains the PNG image bytes
	ImageData []byte
	Width     int
	Height    int
	// Seed actually used, never -1
	Seed int64
}

// LoRAWeights is what the runtime needs to merge a LoRA adapter into the UNet.
type LoRAWeights struct {
	Path          string
	Rank          int
	Alpha         float64
	TargetModules []string
	// Scale multiplies the low-rank update, normally Alpha/Rank
	Scale float64
}

// Validate checks the weights description before it reaches the runtime.
func (w LoRAWeights) Validate() error {
	if w.Path == "" {
		return fmt.Errorf("%w: empty adapter path", ErrLoRAApplyFailed)
	}
	if w.Rank <= 0 || w.Scale <= 0 {
		return fmt.Errorf("%w: rank %d scale %g", ErrLoRAApplyFailed, w.Rank, w.Scale)
	}
	return nil
}

// ValidateParams validates generation parameters and returns an error if invalid.
func ValidateParams(p GenerateParams) error {
	if err := ValidatePrompt(p.Prompt); err != nil {
		return err
	}

	if err := validateDimension("width", p.Width); err != nil {
		return err
	}
	if err := validateDimension("height", p.Height); err != nil {
		return err
	}

	if p.Steps < MinSteps || p.Steps > MaxSteps {
		return fmt.Errorf("%w: num_inference_steps %d must be between %d and %d",
			ErrInvalidParams, p.Steps, MinSteps, MaxSteps)
	}

	if p.CFGScale < MinCFGScale || p.CFGScale > MaxCFGScale {
		return fmt.Errorf("%w: guidance_scale %.2f must be between %.1f and %.1f",
			ErrInvalidParams, p.CFGScale, MinCFGScale, MaxCFGScale)
	}

	// Negative prompt is optional, but if provided, it has the same limits
	if p.NegativePrompt != "" {
		if err := checkPromptText(p.NegativePrompt); err != nil {
			return fmt.Errorf("%w: negative_prompt: %v", ErrInvalidParams, err)
		}
	}

	return nil
}

func validateDimension(name string, v int) error {
	if v < MinImageSize || v > MaxImageSize {
		return fmt.Errorf("%w: %s %d must be between %d and %d",
			ErrInvalidParams, name, v, MinImageSize, MaxImageSize)
	}
	if v%ImageSizeMultiple != 0 {
		return fmt.Errorf("%w: %s %d must be divisible by %d",
			ErrInvalidParams, name, v, ImageSizeMultiple)
	}
	return nil
}

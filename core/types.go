package core

import (
	"time"

	"go.uber.org/zap/zapcore"
)

// GenerationRecord is one text-to-image request as persisted in the history
// database and kept in the in-memory stats ring. Image bytes are never stored,
// only their size.
type GenerationRecord struct {
	// ID is the UUID assigned when the request was accepted
	ID string `json:"id"`
	// Prompt is the sanitized prompt sent to the backend
	Prompt string `json:"prompt"`
	// NegativePrompt is empty when none was given
	NegativePrompt string `json:"negative_prompt,omitempty"`
	// Steps is the number of denoising steps
	Steps int `json:"num_inference_steps"`
	// GuidanceScale is the classifier-free guidance scale
	GuidanceScale float64 `json:"guidance_scale"`
	Width         int     `json:"width"`
	Height        int     `json:"height"`
	// Seed is the seed actually used (resolved when the request omitted it)
	Seed int64 `json:"seed"`
	// Backend names the provider that served the request ("local", "openai", "stub")
	Backend string `json:"backend"`
	// LoRAApplied is true when the adapter was merged into the model
	LoRAApplied bool `json:"lora_applied"`
	// Status is one of GenerationStatusSuccess or GenerationStatusError
	Status string `json:"status"`
	// ErrorMessage is set when Status is GenerationStatusError
	ErrorMessage string        `json:"error_message,omitempty"`
	Duration     time.Duration `json:"duration"`
	ImageBytes   int64         `json:"image_bytes"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Status constants for GenerationRecord
const (
	GenerationStatusSuccess = "success"
	GenerationStatusError   = "error"
)

// MarshalLogObject implements zapcore.ObjectMarshaler for structured logging.
func (r GenerationRecord) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("id", r.ID)
	enc.AddInt("steps", r.Steps)
	enc.AddFloat64("guidance_scale", r.GuidanceScale)
	enc.AddInt("width", r.Width)
	enc.AddInt("height", r.Height)
	enc.AddInt64("seed", r.Seed)
	enc.AddString("backend", r.Backend)
	enc.AddBool("lora_applied", r.LoRAApplied)
	enc.AddString("status", r.Status)
	if r.ErrorMessage != "" {
		enc.AddString("error", r.ErrorMessage)
	}
	enc.AddDuration("duration", r.Duration)
	enc.AddInt64("image_bytes", r.ImageBytes)
	return nil
}

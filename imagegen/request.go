package imagegen

import (
	"fmt"
	"time"

	"sdlora_server/core"
	"sdlora_server/sdruntime"
)

// Request is the body of POST /api/generate. Omitted fields take the
// configured defaults.
type Request struct {
	Prompt            string   `json:"prompt"`
	NegativePrompt    *string  `json:"negative_prompt,omitempty"`
	NumInferenceSteps *int     `json:"num_inference_steps,omitempty"`
	GuidanceScale     *float64 `json:"guidance_scale,omitempty"`
	Height            *int     `json:"height,omitempty"`
	Width             *int     `json:"width,omitempty"`
	Seed              *int64   `json:"seed,omitempty"`
}

// Defaults are the values applied to fields a Request omits.
type Defaults struct {
	NegativePrompt string
	Steps          int
	GuidanceScale  float64
	Width          int
	Height         int
}

// DefaultsFromConfig reads the sampling defaults from cfg, falling back to
// the runtime defaults for unset values.
func DefaultsFromConfig(cfg *core.Config) Defaults {
	d := Defaults{
		NegativePrompt: cfg.DefaultNegativePrompt,
		Steps:          cfg.DefaultSteps,
		GuidanceScale:  cfg.DefaultGuidance,
		Width:          cfg.DefaultWidth,
		Height:         cfg.DefaultHeight,
	}
	if d.Steps <= 0 {
		d.Steps = sdruntime.DefaultInferenceSteps
	}
	if d.GuidanceScale <= 0 {
		d.GuidanceScale = sdruntime.DefaultGuidanceScale
	}
	if d.Width <= 0 {
		d.Width = sdruntime.DefaultImageSize
	}
	if d.Height <= 0 {
		d.Height = sdruntime.DefaultImageSize
	}
	return d
}

// Params fills omitted fields from d. A missing or negative seed becomes -1,
// meaning "pick one".
func (r Request) Params(d Defaults) sdruntime.GenerateParams {
	p := sdruntime.GenerateParams{
		Prompt:         r.Prompt,
		NegativePrompt: d.NegativePrompt,
		Width:          d.Width,
		Height:         d.Height,
		Steps:          d.Steps,
		CFGScale:       d.GuidanceScale,
		Seed:           -1,
	}
	if r.NegativePrompt != nil {
		p.NegativePrompt = sdruntime.SanitizePrompt(*r.NegativePrompt)
	}
	if r.NumInferenceSteps != nil {
		p.Steps = *r.NumInferenceSteps
	}
	if r.GuidanceScale != nil {
		p.CFGScale = *r.GuidanceScale
	}
	if r.Width != nil {
		p.Width = *r.Width
	}
	if r.Height != nil {
		p.Height = *r.Height
	}
	if r.Seed != nil && *r.Seed >= 0 {
		p.Seed = *r.Seed
	}
	return p
}

// Result is a finished generation.
type Result struct {
	ID          string
	Image       []byte
	ImageBase64 string
	Seed        int64
	Width       int
	Height      int
	StartedAt   time.Time
	Duration    time.Duration
}

// GenerationSeconds is Duration in seconds, as reported to clients.
func (r *Result) GenerationSeconds() float64 {
	return r.Duration.Seconds()
}

func (r *Result) String() string {
	return fmt.Sprintf("%s %dx%d seed=%d in %s", r.ID, r.Width, r.Height, r.Seed, r.Duration.Round(time.Millisecond))
}

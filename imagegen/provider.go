package imagegen

import (
	"context"

	"sdlora_server/sdruntime"
)

// Provider renders images for the pipeline. Params arrive validated and with
// a resolved seed.
type Provider interface {
	Generate(ctx context.Context, params sdruntime.GenerateParams) (*sdruntime.GenerateResult, error)
	Info() ProviderInfo
	Close() error
}

// ProviderInfo describes the backend behind a Provider.
type ProviderInfo struct {
	// Name is "local" or "openai"
	Name string
	// Backend is the runtime or API serving requests ("stable-diffusion.cpp", "stub", a model name)
	Backend        string
	RuntimeVersion string
	Device         sdruntime.DeviceInfo
	LoRAApplied    bool
}

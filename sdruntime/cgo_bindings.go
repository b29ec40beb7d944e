package sdruntime

import "fmt"

// SDContext represents an opaque handle to a loaded model.
type SDContext struct {
	id        uint64
	modelPath string
	device    Device
	valid     bool

	lora             *LoRAWeights
	attentionSlicing bool
	memEffAttention  bool
}

// IsValid returns whether this context is valid and usable.
func (c *SDContext) IsValid() bool {
	if c == nil {
		return false
	}
	return c.valid
}

// ModelPath returns the model path used to create this context.
func (c *SDContext) ModelPath() string {
	if c == nil {
		return ""
	}
	return c.modelPath
}

// Device returns the device the context was loaded on.
func (c *SDContext) Device() Device {
	if c == nil {
		return ""
	}
	return c.device
}

// LoRA returns the applied adapter, or nil.
func (c *SDContext) LoRA() *LoRAWeights {
	if c == nil {
		return nil
	}
	return c.lora
}

// LoadModel loads a Stable Diffusion checkpoint onto device.
// The returned SDContext must be freed with FreeContext.
func LoadModel(modelPath string, device Device) (*SDContext, error) {
	if device == "" {
		device = DeviceCPU
	}
	if device == DeviceCUDA && !cudaAvailableImpl() {
		return nil, ErrCUDANotAvailable
	}
	return loadModelImpl(modelPath, device)
}

// ApplyLoRA merges adapter weights into the context's UNet attention
// projections. Tensors for modules outside w.TargetModules are skipped.
func ApplyLoRA(ctx *SDContext, w LoRAWeights) error {
	if !ctx.IsValid() {
		return fmt.Errorf("%w: context is nil or invalid", ErrLoRAApplyFailed)
	}
	if err := w.Validate(); err != nil {
		return err
	}
	if err := applyLoRAImpl(ctx, w); err != nil {
		return err
	}
	applied := w
	ctx.lora = &applied
	return nil
}

// EnableAttentionSlicing computes attention in slices to lower peak VRAM.
func EnableAttentionSlicing(ctx *SDContext) error {
	if !ctx.IsValid() {
		return fmt.Errorf("%w: context is nil or invalid", ErrFeatureUnavailable)
	}
	if err := enableAttentionSlicingImpl(ctx); err != nil {
		return err
	}
	ctx.attentionSlicing = true
	return nil
}

// EnableMemoryEfficientAttention switches to the fused attention kernel.
// Runtimes built without it return ErrFeatureUnavailable.
func EnableMemoryEfficientAttention(ctx *SDContext) error {
	if !ctx.IsValid() {
		return fmt.Errorf("%w: context is nil or invalid", ErrFeatureUnavailable)
	}
	if err := enableMemoryEfficientAttentionImpl(ctx); err != nil {
		return err
	}
	ctx.memEffAttention = true
	return nil
}

// GenerateImage generates a PNG using the provided context and parameters.
// params.Seed must already be resolved (non-negative).
func GenerateImage(ctx *SDContext, params GenerateParams) (*GenerateResult, error) {
	if err := ValidateParams(params); err != nil {
		return nil, err
	}
	if params.Seed < 0 {
		return nil, fmt.Errorf("%w: seed must be resolved before generation", ErrInvalidParams)
	}
	if !ctx.IsValid() {
		return nil, fmt.Errorf("%w: context is nil or invalid", ErrGenerationFailed)
	}
	return generateImageImpl(ctx, params)
}

// FreeContext releases resources associated with an SDContext.
// Calling FreeContext on a nil or already-freed context is a no-op.
func FreeContext(ctx *SDContext) {
	if ctx == nil || !ctx.valid {
		return
	}
	freeContextImpl(ctx)
	ctx.valid = false
}

// GetBackendInfo names the linked runtime.
func GetBackendInfo() string {
	return getBackendInfoImpl()
}

// RuntimeVersion returns the version string of the linked runtime.
func RuntimeVersion() string {
	return runtimeVersionImpl()
}

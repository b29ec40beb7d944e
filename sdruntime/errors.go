package sdruntime

import "errors"

// Checkpoint loading.
var (
	ErrModelNotFound    = errors.New("sdruntime: model file not found")
	ErrModelLoadFailed  = errors.New("sdruntime: failed to load model")
	ErrModelCorrupted   = errors.New("sdruntime: model file is corrupted or invalid")
	ErrCUDANotAvailable = errors.New("sdruntime: CUDA not available")
)

// Requests rejected before reaching the runtime.
var (
	ErrInvalidPrompt = errors.New("sdruntime: invalid prompt")
	ErrInvalidParams = errors.New("sdruntime: invalid generation parameters")
)

// Failures during or around a txt2img call.
var (
	ErrGenerationFailed  = errors.New("sdruntime: image generation failed")
	ErrGenerationTimeout = errors.New("sdruntime: image generation timed out")
	ErrOutOfVRAM         = errors.New("sdruntime: out of VRAM")
	ErrContextPoolClosed = errors.New("sdruntime: context pool is closed")
	ErrAcquireTimeout    = errors.New("sdruntime: timeout acquiring context from pool")
)

// ErrFeatureUnavailable is returned by optional calls (attention slicing,
// memory-efficient attention) the linked runtime does not implement.
// ErrLoRAApplyFailed wraps adapter merge failures; callers continue
// with the base model.
var (
	ErrFeatureUnavailable = errors.New("sdruntime: feature not available in this runtime")
	ErrLoRAApplyFailed    = errors.New("sdruntime: failed to apply LoRA weights")
)

// IsInvalidInput reports whether err was caused by the request rather than the runtime.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidParams) || errors.Is(err, ErrInvalidPrompt)
}

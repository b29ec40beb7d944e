//go:build sd && cgo && !stub

// Real binding over the sdlora C shim, which wraps stable-diffusion.cpp
// behind a small stable ABI.
// Build with: CGO_ENABLED=1 go build -tags sd

package sdruntime

/*
#cgo LDFLAGS: -lsdlora_shim -lstable-diffusion -lm -lstdc++
#include <stdlib.h>
#include <stdint.h>

typedef struct sdl_ctx sdl_ctx;

// Return codes of the shim.
#define SDL_OK            0
#define SDL_ERR          -1
#define SDL_UNSUPPORTED  -2
#define SDL_OOM          -3

extern sdl_ctx*    sdl_load(const char* model_path, int use_cuda, int n_threads);
extern void        sdl_free(sdl_ctx* ctx);
extern int         sdl_apply_lora(sdl_ctx* ctx, const char* path, float scale, const char* targets);
extern int         sdl_enable_attention_slicing(sdl_ctx* ctx);
extern int         sdl_enable_mem_efficient_attention(sdl_ctx* ctx);
extern int         sdl_txt2img(sdl_ctx* ctx, const char* prompt, const char* negative_prompt,
                               int width, int height, int steps, float cfg_scale, int64_t seed,
                               uint8_t** out_rgb);
extern void        sdl_free_image(uint8_t* img);
extern const char* sdl_last_error(void);
extern const char* sdl_version(void);
extern int         sdl_cuda_available(void);
extern const char* sdl_cuda_device_name(void);
*/
import "C"

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"
)

var sdContextCounter uint64

// contexts maps SDContext.id to the C handle.
var contexts sync.Map

func lastError() string {
	if msg := C.sdl_last_error(); msg != nil {
		return C.GoString(msg)
	}
	return "unknown error"
}

func handle(ctx *SDContext) (*C.sdl_ctx, bool) {
	v, ok := contexts.Load(ctx.id)
	if !ok {
		return nil, false
	}
	return v.(*C.sdl_ctx), true
}

func loadModelImpl(modelPath string, device Device) (*SDContext, error) {
	if _, err := os.Stat(modelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, modelPath)
	} else if err != nil {
		return nil, fmt.Errorf("%w: unable to access %s: %v", ErrModelLoadFailed, modelPath, err)
	}

	cModelPath := C.CString(modelPath)
	defer C.free(unsafe.Pointer(cModelPath))

	useCUDA := C.int(0)
	if device == DeviceCUDA {
		useCUDA = 1
	}
	cCtx := C.sdl_load(cModelPath, useCUDA, C.int(runtime.NumCPU()))
	if cCtx == nil {
		return nil, fmt.Errorf("%w: %s", ErrModelLoadFailed, lastError())
	}

	id := atomic.AddUint64(&sdContextCounter, 1)
	contexts.Store(id, cCtx)
	return &SDContext{id: id, modelPath: modelPath, device: device, valid: true}, nil
}

func applyLoRAImpl(ctx *SDContext, w LoRAWeights) error {
	cCtx, ok := handle(ctx)
	if !ok {
		return fmt.Errorf("%w: no C context", ErrLoRAApplyFailed)
	}

	cPath := C.CString(w.Path)
	defer C.free(unsafe.Pointer(cPath))
	cTargets := C.CString(strings.Join(w.TargetModules, ","))
	defer C.free(unsafe.Pointer(cTargets))

	if rc := C.sdl_apply_lora(cCtx, cPath, C.float(w.Scale), cTargets); rc != C.SDL_OK {
		return fmt.Errorf("%w: %s", ErrLoRAApplyFailed, lastError())
	}
	return nil
}

func enableAttentionSlicingImpl(ctx *SDContext) error {
	cCtx, ok := handle(ctx)
	if !ok {
		return fmt.Errorf("%w: no C context", ErrFeatureUnavailable)
	}
	return featureResult(C.sdl_enable_attention_slicing(cCtx), "attention slicing")
}

func enableMemoryEfficientAttentionImpl(ctx *SDContext) error {
	cCtx, ok := handle(ctx)
	if !ok {
		return fmt.Errorf("%w: no C context", ErrFeatureUnavailable)
	}
	return featureResult(C.sdl_enable_mem_efficient_attention(cCtx), "memory efficient attention")
}

func featureResult(rc C.int, name string) error {
	switch rc {
	case C.SDL_OK:
		return nil
	case C.SDL_UNSUPPORTED:
		return fmt.Errorf("%w: %s", ErrFeatureUnavailable, name)
	default:
		return fmt.Errorf("%s: %s", name, lastError())
	}
}

func generateImageImpl(ctx *SDContext, params GenerateParams) (*GenerateResult, error) {
	cCtx, ok := handle(ctx)
	if !ok {
		return nil, fmt.Errorf("%w: no C context", ErrGenerationFailed)
	}

	cPrompt := C.CString(params.Prompt)
	defer C.free(unsafe.Pointer(cPrompt))
	cNegPrompt := C.CString(params.NegativePrompt)
	defer C.free(unsafe.Pointer(cNegPrompt))

	var out *C.uint8_t
	rc := C.sdl_txt2img(cCtx, cPrompt, cNegPrompt,
		C.int(params.Width), C.int(params.Height), C.int(params.Steps),
		C.float(params.CFGScale), C.int64_t(params.Seed), &out)
	switch {
	case rc == C.SDL_OOM:
		return nil, fmt.Errorf("%w: %s", ErrOutOfVRAM, lastError())
	case rc != C.SDL_OK || out == nil:
		return nil, fmt.Errorf("%w: %s", ErrGenerationFailed, lastError())
	}
	defer C.sdl_free_image(out)

	n := params.Width * params.Height * 3
	rgb := C.GoBytes(unsafe.Pointer(out), C.int(n))
	pngData, err := EncodeRGBToPNG(rgb, params.Width, params.Height)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	return &GenerateResult{
		ImageData: pngData,
		Width:     params.Width,
		Height:    params.Height,
		Seed:      params.Seed,
	}, nil
}

func freeContextImpl(ctx *SDContext) {
	if cCtx, ok := handle(ctx); ok {
		C.sdl_free(cCtx)
		contexts.Delete(ctx.id)
	}
}

func getBackendInfoImpl() string {
	return "stable-diffusion.cpp"
}

func runtimeVersionImpl() string {
	if v := C.sdl_version(); v != nil {
		return C.GoString(v)
	}
	return "unknown"
}

func cudaAvailableImpl() bool {
	return C.sdl_cuda_available() != 0
}

func cudaDeviceNameImpl() string {
	if name := C.sdl_cuda_device_name(); name != nil {
		return C.GoString(name)
	}
	return ""
}

package imagegen

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"

	"sdlora_server/core"
	"sdlora_server/sdruntime"
)

func testConfig() *core.Config {
	return &core.Config{
		BaseModel:       core.DefaultBaseModel,
		Device:          core.DeviceCPU,
		Backend:         core.BackendLocal,
		DefaultSteps:    50,
		DefaultGuidance: 7.5,
		DefaultWidth:    512,
		DefaultHeight:   512,
		MaxConcurrent:   1,
	}
}

// pngBytes encodes a solid w x h image.
func pngBytes(w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 8), G: uint8(y * 8), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

type fakeProvider struct {
	mu     sync.Mutex
	calls  []sdruntime.GenerateParams
	err    error
	lora   bool
	closed bool
}

func (f *fakeProvider) Generate(ctx context.Context, params sdruntime.GenerateParams) (*sdruntime.GenerateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, params)
	if f.err != nil {
		return nil, f.err
	}
	return &sdruntime.GenerateResult{
		ImageData: pngBytes(16, 16),
		Width:     params.Width,
		Height:    params.Height,
		Seed:      params.Seed,
	}, nil
}

func (f *fakeProvider) Info() ProviderInfo {
	return ProviderInfo{
		Name:           "fake",
		Backend:        "fake",
		RuntimeVersion: "fake-1",
		Device:         sdruntime.DeviceInfo{Device: sdruntime.DeviceCPU},
		LoRAApplied:    f.lora,
	}
}

func (f *fakeProvider) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeProvider) lastCall() sdruntime.GenerateParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type recordingObserver struct {
	mu      sync.Mutex
	started int
	records []core.GenerationRecord
}

func (o *recordingObserver) GenerationStarted() {
	o.mu.Lock()
	o.started++
	o.mu.Unlock()
}

func (o *recordingObserver) GenerationFinished(r core.GenerationRecord) {
	o.mu.Lock()
	o.records = append(o.records, r)
	o.mu.Unlock()
}

func ptr[T any](v T) *T {
	return &v
}

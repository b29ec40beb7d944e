//go:build !sd || !cgo || stub

package sdruntime

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestStub_LoadModel(t *testing.T) {
	ctx, err := LoadModel(writeModel(t), DeviceCPU)
	if err != nil {
		t.Fatalf("LoadModel() error = %v", err)
	}
	if !ctx.IsValid() || ctx.Device() != DeviceCPU {
		t.Errorf("context valid=%v device=%q", ctx.IsValid(), ctx.Device())
	}

	FreeContext(ctx)
	FreeContext(ctx)
	FreeContext(nil)
	if ctx.IsValid() {
		t.Error("context still valid after FreeContext")
	}

	if _, err := LoadModel(filepath.Join(t.TempDir(), "missing.ckpt"), DeviceCPU); !errors.Is(err, ErrModelNotFound) {
		t.Errorf("missing model error = %v", err)
	}
	if _, err := LoadModel(t.TempDir(), DeviceCPU); !errors.Is(err, ErrModelLoadFailed) {
		t.Errorf("directory error = %v", err)
	}
	if _, err := LoadModel(writeModel(t), DeviceCUDA); !errors.Is(err, ErrCUDANotAvailable) {
		t.Errorf("cuda error = %v", err)
	}
}

func TestStub_GenerateImage(t *testing.T) {
	ctx, err := LoadModel(writeModel(t), DeviceCPU)
	if err != nil {
		t.Fatal(err)
	}
	defer FreeContext(ctx)

	params := validParams()
	plain, err := GenerateImage(ctx, params)
	if err != nil {
		t.Fatalf("GenerateImage() error = %v", err)
	}

	params.Seed = -1
	if _, err := GenerateImage(ctx, params); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("unresolved seed error = %v", err)
	}

	adapter := filepath.Join(t.TempDir(), "adapter.safetensors")
	os.WriteFile(adapter, []byte("weights"), 0644)
	if err := ApplyLoRA(ctx, LoRAWeights{Path: adapter, Rank: 16, Alpha: 32, Scale: 2}); err != nil {
		t.Fatalf("ApplyLoRA() error = %v", err)
	}
	withLoRA, err := GenerateImage(ctx, validParams())
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(plain.ImageData, withLoRA.ImageData) {
		t.Error("LoRA should change the rendered image")
	}
}

func TestStub_Features(t *testing.T) {
	ctx, _ := LoadModel(writeModel(t), DeviceCPU)
	defer FreeContext(ctx)

	if err := EnableAttentionSlicing(ctx); err != nil {
		t.Errorf("EnableAttentionSlicing() error = %v", err)
	}
	if err := EnableMemoryEfficientAttention(ctx); !errors.Is(err, ErrFeatureUnavailable) {
		t.Errorf("EnableMemoryEfficientAttention() error = %v", err)
	}
	if err := ApplyLoRA(ctx, LoRAWeights{Path: filepath.Join(t.TempDir(), "x"), Rank: 4, Scale: 1}); !errors.Is(err, ErrLoRAApplyFailed) {
		t.Errorf("ApplyLoRA(missing) error = %v", err)
	}
	if ctx.LoRA() != nil {
		t.Error("failed ApplyLoRA must not mark the context")
	}
	if err := ApplyLoRA(nil, LoRAWeights{}); !errors.Is(err, ErrLoRAApplyFailed) {
		t.Errorf("ApplyLoRA(nil) error = %v", err)
	}
}

func TestStub_DetectDevice(t *testing.T) {
	tests := []struct {
		pref    string
		want    Device
		wantErr error
	}{
		{"auto", DeviceCPU, nil},
		{"", DeviceCPU, nil},
		{"CPU", DeviceCPU, nil},
		{"cuda", DeviceCPU, ErrCUDANotAvailable},
		{"tpu", DeviceCPU, ErrInvalidParams},
	}
	for _, tt := range tests {
		got, err := DetectDevice(tt.pref)
		if got != tt.want || !errors.Is(err, tt.wantErr) {
			t.Errorf("DetectDevice(%q) = %q, %v; want %q, %v", tt.pref, got, err, tt.want, tt.wantErr)
		}
	}

	info := Info(DeviceCPU)
	if info.Backend != "stub" || info.CUDAAvailable || info.CUDADevice != "" || info.Version == "" {
		t.Errorf("Info() = %+v", info)
	}
}

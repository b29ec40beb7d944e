package core

import (
	"path/filepath"
	"testing"
	"time"
)

// clearConfigEnv blanks every variable LoadConfig reads so host settings do not leak in.
func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"HOST", "PORT", "HTTP_READ_TIMEOUT", "HTTP_WRITE_TIMEOUT", "SHUTDOWN_TIMEOUT",
		"MODELS_DIR", "MODEL_ID", "SD_MODEL_PATH", "SD_MODEL_URL", "SD_MODEL_SHA256",
		"LORA_ADAPTER_PATH", "LORA_CONFIG_PATH", "SD_DEVICE",
		"SD_INFERENCE_STEPS", "SD_GUIDANCE_SCALE", "SD_IMAGE_WIDTH", "SD_IMAGE_HEIGHT", "SD_NEGATIVE_PROMPT",
		"SD_MAX_CONCURRENT", "SD_TIMEOUT_SECONDS", "SD_ATTENTION_SLICING", "SD_MEMORY_EFFICIENT_ATTENTION",
		"IMAGE_BACKEND", "OPENAI_API_KEY", "OPENAI_BASE_URL", "OPENAI_IMAGE_MODEL",
		"DATABASE_PATH", "HISTORY_ENABLED", "CORS_ALLOWED_ORIGINS", "RATE_LIMIT_PER_MINUTE", "RATE_LIMIT_BURST",
		"LOG_FILE", "LOG_LEVEL", "MODEL_CATALOG", "SDLORA_DATA_DIR",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Addr() != "0.0.0.0:8000" {
		t.Errorf("Addr() = %q, want 0.0.0.0:8000", cfg.Addr())
	}
	if cfg.BaseModel != DefaultBaseModel {
		t.Errorf("BaseModel = %q, want %q", cfg.BaseModel, DefaultBaseModel)
	}
	if want := filepath.Join("models", "stable-diffusion-v1-5.safetensors"); cfg.ModelPath != want {
		t.Errorf("ModelPath = %q, want %q", cfg.ModelPath, want)
	}
	if want := filepath.Join("models", "adapter_model.safetensors"); cfg.LoRAAdapterPath != want {
		t.Errorf("LoRAAdapterPath = %q, want %q", cfg.LoRAAdapterPath, want)
	}
	if want := filepath.Join("models", "adapter_config.json"); cfg.LoRAConfigPath != want {
		t.Errorf("LoRAConfigPath = %q, want %q", cfg.LoRAConfigPath, want)
	}
	if cfg.DefaultSteps != 50 || cfg.DefaultGuidance != 7.5 {
		t.Errorf("sampling defaults = (%d, %v), want (50, 7.5)", cfg.DefaultSteps, cfg.DefaultGuidance)
	}
	if cfg.DefaultWidth != 512 || cfg.DefaultHeight != 512 {
		t.Errorf("size defaults = %dx%d, want 512x512", cfg.DefaultWidth, cfg.DefaultHeight)
	}
	if cfg.Device != DeviceAuto || cfg.Backend != BackendLocal {
		t.Errorf("Device/Backend = %q/%q, want auto/local", cfg.Device, cfg.Backend)
	}
	if cfg.MaxConcurrent != 1 {
		t.Errorf("MaxConcurrent = %d, want 1", cfg.MaxConcurrent)
	}
	if cfg.GenerationTimeout != 300*time.Second {
		t.Errorf("GenerationTimeout = %v, want 5m", cfg.GenerationTimeout)
	}
	if len(cfg.CORSAllowedOrigins) != 1 || cfg.CORSAllowedOrigins[0] != "*" {
		t.Errorf("CORSAllowedOrigins = %v, want [*]", cfg.CORSAllowedOrigins)
	}
	if !cfg.UsesLocalRuntime() {
		t.Error("UsesLocalRuntime() = false, want true")
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("PORT", "9000")
	t.Setenv("MODELS_DIR", "/srv/models")
	t.Setenv("MODEL_ID", "stabilityai/sd-turbo")
	t.Setenv("SD_DEVICE", "CPU")
	t.Setenv("SD_INFERENCE_STEPS", "25")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Port != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Port)
	}
	if want := filepath.Join("/srv/models", "sd-turbo.safetensors"); cfg.ModelPath != want {
		t.Errorf("ModelPath = %q, want %q", cfg.ModelPath, want)
	}
	if cfg.Device != DeviceCPU {
		t.Errorf("Device = %q, want cpu", cfg.Device)
	}
	if cfg.DefaultSteps != 25 {
		t.Errorf("DefaultSteps = %d, want 25", cfg.DefaultSteps)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		value    string
		wantCode string
	}{
		{"port out of range", "PORT", "70000", ErrCodeInvalidValue},
		{"unknown device", "SD_DEVICE", "tpu", ErrCodeInvalidValue},
		{"unknown backend", "IMAGE_BACKEND", "midjourney", ErrCodeInvalidValue},
		{"openai without key", "IMAGE_BACKEND", "openai", ErrCodeMissingAuth},
		{"steps too high", "SD_INFERENCE_STEPS", "500", ErrCodeInvalidValue},
		{"guidance too low", "SD_GUIDANCE_SCALE", "0.5", ErrCodeInvalidValue},
		{"width not multiple of 8", "SD_IMAGE_WIDTH", "500", ErrCodeInvalidValue},
		{"short timeout", "SD_TIMEOUT_SECONDS", "3", ErrCodeInvalidValue},
		{"bad checksum", "SD_MODEL_SHA256", "abc", ErrCodeInvalidValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearConfigEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := LoadConfig()
			if err == nil {
				t.Fatal("LoadConfig() error = nil, want error")
			}
			if code := GetErrorCode(err); code != tt.wantCode {
				t.Errorf("GetErrorCode() = %q, want %q (err: %v)", code, tt.wantCode, err)
			}
		})
	}
}

func TestDefaultCheckpointName(t *testing.T) {
	tests := map[string]string{
		"runwayml/stable-diffusion-v1-5": "stable-diffusion-v1-5.safetensors",
		"sd_turbo.safetensors":           "sd_turbo.safetensors",
		"org/model.ckpt":                 "model.ckpt",
		"flux.GGUF":                      "flux.GGUF",
		"":                               "model.safetensors",
	}
	for in, want := range tests {
		if got := defaultCheckpointName(in); got != want {
			t.Errorf("defaultCheckpointName(%q) = %q, want %q", in, got, want)
		}
	}
}

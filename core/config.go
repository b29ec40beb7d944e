package core

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Image backends selectable with IMAGE_BACKEND.
const (
	BackendLocal  = "local"
	BackendOpenAI = "openai"
)

// Device preferences selectable with SD_DEVICE.
const (
	DeviceAuto = "auto"
	DeviceCUDA = "cuda"
	DeviceCPU  = "cpu"
)

// DefaultBaseModel is the Hugging Face identifier reported for the base checkpoint.
const DefaultBaseModel = "runwayml/stable-diffusion-v1-5"

// Config holds all configuration values
type Config struct {
	// HTTP server
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// Base model
	BaseModel   string // Identifier reported by /api/models
	ModelPath   string // Local checkpoint (.safetensors, .ckpt or .gguf)
	ModelURL    string // Optional download source when ModelPath is missing
	ModelSHA256 string // Optional checksum for ModelPath
	ModelsDir   string

	// LoRA adapter (PEFT layout)
	LoRAAdapterPath string
	LoRAConfigPath  string

	// Device preference: auto, cuda or cpu
	Device string

	// Sampling defaults applied to fields a request omits
	DefaultSteps          int
	DefaultGuidance       float64
	DefaultWidth          int
	DefaultHeight         int
	DefaultNegativePrompt string

	// Runtime
	MaxConcurrent            int
	GenerationTimeout        time.Duration
	AttentionSlicing         bool
	MemoryEfficientAttention bool

	// Image backend: local runtime or an OpenAI-compatible images API
	Backend          string
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	OpenAIImageModel string

	// Generation history
	DatabasePath     string
	HistoryEnabled   bool
	HistoryRetention time.Duration // 0 keeps records forever

	// GPU sampling for /metrics and /api/stats; 0 disables it
	GPUMetricsInterval time.Duration

	// HTTP policy
	CORSAllowedOrigins []string
	RateLimitPerMinute int
	RateLimitBurst     int

	// Logging
	LogFile  string
	LogLevel string

	// Optional YAML catalog of downloadable checkpoints
	ModelCatalogPath string
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// UsesLocalRuntime reports whether generation runs on the in-process model runtime.
func (c *Config) UsesLocalRuntime() bool {
	return c.Backend == BackendLocal
}

// LoadConfig loads configuration from environment variables.
// godotenv.Load is expected to have run already so .env values are visible.
func LoadConfig() (*Config, error) {
	modelsDir := GetEnvOrDefault("MODELS_DIR", "models")
	baseModel := GetEnvOrDefault("MODEL_ID", DefaultBaseModel)

	cfg := &Config{
		Host:            GetEnvOrDefault("HOST", "0.0.0.0"),
		Port:            ParseIntEnv("PORT", 8000),
		ReadTimeout:     ParseDurationEnv("HTTP_READ_TIMEOUT", 30),
		WriteTimeout:    ParseDurationEnv("HTTP_WRITE_TIMEOUT", 300),
		ShutdownTimeout: ParseDurationEnv("SHUTDOWN_TIMEOUT", 30),

		BaseModel:   baseModel,
		ModelPath:   GetEnvOrDefault("SD_MODEL_PATH", filepath.Join(modelsDir, defaultCheckpointName(baseModel))),
		ModelURL:    GetEnvOrDefault("SD_MODEL_URL", ""),
		ModelSHA256: strings.ToLower(GetEnvOrDefault("SD_MODEL_SHA256", "")),
		ModelsDir:   modelsDir,

		LoRAAdapterPath: GetEnvOrDefault("LORA_ADAPTER_PATH", filepath.Join(modelsDir, "adapter_model.safetensors")),
		LoRAConfigPath:  GetEnvOrDefault("LORA_CONFIG_PATH", filepath.Join(modelsDir, "adapter_config.json")),

		Device: strings.ToLower(GetEnvOrDefault("SD_DEVICE", DeviceAuto)),

		DefaultSteps:          ParseIntEnv("SD_INFERENCE_STEPS", 50),
		DefaultGuidance:       ParseFloat64Env("SD_GUIDANCE_SCALE", 7.5),
		DefaultWidth:          ParseIntEnv("SD_IMAGE_WIDTH", 512),
		DefaultHeight:         ParseIntEnv("SD_IMAGE_HEIGHT", 512),
		DefaultNegativePrompt: GetEnvOrDefault("SD_NEGATIVE_PROMPT", ""),

		MaxConcurrent:            ParseIntEnv("SD_MAX_CONCURRENT", 1),
		GenerationTimeout:        ParseDurationEnv("SD_TIMEOUT_SECONDS", 300),
		AttentionSlicing:         ParseBoolEnv("SD_ATTENTION_SLICING", true),
		MemoryEfficientAttention: ParseBoolEnv("SD_MEMORY_EFFICIENT_ATTENTION", true),

		Backend:          strings.ToLower(GetEnvOrDefault("IMAGE_BACKEND", BackendLocal)),
		OpenAIAPIKey:     GetEnvOrDefault("OPENAI_API_KEY", ""),
		OpenAIBaseURL:    GetEnvOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIImageModel: GetEnvOrDefault("OPENAI_IMAGE_MODEL", "dall-e-2"),

		DatabasePath:     GetEnvOrDefault("DATABASE_PATH", GetDataFilePath("sdlora.db")),
		HistoryEnabled:   ParseBoolEnv("HISTORY_ENABLED", true),
		HistoryRetention: time.Duration(ParseIntEnv("HISTORY_RETENTION_DAYS", 30)) * 24 * time.Hour,

		GPUMetricsInterval: ParseDurationEnv("GPU_METRICS_INTERVAL", 10),

		CORSAllowedOrigins: ParseListEnv("CORS_ALLOWED_ORIGINS", []string{"*"}),
		RateLimitPerMinute: ParseIntEnv("RATE_LIMIT_PER_MINUTE", 0),
		RateLimitBurst:     ParseIntEnv("RATE_LIMIT_BURST", 2),

		LogFile:  GetEnvOrDefault("LOG_FILE", "app.log"),
		LogLevel: GetEnvOrDefault("LOG_LEVEL", ""),

		ModelCatalogPath: GetEnvOrDefault("MODEL_CATALOG", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field requirements.
// The first problem found is returned as a *ConfigError.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return ErrInvalidValue("PORT", strconv.Itoa(c.Port), "must be between 1 and 65535")
	}

	switch c.Device {
	case DeviceAuto, DeviceCUDA, DeviceCPU:
	default:
		return ErrInvalidValue("SD_DEVICE", c.Device, "must be one of auto, cuda, cpu")
	}

	switch c.Backend {
	case BackendLocal:
		if c.ModelPath == "" {
			return ErrMissingConfig("SD_MODEL_PATH")
		}
	case BackendOpenAI:
		if c.OpenAIAPIKey == "" {
			return ErrMissingAuth(BackendOpenAI)
		}
	default:
		return ErrInvalidValue("IMAGE_BACKEND", c.Backend, "must be one of local, openai")
	}

	if c.DefaultSteps < 1 || c.DefaultSteps > 150 {
		return ErrInvalidValue("SD_INFERENCE_STEPS", strconv.Itoa(c.DefaultSteps), "must be between 1 and 150")
	}
	if c.DefaultGuidance < 1.0 || c.DefaultGuidance > 30.0 {
		return ErrInvalidValue("SD_GUIDANCE_SCALE", fmt.Sprintf("%.2f", c.DefaultGuidance), "must be between 1.0 and 30.0")
	}
	for key, size := range map[string]int{"SD_IMAGE_WIDTH": c.DefaultWidth, "SD_IMAGE_HEIGHT": c.DefaultHeight} {
		if size%8 != 0 || size < 128 || size > 2048 {
			return ErrInvalidValue(key, strconv.Itoa(size), "must be a multiple of 8 between 128 and 2048")
		}
	}
	if c.MaxConcurrent < 1 || c.MaxConcurrent > 10 {
		return ErrInvalidValue("SD_MAX_CONCURRENT", strconv.Itoa(c.MaxConcurrent), "must be between 1 and 10")
	}
	if c.GenerationTimeout < 10*time.Second {
		return ErrInvalidValue("SD_TIMEOUT_SECONDS", c.GenerationTimeout.String(), "must be at least 10 seconds")
	}
	if c.ModelSHA256 != "" {
		if err := ValidateSHA256Hex(c.ModelSHA256); err != nil {
			return ErrInvalidValue("SD_MODEL_SHA256", c.ModelSHA256, err.Error())
		}
	}
	if c.RateLimitPerMinute < 0 {
		return ErrInvalidValue("RATE_LIMIT_PER_MINUTE", strconv.Itoa(c.RateLimitPerMinute), "must not be negative")
	}
	if c.HistoryRetention < 0 {
		return ErrInvalidValue("HISTORY_RETENTION_DAYS", c.HistoryRetention.String(), "must not be negative")
	}
	if c.GPUMetricsInterval < 0 {
		return ErrInvalidValue("GPU_METRICS_INTERVAL", c.GPUMetricsInterval.String(), "must not be negative")
	}
	if c.RateLimitPerMinute > 0 && c.RateLimitBurst < 1 {
		c.RateLimitBurst = 1
	}
	return nil
}

// defaultCheckpointName derives a local filename from a hub identifier,
// e.g. "runwayml/stable-diffusion-v1-5" -> "stable-diffusion-v1-5.safetensors".
func defaultCheckpointName(modelID string) string {
	name := modelID
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		name = "model"
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".safetensors", ".ckpt", ".gguf":
		return name
	}
	return name + ".safetensors"
}

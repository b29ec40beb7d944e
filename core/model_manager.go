package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// ModelConfig describes a downloadable checkpoint.
type ModelConfig struct {
	// Name is the identifier used to look the model up (e.g. "runwayml/stable-diffusion-v1-5")
	Name string `yaml:"name"`
	// URL is the download URL for the checkpoint
	URL string `yaml:"url"`
	// Filename is the local filename inside the model directory
	Filename string `yaml:"filename"`
	// ExpectedSHA256 is optional; when set the file is verified after download
	ExpectedSHA256 string `yaml:"sha256"`
	// SizeBytes is used for the disk space pre-check (0 skips it)
	SizeBytes int64 `yaml:"size_bytes"`
}

// modelCatalogFile is the YAML layout read by LoadModelCatalog:
//
//	models:
//	  - name: runwayml/stable-diffusion-v1-5
//	    url: https://huggingface.co/.../v1-5-pruned-emaonly.safetensors
//	    filename: stable-diffusion-v1-5.safetensors
//	    sha256: 6ce0161689b3853acaa03779ec93eafe75a02f4ced659bee03f50797806fa2fa
//	    size_bytes: 4265146304
type modelCatalogFile struct {
	Models []ModelConfig `yaml:"models"`
}

// LoadModelCatalog reads checkpoint definitions from a YAML file.
func LoadModelCatalog(path string) ([]ModelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ErrInvalidCatalog(path, err.Error())
	}

	var catalog modelCatalogFile
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, ErrInvalidCatalog(path, err.Error())
	}

	for i, m := range catalog.Models {
		if m.Name == "" || m.URL == "" {
			return nil, ErrInvalidCatalog(path, fmt.Sprintf("entry %d needs name and url", i))
		}
		if m.Filename == "" {
			catalog.Models[i].Filename = defaultCheckpointName(m.Name)
		}
	}
	return catalog.Models, nil
}

// BaseModelFromConfig builds the ModelConfig for the configured base checkpoint.
func BaseModelFromConfig(cfg *Config) ModelConfig {
	return ModelConfig{
		Name:           cfg.BaseModel,
		URL:            cfg.ModelURL,
		Filename:       filepath.Base(cfg.ModelPath),
		ExpectedSHA256: cfg.ModelSHA256,
	}
}

// ModelManager makes checkpoints available on disk, downloading them when missing.
type ModelManager struct {
	modelDir        string
	httpClient      *http.Client
	models          map[string]ModelConfig
	maxRetries      int
	baseRetryDelay  time.Duration
	diskSpaceBuffer int
	onProgress      func(name string, info ProgressInfo)
}

// ModelManagerOption is a functional option for configuring ModelManager.
type ModelManagerOption func(*ModelManager)

// WithMaxRetries sets the maximum number of download attempts.
func WithMaxRetries(n int) ModelManagerOption {
	return func(mm *ModelManager) {
		if n > 0 {
			mm.maxRetries = n
		}
	}
}

// WithBaseRetryDelay sets the delay before the second attempt; it doubles after that.
func WithBaseRetryDelay(d time.Duration) ModelManagerOption {
	return func(mm *ModelManager) {
		if d > 0 {
			mm.baseRetryDelay = d
		}
	}
}

// WithModel registers a model configuration. Later registrations replace earlier ones.
func WithModel(model ModelConfig) ModelManagerOption {
	return func(mm *ModelManager) {
		mm.models[model.Name] = model
	}
}

// WithProgress installs a download progress callback.
func WithProgress(fn func(name string, info ProgressInfo)) ModelManagerOption {
	return func(mm *ModelManager) {
		mm.onProgress = fn
	}
}

// NewModelManager creates a ModelManager storing files under modelDir.
// A nil httpClient gets a client without timeout; downloads are bounded by ctx.
func NewModelManager(modelDir string, httpClient *http.Client, opts ...ModelManagerOption) *ModelManager {
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	mm := &ModelManager{
		modelDir:        modelDir,
		httpClient:      httpClient,
		models:          make(map[string]ModelConfig),
		maxRetries:      3,
		baseRetryDelay:  2 * time.Second,
		diskSpaceBuffer: DefaultBufferPercent,
	}
	for _, opt := range opts {
		opt(mm)
	}
	return mm
}

// EnsureModelAvailable checks that a registered model is on disk and downloads it otherwise.
// An existing file with a matching checksum (or no checksum configured) is left untouched.
func (mm *ModelManager) EnsureModelAvailable(ctx context.Context, modelName string) error {
	modelCfg, ok := mm.models[modelName]
	if !ok {
		return fmt.Errorf("unknown model: %q (available: %v)", modelName, mm.availableModelNames())
	}

	modelPath := filepath.Join(mm.modelDir, modelCfg.Filename)
	exists, err := mm.checkModelExists(modelPath, modelCfg.ExpectedSHA256)
	if err != nil {
		return fmt.Errorf("check model exists: %w", err)
	}
	if exists {
		return nil
	}
	if modelCfg.URL == "" {
		return ErrModelNotFound(modelPath)
	}
	return mm.downloadModel(ctx, modelCfg, modelPath)
}

// GetModelPath returns the full path to a model file without checking it exists.
func (mm *ModelManager) GetModelPath(modelName string) (string, error) {
	modelCfg, ok := mm.models[modelName]
	if !ok {
		return "", fmt.Errorf("unknown model: %q", modelName)
	}
	return filepath.Join(mm.modelDir, modelCfg.Filename), nil
}

func (mm *ModelManager) checkModelExists(modelPath string, expectedChecksum string) (bool, error) {
	info, err := os.Stat(modelPath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat model file: %w", err)
	}
	if info.IsDir() {
		return false, fmt.Errorf("model path is a directory: %s", modelPath)
	}
	if info.Size() == 0 {
		return false, nil
	}
	if expectedChecksum == "" {
		return true, nil
	}

	valid, err := VerifyChecksum(modelPath, expectedChecksum)
	if err != nil {
		return false, fmt.Errorf("verify checksum: %w", err)
	}
	if !valid {
		return false, fmt.Errorf("model file corrupted: checksum mismatch for %s", modelPath)
	}
	return true, nil
}

func (mm *ModelManager) downloadModel(ctx context.Context, modelCfg ModelConfig, destPath string) error {
	if modelCfg.SizeBytes > 0 {
		if err := CheckDiskSpaceForModel(mm.modelDir, modelCfg.SizeBytes, mm.diskSpaceBuffer); err != nil {
			return &ModelDownloadError{ModelName: modelCfg.Name, Cause: err, Message: "insufficient disk space"}
		}
	}

	if err := os.MkdirAll(mm.modelDir, 0755); err != nil {
		return fmt.Errorf("create model directory: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= mm.maxRetries; attempt++ {
		if attempt > 1 {
			delay := mm.baseRetryDelay * time.Duration(1<<(attempt-2))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		opts := DownloadOptions{
			URL:            modelCfg.URL,
			DestPath:       destPath,
			ExpectedSHA256: modelCfg.ExpectedSHA256,
			HTTPClient:     mm.httpClient,
			Resume:         true,
		}
		if mm.onProgress != nil {
			name := modelCfg.Name
			opts.OnProgress = func(info ProgressInfo) { mm.onProgress(name, info) }
		}

		_, err := DownloadWithProgress(ctx, opts)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryableDownloadError(err) {
			break
		}
	}

	return &ModelDownloadError{
		ModelName: modelCfg.Name,
		Cause:     lastErr,
		Message:   fmt.Sprintf("download failed after %d attempts", mm.maxRetries),
		URL:       modelCfg.URL,
		DestPath:  destPath,
	}
}

// isRetryableDownloadError treats network and HTTP failures as transient.
func isRetryableDownloadError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrChecksumMismatch) {
		return false
	}
	var diskErr *DiskSpaceError
	return !errors.As(err, &diskErr)
}

func (mm *ModelManager) availableModelNames() []string {
	names := make([]string, 0, len(mm.models))
	for name := range mm.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ModelDownloadError provides detailed information about a download failure.
type ModelDownloadError struct {
	ModelName string
	Cause     error
	Message   string
	URL       string
	DestPath  string
}

func (e *ModelDownloadError) Error() string {
	if e.URL != "" && e.DestPath != "" {
		return fmt.Sprintf("model download failed: %s: %s (download %s manually to %s)",
			e.ModelName, e.Message, e.URL, e.DestPath)
	}
	return fmt.Sprintf("model download failed: %s: %s", e.ModelName, e.Message)
}

func (e *ModelDownloadError) Unwrap() error {
	return e.Cause
}

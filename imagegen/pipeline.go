// Package imagegen turns generation requests into PNG images.
//
// A Pipeline owns one Provider: the in-process model runtime (LocalProvider)
// or an OpenAI-compatible images API (OpenAIProvider). It loads the base
// model and the optional LoRA adapter, applies request defaults, validates
// parameters, resolves seeds, times each generation and reports finished
// generations to its observers (history writer, metrics).
//
// Usage:
//
//	p := imagegen.NewPipeline(cfg, logger, imagegen.WithObserver(store))
//	if err := p.Load(ctx); err != nil {
//	    return err
//	}
//	res, err := p.Generate(ctx, imagegen.Request{Prompt: "a lighthouse at dusk"})
package imagegen

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sdlora_server/core"
	"sdlora_server/logging"
	"sdlora_server/lora"
	"sdlora_server/sdruntime"
)

// LoRA adapter states reported by ModelInfo.
const (
	LoRAStateLoaded   = "loaded"
	LoRAStateNotFound = "not_found"
	LoRAStateFailed   = "failed"
	// LoRAStateDisabled is reported for remote backends, which cannot take an adapter
	LoRAStateDisabled = "disabled"
)

// Observer is told about every generation the pipeline runs.
type Observer interface {
	GenerationStarted()
	GenerationFinished(record core.GenerationRecord)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithProvider makes Load use p instead of building a provider from the
// configuration.
func WithProvider(p Provider) Option {
	return func(pl *Pipeline) {
		pl.provider = p
	}
}

// WithObserver adds an observer. Observers are called synchronously and must
// not block.
func WithObserver(o Observer) Option {
	return func(pl *Pipeline) {
		if o != nil {
			pl.observers = append(pl.observers, o)
		}
	}
}

// Pipeline is safe for concurrent use. Generate may be called while Load is
// still running; it returns ErrModelNotLoaded until loading succeeds.
type Pipeline struct {
	cfg       *core.Config
	logger    *logging.Logger
	defaults  Defaults
	observers []Observer

	// loadMu serialises Load; mu guards the fields published by it
	loadMu    sync.Mutex
	mu        sync.RWMutex
	provider  Provider
	device    sdruntime.Device
	loraState string
	adapter   *lora.Adapter

	loaded atomic.Bool
	closed atomic.Bool
}

// NewPipeline creates an unloaded pipeline.
func NewPipeline(cfg *core.Config, logger *logging.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = logging.NewFromZap(zap.NewNop())
	}
	p := &Pipeline{
		cfg:       cfg,
		logger:    logger.Named("imagegen"),
		defaults:  DefaultsFromConfig(cfg),
		loraState: LoRAStateNotFound,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// loadedModel is what a successful Load publishes.
type loadedModel struct {
	provider  Provider
	device    sdruntime.Device
	loraState string
	adapter   *lora.Adapter
}

// Load prepares the provider. For the local backend this resolves the device,
// verifies the checkpoint when a checksum is configured, inspects the LoRA
// adapter and loads the model with the adapter and attention options applied.
//
// A missing or broken adapter is logged and the base model is used alone.
// Attention option failures are warnings. Only a base model failure is
// returned.
//
// Loading runs without holding the state lock, so ModelInfo, Device and
// Close answer immediately while a load is in progress. Concurrent Load
// calls are serialised.
func (p *Pipeline) Load(ctx context.Context) error {
	if p.closed.Load() {
		return ErrPipelineClosed
	}
	if p.loaded.Load() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.loadMu.Lock()
	defer p.loadMu.Unlock()
	if p.loaded.Load() {
		return nil
	}

	start := time.Now()
	p.mu.RLock()
	injected := p.provider
	p.mu.RUnlock()

	var (
		m   *loadedModel
		err error
	)
	switch {
	case injected != nil:
		info := injected.Info()
		m = &loadedModel{provider: injected, device: info.Device.Device, loraState: LoRAStateNotFound}
		if info.LoRAApplied {
			m.loraState = LoRAStateLoaded
		}
	case p.cfg.Backend == core.BackendOpenAI:
		var provider *OpenAIProvider
		if provider, err = NewOpenAIProvider(OpenAIProviderConfigFromCore(p.cfg)); err == nil {
			m = &loadedModel{provider: provider, device: provider.Info().Device.Device, loraState: LoRAStateDisabled}
		}
	default:
		m, err = p.loadLocal()
	}
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		if m.provider != injected {
			_ = m.provider.Close()
		}
		return ErrPipelineClosed
	}
	p.provider = m.provider
	p.device = m.device
	p.loraState = m.loraState
	p.adapter = m.adapter
	p.loaded.Store(true)
	p.mu.Unlock()

	p.logger.Info("Model loaded",
		zap.String("base_model", p.cfg.BaseModel),
		zap.String("backend", m.provider.Info().Backend),
		zap.String("device", string(m.device)),
		zap.String("lora", m.loraState),
		zap.Duration("load_time", time.Since(start)))
	return nil
}

// loadLocal builds and loads the in-process runtime. It touches no
// Pipeline state; Load publishes the result.
func (p *Pipeline) loadLocal() (*loadedModel, error) {
	device, err := sdruntime.DetectDevice(p.cfg.Device)
	if err != nil {
		if !errors.Is(err, sdruntime.ErrCUDANotAvailable) {
			return nil, fmt.Errorf("resolve device: %w", err)
		}
		p.logger.Warn("CUDA requested but not available, using CPU")
	}
	p.logger.Info("Loading model",
		zap.String("base_model", p.cfg.BaseModel),
		zap.String("path", p.cfg.ModelPath),
		zap.String("device", string(device)))

	if p.cfg.ModelSHA256 != "" {
		if err := sdruntime.VerifyModelChecksum(p.cfg.ModelPath, p.cfg.ModelSHA256); err != nil {
			return nil, err
		}
	}

	genCfg := sdruntime.GeneratorConfigFromCore(p.cfg, device)
	adapter, state := p.inspectAdapter()
	if adapter != nil {
		weights := adapter.Weights()
		genCfg.Context.LoRA = &weights
	}

	provider, err := NewLocalProvider(genCfg)
	if err != nil {
		return nil, err
	}
	report, err := provider.Load()
	if err != nil {
		_ = provider.Close()
		return nil, err
	}

	if adapter != nil {
		if report.LoRAErr != nil {
			state = LoRAStateFailed
			adapter = nil
			p.logger.Error("Failed to apply LoRA adapter, continuing with base model",
				zap.String("path", p.cfg.LoRAAdapterPath),
				zap.Error(report.LoRAErr))
		} else {
			state = LoRAStateLoaded
			p.logger.Info("LoRA adapter loaded",
				zap.String("path", adapter.Path),
				zap.Int("rank", adapter.Config.R),
				zap.Float64("alpha", adapter.Config.LoRAAlpha),
				zap.Int("tensors", adapter.TensorCount()),
				zap.Int("ignored_tensors", adapter.Ignored))
		}
	}
	if report.AttentionSlicingErr != nil {
		p.logger.Warn("Attention slicing not enabled", zap.Error(report.AttentionSlicingErr))
	}
	if report.MemoryEfficientErr != nil {
		p.logger.Warn("Memory-efficient attention not enabled", zap.Error(report.MemoryEfficientErr))
	}

	return &loadedModel{provider: provider, device: report.Device, loraState: state, adapter: adapter}, nil
}

// inspectAdapter reads the adapter files. A nil adapter means the base model
// runs alone; the returned state says why.
func (p *Pipeline) inspectAdapter() (*lora.Adapter, string) {
	adapter, err := lora.Load(p.cfg.LoRAAdapterPath, p.cfg.LoRAConfigPath)
	switch {
	case errors.Is(err, lora.ErrAdapterNotFound):
		p.logger.Warn("LoRA adapter not found, using base model",
			zap.String("path", p.cfg.LoRAAdapterPath))
		return nil, LoRAStateNotFound
	case err != nil:
		p.logger.Error("Failed to load LoRA adapter, using base model",
			zap.String("path", p.cfg.LoRAAdapterPath),
			zap.Error(err))
		return nil, LoRAStateFailed
	}
	return adapter, LoRAStateLoaded
}

// Generate renders one image.
//
// Errors:
//   - ErrModelNotLoaded: Load has not finished successfully
//   - ErrEmptyPrompt: the prompt is empty after trimming
//   - ErrInvalidRequest (as *RequestError): parameters out of range
//   - *GenerationError: the provider failed
func (p *Pipeline) Generate(ctx context.Context, req Request) (*Result, error) {
	if p.closed.Load() {
		return nil, ErrPipelineClosed
	}
	if !p.loaded.Load() {
		return nil, ErrModelNotLoaded
	}

	req.Prompt = sdruntime.SanitizePrompt(req.Prompt)
	if req.Prompt == "" {
		return nil, ErrEmptyPrompt
	}
	params := req.Params(p.defaults)
	if err := sdruntime.ValidateParams(params); err != nil {
		return nil, newRequestError(err)
	}
	params.Seed = sdruntime.ResolveSeed(params.Seed)

	p.mu.RLock()
	provider := p.provider
	info := provider.Info()
	p.mu.RUnlock()

	id := uuid.NewString()
	p.logger.Info("Generating image",
		zap.String("id", id),
		logging.PromptField(params.Prompt),
		zap.Int64("seed", params.Seed))

	for _, o := range p.observers {
		o.GenerationStarted()
	}
	startedAt := time.Now()
	out, err := provider.Generate(ctx, params)
	duration := time.Since(startedAt)

	record := core.GenerationRecord{
		ID:             id,
		Prompt:         params.Prompt,
		NegativePrompt: params.NegativePrompt,
		Steps:          params.Steps,
		GuidanceScale:  params.CFGScale,
		Width:          params.Width,
		Height:         params.Height,
		Seed:           params.Seed,
		Backend:        info.Backend,
		LoRAApplied:    info.LoRAApplied,
		Status:         core.GenerationStatusSuccess,
		Duration:       duration,
		CreatedAt:      startedAt.UTC(),
	}

	if err != nil {
		var genErr error
		if sdruntime.IsInvalidInput(err) {
			genErr = newRequestError(err)
		} else {
			genErr = newGenerationError(err)
		}
		record.Status = core.GenerationStatusError
		record.ErrorMessage = err.Error()
		p.finish(record)
		p.logger.Error("Image generation failed", logging.GenerationField(record), zap.Error(err))
		return nil, genErr
	}

	record.Width, record.Height = out.Width, out.Height
	record.ImageBytes = int64(len(out.ImageData))
	p.finish(record)
	p.logger.Info("Image generated", logging.GenerationField(record))

	return &Result{
		ID:          id,
		Image:       out.ImageData,
		ImageBase64: base64.StdEncoding.EncodeToString(out.ImageData),
		Seed:        out.Seed,
		Width:       out.Width,
		Height:      out.Height,
		StartedAt:   startedAt,
		Duration:    duration,
	}, nil
}

func (p *Pipeline) finish(record core.GenerationRecord) {
	for _, o := range p.observers {
		o.GenerationFinished(record)
	}
}

// Loaded reports whether Generate can serve requests.
func (p *Pipeline) Loaded() bool {
	return p.loaded.Load() && !p.closed.Load()
}

// ModelInfo is the body of GET /api/models.
type ModelInfo struct {
	BaseModel      string `json:"base_model"`
	LoRAAdapter    string `json:"lora_adapter"`
	Device         string `json:"device"`
	RuntimeVersion string `json:"runtime_version"`
	CUDAAvailable  bool   `json:"cuda_available"`
	// CUDADevice is null without a GPU
	CUDADevice *string   `json:"cuda_device"`
	Backend    string    `json:"backend"`
	Loaded     bool      `json:"model_loaded"`
	LoRA       *LoRAInfo `json:"lora,omitempty"`
}

// LoRAInfo details the applied adapter.
type LoRAInfo struct {
	Path          string   `json:"path"`
	Rank          int      `json:"r"`
	Alpha         float64  `json:"lora_alpha"`
	Scale         float64  `json:"scale"`
	TargetModules []string `json:"target_modules"`
	Tensors       int      `json:"tensors"`
}

// ModelInfo describes the base model, adapter state and device. Before Load
// finishes the device is what the configured preference resolves to.
func (p *Pipeline) ModelInfo() ModelInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	device := p.device
	if device == "" {
		device, _ = sdruntime.DetectDevice(p.cfg.Device)
	}
	devInfo := sdruntime.Info(device)
	backend := devInfo.Backend
	version := devInfo.Version
	if p.provider != nil {
		info := p.provider.Info()
		backend = info.Backend
		version = info.RuntimeVersion
	}

	mi := ModelInfo{
		BaseModel:      p.cfg.BaseModel,
		LoRAAdapter:    p.loraState,
		Device:         string(device),
		RuntimeVersion: version,
		CUDAAvailable:  devInfo.CUDAAvailable,
		Backend:        backend,
		Loaded:         p.Loaded(),
	}
	if devInfo.CUDADevice != "" {
		name := devInfo.CUDADevice
		mi.CUDADevice = &name
	}
	if p.adapter != nil {
		w := p.adapter.Weights()
		mi.LoRA = &LoRAInfo{
			Path:          w.Path,
			Rank:          w.Rank,
			Alpha:         w.Alpha,
			Scale:         w.Scale,
			TargetModules: w.TargetModules,
			Tensors:       p.adapter.TensorCount(),
		}
	}
	return mi
}

// Device returns the device generations run on, empty before Load.
func (p *Pipeline) Device() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return string(p.device)
}

// Close releases the provider. Generate fails with ErrPipelineClosed afterwards.
// Close is safe to call multiple times.
func (p *Pipeline) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.provider == nil {
		return nil
	}
	return p.provider.Close()
}

// RequestError is a request rejected for its parameters. It matches
// ErrInvalidRequest with errors.Is.
type RequestError struct {
	// Detail is the client-facing reason, e.g. "width 100 must be between 128 and 2048"
	Detail string
	Cause  error
}

func newRequestError(err error) *RequestError {
	detail := err.Error()
	for _, sentinel := range []error{sdruntime.ErrInvalidParams, sdruntime.ErrInvalidPrompt} {
		detail = strings.TrimPrefix(detail, sentinel.Error()+": ")
	}
	return &RequestError{Detail: detail, Cause: err}
}

func (e *RequestError) Error() string {
	return ErrInvalidRequest.Error() + ": " + e.Detail
}

func (e *RequestError) Unwrap() []error {
	return []error{ErrInvalidRequest, e.Cause}
}

package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"sdlora_server/core"
	"sdlora_server/imagegen"
	"sdlora_server/metrics"
	"sdlora_server/shutdown"
)

const (
	detailModelNotLoaded = "Model not loaded. Please try again later."
	detailEmptyPrompt    = "Prompt cannot be empty"
	detailPromptRequired = "Field \"prompt\" is required"
	detailShuttingDown   = "Server is shutting down"

	defaultListLimit = 20
	maxListLimit     = 500
	statsRecentLimit = 10
)

// GenerateResponse is the body of a successful POST /api/generate.
type GenerateResponse struct {
	Success     bool    `json:"success"`
	ImageBase64 string  `json:"image_base64"`
	Error       *string `json:"error"`
	Timestamp   string  `json:"timestamp"`
	// GenerationTime is wall time in seconds
	GenerationTime float64 `json:"generation_time"`
	Seed           int64   `json:"seed"`
	ID             string  `json:"id"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
}

// generateBody separates a missing or null prompt (422) from an empty one (400).
type generateBody struct {
	imagegen.Request
	Prompt *string `json:"prompt"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	var body generateBody
	if err := decodeJSON(w, r, s.config.MaxBodyBytes, &body); err != nil {
		writeDecodeError(w, err)
		return
	}
	if body.Prompt == nil {
		writeError(w, http.StatusUnprocessableEntity, detailPromptRequired)
		return
	}
	req := body.Request
	req.Prompt = *body.Prompt

	var res *imagegen.Result
	generate := func(ctx context.Context) error {
		var err error
		res, err = s.deps.Generator.Generate(ctx, req)
		return err
	}

	var err error
	if s.deps.Guard != nil {
		err = s.deps.Guard.WrapOperation(r.Context(), "generate", generate)
	} else {
		err = generate(r.Context())
	}
	if err != nil {
		s.writeGenerateError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, GenerateResponse{
		Success:        true,
		ImageBase64:    res.ImageBase64,
		Timestamp:      res.StartedAt.Format(time.RFC3339Nano),
		GenerationTime: res.GenerationSeconds(),
		Seed:           res.Seed,
		ID:             res.ID,
		Width:          res.Width,
		Height:         res.Height,
	})
}

func (s *Server) writeGenerateError(w http.ResponseWriter, r *http.Request, err error) {
	var reqErr *imagegen.RequestError
	var genErr *imagegen.GenerationError

	switch {
	case errors.Is(err, shutdown.ErrTrackerClosed):
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, detailShuttingDown)
	case errors.Is(err, imagegen.ErrModelNotLoaded), errors.Is(err, imagegen.ErrPipelineClosed):
		writeError(w, http.StatusServiceUnavailable, detailModelNotLoaded)
	case errors.Is(err, imagegen.ErrEmptyPrompt):
		writeError(w, http.StatusBadRequest, detailEmptyPrompt)
	case errors.As(err, &reqErr):
		writeError(w, http.StatusBadRequest, reqErr.Detail)
	case errors.As(err, &genErr):
		writeError(w, http.StatusInternalServerError, "Error generating image: "+genErr.Error())
	default:
		s.logger.Error("Unexpected generation error",
			zap.Error(err),
			zap.String("request_id", RequestID(r.Context())),
		)
		writeError(w, http.StatusInternalServerError, "Error generating image: "+err.Error())
	}
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Generator.ModelInfo())
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string        `json:"status"`
	Device        string        `json:"device"`
	ModelLoaded   bool          `json:"model_loaded"`
	Version       string        `json:"version"`
	Uptime        string        `json:"uptime"`
	UptimeSeconds float64       `json:"uptime_seconds"`
	InFlight      int64         `json:"in_flight"`
	Memory        *MemoryStatus `json:"memory,omitempty"`
}

// MemoryStatus is host memory as reported by the OS.
type MemoryStatus struct {
	Total       string  `json:"total"`
	Available   string  `json:"available"`
	UsedPercent float64 `json:"used_percent"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}

	uptime := time.Since(s.startTime)
	resp := HealthResponse{
		Status:        "ok",
		Device:        s.deps.Generator.ModelInfo().Device,
		ModelLoaded:   s.deps.Generator.Loaded(),
		Version:       core.GetVersion(),
		Uptime:        FormatDuration(uptime),
		UptimeSeconds: uptime.Seconds(),
	}
	if s.deps.Stats != nil {
		resp.InFlight = s.deps.Stats.Snapshot(0).Generations.InFlight
	}
	if vm, err := mem.VirtualMemoryWithContext(r.Context()); err == nil {
		resp.Memory = &MemoryStatus{
			Total:       humanize.IBytes(vm.Total),
			Available:   humanize.IBytes(vm.Available),
			UsedPercent: vm.UsedPercent,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GenerationView is a history entry as returned by the API.
type GenerationView struct {
	ID             string  `json:"id"`
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Steps          int     `json:"num_inference_steps"`
	GuidanceScale  float64 `json:"guidance_scale"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Seed           int64   `json:"seed"`
	Backend        string  `json:"backend"`
	LoRAApplied    bool    `json:"lora_applied"`
	Status         string  `json:"status"`
	Error          string  `json:"error,omitempty"`
	// GenerationTime is wall time in seconds
	GenerationTime float64 `json:"generation_time"`
	ImageBytes     int64   `json:"image_bytes"`
	CreatedAt      string  `json:"created_at"`
}

func newGenerationView(rec core.GenerationRecord) GenerationView {
	return GenerationView{
		ID:             rec.ID,
		Prompt:         rec.Prompt,
		NegativePrompt: rec.NegativePrompt,
		Steps:          rec.Steps,
		GuidanceScale:  rec.GuidanceScale,
		Width:          rec.Width,
		Height:         rec.Height,
		Seed:           rec.Seed,
		Backend:        rec.Backend,
		LoRAApplied:    rec.LoRAApplied,
		Status:         rec.Status,
		Error:          rec.ErrorMessage,
		GenerationTime: rec.Duration.Seconds(),
		ImageBytes:     rec.ImageBytes,
		CreatedAt:      rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func newGenerationViews(records []core.GenerationRecord) []GenerationView {
	views := make([]GenerationView, 0, len(records))
	for _, rec := range records {
		views = append(views, newGenerationView(rec))
	}
	return views
}

// GenerationsResponse is the body of GET /api/generations.
type GenerationsResponse struct {
	Generations []GenerationView `json:"generations"`
	Count       int              `json:"count"`
}

func (s *Server) handleGenerations(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if s.deps.History == nil {
		writeError(w, http.StatusNotFound, "Generation history is disabled")
		return
	}

	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	records, err := s.deps.History.ListRecentGenerations(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list generations",
			zap.Error(err),
			zap.String("request_id", RequestID(r.Context())),
		)
		writeError(w, http.StatusInternalServerError, "Failed to read generation history")
		return
	}

	views := newGenerationViews(records)
	writeJSON(w, http.StatusOK, GenerationsResponse{Generations: views, Count: len(views)})
}

// parseLimit reads ?limit=, defaulting to 20 and clamping to 500.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		writeError(w, http.StatusUnprocessableEntity, "limit must be a positive integer")
		return 0, false
	}
	return min(limit, maxListLimit), true
}

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	Health        string                           `json:"health"`
	Version       string                           `json:"version"`
	Uptime        string                           `json:"uptime"`
	UptimeSeconds float64                          `json:"uptime_seconds"`
	ModelLoaded   bool                             `json:"model_loaded"`
	Total         int64                            `json:"total"`
	Success       int64                            `json:"success"`
	Errors        int64                            `json:"errors"`
	InFlight      int64                            `json:"in_flight"`
	SuccessRate   float64                          `json:"success_rate"`
	AvgSeconds    float64                          `json:"avg_generation_time"`
	LastSeconds   float64                          `json:"last_generation_time"`
	ByBackend     map[string]*metrics.BackendStats `json:"by_backend"`
	GPU           *metrics.GPUMetrics              `json:"gpu"`
	Recent        []GenerationView                 `json:"recent"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if s.deps.Stats == nil {
		writeError(w, http.StatusNotFound, "Statistics are disabled")
		return
	}

	writeJSON(w, http.StatusOK, newStatsResponse(s.deps.Stats.Snapshot(statsRecentLimit)))
}

func newStatsResponse(snap metrics.Snapshot) StatsResponse {
	return StatsResponse{
		Health:        snap.System.Health,
		Version:       snap.System.Version,
		Uptime:        FormatDuration(snap.System.Uptime),
		UptimeSeconds: snap.System.Uptime.Seconds(),
		ModelLoaded:   snap.System.ModelLoaded,
		Total:         snap.Generations.Total,
		Success:       snap.Generations.Success,
		Errors:        snap.Generations.Errors,
		InFlight:      snap.Generations.InFlight,
		SuccessRate:   snap.Generations.SuccessRate,
		AvgSeconds:    snap.Generations.AvgDuration.Seconds(),
		LastSeconds:   snap.Generations.LastDuration.Seconds(),
		ByBackend:     snap.Generations.ByBackend,
		GPU:           snap.GPU,
		Recent:        newGenerationViews(snap.Recent),
	}
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"sdlora_server/core"
	"sdlora_server/imagegen"
	"sdlora_server/metrics"
	"sdlora_server/shutdown"
)

type fakeGenerator struct {
	mu      sync.Mutex
	loaded  bool
	result  *imagegen.Result
	err     error
	panics  bool
	lastReq imagegen.Request
	calls   int
}

func (f *fakeGenerator) Generate(ctx context.Context, req imagegen.Request) (*imagegen.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastReq = req
	if f.panics {
		panic("boom")
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeGenerator) Loaded() bool { return f.loaded }

func (f *fakeGenerator) ModelInfo() imagegen.ModelInfo {
	return imagegen.ModelInfo{
		BaseModel:      core.DefaultBaseModel,
		LoRAAdapter:    "not_found",
		Device:         "cpu",
		RuntimeVersion: "stub-1",
		Backend:        "stub",
		Loaded:         f.loaded,
	}
}

type fakeHistory struct {
	records   []core.GenerationRecord
	err       error
	lastLimit int
}

func (f *fakeHistory) ListRecentGenerations(ctx context.Context, limit int) ([]core.GenerationRecord, error) {
	f.lastLimit = limit
	if f.err != nil {
		return nil, f.err
	}
	return f.records[:min(limit, len(f.records))], nil
}

type closedGuard struct{}

func (closedGuard) WrapOperation(ctx context.Context, name string, fn func(context.Context) error) error {
	return shutdown.ErrTrackerClosed
}

func okResult() *imagegen.Result {
	return &imagegen.Result{
		ID:          "gen-1",
		ImageBase64: "iVBORw0KGgo=",
		Seed:        42,
		Width:       512,
		Height:      512,
		StartedAt:   time.Now(),
		Duration:    1500 * time.Millisecond,
	}
}

func newTestServer(t *testing.T, config ServerConfig, deps Deps) http.Handler {
	t.Helper()
	if deps.Generator == nil {
		deps.Generator = &fakeGenerator{loaded: true, result: okResult()}
	}
	s, err := NewServer(config, deps, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s.Handler()
}

func do(h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %v (%q)", err, rec.Body.String())
	}
	return body
}

func TestNewServer_RequiresGenerator(t *testing.T) {
	if _, err := NewServer(DefaultServerConfig(), Deps{}, nil); err == nil {
		t.Fatal("expected error without a generator")
	}
}

func TestGenerate_Success(t *testing.T) {
	gen := &fakeGenerator{loaded: true, result: okResult()}
	h := newTestServer(t, DefaultServerConfig(), Deps{Generator: gen})

	rec := do(h, http.MethodPost, "/api/generate", `{"prompt":"a red fox","seed":42,"num_inference_steps":20,"unknown":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	body := decodeBody(t, rec)
	if body["success"] != true {
		t.Errorf("expected success true, got %v", body["success"])
	}
	if body["image_base64"] != "iVBORw0KGgo=" {
		t.Errorf("unexpected image_base64: %v", body["image_base64"])
	}
	if v, ok := body["error"]; !ok || v != nil {
		t.Errorf("expected error to be present and null, got %v (present=%v)", v, ok)
	}
	if body["generation_time"] != 1.5 {
		t.Errorf("expected generation_time 1.5, got %v", body["generation_time"])
	}
	if body["seed"] != float64(42) || body["id"] != "gen-1" {
		t.Errorf("unexpected seed/id: %v %v", body["seed"], body["id"])
	}
	if _, err := time.Parse(time.RFC3339Nano, body["timestamp"].(string)); err != nil {
		t.Errorf("timestamp is not ISO 8601: %v", err)
	}
	if want := gen.result.StartedAt.Format(time.RFC3339Nano); body["timestamp"] != want {
		t.Errorf("timestamp = %v, want generation start %s", body["timestamp"], want)
	}

	if gen.lastReq.Prompt != "a red fox" {
		t.Errorf("expected prompt to reach the generator, got %q", gen.lastReq.Prompt)
	}
	if gen.lastReq.Seed == nil || *gen.lastReq.Seed != 42 {
		t.Errorf("expected seed 42, got %v", gen.lastReq.Seed)
	}
	if gen.lastReq.NumInferenceSteps == nil || *gen.lastReq.NumInferenceSteps != 20 {
		t.Errorf("expected steps 20, got %v", gen.lastReq.NumInferenceSteps)
	}
	if gen.lastReq.GuidanceScale != nil {
		t.Errorf("omitted fields must stay nil, got %v", *gen.lastReq.GuidanceScale)
	}
}

func TestGenerate_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantDetail string
	}{
		{
			name:       "model not loaded",
			err:        imagegen.ErrModelNotLoaded,
			wantStatus: http.StatusServiceUnavailable,
			wantDetail: "Model not loaded. Please try again later.",
		},
		{
			name:       "pipeline closed",
			err:        fmt.Errorf("wrapped: %w", imagegen.ErrPipelineClosed),
			wantStatus: http.StatusServiceUnavailable,
			wantDetail: "Model not loaded. Please try again later.",
		},
		{
			name:       "empty prompt",
			err:        imagegen.ErrEmptyPrompt,
			wantStatus: http.StatusBadRequest,
			wantDetail: "Prompt cannot be empty",
		},
		{
			name:       "invalid parameters",
			err:        &imagegen.RequestError{Detail: "width 100 must be between 128 and 2048"},
			wantStatus: http.StatusBadRequest,
			wantDetail: "width 100 must be between 128 and 2048",
		},
		{
			name: "runtime failure",
			err: &imagegen.GenerationError{
				Code:    imagegen.CodeOutOfMemory,
				Message: "out of GPU memory",
				Cause:   errors.New("cuda malloc failed"),
			},
			wantStatus: http.StatusInternalServerError,
			wantDetail: "Error generating image: out of GPU memory: cuda malloc failed",
		},
		{
			name:       "unclassified failure",
			err:        errors.New("disk on fire"),
			wantStatus: http.StatusInternalServerError,
			wantDetail: "Error generating image: disk on fire",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(t, DefaultServerConfig(), Deps{Generator: &fakeGenerator{err: tt.err}})
			rec := do(h, http.MethodPost, "/api/generate", `{"prompt":"x"}`)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if got := decodeBody(t, rec)["detail"]; got != tt.wantDetail {
				t.Errorf("detail = %q, want %q", got, tt.wantDetail)
			}
		})
	}
}

func TestGenerate_BodyHandling(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"malformed JSON", `{"prompt":`, http.StatusUnprocessableEntity},
		{"syntax error", `{"prompt" "x"}`, http.StatusUnprocessableEntity},
		{"wrong type", `{"prompt":"x","width":"wide"}`, http.StatusUnprocessableEntity},
		{"two objects", `{"prompt":"x"}{"prompt":"y"}`, http.StatusUnprocessableEntity},
		{"too large", `{"prompt":"` + strings.Repeat("a", 2<<20) + `"}`, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &fakeGenerator{loaded: true, result: okResult()}
			h := newTestServer(t, DefaultServerConfig(), Deps{Generator: gen})
			rec := do(h, http.MethodPost, "/api/generate", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if decodeBody(t, rec)["detail"] == "" {
				t.Error("expected a detail message")
			}
			if gen.calls != 0 {
				t.Error("generator must not run for an undecodable body")
			}
		})
	}
}

func TestGenerate_PromptPresence(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCalls  int
	}{
		{"missing", `{"seed":1}`, http.StatusUnprocessableEntity, 0},
		{"null", `{"prompt":null}`, http.StatusUnprocessableEntity, 0},
		{"null body", `null`, http.StatusUnprocessableEntity, 0},
		{"empty string", `{"prompt":""}`, http.StatusBadRequest, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &fakeGenerator{loaded: true}
			if tt.wantCalls > 0 {
				gen.err = imagegen.ErrEmptyPrompt
			}
			h := newTestServer(t, DefaultServerConfig(), Deps{Generator: gen})
			rec := do(h, http.MethodPost, "/api/generate", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if gen.calls != tt.wantCalls {
				t.Errorf("generator calls = %d, want %d", gen.calls, tt.wantCalls)
			}
			if tt.wantStatus == http.StatusUnprocessableEntity {
				if got := decodeBody(t, rec)["detail"]; got != `Field "prompt" is required` {
					t.Errorf("unexpected detail %q", got)
				}
			}
		})
	}
}

func TestGenerate_MethodNotAllowed(t *testing.T) {
	h := newTestServer(t, DefaultServerConfig(), Deps{})
	rec := do(h, http.MethodGet, "/api/generate", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if got := rec.Header().Get("Allow"); got != http.MethodPost {
		t.Errorf("expected Allow: POST, got %q", got)
	}
}

func TestGenerate_ShuttingDown(t *testing.T) {
	gen := &fakeGenerator{loaded: true, result: okResult()}
	h := newTestServer(t, DefaultServerConfig(), Deps{Generator: gen, Guard: closedGuard{}})

	rec := do(h, http.MethodPost, "/api/generate", `{"prompt":"x"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After while shutting down")
	}
	if gen.calls != 0 {
		t.Error("generator must not run during shutdown")
	}
}

func TestGenerate_WithShutdownManager(t *testing.T) {
	mgr := shutdown.NewManager(nil)
	h := newTestServer(t, DefaultServerConfig(), Deps{Guard: mgr})

	if rec := do(h, http.MethodPost, "/api/generate", `{"prompt":"x"}`); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 before shutdown, got %d", rec.Code)
	}
	if err := mgr.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if rec := do(h, http.MethodPost, "/api/generate", `{"prompt":"x"}`); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after shutdown, got %d", rec.Code)
	}
}

func TestGenerate_PanicRecovered(t *testing.T) {
	h := newTestServer(t, DefaultServerConfig(), Deps{Generator: &fakeGenerator{panics: true}})
	rec := do(h, http.MethodPost, "/api/generate", `{"prompt":"x"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestModels(t *testing.T) {
	h := newTestServer(t, DefaultServerConfig(), Deps{})
	rec := do(h, http.MethodGet, "/api/models", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	body := decodeBody(t, rec)
	for _, key := range []string{"base_model", "lora_adapter", "device", "runtime_version", "cuda_available", "cuda_device"} {
		if _, ok := body[key]; !ok {
			t.Errorf("missing key %q", key)
		}
	}
	if body["cuda_device"] != nil {
		t.Errorf("expected null cuda_device, got %v", body["cuda_device"])
	}
	if body["base_model"] != core.DefaultBaseModel {
		t.Errorf("unexpected base_model %v", body["base_model"])
	}
}

func TestHealth(t *testing.T) {
	gen := &fakeGenerator{loaded: false}
	store := metrics.NewStore(metrics.DefaultStoreConfig(), time.Now())
	store.GenerationStarted()
	h := newTestServer(t, DefaultServerConfig(), Deps{Generator: gen, Stats: store})

	rec := do(h, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
	if body["model_loaded"] != false {
		t.Errorf("expected model_loaded false, got %v", body["model_loaded"])
	}
	if body["device"] != "cpu" {
		t.Errorf("expected device cpu, got %v", body["device"])
	}
	if body["in_flight"] != float64(1) {
		t.Errorf("expected in_flight 1, got %v", body["in_flight"])
	}
}

func TestGenerations(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	history := &fakeHistory{records: []core.GenerationRecord{
		{ID: "b", Prompt: "second", Status: core.GenerationStatusSuccess, Duration: 2 * time.Second, CreatedAt: created},
		{ID: "a", Prompt: "first", Status: core.GenerationStatusError, ErrorMessage: "oom", CreatedAt: created},
	}}
	h := newTestServer(t, DefaultServerConfig(), Deps{History: history})

	t.Run("default limit", func(t *testing.T) {
		rec := do(h, http.MethodGet, "/api/generations", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if history.lastLimit != defaultListLimit {
			t.Errorf("expected default limit %d, got %d", defaultListLimit, history.lastLimit)
		}

		var resp GenerationsResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if resp.Count != 2 || resp.Generations[0].ID != "b" {
			t.Errorf("unexpected response: %+v", resp)
		}
		if resp.Generations[0].GenerationTime != 2 {
			t.Errorf("expected generation_time 2, got %v", resp.Generations[0].GenerationTime)
		}
		if resp.Generations[1].Error != "oom" {
			t.Errorf("expected error message, got %q", resp.Generations[1].Error)
		}
		if resp.Generations[0].CreatedAt != "2024-05-01T12:00:00Z" {
			t.Errorf("unexpected created_at %q", resp.Generations[0].CreatedAt)
		}
	})

	t.Run("limit is clamped", func(t *testing.T) {
		do(h, http.MethodGet, "/api/generations?limit=100000", "")
		if history.lastLimit != maxListLimit {
			t.Errorf("expected clamp to %d, got %d", maxListLimit, history.lastLimit)
		}
	})

	t.Run("invalid limit", func(t *testing.T) {
		for _, q := range []string{"0", "-3", "ten"} {
			rec := do(h, http.MethodGet, "/api/generations?limit="+q, "")
			if rec.Code != http.StatusUnprocessableEntity {
				t.Errorf("limit=%s: expected 422, got %d", q, rec.Code)
			}
		}
	})

	t.Run("read failure", func(t *testing.T) {
		h := newTestServer(t, DefaultServerConfig(), Deps{History: &fakeHistory{err: errors.New("locked")}})
		if rec := do(h, http.MethodGet, "/api/generations", ""); rec.Code != http.StatusInternalServerError {
			t.Errorf("expected 500, got %d", rec.Code)
		}
	})

	t.Run("history disabled", func(t *testing.T) {
		h := newTestServer(t, DefaultServerConfig(), Deps{})
		if rec := do(h, http.MethodGet, "/api/generations", ""); rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})
}

func TestStats(t *testing.T) {
	store := metrics.NewStore(metrics.StoreConfig{Version: "1.0.0"}, time.Now())
	store.GenerationFinished(core.GenerationRecord{ID: "x", Status: core.GenerationStatusSuccess, Backend: "stub", Duration: 3 * time.Second})
	store.UpdateGPUMetrics(metrics.GPUMetrics{Utilization: 12})

	h := newTestServer(t, DefaultServerConfig(), Deps{Stats: store})
	rec := do(h, http.MethodGet, "/api/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp StatsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 1 || resp.Success != 1 || resp.SuccessRate != 100 {
		t.Errorf("unexpected counts: %+v", resp)
	}
	if resp.AvgSeconds != 3 {
		t.Errorf("expected avg 3s, got %v", resp.AvgSeconds)
	}
	if resp.GPU == nil || resp.GPU.Utilization != 12 {
		t.Errorf("expected GPU sample, got %+v", resp.GPU)
	}
	if len(resp.Recent) != 1 || resp.Recent[0].ID != "x" {
		t.Errorf("unexpected recent list: %+v", resp.Recent)
	}
	if resp.Version != "1.0.0" {
		t.Errorf("expected version 1.0.0, got %s", resp.Version)
	}
}

func TestNotFound(t *testing.T) {
	h := newTestServer(t, DefaultServerConfig(), Deps{})
	rec := do(h, http.MethodGet, "/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if decodeBody(t, rec)["detail"] != "Not Found" {
		t.Errorf("expected JSON detail")
	}
}

func TestCORS(t *testing.T) {
	t.Run("preflight echoes origin", func(t *testing.T) {
		h := newTestServer(t, DefaultServerConfig(), Deps{})
		rec := do(h, http.MethodOptions, "/api/generate", "",
			"Origin", "http://example.com",
			"Access-Control-Request-Method", "POST",
			"Access-Control-Request-Headers", "content-type",
		)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", rec.Code)
		}
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
			t.Errorf("expected echoed origin, got %q", got)
		}
		if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
			t.Errorf("expected credentials allowed, got %q", got)
		}
		if got := rec.Header().Get("Access-Control-Allow-Headers"); !strings.EqualFold(got, "content-type") {
			t.Errorf("expected requested headers allowed, got %q", got)
		}
	})

	t.Run("simple request", func(t *testing.T) {
		h := newTestServer(t, DefaultServerConfig(), Deps{})
		rec := do(h, http.MethodGet, "/api/models", "", "Origin", "http://example.com")
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
			t.Errorf("expected echoed origin, got %q", got)
		}
		if got := rec.Header().Get("Access-Control-Expose-Headers"); !strings.Contains(strings.ToLower(got), "x-request-id") {
			t.Errorf("expected request ID exposed, got %q", got)
		}
	})

	t.Run("trailing slash in allowlist", func(t *testing.T) {
		config := DefaultServerConfig()
		config.AllowedOrigins = []string{" https://app.example.com/ "}
		h := newTestServer(t, config, Deps{})

		rec := do(h, http.MethodOptions, "/api/generate", "",
			"Origin", "https://app.example.com",
			"Access-Control-Request-Method", "POST",
		)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", rec.Code)
		}
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
			t.Errorf("expected listed origin allowed, got %q", got)
		}
	})

	t.Run("allowlist", func(t *testing.T) {
		config := DefaultServerConfig()
		config.AllowedOrigins = []string{"https://app.example.com"}
		h := newTestServer(t, config, Deps{})

		rec := do(h, http.MethodGet, "/api/models", "", "Origin", "https://evil.example.com")
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("expected no CORS headers for unlisted origin, got %q", got)
		}
		rec = do(h, http.MethodGet, "/api/models", "", "Origin", "https://app.example.com")
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
			t.Errorf("expected listed origin allowed, got %q", got)
		}
	})
}

func TestRequestID(t *testing.T) {
	h := newTestServer(t, DefaultServerConfig(), Deps{})

	rec := do(h, http.MethodGet, "/api/models", "")
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected a generated request ID")
	}

	rec = do(h, http.MethodGet, "/health", "", RequestIDHeader, "abc-123")
	if got := rec.Header().Get(RequestIDHeader); got != "abc-123" {
		t.Errorf("expected client request ID echoed, got %q", got)
	}
}

func TestRateLimit(t *testing.T) {
	config := DefaultServerConfig()
	config.RateLimitPerMinute = 1
	config.RateLimitBurst = 1
	h := newTestServer(t, config, Deps{})

	if rec := do(h, http.MethodPost, "/api/generate", `{"prompt":"x"}`); rec.Code != http.StatusOK {
		t.Fatalf("expected first request allowed, got %d", rec.Code)
	}
	rec := do(h, http.MethodPost, "/api/generate", `{"prompt":"x"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	if rec := do(h, http.MethodGet, "/api/models", ""); rec.Code != http.StatusOK {
		t.Errorf("other routes must not be limited, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	collector := metrics.NewCollector(func() bool { return true })
	h := newTestServer(t, DefaultServerConfig(), Deps{Metrics: collector})

	do(h, http.MethodGet, "/api/models", "")
	do(h, http.MethodGet, "/does/not/exist", "")

	rec := do(h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	out := rec.Body.String()
	for _, want := range []string{
		`sdlora_http_requests_total{code="200",method="GET",route="/api/models"} 1`,
		`sdlora_http_requests_total{code="404",method="GET",route="other"} 1`,
		"sdlora_model_loaded 1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestServer_ServeAndShutdown(t *testing.T) {
	s, err := NewServer(DefaultServerConfig(), Deps{Generator: &fakeGenerator{loaded: true}}, nil)
	if err != nil {
		t.Fatal(err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
}

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"sdlora_server/api"
	"sdlora_server/core"
	"sdlora_server/logging"
	"sdlora_server/shutdown"
)

func createTestLoggerMain(t *testing.T) *logging.Logger {
	t.Helper()
	return logging.NewFromZap(zaptest.NewLogger(t))
}

// testConfig returns a local-backend configuration rooted in a temp dir.
// The checkpoint is not created.
func testConfig(t *testing.T) *core.Config {
	t.Helper()
	dir := t.TempDir()
	return &core.Config{
		Host:              "127.0.0.1",
		Port:              8000,
		ShutdownTimeout:   5 * time.Second,
		BaseModel:         core.DefaultBaseModel,
		ModelPath:         filepath.Join(dir, "models", "stable-diffusion-v1-5.safetensors"),
		LoRAAdapterPath:   filepath.Join(dir, "models", "adapter_model.safetensors"),
		LoRAConfigPath:    filepath.Join(dir, "models", "adapter_config.json"),
		Device:            core.DeviceCPU,
		DefaultSteps:      2,
		DefaultGuidance:   7.5,
		DefaultWidth:      128,
		DefaultHeight:     128,
		MaxConcurrent:     1,
		GenerationTimeout: 30 * time.Second,
		Backend:           core.BackendLocal,
		DatabasePath:      filepath.Join(dir, "data", "sdlora.db"),
		HistoryEnabled:    true,
	}
}

func writeCheckpoint(t *testing.T, path string, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestEnsureModelAvailable_ExistingFile(t *testing.T) {
	cfg := testConfig(t)
	writeCheckpoint(t, cfg.ModelPath, "weights")
	cfg.ModelURL = "http://127.0.0.1:1/never-requested"

	if err := ensureModelAvailable(context.Background(), createTestLoggerMain(t), cfg); err != nil {
		t.Fatalf("ensureModelAvailable returned %v", err)
	}
}

func TestEnsureModelAvailable_MissingWithoutURL(t *testing.T) {
	cfg := testConfig(t)

	err := ensureModelAvailable(context.Background(), createTestLoggerMain(t), cfg)
	if err == nil {
		t.Fatal("expected error for a missing checkpoint without SD_MODEL_URL")
	}
	if code := core.GetErrorCode(err); code != core.ErrCodeModelNotFound {
		t.Errorf("error code = %q, want %q", code, core.ErrCodeModelNotFound)
	}
}

func TestEnsureModelAvailable_Downloads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("checkpoint-bytes"))
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.ModelURL = srv.URL + "/model.safetensors"

	if err := ensureModelAvailable(context.Background(), createTestLoggerMain(t), cfg); err != nil {
		t.Fatalf("ensureModelAvailable returned %v", err)
	}
	data, err := os.ReadFile(cfg.ModelPath)
	if err != nil {
		t.Fatalf("checkpoint not written: %v", err)
	}
	if string(data) != "checkpoint-bytes" {
		t.Errorf("checkpoint content = %q", data)
	}
}

func TestEnsureModelAvailable_URLFromCatalog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("from-catalog"))
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.ModelCatalogPath = filepath.Join(t.TempDir(), "catalog.yaml")
	catalog := "models:\n" +
		"  - name: " + core.DefaultBaseModel + "\n" +
		"    url: " + srv.URL + "/v1-5.safetensors\n" +
		"    filename: other-name.safetensors\n"
	if err := os.WriteFile(cfg.ModelCatalogPath, []byte(catalog), 0644); err != nil {
		t.Fatal(err)
	}

	if err := ensureModelAvailable(context.Background(), createTestLoggerMain(t), cfg); err != nil {
		t.Fatalf("ensureModelAvailable returned %v", err)
	}
	data, err := os.ReadFile(cfg.ModelPath)
	if err != nil {
		t.Fatalf("checkpoint should be stored at SD_MODEL_PATH: %v", err)
	}
	if string(data) != "from-catalog" {
		t.Errorf("checkpoint content = %q", data)
	}
}

func TestEnsureModelAvailable_InvalidCatalog(t *testing.T) {
	cfg := testConfig(t)
	cfg.ModelCatalogPath = filepath.Join(t.TempDir(), "missing.yaml")

	err := ensureModelAvailable(context.Background(), createTestLoggerMain(t), cfg)
	if code := core.GetErrorCode(err); code != core.ErrCodeInvalidCatalog {
		t.Errorf("error code = %q, want %q (err=%v)", code, core.ErrCodeInvalidCatalog, err)
	}
}

func TestApplication_EndToEnd(t *testing.T) {
	cfg := testConfig(t)
	writeCheckpoint(t, cfg.ModelPath, "weights")
	logger := createTestLoggerMain(t)

	manager := shutdown.NewManager(logger.Zap(), shutdown.WithTimeout(5*time.Second))
	ctx := manager.Context()

	app, err := newApplication(ctx, cfg, logger, manager)
	if err != nil {
		t.Fatalf("newApplication returned %v", err)
	}
	handler := app.server.Handler()

	// Before the model is loaded generation is refused.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/generate", strings.NewReader(`{"prompt":"a lighthouse"}`)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("generate before load: status %d, want 503", rec.Code)
	}

	if err := app.pipeline.Load(ctx); err != nil {
		t.Fatalf("pipeline load: %v", err)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/generate",
		strings.NewReader(`{"prompt":"a lighthouse at dusk","seed":42}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("generate: status %d body %s", rec.Code, rec.Body.String())
	}
	var gen api.GenerateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &gen); err != nil {
		t.Fatalf("decode generate response: %v", err)
	}
	if !gen.Success || gen.ImageBase64 == "" || gen.Seed != 42 {
		t.Errorf("unexpected generate response: success=%v seed=%d image=%d bytes", gen.Success, gen.Seed, len(gen.ImageBase64))
	}

	// History is written asynchronously.
	var history api.GenerationsResponse
	deadline := time.Now().Add(3 * time.Second)
	for {
		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/generations", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("generations: status %d", rec.Code)
		}
		history = api.GenerationsResponse{}
		if err := json.Unmarshal(rec.Body.Bytes(), &history); err != nil {
			t.Fatalf("decode generations: %v", err)
		}
		if history.Count == 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if history.Count != 1 || history.Generations[0].ID != gen.ID {
		t.Fatalf("history = %+v, want the generated record", history)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `sdlora_generations_total{status="success"} 1`) {
		t.Errorf("metrics missing generation counter:\n%s", rec.Body.String())
	}

	if err := manager.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/generate", strings.NewReader(`{"prompt":"late"}`)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("generate after shutdown: status %d, want 503", rec.Code)
	}
}

func TestApplication_ModelLoadFailureStops(t *testing.T) {
	cfg := testConfig(t)
	cfg.HistoryEnabled = false
	// A directory where the checkpoint should be cannot be loaded.
	if err := os.MkdirAll(cfg.ModelPath, 0755); err != nil {
		t.Fatal(err)
	}
	logger := createTestLoggerMain(t)
	manager := shutdown.NewManager(logger.Zap())
	defer manager.Shutdown()

	app, err := newApplication(manager.Context(), cfg, logger, manager)
	if err != nil {
		t.Fatalf("newApplication returned %v", err)
	}

	app.loadPipeline(manager.Context())

	select {
	case <-manager.Context().Done():
	default:
		t.Fatal("load failure did not start shutdown")
	}
	if app.pipeline.Loaded() {
		t.Error("pipeline reports loaded after a failed load")
	}
	if code := app.exitCode(); code != core.ExitCodeError {
		t.Errorf("exit code = %d, want %d", code, core.ExitCodeError)
	}
}

func TestApplication_CanceledLoadKeepsExitCode(t *testing.T) {
	cfg := testConfig(t)
	cfg.HistoryEnabled = false
	writeCheckpoint(t, cfg.ModelPath, "weights")
	logger := createTestLoggerMain(t)
	manager := shutdown.NewManager(logger.Zap())
	defer manager.Shutdown()

	app, err := newApplication(manager.Context(), cfg, logger, manager)
	if err != nil {
		t.Fatalf("newApplication returned %v", err)
	}

	manager.Trigger("test")
	app.loadPipeline(manager.Context())

	if code := app.exitCode(); code != core.ExitCodeSuccess {
		t.Errorf("exit code = %d, want %d", code, core.ExitCodeSuccess)
	}
}

func TestApplication_HistoryDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.HistoryEnabled = false
	logger := createTestLoggerMain(t)
	manager := shutdown.NewManager(logger.Zap())

	app, err := newApplication(manager.Context(), cfg, logger, manager)
	if err != nil {
		t.Fatalf("newApplication returned %v", err)
	}

	rec := httptest.NewRecorder()
	app.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/generations", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("generations with history disabled: status %d, want 404", rec.Code)
	}
	if _, err := os.Stat(cfg.DatabasePath); !os.IsNotExist(err) {
		t.Error("database should not be created when history is disabled")
	}

	want := []string{"http-server", "events", "pipeline", "cleanup-downloads", "logger"}
	got := manager.RegisteredHandlers()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("shutdown handlers = %v, want %v", got, want)
	}
	_ = manager.Shutdown()
}

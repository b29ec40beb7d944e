package core

import (
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestGenerationRecord_MarshalLogObject(t *testing.T) {
	record := GenerationRecord{
		ID:            "9b2f6c1e-0000-4000-8000-000000000001",
		Prompt:        "a lighthouse at dusk",
		Steps:         25,
		GuidanceScale: 7.5,
		Width:         512,
		Height:        512,
		Seed:          42,
		Backend:       BackendLocal,
		LoRAApplied:   true,
		Status:        GenerationStatusSuccess,
		Duration:      1500 * time.Millisecond,
		ImageBytes:    123456,
	}

	enc := zapcore.NewMapObjectEncoder()
	if err := record.MarshalLogObject(enc); err != nil {
		t.Fatalf("MarshalLogObject: %v", err)
	}

	checks := map[string]interface{}{
		"id":             record.ID,
		"steps":          int64(25),
		"guidance_scale": 7.5,
		"seed":           int64(42),
		"backend":        BackendLocal,
		"lora_applied":   true,
		"status":         GenerationStatusSuccess,
		"duration":       1500 * time.Millisecond,
		"image_bytes":    int64(123456),
	}
	for key, want := range checks {
		if got := enc.Fields[key]; got != want {
			t.Errorf("field %q = %v (%T), want %v (%T)", key, got, got, want, want)
		}
	}

	if _, ok := enc.Fields["prompt"]; ok {
		t.Error("prompt must not be logged")
	}
	if _, ok := enc.Fields["error"]; ok {
		t.Error("error field should be omitted on success")
	}
}

func TestGenerationRecord_LogsError(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	record := GenerationRecord{ID: "abc", Status: GenerationStatusError, ErrorMessage: "backend unavailable"}
	logger.Info("generation finished", zap.Object("generation", record))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	gen, ok := fields["generation"].(map[string]interface{})
	if !ok {
		t.Fatalf("generation field = %T", fields["generation"])
	}
	if gen["error"] != "backend unavailable" || gen["status"] != GenerationStatusError {
		t.Errorf("unexpected generation fields: %v", gen)
	}
}

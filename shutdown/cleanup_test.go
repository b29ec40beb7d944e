package shutdown

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func writeFile(t *testing.T, path string, modTime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte("partial"), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	if err := os.Chtimes(path, modTime, modTime); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestCleanupStaleDownloads_RemovesOldPartsOnly(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	stale := filepath.Join(dir, "stable-diffusion-v1-5.safetensors.part")
	fresh := filepath.Join(dir, "lora.safetensors.part")
	model := filepath.Join(dir, "stable-diffusion-v1-5.safetensors")
	writeFile(t, stale, now.Add(-48*time.Hour))
	writeFile(t, fresh, now.Add(-time.Minute))
	writeFile(t, model, now.Add(-48*time.Hour))

	fn := CleanupStaleDownloads(zaptest.NewLogger(t), dir, 24*time.Hour)
	if err := fn(context.Background()); err != nil {
		t.Fatalf("cleanup returned %v", err)
	}

	if exists(stale) {
		t.Error("stale partial download should be removed")
	}
	if !exists(fresh) {
		t.Error("recent partial download should be kept for resume")
	}
	if !exists(model) {
		t.Error("completed checkpoint must never be removed")
	}
}

func TestCleanupStaleDownloads_ZeroMaxAgeRemovesAll(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.part"), time.Now())
	writeFile(t, filepath.Join(dir, "b.part"), time.Now())

	removed := removeStaleParts(context.Background(), zaptest.NewLogger(t), dir, 0, time.Now().Add(time.Second))
	if removed != 2 {
		t.Errorf("removed %d files, want 2", removed)
	}
}

func TestCleanupStaleDownloads_MissingDirectory(t *testing.T) {
	fn := CleanupStaleDownloads(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "missing"), time.Hour)
	if err := fn(context.Background()); err != nil {
		t.Errorf("missing directory should not be an error, got %v", err)
	}
}

func TestCleanupStaleDownloads_SkipsDirectories(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "odd.part")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}
	removed := removeStaleParts(context.Background(), zaptest.NewLogger(t), dir, 0, time.Now().Add(time.Hour))
	if removed != 0 || !exists(sub) {
		t.Error("directories matching the pattern should be left alone")
	}
}

func TestCleanupStaleDownloads_RespectsContextCancellation(t *testing.T) {
	dir := t.TempDir()
	old := time.Now().Add(-time.Hour)
	writeFile(t, filepath.Join(dir, "a.part"), old)
	writeFile(t, filepath.Join(dir, "b.part"), old)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if removed := removeStaleParts(ctx, zaptest.NewLogger(t), dir, 0, time.Now()); removed != 0 {
		t.Errorf("cancelled cleanup removed %d files", removed)
	}
}

type closerStub struct{ err error }

func (c *closerStub) Close() error { return c.err }

func TestCloserFunc(t *testing.T) {
	want := errors.New("close failed")
	if err := CloserFunc(&closerStub{err: want})(context.Background()); !errors.Is(err, want) {
		t.Errorf("CloserFunc error = %v, want %v", err, want)
	}
	if err := LoggerSync(zap.NewNop())(context.Background()); err != nil {
		t.Errorf("LoggerSync returned %v", err)
	}
}

func TestCleanupStaleDownloads_IntegrationWithManager(t *testing.T) {
	dir := t.TempDir()
	part := filepath.Join(dir, "model.safetensors.part")
	writeFile(t, part, time.Now().Add(-time.Hour))

	logger := zaptest.NewLogger(t)
	m := NewManager(logger)
	m.Register("cleanup-downloads", PriorityCleanup, CleanupStaleDownloads(logger, dir, time.Minute))
	if err := m.Shutdown(); err != nil {
		t.Fatalf("Shutdown returned %v", err)
	}
	if exists(part) {
		t.Error("stale partial download should be removed during shutdown")
	}
}

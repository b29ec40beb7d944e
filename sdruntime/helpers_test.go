package sdruntime

import (
	"os"
	"path/filepath"
	"testing"
)

// writeModel creates a placeholder checkpoint file and returns its path.
func writeModel(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.safetensors")
	if err := os.WriteFile(path, []byte("checkpoint"), 0644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	return path
}

func validParams() GenerateParams {
	p := DefaultParams()
	p.Prompt = "a lighthouse at dusk, oil painting"
	p.Width = 128
	p.Height = 128
	p.Steps = 20
	p.Seed = 42
	return p
}

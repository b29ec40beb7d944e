package sdruntime

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func TestVerifyModelChecksum(t *testing.T) {
	dir := t.TempDir()
	content := []byte("fake checkpoint bytes")
	sum := sha256.Sum256(content)
	digest := hex.EncodeToString(sum[:])

	path := filepath.Join(dir, "custom.safetensors")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}

	if err := VerifyModelChecksum(path, digest); err != nil {
		t.Errorf("matching digest: %v", err)
	}
	if err := VerifyModelChecksum(path, ""); err != nil {
		t.Errorf("unregistered file should pass: %v", err)
	}
	if err := VerifyModelChecksum(path, sha256Of("other")); !IsModelCorrupted(err) {
		t.Errorf("mismatch error = %v, want ErrModelCorrupted", err)
	}
	if err := VerifyModelChecksum(filepath.Join(dir, "missing"), ""); !IsModelNotFound(err) {
		t.Errorf("missing error = %v, want ErrModelNotFound", err)
	}

	RegisterModelChecksum("custom.safetensors", sha256Of("other"))
	defer func() {
		checksumsMu.Lock()
		delete(knownChecksums, "custom.safetensors")
		checksumsMu.Unlock()
	}()
	if err := VerifyModelChecksum(path, ""); !IsModelCorrupted(err) {
		t.Errorf("registry mismatch error = %v", err)
	}
}

func TestGetExpectedChecksum(t *testing.T) {
	if _, ok := GetExpectedChecksum("v1-5-pruned-emaonly.safetensors"); !ok {
		t.Error("SD 1.5 checksum should be registered")
	}
	if _, ok := GetExpectedChecksum("unknown.ckpt"); ok {
		t.Error("unknown file should not be registered")
	}
}

func sha256Of(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

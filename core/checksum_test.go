package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestVerifyChecksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adapter_model.safetensors")
	content := []byte("lora weights")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}
	digest := sha256Hex(content)

	ok, err := VerifyChecksum(path, strings.ToUpper(digest))
	if err != nil || !ok {
		t.Errorf("VerifyChecksum(upper) = %v, %v; want true, nil", ok, err)
	}

	ok, err = VerifyChecksum(path, sha256Hex([]byte("other")))
	if err != nil || ok {
		t.Errorf("VerifyChecksum(other) = %v, %v; want false, nil", ok, err)
	}

	if _, err := VerifyChecksum(path, "short"); err == nil {
		t.Error("expected error for short digest")
	}
	if _, err := VerifyChecksum(path, strings.Repeat("zz", 32)); err == nil {
		t.Error("expected error for non-hex digest")
	}
}

func TestComputeSHA256_Errors(t *testing.T) {
	if _, err := ComputeSHA256(""); err == nil {
		t.Error("expected error for empty path")
	}
	if _, err := ComputeSHA256(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestComputeSHA256(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")
	content := []byte(strings.Repeat("weights", 1000))
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}
	got, err := ComputeSHA256(path)
	if err != nil {
		t.Fatalf("ComputeSHA256: %v", err)
	}
	if got != sha256Hex(content) {
		t.Errorf("ComputeSHA256 = %s, want %s", got, sha256Hex(content))
	}
}

func TestValidateSHA256Hex(t *testing.T) {
	tests := []struct {
		digest  string
		wantErr bool
	}{
		{strings.Repeat("ab", 32), false},
		{strings.Repeat("AB", 32), false},
		{strings.Repeat("ab", 31), true},
		{strings.Repeat("zz", 32), true},
		{"", true},
	}
	for _, tt := range tests {
		if err := ValidateSHA256Hex(tt.digest); (err != nil) != tt.wantErr {
			t.Errorf("ValidateSHA256Hex(%q) error = %v, wantErr %v", tt.digest, err, tt.wantErr)
		}
	}
}

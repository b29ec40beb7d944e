package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// ValidateSHA256Hex checks that digest is 64 hex characters.
func ValidateSHA256Hex(digest string) error {
	if len(digest) != sha256.Size*2 {
		return fmt.Errorf("SHA256 digest must be %d hex characters, got %d", sha256.Size*2, len(digest))
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return fmt.Errorf("SHA256 digest is not hex: %w", err)
	}
	return nil
}

// ComputeSHA256 streams the file at path through SHA256 and returns the
// lowercase hex digest. Checkpoints run to several GB, so nothing is buffered.
func ComputeSHA256(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("checksum: empty path")
	}
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("checksum: %w", err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("checksum %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// VerifyChecksum reports whether the file at path hashes to expected.
// A malformed expected digest is an error, not a mismatch.
func VerifyChecksum(path, expected string) (bool, error) {
	if err := ValidateSHA256Hex(expected); err != nil {
		return false, err
	}
	actual, err := ComputeSHA256(path)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(actual, expected), nil
}

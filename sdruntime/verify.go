package sdruntime

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"sdlora_server/core"
)

// knownChecksums maps checkpoint filenames to their published SHA256.
var knownChecksums = map[string]string{
	// https://huggingface.co/runwayml/stable-diffusion-v1-5
	"v1-5-pruned-emaonly.safetensors": "6ce0161689b3853acaa03779ec93eafe75a02f4ced659bee03f50797806fa2fa",
}

var checksumsMu sync.RWMutex

// VerifyModelChecksum validates a checkpoint's SHA256. When expected is empty
// the registry is consulted by filename; unknown files pass unverified.
//
// Returns:
//   - nil if checksum matches or nothing is known about the file
//   - ErrModelNotFound if file doesn't exist
//   - ErrModelCorrupted if checksum mismatch
func VerifyModelChecksum(modelPath, expected string) error {
	if _, err := os.Stat(modelPath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrModelNotFound, modelPath)
		}
		return fmt.Errorf("failed to access model file: %w", err)
	}

	if expected == "" {
		var ok bool
		if expected, ok = GetExpectedChecksum(filepath.Base(modelPath)); !ok {
			return nil
		}
	}

	actual, err := core.ComputeSHA256(modelPath)
	if err != nil {
		return fmt.Errorf("failed to calculate checksum: %w", err)
	}
	if !strings.EqualFold(actual, expected) {
		return fmt.Errorf("%w: expected %s, got %s", ErrModelCorrupted, expected, actual)
	}
	return nil
}

// GetExpectedChecksum returns the registered SHA256 for a checkpoint filename.
func GetExpectedChecksum(modelName string) (string, bool) {
	checksumsMu.RLock()
	defer checksumsMu.RUnlock()
	checksum, ok := knownChecksums[modelName]
	return checksum, ok
}

// RegisterModelChecksum adds or updates a checkpoint checksum.
func RegisterModelChecksum(modelName, checksum string) {
	checksumsMu.Lock()
	defer checksumsMu.Unlock()
	knownChecksums[modelName] = strings.ToLower(checksum)
}

// IsModelCorrupted checks if an error indicates model corruption.
func IsModelCorrupted(err error) bool {
	return errors.Is(err, ErrModelCorrupted)
}

// IsModelNotFound checks if an error indicates a missing model file.
func IsModelNotFound(err error) bool {
	return errors.Is(err, ErrModelNotFound)
}

package validation

import (
	"fmt"
	"os"
)

// FileExistsError indicates a file does not exist with a descriptive message
type FileExistsError struct {
	Path    string
	Message string
}

func (e *FileExistsError) Error() string {
	return e.Message
}

// CheckFileExists checks if a regular file exists at the given path.
//
// Returns nil if the file exists, or a *FileExistsError describing the failure.
func CheckFileExists(path string) error {
	_, err := statFile(path)
	return err
}

// CheckNonEmptyFile is CheckFileExists plus a size check. A zero-byte
// checkpoint is what an interrupted copy leaves behind.
func CheckNonEmptyFile(path string) (int64, error) {
	info, err := statFile(path)
	if err != nil {
		return 0, err
	}
	if info.Size() == 0 {
		return 0, &FileExistsError{
			Path:    path,
			Message: fmt.Sprintf("file is empty: %s", path),
		}
	}
	return info.Size(), nil
}

func statFile(path string) (os.FileInfo, error) {
	if path == "" {
		return nil, &FileExistsError{
			Path:    path,
			Message: "file path cannot be empty",
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &FileExistsError{
				Path:    path,
				Message: fmt.Sprintf("file not found: %s", path),
			}
		}
		return nil, &FileExistsError{
			Path:    path,
			Message: fmt.Sprintf("error checking file %s: %v", path, err),
		}
	}

	if info.IsDir() {
		return nil, &FileExistsError{
			Path:    path,
			Message: fmt.Sprintf("path is a directory, not a file: %s", path),
		}
	}

	return info, nil
}

package core

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/disk"
)

// DefaultBufferPercent is the headroom required on top of a download's size.
const DefaultBufferPercent = 10

// DiskSpaceError indicates there is not enough free space for a download.
type DiskSpaceError struct {
	Path      string
	Required  int64
	Available int64
}

func (e *DiskSpaceError) Error() string {
	return fmt.Sprintf("insufficient disk space at %s: need %s, have %s",
		e.Path, humanize.IBytes(uint64(e.Required)), humanize.IBytes(uint64(e.Available)))
}

// FreeDiskSpace returns the bytes available on the filesystem holding path.
// Missing trailing components are walked up until an existing directory is found.
func FreeDiskSpace(path string) (int64, error) {
	dir, err := filepath.Abs(path)
	if err != nil {
		return 0, err
	}
	for {
		if _, statErr := os.Stat(dir); statErr == nil {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return 0, fmt.Errorf("no existing parent directory for %s", path)
		}
		dir = parent
	}

	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, fmt.Errorf("disk usage for %s: %w", dir, err)
	}
	return int64(usage.Free), nil
}

// CheckDiskSpaceForModel verifies that size bytes plus bufferPercent headroom
// fit in the filesystem holding dir.
func CheckDiskSpaceForModel(dir string, size int64, bufferPercent int) error {
	free, err := FreeDiskSpace(dir)
	if err != nil {
		return err
	}
	required := size + size*int64(bufferPercent)/100
	if free < required {
		return &DiskSpaceError{Path: dir, Required: required, Available: free}
	}
	return nil
}

package validation

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/disk"
)

// MinFreeDiskSpace is the free space below which the data directory check warns.
const MinFreeDiskSpace = 1 << 30

// DiskSpaceInfo contains information about disk space.
type DiskSpaceInfo struct {
	// Path is the existing directory that was measured
	Path        string
	Total       uint64
	Free        uint64
	UsedPercent float64
}

// String renders the info with human-readable sizes.
func (d DiskSpaceInfo) String() string {
	return fmt.Sprintf("%s free of %s (%.0f%% used)",
		humanize.IBytes(d.Free), humanize.IBytes(d.Total), d.UsedPercent)
}

// GetDiskSpace returns disk usage for the filesystem containing path.
// A path that does not exist yet is measured at its nearest existing parent.
func GetDiskSpace(path string) (*DiskSpaceInfo, error) {
	dir, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	for {
		if _, statErr := os.Stat(dir); statErr == nil {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, fmt.Errorf("no existing parent directory for %s", path)
		}
		dir = parent
	}

	usage, err := disk.Usage(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get disk usage for %s: %w", dir, err)
	}
	return &DiskSpaceInfo{
		Path:        dir,
		Total:       usage.Total,
		Free:        usage.Free,
		UsedPercent: usage.UsedPercent,
	}, nil
}

// CheckDiskSpace warns when less than minFree bytes are available at path.
func CheckDiskSpace(path string, minFree uint64) ValidationResult {
	info, err := GetDiskSpace(path)
	if err != nil {
		return ValidationResult{
			Valid:   true,
			Warning: true,
			Message: "Could not determine free disk space",
			Error:   err,
		}
	}
	if info.Free < minFree {
		return ValidationResult{
			Valid:   true,
			Warning: true,
			Message: fmt.Sprintf("Low disk space: %s (want at least %s)", info, humanize.IBytes(minFree)),
		}
	}
	return ValidationResult{Valid: true, Message: info.String()}
}

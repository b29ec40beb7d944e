package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
)

// ErrChecksumMismatch is returned when a finished download does not match its digest.
var ErrChecksumMismatch = errors.New("checksum mismatch: file may be corrupted")

// DownloadOptions configures the download behavior.
type DownloadOptions struct {
	URL      string
	DestPath string
	// ExpectedSHA256 is verified after the transfer when set (lowercase hex, 64 chars)
	ExpectedSHA256 string
	// HTTPClient defaults to a client without timeout; ctx handles cancellation
	HTTPClient *http.Client
	// OnProgress is called roughly every progressInterval bytes
	OnProgress func(ProgressInfo)
	// Resume continues from an existing DestPath+".part" file
	Resume bool
}

// DownloadResult contains information about a completed download.
type DownloadResult struct {
	BytesDownloaded int64
	TotalBytes      int64
	Resumed         bool
	ChecksumValid   bool
	Path            string
}

const progressInterval = 8 << 20

// DownloadWithProgress downloads a file into DestPath+".part" and renames it
// into place once the transfer (and checksum, if given) succeeds. A crash
// mid-download therefore never leaves a truncated checkpoint at DestPath.
func DownloadWithProgress(ctx context.Context, opts DownloadOptions) (*DownloadResult, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("URL is required")
	}
	if opts.DestPath == "" {
		return nil, fmt.Errorf("DestPath is required")
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	if err := os.MkdirAll(filepath.Dir(opts.DestPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create destination directory: %w", err)
	}
	partPath := opts.DestPath + ".part"

	var resumeFrom int64
	if opts.Resume {
		if info, err := os.Stat(partPath); err == nil {
			resumeFrom = info.Size()
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if resumeFrom > 0 {
		req.Header.Set("Range", BuildRangeHeader(resumeFrom))
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	var totalSize int64
	resumed := false

	switch resp.StatusCode {
	case http.StatusOK:
		totalSize = resp.ContentLength
		resumeFrom = 0
	case http.StatusPartialContent:
		resumed = true
		if _, _, total, parseErr := ParseContentRange(resp.Header.Get("Content-Range")); parseErr == nil && total > 0 {
			totalSize = total
		} else if resp.ContentLength > 0 {
			totalSize = resumeFrom + resp.ContentLength
		}
	case http.StatusRequestedRangeNotSatisfiable:
		// The partial file is either complete or garbage; start over.
		_ = os.Remove(partPath)
		opts.Resume = false
		return DownloadWithProgress(ctx, opts)
	default:
		return nil, fmt.Errorf("unexpected status code: %s", resp.Status)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if resumed {
		flags = os.O_APPEND | os.O_WRONLY
	}
	file, err := os.OpenFile(partPath, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open destination file: %w", err)
	}

	tracker := NewProgressTracker(totalSize)
	tracker.SetDownloaded(resumeFrom)
	reader := &progressReader{reader: resp.Body, tracker: tracker, onProgress: opts.OnProgress, lastCallback: resumeFrom}

	written, copyErr := io.Copy(file, reader)
	syncErr := file.Sync()
	closeErr := file.Close()
	switch {
	case copyErr != nil:
		return nil, fmt.Errorf("download interrupted: %w", copyErr)
	case syncErr != nil:
		return nil, fmt.Errorf("failed to sync file: %w", syncErr)
	case closeErr != nil:
		return nil, fmt.Errorf("failed to close file: %w", closeErr)
	}

	result := &DownloadResult{
		BytesDownloaded: written,
		TotalBytes:      totalSize,
		Resumed:         resumed,
		Path:            opts.DestPath,
	}

	if opts.ExpectedSHA256 != "" {
		valid, verifyErr := VerifyChecksum(partPath, opts.ExpectedSHA256)
		if verifyErr != nil {
			return nil, fmt.Errorf("checksum verification failed: %w", verifyErr)
		}
		if !valid {
			_ = os.Remove(partPath)
			return nil, ErrChecksumMismatch
		}
		result.ChecksumValid = true
	}

	if err := os.Rename(partPath, opts.DestPath); err != nil {
		return nil, fmt.Errorf("failed to move download into place: %w", err)
	}
	return result, nil
}

// progressReader wraps an io.Reader to track download progress.
type progressReader struct {
	reader       io.Reader
	tracker      *ProgressTracker
	onProgress   func(ProgressInfo)
	lastCallback int64
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	r.tracker.Update(int64(n))
	if r.onProgress != nil {
		downloaded := r.tracker.Downloaded()
		if downloaded-r.lastCallback >= progressInterval || err == io.EOF {
			r.onProgress(r.tracker.Progress())
			r.lastCallback = downloaded
		}
	}
	return n, err
}

package core

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// ProgressInfo is a snapshot of checkpoint download progress.
type ProgressInfo struct {
	// Total bytes to download (0 if unknown)
	Total      int64
	Downloaded int64
	// Percent complete (0-100, or -1 if total is unknown)
	Percent          float64
	SpeedBytesPerSec float64
	// ETA is zero when unknown or complete
	ETA     time.Duration
	Elapsed time.Duration
}

// String renders the snapshot for log lines, e.g. "1.2 GB / 4.3 GB (27.9%) at 48 MB/s".
func (p ProgressInfo) String() string {
	done := humanize.Bytes(uint64(p.Downloaded))
	speed := humanize.Bytes(uint64(p.SpeedBytesPerSec)) + "/s"
	if p.Total <= 0 {
		return done + " at " + speed
	}
	return done + " / " + humanize.Bytes(uint64(p.Total)) + " (" + humanize.FtoaWithDigits(p.Percent, 1) + "%) at " + speed
}

// ProgressTracker tracks download progress with thread-safe updates.
// Speed is an exponential moving average so log output stays readable.
type ProgressTracker struct {
	mu sync.RWMutex

	total          int64
	downloaded     int64
	startTime      time.Time
	lastUpdateTime time.Time
	lastDownloaded int64
	speedAvg       float64
	speedAlpha     float64
}

// NewProgressTracker creates a new progress tracker.
// total is the total bytes to download (use 0 if unknown).
func NewProgressTracker(total int64) *ProgressTracker {
	now := time.Now()
	return &ProgressTracker{
		total:          total,
		startTime:      now,
		lastUpdateTime: now,
		speedAlpha:     0.3,
	}
}

// Update adds n bytes to the downloaded count.
func (p *ProgressTracker) Update(n int64) {
	if n <= 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.downloaded += n
	p.updateSpeed()
}

// SetDownloaded sets the absolute downloaded byte count (used when resuming).
func (p *ProgressTracker) SetDownloaded(downloaded int64) {
	if downloaded < 0 {
		downloaded = 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.downloaded = downloaded
	p.lastDownloaded = downloaded
}

// updateSpeed must be called with mu held.
func (p *ProgressTracker) updateSpeed() {
	now := time.Now()
	elapsed := now.Sub(p.lastUpdateTime).Seconds()
	if elapsed < 0.1 {
		return
	}

	instant := float64(p.downloaded-p.lastDownloaded) / elapsed
	if p.speedAvg == 0 {
		p.speedAvg = instant
	} else {
		p.speedAvg = p.speedAlpha*instant + (1-p.speedAlpha)*p.speedAvg
	}
	p.lastUpdateTime = now
	p.lastDownloaded = p.downloaded
}

// Progress returns the current progress information.
func (p *ProgressTracker) Progress() ProgressInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	info := ProgressInfo{
		Total:            p.total,
		Downloaded:       p.downloaded,
		Percent:          -1,
		SpeedBytesPerSec: p.speedAvg,
		Elapsed:          time.Since(p.startTime),
	}

	if p.total > 0 {
		info.Percent = float64(p.downloaded) / float64(p.total) * 100
		if info.Percent > 100 {
			info.Percent = 100
		}
		if p.speedAvg > 0 && p.downloaded < p.total {
			remaining := float64(p.total - p.downloaded)
			info.ETA = time.Duration(remaining / p.speedAvg * float64(time.Second))
		}
	}
	return info
}

// Downloaded returns the current downloaded byte count.
func (p *ProgressTracker) Downloaded() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.downloaded
}

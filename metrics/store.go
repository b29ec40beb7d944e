package metrics

import (
	"sync"
	"time"

	"sdlora_server/core"
)

// Store is the in-memory record of recent generations, the latest GPU sample
// and process metadata. It satisfies imagegen.Observer so the pipeline can
// report into it directly.
//
// Usage:
//
//	store := NewStore(DefaultStoreConfig(), time.Now())
//	pipeline := imagegen.NewPipeline(cfg, logger, imagegen.WithObserver(store))
//	snap := store.Snapshot(10)
type Store struct {
	mu sync.RWMutex

	history []core.GenerationRecord
	histCap int
	head    int
	size    int

	total        int64
	success      int64
	errors       int64
	inFlight     int64
	successTime  time.Duration
	lastDuration time.Duration
	byBackend    map[string]*backendStats

	gpu    GPUMetrics
	hasGPU bool

	startTime   time.Time
	version     string
	modelLoaded func() bool
}

type backendStats struct {
	count        int64
	successCount int64
	successTime  time.Duration
}

// StoreConfig configures the Store behavior.
type StoreConfig struct {
	// HistoryCapacity is the max number of generations kept in memory
	HistoryCapacity int
	Version         string
	// ModelLoaded reports pipeline readiness; nil means always loaded
	ModelLoaded func() bool
}

// DefaultStoreConfig returns a default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		HistoryCapacity: 100,
		Version:         "0.0.0",
	}
}

// NewStore creates a Store. startTime is used to calculate uptime.
func NewStore(config StoreConfig, startTime time.Time) *Store {
	capacity := config.HistoryCapacity
	if capacity < 1 {
		capacity = 100
	}
	return &Store{
		history:     make([]core.GenerationRecord, capacity),
		histCap:     capacity,
		byBackend:   make(map[string]*backendStats),
		startTime:   startTime,
		version:     config.Version,
		modelLoaded: config.ModelLoaded,
	}
}

// GenerationStarted counts a request entering the backend.
func (s *Store) GenerationStarted() {
	s.mu.Lock()
	s.inFlight++
	s.mu.Unlock()
}

// GenerationFinished records a completed generation, successful or not.
func (s *Store) GenerationFinished(rec core.GenerationRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inFlight > 0 {
		s.inFlight--
	}

	s.history[s.head] = rec
	s.head = (s.head + 1) % s.histCap
	if s.size < s.histCap {
		s.size++
	}

	s.total++
	stats, ok := s.byBackend[rec.Backend]
	if !ok {
		stats = &backendStats{}
		s.byBackend[rec.Backend] = stats
	}
	stats.count++

	if rec.Status == core.GenerationStatusSuccess {
		s.success++
		s.successTime += rec.Duration
		s.lastDuration = rec.Duration
		stats.successCount++
		stats.successTime += rec.Duration
	} else {
		s.errors++
	}
}

// Stats returns aggregated generation statistics.
func (s *Store) Stats() GenerationStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statsLocked()
}

func (s *Store) statsLocked() GenerationStats {
	stats := GenerationStats{
		Total:        s.total,
		Success:      s.success,
		Errors:       s.errors,
		InFlight:     s.inFlight,
		SuccessRate:  percent(s.success, s.total),
		AvgDuration:  average(s.successTime, s.success),
		LastDuration: s.lastDuration,
		ByBackend:    make(map[string]*BackendStats, len(s.byBackend)),
	}
	for name, b := range s.byBackend {
		stats.ByBackend[name] = &BackendStats{
			Count:       b.count,
			SuccessRate: percent(b.successCount, b.count),
			AvgDuration: average(b.successTime, b.successCount),
		}
	}
	return stats
}

// Recent returns up to limit generations, newest first.
func (s *Store) Recent(limit int) []core.GenerationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recentLocked(limit)
}

func (s *Store) recentLocked(limit int) []core.GenerationRecord {
	if limit <= 0 || s.size == 0 {
		return []core.GenerationRecord{}
	}
	limit = min(limit, s.size)

	result := make([]core.GenerationRecord, limit)
	for i := 0; i < limit; i++ {
		idx := (s.head - 1 - i + s.histCap) % s.histCap
		result[i] = s.history[idx]
	}
	return result
}

// UpdateGPUMetrics replaces the GPU snapshot. Used as the GPUCollector callback.
func (s *Store) UpdateGPUMetrics(gpu GPUMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gpu = gpu
	s.hasGPU = true
}

// GPUMetrics returns the latest GPU sample and whether one was ever taken.
func (s *Store) GPUMetrics() (GPUMetrics, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gpu, s.hasGPU
}

// SystemStatus returns the overall service health.
func (s *Store) SystemStatus() SystemStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.systemLocked()
}

func (s *Store) systemLocked() SystemStatus {
	loaded := s.modelLoaded == nil || s.modelLoaded()

	health := SystemHealthRunning
	switch {
	case !loaded:
		health = SystemHealthLoading
	case s.total >= minSamplesForDegraded && percent(s.success, s.total) < degradedSuccessRate:
		health = SystemHealthDegraded
	}

	return SystemStatus{
		Health:      health,
		Version:     s.version,
		Uptime:      time.Since(s.startTime),
		ModelLoaded: loaded,
		LastCheck:   time.Now(),
	}
}

// Snapshot returns system status, generation stats, the GPU sample and the
// limit most recent generations under a single lock.
func (s *Store) Snapshot(limit int) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		System:      s.systemLocked(),
		Generations: s.statsLocked(),
		Recent:      s.recentLocked(limit),
	}
	if s.hasGPU {
		gpu := s.gpu
		snap.GPU = &gpu
	}
	return snap
}

const (
	minSamplesForDegraded = 10
	degradedSuccessRate   = 50.0
)

func percent(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

func average(sum time.Duration, n int64) time.Duration {
	if n == 0 {
		return 0
	}
	return sum / time.Duration(n)
}

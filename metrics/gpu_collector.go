package metrics

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// GPUReader reads one GPU sample. Implementations return an error when the
// GPU is unavailable; the collector treats that as "no data", not a failure.
type GPUReader interface {
	ReadGPUMetrics(ctx context.Context) (GPUMetrics, error)
}

// GPUCollectorConfig configures the GPUCollector behavior.
type GPUCollectorConfig struct {
	// CollectionInterval is how often to collect GPU metrics
	CollectionInterval time.Duration

	// HistorySize is the number of samples to retain (720 = 1 hour at 5s intervals)
	HistorySize int

	// NvidiaSMIPath is used when NVML is unavailable. Empty means "nvidia-smi" on PATH.
	NvidiaSMIPath string

	// DeviceIndex selects the GPU to sample
	DeviceIndex int
}

// DefaultGPUCollectorConfig returns a default configuration.
func DefaultGPUCollectorConfig() GPUCollectorConfig {
	return GPUCollectorConfig{
		CollectionInterval: 5 * time.Second,
		HistorySize:        720,
		NvidiaSMIPath:      "nvidia-smi",
	}
}

// GPUCollector periodically samples a GPUReader and keeps a ring of samples.
type GPUCollector struct {
	mu sync.RWMutex

	config GPUCollectorConfig
	reader GPUReader
	logger *zap.Logger

	history  []GPUMetrics
	histHead int
	histSize int
	histCap  int

	lastMetrics GPUMetrics
	available   bool
	lastError   error
	reported    bool

	onMetrics func(GPUMetrics)

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewGPUCollector creates a GPUCollector. A nil reader selects NVML when the
// binary was built with cgo and the driver library loads, nvidia-smi otherwise.
// onMetrics is invoked after every successful sample.
func NewGPUCollector(config GPUCollectorConfig, reader GPUReader, logger *zap.Logger, onMetrics func(GPUMetrics)) *GPUCollector {
	if config.CollectionInterval < time.Second {
		config.CollectionInterval = 5 * time.Second
	}
	if config.HistorySize < 1 {
		config.HistorySize = 720
	}
	if config.NvidiaSMIPath == "" {
		config.NvidiaSMIPath = "nvidia-smi"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("gpu")

	if reader == nil {
		reader = DefaultGPUReader(config, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &GPUCollector{
		config:    config,
		reader:    reader,
		logger:    logger,
		history:   make([]GPUMetrics, config.HistorySize),
		histCap:   config.HistorySize,
		onMetrics: onMetrics,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// DefaultGPUReader returns an NVML reader if one can be opened and an
// nvidia-smi reader otherwise.
func DefaultGPUReader(config GPUCollectorConfig, logger *zap.Logger) GPUReader {
	reader, err := newNVMLReader(config.DeviceIndex)
	if err == nil {
		logger.Debug("Using NVML for GPU metrics")
		return reader
	}
	logger.Debug("NVML unavailable, falling back to nvidia-smi", zap.Error(err))
	return &NvidiaSMIReader{Path: config.NvidiaSMIPath, DeviceIndex: config.DeviceIndex}
}

// Start begins periodic collection in a background goroutine.
func (c *GPUCollector) Start() {
	c.wg.Add(1)
	go c.collectLoop()
}

// Stop halts collection, waits for the goroutine and releases the reader.
// It is safe to call more than once.
func (c *GPUCollector) Stop() {
	c.stopOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
		if closer, ok := c.reader.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				c.logger.Warn("Failed to release GPU reader", zap.Error(err))
			}
		}
	})
}

// IsAvailable returns true if the last sample succeeded.
func (c *GPUCollector) IsAvailable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.available
}

// GetLastError returns the most recent collection error, nil after a success.
func (c *GPUCollector) GetLastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastError
}

// GetCurrentMetrics returns the most recently collected GPU metrics.
func (c *GPUCollector) GetCurrentMetrics() GPUMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastMetrics
}

// GetHistory returns the last limit samples, oldest first.
func (c *GPUCollector) GetHistory(limit int) []GPUMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if limit <= 0 || c.histSize == 0 {
		return []GPUMetrics{}
	}
	limit = min(limit, c.histSize)

	result := make([]GPUMetrics, limit)
	for i := 0; i < limit; i++ {
		idx := (c.histHead - limit + i + c.histCap) % c.histCap
		result[i] = c.history[idx]
	}
	return result
}

// GetHistorySize returns the current number of samples in history.
func (c *GPUCollector) GetHistorySize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.histSize
}

func (c *GPUCollector) collectLoop() {
	defer c.wg.Done()

	c.collectOnce()

	ticker := time.NewTicker(c.config.CollectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.collectOnce()
		}
	}
}

func (c *GPUCollector) collectOnce() {
	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	metrics, err := c.reader.ReadGPUMetrics(ctx)
	cancel()

	if err == nil && metrics.SampledAt.IsZero() {
		metrics.SampledAt = time.Now()
	}

	c.mu.Lock()
	wasAvailable, firstSample := c.available, !c.reported
	c.reported = true
	if err != nil {
		c.available = false
		c.lastError = err
	} else {
		c.available = true
		c.lastError = nil
		c.lastMetrics = metrics

		c.history[c.histHead] = metrics
		c.histHead = (c.histHead + 1) % c.histCap
		if c.histSize < c.histCap {
			c.histSize++
		}
	}
	c.mu.Unlock()

	switch {
	case err != nil && (wasAvailable || firstSample):
		if !errors.Is(err, context.Canceled) {
			c.logger.Info("GPU metrics unavailable", zap.Error(err))
		}
	case err == nil && !wasAvailable:
		c.logger.Info("GPU metrics available", zap.String("device", metrics.Name))
	}

	if c.onMetrics != nil && err == nil {
		c.onMetrics(metrics)
	}
}

// NvidiaSMIReader samples a GPU by shelling out to nvidia-smi.
type NvidiaSMIReader struct {
	Path        string
	DeviceIndex int
}

// ReadGPUMetrics implements GPUReader.
func (r *NvidiaSMIReader) ReadGPUMetrics(ctx context.Context) (GPUMetrics, error) {
	path := r.Path
	if path == "" {
		path = "nvidia-smi"
	}
	cmd := exec.CommandContext(ctx, path,
		"--id="+strconv.Itoa(r.DeviceIndex),
		"--query-gpu=utilization.gpu,temperature.gpu,memory.used,memory.total,name",
		"--format=csv,noheader,nounits")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return GPUMetrics{}, fmt.Errorf("nvidia-smi failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	return parseNvidiaSMIOutput(stdout.String())
}

// parseNvidiaSMIOutput parses one CSV line of
// utilization, temperature, memory used (MiB), memory total (MiB)[, name].
func parseNvidiaSMIOutput(output string) (GPUMetrics, error) {
	output = strings.TrimSpace(output)
	if output == "" {
		return GPUMetrics{}, fmt.Errorf("empty nvidia-smi output")
	}

	reader := csv.NewReader(strings.NewReader(output))
	reader.FieldsPerRecord = -1
	record, err := reader.Read()
	if err != nil {
		return GPUMetrics{}, fmt.Errorf("failed to parse CSV: %w", err)
	}
	if len(record) < 4 {
		return GPUMetrics{}, fmt.Errorf("unexpected field count: got %d, expected 4", len(record))
	}

	fields := [4]float64{}
	names := [4]string{"utilization", "temperature", "memory used", "memory total"}
	for i := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(record[i]), 64)
		if err != nil {
			return GPUMetrics{}, fmt.Errorf("failed to parse %s: %w", names[i], err)
		}
		fields[i] = v
	}

	const mibToBytes = 1024 * 1024
	memUsed := int64(fields[2] * mibToBytes)
	memTotal := int64(fields[3] * mibToBytes)

	metrics := GPUMetrics{
		Utilization: fields[0],
		Temperature: fields[1],
		MemoryTotal: memTotal,
		MemoryUsed:  memUsed,
		MemoryFree:  memTotal - memUsed,
	}
	if len(record) > 4 {
		metrics.Name = strings.TrimSpace(record[4])
	}
	return metrics, nil
}

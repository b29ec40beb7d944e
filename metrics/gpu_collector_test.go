package metrics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeGPUReader struct {
	mu      sync.Mutex
	metrics GPUMetrics
	err     error
	calls   int
	closed  bool
}

func (f *fakeGPUReader) ReadGPUMetrics(ctx context.Context) (GPUMetrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return GPUMetrics{}, f.err
	}
	return f.metrics, nil
}

func (f *fakeGPUReader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeGPUReader) set(m GPUMetrics, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics, f.err = m, err
}

func TestDefaultGPUCollectorConfig(t *testing.T) {
	config := DefaultGPUCollectorConfig()
	if config.CollectionInterval != 5*time.Second {
		t.Errorf("expected CollectionInterval 5s, got %v", config.CollectionInterval)
	}
	if config.HistorySize != 720 {
		t.Errorf("expected HistorySize 720, got %d", config.HistorySize)
	}
	if config.NvidiaSMIPath != "nvidia-smi" {
		t.Errorf("expected NvidiaSMIPath 'nvidia-smi', got %s", config.NvidiaSMIPath)
	}
}

func TestNewGPUCollector_Defaults(t *testing.T) {
	c := NewGPUCollector(GPUCollectorConfig{CollectionInterval: time.Millisecond}, &fakeGPUReader{}, nil, nil)
	defer c.Stop()

	if c.config.CollectionInterval != 5*time.Second {
		t.Errorf("expected interval clamped to 5s, got %v", c.config.CollectionInterval)
	}
	if c.config.HistorySize != 720 {
		t.Errorf("expected default history 720, got %d", c.config.HistorySize)
	}
}

func TestGPUCollector_CollectOnce(t *testing.T) {
	reader := &fakeGPUReader{metrics: GPUMetrics{Name: "RTX", Utilization: 10, MemoryTotal: 100}}

	var got []GPUMetrics
	c := NewGPUCollector(GPUCollectorConfig{HistorySize: 2}, reader, nil, func(m GPUMetrics) {
		got = append(got, m)
	})
	defer c.Stop()

	c.collectOnce()
	if !c.IsAvailable() {
		t.Fatal("expected GPU available after a successful read")
	}
	if len(got) != 1 || got[0].Utilization != 10 {
		t.Fatalf("expected callback with sample, got %+v", got)
	}
	if got[0].SampledAt.IsZero() {
		t.Error("expected SampledAt to be stamped")
	}

	reader.set(GPUMetrics{Utilization: 20}, nil)
	c.collectOnce()
	reader.set(GPUMetrics{Utilization: 30}, nil)
	c.collectOnce()

	history := c.GetHistory(10)
	if len(history) != 2 {
		t.Fatalf("expected history capped at 2, got %d", len(history))
	}
	if history[0].Utilization != 20 || history[1].Utilization != 30 {
		t.Errorf("expected oldest-first [20 30], got [%v %v]", history[0].Utilization, history[1].Utilization)
	}
	if c.GetCurrentMetrics().Utilization != 30 {
		t.Errorf("expected current 30, got %v", c.GetCurrentMetrics().Utilization)
	}
}

func TestGPUCollector_UnavailableIsNotFatal(t *testing.T) {
	obsCore, logs := observer.New(zapcore.InfoLevel)
	reader := &fakeGPUReader{err: errors.New("no device")}

	called := false
	c := NewGPUCollector(DefaultGPUCollectorConfig(), reader, zap.New(obsCore), func(GPUMetrics) { called = true })
	defer c.Stop()

	c.collectOnce()
	c.collectOnce()

	if c.IsAvailable() {
		t.Error("expected GPU unavailable")
	}
	if c.GetLastError() == nil {
		t.Error("expected last error to be recorded")
	}
	if called {
		t.Error("callback must not run for failed reads")
	}
	if c.GetHistorySize() != 0 {
		t.Errorf("failed reads must not enter history, got %d", c.GetHistorySize())
	}
	if n := logs.FilterMessage("GPU metrics unavailable").Len(); n != 1 {
		t.Errorf("expected unavailability logged once, got %d", n)
	}

	reader.set(GPUMetrics{Utilization: 5}, nil)
	c.collectOnce()
	if !c.IsAvailable() || c.GetLastError() != nil {
		t.Error("expected recovery after a successful read")
	}
	if n := logs.FilterMessage("GPU metrics available").Len(); n != 1 {
		t.Errorf("expected recovery logged once, got %d", n)
	}
}

func TestGPUCollector_StartStop(t *testing.T) {
	reader := &fakeGPUReader{metrics: GPUMetrics{Utilization: 1}}
	done := make(chan struct{}, 1)
	c := NewGPUCollector(DefaultGPUCollectorConfig(), reader, nil, func(GPUMetrics) {
		select {
		case done <- struct{}{}:
		default:
		}
	})

	c.Start()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected an immediate sample on Start")
	}

	c.Stop()
	c.Stop()

	reader.mu.Lock()
	defer reader.mu.Unlock()
	if !reader.closed {
		t.Error("expected Stop to close the reader")
	}
}

func TestParseNvidiaSMIOutput(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    GPUMetrics
		wantErr bool
	}{
		{
			name:  "four fields",
			input: "45, 67, 2048, 8192\n",
			want: GPUMetrics{
				Utilization: 45,
				Temperature: 67,
				MemoryUsed:  2048 << 20,
				MemoryTotal: 8192 << 20,
				MemoryFree:  6144 << 20,
			},
		},
		{
			name:  "with device name",
			input: "0, 35, 0, 24564, NVIDIA GeForce RTX 4090",
			want: GPUMetrics{
				Name:        "NVIDIA GeForce RTX 4090",
				Temperature: 35,
				MemoryTotal: 24564 << 20,
				MemoryFree:  24564 << 20,
			},
		},
		{name: "empty", input: "  \n", wantErr: true},
		{name: "too few fields", input: "1, 2, 3", wantErr: true},
		{name: "not a number", input: "N/A, 2, 3, 4", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseNvidiaSMIOutput(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestNvidiaSMIReader_MissingBinary(t *testing.T) {
	r := &NvidiaSMIReader{Path: "/nonexistent/nvidia-smi"}
	if _, err := r.ReadGPUMetrics(context.Background()); err == nil {
		t.Error("expected error for missing nvidia-smi")
	}
}

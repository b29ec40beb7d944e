//go:build cgo && linux

package metrics

import (
	"context"
	"fmt"
	"sync"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// nvmlReader samples a GPU through libnvidia-ml. The library is loaded at
// runtime, so binaries built with cgo still start on hosts without a driver.
type nvmlReader struct {
	mu     sync.Mutex
	device nvml.Device
	name   string
	closed bool
}

func newNVMLReader(index int) (GPUReader, error) {
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return nil, fmt.Errorf("nvml init: %s", nvml.ErrorString(ret))
	}

	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		nvml.Shutdown()
		return nil, fmt.Errorf("nvml device count: %s", nvml.ErrorString(ret))
	}
	if index < 0 || index >= count {
		nvml.Shutdown()
		return nil, fmt.Errorf("nvml: device %d not present (%d devices)", index, count)
	}

	device, ret := nvml.DeviceGetHandleByIndex(index)
	if ret != nvml.SUCCESS {
		nvml.Shutdown()
		return nil, fmt.Errorf("nvml device %d: %s", index, nvml.ErrorString(ret))
	}
	name, ret := device.GetName()
	if ret != nvml.SUCCESS {
		name = ""
	}
	return &nvmlReader{device: device, name: name}, nil
}

func (r *nvmlReader) ReadGPUMetrics(ctx context.Context) (GPUMetrics, error) {
	if err := ctx.Err(); err != nil {
		return GPUMetrics{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return GPUMetrics{}, fmt.Errorf("nvml reader closed")
	}

	util, ret := r.device.GetUtilizationRates()
	if ret != nvml.SUCCESS {
		return GPUMetrics{}, fmt.Errorf("nvml utilization: %s", nvml.ErrorString(ret))
	}
	mem, ret := r.device.GetMemoryInfo()
	if ret != nvml.SUCCESS {
		return GPUMetrics{}, fmt.Errorf("nvml memory info: %s", nvml.ErrorString(ret))
	}
	temp, ret := r.device.GetTemperature(nvml.TEMPERATURE_GPU)
	if ret != nvml.SUCCESS {
		return GPUMetrics{}, fmt.Errorf("nvml temperature: %s", nvml.ErrorString(ret))
	}

	return GPUMetrics{
		Name:        r.name,
		Utilization: float64(util.Gpu),
		Temperature: float64(temp),
		MemoryTotal: int64(mem.Total),
		MemoryUsed:  int64(mem.Used),
		MemoryFree:  int64(mem.Free),
	}, nil
}

func (r *nvmlReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if ret := nvml.Shutdown(); ret != nvml.SUCCESS {
		return fmt.Errorf("nvml shutdown: %s", nvml.ErrorString(ret))
	}
	return nil
}

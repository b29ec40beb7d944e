package sdruntime

import (
	"fmt"
	"strings"
)

// Device is the compute device a context runs on.
type Device string

const (
	DeviceCUDA Device = "cuda"
	DeviceCPU  Device = "cpu"
)

// DeviceInfo describes the runtime as reported by /api/models and /health.
type DeviceInfo struct {
	Device        Device `json:"device"`
	CUDAAvailable bool   `json:"cuda_available"`
	// CUDADevice is the GPU name, empty without CUDA
	CUDADevice string `json:"cuda_device,omitempty"`
	// Backend names the linked runtime ("stable-diffusion.cpp" or "stub")
	Backend string `json:"backend"`
	Version string `json:"runtime_version"`
}

// DetectDevice resolves a preference ("auto", "cuda" or "cpu") against the
// linked runtime. "auto" picks CUDA when available; an explicit "cuda" without
// CUDA support is an error.
func DetectDevice(preference string) (Device, error) {
	switch strings.ToLower(strings.TrimSpace(preference)) {
	case "", "auto":
		if cudaAvailableImpl() {
			return DeviceCUDA, nil
		}
		return DeviceCPU, nil
	case "cuda", "gpu":
		if !cudaAvailableImpl() {
			return DeviceCPU, ErrCUDANotAvailable
		}
		return DeviceCUDA, nil
	case "cpu":
		return DeviceCPU, nil
	default:
		return DeviceCPU, fmt.Errorf("%w: unknown device %q", ErrInvalidParams, preference)
	}
}

// Info returns the runtime description for device.
func Info(device Device) DeviceInfo {
	info := DeviceInfo{
		Device:        device,
		CUDAAvailable: cudaAvailableImpl(),
		Backend:       GetBackendInfo(),
		Version:       RuntimeVersion(),
	}
	if info.CUDAAvailable {
		info.CUDADevice = cudaDeviceNameImpl()
	}
	return info
}

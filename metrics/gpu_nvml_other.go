//go:build !cgo || !linux

package metrics

import "errors"

func newNVMLReader(int) (GPUReader, error) {
	return nil, errors.New("nvml requires a cgo build on linux")
}

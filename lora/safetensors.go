package lora

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
)

// MaxHeaderSize bounds the JSON header of a safetensors file.
const MaxHeaderSize = 100 << 20

// ErrInvalidSafetensors is wrapped by every header parsing failure.
var ErrInvalidSafetensors = errors.New("invalid safetensors file")

// TensorInfo describes one tensor entry of the header.
type TensorInfo struct {
	Name        string
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// Header is the parsed safetensors header.
type Header struct {
	Tensors  []TensorInfo
	Metadata map[string]string
	// DataSize is the byte length of the tensor data following the header
	DataSize int64
}

// ReadSafetensorsHeader reads the header of the file at path: an 8-byte
// little-endian length followed by that many bytes of JSON. Tensor data is
// not read.
func ReadSafetensorsHeader(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return ParseSafetensorsHeader(f, info.Size())
}

// ParseSafetensorsHeader parses a header from r, where fileSize is the total
// size of the file r reads from.
func ParseSafetensorsHeader(r io.Reader, fileSize int64) (*Header, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: short length prefix", ErrInvalidSafetensors)
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	if headerLen == 0 || headerLen > MaxHeaderSize {
		return nil, fmt.Errorf("%w: header length %d out of range", ErrInvalidSafetensors, headerLen)
	}
	if fileSize > 0 && int64(headerLen)+8 > fileSize {
		return nil, fmt.Errorf("%w: header length %d exceeds file size", ErrInvalidSafetensors, headerLen)
	}

	raw := make([]byte, headerLen)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("%w: truncated header", ErrInvalidSafetensors)
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSafetensors, err)
	}

	h := &Header{Metadata: map[string]string{}}
	for name, value := range entries {
		if name == "__metadata__" {
			if err := json.Unmarshal(value, &h.Metadata); err != nil {
				return nil, fmt.Errorf("%w: metadata: %v", ErrInvalidSafetensors, err)
			}
			continue
		}

		var t TensorInfo
		if err := json.Unmarshal(value, &t); err != nil {
			return nil, fmt.Errorf("%w: tensor %s: %v", ErrInvalidSafetensors, name, err)
		}
		if t.DataOffsets[1] < t.DataOffsets[0] {
			return nil, fmt.Errorf("%w: tensor %s has inverted offsets", ErrInvalidSafetensors, name)
		}
		t.Name = name
		if t.DataOffsets[1] > h.DataSize {
			h.DataSize = t.DataOffsets[1]
		}
		h.Tensors = append(h.Tensors, t)
	}

	if fileSize > 0 && 8+int64(headerLen)+h.DataSize > fileSize {
		return nil, fmt.Errorf("%w: tensor data extends past end of file", ErrInvalidSafetensors)
	}

	sort.Slice(h.Tensors, func(i, j int) bool { return h.Tensors[i].Name < h.Tensors[j].Name })
	return h, nil
}

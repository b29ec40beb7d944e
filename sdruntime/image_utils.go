package sdruntime

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
)

var (
	ErrImageEmpty       = errors.New("sdruntime: image data is empty")
	ErrImageNotPNG      = errors.New("sdruntime: image data is not a valid PNG")
	ErrImageTooSmall    = errors.New("sdruntime: image data too small to be valid")
	ErrImageDecodeFail  = errors.New("sdruntime: failed to decode image")
	ErrImageInvalidSize = errors.New("sdruntime: invalid image dimensions")
)

const (
	pngSignature = "\x89PNG\r\n\x1a\n"
	// signature + IHDR chunk (25) + IEND chunk (12)
	minPNGSize = len(pngSignature) + 25 + 12
)

// IsPNG reports whether data starts with the PNG signature.
func IsPNG(data []byte) bool {
	return bytes.HasPrefix(data, []byte(pngSignature))
}

// ValidateImageData fully decodes data as PNG. Runtime output is checked
// this way before it is handed to a client.
func ValidateImageData(data []byte) error {
	switch {
	case len(data) == 0:
		return ErrImageEmpty
	case !IsPNG(data):
		return ErrImageNotPNG
	case len(data) < minPNGSize:
		return ErrImageTooSmall
	}

	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrImageDecodeFail, err)
	}
	if img.Bounds().Empty() {
		return ErrImageInvalidSize
	}
	return nil
}

// EncodeRGBToPNG encodes packed RGB pixels (3 bytes per pixel), the layout
// the runtime returns, to PNG.
func EncodeRGBToPNG(pixels []byte, width, height int) ([]byte, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: width=%d height=%d", ErrImageInvalidSize, width, height)
	}
	if want := width * height * 3; len(pixels) != want {
		return nil, fmt.Errorf("%w: %dx%d RGB needs %d bytes, got %d",
			ErrImageInvalidSize, width, height, want, len(pixels))
	}

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for src, dst := 0, 0; src < len(pixels); src, dst = src+3, dst+4 {
		copy(img.Pix[dst:dst+3], pixels[src:src+3])
		img.Pix[dst+3] = 0xff
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// ImageDimensions reads width and height from the PNG header.
func ImageDimensions(data []byte) (int, int, error) {
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrImageDecodeFail, err)
	}
	return cfg.Width, cfg.Height, nil
}

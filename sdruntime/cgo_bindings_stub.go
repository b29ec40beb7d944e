//go:build !sd || !cgo || stub

// Stub runtime used when stable-diffusion.cpp is not linked.
// It renders a smooth color field from a seeded lattice: the same parameters
// always produce the same bytes, different seeds produce different images.

package sdruntime

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"math"
	"math/rand"
	"os"
	"sync/atomic"

	"golang.org/x/image/draw"
)

const stubVersion = "stub-1"

// stubLattice is the number of random control points along the longer edge.
const stubLattice = 16

var stubContextCounter uint64

func loadModelImpl(modelPath string, device Device) (*SDContext, error) {
	info, err := os.Stat(modelPath)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, modelPath)
	} else if err != nil {
		return nil, fmt.Errorf("%w: unable to access %s: %v", ErrModelLoadFailed, modelPath, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrModelLoadFailed, modelPath)
	}

	return &SDContext{
		id:        atomic.AddUint64(&stubContextCounter, 1),
		modelPath: modelPath,
		device:    device,
		valid:     true,
	}, nil
}

func applyLoRAImpl(ctx *SDContext, w LoRAWeights) error {
	info, err := os.Stat(w.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLoRAApplyFailed, err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: %s is empty", ErrLoRAApplyFailed, w.Path)
	}
	return nil
}

func enableAttentionSlicingImpl(ctx *SDContext) error {
	return nil
}

func enableMemoryEfficientAttentionImpl(ctx *SDContext) error {
	return fmt.Errorf("%w: stub runtime has no fused attention kernel", ErrFeatureUnavailable)
}

func generateImageImpl(ctx *SDContext, params GenerateParams) (*GenerateResult, error) {
	rng := rand.New(rand.NewSource(stubSeed(ctx, params)))

	cols, rows := stubLattice, stubLattice
	if params.Width > params.Height {
		rows = max(2, stubLattice*params.Height/params.Width)
	} else if params.Height > params.Width {
		cols = max(2, stubLattice*params.Width/params.Height)
	}

	// Guidance sharpens contrast, more steps smooth the field.
	contrast := 0.3 + 0.7*(params.CFGScale-MinCFGScale)/(MaxCFGScale-MinCFGScale)
	smoothing := int(math.Min(4, float64(params.Steps)/40))

	lattice := image.NewRGBA(image.Rect(0, 0, cols, rows))
	base := [3]float64{rng.Float64(), rng.Float64(), rng.Float64()}
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			var c [3]uint8
			for i := range c {
				v := base[i] + (rng.Float64()-0.5)*contrast
				c[i] = uint8(math.Max(0, math.Min(1, v)) * 255)
			}
			lattice.SetRGBA(x, y, color.RGBA{R: c[0], G: c[1], B: c[2], A: 255})
		}
	}
	for i := 0; i < smoothing; i++ {
		boxBlur(lattice)
	}
	if ctx.lora != nil {
		tint(lattice, ctx.lora.Scale)
	}

	img := image.NewRGBA(image.Rect(0, 0, params.Width, params.Height))
	draw.CatmullRom.Scale(img, img.Bounds(), lattice, lattice.Bounds(), draw.Src, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("%w: encode png: %v", ErrGenerationFailed, err)
	}

	return &GenerateResult{
		ImageData: buf.Bytes(),
		Width:     params.Width,
		Height:    params.Height,
		Seed:      params.Seed,
	}, nil
}

// stubSeed folds every input that changes the output into one PRNG seed.
func stubSeed(ctx *SDContext, p GenerateParams) int64 {
	h := fnv.New64a()
	var num [8]byte
	writeInt := func(v uint64) {
		binary.LittleEndian.PutUint64(num[:], v)
		h.Write(num[:])
	}

	writeInt(uint64(p.Seed))
	h.Write([]byte(p.Prompt))
	h.Write([]byte{0})
	h.Write([]byte(p.NegativePrompt))
	writeInt(uint64(p.Steps))
	writeInt(math.Float64bits(p.CFGScale))
	if ctx.lora != nil {
		writeInt(math.Float64bits(ctx.lora.Scale))
	}
	return int64(h.Sum64() >> 1)
}

func boxBlur(img *image.RGBA) {
	b := img.Bounds()
	src := image.NewRGBA(b)
	copy(src.Pix, img.Pix)

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			var r, g, bl, n int
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					p := image.Pt(x+dx, y+dy)
					if !p.In(b) {
						continue
					}
					c := src.RGBAAt(p.X, p.Y)
					r += int(c.R)
					g += int(c.G)
					bl += int(c.B)
					n++
				}
			}
			img.SetRGBA(x, y, color.RGBA{R: uint8(r / n), G: uint8(g / n), B: uint8(bl / n), A: 255})
		}
	}
}

// tint warms the palette in proportion to the adapter scale, so images with
// and without the adapter differ.
func tint(img *image.RGBA, scale float64) {
	shift := int(math.Min(64, 16*scale))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = uint8(min(255, int(img.Pix[i])+shift))
		img.Pix[i+2] = uint8(max(0, int(img.Pix[i+2])-shift))
	}
}

func freeContextImpl(ctx *SDContext) {}

func getBackendInfoImpl() string {
	return "stub"
}

func runtimeVersionImpl() string {
	return stubVersion
}

func cudaAvailableImpl() bool {
	return false
}

func cudaDeviceNameImpl() string {
	return ""
}

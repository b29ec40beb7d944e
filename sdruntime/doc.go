// Package sdruntime binds the Stable Diffusion model runtime.
//
// The real binding links a thin C shim over stable-diffusion.cpp and is built with:
//
//	CGO_CFLAGS="-I/path/to/sdlora-shim/include" \
//	CGO_LDFLAGS="-L/path/to/sdlora-shim/build -lsdlora_shim -lstable-diffusion" \
//	go build -tags sd
//
// Without the "sd" tag (or with "stub") a pure-Go stub renders a deterministic
// seeded image instead, so the service and its tests run without a GPU.
//
// Quick start:
//
//	device, _ := sdruntime.DetectDevice("auto")
//	gen, err := sdruntime.NewGenerator(sdruntime.GeneratorConfig{
//	    Context:       sdruntime.ContextOptions{ModelPath: "models/sd-v1-5.safetensors", Device: device},
//	    MaxConcurrent: 1,
//	    Timeout:       5 * time.Minute,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer gen.Close()
//
//	if _, err := gen.Load(); err != nil {
//	    log.Fatal(err)
//	}
//
//	params := sdruntime.DefaultParams()
//	params.Prompt = "a sunset over mountains"
//	result, err := gen.Generate(ctx, params)
//
// # Error Handling
//
// Use errors.Is with the sentinel errors:
//
//	_, err := gen.Generate(ctx, params)
//	if errors.Is(err, sdruntime.ErrOutOfVRAM) {
//	    // Reduce image size or SD_MAX_CONCURRENT
//	}
//
// # Thread Safety
//
// Generator and ContextPool are safe for concurrent use. Each context runs one
// generation at a time.
package sdruntime

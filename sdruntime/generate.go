package sdruntime

import (
	"context"
	"fmt"
	"time"
)

// Generator provides image generation over a context pool with a per-call
// timeout.
type Generator struct {
	pool    *ContextPool
	timeout time.Duration
}

// NewGenerator creates a Generator. Nothing is loaded until Load or the
// first Generate.
func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	pool, err := NewContextPool(cfg.MaxConcurrent, cfg.Context)
	if err != nil {
		return nil, fmt.Errorf("failed to create context pool: %w", err)
	}
	return &Generator{pool: pool, timeout: cfg.Timeout}, nil
}

// Load loads the first context and reports which options took effect.
func (g *Generator) Load() (*LoadReport, error) {
	return g.pool.Prime()
}

// Generate validates params, resolves a negative seed and renders an image.
//
// Error cases:
//   - ErrInvalidParams, ErrInvalidPrompt: parameters fail validation
//   - ErrAcquireTimeout: ctx done before a context was free
//   - ErrGenerationTimeout: the runtime did not finish within the timeout
//   - ErrContextPoolClosed: generator has been closed
//   - ErrGenerationFailed, ErrOutOfVRAM: runtime failure
func (g *Generator) Generate(ctx context.Context, params GenerateParams) (*GenerateResult, error) {
	if err := ValidateParams(params); err != nil {
		return nil, err
	}
	params.Seed = ResolveSeed(params.Seed)

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	pooledCtx, err := g.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	type outcome struct {
		result *GenerateResult
		err    error
	}
	done := make(chan outcome, 1)

	// The runtime call cannot be interrupted; on timeout the context goes back
	// to the pool once the call returns.
	go func() {
		defer g.pool.Release(pooledCtx)
		result, err := GenerateImage(pooledCtx.SDContext, params)
		if err == nil {
			err = ValidateImageData(result.ImageData)
			if err != nil {
				err = fmt.Errorf("generated image validation failed: %w", err)
			}
		}
		done <- outcome{result, err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, out.err
		}
		out.result.Seed = params.Seed
		return out.result, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrGenerationTimeout, ctx.Err())
	}
}

// Close shuts down the generator and releases all pooled contexts.
// Close is safe to call multiple times.
func (g *Generator) Close() error {
	return g.pool.Close()
}

// Options returns the options applied to the generator's contexts.
func (g *Generator) Options() ContextOptions {
	return g.pool.Options()
}

// PoolSize returns the maximum number of contexts in the pool.
func (g *Generator) PoolSize() int {
	return g.pool.MaxSize()
}

// PoolAvailable returns the number of idle contexts.
func (g *Generator) PoolAvailable() int {
	return g.pool.Size()
}

// IsClosed returns whether the generator has been closed.
func (g *Generator) IsClosed() bool {
	return g.pool.IsClosed()
}

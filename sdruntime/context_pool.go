package sdruntime

import (
	"context"
	"fmt"
	"sync"
)

// PooledContext wraps an SDContext with pool management metadata.
type PooledContext struct {
	*SDContext
	poolID int
	inUse  bool
}

// LoadReport records how the configured options fared on the first context.
// Option failures are not fatal: later contexts skip what failed here so every
// context in the pool behaves the same.
type LoadReport struct {
	Device                   Device
	LoRAApplied              bool
	LoRAErr                  error
	AttentionSlicing         bool
	AttentionSlicingErr      error
	MemoryEfficientAttention bool
	MemoryEfficientErr       error
}

// ContextPool manages up to maxSize SDContexts. Contexts are created lazily
// and each one gets the pool's ContextOptions applied.
type ContextPool struct {
	mu       sync.Mutex
	contexts chan *PooledContext
	maxSize  int
	opts     ContextOptions
	closed   bool
	created  int
	nextID   int
	report   *LoadReport
}

// NewContextPool creates a new context pool with the specified maximum size.
func NewContextPool(maxSize int, opts ContextOptions) (*ContextPool, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("%w: pool size must be positive, got %d", ErrInvalidParams, maxSize)
	}
	if opts.Device == "" {
		opts.Device = DeviceCPU
	}

	return &ContextPool{
		contexts: make(chan *PooledContext, maxSize),
		maxSize:  maxSize,
		opts:     opts,
		nextID:   1,
	}, nil
}

// Prime creates the first context eagerly so a bad checkpoint fails at
// startup instead of on the first request. It is a no-op after the first call.
func (p *ContextPool) Prime() (*LoadReport, error) {
	p.mu.Lock()
	if p.report != nil {
		report := *p.report
		p.mu.Unlock()
		return &report, nil
	}
	p.mu.Unlock()

	pc, err := p.Acquire(context.Background())
	if err != nil {
		return nil, err
	}
	p.Release(pc)

	p.mu.Lock()
	defer p.mu.Unlock()
	report := *p.report
	return &report, nil
}

// Acquire retrieves a context from the pool, respecting ctx's deadline.
// If no context is idle and the pool has capacity, a new one is loaded.
func (p *ContextPool) Acquire(ctx context.Context) (*PooledContext, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrContextPoolClosed
	}

	select {
	case pc := <-p.contexts:
		pc.inUse = true
		p.mu.Unlock()
		return pc, nil
	default:
	}

	if p.created < p.maxSize {
		poolID := p.nextID
		p.nextID++
		p.created++
		p.mu.Unlock()

		sdCtx, err := p.newContext()
		if err != nil {
			p.mu.Lock()
			p.created--
			p.mu.Unlock()
			return nil, err
		}

		return &PooledContext{SDContext: sdCtx, poolID: poolID, inUse: true}, nil
	}
	p.mu.Unlock()

	select {
	case pc, ok := <-p.contexts:
		if !ok || pc == nil {
			return nil, ErrContextPoolClosed
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			FreeContext(pc.SDContext)
			return nil, ErrContextPoolClosed
		}
		pc.inUse = true
		p.mu.Unlock()
		return pc, nil

	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrAcquireTimeout, ctx.Err())
	}
}

// newContext loads the model and applies the options. The first context
// decides which options stick.
func (p *ContextPool) newContext() (*SDContext, error) {
	sdCtx, err := LoadModel(p.opts.ModelPath, p.opts.Device)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	first := p.report == nil
	opts := p.opts
	p.mu.Unlock()

	report := LoadReport{Device: sdCtx.Device()}
	if opts.AttentionSlicing {
		report.AttentionSlicingErr = EnableAttentionSlicing(sdCtx)
		report.AttentionSlicing = report.AttentionSlicingErr == nil
	}
	if opts.MemoryEfficientAttention {
		report.MemoryEfficientErr = EnableMemoryEfficientAttention(sdCtx)
		report.MemoryEfficientAttention = report.MemoryEfficientErr == nil
	}
	if opts.LoRA != nil {
		report.LoRAErr = ApplyLoRA(sdCtx, *opts.LoRA)
		report.LoRAApplied = report.LoRAErr == nil
	}

	if !first {
		return sdCtx, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.report == nil {
		p.report = &report
		p.opts.AttentionSlicing = report.AttentionSlicing
		p.opts.MemoryEfficientAttention = report.MemoryEfficientAttention
		if !report.LoRAApplied {
			p.opts.LoRA = nil
		}
	}
	return sdCtx, nil
}

// Release returns a context to the pool for reuse.
// If the pool is closed, the context is freed instead. nil is a no-op.
func (p *ContextPool) Release(pc *PooledContext) {
	if pc == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	pc.inUse = false

	if p.closed {
		FreeContext(pc.SDContext)
		p.created--
		return
	}

	select {
	case p.contexts <- pc:
	default:
		FreeContext(pc.SDContext)
		p.created--
	}
}

// Close shuts down the pool and frees all idle contexts. Contexts still in
// use are freed when released. Close is safe to call multiple times.
func (p *ContextPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true
	close(p.contexts)

	for pc := range p.contexts {
		if pc != nil && pc.SDContext != nil {
			FreeContext(pc.SDContext)
			p.created--
		}
	}

	return nil
}

// Size returns the number of idle contexts.
func (p *ContextPool) Size() int {
	return len(p.contexts)
}

// Created returns the number of live contexts, idle or in use.
func (p *ContextPool) Created() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

// MaxSize returns the maximum capacity of the pool.
func (p *ContextPool) MaxSize() int {
	return p.maxSize
}

// IsClosed returns whether the pool has been closed.
func (p *ContextPool) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// ModelPath returns the checkpoint path contexts are loaded from.
func (p *ContextPool) ModelPath() string {
	return p.opts.ModelPath
}

// Options returns the options applied to new contexts.
func (p *ContextPool) Options() ContextOptions {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opts
}

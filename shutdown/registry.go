package shutdown

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"sdlora_server/core"
)

type shutdownEntry struct {
	name     string
	fn       core.ShutdownFunc
	priority int
	order    int
}

// HandlerResult reports how one shutdown handler went.
type HandlerResult struct {
	Name     string
	Priority int
	Duration time.Duration
	Err      error
}

// ShutdownRegistry holds named cleanup functions and runs them once, lowest
// priority first. Handlers with equal priority run in registration order.
type ShutdownRegistry struct {
	mu      sync.Mutex
	entries []shutdownEntry
	closed  bool
}

// NewShutdownRegistry creates an empty registry.
func NewShutdownRegistry() *ShutdownRegistry {
	return &ShutdownRegistry{}
}

// Register adds fn under name. Registration after Shutdown is ignored.
func (r *ShutdownRegistry) Register(name string, priority int, fn core.ShutdownFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.entries = append(r.entries, shutdownEntry{name: name, fn: fn, priority: priority, order: len(r.entries)})
}

// Shutdown runs every handler, even after failures, and returns one result
// per handler in execution order. A second call returns nil.
func (r *ShutdownRegistry) Shutdown(ctx context.Context) []HandlerResult {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := r.sortedLocked()
	r.mu.Unlock()

	results := make([]HandlerResult, 0, len(entries))
	for _, e := range entries {
		start := time.Now()
		err := runHandler(ctx, e)
		results = append(results, HandlerResult{
			Name:     e.name,
			Priority: e.priority,
			Duration: time.Since(start),
			Err:      err,
		})
	}
	return results
}

// runHandler converts a panicking handler into an error so the remaining
// handlers still run.
func runHandler(ctx context.Context, e shutdownEntry) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%s: panic: %v", e.name, rec)
		}
	}()
	if err := e.fn(ctx); err != nil {
		return fmt.Errorf("%s: %w", e.name, err)
	}
	return nil
}

// Names returns handler names in execution order.
func (r *ShutdownRegistry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.sortedLocked()
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.name
	}
	return names
}

func (r *ShutdownRegistry) sortedLocked() []shutdownEntry {
	sorted := make([]shutdownEntry, len(r.entries))
	copy(sorted, r.entries)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].priority != sorted[j].priority {
			return sorted[i].priority < sorted[j].priority
		}
		return sorted[i].order < sorted[j].order
	})
	return sorted
}

// Count returns the number of registered handlers.
func (r *ShutdownRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// IsClosed reports whether Shutdown has run.
func (r *ShutdownRegistry) IsClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

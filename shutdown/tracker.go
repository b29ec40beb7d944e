// Package shutdown coordinates graceful shutdown: it stops new generations,
// waits for the ones in flight and then closes components in priority order.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrTrackerClosed is returned when an operation is refused because shutdown
// has started.
var ErrTrackerClosed = errors.New("shutdown: server is shutting down")

// ErrWaitTimeout is returned when in-flight operations outlive the wait.
var ErrWaitTimeout = errors.New("shutdown: operations did not complete in time")

// OperationTracker counts in-flight operations and lets shutdown wait for
// them once no new ones are admitted.
//
//	if !tracker.Start() {
//	    return ErrTrackerClosed
//	}
//	defer tracker.Done()
type OperationTracker struct {
	mu     sync.Mutex
	active int64
	closed bool
	// idle is closed once the tracker is closed and active drops to zero
	idle chan struct{}
}

// NewOperationTracker creates an open tracker.
func NewOperationTracker() *OperationTracker {
	return &OperationTracker{idle: make(chan struct{})}
}

// Start admits a new operation. It returns false after Close; otherwise the
// caller must call Done exactly once.
func (t *OperationTracker) Start() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.active++
	return true
}

// Done marks an admitted operation as finished.
func (t *OperationTracker) Done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == 0 {
		panic("shutdown: Done called without matching Start")
	}
	t.active--
	if t.closed && t.active == 0 {
		close(t.idle)
	}
}

// Close stops admitting operations. Calling it again has no effect.
func (t *OperationTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	if t.active == 0 {
		close(t.idle)
	}
}

// Wait blocks until the tracker is closed and every admitted operation has
// finished, or ctx ends.
func (t *OperationTracker) Wait(ctx context.Context) error {
	select {
	case <-t.idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %d still running", ErrWaitTimeout, t.ActiveCount())
	}
}

// ActiveCount returns the number of operations in flight.
func (t *OperationTracker) ActiveCount() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// IsClosed reports whether Close has been called.
func (t *OperationTracker) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

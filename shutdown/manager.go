package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"sdlora_server/core"
)

// Handler priorities used by main. Lower runs first: stop taking requests,
// release the model, flush history, close the database, flush logs.
const (
	PriorityHTTPServer    = 10
	PriorityGPUCollector  = 15
	PriorityPipeline      = 20
	PriorityHistoryWriter = 30
	PriorityDatabase      = 40
	PriorityCleanup       = 50
	PriorityLogger        = 100
)

// Manager ties together signal handling, in-flight operation tracking and
// the ordered cleanup registry.
//
// Usage:
//
//	manager := shutdown.NewManager(logger, shutdown.WithTimeout(cfg.ShutdownTimeout))
//	manager.Register("http-server", shutdown.PriorityHTTPServer, server.Shutdown)
//	manager.Register("database", shutdown.PriorityDatabase, func(ctx context.Context) error {
//	    return database.Close()
//	})
//	manager.Start()
//
//	// request handlers
//	err := manager.WrapOperation(ctx, "generate", generate)
//
//	manager.Wait()
//	_ = manager.Shutdown()
//	os.Exit(manager.ExitCode())
type Manager struct {
	logger  *zap.Logger
	timeout time.Duration
	exit    func(code int)

	mu         sync.Mutex
	started    bool
	shutdown   bool
	signals    int
	firstSig   os.Signal
	stopSignal func()

	ctx    context.Context
	cancel context.CancelFunc

	tracker  *OperationTracker
	registry *ShutdownRegistry
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTimeout bounds the whole shutdown sequence. Default is 60 seconds.
func WithTimeout(timeout time.Duration) ManagerOption {
	return func(m *Manager) {
		if timeout > 0 {
			m.timeout = timeout
		}
	}
}

// WithExitFunc replaces os.Exit for the forced exit on a repeated signal.
func WithExitFunc(exit func(code int)) ManagerOption {
	return func(m *Manager) {
		m.exit = exit
	}
}

// NewManager creates a Manager. A nil logger discards shutdown logs.
func NewManager(logger *zap.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		logger:   logger.Named("shutdown"),
		timeout:  60 * time.Second,
		exit:     os.Exit,
		ctx:      ctx,
		cancel:   cancel,
		tracker:  NewOperationTracker(),
		registry: NewShutdownRegistry(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Context is cancelled as soon as shutdown is requested.
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Register adds a cleanup function. See the Priority constants.
func (m *Manager) Register(name string, priority int, fn core.ShutdownFunc) {
	m.registry.Register(name, priority, fn)
	m.logger.Debug("Registered shutdown handler",
		zap.String("name", name),
		zap.Int("priority", priority),
	)
}

// Start listens for SIGINT and SIGTERM. The first signal requests a graceful
// shutdown; the second exits immediately with 128+signal. Calling Start more
// than once has no effect.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	m.stopSignal = func() {
		signal.Stop(sigChan)
		close(done)
	}
	m.mu.Unlock()

	go func() {
		for {
			select {
			case sig := <-sigChan:
				m.handleSignal(sig)
			case <-done:
				return
			}
		}
	}()

	m.logger.Debug("Listening for shutdown signals")
}

func (m *Manager) handleSignal(sig os.Signal) {
	m.mu.Lock()
	m.signals++
	count := m.signals
	if count == 1 {
		m.firstSig = sig
	}
	m.mu.Unlock()

	if count == 1 {
		m.logger.Info("Received shutdown signal, initiating graceful shutdown",
			zap.String("signal", sig.String()),
		)
		m.cancel()
		return
	}

	code := core.ExitCodeForSignal(sig)
	m.logger.Warn("Received second signal, forcing immediate shutdown",
		zap.String("signal", sig.String()),
		zap.Int("exit_code", code),
	)
	_ = m.logger.Sync()
	m.exit(code)
}

// Trigger requests shutdown without a signal, e.g. when the HTTP server fails
// or the service manager stops the process.
func (m *Manager) Trigger(reason string) {
	if m.ctx.Err() == nil {
		m.logger.Info("Shutdown requested", zap.String("reason", reason))
	}
	m.cancel()
}

// ExitCode is the process exit code for the shutdown: 130 or 143 after a
// signal, 0 otherwise.
func (m *Manager) ExitCode() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.firstSig == nil {
		return core.ExitCodeSuccess
	}
	return core.ExitCodeForSignal(m.firstSig)
}

// Shutdown refuses new operations, waits for in-flight ones and runs the
// cleanup handlers, all within the configured timeout. Handlers always run,
// with at least one second left, even if the wait timed out. A second call
// returns nil.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil
	}
	m.shutdown = true
	stopSignal := m.stopSignal
	m.mu.Unlock()

	m.cancel()
	start := time.Now()
	deadline := start.Add(m.timeout)

	m.logger.Info("Initiating graceful shutdown",
		zap.Duration("timeout", m.timeout),
		zap.Int("registered_handlers", m.registry.Count()),
	)

	m.tracker.Close()
	if active := m.tracker.ActiveCount(); active > 0 {
		m.logger.Info("Waiting for in-flight generations", zap.Int64("active", active))
	}

	waitCtx, cancelWait := context.WithDeadline(context.Background(), deadline)
	if err := m.tracker.Wait(waitCtx); err != nil {
		m.logger.Warn("Timed out waiting for in-flight generations",
			zap.Duration("waited", time.Since(start)),
			zap.Int64("remaining", m.tracker.ActiveCount()),
		)
	}
	cancelWait()

	if time.Until(deadline) < time.Second {
		deadline = time.Now().Add(time.Second)
	}
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	var failed int
	for _, res := range m.registry.Shutdown(ctx) {
		if res.Err != nil {
			failed++
			m.logger.Error("Shutdown handler failed",
				zap.String("name", res.Name),
				zap.Duration("duration", res.Duration),
				zap.Error(res.Err),
			)
			continue
		}
		m.logger.Debug("Shutdown handler finished",
			zap.String("name", res.Name),
			zap.Duration("duration", res.Duration),
		)
	}

	if stopSignal != nil {
		stopSignal()
	}

	if failed > 0 {
		m.logger.Error("Shutdown completed with errors",
			zap.Duration("duration", time.Since(start)),
			zap.Int("failed", failed),
		)
		return fmt.Errorf("shutdown: %d handlers failed", failed)
	}
	m.logger.Info("Graceful shutdown completed", zap.Duration("duration", time.Since(start)))
	return nil
}

// Wait blocks until shutdown is requested.
func (m *Manager) Wait() {
	<-m.ctx.Done()
}

// WrapOperation runs fn as a tracked operation. Once shutdown has been
// requested it returns ErrTrackerClosed without calling fn.
func (m *Manager) WrapOperation(ctx context.Context, name string, fn func(context.Context) error) error {
	if m.ctx.Err() != nil || !m.tracker.Start() {
		m.logger.Debug("Operation rejected, shutting down", zap.String("operation", name))
		return ErrTrackerClosed
	}
	defer m.tracker.Done()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

// ActiveOperations returns the number of operations in flight.
func (m *Manager) ActiveOperations() int64 {
	return m.tracker.ActiveCount()
}

// IsShuttingDown reports whether shutdown has been requested.
func (m *Manager) IsShuttingDown() bool {
	return m.ctx.Err() != nil
}

// RegisteredHandlers returns handler names in execution order.
func (m *Manager) RegisteredHandlers() []string {
	return m.registry.Names()
}

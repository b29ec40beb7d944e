package db

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"sdlora_server/core"
	"sdlora_server/logging"
)

// DefaultChannelCapacity is the default buffer size for queued records.
const DefaultChannelCapacity = 100

// DefaultDrainTimeout bounds how long Close waits for queued records.
const DefaultDrainTimeout = 10 * time.Second

// WriteHandler persists one record.
type WriteHandler func(ctx context.Context, rec core.GenerationRecord) error

// AsyncWriter queues generation records and writes them from a background
// goroutine. It implements imagegen.Observer, so the pipeline never waits on
// the disk. Records are dropped, with a warning, when the queue is full.
type AsyncWriter struct {
	queue   chan core.GenerationRecord
	handler WriteHandler
	logger  *logging.Logger
	drain   time.Duration

	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	failed  atomic.Int64
}

// AsyncWriterConfig holds configuration for the async writer.
type AsyncWriterConfig struct {
	ChannelCapacity int
	DrainTimeout    time.Duration
}

// DefaultAsyncWriterConfig returns the default configuration.
func DefaultAsyncWriterConfig() AsyncWriterConfig {
	return AsyncWriterConfig{
		ChannelCapacity: DefaultChannelCapacity,
		DrainTimeout:    DefaultDrainTimeout,
	}
}

// NewHistoryWriter writes records through repo.InsertGeneration.
func NewHistoryWriter(repo *Repository, logger *logging.Logger) *AsyncWriter {
	return NewAsyncWriter(repo.InsertGeneration, logger, DefaultAsyncWriterConfig())
}

// NewAsyncWriter starts the background goroutine.
func NewAsyncWriter(handler WriteHandler, logger *logging.Logger, config AsyncWriterConfig) *AsyncWriter {
	if config.ChannelCapacity <= 0 {
		config.ChannelCapacity = DefaultChannelCapacity
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = DefaultDrainTimeout
	}
	if logger == nil {
		logger = logging.NewFromZap(zap.NewNop())
	}

	w := &AsyncWriter{
		queue:   make(chan core.GenerationRecord, config.ChannelCapacity),
		handler: handler,
		logger:  logger.Named("history"),
		drain:   config.DrainTimeout,
	}
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *AsyncWriter) run() {
	defer w.wg.Done()
	for rec := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), w.drain)
		if err := w.handler(ctx, rec); err != nil {
			w.failed.Add(1)
			w.logger.Error("Failed to record generation", zap.String("id", rec.ID), zap.Error(err))
		}
		cancel()
	}
}

// Write queues rec without blocking. It returns false when the queue is full
// or the writer is closed.
func (w *AsyncWriter) Write(rec core.GenerationRecord) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return false
	}
	select {
	case w.queue <- rec:
		return true
	default:
		w.dropped.Add(1)
		w.logger.Warn("History queue full, dropping record", zap.String("id", rec.ID))
		return false
	}
}

// GenerationStarted is a no-op; only finished generations are stored.
func (w *AsyncWriter) GenerationStarted() {}

// GenerationFinished queues rec.
func (w *AsyncWriter) GenerationFinished(rec core.GenerationRecord) {
	w.Write(rec)
}

// Pending returns the number of queued records.
func (w *AsyncWriter) Pending() int {
	return len(w.queue)
}

// Dropped returns how many records were discarded because the queue was full.
func (w *AsyncWriter) Dropped() int64 {
	return w.dropped.Load()
}

// Failed returns how many writes the handler rejected.
func (w *AsyncWriter) Failed() int64 {
	return w.failed.Load()
}

// Close stops accepting records and waits for the queue to drain or ctx to
// end. It is safe to call more than once.
func (w *AsyncWriter) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		w.logger.Warn("History writer did not drain in time", zap.Int("pending", w.Pending()))
		return ctx.Err()
	}
}

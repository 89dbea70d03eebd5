package upstreamlog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"safetydash/internal/core"
	"safetydash/internal/httpclient"
)

// BatchFlushThreshold is the number of queued entries that triggers a write
// without waiting for the flush timer.
const BatchFlushThreshold = 100

// Recorder is implemented by Logger and NoopLogger.
type Recorder interface {
	httpclient.Hooks
	Write(entry *Entry)
	Close() error
}

// Logger provides async buffered logging with batch writes.
// It implements httpclient.Hooks so it can be attached to every upstream client.
type Logger struct {
	store  Store
	config Config
	clock  clockwork.Clock
	logger *slog.Logger

	buffer chan *Entry
	done   chan struct{}
	wg     sync.WaitGroup

	// mu orders Write against Close: writers hold the read lock across the
	// closed check and the send, Close takes the write lock to flip closed.
	mu     sync.RWMutex
	closed bool
}

// LoggerOption configures a Logger.
type LoggerOption func(*Logger)

// WithClock sets the clock used for timestamps and the flush ticker.
func WithClock(clock clockwork.Clock) LoggerOption {
	return func(l *Logger) { l.clock = clock }
}

// WithLogger sets the slog logger for write failures.
func WithLogger(logger *slog.Logger) LoggerOption {
	return func(l *Logger) { l.logger = logger }
}

// NewLogger starts the background flush loop.
func NewLogger(store Store, cfg Config, opts ...LoggerOption) *Logger {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}

	l := &Logger{
		store:  store,
		config: cfg,
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
		buffer: make(chan *Entry, cfg.BufferSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	l.wg.Add(1)
	go l.flushLoop()

	return l
}

// OnAttempt implements httpclient.Hooks. Only completed calls are logged.
func (l *Logger) OnAttempt(context.Context, httpclient.AttemptInfo) {}

// OnComplete implements httpclient.Hooks.
func (l *Logger) OnComplete(ctx context.Context, info httpclient.CallInfo) {
	entry := &Entry{
		ID:         uuid.NewString(),
		RequestID:  core.GetRequestID(ctx),
		Timestamp:  l.clock.Now().UTC(),
		Upstream:   info.Upstream,
		Method:     info.Method,
		URL:        info.URL,
		Status:     info.Status,
		Attempts:   info.Attempts,
		DurationMs: info.Duration.Milliseconds(),
	}
	if info.Err != nil {
		entry.ErrorCode = string(core.CodeOf(info.Err))
		entry.Error = core.Truncate(info.Err.Error(), 512)
	}
	l.Write(entry)
}

// Write queues an entry without blocking. When the buffer is full or the
// logger is closed the entry is dropped.
func (l *Logger) Write(entry *Entry) {
	if entry == nil {
		return
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}

	select {
	case l.buffer <- entry:
	default:
		l.logger.Warn("upstream log buffer full, dropping entry",
			"request_id", entry.RequestID,
			"upstream", entry.Upstream,
		)
	}
}

// Config returns the logger configuration
func (l *Logger) Config() Config {
	return l.config
}

// Close drains the queue, flushes the store and closes it. Idempotent.
func (l *Logger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.done)
	l.wg.Wait()
	return l.store.Close()
}

func (l *Logger) flushLoop() {
	defer l.wg.Done()

	ticker := l.clock.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]*Entry, 0, BatchFlushThreshold)

	for {
		select {
		case entry := <-l.buffer:
			batch = append(batch, entry)
			if len(batch) >= BatchFlushThreshold {
				l.flushBatch(batch)
				batch = make([]*Entry, 0, BatchFlushThreshold)
			}

		case <-ticker.Chan():
			if len(batch) > 0 {
				l.flushBatch(batch)
				batch = make([]*Entry, 0, BatchFlushThreshold)
			}

		case <-l.done:
			// closed is already set, so no Write can send after this.
			close(l.buffer)
			for entry := range l.buffer {
				batch = append(batch, entry)
			}
			l.flushBatch(batch)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := l.store.Flush(ctx); err != nil {
				l.logger.Error("failed to flush upstream log store", "error", err)
			}
			cancel()
			return
		}
	}
}

func (l *Logger) flushBatch(batch []*Entry) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := l.store.WriteBatch(ctx, batch); err != nil {
		l.logger.Error("failed to write upstream log batch",
			"error", err,
			"count", len(batch),
		)
	}
}

// NoopLogger is used when the upstream log is disabled.
type NoopLogger struct{}

func (NoopLogger) OnAttempt(context.Context, httpclient.AttemptInfo) {}
func (NoopLogger) OnComplete(context.Context, httpclient.CallInfo)   {}
func (NoopLogger) Write(*Entry)                                      {}
func (NoopLogger) Close() error                                      { return nil }

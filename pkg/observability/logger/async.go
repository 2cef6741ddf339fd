package logger

import (
	"context"
	"sync"
	"sync/atomic"
)

// AsyncConfig configures the async logger wrapper.
type AsyncConfig struct {
	Enabled      bool
	QueueSize    int
	WorkerCount  int
	DropWhenFull bool
}

type entry struct {
	base Logger
	emit func(Logger, string, ...any)
	msg  string
	args []any
}

type dispatcher struct {
	entries      chan entry
	dropWhenFull bool
	dropped      atomic.Uint64
	wg           sync.WaitGroup
	mu           sync.RWMutex
	stopped      bool
}

// AsyncLogger hands entries to worker goroutines so that logging on the commit and
// rollback paths does not block on the sink.
type AsyncLogger struct {
	base Logger
	d    *dispatcher
}

// WrapAsync wraps base with async dispatch when cfg is enabled; otherwise it returns base.
func WrapAsync(base Logger, cfg AsyncConfig) Logger {
	if !cfg.Enabled {
		return base
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	workers := cfg.WorkerCount
	if workers <= 0 {
		workers = 1
	}

	d := &dispatcher{
		entries:      make(chan entry, queueSize),
		dropWhenFull: cfg.DropWhenFull,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for e := range d.entries {
				e.emit(e.base, e.msg, e.args...)
			}
		}()
	}
	return &AsyncLogger{base: base, d: d}
}

func (l *AsyncLogger) Debug(msg string, args ...any) { l.enqueue(Logger.Debug, msg, args) }
func (l *AsyncLogger) Info(msg string, args ...any)  { l.enqueue(Logger.Info, msg, args) }
func (l *AsyncLogger) Warn(msg string, args ...any)  { l.enqueue(Logger.Warn, msg, args) }
func (l *AsyncLogger) Error(msg string, args ...any) { l.enqueue(Logger.Error, msg, args) }

// With returns a child logger sharing the same workers.
func (l *AsyncLogger) With(args ...any) Logger {
	return &AsyncLogger{base: l.base.With(args...), d: l.d}
}

// WithContext returns a child logger carrying the context fields, sharing the same workers.
func (l *AsyncLogger) WithContext(ctx context.Context) Logger {
	return &AsyncLogger{base: l.base.WithContext(ctx), d: l.d}
}

// Dropped reports how many entries were discarded because the queue was full.
func (l *AsyncLogger) Dropped() uint64 {
	return l.d.dropped.Load()
}

// Close drains the queue and stops the workers. Later entries are written synchronously.
func (l *AsyncLogger) Close() {
	l.d.mu.Lock()
	if l.d.stopped {
		l.d.mu.Unlock()
		return
	}
	l.d.stopped = true
	close(l.d.entries)
	l.d.mu.Unlock()
	l.d.wg.Wait()
}

func (l *AsyncLogger) enqueue(emit func(Logger, string, ...any), msg string, args []any) {
	l.d.mu.RLock()
	defer l.d.mu.RUnlock()

	if l.d.stopped {
		emit(l.base, msg, args...)
		return
	}

	e := entry{base: l.base, emit: emit, msg: msg, args: args}
	if !l.d.dropWhenFull {
		l.d.entries <- e
		return
	}
	select {
	case l.d.entries <- e:
	default:
		l.d.dropped.Add(1)
	}
}

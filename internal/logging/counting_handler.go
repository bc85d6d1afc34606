package logging

import (
	"context"
	"log/slog"
	"sync"
)

// LevelObserver receives one callback per emitted log record. The metrics
// registry installs itself here at startup; the indirection keeps this
// package free of an observability import cycle.
type LevelObserver func(level, message string)

var (
	observerMu sync.RWMutex
	observer   LevelObserver
)

// SetLevelObserver installs the process-wide log level observer.
func SetLevelObserver(fn LevelObserver) {
	observerMu.Lock()
	observer = fn
	observerMu.Unlock()
}

// countingHandler wraps a slog.Handler and reports every record to the
// installed level observer before delegating.
type countingHandler struct {
	inner slog.Handler
}

func newCountingHandler(inner slog.Handler) *countingHandler {
	return &countingHandler{inner: inner}
}

func (h *countingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *countingHandler) Handle(ctx context.Context, record slog.Record) error {
	observerMu.RLock()
	fn := observer
	observerMu.RUnlock()
	if fn != nil {
		label, exists := levelNames[record.Level]
		if !exists {
			label = record.Level.String()
		}
		fn(label, record.Message)
	}
	return h.inner.Handle(ctx, record)
}

func (h *countingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &countingHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *countingHandler) WithGroup(name string) slog.Handler {
	return &countingHandler{inner: h.inner.WithGroup(name)}
}

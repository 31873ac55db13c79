package sqsio

import (
	"sync"

	"go.uber.org/zap"
)

type listeners[T any] struct {
	mu  sync.RWMutex
	fns []func(T)
}

func (l *listeners[T]) add(fn func(T)) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.fns = append(l.fns, fn)
	l.mu.Unlock()
}

func (l *listeners[T]) emit(v T) bool {
	l.mu.RLock()
	fns := l.fns
	l.mu.RUnlock()
	for _, fn := range fns {
		fn(v)
	}
	return len(fns) > 0
}

type errorEmitter struct {
	listeners[error]
	logger *zap.Logger
}

func (e *errorEmitter) emitError(err error) {
	if !e.emit(err) {
		e.logger.Error("unhandled error", zap.Error(err))
	}
}

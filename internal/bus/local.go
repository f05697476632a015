package bus

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("bus closed")

// Local delivers envelopes synchronously inside one process.
type Local struct {
	mu       sync.RWMutex
	handlers []Handler
	closed   bool
}

func NewLocal() *Local {
	return &Local{}
}

func (l *Local) Publish(_ context.Context, env Envelope) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	for _, h := range l.handlers {
		h(env)
	}
	return nil
}

func (l *Local) Subscribe(handler Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.handlers = append(l.handlers, handler)
	return nil
}

func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.handlers = nil
	return nil
}

var _ Bus = (*Local)(nil)

package memory

import (
	"context"
	"sync"

	"movement-matcher/internal/storage"
)

// PassLocker serializes reconciliation passes within a single process.
type PassLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewPassLocker creates a new in-process pass locker.
func NewPassLocker() *PassLocker {
	return &PassLocker{
		locks: make(map[string]chan struct{}),
	}
}

// Acquire blocks until the named lock is held or ctx is done.
func (l *PassLocker) Acquire(ctx context.Context, name string) (func(), error) {
	l.mu.Lock()
	ch, exists := l.locks[name]
	if !exists {
		ch = make(chan struct{}, 1)
		l.locks[name] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var _ storage.PassLocker = (*PassLocker)(nil)

// Package lock provides exclusive, non-blocking locks keyed by string. The
// orchestrator holds one per session while an upload executes.
package lock

import (
	"context"
	"sync"

	"github.com/shehryarbajwa/rentrig/internal/apperr"
)

// Release gives a held lock back. Calling it more than once is a no-op.
type Release func()

// Locker hands out exclusive locks without waiting
type Locker interface {
	// TryLock acquires key or fails with a CodeConflict error if it is held.
	TryLock(ctx context.Context, key string) (Release, error)
}

func held(key string) error {
	return apperr.Newf(apperr.CodeConflict, "lock.acquire", "an execution is already in progress for %s", key)
}

// MemoryLocker is a Locker for a single process
type MemoryLocker struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

var _ Locker = (*MemoryLocker)(nil)

// NewMemoryLocker creates an in-process locker
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{keys: make(map[string]struct{})}
}

func (l *MemoryLocker) TryLock(ctx context.Context, key string) (Release, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.keys[key]; ok {
		return nil, held(key)
	}
	l.keys[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.keys, key)
			l.mu.Unlock()
		})
	}, nil
}

// Held reports whether key is currently locked
func (l *MemoryLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.keys[key]
	return ok
}

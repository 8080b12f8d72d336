// Package locker provides named locks serializing processing runs per URL.
package locker

import (
	"context"
	"sync"
)

// Locker acquires named locks. TryAcquire never blocks: it reports whether
// the lock was obtained and, when it was, a release function. Implementations
// must not leave locks stuck across process restarts.
type Locker interface {
	TryAcquire(ctx context.Context, name string) (release func(), ok bool, err error)
}

// InProcess is a Locker backed by a process-local mutex map. Sufficient for a
// single-instance deployment; multi-instance deployments use the Postgres
// advisory-lock implementation.
type InProcess struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewInProcess() *InProcess {
	return &InProcess{held: make(map[string]struct{})}
}

func (l *InProcess) TryAcquire(_ context.Context, name string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.held[name]; taken {
		return nil, false, nil
	}
	l.held[name] = struct{}{}
	release := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, name)
	}
	return release, true, nil
}

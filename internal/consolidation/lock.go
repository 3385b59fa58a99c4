package consolidation

import (
	"context"
	"sync"
)

// Locker grants per-agent mutual exclusion for consolidation runs.
// TryLock never waits: when the agent is already locked it returns an
// error matching [ErrConsolidationConflict]. The returned release
// function must be called exactly once.
type Locker interface {
	TryLock(ctx context.Context, agentID string) (release func(), err error)
}

// LocalLocker serializes runs within one process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLocalLocker returns an empty in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]bool)}
}

// TryLock implements [Locker].
func (l *LocalLocker) TryLock(_ context.Context, agentID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[agentID] {
		return nil, ErrConsolidationConflict
	}
	l.held[agentID] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, agentID)
			l.mu.Unlock()
		})
	}, nil
}

package orchestrator

import "sync"

// pairLocks keeps at most one running unit per (user, source) pair.
type pairLocks struct {
	held map[string]struct{}
	mu   sync.Mutex
}

func newPairLocks() *pairLocks {
	return &pairLocks{held: make(map[string]struct{})}
}

// TryLock takes key if nobody holds it.
func (l *pairLocks) TryLock(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return false
	}
	l.held[key] = struct{}{}
	return true
}

func (l *pairLocks) Unlock(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
}

func (l *pairLocks) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}

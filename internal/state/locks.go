package state

import "sync"

// lockManager hands out one mutex per canonical path, created lazily.
// Locks are never removed; the set of state paths is small and stable.
type lockManager struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLockManager() *lockManager {
	return &lockManager{locks: map[string]*sync.Mutex{}}
}

func (m *lockManager) forPath(path string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[path]
	if !ok {
		l = &sync.Mutex{}
		m.locks[path] = l
	}
	return l
}

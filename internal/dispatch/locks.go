// ABOUTME: Per-tab single-flight locks plus a store-wide exclusive lock
// ABOUTME: Tab operations share the store lock; snapshot loads take it exclusively

package dispatch

import "sync"

type tabLocks struct {
	store sync.RWMutex

	mu   sync.Mutex
	tabs map[string]*sync.Mutex
}

func newTabLocks() *tabLocks {
	return &tabLocks{tabs: make(map[string]*sync.Mutex)}
}

// lock serialises work on one tab and returns the matching unlock.
func (l *tabLocks) lock(tab string) func() {
	l.store.RLock()

	l.mu.Lock()
	m, ok := l.tabs[tab]
	if !ok {
		m = &sync.Mutex{}
		l.tabs[tab] = m
	}
	l.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		l.store.RUnlock()
	}
}

// lockAll waits for every tab operation to finish and blocks new ones.
func (l *tabLocks) lockAll() func() {
	l.store.Lock()
	return l.store.Unlock
}

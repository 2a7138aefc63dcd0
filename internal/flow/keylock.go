package flow

import (
	"sync"

	"github.com/mohammad-safakhou/rivet/internal/state"
)

// keyLock serializes work per dialog key. Entries are dropped once no
// goroutine holds or waits for them.
type keyLock struct {
	mu    sync.Mutex
	locks map[state.Key]*keyLockEntry
}

type keyLockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyLock() *keyLock {
	return &keyLock{locks: make(map[state.Key]*keyLockEntry)}
}

func (l *keyLock) Lock(k state.Key) func() {
	l.mu.Lock()
	e, ok := l.locks[k]
	if !ok {
		e = &keyLockEntry{}
		l.locks[k] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, k)
		}
		l.mu.Unlock()
	}
}

func (l *keyLock) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

package orchestrator

import "sync"

// threadLocks serializes runs per thread. Entries are dropped once nobody
// holds or waits for them.
type threadLocks struct {
	mu    sync.Mutex
	locks map[string]*threadLock
}

type threadLock struct {
	mu   sync.Mutex
	refs int
}

func newThreadLocks() *threadLocks {
	return &threadLocks{locks: make(map[string]*threadLock)}
}

// lock blocks until threadID is free and returns its unlock func.
func (t *threadLocks) lock(threadID string) func() {
	t.mu.Lock()
	l, ok := t.locks[threadID]
	if !ok {
		l = &threadLock{}
		t.locks[threadID] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, threadID)
		}
		t.mu.Unlock()
	}
}

func (t *threadLocks) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

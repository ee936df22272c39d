package storage

import (
	"sort"
	"sync"
)

// KeyLocks hands out exclusive per-key locks. Lock acquires a whole key set
// in sorted order, so two callers can never deadlock on overlapping sets.
type KeyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewKeyLocks creates an empty lock table.
func NewKeyLocks() *KeyLocks {
	return &KeyLocks{locks: make(map[string]*keyLock)}
}

// Lock blocks until every key is held and returns the function that
// releases them. Duplicate and empty keys are ignored.
func (l *KeyLocks) Lock(keys ...string) (unlock func()) {
	sorted := uniqueSorted(keys)
	held := make([]*keyLock, 0, len(sorted))
	for _, k := range sorted {
		kl := l.acquire(k)
		kl.mu.Lock()
		held = append(held, kl)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(held) - 1; i >= 0; i-- {
				held[i].mu.Unlock()
				l.release(sorted[i])
			}
		})
	}
}

// Len reports how many keys currently have a lock entry; used by tests to
// confirm entries are reclaimed.
func (l *KeyLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (l *KeyLocks) acquire(key string) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{}
		l.locks[key] = kl
	}
	kl.refs++
	return kl
}

func (l *KeyLocks) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl := l.locks[key]
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

func uniqueSorted(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

package reconcile

import "sync"

// keyLocks is a set of non-blocking per-key locks.
type keyLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newKeyLocks() *keyLocks {
	return &keyLocks{held: make(map[string]struct{})}
}

// TryLock takes the lock for key and reports whether it was free.
func (k *keyLocks) TryLock(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.held[key]; ok {
		return false
	}
	k.held[key] = struct{}{}
	return true
}

// Unlock releases key.
func (k *keyLocks) Unlock(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.held, key)
}

package engine

import "sync"

// userLocks serializes mutations per user and per structured key.
// Write-gate commits hold the user lock shared plus the key lock
// exclusive, so unrelated keys of one user commit in parallel.
// Compaction holds the user lock exclusive, which keeps it out of the
// way of every in-flight write for that user without any cross-user
// coordination.
type userLocks struct {
	mu    sync.Mutex
	users map[string]*userLock
}

type userLock struct {
	rw   sync.RWMutex
	keys map[string]*keyLock
	refs int
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{users: make(map[string]*userLock)}
}

func (l *userLocks) user(userID string) *userLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	ul, ok := l.users[userID]
	if !ok {
		ul = &userLock{keys: make(map[string]*keyLock)}
		l.users[userID] = ul
	}
	ul.refs++
	return ul
}

func (l *userLocks) release(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ul, ok := l.users[userID]
	if !ok {
		return
	}
	ul.refs--
	if ul.refs <= 0 {
		delete(l.users, userID)
	}
}

// LockUser takes the exclusive per-user lock. Used by compaction.
func (l *userLocks) LockUser(userID string) func() {
	ul := l.user(userID)
	ul.rw.Lock()
	return func() {
		ul.rw.Unlock()
		l.release(userID)
	}
}

// LockKey takes the shared user lock plus the exclusive lock for one
// structured key. Used by write-gate commits.
func (l *userLocks) LockKey(userID, key string) func() {
	ul := l.user(userID)
	ul.rw.RLock()

	l.mu.Lock()
	kl, ok := ul.keys[key]
	if !ok {
		kl = &keyLock{}
		ul.keys[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()

		l.mu.Lock()
		kl.refs--
		if kl.refs <= 0 {
			delete(ul.keys, key)
		}
		l.mu.Unlock()

		ul.rw.RUnlock()
		l.release(userID)
	}
}

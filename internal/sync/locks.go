package sync

import "sync"

// uidLocks serializes writes per event UID. Two workers may hold pages that
// both contain a series master and one of its overrides; without the lock
// their conditional writes would burn the conflict retry against each other.
type uidLocks struct {
	mu    sync.Mutex
	locks map[string]*uidLock
}

type uidLock struct {
	mu   sync.Mutex
	refs int
}

func newUIDLocks() *uidLocks {
	return &uidLocks{locks: make(map[string]*uidLock)}
}

// lock acquires the mutex for uid and returns its release func. Entries are
// dropped once the last holder releases, so the map stays bounded by the
// number of in-flight events.
func (l *uidLocks) lock(uid string) func() {
	l.mu.Lock()
	entry, ok := l.locks[uid]
	if !ok {
		entry = &uidLock{}
		l.locks[uid] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, uid)
		}
		l.mu.Unlock()
	}
}

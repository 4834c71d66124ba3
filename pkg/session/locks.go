package session

import (
	"sync"
	"time"
)

// Lock marks one object as being edited by one peer. Advisory: peers are
// expected, not forced, to respect it.
type Lock struct {
	ObjectID     string
	HolderPeerID string
	AcquiredAt   time.Time
}

// LockRegistry holds at most one live lock per object.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[string]Lock
}

// NewLockRegistry creates an empty registry.
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{locks: make(map[string]Lock)}
}

// Acquire records the lock if the object is unheld or already held by the
// same peer. A failed acquire is a normal outcome, not an error; there is no
// queueing or waiting.
func (r *LockRegistry) Acquire(objectID, peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if lock, held := r.locks[objectID]; held && lock.HolderPeerID != peerID {
		return false
	}
	if _, held := r.locks[objectID]; held {
		return true // re-entrant no-op, keep original AcquiredAt
	}
	r.locks[objectID] = Lock{ObjectID: objectID, HolderPeerID: peerID, AcquiredAt: time.Now()}
	return true
}

// Release removes the lock only if the caller is the current holder.
func (r *LockRegistry) Release(objectID, peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, held := r.locks[objectID]
	if !held || lock.HolderPeerID != peerID {
		return false
	}
	delete(r.locks, objectID)
	return true
}

// Holder returns the current holder of an object's lock, if any.
func (r *LockRegistry) Holder(objectID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, held := r.locks[objectID]
	return lock.HolderPeerID, held
}

// ReleaseAllHeldBy drops every lock held by a peer and returns the released
// object IDs. Called when a peer link terminates so a disconnect cannot hold
// a lock forever.
func (r *LockRegistry) ReleaseAllHeldBy(peerID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var released []string
	for id, lock := range r.locks {
		if lock.HolderPeerID == peerID {
			delete(r.locks, id)
			released = append(released, id)
		}
	}
	return released
}

// Snapshot returns a copy of all live locks.
func (r *LockRegistry) Snapshot() []Lock {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Lock, 0, len(r.locks))
	for _, lock := range r.locks {
		out = append(out, lock)
	}
	return out
}

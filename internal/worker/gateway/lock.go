package gateway

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// MissionLock serializes agent-bound work (missions, heartbeats, welcome and
// extraction turns) for one logical session. Gateways attached to the same
// session share one lock.
type MissionLock struct {
	sem *semaphore.Weighted
}

// NewMissionLock returns an unlocked lock.
func NewMissionLock() *MissionLock {
	return &MissionLock{sem: semaphore.NewWeighted(1)}
}

// Lock blocks until the lock is held or ctx is done.
func (l *MissionLock) Lock(ctx context.Context) error {
	return l.sem.Acquire(ctx, 1)
}

// TryLock acquires the lock only if it is free.
func (l *MissionLock) TryLock() bool {
	return l.sem.TryAcquire(1)
}

// Unlock releases the lock.
func (l *MissionLock) Unlock() {
	l.sem.Release(1)
}

// Locks hands out one MissionLock per session key.
type Locks struct {
	mu    sync.Mutex
	locks map[string]*MissionLock
}

// NewLocks returns an empty registry.
func NewLocks() *Locks {
	return &Locks{locks: make(map[string]*MissionLock)}
}

// For returns the lock shared by every gateway of session key.
func (l *Locks) For(key string) *MissionLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[key]
	if !ok {
		lock = NewMissionLock()
		l.locks[key] = lock
	}
	return lock
}

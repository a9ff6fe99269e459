package lock

import (
	"context"
	"sync"
	"time"

	"stockcore/internal/core/id"
	"stockcore/internal/domain/lease"
)

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryLocker implements lease.Locker on a process-local map.
// It exists for tests and single-instance deployments only: lease
// guarantees that must hold across service instances require the
// Redis backend.
type MemoryLocker struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

var _ lease.Locker = (*MemoryLocker)(nil)

// NewMemoryLocker creates an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// live returns the entry for key if it exists and has not expired.
// Expired entries are dropped lazily. Caller holds l.mu.
func (l *MemoryLocker) live(key string) (memoryEntry, bool) {
	e, ok := l.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if l.now().After(e.expiresAt) {
		delete(l.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

// Acquire sets the lease only if absent or expired.
func (l *MemoryLocker) Acquire(_ context.Context, tenantID id.ID, resourceType, resourceID string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		ttl = lease.DefaultTTL
	}
	key := lease.Key(tenantID, resourceType, resourceID)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, held := l.live(key); held {
		return "", false, nil
	}
	token := lease.NewToken()
	l.entries[key] = memoryEntry{token: token, expiresAt: l.now().Add(ttl)}
	return token, true, nil
}

// Release frees the lease only if the token matches.
func (l *MemoryLocker) Release(_ context.Context, tenantID id.ID, resourceType, resourceID, token string) (bool, error) {
	key := lease.Key(tenantID, resourceType, resourceID)

	l.mu.Lock()
	defer l.mu.Unlock()

	e, held := l.live(key)
	if !held || e.token != token {
		return false, nil
	}
	delete(l.entries, key)
	return true, nil
}

// Extend refreshes the TTL only if the token matches.
func (l *MemoryLocker) Extend(_ context.Context, tenantID id.ID, resourceType, resourceID, token string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = lease.DefaultTTL
	}
	key := lease.Key(tenantID, resourceType, resourceID)

	l.mu.Lock()
	defer l.mu.Unlock()

	e, held := l.live(key)
	if !held || e.token != token {
		return false, nil
	}
	e.expiresAt = l.now().Add(ttl)
	l.entries[key] = e
	return true, nil
}

// IsLocked reports whether a live lease exists for the resource.
func (l *MemoryLocker) IsLocked(_ context.Context, tenantID id.ID, resourceType, resourceID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, held := l.live(lease.Key(tenantID, resourceType, resourceID))
	return held, nil
}

// ForceRelease frees the lease regardless of holder.
func (l *MemoryLocker) ForceRelease(_ context.Context, tenantID id.ID, resourceType, resourceID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.entries, lease.Key(tenantID, resourceType, resourceID))
	return nil
}

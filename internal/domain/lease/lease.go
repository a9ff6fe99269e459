// Package lease provides a leased mutual-exclusion primitive keyed by
// (tenant, resource_type, resource_id). A lease is time-bounded and
// token-verified: only the holder of the token returned by Acquire can
// release or extend it, and TTL expiry frees the resource if the holder
// crashes.
//
// The lease is admission control, not a substitute for transactional
// atomicity. Holders still run their mutation inside a database
// transaction.
package lease

import (
	"context"
	"fmt"
	"time"

	"stockcore/internal/core/id"
)

// DefaultTTL bounds the window during which a crashed holder blocks writers.
const DefaultTTL = 30 * time.Second

// Locker is the lease contract. A transport failure of the underlying
// store is surfaced as an error with code BACKEND_UNAVAILABLE, never
// interpreted as "held" or "free".
type Locker interface {
	// Acquire atomically sets the lease key only if absent, with the given
	// TTL. Returns (token, true, nil) on success and ("", false, nil) when
	// the lease is already held.
	Acquire(ctx context.Context, tenantID id.ID, resourceType, resourceID string, ttl time.Duration) (string, bool, error)

	// Release frees the lease only if the stored token matches (atomic
	// compare-and-delete). Returns whether the release occurred; a stale
	// or foreign token returns false without touching the lease.
	Release(ctx context.Context, tenantID id.ID, resourceType, resourceID, token string) (bool, error)

	// Extend refreshes the TTL only if the stored token matches (atomic
	// compare-and-expire).
	Extend(ctx context.Context, tenantID id.ID, resourceType, resourceID, token string, ttl time.Duration) (bool, error)

	// IsLocked is a best-effort point-in-time check. Not a substitute
	// for Acquire.
	IsLocked(ctx context.Context, tenantID id.ID, resourceType, resourceID string) (bool, error)

	// ForceRelease frees the lease regardless of token. Administrative
	// bypass; callers must audit-log the use.
	ForceRelease(ctx context.Context, tenantID id.ID, resourceType, resourceID string) error
}

// Key builds the storage key for a lease.
func Key(tenantID id.ID, resourceType, resourceID string) string {
	return fmt.Sprintf("lock:%s:%s:%s", tenantID, resourceType, resourceID)
}

// NewToken issues an opaque holder token. UUIDv7 keeps tokens unique
// across concurrent acquirers.
func NewToken() string {
	return id.New().String()
}

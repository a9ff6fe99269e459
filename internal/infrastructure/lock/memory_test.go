package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockcore/internal/core/id"
)

func TestMemoryLocker_AcquireIsExclusive(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()
	tenantID := id.New()

	token, ok, err := l.Acquire(ctx, tenantID, "document", "doc-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)

	_, ok, err = l.Acquire(ctx, tenantID, "document", "doc-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Different resource and different tenant are independent.
	_, ok, err = l.Acquire(ctx, tenantID, "document", "doc-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = l.Acquire(ctx, id.New(), "document", "doc-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryLocker_ReleaseRequiresToken(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()
	tenantID := id.New()

	token, ok, err := l.Acquire(ctx, tenantID, "document", "doc-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// A foreign token must not release the lease.
	released, err := l.Release(ctx, tenantID, "document", "doc-1", "stale-token")
	require.NoError(t, err)
	assert.False(t, released)

	held, err := l.IsLocked(ctx, tenantID, "document", "doc-1")
	require.NoError(t, err)
	assert.True(t, held)

	released, err = l.Release(ctx, tenantID, "document", "doc-1", token)
	require.NoError(t, err)
	assert.True(t, released)

	// Releasing again reports not held.
	released, err = l.Release(ctx, tenantID, "document", "doc-1", token)
	require.NoError(t, err)
	assert.False(t, released)
}

func TestMemoryLocker_Expiry(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()
	tenantID := id.New()

	current := time.Now()
	l.now = func() time.Time { return current }

	token, ok, err := l.Acquire(ctx, tenantID, "product_warehouse", "p:w", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	current = current.Add(31 * time.Second)

	held, err := l.IsLocked(ctx, tenantID, "product_warehouse", "p:w")
	require.NoError(t, err)
	assert.False(t, held)

	// The old token is dead; releasing it after expiry reports false.
	released, err := l.Release(ctx, tenantID, "product_warehouse", "p:w", token)
	require.NoError(t, err)
	assert.False(t, released)

	// The resource is free for the next holder.
	next, ok, err := l.Acquire(ctx, tenantID, "product_warehouse", "p:w", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, token, next)

	// The expired holder's token cannot release the new lease either.
	released, err = l.Release(ctx, tenantID, "product_warehouse", "p:w", token)
	require.NoError(t, err)
	assert.False(t, released)
}

func TestMemoryLocker_Extend(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()
	tenantID := id.New()

	current := time.Now()
	l.now = func() time.Time { return current }

	token, ok, err := l.Acquire(ctx, tenantID, "document", "doc-1", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	extended, err := l.Extend(ctx, tenantID, "document", "doc-1", "wrong-token", time.Minute)
	require.NoError(t, err)
	assert.False(t, extended)

	extended, err = l.Extend(ctx, tenantID, "document", "doc-1", token, time.Minute)
	require.NoError(t, err)
	assert.True(t, extended)

	current = current.Add(45 * time.Second)
	held, err := l.IsLocked(ctx, tenantID, "document", "doc-1")
	require.NoError(t, err)
	assert.True(t, held)

	// An expired lease cannot be extended back to life.
	current = current.Add(time.Hour)
	extended, err = l.Extend(ctx, tenantID, "document", "doc-1", token, time.Minute)
	require.NoError(t, err)
	assert.False(t, extended)
}

func TestMemoryLocker_ForceRelease(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()
	tenantID := id.New()

	_, ok, err := l.Acquire(ctx, tenantID, "document", "doc-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.ForceRelease(ctx, tenantID, "document", "doc-1"))

	held, err := l.IsLocked(ctx, tenantID, "document", "doc-1")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestMemoryLocker_ConcurrentAcquire(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()
	tenantID := id.New()

	const workers = 64
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := l.Acquire(ctx, tenantID, "document", "doc-1", time.Minute)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}

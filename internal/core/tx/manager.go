// Package tx defines the transaction contract domain services depend
// on, keeping them free of any database driver import.
package tx

import (
	"context"
)

// Manager runs a function inside a database transaction. The active
// transaction is carried in the context, so a nested call joins the
// transaction already in flight. This is what lets a document post,
// the stock moves it produces and the outbox append share one commit.
type Manager interface {
	// RunInTransaction commits when fn returns nil and rolls back
	// otherwise.
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// ReadOnlyManager adds read-only transactions for query paths.
type ReadOnlyManager interface {
	Manager

	// ReadOnly executes fn in a read-only transaction; writes fail.
	ReadOnly(ctx context.Context, fn func(ctx context.Context) error) error
}

package checkpoint

import "context"

// Chain is the append-only store of one profile's checkpoints.
// Both MemoryChain and PostgresChain implement this interface.
type Chain interface {
	// Append adds cp after the current tip. Appending a checkpoint identical
	// to the one already stored for its date is a no-op; a different one for
	// the same date fails with ErrDateConflict.
	Append(ctx context.Context, cp *Checkpoint) error

	// Get returns the checkpoint for date, or ErrNotFound.
	Get(ctx context.Context, date string) (*Checkpoint, error)

	// Latest returns the chain tip, or ErrNotFound when the chain is empty.
	Latest(ctx context.Context) (*Checkpoint, error)

	// List returns every checkpoint in chain order.
	List(ctx context.Context) ([]*Checkpoint, error)

	// Len returns the number of checkpoints.
	Len(ctx context.Context) (int, error)

	// Verify walks the entire chain and checks hash consistency.
	// Returns nil if the chain is intact.
	Verify(ctx context.Context) error
}

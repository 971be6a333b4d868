package allocation

import "context"

// CommitListener receives allocation events after a successful commit, e.g.
// to invalidate the stock display cache.
type CommitListener interface {
	HandleAllocationCommitted(ctx context.Context, evt AllocationCommittedEvent) error
}

package allocation

import (
	"time"

	"github.com/google/uuid"
)

// AllocationCommittedEvent notifies collaborators that a sale line and its
// batch allocations are durable.
type AllocationCommittedEvent struct {
	SalesLineID  uuid.UUID
	ProductID    int64
	QtyInTablets int64
	Batches      int
	At           time.Time
}

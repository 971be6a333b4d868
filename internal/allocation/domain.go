package allocation

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BatchStatus enumerates lifecycle states of an inventory batch.
type BatchStatus string

const (
	// StatusAvailable marks a batch eligible for allocation.
	StatusAvailable BatchStatus = "AVAILABLE"
	// StatusExpired marks a batch past its expiry date.
	StatusExpired BatchStatus = "EXPIRED"
	// StatusQuarantined marks a batch held back from sale.
	StatusQuarantined BatchStatus = "QUARANTINED"
	// StatusExhausted marks a batch whose quantities reached zero.
	StatusExhausted BatchStatus = "EXHAUSTED"
)

// Unit is the stock-keeping unit a sale is expressed in.
type Unit string

const (
	// UnitStrip is the coarse packaging unit.
	UnitStrip Unit = "STRIP"
	// UnitTablet is the fine (loose) unit.
	UnitTablet Unit = "TABLET"
)

// Valid reports whether the unit is one of the supported values.
func (u Unit) Valid() bool {
	return u == UnitStrip || u == UnitTablet
}

// InventoryBatch is one receipt lot of a product. Batches are created by the
// receiving module, decremented only by the allocation commit step and never
// deleted, only status-transitioned.
type InventoryBatch struct {
	ID         int64
	ProductID  int64
	BatchNo    string
	ExpiryDate time.Time
	StripQty   int64
	TabletQty  int64
	PackSize   int64
	Status     BatchStatus
	CreatedAt  time.Time
}

// TotalTablets returns the fine-unit total held by the batch.
func (b InventoryBatch) TotalTablets() int64 {
	return b.StripQty*b.PackSize + b.TabletQty
}

// AllocationRequest asks for qty of a product in the given unit.
type AllocationRequest struct {
	ProductID int64
	Qty       int64
	Unit      Unit
}

// AllocationConfig carries per-call allocation policy. It is always passed
// explicitly so the planner and resolver stay pure.
type AllocationConfig struct {
	NearExpiryDays  int
	AllowBreakPacks bool
}

// ProposalEntry is one batch contribution inside a proposal.
type ProposalEntry struct {
	BatchID       int64
	BatchNo       string
	ExpiryDate    time.Time
	QtyInTablets  int64
	StripsToBreak int64
	NearExpiry    bool
}

// AllocationProposal is the ephemeral outcome of planning, shown to the
// operator and discarded after commit or rollback.
type AllocationProposal struct {
	ID           uuid.UUID
	ProductID    int64
	QtyInTablets int64
	Entries      []ProposalEntry
}

// OverrideEntry is one line of an operator-supplied replacement allocation.
type OverrideEntry struct {
	BatchID      int64
	QtyInTablets int64
}

// AllocatedBy records which party chose a batch.
type AllocatedBy string

const (
	// AllocatedBySystem marks planner-chosen entries.
	AllocatedBySystem AllocatedBy = "SYSTEM"
	// AllocatedByOperator marks manually overridden entries.
	AllocatedByOperator AllocatedBy = "OPERATOR"
)

// SalesLine is the immutable snapshot of a sale line written at commit.
type SalesLine struct {
	ID           uuid.UUID
	ProductID    int64
	Qty          int64
	Unit         Unit
	PackSize     int64
	QtyInTablets int64
	Price        decimal.Decimal
	CreatedBy    int64
	CreatedAt    time.Time
}

// SalesLineBatchAllocation is one append-only audit row per allocation entry.
type SalesLineBatchAllocation struct {
	ID            int64
	SalesLineID   uuid.UUID
	BatchID       int64
	QtyInTablets  int64
	AllocatedBy   AllocatedBy
	AutoAllocated bool
	CreatedAt     time.Time
}

var (
	// ErrInvalidQuantity rejects non-positive requested quantities.
	ErrInvalidQuantity = errors.New("allocation: quantity must be positive")
	// ErrInvalidUnit rejects unknown sale units.
	ErrInvalidUnit = errors.New("allocation: unit must be STRIP or TABLET")
	// ErrUnknownProduct rejects requests for products missing from the catalog.
	ErrUnknownProduct = errors.New("allocation: unknown product")
	// ErrInsufficientStock is the business outcome when eligible batches
	// cannot cover the request. Nothing has been mutated when it is returned.
	ErrInsufficientStock = errors.New("allocation: insufficient stock")
	// ErrNegativeStock guards the invariant that no batch quantity goes below
	// zero. Hitting it aborts the whole transaction.
	ErrNegativeStock = errors.New("allocation: negative stock not allowed")
	// ErrBusy signals a bounded lock wait expired. Retryable with backoff.
	ErrBusy = errors.New("allocation: product locked by another transaction")
	// ErrValidationFailed signals an override that does not fit the locked
	// batch state. The transaction stays open for a corrected submission.
	ErrValidationFailed = errors.New("allocation: override validation failed")
	// ErrTxnNotFound signals an unknown or already finished transaction id.
	ErrTxnNotFound = errors.New("allocation: transaction not found")
	// ErrTxnState signals an operation not permitted in the current state.
	ErrTxnState = errors.New("allocation: invalid transaction state")
)

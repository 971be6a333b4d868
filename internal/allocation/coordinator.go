package allocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/apotek-erp/apotek-erp/internal/shared"
)

// State is a phase of the allocation transaction state machine.
type State string

const (
	StateIdle       State = "IDLE"
	StateLocked     State = "LOCKED"
	StateProposed   State = "PROPOSED"
	StateOverridden State = "OVERRIDDEN"
	StateValidated  State = "VALIDATED"
	StateCommitted  State = "COMMITTED"
	StateRolledBack State = "ROLLED_BACK"
)

// ProductCatalog resolves pack size for a product. Implementations return
// shared.ErrNotFound for unknown or inactive products.
type ProductCatalog interface {
	PackSize(ctx context.Context, productID int64) (int64, error)
}

// AuditPort abstracts operator-action audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Txn is one open allocation transaction: locks held, proposal computed,
// awaiting the operator's accept or override.
type Txn struct {
	mu       sync.Mutex
	id       uuid.UUID
	req      AllocationRequest
	cfg      AllocationConfig
	state    State
	tx       Tx
	release  func()
	batches  map[int64]InventoryBatch
	proposal []ProposalEntry
	override []OverrideEntry
	packSize int64
	qtyTabs  int64
	deadline time.Time
}

// State returns the transaction's current phase.
func (t *Txn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// CommitParams carries the sale-line snapshot data supplied at commit time.
// Price comes from the out-of-scope pricing collaborator and is recorded
// verbatim.
type CommitParams struct {
	SalesLineID uuid.UUID
	Price       decimal.Decimal
	ActorID     int64
}

// CoordinatorConfig groups coordinator tunables.
type CoordinatorConfig struct {
	LockTimeout time.Duration
	ProposalTTL time.Duration
}

// Coordinator runs allocation transactions: lock, plan, optional override,
// validate, atomic commit or rollback. One instance serves all products;
// transactions on distinct products proceed in parallel.
type Coordinator struct {
	repo     RepositoryPort
	products ProductCatalog
	locks    *shared.ProductLocker
	ledger   *LedgerWriter
	audit    AuditPort
	listener CommitListener
	metrics  *Metrics
	logger   *slog.Logger

	lockTimeout time.Duration
	proposalTTL time.Duration
	clock       func() time.Time

	mu   sync.Mutex
	open map[uuid.UUID]*Txn
}

// NewCoordinator builds a Coordinator. Audit, listener and metrics are
// optional.
func NewCoordinator(repo RepositoryPort, products ProductCatalog, locks *shared.ProductLocker, ledger *LedgerWriter, audit AuditPort, listener CommitListener, metrics *Metrics, logger *slog.Logger, cfg CoordinatorConfig) *Coordinator {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 3 * time.Second
	}
	if cfg.ProposalTTL <= 0 {
		cfg.ProposalTTL = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		repo:        repo,
		products:    products,
		locks:       locks,
		ledger:      ledger,
		audit:       audit,
		listener:    listener,
		metrics:     metrics,
		logger:      logger,
		lockTimeout: cfg.LockTimeout,
		proposalTTL: cfg.ProposalTTL,
		clock:       func() time.Time { return time.Now().UTC() },
		open:        make(map[uuid.UUID]*Txn),
	}
}

// Propose locks the product, plans a FIFO-by-expiry allocation and keeps the
// transaction open for the operator. Input errors are rejected before any lock
// is taken; InsufficientStock rolls everything back and leaves no open state.
func (c *Coordinator) Propose(ctx context.Context, req AllocationRequest, cfg AllocationConfig) (*AllocationProposal, error) {
	if req.Qty <= 0 {
		return nil, ErrInvalidQuantity
	}
	if !req.Unit.Valid() {
		return nil, ErrInvalidUnit
	}
	packSize, err := c.products.PackSize(ctx, req.ProductID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, ErrUnknownProduct
		}
		return nil, err
	}
	qtyTabs := req.Qty
	if req.Unit == UnitStrip {
		qtyTabs = req.Qty * packSize
	}

	lockStart := c.clock()
	release, err := c.locks.Acquire(ctx, req.ProductID, c.lockTimeout)
	c.metrics.ObserveLockWait(c.clock().Sub(lockStart))
	if err != nil {
		c.metrics.Outcome("busy")
		return nil, ErrBusy
	}

	lockCtx, cancel := context.WithTimeout(ctx, c.lockTimeout)
	defer cancel()

	tx, err := c.repo.Begin(lockCtx)
	if err != nil {
		release()
		return nil, err
	}
	today := dateOf(c.clock())
	candidates, err := tx.ListCandidatesForUpdate(lockCtx, req.ProductID, today)
	if err != nil {
		_ = tx.Rollback(ctx)
		release()
		if lockCtx.Err() != nil {
			c.metrics.Outcome("busy")
			return nil, ErrBusy
		}
		return nil, err
	}

	entries, err := Plan(qtyTabs, req.Unit, candidates, cfg, today)
	if err != nil {
		_ = tx.Rollback(ctx)
		release()
		c.metrics.Outcome("insufficient_stock")
		return nil, err
	}

	txn := &Txn{
		id:       uuid.New(),
		req:      req,
		cfg:      cfg,
		state:    StateProposed,
		tx:       tx,
		release:  release,
		batches:  indexBatches(candidates),
		proposal: entries,
		packSize: packSize,
		qtyTabs:  qtyTabs,
		deadline: c.clock().Add(c.proposalTTL),
	}
	c.mu.Lock()
	c.open[txn.id] = txn
	c.mu.Unlock()
	c.metrics.TxnOpened()

	c.logger.Info("allocation proposed",
		slog.String("txn_id", txn.id.String()),
		slog.Int64("product_id", req.ProductID),
		slog.Int64("qty_in_tablets", qtyTabs),
		slog.Int("batches", len(entries)))

	return &AllocationProposal{ID: txn.id, ProductID: req.ProductID, QtyInTablets: qtyTabs, Entries: entries}, nil
}

// Override replaces the planner's choice with the operator's list and
// re-validates it against the locked batch state. A violation returns
// ErrValidationFailed and keeps the transaction open in Overridden for a
// corrected resubmission.
func (c *Coordinator) Override(ctx context.Context, id uuid.UUID, entries []OverrideEntry) error {
	txn, err := c.lookup(id)
	if err != nil {
		return err
	}
	txn.mu.Lock()
	defer txn.mu.Unlock()
	switch txn.state {
	case StateProposed, StateOverridden, StateValidated:
	default:
		return ErrTxnState
	}
	txn.state = StateOverridden

	if err := validateOverride(entries, txn.batches, txn.qtyTabs); err != nil {
		return err
	}
	txn.override = entries
	txn.state = StateValidated
	return nil
}

// Commit applies the pending allocation (planner proposal or validated
// override), writes the audit rows and commits everything as one unit. On any
// apply failure the whole transaction rolls back with nothing applied.
func (c *Coordinator) Commit(ctx context.Context, id uuid.UUID, params CommitParams) (SalesLine, error) {
	txn, err := c.lookup(id)
	if err != nil {
		return SalesLine{}, err
	}
	txn.mu.Lock()
	defer txn.mu.Unlock()

	if c.clock().After(txn.deadline) {
		c.abort(ctx, txn, "expired")
		return SalesLine{}, ErrTxnNotFound
	}

	var takes []OverrideEntry
	var by AllocatedBy
	auto := false
	switch txn.state {
	case StateProposed:
		for _, e := range txn.proposal {
			takes = append(takes, OverrideEntry{BatchID: e.BatchID, QtyInTablets: e.QtyInTablets})
		}
		by = AllocatedBySystem
		auto = true
	case StateValidated:
		takes = txn.override
		by = AllocatedByOperator
	case StateOverridden:
		return SalesLine{}, ErrValidationFailed
	default:
		return SalesLine{}, ErrTxnState
	}

	lineID := params.SalesLineID
	if lineID == uuid.Nil {
		lineID = uuid.New()
	}
	now := c.clock()
	line := SalesLine{
		ID:           lineID,
		ProductID:    txn.req.ProductID,
		Qty:          txn.req.Qty,
		Unit:         txn.req.Unit,
		PackSize:     txn.packSize,
		QtyInTablets: txn.qtyTabs,
		Price:        params.Price,
		CreatedBy:    params.ActorID,
		CreatedAt:    now,
	}

	// The key claim rides inside the allocation transaction, so it commits
	// and rolls back together with the decrements. A failed insert poisons
	// the pg transaction, so a duplicate aborts the whole allocation.
	if err := txn.tx.InsertIdempotencyKey(ctx, lineID.String(), "allocation"); err != nil {
		if errors.Is(err, shared.ErrIdempotencyConflict) {
			c.abort(ctx, txn, "duplicate")
			return SalesLine{}, err
		}
		c.abort(ctx, txn, "repository_failure")
		return SalesLine{}, fmt.Errorf("allocation: claim idempotency key: %w", err)
	}

	rows := make([]SalesLineBatchAllocation, 0, len(takes))
	for _, take := range takes {
		if take.QtyInTablets == 0 {
			continue
		}
		batch := txn.batches[take.BatchID]
		strips, tablets, err := splitFor(batch, take.QtyInTablets, txn.req.Unit, txn.cfg.AllowBreakPacks, by)
		if err == nil {
			err = txn.tx.ApplyDecrement(ctx, batch.ID, strips, tablets)
		}
		if err != nil {
			if errors.Is(err, ErrNegativeStock) {
				c.abort(ctx, txn, "negative_stock")
				return SalesLine{}, ErrNegativeStock
			}
			c.abort(ctx, txn, "repository_failure")
			return SalesLine{}, fmt.Errorf("allocation: apply decrement: %w", err)
		}
		batch.StripQty -= strips
		batch.TabletQty -= tablets
		txn.batches[batch.ID] = batch
		rows = append(rows, SalesLineBatchAllocation{
			SalesLineID:   lineID,
			BatchID:       batch.ID,
			QtyInTablets:  take.QtyInTablets,
			AllocatedBy:   by,
			AutoAllocated: auto,
			CreatedAt:     now,
		})
	}

	if err := c.ledger.Write(ctx, txn.tx, line, rows); err != nil {
		c.abort(ctx, txn, "repository_failure")
		return SalesLine{}, fmt.Errorf("allocation: write ledger: %w", err)
	}
	if err := txn.tx.Commit(ctx); err != nil {
		c.abort(ctx, txn, "repository_failure")
		return SalesLine{}, fmt.Errorf("allocation: commit: %w", err)
	}

	txn.state = StateCommitted
	txn.release()
	c.deregister(txn)
	c.metrics.Outcome("committed")
	c.afterCommit(ctx, txn, line, rows)
	return line, nil
}

// Cancel rolls the transaction back, releasing locks and discarding the
// proposal. Allowed from any non-terminal state.
func (c *Coordinator) Cancel(ctx context.Context, id uuid.UUID, actorID int64) error {
	txn, err := c.lookup(id)
	if err != nil {
		return err
	}
	txn.mu.Lock()
	defer txn.mu.Unlock()
	c.abort(ctx, txn, "cancelled")
	if c.audit != nil {
		_ = c.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "allocation:cancel",
			Entity:   "allocation_txn",
			EntityID: id.String(),
			Meta:     map[string]any{"product_id": txn.req.ProductID},
		})
	}
	return nil
}

// AllocateAuto runs the full propose-and-commit cycle in one call for POS
// flows without an operator review step.
func (c *Coordinator) AllocateAuto(ctx context.Context, req AllocationRequest, cfg AllocationConfig, params CommitParams) (*AllocationProposal, SalesLine, error) {
	proposal, err := c.Propose(ctx, req, cfg)
	if err != nil {
		return nil, SalesLine{}, err
	}
	line, err := c.Commit(ctx, proposal.ID, params)
	if err != nil {
		return nil, SalesLine{}, err
	}
	return proposal, line, nil
}

// StartJanitor rolls back open transactions that outlived their TTL, so an
// abandoned operator session cannot hold a product lock forever.
func (c *Coordinator) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sweepExpired(ctx)
			}
		}
	}()
}

func (c *Coordinator) sweepExpired(ctx context.Context) {
	now := c.clock()
	c.mu.Lock()
	var expired []*Txn
	for _, txn := range c.open {
		if now.After(txn.deadline) {
			expired = append(expired, txn)
		}
	}
	c.mu.Unlock()
	for _, txn := range expired {
		txn.mu.Lock()
		if txn.state != StateCommitted && txn.state != StateRolledBack {
			c.logger.Warn("rolling back stale allocation",
				slog.String("txn_id", txn.id.String()),
				slog.Int64("product_id", txn.req.ProductID))
			c.abort(ctx, txn, "expired")
		}
		txn.mu.Unlock()
	}
}

// abort is called with txn.mu held.
func (c *Coordinator) abort(ctx context.Context, txn *Txn, outcome string) {
	if txn.state == StateCommitted || txn.state == StateRolledBack {
		return
	}
	_ = txn.tx.Rollback(ctx)
	txn.release()
	txn.state = StateRolledBack
	c.deregister(txn)
	c.metrics.Outcome(outcome)
}

func (c *Coordinator) deregister(txn *Txn) {
	c.mu.Lock()
	delete(c.open, txn.id)
	c.mu.Unlock()
	c.metrics.TxnClosed()
}

func (c *Coordinator) lookup(id uuid.UUID) (*Txn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	txn, ok := c.open[id]
	if !ok {
		return nil, ErrTxnNotFound
	}
	return txn, nil
}

func (c *Coordinator) afterCommit(ctx context.Context, txn *Txn, line SalesLine, rows []SalesLineBatchAllocation) {
	c.logger.Info("allocation committed",
		slog.String("txn_id", txn.id.String()),
		slog.String("sales_line_id", line.ID.String()),
		slog.Int64("product_id", line.ProductID),
		slog.Int64("qty_in_tablets", line.QtyInTablets),
		slog.Int("batches", len(rows)))
	if c.audit != nil {
		batchIDs := make([]int64, 0, len(rows))
		for _, r := range rows {
			batchIDs = append(batchIDs, r.BatchID)
		}
		_ = c.audit.Record(ctx, shared.AuditLog{
			ActorID:  line.CreatedBy,
			Action:   "allocation:commit",
			Entity:   "sales_line",
			EntityID: line.ID.String(),
			Meta: map[string]any{
				"product_id":     line.ProductID,
				"qty_in_tablets": line.QtyInTablets,
				"allocated_by":   string(rows[0].AllocatedBy),
				"batch_ids":      batchIDs,
			},
		})
	}
	if c.listener != nil {
		evt := AllocationCommittedEvent{
			SalesLineID:  line.ID,
			ProductID:    line.ProductID,
			QtyInTablets: line.QtyInTablets,
			Batches:      len(rows),
			At:           line.CreatedAt,
		}
		if err := c.listener.HandleAllocationCommitted(ctx, evt); err != nil {
			c.logger.Warn("commit listener failed", slog.Any("error", err))
		}
	}
}

// splitFor picks the decrement strategy: override entries always consume loose
// tablets first and break strips only when allowed; automatic strip-unit sales
// consume whole strips first.
func splitFor(b InventoryBatch, take int64, unit Unit, allowBreakPacks bool, by AllocatedBy) (int64, int64, error) {
	if by == AllocatedByOperator || unit == UnitTablet {
		return splitTake(b, take, allowBreakPacks)
	}
	return splitTakeStrips(b, take)
}

func validateOverride(entries []OverrideEntry, batches map[int64]InventoryBatch, qtyInTablets int64) error {
	if len(entries) == 0 {
		return fmt.Errorf("%w: empty allocation", ErrValidationFailed)
	}
	seen := make(map[int64]bool, len(entries))
	var total int64
	for _, e := range entries {
		if seen[e.BatchID] {
			return fmt.Errorf("%w: duplicate batch %d", ErrValidationFailed, e.BatchID)
		}
		seen[e.BatchID] = true
		batch, ok := batches[e.BatchID]
		if !ok {
			return fmt.Errorf("%w: batch %d is not a locked candidate", ErrValidationFailed, e.BatchID)
		}
		if e.QtyInTablets < 0 || e.QtyInTablets > batch.TotalTablets() {
			return fmt.Errorf("%w: batch %d qty %d exceeds available %d", ErrValidationFailed, e.BatchID, e.QtyInTablets, batch.TotalTablets())
		}
		total += e.QtyInTablets
	}
	if total != qtyInTablets {
		return fmt.Errorf("%w: allocated %d does not match requested %d", ErrValidationFailed, total, qtyInTablets)
	}
	return nil
}

func indexBatches(batches []InventoryBatch) map[int64]InventoryBatch {
	m := make(map[int64]InventoryBatch, len(batches))
	for _, b := range batches {
		m[b.ID] = b
	}
	return m
}

func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

package allocation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/apotek-erp/apotek-erp/internal/shared"
)

type memoryAllocRepo struct {
	mu       sync.Mutex
	batches  map[int64]InventoryBatch
	lines    []SalesLine
	allocs   []SalesLineBatchAllocation
	idemKeys map[string]bool
}

func newMemoryAllocRepo(batches ...InventoryBatch) *memoryAllocRepo {
	repo := &memoryAllocRepo{
		batches:  make(map[int64]InventoryBatch),
		idemKeys: make(map[string]bool),
	}
	for _, b := range batches {
		repo.batches[b.ID] = b
	}
	return repo
}

func (r *memoryAllocRepo) Begin(ctx context.Context) (Tx, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := make(map[int64]InventoryBatch, len(r.batches))
	for id, b := range r.batches {
		snapshot[id] = b
	}
	return &memoryAllocTx{repo: r, snapshot: snapshot}, nil
}

type memoryAllocTx struct {
	repo     *memoryAllocRepo
	snapshot map[int64]InventoryBatch
	lines    []SalesLine
	allocs   []SalesLineBatchAllocation
	keys     []string
	done     bool
}

func (t *memoryAllocTx) ListCandidatesForUpdate(ctx context.Context, productID int64, today time.Time) ([]InventoryBatch, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	var out []InventoryBatch
	for _, b := range t.repo.batches {
		if b.ProductID == productID && b.Status == StatusAvailable && !b.ExpiryDate.Before(today) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (t *memoryAllocTx) ApplyDecrement(ctx context.Context, batchID, strips, tablets int64) error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	b, ok := t.repo.batches[batchID]
	if !ok {
		return ErrNegativeStock
	}
	if b.StripQty-strips < 0 || b.TabletQty-tablets < 0 {
		return ErrNegativeStock
	}
	b.StripQty -= strips
	b.TabletQty -= tablets
	if b.StripQty == 0 && b.TabletQty == 0 {
		b.Status = StatusExhausted
	}
	t.repo.batches[batchID] = b
	return nil
}

func (t *memoryAllocTx) InsertIdempotencyKey(ctx context.Context, key, module string) error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	if t.repo.idemKeys[key] {
		return shared.ErrIdempotencyConflict
	}
	t.keys = append(t.keys, key)
	return nil
}

func (t *memoryAllocTx) InsertSalesLine(ctx context.Context, line SalesLine) error {
	t.lines = append(t.lines, line)
	return nil
}

func (t *memoryAllocTx) InsertAllocations(ctx context.Context, rows []SalesLineBatchAllocation) error {
	t.allocs = append(t.allocs, rows...)
	return nil
}

func (t *memoryAllocTx) Commit(ctx context.Context) error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	t.done = true
	t.repo.lines = append(t.repo.lines, t.lines...)
	t.repo.allocs = append(t.repo.allocs, t.allocs...)
	for _, key := range t.keys {
		t.repo.idemKeys[key] = true
	}
	return nil
}

func (t *memoryAllocTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	t.done = true
	t.repo.batches = t.snapshot
	return nil
}

type stubCatalog struct {
	packSizes map[int64]int64
}

func (s stubCatalog) PackSize(ctx context.Context, productID int64) (int64, error) {
	size, ok := s.packSizes[productID]
	if !ok {
		return 0, shared.ErrNotFound
	}
	return size, nil
}

type captureListener struct {
	mu     sync.Mutex
	events []AllocationCommittedEvent
}

func (l *captureListener) HandleAllocationCommitted(ctx context.Context, evt AllocationCommittedEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
	return nil
}

func testBatch(id int64, expiryDays int, stripQty, tabletQty int64) InventoryBatch {
	return InventoryBatch{
		ID:         id,
		ProductID:  1,
		BatchNo:    "B" + uuid.NewString()[:4],
		ExpiryDate: dateOf(time.Now().UTC()).AddDate(0, 0, expiryDays),
		StripQty:   stripQty,
		TabletQty:  tabletQty,
		PackSize:   10,
		Status:     StatusAvailable,
		CreatedAt:  time.Now().UTC().AddDate(0, 0, -int(id)),
	}
}

func newTestCoordinator(repo RepositoryPort, listener CommitListener, cfg CoordinatorConfig) *Coordinator {
	catalog := stubCatalog{packSizes: map[int64]int64{1: 10, 2: 12}}
	return NewCoordinator(repo, catalog, shared.NewProductLocker(), NewLedgerWriter(), nil, listener, nil, nil, cfg)
}

func TestProposeAndCommitSystemPlan(t *testing.T) {
	repo := newMemoryAllocRepo(
		testBatch(1, 30, 2, 3),
		testBatch(2, 200, 5, 0),
	)
	listener := &captureListener{}
	coord := newTestCoordinator(repo, listener, CoordinatorConfig{})
	ctx := context.Background()

	proposal, err := coord.Propose(ctx, AllocationRequest{ProductID: 1, Qty: 25, Unit: UnitTablet}, defaultCfg())
	require.NoError(t, err)
	require.Equal(t, int64(25), proposal.QtyInTablets)
	require.Len(t, proposal.Entries, 2)
	require.Equal(t, int64(1), proposal.Entries[0].BatchID)
	require.Equal(t, int64(23), proposal.Entries[0].QtyInTablets)
	require.True(t, proposal.Entries[0].NearExpiry)
	require.Equal(t, int64(2), proposal.Entries[1].QtyInTablets)

	line, err := coord.Commit(ctx, proposal.ID, CommitParams{Price: decimal.NewFromInt(5000), ActorID: 42})
	require.NoError(t, err)
	require.Equal(t, int64(25), line.QtyInTablets)
	require.Equal(t, int64(10), line.PackSize)

	// batch 1 fully consumed, batch 2 gave 2 tablets from a broken strip
	require.Equal(t, StatusExhausted, repo.batches[1].Status)
	require.Equal(t, int64(4), repo.batches[2].StripQty)
	require.Equal(t, int64(8), repo.batches[2].TabletQty)

	require.Len(t, repo.lines, 1)
	require.Len(t, repo.allocs, 2)
	var total int64
	for _, row := range repo.allocs {
		require.Equal(t, AllocatedBySystem, row.AllocatedBy)
		require.True(t, row.AutoAllocated)
		total += row.QtyInTablets
	}
	require.Equal(t, line.QtyInTablets, total)

	require.Len(t, listener.events, 1)
	require.Equal(t, line.ID, listener.events[0].SalesLineID)

	// transaction is gone and the product lock is free again
	_, err = coord.Commit(ctx, proposal.ID, CommitParams{})
	require.ErrorIs(t, err, ErrTxnNotFound)
	_, err = coord.Propose(ctx, AllocationRequest{ProductID: 1, Qty: 1, Unit: UnitTablet}, defaultCfg())
	require.NoError(t, err)
}

func TestProposeInsufficientStockLeavesNothingOpen(t *testing.T) {
	repo := newMemoryAllocRepo(testBatch(1, 90, 1, 2))
	coord := newTestCoordinator(repo, nil, CoordinatorConfig{})
	ctx := context.Background()

	_, err := coord.Propose(ctx, AllocationRequest{ProductID: 1, Qty: 99, Unit: UnitTablet}, defaultCfg())
	require.ErrorIs(t, err, ErrInsufficientStock)

	require.Equal(t, int64(1), repo.batches[1].StripQty)
	require.Equal(t, int64(2), repo.batches[1].TabletQty)

	// lock released: the next propose succeeds immediately
	_, err = coord.Propose(ctx, AllocationRequest{ProductID: 1, Qty: 3, Unit: UnitTablet}, defaultCfg())
	require.NoError(t, err)
}

func TestProposeInputErrors(t *testing.T) {
	coord := newTestCoordinator(newMemoryAllocRepo(), nil, CoordinatorConfig{})
	ctx := context.Background()

	_, err := coord.Propose(ctx, AllocationRequest{ProductID: 1, Qty: 0, Unit: UnitTablet}, defaultCfg())
	require.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = coord.Propose(ctx, AllocationRequest{ProductID: 1, Qty: 1, Unit: "BOX"}, defaultCfg())
	require.ErrorIs(t, err, ErrInvalidUnit)

	_, err = coord.Propose(ctx, AllocationRequest{ProductID: 404, Qty: 1, Unit: UnitTablet}, defaultCfg())
	require.ErrorIs(t, err, ErrUnknownProduct)
}

func TestOverrideValidationAndResubmit(t *testing.T) {
	repo := newMemoryAllocRepo(
		testBatch(1, 20, 2, 0),
		testBatch(2, 300, 5, 0),
	)
	coord := newTestCoordinator(repo, nil, CoordinatorConfig{})
	ctx := context.Background()

	proposal, err := coord.Propose(ctx, AllocationRequest{ProductID: 1, Qty: 15, Unit: UnitTablet}, defaultCfg())
	require.NoError(t, err)

	// sum mismatch keeps the transaction open for correction
	err = coord.Override(ctx, proposal.ID, []OverrideEntry{{BatchID: 2, QtyInTablets: 10}})
	require.ErrorIs(t, err, ErrValidationFailed)

	// commit in this state is refused, not rolled back
	_, err = coord.Commit(ctx, proposal.ID, CommitParams{})
	require.ErrorIs(t, err, ErrValidationFailed)

	// duplicate batch entries are refused
	err = coord.Override(ctx, proposal.ID, []OverrideEntry{
		{BatchID: 2, QtyInTablets: 10},
		{BatchID: 2, QtyInTablets: 5},
	})
	require.ErrorIs(t, err, ErrValidationFailed)

	// exceeding a batch total is refused
	err = coord.Override(ctx, proposal.ID, []OverrideEntry{{BatchID: 1, QtyInTablets: 25}})
	require.ErrorIs(t, err, ErrValidationFailed)

	// a batch outside the locked candidate set is refused
	err = coord.Override(ctx, proposal.ID, []OverrideEntry{{BatchID: 99, QtyInTablets: 15}})
	require.ErrorIs(t, err, ErrValidationFailed)

	// corrected override commits as OPERATOR
	err = coord.Override(ctx, proposal.ID, []OverrideEntry{
		{BatchID: 2, QtyInTablets: 15},
	})
	require.NoError(t, err)

	line, err := coord.Commit(ctx, proposal.ID, CommitParams{ActorID: 7})
	require.NoError(t, err)
	require.Equal(t, int64(15), line.QtyInTablets)

	require.Len(t, repo.allocs, 1)
	require.Equal(t, AllocatedByOperator, repo.allocs[0].AllocatedBy)
	require.False(t, repo.allocs[0].AutoAllocated)

	// operator skipped the near-expiry batch entirely
	require.Equal(t, int64(2), repo.batches[1].StripQty)
	require.Equal(t, int64(3), repo.batches[2].StripQty)
	require.Equal(t, int64(5), repo.batches[2].TabletQty)
}

func TestCancelRollsBackAndReleasesLock(t *testing.T) {
	repo := newMemoryAllocRepo(testBatch(1, 60, 4, 0))
	coord := newTestCoordinator(repo, nil, CoordinatorConfig{})
	ctx := context.Background()

	proposal, err := coord.Propose(ctx, AllocationRequest{ProductID: 1, Qty: 2, Unit: UnitStrip}, defaultCfg())
	require.NoError(t, err)

	require.NoError(t, coord.Cancel(ctx, proposal.ID, 7))
	require.Equal(t, int64(4), repo.batches[1].StripQty)

	require.ErrorIs(t, coord.Cancel(ctx, proposal.ID, 7), ErrTxnNotFound)

	_, err = coord.Propose(ctx, AllocationRequest{ProductID: 1, Qty: 1, Unit: UnitStrip}, defaultCfg())
	require.NoError(t, err)
}

func TestStripUnitCommitConsumesWholeStripsFirst(t *testing.T) {
	repo := newMemoryAllocRepo(testBatch(1, 120, 3, 2))
	coord := newTestCoordinator(repo, nil, CoordinatorConfig{})
	ctx := context.Background()

	_, line, err := coord.AllocateAuto(ctx,
		AllocationRequest{ProductID: 1, Qty: 2, Unit: UnitStrip},
		defaultCfg(),
		CommitParams{},
	)
	require.NoError(t, err)
	require.Equal(t, int64(20), line.QtyInTablets)
	require.Equal(t, UnitStrip, line.Unit)

	require.Equal(t, int64(1), repo.batches[1].StripQty)
	require.Equal(t, int64(2), repo.batches[1].TabletQty)
}

func TestCommitReturnsChangeWhenBreakingStrip(t *testing.T) {
	repo := newMemoryAllocRepo(testBatch(1, 120, 3, 2))
	coord := newTestCoordinator(repo, nil, CoordinatorConfig{})
	ctx := context.Background()

	_, line, err := coord.AllocateAuto(ctx,
		AllocationRequest{ProductID: 1, Qty: 8, Unit: UnitTablet},
		defaultCfg(),
		CommitParams{},
	)
	require.NoError(t, err)
	require.Equal(t, int64(8), line.QtyInTablets)

	// one strip opened: 2 loose consumed, 10 in, 8 out leaves 4 loose
	require.Equal(t, int64(2), repo.batches[1].StripQty)
	require.Equal(t, int64(4), repo.batches[1].TabletQty)
	require.Equal(t, int64(24), repo.batches[1].TotalTablets())
}

func TestConcurrentProposeOnSameProductBlocks(t *testing.T) {
	repo := newMemoryAllocRepo(testBatch(1, 120, 10, 0))
	coord := newTestCoordinator(repo, nil, CoordinatorConfig{LockTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	first, err := coord.Propose(ctx, AllocationRequest{ProductID: 1, Qty: 5, Unit: UnitTablet}, defaultCfg())
	require.NoError(t, err)

	_, err = coord.Propose(ctx, AllocationRequest{ProductID: 1, Qty: 5, Unit: UnitTablet}, defaultCfg())
	require.ErrorIs(t, err, ErrBusy)

	require.NoError(t, coord.Cancel(ctx, first.ID, 0))
	_, err = coord.Propose(ctx, AllocationRequest{ProductID: 1, Qty: 5, Unit: UnitTablet}, defaultCfg())
	require.NoError(t, err)
}

func TestConcurrentAutoAllocationsConserveStock(t *testing.T) {
	repo := newMemoryAllocRepo(testBatch(1, 120, 10, 0))
	coord := newTestCoordinator(repo, nil, CoordinatorConfig{LockTimeout: 2 * time.Second})
	ctx := context.Background()

	const workers = 10
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, errs[i] = coord.AllocateAuto(ctx,
				AllocationRequest{ProductID: 1, Qty: 1, Unit: UnitStrip},
				defaultCfg(),
				CommitParams{},
			)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, StatusExhausted, repo.batches[1].Status)
	require.Len(t, repo.lines, workers)

	var total int64
	for _, row := range repo.allocs {
		total += row.QtyInTablets
	}
	require.Equal(t, int64(100), total)
}

// flakyDecrementRepo injects transient storage failures into ApplyDecrement.
type flakyDecrementRepo struct {
	*memoryAllocRepo
	mu    sync.Mutex
	fails int
}

func (r *flakyDecrementRepo) Begin(ctx context.Context) (Tx, error) {
	tx, err := r.memoryAllocRepo.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &flakyDecrementTx{Tx: tx, repo: r}, nil
}

type flakyDecrementTx struct {
	Tx
	repo *flakyDecrementRepo
}

func (t *flakyDecrementTx) ApplyDecrement(ctx context.Context, batchID, strips, tablets int64) error {
	t.repo.mu.Lock()
	if t.repo.fails > 0 {
		t.repo.fails--
		t.repo.mu.Unlock()
		return errors.New("unexpected EOF: connection reset")
	}
	t.repo.mu.Unlock()
	return t.Tx.ApplyDecrement(ctx, batchID, strips, tablets)
}

func TestCommitStorageFailureIsNotReportedAsNegativeStock(t *testing.T) {
	inner := newMemoryAllocRepo(testBatch(1, 120, 2, 0))
	repo := &flakyDecrementRepo{memoryAllocRepo: inner, fails: 1}
	coord := newTestCoordinator(repo, nil, CoordinatorConfig{})
	ctx := context.Background()

	proposal, err := coord.Propose(ctx, AllocationRequest{ProductID: 1, Qty: 5, Unit: UnitTablet}, defaultCfg())
	require.NoError(t, err)

	lineID := uuid.New()
	_, err = coord.Commit(ctx, proposal.ID, CommitParams{SalesLineID: lineID})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNegativeStock)
	require.ErrorContains(t, err, "connection reset")

	// rolled back in full, transaction gone
	require.Equal(t, int64(2), inner.batches[1].StripQty)
	require.Empty(t, inner.lines)
	_, err = coord.Commit(ctx, proposal.ID, CommitParams{})
	require.ErrorIs(t, err, ErrTxnNotFound)

	// the key claim rolled back with the rest: the same sales line commits
	_, line, err := coord.AllocateAuto(ctx,
		AllocationRequest{ProductID: 1, Qty: 5, Unit: UnitTablet},
		defaultCfg(),
		CommitParams{SalesLineID: lineID},
	)
	require.NoError(t, err)
	require.Equal(t, lineID, line.ID)
	require.Equal(t, int64(1), inner.batches[1].StripQty)
	require.Equal(t, int64(5), inner.batches[1].TabletQty)
}

func TestCommitDuplicateSalesLineRollsBack(t *testing.T) {
	repo := newMemoryAllocRepo(testBatch(1, 120, 10, 0))
	coord := newTestCoordinator(repo, nil, CoordinatorConfig{})
	ctx := context.Background()

	lineID := uuid.New()
	_, _, err := coord.AllocateAuto(ctx,
		AllocationRequest{ProductID: 1, Qty: 2, Unit: UnitStrip},
		defaultCfg(),
		CommitParams{SalesLineID: lineID},
	)
	require.NoError(t, err)
	require.Equal(t, int64(8), repo.batches[1].StripQty)

	// a retry with the same sales line id aborts before touching stock
	proposal, err := coord.Propose(ctx, AllocationRequest{ProductID: 1, Qty: 1, Unit: UnitStrip}, defaultCfg())
	require.NoError(t, err)
	_, err = coord.Commit(ctx, proposal.ID, CommitParams{SalesLineID: lineID})
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)

	require.Equal(t, int64(8), repo.batches[1].StripQty)
	require.Len(t, repo.lines, 1)
	_, err = coord.Commit(ctx, proposal.ID, CommitParams{SalesLineID: uuid.New()})
	require.ErrorIs(t, err, ErrTxnNotFound)

	// product lock released by the abort
	_, _, err = coord.AllocateAuto(ctx,
		AllocationRequest{ProductID: 1, Qty: 1, Unit: UnitStrip},
		defaultCfg(),
		CommitParams{},
	)
	require.NoError(t, err)
}

func TestConcurrentOverdemandYieldsInsufficientStock(t *testing.T) {
	// 100 tablets available; ten workers want 20 each
	repo := newMemoryAllocRepo(testBatch(1, 120, 10, 0))
	coord := newTestCoordinator(repo, nil, CoordinatorConfig{LockTimeout: 2 * time.Second})
	ctx := context.Background()

	const workers = 10
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, errs[i] = coord.AllocateAuto(ctx,
				AllocationRequest{ProductID: 1, Qty: 2, Unit: UnitStrip},
				defaultCfg(),
				CommitParams{},
			)
		}()
	}
	wg.Wait()

	committed := 0
	for _, err := range errs {
		if err == nil {
			committed++
			continue
		}
		require.ErrorIs(t, err, ErrInsufficientStock)
	}
	require.Equal(t, 5, committed)
	require.Equal(t, StatusExhausted, repo.batches[1].Status)
	require.Len(t, repo.lines, committed)

	var total int64
	for _, row := range repo.allocs {
		total += row.QtyInTablets
	}
	require.Equal(t, int64(100), total)
}

func TestStaleTransactionIsSweptAndCommitRefused(t *testing.T) {
	repo := newMemoryAllocRepo(testBatch(1, 120, 5, 0))
	coord := newTestCoordinator(repo, nil, CoordinatorConfig{ProposalTTL: time.Minute})
	ctx := context.Background()

	proposal, err := coord.Propose(ctx, AllocationRequest{ProductID: 1, Qty: 3, Unit: UnitTablet}, defaultCfg())
	require.NoError(t, err)

	base := time.Now().UTC()
	coord.clock = func() time.Time { return base.Add(2 * time.Minute) }

	coord.sweepExpired(ctx)

	_, err = coord.Commit(ctx, proposal.ID, CommitParams{})
	require.ErrorIs(t, err, ErrTxnNotFound)
	require.Equal(t, int64(5), repo.batches[1].StripQty)

	// lock was released by the sweep
	coord.clock = func() time.Time { return base.Add(3 * time.Minute) }
	_, err = coord.Propose(ctx, AllocationRequest{ProductID: 1, Qty: 3, Unit: UnitTablet}, defaultCfg())
	require.NoError(t, err)
}

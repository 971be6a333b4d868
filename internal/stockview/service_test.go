package stockview

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/apotek-erp/apotek-erp/internal/allocation"
	"github.com/apotek-erp/apotek-erp/internal/shared"
)

type mockStockRepo struct {
	names      map[int64]string
	batches    map[int64][]allocation.InventoryBatch
	batchCalls int
}

func (r *mockStockRepo) ProductName(ctx context.Context, productID int64) (string, error) {
	name, ok := r.names[productID]
	if !ok {
		return "", shared.ErrNotFound
	}
	return name, nil
}

func (r *mockStockRepo) ListBatches(ctx context.Context, productID int64) ([]allocation.InventoryBatch, error) {
	r.batchCalls++
	return r.batches[productID], nil
}

func newTestService(t *testing.T, repo *mockStockRepo) (*Service, func()) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewCache(client, time.Minute)
	svc := NewService(repo, cache, nil, 30)
	return svc, func() {
		_ = client.Close()
		mr.Close()
	}
}

func seedRepo() *mockStockRepo {
	soon := time.Now().AddDate(0, 0, 10)
	later := time.Now().AddDate(1, 0, 0)
	return &mockStockRepo{
		names: map[int64]string{11: "Paracetamol 500mg", 12: "Amoxicillin 250mg"},
		batches: map[int64][]allocation.InventoryBatch{
			11: {
				{ID: 1, ProductID: 11, BatchNo: "B1", ExpiryDate: soon, StripQty: 2, TabletQty: 3, PackSize: 10, Status: allocation.StatusAvailable},
				{ID: 2, ProductID: 11, BatchNo: "B2", ExpiryDate: later, StripQty: 5, TabletQty: 0, PackSize: 10, Status: allocation.StatusQuarantined},
			},
			12: {
				{ID: 3, ProductID: 12, BatchNo: "C1", ExpiryDate: later, StripQty: 1, TabletQty: 4, PackSize: 12, Status: allocation.StatusAvailable},
			},
		},
	}
}

func TestSnapshotTotalsAndNearExpiry(t *testing.T) {
	repo := seedRepo()
	svc, cleanup := newTestService(t, repo)
	defer cleanup()

	snap, err := svc.Snapshot(context.Background(), 11)
	require.NoError(t, err)
	require.Equal(t, "Paracetamol 500mg", snap.ProductName)
	require.Len(t, snap.Batches, 2)

	require.True(t, snap.Batches[0].NearExpiry)
	require.False(t, snap.Batches[1].NearExpiry)

	require.Equal(t, int64(7), snap.TotalStrips)
	require.Equal(t, int64(73), snap.TotalTablets)
	// quarantined batch is visible but not sellable
	require.Equal(t, int64(23), snap.SellableTablets)
}

func TestSnapshotCachesUntilCommitBump(t *testing.T) {
	repo := seedRepo()
	svc, cleanup := newTestService(t, repo)
	defer cleanup()
	ctx := context.Background()

	_, err := svc.Snapshot(ctx, 11)
	require.NoError(t, err)
	_, err = svc.Snapshot(ctx, 11)
	require.NoError(t, err)
	require.Equal(t, 1, repo.batchCalls)

	require.NoError(t, svc.HandleAllocationCommitted(ctx, allocation.AllocationCommittedEvent{
		SalesLineID: uuid.New(),
		ProductID:   11,
	}))

	_, err = svc.Snapshot(ctx, 11)
	require.NoError(t, err)
	require.Equal(t, 2, repo.batchCalls)
}

func TestMultiSnapshot(t *testing.T) {
	repo := seedRepo()
	svc, cleanup := newTestService(t, repo)
	defer cleanup()

	snaps, err := svc.MultiSnapshot(context.Background(), []int64{11, 12})
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	require.Equal(t, int64(11), snaps[0].ProductID)
	require.Equal(t, int64(12), snaps[1].ProductID)
	require.Equal(t, int64(16), snaps[1].TotalTablets)
}

func TestSnapshotUnknownProduct(t *testing.T) {
	svc, cleanup := newTestService(t, seedRepo())
	defer cleanup()

	_, err := svc.Snapshot(context.Background(), 999)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

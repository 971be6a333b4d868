// Package stockview renders per-product stock snapshots for the POS screen:
// batch rows in planning order with totals and near-expiry warnings, cached in
// Redis and invalidated on every allocation commit.
package stockview

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/apotek-erp/apotek-erp/internal/allocation"
)

// BatchView is one display row of the snapshot.
type BatchView struct {
	BatchID      int64  `json:"batch_id"`
	BatchNo      string `json:"batch_no"`
	ExpiryDate   string `json:"expiry_date"`
	StripQty     int64  `json:"strip_qty"`
	TabletQty    int64  `json:"tablet_qty"`
	PackSize     int64  `json:"pack_size"`
	TotalTablets int64  `json:"total_tablets"`
	Status       string `json:"status"`
	NearExpiry   bool   `json:"near_expiry"`
}

// Snapshot is the full per-product stock display.
type Snapshot struct {
	ProductID       int64       `json:"product_id"`
	ProductName     string      `json:"product_name"`
	Batches         []BatchView `json:"batches"`
	TotalStrips     int64       `json:"total_strips"`
	TotalTablets    int64       `json:"total_tablets"`
	SellableTablets int64       `json:"sellable_tablets"`
	GeneratedAt     time.Time   `json:"generated_at"`
}

// Service assembles snapshots.
type Service struct {
	repo           RepositoryPort
	cache          *Cache
	logger         *slog.Logger
	nearExpiryDays int
}

// NewService constructs the stock view service.
func NewService(repo RepositoryPort, cache *Cache, logger *slog.Logger, nearExpiryDays int) *Service {
	return &Service{repo: repo, cache: cache, logger: logger, nearExpiryDays: nearExpiryDays}
}

// Snapshot returns the cached display for one product, rebuilding on miss.
func (s *Service) Snapshot(ctx context.Context, productID int64) (Snapshot, error) {
	key, err := s.cache.BuildKey(ctx, keySnapshot(productID))
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	err = s.cache.FetchJSON(ctx, key, &snap, func(ctx context.Context) (interface{}, error) {
		return s.build(ctx, productID)
	})
	return snap, err
}

// MultiSnapshot loads several products concurrently, e.g. for a POS search
// result page.
func (s *Service) MultiSnapshot(ctx context.Context, productIDs []int64) ([]Snapshot, error) {
	snaps := make([]Snapshot, len(productIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, id := range productIDs {
		g.Go(func() error {
			snap, err := s.Snapshot(gctx, id)
			if err != nil {
				return err
			}
			snaps[i] = snap
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return snaps, nil
}

// HandleAllocationCommitted invalidates cached snapshots once a commit made
// them stale. Satisfies allocation.CommitListener.
func (s *Service) HandleAllocationCommitted(ctx context.Context, evt allocation.AllocationCommittedEvent) error {
	if err := s.cache.Bump(ctx); err != nil {
		if s.logger != nil {
			s.logger.Warn("bump stock cache", "product_id", evt.ProductID, "error", err)
		}
		return err
	}
	return nil
}

func (s *Service) build(ctx context.Context, productID int64) (Snapshot, error) {
	name, err := s.repo.ProductName(ctx, productID)
	if err != nil {
		return Snapshot{}, err
	}
	batches, err := s.repo.ListBatches(ctx, productID)
	if err != nil {
		return Snapshot{}, err
	}

	now := time.Now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	horizon := today.AddDate(0, 0, s.nearExpiryDays)

	snap := Snapshot{ProductID: productID, ProductName: name, GeneratedAt: now.UTC()}
	for _, b := range batches {
		view := BatchView{
			BatchID:      b.ID,
			BatchNo:      b.BatchNo,
			ExpiryDate:   b.ExpiryDate.Format("2006-01-02"),
			StripQty:     b.StripQty,
			TabletQty:    b.TabletQty,
			PackSize:     b.PackSize,
			TotalTablets: b.TotalTablets(),
			Status:       string(b.Status),
			NearExpiry:   !b.ExpiryDate.After(horizon),
		}
		snap.Batches = append(snap.Batches, view)
		snap.TotalStrips += b.StripQty
		snap.TotalTablets += b.TotalTablets()
		if b.Status == allocation.StatusAvailable {
			snap.SellableTablets += b.TotalTablets()
		}
	}
	return snap, nil
}

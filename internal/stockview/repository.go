package stockview

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apotek-erp/apotek-erp/internal/allocation"
	"github.com/apotek-erp/apotek-erp/internal/shared"
)

// RepositoryPort describes the read path used by Service.
type RepositoryPort interface {
	ProductName(ctx context.Context, productID int64) (string, error)
	ListBatches(ctx context.Context, productID int64) ([]allocation.InventoryBatch, error)
}

// Repository serves plain read-committed pool reads. The display path never
// takes row locks; a snapshot may trail an in-flight allocation and that is
// fine for a screen refresh.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the read repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ProductName resolves the display name for the snapshot header.
func (r *Repository) ProductName(ctx context.Context, productID int64) (string, error) {
	var name string
	err := r.pool.QueryRow(ctx, `SELECT name FROM products WHERE id = $1`, productID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", shared.ErrNotFound
	}
	return name, err
}

// ListBatches returns every non-exhausted batch of a product in planning order.
func (r *Repository) ListBatches(ctx context.Context, productID int64) ([]allocation.InventoryBatch, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, product_id, batch_no, expiry_date, strip_qty, tablet_qty, pack_size, status, created_at
FROM inventory_batches
WHERE product_id = $1 AND status <> 'EXHAUSTED'
ORDER BY expiry_date ASC, created_at ASC, id ASC`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []allocation.InventoryBatch
	for rows.Next() {
		var b allocation.InventoryBatch
		if err := rows.Scan(&b.ID, &b.ProductID, &b.BatchNo, &b.ExpiryDate, &b.StripQty, &b.TabletQty, &b.PackSize, &b.Status, &b.CreatedAt); err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

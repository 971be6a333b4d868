package receiving

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apotek-erp/apotek-erp/internal/allocation"
	"github.com/apotek-erp/apotek-erp/internal/platform/db"
	"github.com/apotek-erp/apotek-erp/internal/shared"
)

// RepositoryPort describes persistence operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetBatch(ctx context.Context, id int64) (allocation.InventoryBatch, error)
	ListBatches(ctx context.Context, productID int64) ([]allocation.InventoryBatch, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	InsertBatch(ctx context.Context, batch allocation.InventoryBatch) (int64, error)
	GetBatchForUpdate(ctx context.Context, id int64) (allocation.InventoryBatch, error)
	UpdateBatchStatus(ctx context.Context, id int64, status allocation.BatchStatus) error
}

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps the callback in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

const batchColumns = `id, product_id, batch_no, expiry_date, strip_qty, tablet_qty, pack_size, status, created_at`

// GetBatch fetches one batch by id.
func (r *Repository) GetBatch(ctx context.Context, id int64) (allocation.InventoryBatch, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM inventory_batches WHERE id = $1`, id)
	return scanBatch(row)
}

// ListBatches returns every batch of a product, oldest expiry first.
func (r *Repository) ListBatches(ctx context.Context, productID int64) ([]allocation.InventoryBatch, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+batchColumns+` FROM inventory_batches
WHERE product_id = $1 ORDER BY expiry_date ASC, created_at ASC, id ASC`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []allocation.InventoryBatch
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, batch)
	}
	return batches, rows.Err()
}

func (t *txRepo) InsertBatch(ctx context.Context, batch allocation.InventoryBatch) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO inventory_batches
(product_id, batch_no, expiry_date, strip_qty, tablet_qty, pack_size, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		batch.ProductID, batch.BatchNo, batch.ExpiryDate, batch.StripQty, batch.TabletQty,
		batch.PackSize, batch.Status, time.Now().UTC()).Scan(&id)
	return id, err
}

func (t *txRepo) GetBatchForUpdate(ctx context.Context, id int64) (allocation.InventoryBatch, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+batchColumns+` FROM inventory_batches WHERE id = $1 FOR UPDATE`, id)
	return scanBatch(row)
}

func (t *txRepo) UpdateBatchStatus(ctx context.Context, id int64, status allocation.BatchStatus) error {
	tag, err := t.tx.Exec(ctx, `UPDATE inventory_batches SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func scanBatch(row pgx.Row) (allocation.InventoryBatch, error) {
	var b allocation.InventoryBatch
	err := row.Scan(&b.ID, &b.ProductID, &b.BatchNo, &b.ExpiryDate, &b.StripQty, &b.TabletQty, &b.PackSize, &b.Status, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return allocation.InventoryBatch{}, shared.ErrNotFound
	}
	return b, err
}

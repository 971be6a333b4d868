package allocation

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apotek-erp/apotek-erp/internal/shared"
)

// RepositoryPort abstracts storage for the coordinator.
type RepositoryPort interface {
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one open allocation transaction. Candidate rows read through it stay
// locked until Commit or Rollback, serializing concurrent allocations on the
// same product.
type Tx interface {
	ListCandidatesForUpdate(ctx context.Context, productID int64, today time.Time) ([]InventoryBatch, error)
	ApplyDecrement(ctx context.Context, batchID, stripsToRemove, tabletsToRemove int64) error
	InsertIdempotencyKey(ctx context.Context, key, module string) error
	InsertSalesLine(ctx context.Context, line SalesLine) error
	InsertAllocations(ctx context.Context, rows []SalesLineBatchAllocation) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Repository persists batches and allocation audit rows in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type repoTx struct {
	tx pgx.Tx
}

// Begin opens a repeatable-read transaction for one allocation.
func (r *Repository) Begin(ctx context.Context) (Tx, error) {
	if r == nil {
		return nil, errors.New("allocation repository not initialised")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, err
	}
	return &repoTx{tx: tx}, nil
}

func (t *repoTx) ListCandidatesForUpdate(ctx context.Context, productID int64, today time.Time) ([]InventoryBatch, error) {
	rows, err := t.tx.Query(ctx, `SELECT id, product_id, batch_no, expiry_date, strip_qty, tablet_qty, pack_size, status, created_at
FROM inventory_batches
WHERE product_id=$1 AND status=$2 AND expiry_date >= $3
ORDER BY expiry_date ASC, created_at ASC, id ASC
FOR UPDATE`, productID, string(StatusAvailable), today)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var batches []InventoryBatch
	for rows.Next() {
		var b InventoryBatch
		var status string
		if err := rows.Scan(&b.ID, &b.ProductID, &b.BatchNo, &b.ExpiryDate, &b.StripQty, &b.TabletQty, &b.PackSize, &status, &b.CreatedAt); err != nil {
			return nil, err
		}
		b.Status = BatchStatus(status)
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// ApplyDecrement removes quantities from a batch. The WHERE guard plus the
// table check constraints make a below-zero result impossible; a batch that
// reaches zero on both counters transitions to EXHAUSTED in the same statement.
func (t *repoTx) ApplyDecrement(ctx context.Context, batchID, stripsToRemove, tabletsToRemove int64) error {
	tag, err := t.tx.Exec(ctx, `UPDATE inventory_batches
SET strip_qty = strip_qty - $2,
    tablet_qty = tablet_qty - $3,
    status = CASE WHEN strip_qty - $2 = 0 AND tablet_qty - $3 = 0 THEN 'EXHAUSTED' ELSE status END
WHERE id = $1 AND strip_qty - $2 >= 0 AND tablet_qty - $3 >= 0`, batchID, stripsToRemove, tabletsToRemove)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23514" {
			return ErrNegativeStock
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNegativeStock
	}
	return nil
}

// InsertIdempotencyKey claims the sale-line key inside the open transaction,
// so the claim commits and rolls back together with the decrements. A crash
// before Commit leaves no stale key behind.
func (t *repoTx) InsertIdempotencyKey(ctx context.Context, key, module string) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO idempotency_keys (key, module, created_at) VALUES ($1, $2, $3)`, key, module, time.Now())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return shared.ErrIdempotencyConflict
		}
		return err
	}
	return nil
}

func (t *repoTx) InsertSalesLine(ctx context.Context, line SalesLine) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO sales_lines (id, product_id, qty, unit, pack_size, qty_in_tablets, price, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`, line.ID, line.ProductID, line.Qty, string(line.Unit), line.PackSize, line.QtyInTablets, line.Price, nullInt(line.CreatedBy), line.CreatedAt)
	return err
}

func (t *repoTx) InsertAllocations(ctx context.Context, rows []SalesLineBatchAllocation) error {
	for _, row := range rows {
		if _, err := t.tx.Exec(ctx, `INSERT INTO sales_line_batch_allocations (sales_line_id, batch_id, qty_in_tablets, allocated_by, auto_allocated, created_at)
VALUES ($1,$2,$3,$4,$5,$6)`, row.SalesLineID, row.BatchID, row.QtyInTablets, string(row.AllocatedBy), row.AutoAllocated, row.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

func (t *repoTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *repoTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

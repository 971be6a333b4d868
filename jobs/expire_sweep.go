package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	jobmetrics "github.com/apotek-erp/apotek-erp/internal/jobs"
	"github.com/apotek-erp/apotek-erp/internal/shared"
)

// CacheBumper invalidates stock display caches after the sweep moved batches
// out of the allocatable pool.
type CacheBumper interface {
	Bump(ctx context.Context) error
}

// ExpireSweeper retires AVAILABLE batches whose expiry date has passed. It
// only ever flips status; quantities and history stay untouched.
type ExpireSweeper struct {
	pool    *pgxpool.Pool
	cache   CacheBumper
	audit   *shared.AuditLogger
	metrics *jobmetrics.Metrics
	logger  *slog.Logger
}

// NewExpireSweeper constructs the sweeper.
func NewExpireSweeper(pool *pgxpool.Pool, cache CacheBumper, audit *shared.AuditLogger, metrics *jobmetrics.Metrics, logger *slog.Logger) *ExpireSweeper {
	return &ExpireSweeper{pool: pool, cache: cache, audit: audit, metrics: metrics, logger: logger}
}

// Handle processes TaskExpireSweep tasks.
func (s *ExpireSweeper) Handle(ctx context.Context, t *asynq.Task) error {
	var payload ExpireSweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	asOf := time.Now().UTC()
	if payload.AsOf != "" {
		parsed, err := time.Parse("2006-01-02", payload.AsOf)
		if err != nil {
			return asynq.SkipRetry
		}
		asOf = parsed
	}
	tracker := s.metrics.Track("expire_sweep")
	return tracker.End(s.run(ctx, asOf))
}

func (s *ExpireSweeper) run(ctx context.Context, asOf time.Time) error {
	rows, err := s.pool.Query(ctx, `UPDATE inventory_batches
SET status = 'EXPIRED'
WHERE status = 'AVAILABLE' AND expiry_date < $1
RETURNING id, product_id, batch_no`, asOf)
	if err != nil {
		return err
	}
	defer rows.Close()

	type swept struct {
		id        int64
		productID int64
		batchNo   string
	}
	var retired []swept
	for rows.Next() {
		var row swept
		if err := rows.Scan(&row.id, &row.productID, &row.batchNo); err != nil {
			return err
		}
		retired = append(retired, row)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(retired) == 0 {
		return nil
	}

	perProduct := make(map[int64]int)
	for _, row := range retired {
		perProduct[row.productID]++
		if s.audit != nil {
			_ = s.audit.Record(ctx, shared.AuditLog{
				Action:   "BATCH_EXPIRE_SWEEP",
				Entity:   "inventory_batch",
				EntityID: fmt.Sprintf("%d", row.id),
				Meta:     map[string]any{"batch_no": row.batchNo, "product_id": row.productID},
			})
		}
	}
	for productID, count := range perProduct {
		s.metrics.AddExpired(productID, count)
	}
	if s.logger != nil {
		s.logger.Info("expire sweep done", "retired", len(retired), "as_of", asOf.Format("2006-01-02"))
	}
	if s.cache != nil {
		if err := s.cache.Bump(ctx); err != nil && s.logger != nil {
			s.logger.Warn("bump stock cache after sweep", "error", err)
		}
	}
	return nil
}

package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	jobmetrics "github.com/apotek-erp/apotek-erp/internal/jobs"
)

// NearExpiryScanner flags AVAILABLE batches that will expire inside the
// configured horizon so the pharmacy can push them to the front of the
// counter before the sweep retires them.
type NearExpiryScanner struct {
	pool        *pgxpool.Pool
	metrics     *jobmetrics.Metrics
	logger      *slog.Logger
	horizonDays int
}

// NewNearExpiryScanner constructs the scanner.
func NewNearExpiryScanner(pool *pgxpool.Pool, metrics *jobmetrics.Metrics, logger *slog.Logger, horizonDays int) *NearExpiryScanner {
	return &NearExpiryScanner{pool: pool, metrics: metrics, logger: logger, horizonDays: horizonDays}
}

// Handle processes TaskNearExpiryScan tasks.
func (s *NearExpiryScanner) Handle(ctx context.Context, t *asynq.Task) error {
	var payload NearExpiryScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	horizon := payload.HorizonDays
	if horizon <= 0 {
		horizon = s.horizonDays
	}
	tracker := s.metrics.Track("near_expiry_scan")
	return tracker.End(s.run(ctx, horizon))
}

func (s *NearExpiryScanner) run(ctx context.Context, horizonDays int) error {
	limit := time.Now().UTC().AddDate(0, 0, horizonDays)
	rows, err := s.pool.Query(ctx, `SELECT b.id, b.product_id, p.name, b.batch_no, b.expiry_date, b.strip_qty, b.tablet_qty, b.pack_size
FROM inventory_batches b
JOIN products p ON p.id = b.product_id
WHERE b.status = 'AVAILABLE' AND b.expiry_date <= $1
ORDER BY b.expiry_date ASC`, limit)
	if err != nil {
		return err
	}
	defer rows.Close()

	perProduct := make(map[int64]int)
	flagged := 0
	for rows.Next() {
		var (
			batchID, productID, stripQty, tabletQty, packSize int64
			productName, batchNo                              string
			expiry                                            time.Time
		)
		if err := rows.Scan(&batchID, &productID, &productName, &batchNo, &expiry, &stripQty, &tabletQty, &packSize); err != nil {
			return err
		}
		flagged++
		perProduct[productID]++
		if s.logger != nil {
			s.logger.Warn("batch nearing expiry",
				"batch_id", batchID,
				"batch_no", batchNo,
				"product", productName,
				"expiry_date", expiry.Format("2006-01-02"),
				"total_tablets", stripQty*packSize+tabletQty,
			)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for productID, count := range perProduct {
		s.metrics.AddNearExpiry(productID, count)
	}
	if s.logger != nil && flagged > 0 {
		s.logger.Info("near-expiry scan done", "flagged", flagged, "horizon_days", horizonDays)
	}
	return nil
}

package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/apotek-erp/apotek-erp/internal/jobs"
	"github.com/apotek-erp/apotek-erp/internal/shared"
)

// IdempotencyCleaner prunes idempotency keys past their retention window.
// Keys that old can no longer collide with a live POS retry.
type IdempotencyCleaner struct {
	store         *shared.IdempotencyStore
	metrics       *jobmetrics.Metrics
	logger        *slog.Logger
	retentionDays int
}

// NewIdempotencyCleaner constructs the cleaner.
func NewIdempotencyCleaner(store *shared.IdempotencyStore, metrics *jobmetrics.Metrics, logger *slog.Logger, retentionDays int) *IdempotencyCleaner {
	return &IdempotencyCleaner{store: store, metrics: metrics, logger: logger, retentionDays: retentionDays}
}

// Handle processes TaskIdempotencyCleanup tasks.
func (c *IdempotencyCleaner) Handle(ctx context.Context, t *asynq.Task) error {
	var payload IdempotencyCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	retention := payload.RetentionDays
	if retention <= 0 {
		retention = c.retentionDays
	}
	tracker := c.metrics.Track("idempotency_cleanup")
	err := c.store.Cleanup(ctx, time.Duration(retention)*24*time.Hour)
	if err == nil && c.logger != nil {
		c.logger.Info("idempotency cleanup done", "retention_days", retention)
	}
	return tracker.End(err)
}

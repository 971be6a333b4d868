package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskExpireSweep retires available batches past their expiry date.
	TaskExpireSweep = "inventory:expire_sweep"
	// TaskNearExpiryScan flags batches approaching expiry.
	TaskNearExpiryScan = "inventory:near_expiry_scan"
	// TaskIdempotencyCleanup prunes aged idempotency keys.
	TaskIdempotencyCleanup = "maintenance:idempotency_cleanup"
)

// ExpireSweepPayload parameterises an expiry sweep run. AsOf defaults to the
// current date when empty.
type ExpireSweepPayload struct {
	AsOf string `json:"as_of,omitempty"`
}

// NearExpiryScanPayload parameterises a near-expiry scan. HorizonDays of zero
// falls back to the configured default.
type NearExpiryScanPayload struct {
	HorizonDays int `json:"horizon_days,omitempty"`
}

// IdempotencyCleanupPayload parameterises key pruning. RetentionDays of zero
// falls back to the configured default.
type IdempotencyCleanupPayload struct {
	RetentionDays int `json:"retention_days,omitempty"`
}

// NewExpireSweepTask constructs an Asynq task.
func NewExpireSweepTask(payload ExpireSweepPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskExpireSweep, data), nil
}

// NewNearExpiryScanTask constructs an Asynq task.
func NewNearExpiryScanTask(payload NearExpiryScanPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskNearExpiryScan, data), nil
}

// NewIdempotencyCleanupTask constructs an Asynq task.
func NewIdempotencyCleanupTask(payload IdempotencyCleanupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data), nil
}

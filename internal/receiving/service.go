package receiving

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/apotek-erp/apotek-erp/internal/allocation"
	"github.com/apotek-erp/apotek-erp/internal/shared"
)

// CatalogPort resolves the pack size of an active product.
type CatalogPort interface {
	PackSize(ctx context.Context, productID int64) (int64, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service orchestrates batch intake and status transitions.
type Service struct {
	repo    RepositoryPort
	catalog CatalogPort
	audit   AuditPort
	logger  *slog.Logger
}

// NewService constructs the receiving service.
func NewService(repo RepositoryPort, catalog CatalogPort, audit AuditPort, logger *slog.Logger) *Service {
	return &Service{repo: repo, catalog: catalog, audit: audit, logger: logger}
}

// Receive creates a new batch. Pack size is stamped from the product master at
// intake time so later catalog edits never rewrite history.
func (s *Service) Receive(ctx context.Context, input ReceiveInput) (allocation.InventoryBatch, error) {
	if err := validateReceive(input); err != nil {
		return allocation.InventoryBatch{}, err
	}
	packSize, err := s.catalog.PackSize(ctx, input.ProductID)
	if err != nil {
		return allocation.InventoryBatch{}, fmt.Errorf("%w: produk %d tidak dikenal", ErrValidation, input.ProductID)
	}

	status := allocation.StatusAvailable
	if input.Quarantine {
		status = allocation.StatusQuarantined
	}
	batch := allocation.InventoryBatch{
		ProductID:  input.ProductID,
		BatchNo:    strings.TrimSpace(input.BatchNo),
		ExpiryDate: input.ExpiryDate,
		StripQty:   input.StripQty,
		TabletQty:  input.TabletQty,
		PackSize:   packSize,
		Status:     status,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.InsertBatch(ctx, batch)
		if err != nil {
			return err
		}
		batch.ID = id
		return nil
	})
	if err != nil {
		return allocation.InventoryBatch{}, err
	}
	s.recordAudit(ctx, input.ActorID, "BATCH_RECEIVE", batch.ID, map[string]any{
		"batch_no":   batch.BatchNo,
		"product_id": batch.ProductID,
		"strip_qty":  batch.StripQty,
		"tablet_qty": batch.TabletQty,
		"status":     string(batch.Status),
	})
	return batch, nil
}

// Quarantine holds a batch back from allocation.
func (s *Service) Quarantine(ctx context.Context, batchID, actorID int64) error {
	return s.transition(ctx, batchID, actorID, allocation.StatusQuarantined, "BATCH_QUARANTINE")
}

// Release returns a quarantined batch to the allocatable pool. A batch past
// its expiry date cannot be released.
func (s *Service) Release(ctx context.Context, batchID, actorID int64) error {
	return s.transition(ctx, batchID, actorID, allocation.StatusAvailable, "BATCH_RELEASE")
}

// MarkExpired retires a batch past (or declared past) its shelf life.
func (s *Service) MarkExpired(ctx context.Context, batchID, actorID int64) error {
	return s.transition(ctx, batchID, actorID, allocation.StatusExpired, "BATCH_EXPIRE")
}

// GetBatch exposes a single batch for display.
func (s *Service) GetBatch(ctx context.Context, batchID int64) (allocation.InventoryBatch, error) {
	return s.repo.GetBatch(ctx, batchID)
}

// ListBatches exposes a product's batches for display.
func (s *Service) ListBatches(ctx context.Context, productID int64) ([]allocation.InventoryBatch, error) {
	return s.repo.ListBatches(ctx, productID)
}

func (s *Service) transition(ctx context.Context, batchID, actorID int64, to allocation.BatchStatus, action string) error {
	var from allocation.BatchStatus
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		batch, err := tx.GetBatchForUpdate(ctx, batchID)
		if err != nil {
			return err
		}
		from = batch.Status
		if !canTransition(batch.Status, to) {
			return fmt.Errorf("%w: %s -> %s", shared.ErrInvalidState, batch.Status, to)
		}
		if to == allocation.StatusAvailable && !batch.ExpiryDate.After(time.Now()) {
			return fmt.Errorf("%w: batch sudah kedaluwarsa", shared.ErrInvalidState)
		}
		return tx.UpdateBatchStatus(ctx, batchID, to)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, action, batchID, map[string]any{"from": string(from), "to": string(to)})
	return nil
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, batchID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "inventory_batch",
		EntityID: fmt.Sprintf("%d", batchID),
		Meta:     meta,
	}); err != nil && s.logger != nil {
		s.logger.Warn("write receiving audit", "action", action, "batch_id", batchID, "error", err)
	}
}

func validateReceive(input ReceiveInput) error {
	if input.ProductID <= 0 {
		return fmt.Errorf("%w: product_id wajib", ErrValidation)
	}
	if strings.TrimSpace(input.BatchNo) == "" {
		return fmt.Errorf("%w: batch_no wajib", ErrValidation)
	}
	if input.ExpiryDate.IsZero() || !input.ExpiryDate.After(time.Now()) {
		return fmt.Errorf("%w: tanggal kedaluwarsa harus di masa depan", ErrValidation)
	}
	if input.StripQty < 0 || input.TabletQty < 0 {
		return fmt.Errorf("%w: jumlah tidak boleh negatif", ErrValidation)
	}
	if input.StripQty == 0 && input.TabletQty == 0 {
		return fmt.Errorf("%w: batch kosong", ErrValidation)
	}
	return nil
}

package receiving

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/apotek-erp/apotek-erp/internal/allocation"
	"github.com/apotek-erp/apotek-erp/internal/platform/httpx"
	"github.com/apotek-erp/apotek-erp/internal/shared"
)

// Handler exposes batch intake and lifecycle over HTTP.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// MountRoutes registers the receiving routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/batches", h.receive)
	r.Get("/batches/{batchID}", h.getBatch)
	r.Get("/products/{productID}/batches", h.listBatches)
	r.Post("/batches/{batchID}/quarantine", h.quarantine)
	r.Post("/batches/{batchID}/release", h.release)
	r.Post("/batches/{batchID}/expire", h.markExpired)
}

type receiveRequest struct {
	ProductID  int64  `json:"product_id" validate:"required,gt=0"`
	BatchNo    string `json:"batch_no" validate:"required"`
	ExpiryDate string `json:"expiry_date" validate:"required,datetime=2006-01-02"`
	StripQty   int64  `json:"strip_qty" validate:"gte=0"`
	TabletQty  int64  `json:"tablet_qty" validate:"gte=0"`
	Quarantine bool   `json:"quarantine"`
	Note       string `json:"note"`
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	var req receiveRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "payload tidak valid")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	expiry, err := time.Parse("2006-01-02", req.ExpiryDate)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "tanggal kedaluwarsa tidak valid")
		return
	}
	batch, err := h.service.Receive(r.Context(), ReceiveInput{
		ProductID:  req.ProductID,
		BatchNo:    req.BatchNo,
		ExpiryDate: expiry,
		StripQty:   req.StripQty,
		TabletQty:  req.TabletQty,
		Quarantine: req.Quarantine,
		ActorID:    shared.ActorFromContext(r.Context()),
		Note:       req.Note,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, batchView(batch))
}

func (h *Handler) getBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := h.batchID(w, r)
	if !ok {
		return
	}
	batch, err := h.service.GetBatch(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, batchView(batch))
}

func (h *Handler) listBatches(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "id produk tidak valid")
		return
	}
	batches, err := h.service.ListBatches(r.Context(), productID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	views := make([]map[string]any, 0, len(batches))
	for _, b := range batches {
		views = append(views, batchView(b))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": views})
}

func (h *Handler) quarantine(w http.ResponseWriter, r *http.Request) {
	h.doTransition(w, r, h.service.Quarantine)
}

func (h *Handler) release(w http.ResponseWriter, r *http.Request) {
	h.doTransition(w, r, h.service.Release)
}

func (h *Handler) markExpired(w http.ResponseWriter, r *http.Request) {
	h.doTransition(w, r, h.service.MarkExpired)
}

func (h *Handler) doTransition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, batchID, actorID int64) error) {
	id, ok := h.batchID(w, r)
	if !ok {
		return
	}
	if err := fn(r.Context(), id, shared.ActorFromContext(r.Context())); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.NoContent(w)
}

func (h *Handler) batchID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "batchID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "id batch tidak valid")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "batch tidak ditemukan")
	case errors.Is(err, shared.ErrInvalidState):
		httpx.Problem(w, http.StatusConflict, "Invalid State", err.Error())
	default:
		h.logger.Error("receiving operation failed", "error", err)
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func batchView(b allocation.InventoryBatch) map[string]any {
	return map[string]any{
		"id":          b.ID,
		"product_id":  b.ProductID,
		"batch_no":    b.BatchNo,
		"expiry_date": b.ExpiryDate.Format("2006-01-02"),
		"strip_qty":   b.StripQty,
		"tablet_qty":  b.TabletQty,
		"pack_size":   b.PackSize,
		"status":      b.Status,
	}
}

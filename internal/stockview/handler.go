package stockview

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/apotek-erp/apotek-erp/internal/platform/httpx"
	"github.com/apotek-erp/apotek-erp/internal/shared"
)

// Handler exposes stock snapshots over HTTP.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers the stock display routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.multi)
	r.Get("/{productID}", h.single)
}

func (h *Handler) single(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "id produk tidak valid")
		return
	}
	snap, err := h.service.Snapshot(r.Context(), productID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, snap)
}

// multi serves ?ids=1,2,3 for the POS search result page.
func (h *Handler) multi(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("ids"))
	if raw == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "parameter ids wajib")
		return
	}
	parts := strings.Split(raw, ",")
	if len(parts) > 50 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "maksimal 50 produk per permintaan")
		return
	}
	ids := make([]int64, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "parameter ids tidak valid")
			return
		}
		ids = append(ids, id)
	}
	snaps, err := h.service.MultiSnapshot(r.Context(), ids)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": snaps})
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	if errors.Is(err, shared.ErrNotFound) {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "produk tidak ditemukan")
		return
	}
	h.logger.Error("load stock view failed", "error", err)
	httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
}

package allocation

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/apotek-erp/apotek-erp/internal/platform/httpx"
	"github.com/apotek-erp/apotek-erp/internal/shared"
)

// Handler wires JSON endpoints for the allocation engine. This is the internal
// module boundary consumed by the POS collaborator; no other wire protocol is
// prescribed.
type Handler struct {
	logger   *slog.Logger
	coord    *Coordinator
	validate *validator.Validate
	defaults AllocationConfig
}

// NewHandler constructs the allocation handler. defaults supplies the
// AllocationConfig used when the request does not override it.
func NewHandler(logger *slog.Logger, coord *Coordinator, defaults AllocationConfig) *Handler {
	return &Handler{
		logger:   logger,
		coord:    coord,
		validate: validator.New(),
		defaults: defaults,
	}
}

// MountRoutes registers allocation routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.handlePropose)
	r.Post("/auto", h.handleAuto)
	r.Route("/{txnID}", func(r chi.Router) {
		r.Post("/commit", h.handleCommit)
		r.Post("/override", h.handleOverride)
		r.Post("/cancel", h.handleCancel)
	})
}

type proposeRequest struct {
	ProductID       int64  `json:"product_id" validate:"required,gt=0"`
	Qty             int64  `json:"qty" validate:"required,gt=0"`
	Unit            string `json:"unit" validate:"required,oneof=STRIP TABLET"`
	NearExpiryDays  *int   `json:"near_expiry_days" validate:"omitempty,gte=0"`
	AllowBreakPacks *bool  `json:"allow_break_packs"`
}

type proposalEntryDTO struct {
	BatchID       int64  `json:"batch_id"`
	BatchNo       string `json:"batch_no"`
	ExpiryDate    string `json:"expiry_date"`
	QtyInTablets  int64  `json:"qty_in_tablets"`
	StripsToBreak int64  `json:"strips_to_break,omitempty"`
	NearExpiry    bool   `json:"near_expiry"`
}

type proposalResponse struct {
	TxnID        string             `json:"txn_id"`
	ProductID    int64              `json:"product_id"`
	QtyInTablets int64              `json:"qty_in_tablets"`
	Entries      []proposalEntryDTO `json:"entries"`
}

type commitRequest struct {
	SalesLineID string          `json:"sales_line_id" validate:"omitempty,uuid"`
	Price       decimal.Decimal `json:"price"`
	ActorID     int64           `json:"actor_id"`
}

type overrideEntryDTO struct {
	BatchID      int64 `json:"batch_id" validate:"required,gt=0"`
	QtyInTablets int64 `json:"qty_in_tablets" validate:"gte=0"`
}

type overrideRequest struct {
	Entries []overrideEntryDTO `json:"entries" validate:"required,min=1,dive"`
}

type salesLineResponse struct {
	SalesLineID  string `json:"sales_line_id"`
	ProductID    int64  `json:"product_id"`
	Qty          int64  `json:"qty"`
	Unit         string `json:"unit"`
	PackSize     int64  `json:"pack_size"`
	QtyInTablets int64  `json:"qty_in_tablets"`
	Price        string `json:"price"`
}

func (h *Handler) handlePropose(w http.ResponseWriter, r *http.Request) {
	var req proposeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", "body must be valid JSON")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Input", err.Error())
		return
	}
	proposal, err := h.coord.Propose(r.Context(),
		AllocationRequest{ProductID: req.ProductID, Qty: req.Qty, Unit: Unit(req.Unit)},
		h.config(req.NearExpiryDays, req.AllowBreakPacks))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toProposalResponse(proposal))
}

func (h *Handler) handleAuto(w http.ResponseWriter, r *http.Request) {
	var req struct {
		proposeRequest
		commitRequest
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", "body must be valid JSON")
		return
	}
	if err := h.validate.Struct(req.proposeRequest); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Input", err.Error())
		return
	}
	params, err := toCommitParams(req.commitRequest)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Input", err.Error())
		return
	}
	proposal, line, err := h.coord.AllocateAuto(r.Context(),
		AllocationRequest{ProductID: req.ProductID, Qty: req.Qty, Unit: Unit(req.Unit)},
		h.config(req.NearExpiryDays, req.AllowBreakPacks),
		params)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"proposal":   toProposalResponse(proposal),
		"sales_line": toSalesLineResponse(line),
	})
}

func (h *Handler) handleCommit(w http.ResponseWriter, r *http.Request) {
	txnID, err := uuid.Parse(chi.URLParam(r, "txnID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Input", "txn id must be a uuid")
		return
	}
	var req commitRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", "body must be valid JSON")
		return
	}
	params, err := toCommitParams(req)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Input", err.Error())
		return
	}
	line, err := h.coord.Commit(r.Context(), txnID, params)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toSalesLineResponse(line))
}

func (h *Handler) handleOverride(w http.ResponseWriter, r *http.Request) {
	txnID, err := uuid.Parse(chi.URLParam(r, "txnID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Input", "txn id must be a uuid")
		return
	}
	var req overrideRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Payload", "body must be valid JSON")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Input", err.Error())
		return
	}
	entries := make([]OverrideEntry, 0, len(req.Entries))
	for _, e := range req.Entries {
		entries = append(entries, OverrideEntry{BatchID: e.BatchID, QtyInTablets: e.QtyInTablets})
	}
	if err := h.coord.Override(r.Context(), txnID, entries); err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "validated"})
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	txnID, err := uuid.Parse(chi.URLParam(r, "txnID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Input", "txn id must be a uuid")
		return
	}
	var req struct {
		ActorID int64 `json:"actor_id"`
	}
	_ = httpx.DecodeJSON(r, &req)
	if err := h.coord.Cancel(r.Context(), txnID, req.ActorID); err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "rolled_back"})
}

func (h *Handler) config(nearExpiryDays *int, allowBreakPacks *bool) AllocationConfig {
	cfg := h.defaults
	if nearExpiryDays != nil {
		cfg.NearExpiryDays = *nearExpiryDays
	}
	if allowBreakPacks != nil {
		cfg.AllowBreakPacks = *allowBreakPacks
	}
	return cfg
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidUnit), errors.Is(err, ErrUnknownProduct):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Input", err.Error())
	case errors.Is(err, ErrBusy):
		w.Header().Set("Retry-After", "1")
		httpx.Problem(w, http.StatusServiceUnavailable, "Busy", "product is locked by another transaction, retry with backoff")
	case errors.Is(err, ErrInsufficientStock):
		httpx.Problem(w, http.StatusConflict, "Insufficient Stock", "eligible batches cannot cover the requested quantity")
	case errors.Is(err, ErrNegativeStock):
		httpx.Problem(w, http.StatusConflict, "Negative Stock", "allocation would drive a batch below zero; transaction rolled back")
	case errors.Is(err, ErrValidationFailed):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
	case errors.Is(err, ErrTxnNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "allocation transaction not found or already finished")
	case errors.Is(err, ErrTxnState):
		httpx.Problem(w, http.StatusConflict, "Invalid State", "operation not permitted in the current transaction state")
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Duplicate", "sales line already committed; transaction rolled back")
	default:
		h.logger.Error("allocation request failed", slog.Any("error", err), slog.String("path", r.URL.Path))
		httpx.RespondError(w, err)
	}
}

func toProposalResponse(p *AllocationProposal) proposalResponse {
	resp := proposalResponse{
		TxnID:        p.ID.String(),
		ProductID:    p.ProductID,
		QtyInTablets: p.QtyInTablets,
		Entries:      make([]proposalEntryDTO, 0, len(p.Entries)),
	}
	for _, e := range p.Entries {
		resp.Entries = append(resp.Entries, proposalEntryDTO{
			BatchID:       e.BatchID,
			BatchNo:       e.BatchNo,
			ExpiryDate:    e.ExpiryDate.Format(time.DateOnly),
			QtyInTablets:  e.QtyInTablets,
			StripsToBreak: e.StripsToBreak,
			NearExpiry:    e.NearExpiry,
		})
	}
	return resp
}

func toSalesLineResponse(line SalesLine) salesLineResponse {
	return salesLineResponse{
		SalesLineID:  line.ID.String(),
		ProductID:    line.ProductID,
		Qty:          line.Qty,
		Unit:         string(line.Unit),
		PackSize:     line.PackSize,
		QtyInTablets: line.QtyInTablets,
		Price:        line.Price.String(),
	}
}

func toCommitParams(req commitRequest) (CommitParams, error) {
	params := CommitParams{Price: req.Price, ActorID: req.ActorID}
	if req.SalesLineID != "" {
		id, err := uuid.Parse(req.SalesLineID)
		if err != nil {
			return CommitParams{}, errors.New("sales_line_id must be a uuid")
		}
		params.SalesLineID = id
	}
	return params, nil
}

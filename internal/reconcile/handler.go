package reconcile

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/stock-ledger/internal/shared"
)

// Handler exposes reconciliation operations over HTTP.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs reconciliation handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers reconciliation routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/reconciliation", h.handleRun)
	r.Get("/reconciliation/backups", h.handleListBackups)
	r.Post("/reconciliation/backups", h.handleCreateBackup)
	r.Post("/reconciliation/backups/{id}/restore", h.handleRestore)
}

type runRequest struct {
	Operation   string `json:"operation" validate:"required,oneof=backfill_warehouse recalculate fix_value_mismatch"`
	CompanyID   int64  `json:"company_id" validate:"required,gt=0"`
	ProductID   int64  `json:"product_id"`
	WarehouseID int64  `json:"warehouse_id"`
	DryRun      bool   `json:"dry_run"`
}

type backupRequest struct {
	CompanyID   int64 `json:"company_id" validate:"required,gt=0"`
	ProductID   int64 `json:"product_id"`
	WarehouseID int64 `json:"warehouse_id"`
}

func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		shared.RespondError(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}
	scope := Scope{CompanyID: req.CompanyID, ProductID: req.ProductID, WarehouseID: req.WarehouseID}

	var summary Summary
	var err error
	switch Operation(req.Operation) {
	case OpBackfillWarehouse:
		summary, err = h.service.BackfillWarehouse(r.Context(), req.CompanyID, req.DryRun)
	case OpRecalculate:
		summary, err = h.service.RecalculateRemaining(r.Context(), scope, req.DryRun)
	case OpFixValueMismatch:
		summary, err = h.service.FixValueMismatch(r.Context(), scope, req.DryRun)
	}
	if err != nil {
		h.respondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	var req backupRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		shared.RespondError(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}
	backup, err := h.service.Snapshot(r.Context(), Scope{CompanyID: req.CompanyID, ProductID: req.ProductID, WarehouseID: req.WarehouseID})
	if err != nil {
		h.respondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusCreated, backup)
}

func (h *Handler) handleListBackups(w http.ResponseWriter, r *http.Request) {
	companyID, err := strconv.ParseInt(r.URL.Query().Get("company_id"), 10, 64)
	if err != nil || companyID <= 0 {
		shared.RespondError(w, http.StatusBadRequest, "company_id is required", nil)
		return
	}
	backups, err := h.service.ListBackups(r.Context(), companyID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, map[string]any{"backups": backups})
}

func (h *Handler) handleRestore(w http.ResponseWriter, r *http.Request) {
	backupID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || backupID <= 0 {
		shared.RespondError(w, http.StatusBadRequest, "invalid backup id", nil)
		return
	}
	result, err := h.service.Restore(r.Context(), backupID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, result)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrInvalidInput):
		shared.RespondError(w, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, shared.ErrNotFound):
		shared.RespondError(w, http.StatusNotFound, err.Error(), nil)
	case errors.Is(err, shared.ErrRestoreConflict):
		shared.RespondError(w, http.StatusConflict, err.Error(), nil)
	case errors.Is(err, shared.ErrConcurrencyExhausted):
		shared.RespondError(w, http.StatusServiceUnavailable, "ledger busy, retry later", nil)
	default:
		h.logger.Error("reconciliation failed", slog.Any("error", err))
		shared.RespondError(w, http.StatusInternalServerError, "internal error", nil)
	}
}

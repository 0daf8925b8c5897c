package landedcost

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/stock-ledger/internal/shared"
)

// Handler wires HTTP endpoints for landed-cost allocation.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs landed-cost handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers landed-cost routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/landed-costs", h.handleAllocate)
}

type allocateRequest struct {
	CostDocRef     string        `json:"cost_doc_ref" validate:"required,uuid"`
	CompanyID      int64         `json:"company_id" validate:"required,gt=0"`
	UpdateUnitCost *bool         `json:"update_unit_cost"`
	Lines          []lineRequest `json:"lines" validate:"required,min=1,dive"`
}

type lineRequest struct {
	LineRef   string  `json:"line_ref" validate:"required"`
	SourceRef string  `json:"source_ref" validate:"required,uuid"`
	Amount    float64 `json:"amount" validate:"required,gt=0"`
}

func (h *Handler) handleAllocate(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		shared.RespondError(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}

	lines := make([]CostLine, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, CostLine{LineRef: l.LineRef, SourceRef: l.SourceRef, Amount: l.Amount})
	}
	result, err := h.service.Allocate(r.Context(), AllocateInput{
		CostDocRef:     req.CostDocRef,
		CompanyID:      req.CompanyID,
		Lines:          lines,
		UpdateUnitCost: req.UpdateUnitCost,
		ActorID:        shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		switch {
		case errors.Is(err, shared.ErrInvalidInput), errors.Is(err, ErrInvalidAmount):
			shared.RespondError(w, http.StatusBadRequest, err.Error(), nil)
		case errors.Is(err, ErrNoTargetLayers):
			shared.RespondError(w, http.StatusNotFound, err.Error(), nil)
		default:
			h.logger.Error("landed cost allocation failed", slog.Any("error", err))
			shared.RespondError(w, http.StatusInternalServerError, "internal error", nil)
		}
		return
	}
	shared.RespondJSON(w, http.StatusCreated, result)
}

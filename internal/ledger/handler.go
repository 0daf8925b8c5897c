package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/stock-ledger/internal/shared"
)

// MetricsPort counts posted movements and shortage rejections.
type MetricsPort interface {
	CountMovement(kind string)
	CountShortage()
}

// Handler wires HTTP endpoints for the valuation ledger.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	metrics  MetricsPort
	validate *validator.Validate
}

// NewHandler constructs ledger handler. metrics may be nil.
func NewHandler(logger *slog.Logger, service *Service, metrics MetricsPort) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, metrics: metrics, validate: validator.New()}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/movements", h.handlePostMovement)
	r.Post("/transfers", h.handlePostTransfer)
	r.Get("/valuation", h.handleGetValuation)
}

type movementRequest struct {
	Code          string  `json:"code"`
	Direction     string  `json:"direction" validate:"required,oneof=in out"`
	ProductID     int64   `json:"product_id" validate:"required,gt=0"`
	WarehouseID   int64   `json:"warehouse_id" validate:"required,gt=0"`
	CompanyID     int64   `json:"company_id" validate:"required,gt=0"`
	Qty           float64 `json:"qty" validate:"required,gt=0"`
	UnitCost      float64 `json:"unit_cost" validate:"gte=0"`
	SourceRef     string  `json:"source_ref" validate:"omitempty,uuid"`
	Note          string  `json:"note"`
	AllowNegative bool    `json:"allow_negative"`
}

type transferRequest struct {
	Code         string  `json:"code"`
	ProductID    int64   `json:"product_id" validate:"required,gt=0"`
	CompanyID    int64   `json:"company_id" validate:"required,gt=0"`
	SrcWarehouse int64   `json:"src_warehouse_id" validate:"required,gt=0"`
	DstWarehouse int64   `json:"dst_warehouse_id" validate:"required,gt=0,nefield=SrcWarehouse"`
	Qty          float64 `json:"qty" validate:"required,gt=0"`
	SourceRef    string  `json:"source_ref" validate:"omitempty,uuid"`
	Note         string  `json:"note"`
}

type layerResponse struct {
	ID             int64   `json:"id"`
	ProductID      int64   `json:"product_id"`
	WarehouseID    int64   `json:"warehouse_id"`
	Quantity       float64 `json:"quantity"`
	UnitCost       float64 `json:"unit_cost"`
	Value          float64 `json:"value"`
	RemainingQty   float64 `json:"remaining_qty"`
	RemainingValue float64 `json:"remaining_value"`
	Override       bool    `json:"negative_override"`
}

type consumptionResponse struct {
	Layer          layerResponse `json:"layer"`
	Cost           float64       `json:"cost"`
	UnitCost       float64       `json:"unit_cost"`
	FullySatisfied bool          `json:"fully_satisfied"`
	Shortfall      float64       `json:"shortfall,omitempty"`
}

func toLayerResponse(l ValuationLayer) layerResponse {
	return layerResponse{
		ID:             l.ID,
		ProductID:      l.ProductID,
		WarehouseID:    l.WarehouseID,
		Quantity:       l.Quantity,
		UnitCost:       l.UnitCost,
		Value:          l.Value,
		RemainingQty:   l.RemainingQty,
		RemainingValue: l.RemainingValue,
		Override:       l.NegativeOverride,
	}
}

func (h *Handler) handlePostMovement(w http.ResponseWriter, r *http.Request) {
	var req movementRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		shared.RespondError(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}
	actorID := shared.ActorFromContext(r.Context())

	switch req.Direction {
	case "in":
		layer, err := h.service.Receive(r.Context(), ReceiveInput{
			Code:        req.Code,
			ProductID:   req.ProductID,
			WarehouseID: req.WarehouseID,
			CompanyID:   req.CompanyID,
			Qty:         req.Qty,
			UnitCost:    req.UnitCost,
			SourceRef:   req.SourceRef,
			Note:        req.Note,
			ActorID:     actorID,
		})
		if err != nil {
			h.respondServiceError(w, r, err)
			return
		}
		h.countMovement(MovementReceipt)
		shared.RespondJSON(w, http.StatusCreated, toLayerResponse(layer))
	case "out":
		result, err := h.service.Consume(r.Context(), ConsumeInput{
			Code:          req.Code,
			ProductID:     req.ProductID,
			WarehouseID:   req.WarehouseID,
			CompanyID:     req.CompanyID,
			Qty:           req.Qty,
			SourceRef:     req.SourceRef,
			Note:          req.Note,
			ActorID:       actorID,
			AllowNegative: req.AllowNegative,
		})
		if err != nil {
			h.respondServiceError(w, r, err)
			return
		}
		h.countMovement(MovementIssue)
		shared.RespondJSON(w, http.StatusCreated, consumptionResponse{
			Layer:          toLayerResponse(result.Layer),
			Cost:           result.Cost,
			UnitCost:       result.UnitCost,
			FullySatisfied: result.FullySatisfied,
			Shortfall:      result.Shortfall,
		})
	}
}

func (h *Handler) handlePostTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		shared.RespondError(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}

	out, in, err := h.service.Transfer(r.Context(), TransferInput{
		Code:         req.Code,
		ProductID:    req.ProductID,
		CompanyID:    req.CompanyID,
		SrcWarehouse: req.SrcWarehouse,
		DstWarehouse: req.DstWarehouse,
		Qty:          req.Qty,
		SourceRef:    req.SourceRef,
		Note:         req.Note,
		ActorID:      shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.countMovement(MovementTransferOut)
	h.countMovement(MovementTransferIn)
	shared.RespondJSON(w, http.StatusCreated, map[string]any{
		"out": consumptionResponse{
			Layer:          toLayerResponse(out.Layer),
			Cost:           out.Cost,
			UnitCost:       out.UnitCost,
			FullySatisfied: out.FullySatisfied,
		},
		"in": toLayerResponse(in),
	})
}

func (h *Handler) handleGetValuation(w http.ResponseWriter, r *http.Request) {
	productID, err1 := strconv.ParseInt(r.URL.Query().Get("product_id"), 10, 64)
	warehouseID, err2 := strconv.ParseInt(r.URL.Query().Get("warehouse_id"), 10, 64)
	companyID, err3 := strconv.ParseInt(r.URL.Query().Get("company_id"), 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		shared.RespondError(w, http.StatusBadRequest, "product_id, warehouse_id and company_id are required", nil)
		return
	}
	rem, err := h.service.GetRemaining(r.Context(), productID, warehouseID, companyID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	shared.RespondJSON(w, http.StatusOK, map[string]any{
		"product_id":    rem.ProductID,
		"warehouse_id":  rem.WarehouseID,
		"remaining_qty": rem.Qty,
		"value":         rem.Value,
	})
}

func (h *Handler) countMovement(kind MovementKind) {
	if h.metrics != nil {
		h.metrics.CountMovement(string(kind))
	}
}

func (h *Handler) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var shortage *ShortageError
	switch {
	case errors.As(err, &shortage):
		if h.metrics != nil {
			h.metrics.CountShortage()
		}
		shared.RespondError(w, http.StatusConflict, "insufficient stock", map[string]any{
			"needed":     shortage.Needed,
			"available":  shortage.Available,
			"shortfall":  shortage.Shortfall,
			"candidates": shortage.Candidates,
			"can_fulfil": shortage.CanFulfil(),
		})
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidUnitCost),
		errors.Is(err, ErrWarehouseRequired), errors.Is(err, shared.ErrInvalidInput):
		shared.RespondError(w, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, shared.ErrIdempotencyConflict):
		shared.RespondError(w, http.StatusConflict, "duplicate request", nil)
	case errors.Is(err, shared.ErrConcurrencyExhausted):
		shared.RespondError(w, http.StatusServiceUnavailable, "ledger busy, retry later", nil)
	case errors.Is(err, shared.ErrNotFound):
		shared.RespondError(w, http.StatusNotFound, "not found", nil)
	default:
		h.logger.Error("ledger request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		shared.RespondError(w, http.StatusInternalServerError, "internal error", nil)
	}
}

package shortage

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/stock-ledger/internal/shared"
)

// Handler exposes the shortage report over HTTP.
type Handler struct {
	logger   *slog.Logger
	resolver *Resolver
}

// NewHandler constructs shortage handler.
func NewHandler(logger *slog.Logger, resolver *Resolver) *Handler {
	return &Handler{logger: logger, resolver: resolver}
}

// MountRoutes registers shortage routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/shortages", h.handleReport)
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	companyID, err := strconv.ParseInt(r.URL.Query().Get("company_id"), 10, 64)
	if err != nil || companyID <= 0 {
		shared.RespondError(w, http.StatusBadRequest, "company_id is required", nil)
		return
	}
	entries, err := h.resolver.BuildReport(r.Context(), companyID)
	if err != nil {
		h.logger.Error("shortage report failed", slog.Any("error", err))
		shared.RespondError(w, http.StatusInternalServerError, "internal error", nil)
		return
	}
	shared.RespondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

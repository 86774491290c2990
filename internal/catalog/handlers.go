package catalog

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kamau-dev/backend-duka/internal/common"
)

// Handler exposes public catalog endpoints.
type Handler struct {
	service *Service
}

// HandlerConfig configures the Handler dependencies.
type HandlerConfig struct {
	Service *Service
}

// NewHandler constructs a Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{service: cfg.Service}
}

// Products handles GET /api/v1/products with filters, sorting, and pagination.
func (h *Handler) Products(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "catalog service not configured", nil)
		return
	}
	params, err := h.service.ParseListParams(r.URL.Query())
	if err != nil {
		common.WriteError(w, err)
		return
	}
	result, err := h.service.ListProducts(r.Context(), params)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	w.Header().Set("X-Total-Count", strconv.FormatInt(result.Total, 10))
	common.JSON(w, http.StatusOK, map[string]any{
		"data":       result.Items,
		"pagination": common.Pagination{Page: result.Page, PerPage: result.Limit, TotalItems: int(result.Total)},
	})
}

// ProductDetail handles GET /api/v1/products/{slug}.
func (h *Handler) ProductDetail(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "catalog service not configured", nil)
		return
	}
	detail, err := h.service.GetProductDetail(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": detail})
}

// Related handles GET /api/v1/products/{slug}/related.
func (h *Handler) Related(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "catalog service not configured", nil)
		return
	}
	items, err := h.service.ListRelatedProducts(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		common.WriteError(w, err)
		return
	}
	if items == nil {
		items = []PricedProduct{}
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": items})
}

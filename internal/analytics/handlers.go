package analytics

import (
	"net/http"
	"time"

	"github.com/kamau-dev/backend-duka/internal/common"
)

// Handler exposes the admin analytics endpoints.
type Handler struct {
	Svc *Service
}

func parseDay(value string) time.Time {
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Sales handles GET /api/v1/admin/analytics/sales?from=2026-08-01&to=2026-08-31.
func (h *Handler) Sales(w http.ResponseWriter, r *http.Request) {
	from := parseDay(r.URL.Query().Get("from"))
	to := parseDay(r.URL.Query().Get("to"))
	rows, err := h.Svc.SalesRange(r.Context(), from, to)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to load sales analytics", nil)
		return
	}
	if rows == nil {
		rows = []DailySales{}
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": rows})
}

// TopProducts handles GET /api/v1/admin/analytics/top-products.
func (h *Handler) TopProducts(w http.ResponseWriter, r *http.Request) {
	limit := common.AtoiDefault(r.URL.Query().Get("limit"), 10)
	offset := common.AtoiDefault(r.URL.Query().Get("offset"), 0)
	rows, err := h.Svc.TopProducts(r.Context(), limit, offset)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to load top products", nil)
		return
	}
	if rows == nil {
		rows = []TopProduct{}
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": rows})
}

// RuleUsage handles GET /api/v1/admin/analytics/rule-usage.
func (h *Handler) RuleUsage(w http.ResponseWriter, r *http.Request) {
	limit := common.AtoiDefault(r.URL.Query().Get("limit"), 20)
	rows, err := h.Svc.RuleUsage(r.Context(), limit)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to load rule usage", nil)
		return
	}
	if rows == nil {
		rows = []RuleUsage{}
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": rows})
}

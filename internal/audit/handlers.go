package audit

import (
	"context"
	"net/http"

	"github.com/kamau-dev/backend-duka/internal/common"
)

// Lister reads back the audit trail.
type Lister interface {
	List(ctx context.Context, limit, offset int) ([]Entry, error)
}

// Handler exposes GET /api/v1/admin/audit.
type Handler struct {
	Store Lister
}

// List returns recent audit entries for administrators.
func (h Handler) List(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "AUDIT_NOT_CONFIGURED", "audit store not configured", nil)
		return
	}
	limit := common.AtoiDefault(r.URL.Query().Get("limit"), 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := common.AtoiDefault(r.URL.Query().Get("offset"), 0)
	if offset < 0 {
		offset = 0
	}

	entries, err := h.Store.List(r.Context(), limit, offset)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "AUDIT_QUERY_FAILED", "unable to fetch audit entries", nil)
		return
	}
	if entries == nil {
		entries = []Entry{}
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": entries})
}

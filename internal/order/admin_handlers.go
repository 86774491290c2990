package order

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/kamau-dev/backend-duka/internal/common"
)

// AdminHandler exposes order management endpoints for staff.
type AdminHandler struct {
	Repo         Repo
	DefaultLimit int
	MaxLimit     int
}

// List handles GET /api/v1/admin/orders?status=PAID.
func (h *AdminHandler) List(w http.ResponseWriter, r *http.Request) {
	status := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status")))
	if status == "" {
		status = StatusPendingPayment
	}
	if !ValidStatus(status) {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "unknown order status", nil)
		return
	}
	inner := Handler{DefaultLimit: h.DefaultLimit, MaxLimit: h.MaxLimit}
	limit, offset := inner.limits(r)
	orders, err := h.Repo.ListByStatus(r.Context(), status, limit, offset)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to list orders", nil)
		return
	}
	if orders == nil {
		orders = []Order{}
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": orders})
}

// UpdateStatus handles PATCH /api/v1/admin/orders/{id}/status enforcing the
// allowed transition graph.
func (h *AdminHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	next := strings.ToUpper(strings.TrimSpace(payload.Status))
	if !ValidStatus(next) {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "unknown order status", nil)
		return
	}
	o, err := h.Repo.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "order not found", nil)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to load order", nil)
		return
	}
	if !CanTransition(o.Status, next) {
		common.JSONError(w, http.StatusConflict, "CONFLICT", "status transition not allowed", map[string]any{
			"from": o.Status,
			"to":   next,
		})
		return
	}
	if err := h.Repo.UpdateStatus(r.Context(), id, next); err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to update order", nil)
		return
	}
	o.Status = next
	common.JSON(w, http.StatusOK, map[string]any{"data": o})
}

package order

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kamau-dev/backend-duka/internal/common"
)

// Repo captures the persistence methods required by the order handlers.
type Repo interface {
	Get(ctx context.Context, id uuid.UUID) (Order, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Order, error)
	ListByStatus(ctx context.Context, status string, limit, offset int) ([]Order, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
}

// Handler exposes customer-facing order endpoints. All routes require an
// authenticated user.
type Handler struct {
	Repo         Repo
	DefaultLimit int
	MaxLimit     int
}

func (h *Handler) limits(r *http.Request) (int, int) {
	defaultLimit := h.DefaultLimit
	if defaultLimit < 1 {
		defaultLimit = 20
	}
	maxLimit := h.MaxLimit
	if maxLimit < 1 {
		maxLimit = 100
	}

	page, limit := common.ParsePagination(r, defaultLimit)
	if limit > maxLimit {
		limit = maxLimit
	}
	offset := 0
	if page > 1 {
		offset = (page - 1) * limit
	}
	return limit, offset
}

func requireUser(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw, ok := common.UserID(r.Context())
	if !ok || raw == "" {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return uuid.UUID{}, false
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid user identity", nil)
		return uuid.UUID{}, false
	}
	return userID, true
}

func orderID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "id")))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid order id", nil)
		return uuid.UUID{}, false
	}
	return id, true
}

// List handles GET /api/v1/orders for the authenticated user.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	limit, offset := h.limits(r)
	orders, err := h.Repo.ListByUser(r.Context(), userID, limit, offset)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to list orders", nil)
		return
	}
	if orders == nil {
		orders = []Order{}
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": orders})
}

// Get handles GET /api/v1/orders/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, ok := orderID(w, r)
	if !ok {
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
	if o.UserID != userID {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "order not found", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": o})
}

// Cancel handles POST /api/v1/orders/{id}/cancel. Only unpaid orders can be
// cancelled by the customer.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, ok := orderID(w, r)
	if !ok {
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
	if o.UserID != userID {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "order not found", nil)
		return
	}
	if o.Status != StatusPendingPayment {
		common.JSONError(w, http.StatusConflict, "CONFLICT", "only unpaid orders can be cancelled", nil)
		return
	}
	if err := h.Repo.UpdateStatus(r.Context(), id, StatusCanceled); err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to cancel order", nil)
		return
	}
	o.Status = StatusCanceled
	common.JSON(w, http.StatusOK, map[string]any{"data": o})
}

package payment

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kamau-dev/backend-duka/internal/common"
)

// Handler exposes the customer-facing payment endpoints. All routes require
// an authenticated user; ownership is enforced against the order.
type Handler struct {
	Svc *Service
}

// Mount registers payment routes on the given router.
func (h *Handler) Mount(r chi.Router) {
	r.Post("/intent", h.CreateIntent)
	r.Get("/{orderID}/status", h.Status)
}

func (h *Handler) user(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
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

func writeIntentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrOrderNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "order not found", nil)
	case errors.Is(err, ErrAlreadyPaid):
		common.JSONError(w, http.StatusConflict, "ALREADY_PAID", "order already paid", nil)
	case errors.Is(err, ErrNotPayable):
		common.JSONError(w, http.StatusConflict, "NOT_PAYABLE", "order status does not allow payment", nil)
	default:
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to create payment intent", nil)
	}
}

// CreateIntent handles POST /api/v1/payments/intent.
func (h *Handler) CreateIntent(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	var payload struct {
		OrderID string `json:"orderId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	orderID, err := uuid.Parse(strings.TrimSpace(payload.OrderID))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid order id", nil)
		return
	}
	p, err := h.Svc.CreateIntent(r.Context(), orderID, userID)
	if err != nil {
		writeIntentError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": p})
}

// Status handles GET /api/v1/payments/{orderID}/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	orderID, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "orderID")))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid order id", nil)
		return
	}
	status, err := h.Svc.ConsolidatedStatus(r.Context(), orderID, userID)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "order not found", nil)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to load payment status", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": map[string]string{
		"orderId": orderID.String(),
		"status":  status,
	}})
}

package checkout

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/kamau-dev/backend-duka/internal/common"
)

// Handler exposes POST /api/v1/checkout.
type Handler struct {
	Svc *Service
}

// Checkout freezes the authenticated user's cart into an order.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	raw, ok := common.UserID(r.Context())
	if !ok || raw == "" {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid user identity", nil)
		return
	}

	var in Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil && !errors.Is(err, io.EOF) {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}

	var region *string
	if code, ok := common.Region(r.Context()); ok && code != "" {
		region = &code
	}

	res, err := h.Svc.Checkout(r.Context(), userID, region, in)
	if err != nil {
		if errors.Is(err, ErrEmptyCart) {
			common.JSONError(w, http.StatusBadRequest, "EMPTY_CART", "cart has no items", nil)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "checkout failed", nil)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": res})
}

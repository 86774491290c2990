package cart

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kamau-dev/backend-duka/internal/common"
)

// CartTokenHeader carries the guest cart token. The server mints one on the
// first write from an anonymous client and echoes it on every cart response.
const CartTokenHeader = "X-Cart-Token"

// Handler exposes the cart endpoints.
type Handler struct {
	Svc *Service
}

// Mount registers cart routes on the given router.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/", h.GetCart)
	r.Post("/items", h.AddItem)
	r.Patch("/items/{productID}", h.UpdateQty)
	r.Delete("/items/{productID}", h.RemoveItem)
	r.Post("/merge", h.Merge)
}

// owner resolves the cart identity: user id for authenticated requests,
// guest token otherwise. When mint is true a missing guest token is created
// and set on the response.
func (h *Handler) owner(w http.ResponseWriter, r *http.Request, mint bool) (string, bool) {
	if userID, ok := common.UserID(r.Context()); ok && userID != "" {
		return UserOwner(userID), true
	}
	token := strings.TrimSpace(r.Header.Get(CartTokenHeader))
	if token != "" {
		if _, err := uuid.Parse(token); err != nil {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid cart token", nil)
			return "", false
		}
		w.Header().Set(CartTokenHeader, token)
		return AnonOwner(token), true
	}
	if !mint {
		return "", true
	}
	token = uuid.NewString()
	w.Header().Set(CartTokenHeader, token)
	return AnonOwner(token), true
}

func regionFromContext(r *http.Request) *string {
	region, ok := common.Region(r.Context())
	if !ok || strings.TrimSpace(region) == "" {
		return nil
	}
	return &region
}

func writeCartError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
	case errors.Is(err, ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "cart item not found", nil)
	default:
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "cart operation failed", nil)
	}
}

func (h *Handler) respondQuote(w http.ResponseWriter, r *http.Request, owner string) {
	quote, err := h.Svc.QuoteCart(r.Context(), owner, regionFromContext(r))
	if err != nil {
		writeCartError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": quote})
}

// GetCart handles GET /api/v1/cart returning the priced cart.
func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r, false)
	if !ok {
		return
	}
	if owner == "" {
		common.JSON(w, http.StatusOK, map[string]any{"data": Quote{Lines: []QuotedLine{}, Totals: Totals{Currency: h.Svc.currency()}}})
		return
	}
	h.respondQuote(w, r, owner)
}

// AddItem handles POST /api/v1/cart/items.
func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r, true)
	if !ok {
		return
	}
	var payload struct {
		ProductID string `json:"productId"`
		Qty       int    `json:"qty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	productID, err := uuid.Parse(strings.TrimSpace(payload.ProductID))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid productId", nil)
		return
	}
	qty := payload.Qty
	if qty == 0 {
		qty = 1
	}
	if _, err := h.Svc.AddItem(r.Context(), owner, productID, qty); err != nil {
		writeCartError(w, err)
		return
	}
	h.respondQuote(w, r, owner)
}

// UpdateQty handles PATCH /api/v1/cart/items/{productID}.
func (h *Handler) UpdateQty(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r, false)
	if !ok {
		return
	}
	if owner == "" {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "cart not found", nil)
		return
	}
	productID, err := uuid.Parse(chi.URLParam(r, "productID"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid product id", nil)
		return
	}
	var payload struct {
		Qty int `json:"qty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	if _, err := h.Svc.UpdateQty(r.Context(), owner, productID, payload.Qty); err != nil {
		writeCartError(w, err)
		return
	}
	h.respondQuote(w, r, owner)
}

// RemoveItem handles DELETE /api/v1/cart/items/{productID}.
func (h *Handler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r, false)
	if !ok {
		return
	}
	if owner == "" {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "cart not found", nil)
		return
	}
	productID, err := uuid.Parse(chi.URLParam(r, "productID"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid product id", nil)
		return
	}
	if _, err := h.Svc.RemoveItem(r.Context(), owner, productID); err != nil {
		writeCartError(w, err)
		return
	}
	h.respondQuote(w, r, owner)
}

// Merge handles POST /api/v1/cart/merge, folding the guest cart named by the
// token header into the authenticated user's cart.
func (h *Handler) Merge(w http.ResponseWriter, r *http.Request) {
	userID, ok := common.UserID(r.Context())
	if !ok || userID == "" {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "login required to merge carts", nil)
		return
	}
	token := strings.TrimSpace(r.Header.Get(CartTokenHeader))
	if token == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "cart token is required", nil)
		return
	}
	if _, err := h.Svc.Merge(r.Context(), AnonOwner(token), UserOwner(userID)); err != nil {
		writeCartError(w, err)
		return
	}
	h.respondQuote(w, r, UserOwner(userID))
}

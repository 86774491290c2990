package favorites

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kamau-dev/backend-duka/internal/catalog"
	"github.com/kamau-dev/backend-duka/internal/common"
)

// Repo captures the persistence the handlers need.
type Repo interface {
	Add(ctx context.Context, userID, productID uuid.UUID) error
	Remove(ctx context.Context, userID, productID uuid.UUID) error
	List(ctx context.Context, userID uuid.UUID) ([]catalog.Product, error)
	Check(ctx context.Context, userID, productID uuid.UUID) (bool, error)
}

// Handler exposes the favorites endpoints. All routes require auth.
type Handler struct {
	Repo Repo
}

// Mount registers favorites routes on the given router.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/", h.List)
	r.Put("/{productID}", h.Add)
	r.Delete("/{productID}", h.Remove)
	r.Get("/{productID}", h.Check)
}

func (h *Handler) ids(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	raw, ok := common.UserID(r.Context())
	if !ok || raw == "" {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return uuid.UUID{}, uuid.UUID{}, false
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid user identity", nil)
		return uuid.UUID{}, uuid.UUID{}, false
	}
	productID, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "productID")))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid product id", nil)
		return uuid.UUID{}, uuid.UUID{}, false
	}
	return userID, productID, true
}

// List handles GET /api/v1/favorites.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
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
	products, err := h.Repo.List(r.Context(), userID)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to list favorites", nil)
		return
	}
	if products == nil {
		products = []catalog.Product{}
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": products})
}

// Add handles PUT /api/v1/favorites/{productID}.
func (h *Handler) Add(w http.ResponseWriter, r *http.Request) {
	userID, productID, ok := h.ids(w, r)
	if !ok {
		return
	}
	if err := h.Repo.Add(r.Context(), userID, productID); err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to add favorite", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Remove handles DELETE /api/v1/favorites/{productID}.
func (h *Handler) Remove(w http.ResponseWriter, r *http.Request) {
	userID, productID, ok := h.ids(w, r)
	if !ok {
		return
	}
	if err := h.Repo.Remove(r.Context(), userID, productID); err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to remove favorite", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Check handles GET /api/v1/favorites/{productID}.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	userID, productID, ok := h.ids(w, r)
	if !ok {
		return
	}
	favored, err := h.Repo.Check(r.Context(), userID, productID)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to check favorite", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": map[string]bool{"favorite": favored}})
}

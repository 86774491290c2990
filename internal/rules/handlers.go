package rules

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kamau-dev/backend-duka/internal/common"
)

// Handler exposes the administrative rule management endpoints.
type Handler struct {
	Svc *Service
}

// Mount registers the admin rule routes on the given router.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Post("/preview", h.Preview)
	r.Get("/{id}", h.Get)
	r.Put("/{id}", h.Update)
	r.Patch("/{id}/enabled", h.SetEnabled)
	r.Delete("/{id}", h.Delete)
}

func ruleID(r *http.Request) (uuid.UUID, bool) {
	raw := strings.TrimSpace(chi.URLParam(r, "id"))
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, false
	}
	return parsed, true
}

func writeRuleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
	case errors.Is(err, ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "rule not found", nil)
	default:
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "rule operation failed", nil)
	}
}

// List returns all configured rules plus lint warnings for the current set.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	records, warnings, err := h.Svc.List(r.Context())
	if err != nil {
		writeRuleError(w, err)
		return
	}
	if records == nil {
		records = []Record{}
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": records, "warnings": warnings})
}

// Get returns a single rule.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(r)
	if !ok {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid rule id", nil)
		return
	}
	rec, err := h.Svc.Get(r.Context(), id)
	if err != nil {
		writeRuleError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": rec})
}

// Create inserts a new rule.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var in Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	rec, err := h.Svc.Create(r.Context(), in)
	if err != nil {
		writeRuleError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": rec})
}

// Update replaces an existing rule.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(r)
	if !ok {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid rule id", nil)
		return
	}
	var in Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	rec, err := h.Svc.Update(r.Context(), id, in)
	if err != nil {
		writeRuleError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": rec})
}

// SetEnabled toggles a rule on or off without editing its definition.
func (h *Handler) SetEnabled(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(r)
	if !ok {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid rule id", nil)
		return
	}
	var payload struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Enabled == nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "enabled flag is required", nil)
		return
	}
	if err := h.Svc.SetEnabled(r.Context(), id, *payload.Enabled); err != nil {
		writeRuleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Delete removes a rule.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(r)
	if !ok {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid rule id", nil)
		return
	}
	if err := h.Svc.Delete(r.Context(), id); err != nil {
		writeRuleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Preview evaluates the effective rules for a product against a hypothetical
// price without persisting anything.
func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	result, err := h.Svc.Preview(r.Context(), req)
	if err != nil {
		writeRuleError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": result})
}

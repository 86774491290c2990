package notify

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kamau-dev/backend-duka/internal/common"
	"github.com/kamau-dev/backend-duka/internal/events"
)

// AdminHandler exposes management endpoints for webhook configuration and
// delivery monitoring.
type AdminHandler struct {
	Store Store
	Disp  *Dispatcher
}

// Mount attaches the admin webhook routes.
func (h *AdminHandler) Mount(r chi.Router) {
	r.Get("/endpoints", h.ListEndpoints)
	r.Post("/endpoints", h.CreateEndpoint)
	r.Put("/endpoints/{id}", h.UpdateEndpoint)
	r.Delete("/endpoints/{id}", h.DeleteEndpoint)
	r.Get("/deliveries", h.ListDeliveries)
	r.Post("/deliveries/{id}/replay", h.ReplayDelivery)
}

type endpointRequest struct {
	Name   string   `json:"name"`
	URL    string   `json:"url"`
	Secret string   `json:"secret"`
	Active *bool    `json:"active"`
	Topics []string `json:"topics"`
}

func (req *endpointRequest) validate() (Endpoint, string) {
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.URL) == "" || strings.TrimSpace(req.Secret) == "" {
		return Endpoint{}, "name, url and secret are required"
	}
	if err := ValidateURL(req.URL); err != nil {
		return Endpoint{}, err.Error()
	}
	topics := normalizeTopics(req.Topics)
	for _, topic := range topics {
		if !events.ValidTopic(topic) {
			return Endpoint{}, "unknown topic: " + topic
		}
	}
	if len(topics) == 0 {
		topics = events.DefaultTopics()
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	return Endpoint{
		Name:   strings.TrimSpace(req.Name),
		URL:    strings.TrimSpace(req.URL),
		Secret: req.Secret,
		Active: active,
		Topics: topics,
	}, ""
}

// CreateEndpoint registers a new webhook endpoint.
func (h *AdminHandler) CreateEndpoint(w http.ResponseWriter, r *http.Request) {
	var req endpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	ep, problem := req.validate()
	if problem != "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", problem, nil)
		return
	}
	created, err := h.Store.CreateEndpoint(r.Context(), ep)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "create endpoint failed", nil)
		return
	}
	common.JSON(w, http.StatusCreated, created)
}

// UpdateEndpoint replaces an endpoint's configuration.
func (h *AdminHandler) UpdateEndpoint(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid id", nil)
		return
	}
	var req endpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	ep, problem := req.validate()
	if problem != "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", problem, nil)
		return
	}
	ep.ID = id
	updated, err := h.Store.UpdateEndpoint(r.Context(), ep)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "endpoint not found", nil)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "update endpoint failed", nil)
		return
	}
	common.JSON(w, http.StatusOK, updated)
}

// ListEndpoints returns configured webhook endpoints.
func (h *AdminHandler) ListEndpoints(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	endpoints, err := h.Store.ListEndpoints(r.Context(), limit, offset)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "list endpoints failed", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": endpoints})
}

// DeleteEndpoint removes an endpoint and its pending deliveries.
func (h *AdminHandler) DeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid id", nil)
		return
	}
	if err := h.Store.DeleteEndpoint(r.Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "endpoint not found", nil)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "delete endpoint failed", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListDeliveries returns delivery attempts with optional filtering.
func (h *AdminHandler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	filter := DeliveryFilter{Status: strings.TrimSpace(r.URL.Query().Get("status"))}
	filter.Limit, filter.Offset = pagination(r)
	if raw := strings.TrimSpace(r.URL.Query().Get("endpointId")); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid endpointId", nil)
			return
		}
		filter.EndpointID = &id
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("eventId")); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid eventId", nil)
			return
		}
		filter.EventID = &id
	}
	deliveries, total, err := h.Store.ListDeliveries(r.Context(), filter)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "list deliveries failed", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": deliveries, "total": total})
}

// ReplayDelivery resets a delivery for retry and clears its replay guard so
// the receiver sees the event again.
func (h *AdminHandler) ReplayDelivery(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid id", nil)
		return
	}
	delivery, err := h.Store.ResetDelivery(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "delivery not found", nil)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "replay failed", nil)
		return
	}
	if h.Disp != nil && h.Disp.Replay != nil {
		_ = h.Disp.Replay.Release(r.Context(), replayKey(delivery.EndpointID, delivery.EventID))
	}
	common.JSON(w, http.StatusOK, delivery)
}

func normalizeTopics(topics []string) []string {
	seen := make(map[string]struct{}, len(topics))
	result := make([]string, 0, len(topics))
	for _, topic := range topics {
		trimmed := strings.TrimSpace(strings.ToLower(topic))
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		result = append(result, trimmed)
	}
	return result
}

func pagination(r *http.Request) (limit, offset int) {
	limit = common.AtoiDefault(r.URL.Query().Get("limit"), 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset = common.AtoiDefault(r.URL.Query().Get("offset"), 0)
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

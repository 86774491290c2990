package audit

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kamau-dev/backend-duka/internal/common"
)

// HTTPRecorder writes an audit entry for each handled request. Recording
// happens after the handler so the final status code is known.
type HTTPRecorder struct {
	Service   *Service
	OnError   func(error)
	ActorFunc func(*http.Request) Actor
}

// HTTPConfig customises the entry produced for a route group. Zero value
// records method, path and status with no action label.
type HTTPConfig struct {
	Action          string
	ResourceType    string
	ResourceIDParam string
	MetadataFunc    func(*http.Request, int) map[string]any
	ActorFunc       func(*http.Request) Actor
}

// Middleware returns a chi-compatible middleware recording audit entries.
func (r HTTPRecorder) Middleware(cfg HTTPConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if r.Service == nil || !r.Service.Enabled {
				next.ServeHTTP(w, req)
				return
			}

			recorder := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(recorder, req)

			entryErr := r.record(req, cfg, recorder.Status())
			if entryErr != nil && r.OnError != nil {
				r.OnError(entryErr)
			}
		})
	}
}

func (r HTTPRecorder) record(req *http.Request, cfg HTTPConfig, status int) error {
	actor := r.actor(req)
	if cfg.ActorFunc != nil {
		actor = cfg.ActorFunc(req)
	}

	resourceID := ""
	if cfg.ResourceIDParam != "" {
		resourceID = chi.URLParam(req, cfg.ResourceIDParam)
	}

	var metadata []byte
	if cfg.MetadataFunc != nil {
		if payload := cfg.MetadataFunc(req, status); payload != nil {
			if data, err := json.Marshal(payload); err == nil {
				metadata = data
			}
		}
	}

	return r.Service.Record(req.Context(), actor, cfg.Action, cfg.ResourceType, resourceID, req, status, metadata)
}

func (r HTTPRecorder) actor(req *http.Request) Actor {
	if r.ActorFunc != nil {
		return r.ActorFunc(req)
	}
	if req == nil {
		return Actor{Kind: ActorKindAnonymous}
	}
	if userID, ok := common.UserID(req.Context()); ok && userID != "" {
		return Actor{Kind: ActorKindUser, UserID: &userID}
	}
	return Actor{Kind: ActorKindAnonymous}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Status() int {
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}

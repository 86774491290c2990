package audit

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"strings"

	"github.com/kamau-dev/backend-duka/internal/common"
	"github.com/kamau-dev/backend-duka/internal/obs"
)

// ActorKind represents the source of an audited action.
type ActorKind string

const (
	ActorKindUser      ActorKind = "user"
	ActorKindSystem    ActorKind = "system"
	ActorKindAnonymous ActorKind = "anonymous"
)

// Actor describes the entity performing the action.
type Actor struct {
	Kind   ActorKind
	UserID *string
}

// Recorder persists audit entries.
type Recorder interface {
	Insert(ctx context.Context, e Entry) error
}

// Service writes an audit trail for admin mutations: rule edits, order
// status changes, queue retries.
type Service struct {
	Store        Recorder
	Enabled      bool
	SamplingRate float64
}

// Record persists one audit entry when auditing is enabled.
func (s Service) Record(ctx context.Context, actor Actor, action, resourceType, resourceID string, req *http.Request, status int, metadata []byte) error {
	if !s.Enabled {
		return nil
	}
	if s.SamplingRate > 0 && s.SamplingRate < 1 && rand.Float64() > s.SamplingRate {
		return nil
	}
	if req == nil {
		return errors.New("audit: request is required")
	}
	if s.Store == nil {
		return errors.New("audit: store not configured")
	}

	route := obs.RoutePatternFromContext(req.Context())
	if route == "" {
		route = strings.TrimSpace(req.URL.Path)
	}
	if status == 0 {
		status = http.StatusOK
	}

	e := Entry{
		ActorKind:    string(normalizeActorKind(actor.Kind)),
		ActorUserID:  sanitize(actor.UserID),
		Action:       buildAction(action, req.Method, route),
		ResourceType: buildResource(resourceType, route),
		ResourceID:   sanitize(&resourceID),
		Method:       req.Method,
		Path:         req.URL.Path,
		Route:        sanitize(&route),
		Status:       status,
		IP:           sanitize(ptr(common.ClientIP(req))),
		UserAgent:    sanitize(ptr(req.Header.Get("User-Agent"))),
		RequestID:    sanitize(ptr(req.Header.Get("X-Request-ID"))),
		Metadata:     metadataJSON(metadata, req.URL.RawQuery),
	}
	return s.Store.Insert(ctx, e)
}

func buildAction(action, method, route string) string {
	if trimmed := strings.TrimSpace(action); trimmed != "" {
		return trimmed
	}
	target := route
	if target == "" {
		target = "/"
	}
	return strings.ToUpper(strings.TrimSpace(method)) + " " + target
}

func buildResource(resourceType, route string) string {
	if trimmed := strings.TrimSpace(resourceType); trimmed != "" {
		return trimmed
	}
	route = strings.Trim(route, " /")
	if route == "" {
		return "unknown"
	}
	segments := strings.Split(route, "/")
	if len(segments) >= 3 && segments[0] == "api" && segments[1] == "v1" {
		return strings.Join(segments[2:], ".")
	}
	return strings.ReplaceAll(route, "/", ".")
}

func normalizeActorKind(kind ActorKind) ActorKind {
	switch kind {
	case ActorKindUser, ActorKindSystem:
		return kind
	default:
		return ActorKindAnonymous
	}
}

func sanitize(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func ptr(value string) *string {
	return &value
}

func metadataJSON(metadata []byte, query string) []byte {
	if len(metadata) > 0 {
		return metadata
	}
	if strings.TrimSpace(query) == "" {
		return nil
	}
	data, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return nil
	}
	return data
}

package common

import "context"

type ctxKey string

const (
	userIDKey ctxKey = "auth/user-id"
	roleKey   ctxKey = "auth/role"
	regionKey ctxKey = "buyer/region"
)

// WithUserID stores the authenticated user identifier on the provided context.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// UserID extracts the authenticated user identifier from the context if present.
func UserID(ctx context.Context) (string, bool) {
	v := ctx.Value(userIDKey)
	if v == nil {
		return "", false
	}
	id, ok := v.(string)
	return id, ok
}

// WithRole stores the authenticated user's role claim on the context.
func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleKey, role)
}

// Role extracts the role claim from the context if present.
func Role(ctx context.Context) (string, bool) {
	v := ctx.Value(roleKey)
	if v == nil {
		return "", false
	}
	role, ok := v.(string)
	return role, ok
}

// WithRegion stores the resolved buyer region code on the context.
func WithRegion(ctx context.Context, code string) context.Context {
	return context.WithValue(ctx, regionKey, code)
}

// Region extracts the resolved buyer region from the context if present.
func Region(ctx context.Context) (string, bool) {
	v := ctx.Value(regionKey)
	if v == nil {
		return "", false
	}
	code, ok := v.(string)
	return code, ok
}

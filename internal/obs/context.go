package obs

import "context"

type routePatternKey struct{}

// WithRoutePattern stores the matched router pattern on the context so that
// metrics and logs can label by template instead of raw path.
func WithRoutePattern(ctx context.Context, pattern string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, routePatternKey{}, pattern)
}

// RoutePatternFromContext returns the stored pattern, or "" when none was set.
func RoutePatternFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	pattern, _ := ctx.Value(routePatternKey{}).(string)
	return pattern
}

package routing

import "context"

type routeCtxKey struct{}

func WithRoute(ctx context.Context, r Route) context.Context {
	return context.WithValue(ctx, routeCtxKey{}, r)
}

// RouteFromContext returns the allowlisted route being served.
func RouteFromContext(ctx context.Context) (Route, bool) {
	r, ok := ctx.Value(routeCtxKey{}).(Route)
	return r, ok
}

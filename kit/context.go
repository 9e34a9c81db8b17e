// Package kit carries request-scoped identity through contexts and adapts
// transport-agnostic endpoints to the HTTP and MCP surfaces.
package kit

import "context"

type contextKey string

const (
	UserIDKey    contextKey = "kit_user_id"
	RoleKey      contextKey = "kit_role"
	TraceIDKey   contextKey = "kit_trace_id"
	SiteIDKey    contextKey = "kit_site_id"
	TransportKey contextKey = "kit_transport" // "http", "mcp", "scheduler"
)

func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, UserIDKey, id)
}
func GetUserID(ctx context.Context) string {
	v, _ := ctx.Value(UserIDKey).(string)
	return v
}

func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, RoleKey, role)
}
func GetRole(ctx context.Context) string {
	v, _ := ctx.Value(RoleKey).(string)
	return v
}

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey, id)
}
func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}

// WithSiteID marks the context with the site an agent credential resolved to.
func WithSiteID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, SiteIDKey, id)
}
func GetSiteID(ctx context.Context) string {
	v, _ := ctx.Value(SiteIDKey).(string)
	return v
}

func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TransportKey, t)
}
func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(TransportKey).(string); ok {
		return v
	}
	return "http"
}

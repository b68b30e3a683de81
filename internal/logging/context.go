package logging

import (
	"context"

	"go.uber.org/zap"
)

type requestCtxKey struct{}
type callerCtxKey struct{}

// Caller identifies the authenticated tenant on a request, for log
// correlation only. Authorization decisions never read this.
type Caller struct {
	TenantID string
	PluginID string
	Plan     string
}

// WithRequestID attaches a request id to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext returns the request id, or "" if absent.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestCtxKey{}).(string); ok {
		return id
	}
	return ""
}

// WithCaller attaches the authenticated caller to the context.
func WithCaller(ctx context.Context, caller *Caller) context.Context {
	return context.WithValue(ctx, callerCtxKey{}, caller)
}

// CallerFromContext returns the caller, or nil if absent.
func CallerFromContext(ctx context.Context) *Caller {
	if c, ok := ctx.Value(callerCtxKey{}).(*Caller); ok {
		return c
	}
	return nil
}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 4)

	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}
	if caller := CallerFromContext(ctx); caller != nil {
		fields = append(fields,
			zap.String("tenant.id", caller.TenantID),
			zap.String("tenant.plugin", caller.PluginID),
			zap.String("tenant.plan", caller.Plan),
		)
	}

	return fields
}

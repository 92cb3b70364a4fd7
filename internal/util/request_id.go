package util

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

type requestIDContextKey string

const (
	// RequestIDHeader carries the correlation id on outgoing calls.
	RequestIDHeader          = "X-Request-Id"
	requestIDCtxKey          = requestIDContextKey("request_id")
	defaultRequestIDFallback = ""
)

// WithRequestID returns a context carrying a request id, generating one when
// ctx has none. A child slog.Logger carrying "request_id" is stored too, so
// LoggerFromContext(ctx) logs with the id attached.
func WithRequestID(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if RequestIDFromContext(ctx) != "" {
		return ctx
	}
	return ContextWithRequestID(ctx, NewRequestID())
}

// ContextWithRequestID stores an explicit request id.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		requestID = NewRequestID()
	}
	ctx = context.WithValue(ctx, requestIDCtxKey, requestID)
	return ContextWithLogger(ctx, slog.Default().With("request_id", requestID))
}

// RequestIDFromContext returns request id from context.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return defaultRequestIDFallback
	}
	id, _ := ctx.Value(requestIDCtxKey).(string)
	return id
}

// NewRequestID returns a fresh correlation id.
func NewRequestID() string {
	return uuid.NewString()
}

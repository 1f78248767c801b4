package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

var logContextKey = contextKey{}

// LogContext holds request-scoped logging context
type LogContext struct {
	Operation string    // Endpoint name (put, get, ...)
	UID       string    // Record uid, once known
	Family    string    // Storage family, once known
	ClientIP  string    // Client IP address (without port)
	StartTime time.Time // For duration calculation
}

// WithContext returns a new context carrying the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext for a request from the given client
func NewLogContext(operation, clientIP string) *LogContext {
	return &LogContext{
		Operation: operation,
		ClientIP:  clientIP,
		StartTime: time.Now(),
	}
}

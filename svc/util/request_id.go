package util

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey struct{}

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, requestID)
}

// GetRequestID falls back to a fresh id so log lines from background work
// are still correlatable.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok && id != "" {
		return id
	}
	return NewRequestID()
}
func NewRequestID() string {
	return uuid.NewString()
}

// RequestIDFrom keeps a client-supplied id when it is a well-formed uuid and
// mints a new one otherwise, so arbitrary header text never reaches the logs.
func RequestIDFrom(header string) string {
	if u, err := uuid.Parse(header); err == nil {
		return u.String()
	}
	return NewRequestID()
}

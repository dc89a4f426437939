package util

import (
	"context"

	"github.com/google/uuid"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

type contextKey string

const requestIDKey contextKey = "request_id"

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID returns the id stored in ctx, or "" when there is none.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

func NewRequestID() string {
	return uuid.New().String()
}

// RequestIDFrom accepts a caller-supplied id only if it is a well formed
// uuid, so arbitrary header text never reaches the logs.
func RequestIDFrom(header string) string {
	if header != "" {
		if id, err := uuid.Parse(header); err == nil {
			return id.String()
		}
	}
	return NewRequestID()
}

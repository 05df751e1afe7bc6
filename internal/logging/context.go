package logging

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	correlationIDKey contextKey = "correlation_id"
	requestIDKey     contextKey = "request_id"
)

// NewCorrelationID returns a short ID used to tie background work to the
// webhook that triggered it.
func NewCorrelationID() string {
	return uuid.New().String()[:8]
}

// NewRequestID returns a full UUID for inbound HTTP requests.
func NewRequestID() string {
	return uuid.New().String()
}

func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// Ctx returns the global logger decorated with the IDs carried by ctx.
func Ctx(ctx context.Context) *zerolog.Logger {
	c := With()
	if id := CorrelationID(ctx); id != "" {
		c = c.Str("correlation_id", id)
	}
	if id := RequestID(ctx); id != "" {
		c = c.Str("request_id", id)
	}
	l := c.Logger()
	return &l
}

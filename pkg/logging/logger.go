// Package logging carries a *slog.Logger and a request id through contexts.
package logging

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type ctxKey int

const (
	loggerKey ctxKey = iota
	requestIDKey
)

// GetLoggerFromContext returns the logger stored in ctx, falling back to
// slog.Default. The request id of ctx is attached when there is one.
func GetLoggerFromContext(ctx context.Context) *slog.Logger {
	l, ok := ctx.Value(loggerKey).(*slog.Logger)
	if !ok {
		l = slog.Default()
	}

	if requestID := GetRequestIDFromCtx(ctx); requestID != "" {
		l = l.With(slog.String("request_id", requestID))
	}
	return l
}

// GetLoggerFromContextWithOp is GetLoggerFromContext with the operation name
// attached.
func GetLoggerFromContextWithOp(ctx context.Context, op string) *slog.Logger {
	return GetLoggerFromContext(ctx).With(slog.String("op", op))
}

func MakeContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

func GetRequestIDFromCtx(ctx context.Context) string {
	requestID, _ := ctx.Value(requestIDKey).(string)
	return requestID
}

func MakeContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func MakeContextWithNewRequestID(ctx context.Context) context.Context {
	return MakeContextWithRequestID(ctx, uuid.NewString())
}

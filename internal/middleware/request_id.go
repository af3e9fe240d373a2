package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/S1riyS/naivefs/pkg/logging"
)

const RequestIDHeader = "X-Request-ID"

// RequestIDMiddleware attaches a request id to the context, taking it from the
// X-Request-ID header when the client sent one. The id is echoed back.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		requestID := logging.GetRequestIDFromCtx(ctx)
		if requestID == "" {
			requestID = r.Header.Get(RequestIDHeader)
		}

		if requestID == "" {
			ctx = logging.MakeContextWithNewRequestID(ctx)
		} else {
			ctx = logging.MakeContextWithRequestID(ctx, requestID)
		}
		w.Header().Set(RequestIDHeader, logging.GetRequestIDFromCtx(ctx))

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggerMiddleware puts logger into the request context and logs every
// request once it is served.
func LoggerMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := logging.MakeContextWithLogger(r.Context(), logger)

			next.ServeHTTP(w, r.WithContext(ctx))

			logging.GetLoggerFromContext(ctx).Debug("Request served",
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
				slog.Duration("elapsed", time.Since(start)),
			)
		})
	}
}

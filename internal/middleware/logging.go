package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/siretech/backoffice-payments/internal/logging"
)

// Logging installs the request-scoped logger and writes one line per request.
// Health checks and the docs page are not logged. The user id is added later
// by Auth, which runs inside this middleware.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/health") || strings.HasPrefix(r.URL.Path, "/docs") {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		logger := slog.Default().With("request_id", TraceIDFromContext(r.Context()))
		r = r.WithContext(logging.WithLogger(r.Context(), logger))

		rw := wrapWriter(w)
		next.ServeHTTP(rw, r)

		logger.Log(r.Context(), levelFor(rw.status), "request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func levelFor(status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

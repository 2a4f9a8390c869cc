package middleware

import (
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/siretech/backoffice-payments/internal/handler"
	"github.com/siretech/backoffice-payments/internal/logging"
)

// Recovery answers a panicking request with 500 INTERNAL_ERROR, unless the
// handler had already started the response.
func Recovery(next http.Handler) http.Handler {
	return recoverWith(next, func(w http.ResponseWriter) {
		handler.RespondAppError(w, handler.ErrInternalError, nil)
	})
}

// AcknowledgeOnPanic answers a panicking webhook with status and body so the
// sender sees the acknowledgement it gets on success and stops retrying.
func AcknowledgeOnPanic(status int, body any) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return recoverWith(next, func(w http.ResponseWriter) {
			handler.RespondJSON(w, status, body)
		})
	}
}

func recoverWith(next http.Handler, respond func(http.ResponseWriter)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := wrapWriter(w)
		defer func() {
			p := recover()
			if p == nil {
				return
			}
			if err, ok := p.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(p)
			}

			logging.FromContext(r.Context()).Error("panic recovered",
				"panic", p,
				"method", r.Method,
				"path", r.URL.Path,
				"request_id", rw.Header().Get(traceIDHeader),
				"stack", string(debug.Stack()),
			)
			if rw.written {
				return
			}
			respond(rw)
		}()
		next.ServeHTTP(rw, r)
	})
}

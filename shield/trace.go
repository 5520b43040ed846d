package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/abdom/horosafe"
	"github.com/hazyhaar/abdom/idgen"
	"github.com/hazyhaar/abdom/kit"
)

var newRequestID = idgen.Prefixed("req_", idgen.NanoID(12))

// RequestID keeps a well-formed X-Request-Id or generates one, echoes it in
// the response and stores it under kit's request id key together with a
// per-request logger.
func RequestID(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-Id")
			if id == "" || horosafe.ValidateIdentifier(id) != nil {
				id = newRequestID()
			}
			r.Header.Set("X-Request-Id", id)
			w.Header().Set("X-Request-Id", id)

			reqLogger := logger.With(
				"request_id", id,
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", ExtractIP(r),
			)
			ctx := kit.WithRequestID(r.Context(), id)
			ctx = context.WithValue(ctx, LoggerKey, reqLogger)
			reqLogger.Debug("shield: request")

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

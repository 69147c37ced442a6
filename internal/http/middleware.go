package http

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"voxscribe-service/internal/apperrors"
	"voxscribe-service/internal/observability/logging"
	"voxscribe-service/internal/observability/metrics"
)

// requireToken checks the Authorization header against apiKey. The header
// may carry "Bearer <token>" or the bare token. An empty apiKey lets every
// request through.
func requireToken(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if apiKey == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				writeError(w, r, apperrors.Unauthorized("missing authentication token"))
				return
			}
			if subtle.ConstantTimeCompare([]byte(bearerToken(header)), []byte(apiKey)) != 1 {
				writeError(w, r, apperrors.Unauthorized("invalid authentication token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(header string) string {
	scheme, token, found := strings.Cut(header, " ")
	if found && strings.EqualFold(scheme, "bearer") {
		return token
	}
	return header
}

// accessLog logs every request and records HTTP metrics by route pattern.
func accessLog(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				took := time.Since(start)
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}

				route := "unmatched"
				if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
					route = rctx.RoutePattern()
				}
				m.RecordHTTPRequest(route, r.Method, status, took)

				logger := logging.WithRequest(middleware.GetReqID(r.Context()))
				event := logger.Debug()
				switch {
				case status >= 500:
					event = logger.Error()
				case status >= 400:
					event = logger.Warn()
				case route == "/transcribe":
					event = logger.Info()
				}
				event.
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", status).
					Int("bytes", ww.BytesWritten()).
					Str("remote", r.RemoteAddr).
					Dur("took", took).
					Msg("Request completed")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

package middleware

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/everliv/everliv-api/internal/errors"
	internalhttputil "github.com/everliv/everliv-api/internal/httputil"
	"github.com/everliv/everliv-api/internal/logging"
)

// TracingMiddleware assigns a trace ID, logs each request and recovers panics.
type TracingMiddleware struct {
	logger *logging.Logger
}

// NewTracingMiddleware creates a new tracing middleware
func NewTracingMiddleware(logger *logging.Logger) *TracingMiddleware {
	return &TracingMiddleware{
		logger: logger,
	}
}

// Handler returns the tracing middleware handler
func (m *TracingMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" || len(traceID) > 128 {
			traceID = logging.NewTraceID()
		}

		ctx := logging.WithTraceID(r.Context(), traceID)
		r = r.WithContext(ctx)
		w.Header().Set("X-Trace-ID", traceID)

		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		start := time.Now()
		defer func() {
			if rec := recover(); rec != nil {
				m.logger.WithContext(ctx).WithFields(map[string]interface{}{
					"panic": rec,
					"stack": string(debug.Stack()),
				}).Error("Panic while handling request")
				if !rw.written {
					internalhttputil.WriteServiceError(rw, r, errors.Internal("", nil))
				}
			}
			m.logger.LogRequest(ctx, r.Method, r.URL.Path, rw.statusCode, time.Since(start))
		}()

		next.ServeHTTP(rw, r)
	})
}

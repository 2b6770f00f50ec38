package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/calsync/pkg/observability"
)

// withRequestID assigns a request ID to every request and echoes it back in
// the X-Request-ID header. An incoming X-Correlation-ID is propagated into
// the request context for log correlation across services.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := observability.WithRequestID(r.Context(), requestID)
		if correlationID := r.Header.Get("X-Correlation-ID"); correlationID != "" {
			ctx = observability.WithCorrelationID(ctx, correlationID)
		}
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withHTTPMetrics records request counts and latencies per route. The route
// label is the ServeMux pattern, so path parameters do not explode the
// label cardinality.
func withHTTPMetrics(metrics *observability.Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		started := time.Now()
		next.ServeHTTP(recorder, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordHTTPRequest(r.Method, route, recorder.status, time.Since(started))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

package middleware

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/sealstore/sealstore/internal/metrics"
)

// MetricsMiddleware records request counts, latencies and sizes.
// The route template is used as the path label to keep cardinality bounded.
func MetricsMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			m.IncrementActiveConnections()
			defer m.DecrementActiveConnections()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			path := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if template, err := route.GetPathTemplate(); err == nil {
					path = template
				}
			}

			m.RecordHTTPRequest(r.Method, path, rw.statusCode, time.Since(start), rw.bytesWritten)
		})
	}
}

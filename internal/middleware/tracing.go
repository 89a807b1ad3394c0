package middleware

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TracingMiddleware wraps handlers with OpenTelemetry tracing. Span names use
// the mux route template so blob IDs never explode span cardinality.
func TracingMiddleware(redactSensitive bool) func(http.Handler) http.Handler {
	tracer := otel.Tracer("sealstore")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			route := routeTemplate(r)
			ctx, span := tracer.Start(ctx, r.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPMethod(r.Method),
					semconv.HTTPTarget(r.URL.Path),
					semconv.HTTPRoute(route),
					attribute.String("http.host", r.Host),
					attribute.String("http.user_agent", r.UserAgent()),
				),
			)

			if r.URL.RawQuery != "" {
				if redactSensitive {
					span.SetAttributes(attribute.String("http.query", "[REDACTED]"))
				} else {
					span.SetAttributes(attribute.String("http.query", r.URL.RawQuery))
				}
			}
			addHeadersToSpan(span, r.Header, redactSensitive)

			rw := &tracingResponseWriter{ResponseWriter: w}
			r = r.WithContext(ctx)

			defer func() {
				span.SetAttributes(semconv.HTTPStatusCode(rw.statusCode))
				if rw.statusCode >= 400 {
					span.SetStatus(codes.Error, http.StatusText(rw.statusCode))
				} else {
					span.SetStatus(codes.Ok, "")
				}
				span.End()
			}()

			next.ServeHTTP(rw, r)
		})
	}
}

// routeTemplate returns the matched mux path template, falling back to the
// raw path for unrouted requests.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if template, err := route.GetPathTemplate(); err == nil {
			return template
		}
	}
	return r.URL.Path
}

// addHeadersToSpan adds request headers to the span. Key material and
// credentials are always interesting to an attacker, so they are redacted
// rather than dropped: the span still shows the header was present.
func addHeadersToSpan(span trace.Span, headers http.Header, redactSensitive bool) {
	safeHeaders := []string{
		"content-type",
		"content-length",
		"accept",
		"accept-encoding",
		"range",
	}
	sensitiveHeaders := []string{
		"authorization",
		"x-seal-key",
		"cookie",
	}

	for _, header := range safeHeaders {
		if value := headers.Get(header); value != "" {
			span.SetAttributes(attribute.String("http.request.header."+header, value))
		}
	}
	for _, header := range sensitiveHeaders {
		if value := headers.Get(header); value != "" {
			if redactSensitive {
				value = "[REDACTED]"
			}
			span.SetAttributes(attribute.String("http.request.header."+header, value))
		}
	}
}

// tracingResponseWriter captures the status code for the span.
type tracingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *tracingResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *tracingResponseWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

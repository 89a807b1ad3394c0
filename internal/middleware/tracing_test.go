package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupSpanRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(previous) })
	return recorder
}

func TestTracingMiddleware_SpanNameUsesRouteTemplate(t *testing.T) {
	recorder := setupSpanRecorder(t)

	router := mux.NewRouter()
	router.Use(TracingMiddleware(true))
	router.HandleFunc("/v1/files/{blobID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods("GET")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/v1/files/abc123", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /v1/files/{blobID}", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
}

func TestTracingMiddleware_ErrorStatus(t *testing.T) {
	recorder := setupSpanRecorder(t)

	router := mux.NewRouter()
	router.Use(TracingMiddleware(true))
	router.HandleFunc("/v1/files/{blobID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}).Methods("GET")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/v1/files/missing", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestTracingMiddleware_Redaction(t *testing.T) {
	for _, tt := range []struct {
		name   string
		redact bool
		want   string
	}{
		{"redacted", true, "[REDACTED]"},
		{"raw", false, "secret-key-material"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			recorder := setupSpanRecorder(t)

			router := mux.NewRouter()
			router.Use(TracingMiddleware(tt.redact))
			router.HandleFunc("/v1/files/{blobID}", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}).Methods("GET")

			req := httptest.NewRequest("GET", "/v1/files/abc?encrypt=false", nil)
			req.Header.Set("X-Seal-Key", "secret-key-material")
			req.Header.Set("Content-Type", "application/octet-stream")
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			spans := recorder.Ended()
			require.Len(t, spans, 1)

			attrs := map[string]string{}
			for _, kv := range spans[0].Attributes() {
				attrs[string(kv.Key)] = kv.Value.AsString()
			}
			assert.Equal(t, tt.want, attrs["http.request.header.x-seal-key"])
			assert.Equal(t, "application/octet-stream", attrs["http.request.header.content-type"])
			if tt.redact {
				assert.Equal(t, "[REDACTED]", attrs["http.query"])
			} else {
				assert.Equal(t, "encrypt=false", attrs["http.query"])
			}
		})
	}
}

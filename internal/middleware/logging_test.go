package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sealstore/sealstore/internal/config"
)

func TestLoggingMiddleware(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // Suppress log output during tests

	cfg := &config.LoggingConfig{
		AccessLogFormat: "default",
		RedactHeaders:   []string{"authorization"},
	}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("test"))
	})

	middleware := LoggingMiddleware(logger, cfg)
	wrapped := middleware(handler)

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()

	wrapped.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
}

func TestResponseWriter(t *testing.T) {
	w := httptest.NewRecorder()
	rw := &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}

	rw.WriteHeader(http.StatusNotFound)
	if rw.statusCode != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, rw.statusCode)
	}

	n, err := rw.Write([]byte("test"))
	if err != nil {
		t.Errorf("Write returned error: %v", err)
	}
	if n != 4 {
		t.Errorf("expected to write 4 bytes, wrote %d", n)
	}
	if rw.bytesWritten != 4 {
		t.Errorf("expected bytesWritten to be 4, got %d", rw.bytesWritten)
	}
}

func TestLoggingFormats(t *testing.T) {
	tests := []struct {
		name           string
		format         string
		redactHeaders  []string
		expectedFields map[string]bool
	}{
		{
			name:           "default format",
			format:         "default",
			redactHeaders:  []string{"authorization"},
			expectedFields: map[string]bool{"method": true, "path": true, "status": true, "duration_ms": true, "bytes": true},
		},
		{
			name:           "json format",
			format:         "json",
			redactHeaders:  []string{"authorization", "x-seal-key"},
			expectedFields: map[string]bool{"json": true},
		},
		{
			name:           "clf format",
			format:         "clf",
			redactHeaders:  []string{"authorization"},
			expectedFields: map[string]bool{"clf": true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := logrus.New()
			logger.SetLevel(logrus.InfoLevel)

			var capturedOutput string
			logger.SetOutput(&testWriter{output: &capturedOutput})
			logger.SetFormatter(&logrus.JSONFormatter{})

			cfg := &config.LoggingConfig{
				AccessLogFormat: tt.format,
				RedactHeaders:   tt.redactHeaders,
			}

			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("test response"))
			})

			middleware := LoggingMiddleware(logger, cfg)
			wrapped := middleware(handler)

			req := httptest.NewRequest("GET", "/test?param=value", nil)
			req.Header.Set("User-Agent", "test-agent")
			req.Header.Set("Authorization", "Bearer secret-token")
			req.Header.Set("X-Seal-Key", "sensitive-key")
			req.Header.Set("Content-Type", "application/json")

			w := httptest.NewRecorder()
			wrapped.ServeHTTP(w, req)

			for field := range tt.expectedFields {
				if !strings.Contains(capturedOutput, field) {
					t.Errorf("expected log output to contain field %q, got: %s", field, capturedOutput)
				}
			}

			if tt.format == "json" {
				if !strings.Contains(capturedOutput, `"json":`) {
					t.Errorf("expected JSON format output, got: %s", capturedOutput)
				}
				if len(tt.redactHeaders) > 0 && !strings.Contains(capturedOutput, "[REDACTED]") {
					t.Errorf("expected some headers to be redacted, got: %s", capturedOutput)
				}
			}
		})
	}
}

func TestShouldRedactHeader(t *testing.T) {
	tests := []struct {
		headerName    string
		redactHeaders []string
		expected      bool
	}{
		{"authorization", []string{"authorization", "x-seal-key"}, true},
		{"x-seal-key", []string{"authorization", "x-seal-key"}, true},
		{"content-type", []string{"authorization", "x-seal-key"}, false},
		{"AUTHORIZATION", []string{"authorization"}, true}, // case insensitive
		{"user-agent", []string{}, false},                  // no redaction list
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%v", tt.headerName, tt.redactHeaders), func(t *testing.T) {
			result := shouldRedactHeader(tt.headerName, tt.redactHeaders)
			if result != tt.expected {
				t.Errorf("shouldRedactHeader(%q, %v) = %v, expected %v", tt.headerName, tt.redactHeaders, result, tt.expected)
			}
		})
	}
}

func TestNewLogEntry(t *testing.T) {
	cfg := &config.LoggingConfig{
		AccessLogFormat: "json",
		RedactHeaders:   []string{"authorization", "x-seal-key"},
	}

	req := httptest.NewRequest("POST", "/v1/files?encrypt=true", nil)
	req.Header.Set("Authorization", "Bearer token")
	req.Header.Set("X-Seal-Key", "base64-key-material")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "test-agent")
	req.RemoteAddr = "127.0.0.1:12345"

	rw := &responseWriter{
		ResponseWriter: httptest.NewRecorder(),
		statusCode:     http.StatusCreated,
		bytesWritten:   1024,
	}

	entry := newLogEntry(req, rw, 150*time.Millisecond, 512, cfg)

	if entry.Method != "POST" {
		t.Errorf("expected method POST, got %s", entry.Method)
	}
	if entry.Path != "/v1/files" {
		t.Errorf("expected path /v1/files, got %s", entry.Path)
	}
	if entry.Query != "encrypt=true" {
		t.Errorf("expected query encrypt=true, got %s", entry.Query)
	}
	if entry.Status != http.StatusCreated {
		t.Errorf("expected status %d, got %d", http.StatusCreated, entry.Status)
	}
	if entry.Bytes != 512 {
		t.Errorf("expected bytes 512, got %d", entry.Bytes)
	}
	if entry.DurationMs != 150 {
		t.Errorf("expected duration 150ms, got %d", entry.DurationMs)
	}

	if entry.Headers == nil {
		t.Fatal("expected headers to be populated for JSON format")
	}

	if entry.Headers["authorization"] != "[REDACTED]" {
		t.Errorf("expected authorization header to be redacted, got %s", entry.Headers["authorization"])
	}
	if entry.Headers["x-seal-key"] != "[REDACTED]" {
		t.Errorf("expected x-seal-key header to be redacted, got %s", entry.Headers["x-seal-key"])
	}
	if entry.Headers["content-type"] != "application/json" {
		t.Errorf("expected content-type header to not be redacted, got %s", entry.Headers["content-type"])
	}
}

// testWriter captures log output for testing
type testWriter struct {
	output *string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	*w.output += string(p)
	return len(p), nil
}

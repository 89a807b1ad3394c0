package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sealstore/sealstore/internal/config"
)

// LoggingMiddleware wraps handlers with access logging.
func LoggingMiddleware(logger *logrus.Logger, cfg *config.LoggingConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// For uploads the payload size comes from the request, not the response.
			var requestBytes int64
			if r.Method == http.MethodPut || r.Method == http.MethodPost {
				if contentLength := r.Header.Get("Content-Length"); contentLength != "" {
					if size, err := strconv.ParseInt(contentLength, 10, 64); err == nil {
						requestBytes = size
					}
				}
			}

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			duration := time.Since(start)

			bytesLogged := rw.bytesWritten
			if requestBytes > 0 {
				bytesLogged = requestBytes
			}

			entry := newLogEntry(r, rw, duration, bytesLogged, cfg)

			switch cfg.AccessLogFormat {
			case "json":
				logJSON(logger, entry)
			case "clf":
				logCLF(logger, entry)
			default:
				logDefault(logger, entry)
			}
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code and size.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// LogEntry represents a structured access log entry.
type LogEntry struct {
	Timestamp  string            `json:"timestamp"`
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	Query      string            `json:"query,omitempty"`
	RemoteAddr string            `json:"remote_addr"`
	UserAgent  string            `json:"user_agent,omitempty"`
	Status     int               `json:"status"`
	DurationMs int64             `json:"duration_ms"`
	Bytes      int64             `json:"bytes"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// newLogEntry creates a log entry with header redaction.
func newLogEntry(r *http.Request, rw *responseWriter, duration time.Duration, bytesLogged int64, cfg *config.LoggingConfig) *LogEntry {
	entry := &LogEntry{
		Timestamp:  time.Now().Format(time.RFC3339),
		Method:     r.Method,
		Path:       r.URL.Path,
		Query:      r.URL.RawQuery,
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
		Status:     rw.statusCode,
		DurationMs: duration.Milliseconds(),
		Bytes:      bytesLogged,
	}

	// Headers go only to the structured format, with secrets redacted.
	if cfg.AccessLogFormat == "json" {
		entry.Headers = make(map[string]string)
		for name, values := range r.Header {
			lowerName := strings.ToLower(name)
			if shouldRedactHeader(lowerName, cfg.RedactHeaders) {
				entry.Headers[lowerName] = "[REDACTED]"
			} else {
				entry.Headers[lowerName] = strings.Join(values, ",")
			}
		}
	}

	return entry
}

// shouldRedactHeader checks if a header should be redacted.
func shouldRedactHeader(headerName string, redactHeaders []string) bool {
	lowerHeaderName := strings.ToLower(headerName)
	for _, redact := range redactHeaders {
		if strings.ToLower(redact) == lowerHeaderName {
			return true
		}
	}
	return false
}

// logDefault logs in the default structured format.
func logDefault(logger *logrus.Logger, entry *LogEntry) {
	fields := logrus.Fields{
		"method":      entry.Method,
		"path":        entry.Path,
		"remote_addr": entry.RemoteAddr,
		"status":      entry.Status,
		"duration_ms": entry.DurationMs,
		"bytes":       entry.Bytes,
	}

	if entry.Query != "" {
		fields["query"] = entry.Query
	}

	if entry.UserAgent != "" {
		fields["user_agent"] = entry.UserAgent
	}

	logger.WithFields(fields).Info("HTTP request")
}

// logJSON logs the whole entry as a single JSON document.
func logJSON(logger *logrus.Logger, entry *LogEntry) {
	if jsonData, err := json.Marshal(entry); err == nil {
		logger.WithField("json", string(jsonData)).Info("HTTP request")
	} else {
		logDefault(logger, entry)
	}
}

// logCLF logs in Common Log Format.
func logCLF(logger *logrus.Logger, entry *LogEntry) {
	clf := fmt.Sprintf(`%s - - [%s] "%s %s%s HTTP/1.1" %d %d`,
		entry.RemoteAddr,
		entry.Timestamp,
		entry.Method,
		entry.Path,
		func() string {
			if entry.Query != "" {
				return "?" + entry.Query
			}
			return ""
		}(),
		entry.Status,
		entry.Bytes,
	)

	logger.WithField("clf", clf).Info("HTTP request")
}

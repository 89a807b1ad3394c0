package audit

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventTypeEncrypt represents a file encryption operation.
	EventTypeEncrypt EventType = "encrypt"
	// EventTypeDecrypt represents a file decryption operation.
	EventTypeDecrypt EventType = "decrypt"
	// EventTypeKeyRotation represents a key rotation operation.
	EventTypeKeyRotation EventType = "key_rotation"
	// EventTypeCompromise represents a key compromise report.
	EventTypeCompromise EventType = "compromise"
	// EventTypeKeyExport represents a key backup export.
	EventTypeKeyExport EventType = "key_export"
	// EventTypeKeyImport represents a key backup import.
	EventTypeKeyImport EventType = "key_import"
	// EventTypeAccess represents a general access operation.
	EventTypeAccess EventType = "access"
)

// Event represents a single audit log event.
type Event struct {
	Timestamp  time.Time              `json:"timestamp"`
	EventType  EventType              `json:"event_type"`
	Operation  string                 `json:"operation"`
	FileID     string                 `json:"file_id,omitempty"`
	BlobID     string                 `json:"blob_id,omitempty"`
	KeyID      string                 `json:"key_id,omitempty"`
	Algorithm  string                 `json:"algorithm,omitempty"`
	ChunkCount int                    `json:"chunk_count,omitempty"`
	Bytes      int64                  `json:"bytes,omitempty"`
	Success    bool                   `json:"success"`
	Error      string                 `json:"error,omitempty"`
	Duration   time.Duration          `json:"duration_ms"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log records an audit event.
	Log(event *Event)

	// LogEncrypt records a file encryption and upload.
	LogEncrypt(fileID, blobID, algorithm string, chunkCount int, bytes int64, success bool, err error, duration time.Duration)

	// LogDecrypt records a file download and decryption.
	LogDecrypt(fileID, blobID, algorithm string, success bool, err error, duration time.Duration)

	// LogKeyRotation records a key rotation.
	LogKeyRotation(oldKeyID, newKeyID string, success bool, err error)

	// LogCompromise records a key compromise report.
	LogCompromise(keyID, reason string, affectedFiles int)

	// LogKeyBackup records a key export or import.
	LogKeyBackup(eventType EventType, keyCount int, success bool, err error)

	// Events returns a snapshot of the buffered events, oldest first.
	Events() []*Event
}

// EventWriter is an interface for writing audit events to an external sink.
type EventWriter interface {
	WriteEvent(event *Event) error
}

// auditLogger implements the Logger interface with a bounded in-memory buffer.
type auditLogger struct {
	mu        sync.Mutex
	events    []*Event
	maxEvents int
	writer    EventWriter
}

// NewLogger creates a new audit logger. If writer is nil, events are
// emitted through logrus.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	if writer == nil {
		writer = &logrusWriter{logger: logrus.StandardLogger()}
	}

	return &auditLogger{
		events:    make([]*Event, 0, maxEvents),
		maxEvents: maxEvents,
		writer:    writer,
	}
}

// Log records an audit event, evicting the oldest events beyond the buffer limit.
func (l *auditLogger) Log(event *Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer != nil {
		// Writer failures never block the operation being audited.
		_ = l.writer.WriteEvent(event)
	}

	l.events = append(l.events, event)

	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}
}

// LogEncrypt records a file encryption and upload.
func (l *auditLogger) LogEncrypt(fileID, blobID, algorithm string, chunkCount int, bytes int64, success bool, err error, duration time.Duration) {
	event := &Event{
		Timestamp:  time.Now(),
		EventType:  EventTypeEncrypt,
		Operation:  "encrypt",
		FileID:     fileID,
		BlobID:     blobID,
		Algorithm:  algorithm,
		ChunkCount: chunkCount,
		Bytes:      bytes,
		Success:    success,
		Duration:   duration,
	}

	if err != nil {
		event.Error = err.Error()
	}

	l.Log(event)
}

// LogDecrypt records a file download and decryption.
func (l *auditLogger) LogDecrypt(fileID, blobID, algorithm string, success bool, err error, duration time.Duration) {
	event := &Event{
		Timestamp: time.Now(),
		EventType: EventTypeDecrypt,
		Operation: "decrypt",
		FileID:    fileID,
		BlobID:    blobID,
		Algorithm: algorithm,
		Success:   success,
		Duration:  duration,
	}

	if err != nil {
		event.Error = err.Error()
	}

	l.Log(event)
}

// LogKeyRotation records a key rotation.
func (l *auditLogger) LogKeyRotation(oldKeyID, newKeyID string, success bool, err error) {
	event := &Event{
		Timestamp: time.Now(),
		EventType: EventTypeKeyRotation,
		Operation: "key_rotation",
		KeyID:     oldKeyID,
		Success:   success,
		Metadata:  map[string]interface{}{"new_key_id": newKeyID},
	}

	if err != nil {
		event.Error = err.Error()
	}

	l.Log(event)
}

// LogCompromise records a key compromise report.
func (l *auditLogger) LogCompromise(keyID, reason string, affectedFiles int) {
	l.Log(&Event{
		Timestamp: time.Now(),
		EventType: EventTypeCompromise,
		Operation: "compromise",
		KeyID:     keyID,
		Success:   true,
		Metadata: map[string]interface{}{
			"reason":         reason,
			"affected_files": affectedFiles,
		},
	})
}

// LogKeyBackup records a key export or import.
func (l *auditLogger) LogKeyBackup(eventType EventType, keyCount int, success bool, err error) {
	event := &Event{
		Timestamp: time.Now(),
		EventType: eventType,
		Operation: string(eventType),
		Success:   success,
		Metadata:  map[string]interface{}{"key_count": keyCount},
	}

	if err != nil {
		event.Error = err.Error()
	}

	l.Log(event)
}

// Events returns a snapshot of the buffered events, oldest first.
func (l *auditLogger) Events() []*Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*Event, len(l.events))
	copy(events, l.events)
	return events
}

// logrusWriter emits audit events as structured log entries.
type logrusWriter struct {
	logger *logrus.Logger
}

func (w *logrusWriter) WriteEvent(event *Event) error {
	fields := logrus.Fields{
		"audit":      true,
		"event_type": event.EventType,
		"operation":  event.Operation,
		"success":    event.Success,
	}
	if event.FileID != "" {
		fields["file_id"] = event.FileID
	}
	if event.KeyID != "" {
		fields["key_id"] = event.KeyID
	}
	if event.Error != "" {
		fields["error"] = event.Error
	}

	w.logger.WithFields(fields).Info("audit event")
	return nil
}

// NopLogger returns a Logger that discards all events. Used when auditing
// is disabled in configuration.
func NopLogger() Logger {
	return nopLogger{}
}

type nopLogger struct{}

func (nopLogger) Log(*Event) {}
func (nopLogger) LogEncrypt(string, string, string, int, int64, bool, error, time.Duration) {
}
func (nopLogger) LogDecrypt(string, string, string, bool, error, time.Duration) {}
func (nopLogger) LogKeyRotation(string, string, bool, error)                    {}
func (nopLogger) LogCompromise(string, string, int)                             {}
func (nopLogger) LogKeyBackup(EventType, int, bool, error)                      {}
func (nopLogger) Events() []*Event                                              { return nil }

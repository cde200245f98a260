// Package audit records who touched which protected artifact and how:
// streams served, uploads finalized, envelopes sealed and opened,
// janitor reaps. Events land in a bounded in-memory ring for the admin
// surface and are forwarded to a configurable sink for durable export.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/kenneth/audio-drm-gateway/internal/config"
)

// EventType partitions the trail by what happened to the artifact.
type EventType string

const (
	EventEncrypt EventType = "encrypt"
	EventDecrypt EventType = "decrypt"
	EventAccess  EventType = "access"
)

// Event is one audit trail entry. ResourceRef names the master,
// ChapterRef the chapter slice when the operation targeted one.
type Event struct {
	Timestamp   time.Time      `json:"timestamp"`
	EventType   EventType      `json:"event_type"`
	Operation   string         `json:"operation"`
	ResourceRef string         `json:"resource_ref,omitempty"`
	ChapterRef  string         `json:"chapter_ref,omitempty"`
	ClientIP    string         `json:"client_ip,omitempty"`
	UserAgent   string         `json:"user_agent,omitempty"`
	RequestID   string         `json:"request_id,omitempty"`
	KeyVersion  int            `json:"key_version,omitempty"`
	Success     bool           `json:"success"`
	Error       string         `json:"error,omitempty"`
	Duration    time.Duration  `json:"duration_ms"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Logger is the audit trail the rest of the server writes to.
type Logger interface {
	Log(event *Event) error
	LogCrypto(op EventType, resourceRef, chapterRef string, keyVersion int, err error, duration time.Duration, metadata map[string]any)
	LogAccess(operation, resourceRef, chapterRef, clientIP, userAgent, requestID string, success bool, err error, duration time.Duration)
	GetEvents() []*Event
	Close() error
}

// EventWriter exports events; sink.go provides the file, http, and
// batching implementations.
type EventWriter interface {
	WriteEvent(event *Event) error
}

type logger struct {
	mu         sync.Mutex
	events     []*Event
	maxEvents  int
	writer     EventWriter
	redactKeys []string
}

// NewLogger builds a Logger retaining at most maxEvents entries in
// memory. A nil writer falls back to JSON-per-line on stdout.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	return NewLoggerWithRedaction(maxEvents, writer, nil)
}

// NewLoggerWithRedaction additionally scrubs the named metadata keys
// before an event is stored or exported.
func NewLoggerWithRedaction(maxEvents int, writer EventWriter, redactKeys []string) Logger {
	if writer == nil {
		writer = &stdoutWriter{}
	}
	return &logger{
		events:     make([]*Event, 0, maxEvents),
		maxEvents:  maxEvents,
		writer:     writer,
		redactKeys: redactKeys,
	}
}

// NewLoggerFromConfig wires a Logger from the audit section of the
// server config: sink selection, batching, and redaction.
func NewLoggerFromConfig(cfg config.AuditConfig) (Logger, error) {
	var writer EventWriter
	switch cfg.Sink.Type {
	case "http":
		writer = NewHTTPSink(cfg.Sink.Endpoint, cfg.Sink.Headers)
	case "file":
		writer = NewFileSink(cfg.Sink.FilePath)
	case "stdout", "":
		writer = &stdoutWriter{}
	default:
		return nil, fmt.Errorf("audit: unknown sink type %q", cfg.Sink.Type)
	}

	if cfg.Sink.BatchSize > 0 || cfg.Sink.FlushInterval > 0 {
		writer = NewBatchSink(writer, cfg.Sink.BatchSize, cfg.Sink.FlushInterval, cfg.Sink.RetryCount, cfg.Sink.RetryBackoff)
	}

	return NewLoggerWithRedaction(cfg.MaxEvents, writer, cfg.RedactMetadataKeys), nil
}

func (l *logger) Log(event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer != nil {
		// Export failures never block the operation being audited;
		// the in-memory ring still has the event.
		_ = l.writer.WriteEvent(event)
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}
	return nil
}

// LogCrypto records an envelope seal or open against an artifact.
func (l *logger) LogCrypto(op EventType, resourceRef, chapterRef string, keyVersion int, err error, duration time.Duration, metadata map[string]any) {
	event := &Event{
		Timestamp:   time.Now(),
		EventType:   op,
		Operation:   string(op),
		ResourceRef: resourceRef,
		ChapterRef:  chapterRef,
		KeyVersion:  keyVersion,
		Success:     err == nil,
		Duration:    duration,
		Metadata:    l.redactMetadata(metadata),
	}
	if err != nil {
		event.Error = err.Error()
	}
	_ = l.Log(event)
}

// LogAccess records a request-shaped event: a stream served, an
// upload finalized, a janitor reap.
func (l *logger) LogAccess(operation, resourceRef, chapterRef, clientIP, userAgent, requestID string, success bool, err error, duration time.Duration) {
	event := &Event{
		Timestamp:   time.Now(),
		EventType:   EventAccess,
		Operation:   operation,
		ResourceRef: resourceRef,
		ChapterRef:  chapterRef,
		ClientIP:    clientIP,
		UserAgent:   userAgent,
		RequestID:   requestID,
		Success:     success,
		Duration:    duration,
	}
	if err != nil {
		event.Error = err.Error()
	}
	_ = l.Log(event)
}

// GetEvents snapshots the in-memory ring, newest last.
func (l *logger) GetEvents() []*Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	events := make([]*Event, len(l.events))
	copy(events, l.events)
	return events
}

func (l *logger) Close() error {
	if closer, ok := l.writer.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (l *logger) redactMetadata(metadata map[string]any) map[string]any {
	if len(l.redactKeys) == 0 || len(metadata) == 0 {
		return metadata
	}

	needs := false
	for _, k := range l.redactKeys {
		if _, ok := metadata[k]; ok {
			needs = true
			break
		}
	}
	if !needs {
		return metadata
	}

	clone := make(map[string]any, len(metadata))
	for k, v := range metadata {
		clone[k] = v
	}
	for _, key := range l.redactKeys {
		if _, ok := clone[key]; ok {
			clone[key] = "[REDACTED]"
		}
	}
	return clone
}

// stdoutWriter is the zero-config sink: one JSON object per line.
type stdoutWriter struct{}

func (w *stdoutWriter) WriteEvent(event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: marshaling event: %w", err)
	}
	_, err = fmt.Fprintln(os.Stdout, string(data))
	return err
}

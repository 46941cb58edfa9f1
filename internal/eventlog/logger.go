// Package eventlog provides unified event logging for the capture engine.
// It captures lifecycle events (capture started/stopped), segment events
// (open, close, discard), calibration events, and downstream dispatch events
// in a single JSON lines file.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType represents the type of event.
type EventType string

// Capture lifecycle event types.
const (
	CaptureStarted EventType = "capture_started"
	CaptureStopped EventType = "capture_stopped"
	CaptureError   EventType = "capture_error"
)

// Segment event types.
const (
	SegmentOpen      EventType = "segment_open"
	SegmentClose     EventType = "segment_close"
	SegmentDiscarded EventType = "segment_discarded"
)

// Calibration event types.
const (
	CalibrationStarted   EventType = "calibration_started"
	CalibrationCompleted EventType = "calibration_completed"
	CalibrationFailed    EventType = "calibration_failed"
)

// Dispatch event types.
const (
	ValidationRejected     EventType = "validation_rejected"
	ValidationError        EventType = "validation_error"
	TranscriptionCompleted EventType = "transcription_completed"
	TranscriptionError     EventType = "transcription_error"
	ArchiveUploaded        EventType = "archive_uploaded"
	ArchiveFailed          EventType = "archive_failed"
)

// Event represents a single log entry with type-specific details.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Type      EventType `json:"type"`
	Message   string    `json:"msg,omitempty"`
	Details   any       `json:"details,omitempty"`
}

// SegmentDetails contains segment-specific event details.
type SegmentDetails struct {
	SegmentID  string `json:"segment_id,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	SizeBytes  int    `json:"size_bytes,omitempty"`
	Reason     string `json:"reason,omitempty"` // Discard or rejection reason
	Error      string `json:"error,omitempty"`
}

// CalibrationDetails contains calibration-specific event details.
type CalibrationDetails struct {
	WindowMs     int64   `json:"window_ms,omitempty"`
	NoiseFloorDB float64 `json:"noise_floor_db,omitempty"`
	ThresholdDB  float64 `json:"threshold_db,omitempty"`
	MarginDB     float64 `json:"margin_db,omitempty"`
	Samples      int     `json:"samples,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// Logger writes events to a JSON lines file. A nil *Logger discards all
// events, so callers never need to guard their logging calls.
type Logger struct {
	mu       sync.Mutex
	filePath string
	file     *os.File
	encoder  *json.Encoder
}

// NewLogger creates a new event logger at the specified path.
func NewLogger(filePath string) (*Logger, error) {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	return &Logger{
		filePath: filePath,
		file:     file,
		encoder:  json.NewEncoder(file),
	}, nil
}

// Log writes an event to the log file.
func (l *Logger) Log(event *Event) error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	return l.encoder.Encode(event)
}

// LogCapture logs a capture lifecycle event.
func (l *Logger) LogCapture(eventType EventType, message string) error {
	return l.Log(&Event{Type: eventType, Message: message})
}

// LogSegment logs a segment event.
func (l *Logger) LogSegment(eventType EventType, details *SegmentDetails) error {
	return l.Log(&Event{Type: eventType, Details: details})
}

// LogCalibration logs a calibration event.
func (l *Logger) LogCalibration(eventType EventType, details *CalibrationDetails) error {
	return l.Log(&Event{Type: eventType, Details: details})
}

// Close closes the log file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Path returns the path to the log file.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.filePath
}

// TypeFilter specifies which event types to include when reading.
type TypeFilter string

// Filter constants for ReadLast.
const (
	FilterAll         TypeFilter = ""
	FilterSegment     TypeFilter = "segment"
	FilterCalibration TypeFilter = "calibration"
	FilterDispatch    TypeFilter = "dispatch"
)

// MaxReadLimit is the maximum number of events that can be read at once.
const MaxReadLimit = 500

// ReadLast reads up to n events from the log file starting at offset,
// filtered by type, in reverse chronological order (newest first). The
// second return value reports whether more events remain past the window.
func ReadLast(filePath string, n, offset int, filter TypeFilter) ([]Event, bool, error) {
	if n > MaxReadLimit {
		n = MaxReadLimit
	}
	if n <= 0 {
		return []Event{}, false, nil
	}

	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []Event{}, false, nil
		}
		return nil, false, err
	}
	defer file.Close() //nolint:errcheck // Read-only operation

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, false, err
	}

	events := make([]Event, 0, n)
	skipped := 0
	hasMore := false
	for i := len(lines) - 1; i >= 0; i-- {
		var event Event
		if err := json.Unmarshal([]byte(lines[i]), &event); err != nil {
			continue // Skip malformed lines
		}

		if !matchesFilter(event.Type, filter) {
			continue
		}

		if skipped < offset {
			skipped++
			continue
		}

		if len(events) >= n {
			hasMore = true
			break
		}
		events = append(events, event)
	}

	return events, hasMore, nil
}

// matchesFilter reports whether an event type belongs to the filter group.
func matchesFilter(t EventType, filter TypeFilter) bool {
	switch filter {
	case FilterAll:
		return true
	case FilterSegment:
		return t == SegmentOpen || t == SegmentClose || t == SegmentDiscarded
	case FilterCalibration:
		return t == CalibrationStarted || t == CalibrationCompleted || t == CalibrationFailed
	case FilterDispatch:
		return t == ValidationRejected || t == ValidationError ||
			t == TranscriptionCompleted || t == TranscriptionError ||
			t == ArchiveUploaded || t == ArchiveFailed
	default:
		return false
	}
}

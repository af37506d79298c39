package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventKind classifies a JobEvent.
type EventKind string

const (
	EventLog         EventKind = "log"
	EventProgress    EventKind = "progress"
	EventPostProcess EventKind = "postprocess"
	EventState       EventKind = "state"
)

// LogLevel is the severity of a log event.
type LogLevel string

const (
	LevelDebug   LogLevel = "debug"
	LevelInfo    LogLevel = "info"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
)

// JobEvent is the uniform notification envelope delivered to callers.
type JobEvent struct {
	JobID uuid.UUID `json:"job_id"`
	Seq   uint64    `json:"seq"`
	Time  time.Time `json:"time"`
	Kind  EventKind `json:"kind"`

	Level   LogLevel `json:"level,omitempty"`
	Message string   `json:"message,omitempty"`

	ProgressFraction *float64 `json:"progress_fraction,omitempty"`
	BytesDownloaded  *int64   `json:"bytes_downloaded,omitempty"`
	TotalBytes       *int64   `json:"total_bytes,omitempty"`

	State JobState `json:"state,omitempty"`
	Error string   `json:"error,omitempty"`

	Payload map[string]any `json:"payload,omitempty"`
}

// IsTerminal reports whether the event closes the job's stream.
func (e JobEvent) IsTerminal() bool {
	return e.Kind == EventState && e.State.IsTerminal()
}

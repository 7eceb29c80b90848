package stores

import (
	"time"
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Run is one recorded execution of the reconciler.
type Run struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	Options    string     `json:"options"` // JSON blob
	Summary    string     `json:"summary"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Event is an append-only record attached to a run.
type Event struct {
	ID        int64      `json:"id"`
	RunID     string     `json:"run_id"`
	Phase     string     `json:"phase"`
	Level     EventLevel `json:"level"`
	Code      string     `json:"code,omitempty"`
	Resource  string     `json:"resource,omitempty"`
	Message   string     `json:"message"`
	Timestamp time.Time  `json:"timestamp"`
}

// Config holds SQLite store configuration
type Config struct {
	Path string
}

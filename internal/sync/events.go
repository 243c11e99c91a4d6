package sync

import "time"

type EventType string

const (
	EventStarted   EventType = "sync_started"
	EventProgress  EventType = "sync_progress"
	EventCompleted EventType = "sync_completed"
	EventFailed    EventType = "sync_failed"
)

type Event struct {
	Type    EventType  `json:"type"`
	RunID   string     `json:"run_id"`
	Current int        `json:"current,omitempty"`
	Total   int        `json:"total,omitempty"`
	Listing string     `json:"listing,omitempty"`
	Report  *RunReport `json:"report,omitempty"`
	Error   string     `json:"error,omitempty"`
	At      time.Time  `json:"at"`
}

// Notifier receives run events. Publish must not block the run.
type Notifier interface {
	Publish(Event)
}

type nopNotifier struct{}

func (nopNotifier) Publish(Event) {}

// Package telemetry fans OTA manager events out to local and remote sinks.
package telemetry

import (
	"time"

	"github.com/google/uuid"
	"github.com/iot-ota-sdk/pkg/ota"
)

// EventType defines the type of event
type EventType string

const (
	EventStatus   EventType = "ota.status"
	EventProgress EventType = "ota.progress"
	EventComplete EventType = "ota.complete"
)

// Event is one status change, progress tick or completion of the OTA
// manager. Only the fields of its type are set.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	Status ota.Status `json:"-"`
	State  string     `json:"state,omitempty"`

	Received uint64  `json:"received,omitempty"`
	Total    uint64  `json:"total,omitempty"`
	Percent  float64 `json:"percent,omitempty"`

	Success bool   `json:"success,omitempty"`
	Reason  string `json:"reason,omitempty"`
	// Version is the target version of the attempt, when known.
	Version string `json:"version,omitempty"`
}

func newEvent(t EventType) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      t,
		Timestamp: time.Now().UTC(),
	}
}

func NewStatusEvent(status ota.Status) *Event {
	e := newEvent(EventStatus)
	e.Status = status
	e.State = status.String()
	return e
}

func NewProgressEvent(received, total uint64, percent float64) *Event {
	e := newEvent(EventProgress)
	e.Status = ota.StatusDownloading
	e.State = ota.StatusDownloading.String()
	e.Received = received
	e.Total = total
	e.Percent = percent
	return e
}

func NewCompleteEvent(success bool, reason, version string) *Event {
	e := newEvent(EventComplete)
	e.Success = success
	e.Reason = reason
	e.Version = version
	if success {
		e.Status = ota.StatusCompleted
	} else {
		e.Status = ota.StatusFailed
	}
	e.State = e.Status.String()
	return e
}

// Handler is a function that handles events
type Handler func(event *Event) error

// Package events publishes tank state changes to the external log sink.
// Publishing is best-effort: callers emit through an Emitter that never blocks
// and a slow or absent broker never stalls the control path.
package events

import (
	"encoding/json"
	"time"
)

// EventType names a published event.
type EventType string

const (
	EventActuator        EventType = "ACTUATOR"
	EventTemperature     EventType = "TEMPERATURE"
	EventSessionAcquired EventType = "SESSION_ACQUIRED"
	EventSessionReleased EventType = "SESSION_RELEASED"
	EventSessionLost     EventType = "SESSION_LOST"
	EventActuationFault  EventType = "ACTUATION_FAULT"

	// System lifecycle events.
	EventStartup   EventType = "STARTUP"
	EventShutdown  EventType = "SHUTDOWN"
	EventHeartbeat EventType = "HEARTBEAT"
	EventOffline   EventType = "OFFLINE"
)

// IsSystem reports whether t is published on the system topic.
func (t EventType) IsSystem() bool {
	switch t {
	case EventStartup, EventShutdown, EventHeartbeat, EventOffline:
		return true
	}
	return false
}

// Event is a single state change or lifecycle event.
type Event struct {
	Timestamp time.Time
	Type      EventType
	Source    string // publishing daemon, e.g. "gpio-authority"

	Line        string   // ACTUATOR, ACTUATION_FAULT
	Level       string   // ACTUATOR
	Temperature *float64 // TEMPERATURE

	Client    string // SESSION_*
	Exclusive bool   // SESSION_*
	Reason    string // SESSION_LOST, ACTUATION_FAULT, SHUTDOWN

	RawPayload []byte // Pre-formatted JSON payload; if set, FormatPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// Publisher publishes events to a broker.
type Publisher interface {
	// Publish sends one event. Returns error if publishing fails (should not
	// crash the process).
	Publish(event Event) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the broker connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// Emitter accepts events without blocking.
type Emitter interface {
	Emit(event Event)
}

// Discard is an Emitter that drops everything.
type Discard struct{}

// Emit drops event.
func (Discard) Emit(Event) {}

// Payload represents the message payload structure.
type Payload struct {
	Tank TankPayload `json:"tank"`
}

// TankPayload contains the event details.
type TankPayload struct {
	Timestamp   string   `json:"timestamp"`
	Event       string   `json:"event"`
	Source      string   `json:"source,omitempty"`
	Line        string   `json:"line,omitempty"`
	Level       string   `json:"level,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Client      string   `json:"client,omitempty"`
	Exclusive   bool     `json:"exclusive,omitempty"`
	Reason      string   `json:"reason,omitempty"`
}

// FormatPayload creates the JSON payload for an event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatPayload(event Event) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}
	payload := Payload{
		Tank: TankPayload{
			Timestamp:   event.Timestamp.UTC().Format(time.RFC3339Nano),
			Event:       string(event.Type),
			Source:      event.Source,
			Line:        event.Line,
			Level:       event.Level,
			Temperature: event.Temperature,
			Client:      event.Client,
			Exclusive:   event.Exclusive,
			Reason:      event.Reason,
		},
	}
	return json.Marshal(payload)
}

// Topics derives the event and system topic names from a base topic.
func Topics(base string) (events, system string) {
	return base + "/events", base + "/system"
}

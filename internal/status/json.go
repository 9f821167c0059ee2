package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event          string           `json:"event,omitempty"`
	Reason         string           `json:"reason,omitempty"`
	Peltier        string           `json:"peltier"`
	Fan            string           `json:"fan"`
	ActuatedAt     string           `json:"actuated_at,omitempty"`
	Session        *SessionJSON     `json:"session,omitempty"`
	Temperature    *TemperatureJSON `json:"temperature,omitempty"`
	ControllerSeen bool             `json:"controller_seen"`
	Connections    int              `json:"connections"`
	UptimeSeconds  int64            `json:"uptime_seconds"`
	StartTime      string           `json:"start_time"`
	Timestamp      string           `json:"timestamp"`
	Events         EventsStatus     `json:"events"`
	Config         ConfigJSON       `json:"config"`
}

// SessionJSON is the JSON representation of the session holder.
type SessionJSON struct {
	Client         string `json:"client"`
	Exclusive      bool   `json:"exclusive"`
	AcquiredAt     string `json:"acquired_at"`
	HeartbeatAgeMs int64  `json:"heartbeat_age_ms"`
}

// TemperatureJSON is the last sensor reading.
type TemperatureJSON struct {
	Value      float64 `json:"value"`
	ObservedAt string  `json:"observed_at"`
}

// EventsStatus reports event broker connection state.
type EventsStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker,omitempty"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	Listen                 string `json:"listen"`
	HTTPAddr               string `json:"http_addr"`
	Driver                 string `json:"driver"`
	Broker                 string `json:"broker,omitempty"`
	ControllerID           string `json:"controller_id"`
	HeartbeatTimeoutMs     int64  `json:"heartbeat_timeout_ms"`
	MinActuationIntervalMs int64  `json:"min_actuation_interval_ms"`
	WriteTimeoutMs         int64  `json:"write_timeout_ms"`
}

// HealthJSON is the body of the liveness check.
type HealthJSON struct {
	Controller     bool  `json:"controller"`
	HeartbeatAgeMs int64 `json:"heartbeat_age_ms"`
}

func buildInner(snap Snapshot) StatusInner {
	inner := StatusInner{
		Peltier:        string(levelOrUnknown(snap.Peltier)),
		Fan:            string(levelOrUnknown(snap.Fan)),
		ControllerSeen: snap.ControllerSeen,
		Connections:    snap.Connections,
		UptimeSeconds:  int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:      snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:      snap.Now.UTC().Format(time.RFC3339),
		Events:         EventsStatus{Connected: snap.EventsConnected, Broker: snap.Config.Broker},
		Config: ConfigJSON{
			Listen:                 snap.Config.Listen,
			HTTPAddr:               snap.Config.HTTPAddr,
			Driver:                 snap.Config.Driver,
			Broker:                 snap.Config.Broker,
			ControllerID:           snap.Config.ControllerID,
			HeartbeatTimeoutMs:     snap.Config.HeartbeatTimeoutMs,
			MinActuationIntervalMs: snap.Config.MinActuationIntervalMs,
			WriteTimeoutMs:         snap.Config.WriteTimeoutMs,
		},
	}
	if !snap.ActuatedAt.IsZero() {
		inner.ActuatedAt = snap.ActuatedAt.UTC().Format(time.RFC3339)
	}
	if snap.Session != nil {
		inner.Session = &SessionJSON{
			Client:         snap.Session.Client,
			Exclusive:      snap.Session.Exclusive,
			AcquiredAt:     snap.Session.AcquiredAt.UTC().Format(time.RFC3339),
			HeartbeatAgeMs: snap.HeartbeatAge().Milliseconds(),
		}
	}
	if snap.Temperature != nil {
		inner.Temperature = &TemperatureJSON{
			Value:      *snap.Temperature,
			ObservedAt: snap.TemperatureAt.UTC().Format(time.RFC3339),
		}
	}
	return inner
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for a system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}

// FormatHealth returns the liveness check body and whether the controller is
// healthy.
func FormatHealth(snap Snapshot) ([]byte, bool) {
	ok := Health(snap)
	h := HealthJSON{Controller: ok}
	if snap.Session != nil {
		h.HeartbeatAgeMs = snap.HeartbeatAge().Milliseconds()
	}
	data, _ := json.Marshal(h)
	return data, ok
}

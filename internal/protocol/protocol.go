// Package protocol defines the request/response messages exchanged between the
// GPIO authority and its clients.
//
// A connection carries a sequence of frames. Each frame is a 3-byte big-endian
// length followed by that many bytes of JSON. A client sends one request and
// waits for its response before sending the next.
package protocol

import (
	"time"
)

// Op names a request operation.
type Op string

const (
	OpAcquire    Op = "acquire"
	OpRelease    Op = "release"
	OpReadTemp   Op = "read_temp"
	OpSetPeltier Op = "set_peltier"
	OpSetFan     Op = "set_fan"
	OpHeartbeat  Op = "heartbeat"
	OpStatus     Op = "status"
)

// Level is the reported state of an actuator line.
type Level string

const (
	LevelOn      Level = "ON"
	LevelOff     Level = "OFF"
	LevelUnknown Level = "UNKNOWN"
)

// LevelOf converts a boolean to ON/OFF.
func LevelOf(on bool) Level {
	if on {
		return LevelOn
	}
	return LevelOff
}

// Request is a single client request.
type Request struct {
	ID        uint64 `json:"id,omitempty"`
	Op        Op     `json:"op"`
	SessionID string `json:"sessionId,omitempty"`
	Client    string `json:"client,omitempty"`
	Exclusive bool   `json:"exclusive,omitempty"`
	On        *bool  `json:"on,omitempty"`
}

// Response answers a Request. Exactly one of Error or the success fields is set.
type Response struct {
	ID        uint64   `json:"id,omitempty"`
	OK        bool     `json:"ok,omitempty"`
	SessionID string   `json:"sessionId,omitempty"`
	Value     *float64 `json:"value,omitempty"`
	TS        string   `json:"ts,omitempty"`
	Status    *Status  `json:"status,omitempty"`
	Error     Code     `json:"error,omitempty"`
	Detail    string   `json:"detail,omitempty"`
}

// Err returns the response error as a *Error, or nil on success.
func (r Response) Err() error {
	if r.Error == "" {
		return nil
	}
	return &Error{Code: r.Error, Detail: r.Detail}
}

// Status is the read-only health view returned by the status op.
type Status struct {
	Peltier        Level          `json:"peltier"`
	Fan            Level          `json:"fan"`
	Session        *SessionStatus `json:"session,omitempty"`
	Temperature    *float64       `json:"temperature,omitempty"`
	TemperatureTS  string         `json:"temperatureTs,omitempty"`
	UptimeSeconds  int64          `json:"uptimeSeconds"`
	ControllerSeen bool           `json:"controllerSeen"`
}

// SessionStatus describes the current session holder.
type SessionStatus struct {
	Client         string `json:"client"`
	Exclusive      bool   `json:"exclusive"`
	AcquiredAt     string `json:"acquiredAt"`
	HeartbeatAgeMs int64  `json:"heartbeatAgeMs"`
}

// Sample is a temperature reading taken by the authority.
type Sample struct {
	Value      float64
	ObservedAt time.Time
}

// TimeFormat is the wire format for timestamps.
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// FormatTime renders t in UTC using TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// SampleResponse builds the read_temp response for s.
func SampleResponse(id uint64, s Sample) Response {
	v := s.Value
	return Response{ID: id, OK: true, Value: &v, TS: FormatTime(s.ObservedAt)}
}

// SampleFrom parses a read_temp response.
func SampleFrom(r Response) (Sample, error) {
	if err := r.Err(); err != nil {
		return Sample{}, err
	}
	if r.Value == nil {
		return Sample{}, &Error{Code: CodeMalformed, Detail: "read_temp response without value"}
	}
	ts, err := time.Parse(time.RFC3339Nano, r.TS)
	if err != nil {
		return Sample{}, &Error{Code: CodeMalformed, Detail: "bad timestamp " + r.TS}
	}
	return Sample{Value: *r.Value, ObservedAt: ts}, nil
}

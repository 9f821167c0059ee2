// Package status provides a thread-safe status tracker for the gpio-authority
// daemon. The authority publishes into it after every state change; the
// status op, HTTP handlers and system events read from it, so none of them
// ever wait on a pin write in progress.
package status

import (
	"sync"
	"time"

	"github.com/lomnom/MarimoCool/internal/protocol"
)

// Config contains daemon configuration for display.
type Config struct {
	Listen                 string
	HTTPAddr               string
	Driver                 string
	Broker                 string
	ControllerID           string
	HeartbeatTimeoutMs     int64
	MinActuationIntervalMs int64
	WriteTimeoutMs         int64
}

// Session describes the current session holder.
type Session struct {
	Client        string
	Exclusive     bool
	AcquiredAt    time.Time
	LastHeartbeat time.Time
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type and safe to use after the lock is released.
type Snapshot struct {
	Peltier    protocol.Level
	Fan        protocol.Level
	ActuatedAt time.Time

	Session *Session

	Temperature   *float64
	TemperatureAt time.Time

	ControllerSeen  bool
	Connections     int
	EventsConnected bool

	StartTime time.Time
	Now       time.Time
	Config    Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// HeartbeatAge returns the time since the session holder last proved it was
// alive, or 0 with no session.
func (s Snapshot) HeartbeatAge() time.Duration {
	if s.Session == nil {
		return 0
	}
	return s.Now.Sub(s.Session.LastHeartbeat)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time and config. Both
// actuators start UNKNOWN until the driver reports them.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			Peltier:   protocol.LevelUnknown,
			Fan:       protocol.LevelUnknown,
			StartTime: startTime,
			Config:    cfg,
		},
	}
}

// SetActuators records both line levels.
func (t *Tracker) SetActuators(peltier, fan protocol.Level, at time.Time) {
	t.mu.Lock()
	t.snap.Peltier = peltier
	t.snap.Fan = fan
	t.snap.ActuatedAt = at
	t.mu.Unlock()
}

// SetSession records the current session holder; nil clears it.
func (t *Tracker) SetSession(s *Session) {
	t.mu.Lock()
	if s == nil {
		t.snap.Session = nil
	} else {
		c := *s
		t.snap.Session = &c
	}
	t.mu.Unlock()
}

// SetHeartbeat records a heartbeat from the current holder.
func (t *Tracker) SetHeartbeat(at time.Time) {
	t.mu.Lock()
	if t.snap.Session != nil {
		c := *t.snap.Session
		c.LastHeartbeat = at
		t.snap.Session = &c
	}
	t.mu.Unlock()
}

// SetTemperature records the last successful sensor read.
func (t *Tracker) SetTemperature(v float64, at time.Time) {
	t.mu.Lock()
	t.snap.Temperature = &v
	t.snap.TemperatureAt = at
	t.mu.Unlock()
}

// SetControllerSeen records that the controller has acquired at least once.
func (t *Tracker) SetControllerSeen() {
	t.mu.Lock()
	t.snap.ControllerSeen = true
	t.mu.Unlock()
}

// SetConnections sets the number of open client connections.
func (t *Tracker) SetConnections(n int) {
	t.mu.Lock()
	t.snap.Connections = n
	t.mu.Unlock()
}

// SetEventsConnected sets the event broker connection status.
func (t *Tracker) SetEventsConnected(connected bool) {
	t.mu.Lock()
	t.snap.EventsConnected = connected
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	return t.SnapshotAt(time.Now())
}

// SnapshotAt is Snapshot with an explicit Now.
func (t *Tracker) SnapshotAt(now time.Time) Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	s.Now = now
	return s
}

// Protocol converts a snapshot to the status op's wire form.
func Protocol(s Snapshot) protocol.Status {
	st := protocol.Status{
		Peltier:        levelOrUnknown(s.Peltier),
		Fan:            levelOrUnknown(s.Fan),
		UptimeSeconds:  int64(s.Uptime().Seconds()),
		ControllerSeen: s.ControllerSeen,
	}
	if s.Session != nil {
		st.Session = &protocol.SessionStatus{
			Client:         s.Session.Client,
			Exclusive:      s.Session.Exclusive,
			AcquiredAt:     protocol.FormatTime(s.Session.AcquiredAt),
			HeartbeatAgeMs: s.HeartbeatAge().Milliseconds(),
		}
	}
	if s.Temperature != nil {
		v := *s.Temperature
		st.Temperature = &v
		st.TemperatureTS = protocol.FormatTime(s.TemperatureAt)
	}
	return st
}

// Health reports whether the controller currently holds a live session:
// the session belongs to Config.ControllerID and its last heartbeat is
// within Config.HeartbeatTimeoutMs.
func Health(s Snapshot) bool {
	if s.Session == nil || s.Session.Client != s.Config.ControllerID {
		return false
	}
	return s.HeartbeatAge() <= time.Duration(s.Config.HeartbeatTimeoutMs)*time.Millisecond
}

func levelOrUnknown(l protocol.Level) protocol.Level {
	if l == "" {
		return protocol.LevelUnknown
	}
	return l
}

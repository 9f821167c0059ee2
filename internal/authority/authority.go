// Package authority is the sole owner of the tank's actuators and thermometer.
// It arbitrates which client may actuate through sessions, funnels every pin
// operation through a single slot so at most one is ever in flight, and
// drives the outputs to the fail-safe state (everything off) whenever control
// becomes uncertain.
package authority

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lomnom/MarimoCool/internal/events"
	"github.com/lomnom/MarimoCool/internal/gpio"
	"github.com/lomnom/MarimoCool/internal/metrics"
	"github.com/lomnom/MarimoCool/internal/protocol"
	"github.com/lomnom/MarimoCool/internal/sensor"
	"github.com/lomnom/MarimoCool/internal/status"
)

// Source is the event source name of the authority.
const Source = "gpio-authority"

// Session end reasons.
const (
	ReasonReleased         = "released"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonConnectionLost   = "connection_lost"
	ReasonPreempted        = "preempted"
	ReasonShutdown         = "shutdown"
)

// endedTokens bounds how many ended session tokens are remembered.
const endedTokens = 64

var errTimeout = errors.New("timed out")

// Config holds the authority's timing and arbitration parameters.
type Config struct {
	// ControllerID is the client identity of the control loop. It has
	// priority at startup and may reclaim from an override holder.
	ControllerID string

	MinActuationInterval time.Duration
	HeartbeatTimeout     time.Duration
	WriteTimeout         time.Duration
	SensorTimeout        time.Duration
	SensorCacheTTL       time.Duration

	// OverrideTimeout is how long a non-controller exclusive session is
	// protected from the controller. Zero disables preemption.
	OverrideTimeout time.Duration

	// StartupReserve is how long after startup only the controller may
	// acquire, unless it has already done so.
	StartupReserve time.Duration

	// SampleEvery is the TEMPERATURE event rate. Zero disables them.
	SampleEvery time.Duration

	// MaxActuationFailures consecutive failed writes on one line raise an
	// ACTUATION_FAULT event.
	MaxActuationFailures int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ControllerID:         "temp-manager",
		MinActuationInterval: 10 * time.Second,
		HeartbeatTimeout:     10 * time.Second,
		WriteTimeout:         500 * time.Millisecond,
		SensorTimeout:        2 * time.Second,
		SensorCacheTTL:       time.Second,
		OverrideTimeout:      time.Hour,
		StartupReserve:       30 * time.Second,
		SampleEvery:          time.Minute,
		MaxActuationFailures: 3,
	}
}

// ConnID identifies a client connection. Session tokens are only valid on
// the connection that acquired them.
type ConnID uint64

type session struct {
	token         string
	conn          ConnID
	client        string
	exclusive     bool
	acquiredAt    time.Time
	lastHeartbeat time.Time
}

type lineState struct {
	level       protocol.Level
	commandedAt time.Time // last accepted command; zero after a fail-safe
	updatedAt   time.Time
	failures    int
}

// Option configures an Authority.
type Option func(*Authority)

// WithEmitter sets the event sink. The default discards events.
func WithEmitter(e events.Emitter) Option {
	return func(a *Authority) { a.emit = e }
}

// WithTracker sets the status tracker the authority publishes into.
func WithTracker(t *status.Tracker) Option {
	return func(a *Authority) { a.tracker = t }
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Authority) { a.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Authority) { a.now = now }
}

// Authority arbitrates access to the actuators.
type Authority struct {
	cfg     Config
	drv     gpio.Driver
	therm   sensor.Thermometer
	emit    events.Emitter
	tracker *status.Tracker
	metrics *metrics.Metrics
	now     func() time.Time
	started time.Time

	// mu guards the session and line state. It is held for the whole of a
	// pin operation, which writeSlot bounds by WriteTimeout.
	mu             sync.Mutex
	session        *session
	lines          map[gpio.Line]*lineState
	ended          map[string]struct{}
	endedOrder     []string
	controllerSeen bool
	shutdown       bool

	// writeSlot is taken for every driver call. A call that outlives its
	// timeout keeps the slot until it returns, so no second pin operation
	// can start behind a hung one.
	writeSlot chan struct{}

	sampleMu    sync.Mutex
	cached      *protocol.Sample
	cachedAt    time.Time
	lastSampled time.Time
	sensorSlot  chan struct{}
}

// New creates an Authority over drv and therm. The initial line levels are
// read back from the driver; a line that cannot be read starts UNKNOWN.
func New(cfg Config, drv gpio.Driver, therm sensor.Thermometer, opts ...Option) *Authority {
	a := &Authority{
		cfg:        cfg,
		drv:        drv,
		therm:      therm,
		emit:       events.Discard{},
		now:        time.Now,
		lines:      make(map[gpio.Line]*lineState),
		ended:      make(map[string]struct{}),
		writeSlot:  make(chan struct{}, 1),
		sensorSlot: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.started = a.now()
	if a.tracker == nil {
		a.tracker = status.NewTracker(a.started, status.Config{ControllerID: cfg.ControllerID})
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, line := range gpio.Lines {
		a.lines[line] = &lineState{level: protocol.LevelUnknown, updatedAt: a.started}
		a.readBackLocked(line)
	}
	a.publishLocked()
	return a
}

// Tracker returns the tracker the authority publishes into.
func (a *Authority) Tracker() *status.Tracker {
	return a.tracker
}

// Acquire creates a session for client on conn and returns its token.
func (a *Authority) Acquire(conn ConnID, client string, exclusive bool) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	isController := client == a.cfg.ControllerID

	if a.shutdown {
		return "", protocol.Errorf(protocol.CodeDenied, "authority is shutting down")
	}

	if s := a.session; s != nil && s.conn == conn {
		if s.client != client {
			return "", protocol.Errorf(protocol.CodeAlreadyHeld, "connection holds a session for %s", s.client)
		}
		s.lastHeartbeat = now
		a.tracker.SetHeartbeat(now)
		return s.token, nil
	}

	if !isController && !a.controllerSeen && now.Sub(a.started) < a.cfg.StartupReserve {
		return "", protocol.Errorf(protocol.CodeDenied, "reserved for %s during startup", a.cfg.ControllerID)
	}

	if s := a.session; s != nil {
		switch {
		case !s.exclusive:
		case s.client == client:
			// Same identity on a new connection: the old one is dead but
			// has not been noticed yet.
		case isController && a.cfg.OverrideTimeout > 0 && now.Sub(s.acquiredAt) >= a.cfg.OverrideTimeout:
		default:
			return "", protocol.Errorf(protocol.CodeDenied, "held by %s", s.client)
		}
		a.endLocked(ReasonPreempted, false)
	}

	s := &session{
		token:         uuid.NewString(),
		conn:          conn,
		client:        client,
		exclusive:     exclusive,
		acquiredAt:    now,
		lastHeartbeat: now,
	}
	a.session = s
	if isController && !a.controllerSeen {
		a.controllerSeen = true
		a.tracker.SetControllerSeen()
	}

	log.Printf("authority: session acquired by %s (conn %d, exclusive=%v)", client, conn, exclusive)
	a.metrics.Session("acquired")
	a.emit.Emit(events.Event{
		Timestamp: now,
		Type:      events.EventSessionAcquired,
		Source:    Source,
		Client:    client,
		Exclusive: exclusive,
	})
	a.publishLocked()
	return s.token, nil
}

// Release ends the caller's session and applies the fail-safe state.
func (a *Authority) Release(conn ConnID, token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkOwnerLocked(conn, token); err != nil {
		return err
	}
	a.endLocked(ReasonReleased, true)
	a.publishLocked()
	return nil
}

// Heartbeat refreshes the caller's session.
func (a *Authority) Heartbeat(conn ConnID, token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkOwnerLocked(conn, token); err != nil {
		return err
	}
	now := a.now()
	a.session.lastHeartbeat = now
	a.tracker.SetHeartbeat(now)
	return nil
}

// SetPeltier drives the peltier relay.
func (a *Authority) SetPeltier(conn ConnID, token string, on bool) error {
	return a.set(conn, token, gpio.Peltier, on)
}

// SetFan drives the fan relay.
func (a *Authority) SetFan(conn ConnID, token string, on bool) error {
	return a.set(conn, token, gpio.Fan, on)
}

func (a *Authority) set(conn ConnID, token string, line gpio.Line, on bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkOwnerLocked(conn, token); err != nil {
		return err
	}

	ls := a.lines[line]
	now := a.now()
	want := protocol.LevelOf(on)
	if ls.level == want {
		if !ls.commandedAt.IsZero() && now.Sub(ls.commandedAt) < a.cfg.MinActuationInterval {
			return protocol.Errorf(protocol.CodeInvalidTransition, "%s already %s", line, want)
		}
		ls.commandedAt = now
		return nil
	}

	ls.commandedAt = now
	err := a.writeLocked(line, on)
	a.publishLocked()
	return err
}

// Disconnect tears down any session held by conn. The fail-safe state is
// applied only if that session was exclusive.
func (a *Authority) Disconnect(conn ConnID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.session
	if s == nil || s.conn != conn {
		return
	}
	a.endLocked(ReasonConnectionLost, s.exclusive)
	a.publishLocked()
}

// Tick reaps a session whose heartbeat has expired, retries read-back of
// lines in an unknown state and emits a temperature sample when one is due.
func (a *Authority) Tick() {
	a.mu.Lock()
	now := a.now()
	if s := a.session; s != nil && now.Sub(s.lastHeartbeat) > a.cfg.HeartbeatTimeout {
		log.Printf("authority: session of %s missed heartbeat for %v", s.client, now.Sub(s.lastHeartbeat).Truncate(time.Millisecond))
		a.endLocked(ReasonHeartbeatTimeout, true)
	}
	for _, line := range gpio.Lines {
		if a.lines[line].level == protocol.LevelUnknown {
			a.readBackLocked(line)
		}
	}
	a.publishLocked()
	a.mu.Unlock()

	a.sample(now)
}

// Run calls Tick on every tick until ctx is done.
func (a *Authority) Run(ctx context.Context, tick <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			a.Tick()
		}
	}
}

// Shutdown ends any session and applies the fail-safe state. Acquire is
// refused from then on.
func (a *Authority) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shutdown = true
	if a.session != nil {
		a.endLocked(ReasonShutdown, false)
	}
	a.failSafeLocked()
	a.publishLocked()
}

// Status returns the last published state. It never waits on a pin
// operation in progress.
func (a *Authority) Status() protocol.Status {
	return status.Protocol(a.tracker.SnapshotAt(a.now()))
}

// ReadTemperature returns the tank temperature. Reads within SensorCacheTTL
// of the last one share its result.
func (a *Authority) ReadTemperature() (protocol.Sample, error) {
	a.sampleMu.Lock()
	defer a.sampleMu.Unlock()

	if a.cached != nil && a.now().Sub(a.cachedAt) < a.cfg.SensorCacheTTL {
		return *a.cached, nil
	}

	var v float64
	err := bounded(a.sensorSlot, a.cfg.SensorTimeout, func() error {
		var err error
		v, err = a.therm.Read()
		return err
	})
	if err != nil {
		a.metrics.SensorError()
		log.Printf("authority: sensor read failed: %v", err)
		return protocol.Sample{}, protocol.Errorf(protocol.CodeSensorFailed, "%v", err)
	}

	now := a.now()
	s := protocol.Sample{Value: v, ObservedAt: now}
	a.cached = &s
	a.cachedAt = now
	a.tracker.SetTemperature(v, now)
	a.metrics.Temperature(v)
	return s, nil
}

func (a *Authority) sample(now time.Time) {
	if a.cfg.SampleEvery <= 0 {
		return
	}
	a.sampleMu.Lock()
	due := a.lastSampled.IsZero() || now.Sub(a.lastSampled) >= a.cfg.SampleEvery
	if due {
		a.lastSampled = now
	}
	a.sampleMu.Unlock()
	if !due {
		return
	}

	s, err := a.ReadTemperature()
	if err != nil {
		return
	}
	v := s.Value
	a.emit.Emit(events.Event{
		Timestamp:   s.ObservedAt,
		Type:        events.EventTemperature,
		Source:      Source,
		Temperature: &v,
	})
}

func (a *Authority) checkOwnerLocked(conn ConnID, token string) error {
	s := a.session
	if s == nil || s.token != token {
		if _, ok := a.ended[token]; ok {
			return protocol.Errorf(protocol.CodeExpired, "session has ended")
		}
		return protocol.Errorf(protocol.CodeNotOwner, "no session with that token")
	}
	if s.conn != conn {
		return protocol.Errorf(protocol.CodeNotOwner, "session belongs to another connection")
	}
	return nil
}

// endLocked destroys the current session.
func (a *Authority) endLocked(reason string, failSafe bool) {
	s := a.session
	a.session = nil
	a.ended[s.token] = struct{}{}
	a.endedOrder = append(a.endedOrder, s.token)
	if len(a.endedOrder) > endedTokens {
		delete(a.ended, a.endedOrder[0])
		a.endedOrder = a.endedOrder[1:]
	}

	typ := events.EventSessionLost
	if reason == ReasonReleased {
		typ = events.EventSessionReleased
		a.metrics.Session("released")
	} else {
		a.metrics.Session("lost")
	}
	log.Printf("authority: session of %s ended: %s", s.client, reason)
	a.emit.Emit(events.Event{
		Timestamp: a.now(),
		Type:      typ,
		Source:    Source,
		Client:    s.client,
		Exclusive: s.exclusive,
		Reason:    reason,
	})

	if failSafe {
		a.failSafeLocked()
	}
}

// failSafeLocked drives every line off, whatever its believed level.
func (a *Authority) failSafeLocked() {
	for _, line := range gpio.Lines {
		a.lines[line].commandedAt = time.Time{}
		if err := a.writeLocked(line, false); err != nil {
			log.Printf("authority: fail-safe %s: %v", line, err)
		}
	}
}

// writeLocked performs one pin write. On failure the line's level becomes
// UNKNOWN until a read-back succeeds.
func (a *Authority) writeLocked(line gpio.Line, on bool) error {
	ls := a.lines[line]
	err := bounded(a.writeSlot, a.cfg.WriteTimeout, func() error {
		return a.drv.Set(line, on)
	})
	now := a.now()
	ls.updatedAt = now

	if err != nil {
		result := "failed"
		if errors.Is(err, errTimeout) {
			result = "timeout"
		}
		ls.level = protocol.LevelUnknown
		ls.failures++
		a.metrics.Actuation(string(line), result)
		log.Printf("authority: write %s=%s failed (%d in a row): %v", line, protocol.LevelOf(on), ls.failures, err)

		if ls.failures == a.cfg.MaxActuationFailures {
			a.emit.Emit(events.Event{
				Timestamp: now,
				Type:      events.EventActuationFault,
				Source:    Source,
				Line:      string(line),
				Reason:    fmt.Sprintf("%d consecutive write failures: %v", ls.failures, err),
			})
		}
		return protocol.Errorf(protocol.CodeActuationFailed, "%s: %v", line, err)
	}

	a.metrics.Actuation(string(line), "ok")
	ls.failures = 0
	a.setLevelLocked(line, protocol.LevelOf(on), now)
	return nil
}

// readBackLocked tries to learn a line's actual level from the driver.
func (a *Authority) readBackLocked(line gpio.Line) {
	var on bool
	err := bounded(a.writeSlot, a.cfg.WriteTimeout, func() error {
		var err error
		on, err = a.drv.Get(line)
		return err
	})
	if err != nil {
		return
	}
	a.setLevelLocked(line, protocol.LevelOf(on), a.now())
}

func (a *Authority) setLevelLocked(line gpio.Line, level protocol.Level, now time.Time) {
	ls := a.lines[line]
	prev := ls.level
	ls.level = level
	ls.updatedAt = now
	if prev == level {
		return
	}
	log.Printf("authority: %s %s -> %s", line, prev, level)
	a.emit.Emit(events.Event{
		Timestamp: now,
		Type:      events.EventActuator,
		Source:    Source,
		Line:      string(line),
		Level:     string(level),
	})
}

// publishLocked copies the current state into the tracker.
func (a *Authority) publishLocked() {
	p, f := a.lines[gpio.Peltier], a.lines[gpio.Fan]
	at := p.updatedAt
	if f.updatedAt.After(at) {
		at = f.updatedAt
	}
	a.tracker.SetActuators(p.level, f.level, at)
	a.metrics.Level(string(gpio.Peltier), string(p.level))
	a.metrics.Level(string(gpio.Fan), string(f.level))

	if s := a.session; s != nil {
		a.tracker.SetSession(&status.Session{
			Client:        s.client,
			Exclusive:     s.exclusive,
			AcquiredAt:    s.acquiredAt,
			LastHeartbeat: s.lastHeartbeat,
		})
	} else {
		a.tracker.SetSession(nil)
	}
}

// bounded runs fn holding slot and gives up after timeout. If fn is still
// running at the timeout it keeps the slot until it returns.
func bounded(slot chan struct{}, timeout time.Duration, fn func() error) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case slot <- struct{}{}:
	case <-timer.C:
		return fmt.Errorf("previous operation still running: %w", errTimeout)
	}

	done := make(chan error, 1)
	go func() {
		err := fn()
		<-slot
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("no response after %v: %w", timeout, errTimeout)
	}
}

// Package control regulates the tank temperature as a client of the
// authority. It holds an exclusive session, polls the thermometer, applies
// the hysteresis policy and heartbeats every cycle. Any uncertainty about
// the connection or the hardware is resolved towards the peltier being off.
package control

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/lomnom/MarimoCool/internal/client"
	"github.com/lomnom/MarimoCool/internal/protocol"
)

// Authority is the subset of the protocol the loop uses. *client.Client
// implements it.
type Authority interface {
	Acquire(ctx context.Context, clientID string, exclusive bool) (string, error)
	Release(ctx context.Context, token string) error
	Heartbeat(ctx context.Context, token string) error
	SetPeltier(ctx context.Context, token string, on bool) error
	SetFan(ctx context.Context, token string, on bool) error
	ReadTemperature(ctx context.Context) (protocol.Sample, error)
	Status(ctx context.Context) (protocol.Status, error)
	Close() error
}

// Dialer opens a new connection to the authority.
type Dialer func(ctx context.Context) (Authority, error)

// State is the loop's connection and ownership state.
type State int

const (
	StateStarting State = iota
	StateActive
	StateDegraded
	StatePassive
	StateHalted
	// StateStopped: the session was given up on request. The loop keeps
	// monitoring until Start.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateDegraded:
		return "degraded"
	case StatePassive:
		return "passive"
	case StateHalted:
		return "halted"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// shutdownTimeout bounds the best-effort commands sent on shutdown.
const shutdownTimeout = 3 * time.Second

// Config holds the loop parameters.
type Config struct {
	ClientID  string
	Upper     float64
	Lower     float64
	FanSettle time.Duration

	PollPeriod          time.Duration
	MaxFailures         int
	MaxReconnectBackoff time.Duration
	MaxPassiveDuration  time.Duration

	// MaxActuationFailures consecutive failed writes halt the loop.
	MaxActuationFailures int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ClientID:             "temp-manager",
		Upper:                25.0,
		Lower:                23.0,
		FanSettle:            2 * time.Minute,
		PollPeriod:           2 * time.Second,
		MaxFailures:          3,
		MaxReconnectBackoff:  30 * time.Second,
		MaxPassiveDuration:   30 * time.Minute,
		MaxActuationFailures: 3,
	}
}

type line struct {
	name  string
	known bool
	on    bool
}

// Errors for a Start, Stop or SetParams at odds with the run state.
var (
	ErrRunning = errors.New("control: already running")
	ErrStopped = errors.New("control: already stopped")
)

// RunInfo says whether the loop is regulating and since when.
type RunInfo struct {
	Running bool
	Since   time.Time
	Reason  string // started, stopped or halted
}

// Loop is the control state machine. It is driven by Tick. Stop, Start and
// SetParams may be called from other goroutines; they wait for a cycle in
// progress to finish.
type Loop struct {
	// mu serialises cycles and run state changes.
	mu     sync.Mutex
	cfg    Config
	dial   Dialer
	now    func() time.Time
	policy *Policy

	// viewMu guards what State, LastSample, Params and Status report, so that
	// readers never wait on the network.
	viewMu sync.Mutex
	state  State
	last   *protocol.Sample
	params Params
	run    RunInfo

	conn  Authority
	token string

	failures    int
	sensorFails int
	actFailures int

	backoff     time.Duration
	nextAttempt time.Time

	passiveSince   time.Time
	passiveAlerted bool

	peltier line
	fan     line
}

// New creates a Loop that connects through dial.
func New(cfg Config, dial Dialer) *Loop {
	return &Loop{
		cfg:     cfg,
		dial:    dial,
		now:     time.Now,
		policy:  NewPolicy(cfg.Upper, cfg.Lower, cfg.FanSettle),
		params:  Params{Upper: cfg.Upper, Lower: cfg.Lower, FanSettle: cfg.FanSettle},
		run:     RunInfo{Running: true, Reason: "started"},
		peltier: line{name: "peltier"},
		fan:     line{name: "fan"},
	}
}

// SetClock replaces time.Now.
func (l *Loop) SetClock(now func() time.Time) {
	l.now = now
}

// State returns the current state.
func (l *Loop) State() State {
	l.viewMu.Lock()
	defer l.viewMu.Unlock()
	return l.state
}

// LastSample returns the most recent temperature read, if any.
func (l *Loop) LastSample() (protocol.Sample, bool) {
	l.viewMu.Lock()
	defer l.viewMu.Unlock()
	if l.last == nil {
		return protocol.Sample{}, false
	}
	return *l.last, true
}

// Params returns the regulation parameters in use.
func (l *Loop) Params() Params {
	l.viewMu.Lock()
	defer l.viewMu.Unlock()
	return l.params
}

// Status reports whether the loop is regulating.
func (l *Loop) Status() RunInfo {
	l.viewMu.Lock()
	defer l.viewMu.Unlock()
	return l.run
}

// Stop turns the peltier off and releases the session, keeping the
// connection for monitoring. The authority's release puts every line in the
// fail-safe state.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped() {
		return ErrStopped
	}
	if l.conn != nil && l.token != "" {
		if err := l.conn.SetPeltier(ctx, l.token, false); err != nil && !errors.Is(err, protocol.ErrInvalidTransition) {
			log.Printf("control: stop: peltier off: %v", err)
		}
		if err := l.conn.Release(ctx, l.token); err != nil {
			log.Printf("control: stop: release: %v", err)
			if client.IsCommunication(err) {
				l.dropConnection()
			}
		}
	}
	l.token = ""
	l.peltier.known, l.fan.known = false, false
	l.policy.Sync(false, l.now())
	l.failures = 0
	l.setState(StateStopped)
	l.setRun(false, "stopped")
	return nil
}

// Start leaves the stopped or halted state. The next Tick acquires a fresh
// session.
func (l *Loop) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.stopped() {
		return ErrRunning
	}
	l.actFailures = 0
	l.backoff = 0
	l.nextAttempt = time.Time{}
	l.setState(StateStarting)
	l.setRun(true, "started")
	return nil
}

// SetParams replaces the thresholds and fan settle. Like the original
// controller it only accepts new parameters while stopped.
func (l *Loop) SetParams(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.stopped() {
		return ErrRunning
	}
	l.cfg.Upper, l.cfg.Lower, l.cfg.FanSettle = p.Upper, p.Lower, p.FanSettle
	l.policy.Upper, l.policy.Lower, l.policy.FanSettle = p.Upper, p.Lower, p.FanSettle
	l.viewMu.Lock()
	l.params = p
	l.viewMu.Unlock()
	log.Printf("control: params upper=%.2f lower=%.2f fan_settle=%v", p.Upper, p.Lower, p.FanSettle)
	return nil
}

// stopped reports whether the loop has stopped regulating.
func (l *Loop) stopped() bool {
	return l.state == StateStopped || l.state == StateHalted
}

// Run ticks the loop until ctx is done, then shuts down.
func (l *Loop) Run(ctx context.Context, tick <-chan time.Time) {
	l.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			l.Shutdown(sctx)
			cancel()
			return
		case <-tick:
			l.Tick(ctx)
		}
	}
}

// Tick runs one cycle.
func (l *Loop) Tick(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if l.run.Since.IsZero() {
		l.viewMu.Lock()
		l.run.Since = now
		l.viewMu.Unlock()
	}
	switch l.state {
	case StateStarting, StateDegraded:
		if now.Before(l.nextAttempt) {
			return
		}
		if l.connect(ctx, now) {
			l.acquire(ctx, now)
		}
	case StatePassive:
		if !l.readTemperature(ctx, now) {
			return
		}
		if !l.passiveAlerted && now.Sub(l.passiveSince) >= l.cfg.MaxPassiveDuration {
			l.passiveAlerted = true
			log.Printf("control: passive for %v, another client still holds the tank", now.Sub(l.passiveSince).Truncate(time.Second))
		}
		l.acquire(ctx, now)
	case StateActive:
		l.cycle(ctx, now)
	case StateHalted, StateStopped:
		if l.conn == nil {
			if now.Before(l.nextAttempt) || !l.connect(ctx, now) {
				return
			}
		}
		l.readTemperature(ctx, now)
	}
}

// Shutdown turns the peltier off, releases the session and closes the
// connection, all best-effort.
func (l *Loop) Shutdown(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return
	}
	if l.token != "" {
		if err := l.conn.SetPeltier(ctx, l.token, false); err != nil && !errors.Is(err, protocol.ErrInvalidTransition) {
			log.Printf("control: shutdown: peltier off: %v", err)
		}
		if err := l.conn.Release(ctx, l.token); err != nil {
			log.Printf("control: shutdown: release: %v", err)
		}
		l.token = ""
	}
	l.conn.Close()
	l.conn = nil
	log.Printf("control: shut down")
}

func (l *Loop) setState(s State) {
	if l.state == s {
		return
	}
	log.Printf("control: state %s -> %s", l.state, s)
	l.viewMu.Lock()
	l.state = s
	l.viewMu.Unlock()
}

func (l *Loop) setRun(running bool, reason string) {
	l.viewMu.Lock()
	l.run = RunInfo{Running: running, Since: l.now(), Reason: reason}
	l.viewMu.Unlock()
}

func (l *Loop) setLast(s protocol.Sample) {
	l.viewMu.Lock()
	l.last = &s
	l.viewMu.Unlock()
}

// connect dials a new connection if there is none.
func (l *Loop) connect(ctx context.Context, now time.Time) bool {
	if l.conn != nil {
		return true
	}
	conn, err := l.dial(ctx)
	if err != nil {
		l.retryLater(now, err)
		return false
	}
	l.conn = conn
	return true
}

func (l *Loop) retryLater(now time.Time, err error) {
	if l.backoff == 0 {
		l.backoff = l.cfg.PollPeriod
	} else if l.backoff *= 2; l.backoff > l.cfg.MaxReconnectBackoff {
		l.backoff = l.cfg.MaxReconnectBackoff
	}
	l.nextAttempt = now.Add(l.backoff)
	log.Printf("control: connect: %v; retrying in %v", err, l.backoff)
	if !l.stopped() {
		l.setState(StateDegraded)
	}
}

func (l *Loop) dropConnection() {
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
	l.token = ""
	l.failures = 0
}

// acquire requests a fresh exclusive session on the current connection.
func (l *Loop) acquire(ctx context.Context, now time.Time) {
	token, err := l.conn.Acquire(ctx, l.cfg.ClientID, true)
	switch {
	case err == nil:
		l.token = token
		l.backoff = 0
		l.failures = 0
		l.setState(StateActive)
		l.syncState(ctx, now)
	case errors.Is(err, protocol.ErrDenied):
		if l.state != StatePassive {
			l.passiveSince = now
			l.passiveAlerted = false
			log.Printf("control: acquire denied: %v", err)
		}
		l.setState(StatePassive)
	case client.IsCommunication(err):
		l.dropConnection()
		l.retryLater(now, err)
	default:
		log.Printf("control: acquire: %v", err)
		l.dropConnection()
		l.retryLater(now, err)
	}
}

// syncState adopts the authority's actuator levels. Unknown levels force a
// write on the next decision.
func (l *Loop) syncState(ctx context.Context, now time.Time) {
	l.peltier.known, l.fan.known = false, false
	st, err := l.conn.Status(ctx)
	if err != nil {
		log.Printf("control: status after acquire: %v", err)
		return
	}
	adopt := func(ln *line, level protocol.Level) {
		if level == protocol.LevelUnknown {
			return
		}
		ln.known = true
		ln.on = level == protocol.LevelOn
	}
	adopt(&l.peltier, st.Peltier)
	adopt(&l.fan, st.Fan)
	if l.peltier.known {
		l.policy.Sync(l.peltier.on, now)
	}
}

// readTemperature reads the sensor. It returns false if the connection was
// given up.
func (l *Loop) readTemperature(ctx context.Context, now time.Time) bool {
	s, err := l.conn.ReadTemperature(ctx)
	if err == nil {
		l.setLast(s)
		l.sensorFails = 0
		return true
	}
	if client.IsCommunication(err) {
		return !l.commFailure(now, err)
	}
	l.sensorFails++
	log.Printf("control: read temperature: %v", err)
	return true
}

// commFailure counts a transport failure and gives up the connection after
// MaxFailures in a row, or at once if the connection is already broken. It
// reports whether the connection was given up.
func (l *Loop) commFailure(now time.Time, err error) bool {
	l.failures++
	log.Printf("control: %v (%d/%d)", err, l.failures, l.cfg.MaxFailures)
	if l.failures < l.cfg.MaxFailures && !errors.Is(err, client.ErrBroken) {
		return false
	}
	log.Printf("control: connection lost")
	l.dropConnection()
	l.backoff = 0
	l.nextAttempt = now
	if !l.stopped() {
		l.setState(StateDegraded)
	}
	return true
}

// sessionLost handles an authority report that the token is no longer
// valid. Ownership is never assumed: a fresh acquire follows immediately.
func (l *Loop) sessionLost(ctx context.Context, now time.Time, err error) {
	log.Printf("control: session lost: %v", err)
	l.token = ""
	l.acquire(ctx, now)
}

func (l *Loop) cycle(ctx context.Context, now time.Time) {
	s, err := l.conn.ReadTemperature(ctx)
	haveSample := err == nil
	switch {
	case haveSample:
		l.setLast(s)
		l.sensorFails = 0
	case client.IsCommunication(err):
		l.commFailure(now, err)
		return
	default:
		l.sensorFails++
		log.Printf("control: read temperature: %v", err)
	}

	if err := l.conn.Heartbeat(ctx, l.token); err != nil {
		if client.IsCommunication(err) {
			l.commFailure(now, err)
		} else {
			l.sessionLost(ctx, now, err)
		}
		return
	}
	l.failures = 0

	var d Decision
	switch {
	case haveSample:
		d = l.policy.Update(s.Value, now)
	case l.sensorFails >= l.cfg.MaxFailures:
		if l.policy.peltierOn {
			log.Printf("control: no temperature for %d cycles, peltier off", l.sensorFails)
		}
		d = l.policy.ForceOff(now)
	default:
		d = l.policy.Decide(now)
	}
	l.apply(ctx, now, d)
}

// apply sends only the commands needed to reach d. The fan comes on before
// the peltier and goes off after it.
func (l *Loop) apply(ctx context.Context, now time.Time, d Decision) {
	if d.Fan && !l.set(ctx, now, &l.fan, true) {
		return
	}
	if !l.set(ctx, now, &l.peltier, d.Peltier) {
		return
	}
	if !d.Fan {
		l.set(ctx, now, &l.fan, false)
	}
}

// set drives one line if it is not already known to be at on. It reports
// whether the caller may go on with further commands.
func (l *Loop) set(ctx context.Context, now time.Time, ln *line, on bool) bool {
	if ln.known && ln.on == on {
		return true
	}
	var err error
	if ln == &l.peltier {
		err = l.conn.SetPeltier(ctx, l.token, on)
	} else {
		err = l.conn.SetFan(ctx, l.token, on)
	}

	level := protocol.LevelOf(on)
	switch {
	case err == nil:
		log.Printf("control: %s %s", ln.name, level)
		l.actFailures = 0
	case errors.Is(err, protocol.ErrInvalidTransition):
		// Already at that level.
	case client.IsCommunication(err):
		ln.known = false
		l.commFailure(now, err)
		return false
	case errors.Is(err, protocol.ErrActuationFailed):
		ln.known = false
		l.actFailures++
		log.Printf("control: %s %s failed (%d/%d): %v", ln.name, level, l.actFailures, l.cfg.MaxActuationFailures, err)
		if l.actFailures >= l.cfg.MaxActuationFailures {
			l.halt(ctx)
		}
		return false
	default:
		l.sessionLost(ctx, now, err)
		return false
	}
	ln.known = true
	ln.on = on
	return true
}

// halt stops actuating until restart: both lines off, session released.
func (l *Loop) halt(ctx context.Context) {
	log.Printf("control: actuation keeps failing, halting until restart")
	if err := l.conn.SetPeltier(ctx, l.token, false); err != nil {
		log.Printf("control: halt: peltier off: %v", err)
	}
	if err := l.conn.SetFan(ctx, l.token, false); err != nil {
		log.Printf("control: halt: fan off: %v", err)
	}
	if err := l.conn.Release(ctx, l.token); err != nil {
		log.Printf("control: halt: release: %v", err)
	}
	l.token = ""
	l.setState(StateHalted)
	l.setRun(false, "halted")
}

package main

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/lomnom/MarimoCool/internal/authority"
	"github.com/lomnom/MarimoCool/internal/config"
	"github.com/lomnom/MarimoCool/internal/events"
	"github.com/lomnom/MarimoCool/internal/gpio"
	"github.com/lomnom/MarimoCool/internal/sensor"
)

// manualClock is advanced explicitly by the test.
type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeBus struct {
	connected bool
	dropped   uint64
}

func (b *fakeBus) IsConnected() bool { return b.connected }
func (b *fakeBus) Dropped() uint64   { return b.dropped }

type loopFixture struct {
	auth  *authority.Authority
	drv   *gpio.FakeDriver
	pub   *events.FakePublisher
	clock *manualClock
}

func newLoopFixture(t *testing.T) *loopFixture {
	t.Helper()
	f := &loopFixture{
		drv:   gpio.NewFakeDriver(),
		pub:   events.NewFakePublisher(),
		clock: &manualClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	cfg := authority.DefaultConfig()
	cfg.StartupReserve = 0
	cfg.SampleEvery = 0
	f.auth = authority.New(cfg, f.drv, sensor.NewFakeThermometer(24),
		authority.WithEmitter(f.pub),
		authority.WithClock(f.clock.Now),
	)
	return f
}

// drive runs runLoop, sends nTicks on tick and nStatus on the status channel,
// then delivers signal and waits for the loop to return.
func (f *loopFixture) drive(t *testing.T, bus busState, nTicks, nStatus int, signal os.Signal) error {
	t.Helper()
	tick := make(chan time.Time)
	statusTick := make(chan time.Time)
	sig := make(chan os.Signal, 1)

	errCh := make(chan error, 1)
	go func() {
		errCh <- runLoop(f.auth, f.pub, bus, nil, tick, statusTick, sig)
	}()

	for i := 0; i < nTicks; i++ {
		tick <- time.Time{}
	}
	for i := 0; i < nStatus; i++ {
		statusTick <- time.Time{}
	}
	sig <- signal

	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("runLoop did not return after signal")
		return nil
	}
}

func TestRunLoopShutdownSIGTERM(t *testing.T) {
	f := newLoopFixture(t)
	token, err := f.auth.Acquire(1, "temp-manager", true)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := f.auth.SetPeltier(1, token, true); err != nil {
		t.Fatalf("set peltier: %v", err)
	}

	if err := f.drive(t, nil, 0, 0, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	if f.drv.Value(gpio.Peltier) {
		t.Error("peltier should be off after shutdown")
	}

	lost := f.pub.OfType(events.EventSessionLost)
	if len(lost) != 1 || lost[0].Reason != authority.ReasonShutdown {
		t.Errorf("SESSION_LOST: got %+v", lost)
	}

	shutdown := f.pub.OfType(events.EventShutdown)
	if len(shutdown) != 1 {
		t.Fatalf("expected 1 SHUTDOWN event, got %d", len(shutdown))
	}
	se := shutdown[0]
	if se.Reason != "SIGTERM" {
		t.Errorf("expected reason SIGTERM, got %q", se.Reason)
	}
	if !se.Retained {
		t.Error("expected Retained=true for SHUTDOWN")
	}
	if !bytes.Contains(se.RawPayload, []byte(`"event":"SHUTDOWN"`)) {
		t.Errorf("payload missing event: %s", se.RawPayload)
	}
	if !bytes.Contains(se.RawPayload, []byte(`"peltier":"OFF"`)) {
		t.Errorf("payload should report peltier OFF: %s", se.RawPayload)
	}

	if _, err := f.auth.Acquire(1, "temp-manager", true); err == nil {
		t.Error("controller re-acquired after shutdown")
	}
}

func TestRunLoopShutdownSIGINT(t *testing.T) {
	f := newLoopFixture(t)

	if err := f.drive(t, nil, 0, 0, syscall.SIGINT); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	shutdown := f.pub.OfType(events.EventShutdown)
	if len(shutdown) != 1 || shutdown[0].Reason != "SIGINT" {
		t.Errorf("SHUTDOWN: got %+v", shutdown)
	}
	if len(f.pub.OfType(events.EventSessionLost)) != 0 {
		t.Error("no session was held, expected no SESSION_LOST")
	}
}

func TestRunLoopTickExpiresSession(t *testing.T) {
	f := newLoopFixture(t)
	if _, err := f.auth.Acquire(1, "temp-manager", true); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	f.clock.Advance(11 * time.Second)

	if err := f.drive(t, nil, 1, 0, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	lost := f.pub.OfType(events.EventSessionLost)
	if len(lost) != 1 {
		t.Fatalf("expected 1 SESSION_LOST, got %d", len(lost))
	}
	if lost[0].Reason != authority.ReasonHeartbeatTimeout {
		t.Errorf("reason: got %q, want %s", lost[0].Reason, authority.ReasonHeartbeatTimeout)
	}
}

func TestRunLoopHeartbeat(t *testing.T) {
	f := newLoopFixture(t)

	if err := f.drive(t, nil, 0, 2, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	hb := f.pub.OfType(events.EventHeartbeat)
	if len(hb) != 2 {
		t.Fatalf("expected 2 HEARTBEAT events, got %d", len(hb))
	}
	if hb[0].Retained {
		t.Error("HEARTBEAT should not be retained")
	}
	if !bytes.Contains(hb[0].RawPayload, []byte(`"event":"HEARTBEAT"`)) {
		t.Errorf("payload missing event: %s", hb[0].RawPayload)
	}
}

func TestRunLoopRefreshesBusState(t *testing.T) {
	f := newLoopFixture(t)
	bus := &fakeBus{connected: true, dropped: 3}

	if err := f.drive(t, bus, 1, 0, syscall.SIGTERM); err != nil {
		t.Fatalf("runLoop returned error: %v", err)
	}

	if !f.auth.Tracker().Snapshot().EventsConnected {
		t.Error("expected tracker to report events connected")
	}
}

func TestOpenDriver(t *testing.T) {
	ac := config.Default().Authority
	ac.Driver = "fake"
	drv, err := openDriver(ac)
	if err != nil {
		t.Fatalf("openDriver(fake): %v", err)
	}
	if _, ok := drv.(*gpio.FakeDriver); !ok {
		t.Errorf("expected *gpio.FakeDriver, got %T", drv)
	}

	ac.Driver = "wiringpi"
	if _, err := openDriver(ac); err == nil {
		t.Error("expected error for unknown driver")
	}
}

func TestPrintCurrentState(t *testing.T) {
	drv := gpio.NewFakeDriver()
	drv.Values[gpio.Fan] = true
	var buf bytes.Buffer

	if err := printCurrentState(&buf, drv, sensor.NewFakeThermometer(24.5)); err != nil {
		t.Fatalf("printCurrentState: %v", err)
	}
	want := "peltier: OFF\nfan: ON\ntemperature: 24.500\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}

func TestPrintCurrentStateSensorError(t *testing.T) {
	therm := sensor.NewFakeThermometer()
	therm.SetError(sensor.ErrNoSensor)
	var buf bytes.Buffer

	if err := printCurrentState(&buf, gpio.NewFakeDriver(), therm); err != nil {
		t.Fatalf("printCurrentState: %v", err)
	}
	if !strings.Contains(buf.String(), "temperature: unavailable") {
		t.Errorf("got %q", buf.String())
	}
}

func TestPrintCurrentStateReadError(t *testing.T) {
	drv := gpio.NewFakeDriver()
	drv.GetError = errors.New("line busy")
	var buf bytes.Buffer

	if err := printCurrentState(&buf, drv, sensor.NewFakeThermometer(20)); err == nil {
		t.Error("expected error when a line cannot be read")
	}
}

func TestAuthorityConfigFromDefaults(t *testing.T) {
	got := authorityConfig(config.Default().Authority)
	if got != authority.DefaultConfig() {
		t.Errorf("defaults diverge:\n got %+v\nwant %+v", got, authority.DefaultConfig())
	}
}

func TestStatusConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Events.Broker = "nats://localhost:4222"
	sc := statusConfig(&cfg)

	if sc.Broker != "nats://localhost:4222" {
		t.Errorf("Broker: got %q", sc.Broker)
	}
	if sc.HeartbeatTimeoutMs != 10000 || sc.MinActuationIntervalMs != 10000 || sc.WriteTimeoutMs != 500 {
		t.Errorf("timings: got %+v", sc)
	}
	if sc.ControllerID != "temp-manager" {
		t.Errorf("ControllerID: got %q", sc.ControllerID)
	}
}

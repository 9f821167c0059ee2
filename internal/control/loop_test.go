package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"testing"
	"time"

	"github.com/lomnom/MarimoCool/internal/client"
	"github.com/lomnom/MarimoCool/internal/protocol"
)

// fakeAuthority records calls in order. The loop serialises its calls, so it
// needs no locking except in TestRun.
type fakeAuthority struct {
	temp       float64
	readErr    error
	acquireErr error
	hbErr      error // returned once
	peltierErr error
	fanErr     error
	status     protocol.Status
	statusErr  error

	tokens    int
	lastToken string
	calls     []string
	closed    bool
}

func newFakeAuthority(temp float64) *fakeAuthority {
	return &fakeAuthority{
		temp:   temp,
		status: protocol.Status{Peltier: protocol.LevelOff, Fan: protocol.LevelOff},
	}
}

func (f *fakeAuthority) record(c string) { f.calls = append(f.calls, c) }

func (f *fakeAuthority) Acquire(_ context.Context, clientID string, exclusive bool) (string, error) {
	f.record("acquire")
	if f.acquireErr != nil {
		return "", f.acquireErr
	}
	f.tokens++
	return fmt.Sprintf("tok-%d", f.tokens), nil
}

func (f *fakeAuthority) Release(_ context.Context, token string) error {
	f.record("release")
	f.lastToken = token
	return nil
}

func (f *fakeAuthority) Heartbeat(_ context.Context, token string) error {
	f.record("heartbeat")
	f.lastToken = token
	err := f.hbErr
	f.hbErr = nil
	return err
}

func (f *fakeAuthority) SetPeltier(_ context.Context, token string, on bool) error {
	f.record(fmt.Sprintf("set_peltier:%v", on))
	f.lastToken = token
	return f.peltierErr
}

func (f *fakeAuthority) SetFan(_ context.Context, token string, on bool) error {
	f.record(fmt.Sprintf("set_fan:%v", on))
	f.lastToken = token
	return f.fanErr
}

func (f *fakeAuthority) ReadTemperature(context.Context) (protocol.Sample, error) {
	f.record("read_temp")
	if f.readErr != nil {
		return protocol.Sample{}, f.readErr
	}
	return protocol.Sample{Value: f.temp, ObservedAt: t0}, nil
}

func (f *fakeAuthority) Status(context.Context) (protocol.Status, error) {
	f.record("status")
	return f.status, f.statusErr
}

func (f *fakeAuthority) Close() error {
	f.record("close")
	f.closed = true
	return nil
}

// take returns and clears the recorded calls.
func (f *fakeAuthority) take() []string {
	c := f.calls
	f.calls = nil
	return c
}

type loopFixture struct {
	loop    *Loop
	auth    *fakeAuthority
	dialErr error
	dials   int
	now     time.Time
}

func newLoopFixture(t *testing.T, cfg Config) *loopFixture {
	t.Helper()
	f := &loopFixture{auth: newFakeAuthority(24), now: t0}
	f.loop = New(cfg, func(context.Context) (Authority, error) {
		f.dials++
		if f.dialErr != nil {
			return nil, f.dialErr
		}
		return f.auth, nil
	})
	f.loop.SetClock(func() time.Time { return f.now })
	return f
}

func testLoopConfig() Config {
	cfg := DefaultConfig()
	cfg.FanSettle = 0
	return cfg
}

func (f *loopFixture) tick(d time.Duration) {
	f.now = f.now.Add(d)
	f.loop.Tick(context.Background())
}

// active starts the loop and clears the startup calls.
func (f *loopFixture) active(t *testing.T) {
	t.Helper()
	f.tick(0)
	if f.loop.State() != StateActive {
		t.Fatalf("state: got %s, want active", f.loop.State())
	}
	f.auth.take()
}

func wantCalls(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(want) == 0 {
		want = nil
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("calls:\n got %v\nwant %v", got, want)
	}
}

func TestLoopStartupAndRegulation(t *testing.T) {
	f := newLoopFixture(t, testLoopConfig())

	f.tick(0)
	if f.loop.State() != StateActive {
		t.Fatalf("state: got %s, want active", f.loop.State())
	}
	wantCalls(t, f.auth.take(), "acquire", "status")

	f.auth.temp = 26
	f.tick(2 * time.Second)
	wantCalls(t, f.auth.take(), "read_temp", "heartbeat", "set_fan:true", "set_peltier:true")
	if f.auth.lastToken != "tok-1" {
		t.Errorf("token: got %q, want tok-1", f.auth.lastToken)
	}

	f.auth.temp = 24
	f.tick(2 * time.Second)
	wantCalls(t, f.auth.take(), "read_temp", "heartbeat")

	f.auth.temp = 22
	f.tick(2 * time.Second)
	wantCalls(t, f.auth.take(), "read_temp", "heartbeat", "set_peltier:false", "set_fan:false")

	if s, ok := f.loop.LastSample(); !ok || s.Value != 22 {
		t.Errorf("last sample: got %v %v", s, ok)
	}
}

func TestLoopFanSettle(t *testing.T) {
	cfg := testLoopConfig()
	cfg.FanSettle = time.Minute
	f := newLoopFixture(t, cfg)
	f.active(t)

	f.auth.temp = 26
	f.tick(2 * time.Second)
	f.auth.take()

	f.auth.temp = 22
	f.tick(2 * time.Second)
	wantCalls(t, f.auth.take(), "read_temp", "heartbeat", "set_peltier:false")

	f.auth.temp = 26
	f.tick(30 * time.Second)
	wantCalls(t, f.auth.take(), "read_temp", "heartbeat")

	f.auth.temp = 24
	f.tick(31 * time.Second)
	wantCalls(t, f.auth.take(), "read_temp", "heartbeat", "set_fan:false")
}

func TestLoopSyncUnknownForcesWrite(t *testing.T) {
	f := newLoopFixture(t, testLoopConfig())
	f.auth.status.Fan = protocol.LevelUnknown
	f.active(t)

	f.tick(2 * time.Second)
	wantCalls(t, f.auth.take(), "read_temp", "heartbeat", "set_fan:false")

	f.tick(2 * time.Second)
	wantCalls(t, f.auth.take(), "read_temp", "heartbeat")
}

func TestLoopSyncAdoptsRunningPeltier(t *testing.T) {
	f := newLoopFixture(t, testLoopConfig())
	f.auth.status = protocol.Status{Peltier: protocol.LevelOn, Fan: protocol.LevelOn}
	f.active(t)

	f.tick(2 * time.Second)
	wantCalls(t, f.auth.take(), "read_temp", "heartbeat")
}

func TestLoopStatusFailureForcesWrites(t *testing.T) {
	f := newLoopFixture(t, testLoopConfig())
	f.auth.statusErr = protocol.Errorf(protocol.CodeMalformed, "bad")
	f.active(t)

	f.tick(2 * time.Second)
	wantCalls(t, f.auth.take(), "read_temp", "heartbeat", "set_peltier:false", "set_fan:false")
}

func TestLoopDegradesAndBacksOff(t *testing.T) {
	cfg := testLoopConfig()
	cfg.MaxReconnectBackoff = 5 * time.Second
	f := newLoopFixture(t, cfg)
	f.active(t)

	f.auth.readErr = errors.New("connection reset")
	f.tick(2 * time.Second)
	f.tick(2 * time.Second)
	if f.loop.State() != StateActive {
		t.Fatalf("state after 2 failures: got %s, want active", f.loop.State())
	}
	f.tick(2 * time.Second)
	if f.loop.State() != StateDegraded {
		t.Fatalf("state after 3 failures: got %s, want degraded", f.loop.State())
	}
	if !f.auth.closed {
		t.Error("lost connection should be closed")
	}

	f.dialErr = errors.New("connection refused")
	dials := f.dials
	wantGaps := []time.Duration{0, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, gap := range wantGaps {
		if gap > 0 {
			f.tick(gap - time.Millisecond)
			if f.dials != dials+i {
				t.Fatalf("attempt %d: dialled before backoff of %v elapsed", i, gap)
			}
			f.tick(time.Millisecond)
		} else {
			f.tick(0)
		}
		if f.dials != dials+i+1 {
			t.Fatalf("attempt %d: expected a dial after %v", i, gap)
		}
	}

	// Reconnect: a fresh acquire, never the old token.
	f.dialErr = nil
	fresh := newFakeAuthority(24)
	fresh.tokens = 10
	f.auth = fresh
	f.tick(5 * time.Second)
	if f.loop.State() != StateActive {
		t.Fatalf("state after reconnect: got %s, want active", f.loop.State())
	}
	wantCalls(t, fresh.take(), "acquire", "status")

	f.tick(2 * time.Second)
	if fresh.lastToken != "tok-11" {
		t.Errorf("heartbeat token: got %q, want the new session's", fresh.lastToken)
	}
	if f.loop.backoff != 0 {
		t.Errorf("backoff should reset after acquiring, got %v", f.loop.backoff)
	}
}

// A timeout leaves the connection usable and counts towards MaxFailures; a
// broken connection is given up on the spot.
func TestLoopTimeoutKeepsConnection(t *testing.T) {
	f := newLoopFixture(t, testLoopConfig())
	f.active(t)

	f.auth.readErr = fmt.Errorf("read_temp: %w", client.ErrTimeout)
	f.tick(2 * time.Second)
	if f.loop.State() != StateActive || f.auth.closed {
		t.Fatalf("after one timeout: state %s closed=%v, want active and open", f.loop.State(), f.auth.closed)
	}
	f.auth.readErr = nil
	f.auth.take()
	f.tick(2 * time.Second)
	wantCalls(t, f.auth.take(), "read_temp", "heartbeat")
	if f.loop.failures != 0 {
		t.Errorf("failures should reset after a good cycle, got %d", f.loop.failures)
	}
	if f.dials != 1 {
		t.Errorf("expected no redial, dials=%d", f.dials)
	}
}

func TestLoopBrokenConnectionDropsAtOnce(t *testing.T) {
	f := newLoopFixture(t, testLoopConfig())
	f.active(t)

	f.auth.readErr = fmt.Errorf("read_temp: %w: %v", client.ErrBroken, io.EOF)
	f.tick(2 * time.Second)
	if f.loop.State() != StateDegraded {
		t.Fatalf("state: got %s, want degraded after a broken connection", f.loop.State())
	}
	if !f.auth.closed {
		t.Error("broken connection should be closed")
	}
}

func TestLoopStartingDialFailure(t *testing.T) {
	f := newLoopFixture(t, testLoopConfig())
	f.dialErr = errors.New("connection refused")

	f.tick(0)
	if f.loop.State() != StateDegraded {
		t.Errorf("state: got %s, want degraded", f.loop.State())
	}
}

func TestLoopReacquiresOnSessionLoss(t *testing.T) {
	f := newLoopFixture(t, testLoopConfig())
	f.active(t)

	f.auth.hbErr = protocol.Errorf(protocol.CodeExpired, "session has ended")
	f.tick(2 * time.Second)
	wantCalls(t, f.auth.take(), "read_temp", "heartbeat", "acquire", "status")

	f.tick(2 * time.Second)
	if f.auth.lastToken != "tok-2" {
		t.Errorf("token after re-acquire: got %q, want tok-2", f.auth.lastToken)
	}
}

func TestLoopPassive(t *testing.T) {
	cfg := testLoopConfig()
	f := newLoopFixture(t, cfg)
	f.auth.acquireErr = protocol.Errorf(protocol.CodeDenied, "held by web")
	f.auth.temp = 30

	f.tick(0)
	if f.loop.State() != StatePassive {
		t.Fatalf("state: got %s, want passive", f.loop.State())
	}
	f.auth.take()

	f.tick(2 * time.Second)
	wantCalls(t, f.auth.take(), "read_temp", "acquire")

	f.tick(cfg.MaxPassiveDuration)
	if !f.loop.passiveAlerted {
		t.Error("expected the passive duration to be flagged")
	}
	f.auth.take()

	f.auth.acquireErr = nil
	f.tick(2 * time.Second)
	if f.loop.State() != StateActive {
		t.Fatalf("state: got %s, want active", f.loop.State())
	}
	wantCalls(t, f.auth.take(), "read_temp", "acquire", "status")

	f.tick(2 * time.Second)
	wantCalls(t, f.auth.take(), "read_temp", "heartbeat", "set_fan:true", "set_peltier:true")
}

func TestLoopInvalidTransitionIsApplied(t *testing.T) {
	f := newLoopFixture(t, testLoopConfig())
	f.active(t)
	f.auth.temp = 26
	f.auth.fanErr = protocol.Errorf(protocol.CodeInvalidTransition, "fan already ON")

	f.tick(2 * time.Second)
	wantCalls(t, f.auth.take(), "read_temp", "heartbeat", "set_fan:true", "set_peltier:true")

	f.tick(2 * time.Second)
	wantCalls(t, f.auth.take(), "read_temp", "heartbeat")
}

func TestLoopHaltsOnRepeatedActuationFailure(t *testing.T) {
	f := newLoopFixture(t, testLoopConfig())
	f.active(t)
	f.auth.temp = 26
	f.auth.peltierErr = protocol.Errorf(protocol.CodeActuationFailed, "peltier: timed out")

	f.tick(2 * time.Second)
	wantCalls(t, f.auth.take(), "read_temp", "heartbeat", "set_fan:true", "set_peltier:true")
	f.tick(2 * time.Second)
	wantCalls(t, f.auth.take(), "read_temp", "heartbeat", "set_peltier:true")
	f.tick(2 * time.Second)
	wantCalls(t, f.auth.take(), "read_temp", "heartbeat", "set_peltier:true",
		"set_peltier:false", "set_fan:false", "release")

	if f.loop.State() != StateHalted {
		t.Fatalf("state: got %s, want halted", f.loop.State())
	}

	f.tick(2 * time.Second)
	wantCalls(t, f.auth.take(), "read_temp")
}

func TestLoopSensorFailureTurnsPeltierOff(t *testing.T) {
	f := newLoopFixture(t, testLoopConfig())
	f.active(t)
	f.auth.temp = 26
	f.tick(2 * time.Second)
	f.auth.take()

	f.auth.readErr = protocol.Errorf(protocol.CodeSensorFailed, "no sensor")
	f.tick(2 * time.Second)
	f.tick(2 * time.Second)
	wantCalls(t, f.auth.take(), "read_temp", "heartbeat", "read_temp", "heartbeat")

	f.tick(2 * time.Second)
	wantCalls(t, f.auth.take(), "read_temp", "heartbeat", "set_peltier:false", "set_fan:false")
	if f.loop.State() != StateActive {
		t.Errorf("sensor failures are not connection failures: state %s", f.loop.State())
	}
}

func TestLoopShutdown(t *testing.T) {
	f := newLoopFixture(t, testLoopConfig())
	f.active(t)

	f.loop.Shutdown(context.Background())
	wantCalls(t, f.auth.take(), "set_peltier:false", "release", "close")
	if f.auth.lastToken != "tok-1" {
		t.Errorf("release token: got %q", f.auth.lastToken)
	}

	f.loop.Shutdown(context.Background())
	wantCalls(t, f.auth.take())
}

func TestLoopStopAndStart(t *testing.T) {
	cfg := testLoopConfig()
	cfg.FanSettle = time.Minute
	f := newLoopFixture(t, cfg)
	f.active(t)

	f.auth.temp = 26
	f.tick(2 * time.Second)
	f.auth.take()

	if err := f.loop.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	wantCalls(t, f.auth.take(), "set_peltier:false", "release")
	if f.loop.State() != StateStopped {
		t.Fatalf("state: got %s, want stopped", f.loop.State())
	}
	if run := f.loop.Status(); run.Running || run.Reason != "stopped" || !run.Since.Equal(f.now) {
		t.Errorf("run info: got %+v", run)
	}
	if err := f.loop.Stop(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("second stop: got %v, want ErrStopped", err)
	}

	// Stopped: monitoring only, on the same connection.
	f.tick(2 * time.Second)
	wantCalls(t, f.auth.take(), "read_temp")
	if f.auth.closed {
		t.Error("stop should keep the connection")
	}

	if err := f.loop.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.loop.Start(); !errors.Is(err, ErrRunning) {
		t.Errorf("second start: got %v, want ErrRunning", err)
	}
	f.tick(2 * time.Second)
	if f.loop.State() != StateActive {
		t.Fatalf("state after start: got %s, want active", f.loop.State())
	}
	wantCalls(t, f.auth.take(), "acquire", "status")
	if f.dials != 1 {
		t.Errorf("start should reuse the connection, dials=%d", f.dials)
	}

	// The peltier went off at stop, so it waits out the settle.
	f.tick(2 * time.Second)
	wantCalls(t, f.auth.take(), "read_temp", "heartbeat", "set_fan:true")
	if f.auth.lastToken != "tok-2" {
		t.Errorf("token after restart: got %q, want tok-2", f.auth.lastToken)
	}
}

func TestLoopStopWhilePassive(t *testing.T) {
	f := newLoopFixture(t, testLoopConfig())
	f.auth.acquireErr = protocol.ErrDenied
	f.tick(0)
	if f.loop.State() != StatePassive {
		t.Fatalf("state: got %s, want passive", f.loop.State())
	}
	f.auth.take()

	if err := f.loop.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	wantCalls(t, f.auth.take())

	// No acquire attempts while stopped.
	f.tick(2 * time.Second)
	wantCalls(t, f.auth.take(), "read_temp")
}

func TestLoopStartAfterHalt(t *testing.T) {
	f := newLoopFixture(t, testLoopConfig())
	f.active(t)
	f.auth.temp = 26
	f.auth.peltierErr = protocol.Errorf(protocol.CodeActuationFailed, "peltier: timed out")
	for i := 0; i < 3; i++ {
		f.tick(2 * time.Second)
	}
	if f.loop.State() != StateHalted {
		t.Fatalf("state: got %s, want halted", f.loop.State())
	}
	if run := f.loop.Status(); run.Running || run.Reason != "halted" {
		t.Errorf("run info: got %+v", run)
	}

	f.auth.peltierErr = nil
	if err := f.loop.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.tick(2 * time.Second)
	if f.loop.State() != StateActive {
		t.Fatalf("state after start: got %s, want active", f.loop.State())
	}
	if run := f.loop.Status(); !run.Running || run.Reason != "started" {
		t.Errorf("run info: got %+v", run)
	}
}

func TestLoopSetParams(t *testing.T) {
	f := newLoopFixture(t, testLoopConfig())
	f.active(t)

	p := Params{Upper: 27, Lower: 26, FanSettle: 0}
	if err := f.loop.SetParams(p); !errors.Is(err, ErrRunning) {
		t.Fatalf("set while running: got %v, want ErrRunning", err)
	}
	if err := f.loop.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := f.loop.SetParams(Params{Upper: 20, Lower: 22}); err == nil {
		t.Error("expected inverted thresholds to be refused")
	}
	if err := f.loop.SetParams(p); err != nil {
		t.Fatalf("set while stopped: %v", err)
	}
	if got := f.loop.Params(); got != p {
		t.Errorf("params: got %+v, want %+v", got, p)
	}

	if err := f.loop.Start(); err != nil {
		t.Fatal(err)
	}
	f.tick(2 * time.Second)
	f.auth.take()

	// 26 was above the old upper threshold; now it is the lower one.
	f.auth.temp = 26
	f.tick(2 * time.Second)
	wantCalls(t, f.auth.take(), "read_temp", "heartbeat")
	f.auth.temp = 27
	f.tick(2 * time.Second)
	wantCalls(t, f.auth.take(), "read_temp", "heartbeat", "set_fan:true", "set_peltier:true")
}

func TestLoopRun(t *testing.T) {
	f := newLoopFixture(t, testLoopConfig())
	ctx, cancel := context.WithCancel(context.Background())
	tick := make(chan time.Time)
	done := make(chan struct{})

	go func() {
		f.loop.Run(ctx, tick)
		close(done)
	}()
	tick <- t0
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if !f.auth.closed {
		t.Error("connection should be closed on shutdown")
	}
	calls := f.auth.take()
	if calls[len(calls)-2] != "release" {
		t.Errorf("expected release before close, got %v", calls)
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateStarting: "starting",
		StateActive:   "active",
		StateDegraded: "degraded",
		StatePassive:  "passive",
		StateHalted:   "halted",
		StateStopped:  "stopped",
		State(42):     "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("%d: got %q, want %q", int(s), got, want)
		}
	}
}

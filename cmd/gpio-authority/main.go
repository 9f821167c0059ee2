// Command gpio-authority owns the peltier and fan relays and the tank
// thermometer, and arbitrates access to them over a local TCP socket.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lomnom/MarimoCool/internal/authority"
	"github.com/lomnom/MarimoCool/internal/config"
	"github.com/lomnom/MarimoCool/internal/events"
	"github.com/lomnom/MarimoCool/internal/gpio"
	"github.com/lomnom/MarimoCool/internal/metrics"
	"github.com/lomnom/MarimoCool/internal/sensor"
	"github.com/lomnom/MarimoCool/internal/status"
	"github.com/lomnom/MarimoCool/internal/web"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (built-in defaults when empty)")
	envFile := flag.String("env-file", ".env", "dotenv file to load before the config (ignored if missing)")
	listen := flag.String("listen", "", "client socket address, overrides authority.listen")
	httpAddr := flag.String("http", "", `HTTP status address, overrides authority.http_addr ("off" disables)`)
	driver := flag.String("driver", "", "GPIO driver: gpiocdev, rpio or fake")
	broker := flag.String("broker", "", "event broker URL, overrides events.broker")
	printState := flag.Bool("print-state", false, "Print current relay and sensor state and exit")

	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		log.Fatalf("fatal: load %s: %v", *envFile, err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("fatal: config: %v", err)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Authority.Listen = *listen
		case "http":
			cfg.Authority.HTTPAddr = *httpAddr
		case "driver":
			cfg.Authority.Driver = *driver
		case "broker":
			cfg.Events.Broker = *broker
		}
	})
	if cfg.Authority.HTTPAddr == "off" {
		cfg.Authority.HTTPAddr = ""
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("fatal: config: %v", err)
	}

	if err := run(cfg, *printState); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func run(cfg *config.Config, printState bool) error {
	ac := cfg.Authority

	drv, err := openDriver(ac)
	if err != nil {
		return fmt.Errorf("init gpio: %w", err)
	}
	defer drv.Close()

	therm := sensor.NewDS18B20(ac.SensorDir)

	if printState {
		return printCurrentState(os.Stdout, drv, therm)
	}

	tracker := status.NewTracker(time.Now(), statusConfig(cfg))
	m := metrics.New()

	var emit events.Emitter = events.Discard{}
	var bus busState
	if cfg.Events.Broker != "" {
		pub, err := events.Open(cfg.Events.Broker, authority.Source, cfg.Events.Topic)
		if err != nil {
			log.Printf("events disabled: %v", err)
		} else {
			async := events.NewAsync(pub, cfg.Events.Buffer)
			defer async.Close()
			emit, bus = async, async
		}
	}

	auth := authority.New(authorityConfig(ac), drv, therm,
		authority.WithEmitter(emit),
		authority.WithTracker(tracker),
		authority.WithMetrics(m),
	)

	ln, err := net.Listen("tcp", ac.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", ac.Listen, err)
	}
	srv := authority.NewServer(auth, ac.IdleTimeout, m)
	go func() {
		if err := srv.Serve(ln); err != nil {
			log.Printf("authority server error: %v", err)
		}
	}()
	defer srv.Close()
	log.Printf("authority listening on %s", ln.Addr())

	if ac.HTTPAddr != "" {
		hs := web.New(ac.HTTPAddr, tracker, m)
		go func() {
			if err := hs.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("http server error: %v", err)
			}
		}()
		defer hs.Shutdown(context.Background())
		log.Printf("http status server listening on %s", ac.HTTPAddr)
	}

	refreshBus(tracker, m, bus)
	snap := tracker.Snapshot()
	emit.Emit(events.Event{
		Timestamp:  snap.Now,
		Type:       events.EventStartup,
		Source:     authority.Source,
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, string(events.EventStartup), ""),
	})

	log.Printf("started: driver=%s peltier=%d fan=%d broker=%q controller=%s",
		ac.Driver, ac.PeltierPin, ac.FanPin, cfg.Events.Broker, ac.ControllerID)

	ticker := time.NewTicker(ac.Tick)
	defer ticker.Stop()

	var statusTick <-chan time.Time
	if ac.StatusEvery > 0 {
		st := time.NewTicker(ac.StatusEvery)
		defer st.Stop()
		statusTick = st.C
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return runLoop(auth, emit, bus, m, ticker.C, statusTick, sigCh)
}

// busState is the part of the event dispatcher the loop reports on.
type busState interface {
	events.ConnectionStatus
	Dropped() uint64
}

// runLoop ticks the authority and publishes periodic status until a signal
// arrives, then shuts the authority down into the fail-safe state.
func runLoop(auth *authority.Authority, emit events.Emitter, bus busState, m *metrics.Metrics, tick, statusTick <-chan time.Time, sig <-chan os.Signal) error {
	tracker := auth.Tracker()

	for {
		select {
		case s := <-sig:
			log.Printf("received %v, shutting down", s)
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}

			auth.Shutdown()

			refreshBus(tracker, m, bus)
			snap := tracker.Snapshot()
			emit.Emit(events.Event{
				Timestamp:  snap.Now,
				Type:       events.EventShutdown,
				Source:     authority.Source,
				Reason:     signalName,
				Retained:   true,
				RawPayload: status.FormatStatusEvent(snap, string(events.EventShutdown), signalName),
			})
			log.Printf("shutdown complete: peltier=%s fan=%s", snap.Peltier, snap.Fan)
			return nil

		case <-tick:
			auth.Tick()
			refreshBus(tracker, m, bus)

		case <-statusTick:
			refreshBus(tracker, m, bus)
			snap := tracker.Snapshot()
			log.Printf("heartbeat: uptime=%v peltier=%s fan=%s connections=%d",
				snap.Uptime().Truncate(time.Second), snap.Peltier, snap.Fan, snap.Connections)
			emit.Emit(events.Event{
				Timestamp:  snap.Now,
				Type:       events.EventHeartbeat,
				Source:     authority.Source,
				RawPayload: status.FormatStatusEvent(snap, string(events.EventHeartbeat), ""),
			})
		}
	}
}

func refreshBus(tracker *status.Tracker, m *metrics.Metrics, bus busState) {
	if bus == nil {
		return
	}
	tracker.SetEventsConnected(bus.IsConnected())
	m.EventsDropped(bus.Dropped())
}

func openDriver(ac config.AuthorityConfig) (gpio.Driver, error) {
	pins := gpio.Pins{Chip: ac.GPIOChip, Peltier: ac.PeltierPin, Fan: ac.FanPin}
	switch ac.Driver {
	case "gpiocdev":
		return gpio.NewRealDriver(pins)
	case "rpio":
		return gpio.NewRPIODriver(pins)
	case "fake":
		log.Printf("using fake gpio driver, relays are not connected")
		return gpio.NewFakeDriver(), nil
	}
	return nil, fmt.Errorf("unknown driver %q", ac.Driver)
}

func printCurrentState(w io.Writer, drv gpio.Driver, therm sensor.Thermometer) error {
	for _, line := range gpio.Lines {
		on, err := drv.Get(line)
		if err != nil {
			return fmt.Errorf("read %s: %w", line, err)
		}
		fmt.Fprintf(w, "%s: %s\n", line, stateString(on))
	}
	t, err := therm.Read()
	if err != nil {
		fmt.Fprintf(w, "temperature: unavailable (%v)\n", err)
		return nil
	}
	fmt.Fprintf(w, "temperature: %.3f\n", t)
	return nil
}

func authorityConfig(ac config.AuthorityConfig) authority.Config {
	return authority.Config{
		ControllerID:         ac.ControllerID,
		MinActuationInterval: ac.MinActuationInterval,
		HeartbeatTimeout:     ac.HeartbeatTimeout,
		WriteTimeout:         ac.WriteTimeout,
		SensorTimeout:        ac.SensorTimeout,
		SensorCacheTTL:       ac.SensorCacheTTL,
		OverrideTimeout:      ac.OverrideTimeout,
		StartupReserve:       ac.StartupReserve,
		SampleEvery:          ac.SampleEvery,
		MaxActuationFailures: ac.MaxActuationFailures,
	}
}

func statusConfig(cfg *config.Config) status.Config {
	ac := cfg.Authority
	return status.Config{
		Listen:                 ac.Listen,
		HTTPAddr:               ac.HTTPAddr,
		Driver:                 ac.Driver,
		Broker:                 cfg.Events.Broker,
		ControllerID:           ac.ControllerID,
		HeartbeatTimeoutMs:     ac.HeartbeatTimeout.Milliseconds(),
		MinActuationIntervalMs: ac.MinActuationInterval.Milliseconds(),
		WriteTimeoutMs:         ac.WriteTimeout.Milliseconds(),
	}
}

func stateString(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

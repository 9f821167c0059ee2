// Package config loads the YAML configuration shared by gpio-authority and
// temp-manager.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/lomnom/MarimoCool/internal/gpio"
)

// Drivers lists the accepted authority.driver values.
var Drivers = []string{"gpiocdev", "rpio", "fake"}

// Config is the whole file.
type Config struct {
	Authority  AuthorityConfig  `yaml:"authority"`
	Controller ControllerConfig `yaml:"controller"`
	Events     EventsConfig     `yaml:"events"`
}

// AuthorityConfig configures gpio-authority.
type AuthorityConfig struct {
	Listen   string `yaml:"listen"`
	HTTPAddr string `yaml:"http_addr"`

	Driver     string `yaml:"driver"`
	GPIOChip   string `yaml:"gpio_chip"`
	PeltierPin int    `yaml:"peltier_pin"`
	FanPin     int    `yaml:"fan_pin"`
	SensorDir  string `yaml:"sensor_dir"`

	SensorCacheTTL       time.Duration `yaml:"sensor_cache_ttl"`
	SensorTimeout        time.Duration `yaml:"sensor_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	MinActuationInterval time.Duration `yaml:"min_actuation_interval"`
	HeartbeatTimeout     time.Duration `yaml:"heartbeat_timeout"`
	Tick                 time.Duration `yaml:"tick"`
	OverrideTimeout      time.Duration `yaml:"override_timeout"`
	StartupReserve       time.Duration `yaml:"startup_reserve"`
	IdleTimeout          time.Duration `yaml:"idle_timeout"`
	SampleEvery          time.Duration `yaml:"sample_every"`
	StatusEvery          time.Duration `yaml:"status_every"`

	ControllerID         string `yaml:"controller_id"`
	MaxActuationFailures int    `yaml:"max_actuation_failures"`
}

// ControllerConfig configures temp-manager.
type ControllerConfig struct {
	AuthorityAddr string `yaml:"authority_addr"`
	ClientID      string `yaml:"client_id"`

	// HTTPAddr serves the run control API; empty disables it. ParamsFile
	// keeps thresholds changed through the API across restarts.
	HTTPAddr   string `yaml:"http_addr"`
	ParamsFile string `yaml:"params_file"`

	UpperThreshold    float64       `yaml:"upper_threshold"`
	LowerThreshold    float64       `yaml:"lower_threshold"`
	PollPeriod        time.Duration `yaml:"poll_period"`
	FanSettleDuration time.Duration `yaml:"fan_settle_duration"`

	RequestTimeout       time.Duration `yaml:"request_timeout"`
	MaxFailures          int           `yaml:"max_failures"`
	MaxReconnectBackoff  time.Duration `yaml:"max_reconnect_backoff"`
	MaxPassiveDuration   time.Duration `yaml:"max_passive_duration"`
	MaxActuationFailures int           `yaml:"max_actuation_failures"`
}

// EventsConfig configures the log sink publisher. An empty broker disables
// publishing.
type EventsConfig struct {
	Broker string `yaml:"broker"`
	Topic  string `yaml:"topic"`
	Buffer int    `yaml:"buffer"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Authority: AuthorityConfig{
			Listen:               "127.0.0.1:7070",
			HTTPAddr:             ":8080",
			Driver:               "gpiocdev",
			GPIOChip:             "gpiochip0",
			PeltierPin:           gpio.DefaultPinPeltier,
			FanPin:               gpio.DefaultPinFan,
			SensorDir:            "/sys/bus/w1/devices",
			SensorCacheTTL:       time.Second,
			SensorTimeout:        2 * time.Second,
			WriteTimeout:         500 * time.Millisecond,
			MinActuationInterval: 10 * time.Second,
			HeartbeatTimeout:     10 * time.Second,
			Tick:                 500 * time.Millisecond,
			OverrideTimeout:      time.Hour,
			StartupReserve:       30 * time.Second,
			IdleTimeout:          time.Minute,
			SampleEvery:          time.Minute,
			StatusEvery:          15 * time.Minute,
			ControllerID:         "temp-manager",
			MaxActuationFailures: 3,
		},
		Controller: ControllerConfig{
			AuthorityAddr:        "127.0.0.1:7070",
			ClientID:             "temp-manager",
			HTTPAddr:             "127.0.0.1:8081",
			UpperThreshold:       25.0,
			LowerThreshold:       23.0,
			PollPeriod:           2 * time.Second,
			FanSettleDuration:    2 * time.Minute,
			RequestTimeout:       3 * time.Second,
			MaxFailures:          3,
			MaxReconnectBackoff:  30 * time.Second,
			MaxPassiveDuration:   30 * time.Minute,
			MaxActuationFailures: 3,
		},
		Events: EventsConfig{
			Topic:  "marimo/tank",
			Buffer: 256,
		},
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path uses the defaults alone. The result is not validated: callers
// apply their command-line overrides first and then call Validate.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDotEnv loads environment variables from path. If the file does not
// exist it is silently ignored so that .env files remain optional.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (c *Config) applyEnv() error {
	if v, ok := os.LookupEnv("TANK_AUTHORITY_LISTEN"); ok {
		c.Authority.Listen = v
	}
	if v, ok := os.LookupEnv("TANK_AUTHORITY_ADDR"); ok {
		c.Controller.AuthorityAddr = v
	}
	if v, ok := os.LookupEnv("TANK_EVENTS_BROKER"); ok {
		c.Events.Broker = v
	}
	if v, ok := os.LookupEnv("TANK_HTTP_ADDR"); ok {
		c.Authority.HTTPAddr = v
	}
	if v, ok := os.LookupEnv("TANK_CONTROL_HTTP_ADDR"); ok {
		c.Controller.HTTPAddr = v
	}
	if v, ok := os.LookupEnv("TANK_GPIO_DRIVER"); ok {
		c.Authority.Driver = v
	}
	if v, ok := os.LookupEnv("TANK_UPPER_THRESHOLD"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("TANK_UPPER_THRESHOLD: %w", err)
		}
		c.Controller.UpperThreshold = f
	}
	if v, ok := os.LookupEnv("TANK_LOWER_THRESHOLD"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("TANK_LOWER_THRESHOLD: %w", err)
		}
		c.Controller.LowerThreshold = f
	}
	return nil
}

// Validate checks the configuration for values the daemons cannot run with.
func (c *Config) Validate() error {
	a, ctl := c.Authority, c.Controller

	if a.Listen == "" {
		return fmt.Errorf("authority.listen is required")
	}
	if !validDriver(a.Driver) {
		return fmt.Errorf("authority.driver must be one of %v, got %q", Drivers, a.Driver)
	}
	if a.PeltierPin < 0 || a.FanPin < 0 {
		return fmt.Errorf("authority pins must not be negative")
	}
	if a.PeltierPin == a.FanPin {
		return fmt.Errorf("authority.peltier_pin and fan_pin are both %d", a.FanPin)
	}
	for name, d := range map[string]time.Duration{
		"authority.sensor_timeout":         a.SensorTimeout,
		"authority.write_timeout":          a.WriteTimeout,
		"authority.heartbeat_timeout":      a.HeartbeatTimeout,
		"authority.tick":                   a.Tick,
		"controller.request_timeout":       ctl.RequestTimeout,
		"controller.max_reconnect_backoff": ctl.MaxReconnectBackoff,
		"controller.max_passive_duration":  ctl.MaxPassiveDuration,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, d)
		}
	}
	for name, d := range map[string]time.Duration{
		"authority.sensor_cache_ttl":       a.SensorCacheTTL,
		"authority.min_actuation_interval": a.MinActuationInterval,
		"authority.override_timeout":       a.OverrideTimeout,
		"authority.startup_reserve":        a.StartupReserve,
		"authority.idle_timeout":           a.IdleTimeout,
		"authority.sample_every":           a.SampleEvery,
		"authority.status_every":           a.StatusEvery,
		"controller.fan_settle_duration":   ctl.FanSettleDuration,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %v", name, d)
		}
	}
	if a.ControllerID == "" {
		return fmt.Errorf("authority.controller_id is required")
	}
	if a.MaxActuationFailures < 1 || ctl.MaxActuationFailures < 1 {
		return fmt.Errorf("max_actuation_failures must be at least 1")
	}

	if ctl.AuthorityAddr == "" {
		return fmt.Errorf("controller.authority_addr is required")
	}
	if ctl.ClientID == "" {
		return fmt.Errorf("controller.client_id is required")
	}
	if ctl.LowerThreshold >= ctl.UpperThreshold {
		return fmt.Errorf("controller.lower_threshold (%v) must be below upper_threshold (%v)",
			ctl.LowerThreshold, ctl.UpperThreshold)
	}
	if ctl.PollPeriod < time.Second || ctl.PollPeriod > time.Minute {
		return fmt.Errorf("controller.poll_period must be between 1s and 60s, got %v", ctl.PollPeriod)
	}
	if ctl.PollPeriod >= a.HeartbeatTimeout {
		return fmt.Errorf("controller.poll_period (%v) must be shorter than authority.heartbeat_timeout (%v)",
			ctl.PollPeriod, a.HeartbeatTimeout)
	}
	if ctl.MaxFailures < 1 {
		return fmt.Errorf("controller.max_failures must be at least 1")
	}

	if c.Events.Broker != "" && c.Events.Topic == "" {
		return fmt.Errorf("events.topic is required with a broker")
	}
	if c.Events.Buffer < 0 {
		return fmt.Errorf("events.buffer must not be negative")
	}
	return nil
}

func validDriver(d string) bool {
	for _, v := range Drivers {
		if d == v {
			return true
		}
	}
	return false
}

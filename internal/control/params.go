package control

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Params are the regulation parameters an operator may change at run time.
type Params struct {
	Upper     float64       `yaml:"upper_threshold"`
	Lower     float64       `yaml:"lower_threshold"`
	FanSettle time.Duration `yaml:"fan_settle_duration"`
}

// Validate checks that the thresholds form a deadband.
func (p Params) Validate() error {
	if p.Lower >= p.Upper {
		return fmt.Errorf("lower_threshold (%v) must be below upper_threshold (%v)", p.Lower, p.Upper)
	}
	if p.FanSettle < 0 {
		return fmt.Errorf("fan_settle_duration must not be negative, got %v", p.FanSettle)
	}
	return nil
}

const paramsHeader = `# Loaded when temp-manager starts.
# Change these through the control API while temp-manager is running;
# API updates rewrite this file.
`

// LoadParams reads saved parameters from path. ok is false if the file does
// not exist.
func LoadParams(path string) (p Params, ok bool, err error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Params{}, false, nil
	}
	if err != nil {
		return Params{}, false, err
	}
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Params{}, false, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return Params{}, false, fmt.Errorf("%s: %w", path, err)
	}
	return p, true, nil
}

// SaveParams writes p to path, replacing it through a temporary file.
func SaveParams(path string, p Params) error {
	var buf bytes.Buffer
	buf.WriteString(paramsHeader)
	enc := yaml.NewEncoder(&buf)
	if err := enc.Encode(p); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

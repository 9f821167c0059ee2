//go:build linux

package gpio

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// RealDriver drives relays through the Linux GPIO character device.
type RealDriver struct {
	chip  *gpiocdev.Chip
	lines map[Line]*gpiocdev.Line
}

// NewRealDriver requests the peltier and fan lines as outputs.
// The relay boards are active-low, so lines are requested with AsActiveLow and
// logical 0 (relay released) as the initial value.
func NewRealDriver(pins Pins) (*RealDriver, error) {
	chip, err := gpiocdev.NewChip(pins.Chip)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	d := &RealDriver{chip: chip, lines: make(map[Line]*gpiocdev.Line)}
	for _, line := range Lines {
		offset, _ := pins.offset(line)
		l, err := chip.RequestLine(offset, gpiocdev.AsOutput(0), gpiocdev.AsActiveLow,
			gpiocdev.WithConsumer("marimo-"+string(line)))
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("request %s pin %d: %w", line, offset, err)
		}
		d.lines[line] = l
	}
	return d, nil
}

// Set drives the logical value of line.
func (d *RealDriver) Set(line Line, on bool) error {
	l, ok := d.lines[line]
	if !ok {
		return fmt.Errorf("gpio: unknown line %q", line)
	}
	v := 0
	if on {
		v = 1
	}
	if err := l.SetValue(v); err != nil {
		return fmt.Errorf("set %s: %w", line, err)
	}
	return nil
}

// Get reads back the logical value of line.
func (d *RealDriver) Get(line Line) (bool, error) {
	l, ok := d.lines[line]
	if !ok {
		return false, fmt.Errorf("gpio: unknown line %q", line)
	}
	v, err := l.Value()
	if err != nil {
		return false, fmt.Errorf("read back %s: %w", line, err)
	}
	return v == 1, nil
}

// Close releases GPIO resources.
// Each relay is released and the pin reconfigured as an input with pull-up so
// the active-low boards stay off while nothing owns the line.
func (d *RealDriver) Close() error {
	var errs []error

	for _, line := range Lines {
		l := d.lines[line]
		if l == nil {
			continue
		}
		if err := l.SetValue(0); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", line, err))
		}
		if err := l.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullUp); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure %s pin: %w", line, err))
		}
		if err := l.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s pin: %w", line, err))
		}
	}

	if d.chip != nil {
		if err := d.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

//go:build linux

package gpio

import (
	"fmt"
	"sync"

	"github.com/stianeikeland/go-rpio"
)

// RPIODriver drives relays through /dev/gpiomem using go-rpio. It is the
// fallback for kernels without the GPIO character device.
type RPIODriver struct {
	mu   sync.Mutex
	pins map[Line]rpio.Pin
}

// Relays are active-low.
const (
	rpioOn  = rpio.Low
	rpioOff = rpio.High
)

// NewRPIODriver maps GPIO memory and configures both pins as outputs, off.
func NewRPIODriver(pins Pins) (*RPIODriver, error) {
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("open gpio memory: %w", err)
	}
	d := &RPIODriver{pins: make(map[Line]rpio.Pin)}
	for _, line := range Lines {
		offset, _ := pins.offset(line)
		p := rpio.Pin(offset)
		p.Write(rpioOff)
		p.Output()
		d.pins[line] = p
	}
	return d, nil
}

// Set drives the logical value of line.
func (d *RPIODriver) Set(line Line, on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pins[line]
	if !ok {
		return fmt.Errorf("gpio: unknown line %q", line)
	}
	if on {
		p.Write(rpioOn)
	} else {
		p.Write(rpioOff)
	}
	return nil
}

// Get reads back the logical value of line.
func (d *RPIODriver) Get(line Line) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pins[line]
	if !ok {
		return false, fmt.Errorf("gpio: unknown line %q", line)
	}
	return p.Read() == rpioOn, nil
}

// Close releases both relays, leaves the pins as pulled-up inputs and unmaps
// GPIO memory.
func (d *RPIODriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, line := range Lines {
		p := d.pins[line]
		p.Write(rpioOff)
		p.Input()
		p.PullUp()
	}
	return rpio.Close()
}

// Package gpio drives the peltier and fan relays.
// The real implementations use the Linux GPIO character device (gpiocdev) or
// memory-mapped registers (go-rpio). The fake implementation allows testing
// without hardware.
package gpio

import "fmt"

// Line identifies an actuator output.
type Line string

const (
	Peltier Line = "peltier"
	Fan     Line = "fan"
)

// Lines lists every actuator in fail-safe order: the peltier is released
// before the fan.
var Lines = []Line{Peltier, Fan}

// Driver writes and reads back relay outputs. Values are logical: true means
// the relay is energised, regardless of the board's active level.
type Driver interface {
	// Set drives line to on.
	Set(line Line, on bool) error
	// Get reads back the current logical value of line.
	Get(line Line) (bool, error)
	// Close releases the lines, leaving the relays off.
	Close() error
}

// Pin definitions (BCM numbering)
const (
	DefaultPinPeltier = 26
	DefaultPinFan     = 21
)

// Pins maps lines to BCM offsets.
type Pins struct {
	Chip    string
	Peltier int
	Fan     int
}

func (p Pins) offset(line Line) (int, error) {
	switch line {
	case Peltier:
		return p.Peltier, nil
	case Fan:
		return p.Fan, nil
	}
	return 0, fmt.Errorf("gpio: unknown line %q", line)
}

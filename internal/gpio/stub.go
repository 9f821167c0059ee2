//go:build !linux

package gpio

import "errors"

var errUnsupported = errors.New("gpio: not supported on this platform (requires Linux)")

// RealDriver is not available on non-Linux platforms.
type RealDriver struct{}

// NewRealDriver returns an error on non-Linux platforms.
func NewRealDriver(pins Pins) (*RealDriver, error) {
	return nil, errUnsupported
}

// Set is not implemented on non-Linux platforms.
func (d *RealDriver) Set(line Line, on bool) error { return errUnsupported }

// Get is not implemented on non-Linux platforms.
func (d *RealDriver) Get(line Line) (bool, error) { return false, errUnsupported }

// Close is not implemented on non-Linux platforms.
func (d *RealDriver) Close() error { return nil }

// RPIODriver is not available on non-Linux platforms.
type RPIODriver struct{}

// NewRPIODriver returns an error on non-Linux platforms.
func NewRPIODriver(pins Pins) (*RPIODriver, error) {
	return nil, errUnsupported
}

// Set is not implemented on non-Linux platforms.
func (d *RPIODriver) Set(line Line, on bool) error { return errUnsupported }

// Get is not implemented on non-Linux platforms.
func (d *RPIODriver) Get(line Line) (bool, error) { return false, errUnsupported }

// Close is not implemented on non-Linux platforms.
func (d *RPIODriver) Close() error { return nil }

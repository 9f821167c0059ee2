package gpio

import (
	"errors"
	"sync"
)

// Write records one Set call on a FakeDriver.
type Write struct {
	Line Line
	On   bool
}

// FakeDriver is a test double that records writes. It is safe for concurrent
// use so tests can assert that writes never overlap.
type FakeDriver struct {
	mu sync.Mutex

	// Writes lists successful Set calls in order.
	Writes []Write

	// Values holds the current logical value of each line.
	Values map[Line]bool

	// SetError, if set, is returned by Set without changing Values.
	SetError error

	// GetError, if set, is returned by Get.
	GetError error

	// Block, if non-nil, makes Set wait until a value is received or the
	// channel is closed. Used to simulate a hung peripheral.
	Block chan struct{}

	// Closed tracks if Close was called.
	Closed bool

	inFlight    int
	maxInFlight int
}

// NewFakeDriver creates a FakeDriver with every line off.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{Values: map[Line]bool{Peltier: false, Fan: false}}
}

// Set records the write after any configured Block is released.
func (f *FakeDriver) Set(line Line, on bool) error {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	block := f.Block
	f.mu.Unlock()

	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--
	if f.SetError != nil {
		return f.SetError
	}
	if line != Peltier && line != Fan {
		return errors.New("gpio: unknown line")
	}
	f.Values[line] = on
	f.Writes = append(f.Writes, Write{Line: line, On: on})
	return nil
}

// Get returns the recorded value of line.
func (f *FakeDriver) Get(line Line) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.GetError != nil {
		return false, f.GetError
	}
	return f.Values[line], nil
}

// Close marks the driver as closed and releases every line.
func (f *FakeDriver) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	for line := range f.Values {
		f.Values[line] = false
	}
	return nil
}

// Value returns the current value of line.
func (f *FakeDriver) Value(line Line) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Values[line]
}

// WriteLog returns a copy of the recorded writes.
func (f *FakeDriver) WriteLog() []Write {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Write(nil), f.Writes...)
}

// MaxInFlight reports the largest number of Set calls observed running at
// the same time.
func (f *FakeDriver) MaxInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

// SetFailure configures SetError under the lock.
func (f *FakeDriver) SetFailure(err error) {
	f.mu.Lock()
	f.SetError = err
	f.mu.Unlock()
}

// SetBlock configures Block under the lock.
func (f *FakeDriver) SetBlock(ch chan struct{}) {
	f.mu.Lock()
	f.Block = ch
	f.mu.Unlock()
}

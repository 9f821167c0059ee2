package sensor

import (
	"errors"
	"sync"
)

// FakeThermometer is a test double that returns scripted temperatures.
type FakeThermometer struct {
	mu sync.Mutex

	// Samples contains scripted readings. Each Read consumes the next one;
	// the last is repeated once exhausted.
	Samples []float64

	// ReadError, if set, will be returned by Read.
	ReadError error

	// Reads counts calls to Read.
	Reads int

	index int
}

// NewFakeThermometer creates a FakeThermometer with the given samples.
func NewFakeThermometer(samples ...float64) *FakeThermometer {
	return &FakeThermometer{Samples: samples}
}

// Read returns the next scripted sample.
func (f *FakeThermometer) Read() (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Reads++
	if f.ReadError != nil {
		return 0, f.ReadError
	}
	if len(f.Samples) == 0 {
		return 0, errors.New("no samples configured")
	}
	v := f.Samples[f.index]
	if f.index < len(f.Samples)-1 {
		f.index++
	}
	return v, nil
}

// Set replaces the scripted samples and rewinds.
func (f *FakeThermometer) Set(samples ...float64) {
	f.mu.Lock()
	f.Samples = samples
	f.index = 0
	f.mu.Unlock()
}

// SetError configures ReadError under the lock.
func (f *FakeThermometer) SetError(err error) {
	f.mu.Lock()
	f.ReadError = err
	f.mu.Unlock()
}

// ReadCount returns the number of Read calls.
func (f *FakeThermometer) ReadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Reads
}

package events

import (
	"log"
	"sync"
)

// Async is an Emitter that hands events to a Publisher from a single
// background goroutine. Emit never blocks; when the publisher falls behind the
// oldest buffered events are dropped.
type Async struct {
	pub Publisher

	mu     sync.Mutex
	buf    *ringBuffer
	closed bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

// DefaultBufferSize is the number of events held while the publisher is busy.
const DefaultBufferSize = 256

// NewAsync starts a dispatcher for pub holding up to capacity events.
func NewAsync(pub Publisher, capacity int) *Async {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	a := &Async{
		pub:  pub,
		buf:  newRingBuffer(capacity),
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go a.run()
	return a
}

// Emit queues event for publishing.
func (a *Async) Emit(event Event) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.buf.push(event)
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Dropped returns the number of events lost to buffer overflow.
func (a *Async) Dropped() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf.dropped
}

// IsConnected reports the publisher's connection state when it exposes one.
func (a *Async) IsConnected() bool {
	if cs, ok := a.pub.(ConnectionStatus); ok {
		return cs.IsConnected()
	}
	return false
}

func (a *Async) run() {
	defer close(a.done)
	for {
		select {
		case <-a.wake:
			a.flush()
		case <-a.quit:
			a.flush()
			return
		}
	}
}

func (a *Async) flush() {
	a.mu.Lock()
	batch := a.buf.drainAll()
	a.mu.Unlock()

	for _, e := range batch {
		if err := a.pub.Publish(e); err != nil {
			log.Printf("events: publish %s: %v", e.Type, err)
		}
	}
}

// Close publishes whatever is still buffered, stops the dispatcher and closes
// the publisher. Events emitted after Close are dropped.
func (a *Async) Close() error {
	var err error
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()
		close(a.quit)
		<-a.done
		err = a.pub.Close()
	})
	return err
}

package events

import "log"

// ringBuffer is a fixed-capacity FIFO that holds events until the dispatcher
// drains them.
// Not safe for concurrent use; the caller must synchronize.
type ringBuffer struct {
	buf      []Event
	capacity int
	head     int // next write position
	count    int
	overflow bool // true if any event was dropped since last drain
	dropped  uint64
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &ringBuffer{
		buf:      make([]Event, capacity),
		capacity: capacity,
	}
}

func (r *ringBuffer) push(e Event) {
	if r.count == r.capacity {
		if !r.overflow {
			log.Printf("events: buffer full (%d events), dropping oldest", r.capacity)
			r.overflow = true
		}
		// Overwrite oldest: head is already pointing at it
		r.buf[r.head] = e
		r.head = (r.head + 1) % r.capacity
		r.dropped++
		return
	}
	r.buf[r.head] = e
	r.head = (r.head + 1) % r.capacity
	r.count++
}

func (r *ringBuffer) drainAll() []Event {
	if r.count == 0 {
		return nil
	}

	result := make([]Event, r.count)
	// Oldest item is at (head - count) mod capacity
	start := (r.head - r.count + r.capacity) % r.capacity
	for i := 0; i < r.count; i++ {
		result[i] = r.buf[(start+i)%r.capacity]
	}

	r.count = 0
	r.head = 0
	r.overflow = false
	return result
}

func (r *ringBuffer) len() int {
	return r.count
}

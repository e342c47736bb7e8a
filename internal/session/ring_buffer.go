package session

import "sync"

// RingBuffer is a fixed-capacity circular buffer of notifications. Sessions
// use it as a transcript of recent output.
type RingBuffer struct {
	mu    sync.Mutex
	slots []Notification
	start int // index of the oldest notification
	n     int // number of notifications held
}

// NewRingBuffer creates a ring buffer with the given capacity. A capacity
// below one keeps nothing.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 0 {
		capacity = 0
	}
	return &RingBuffer{slots: make([]Notification, capacity)}
}

// Write adds a notification, overwriting the oldest one when full.
func (rb *RingBuffer) Write(n Notification) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	size := len(rb.slots)
	switch {
	case size == 0:
	case rb.n < size:
		rb.slots[(rb.start+rb.n)%size] = n
		rb.n++
	default:
		rb.slots[rb.start] = n
		rb.start = (rb.start + 1) % size
	}
}

// ReadAll returns the buffered notifications in chronological order.
func (rb *RingBuffer) ReadAll() []Notification {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	out := make([]Notification, rb.n)
	for i := range out {
		out[i] = rb.slots[(rb.start+i)%len(rb.slots)]
	}
	return out
}

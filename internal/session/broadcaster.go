package session

import (
	"sync"

	"github.com/google/uuid"
)

// Event is a single fragment of engine output as published by a Broadcaster.
type Event struct {
	Source *Broadcaster
	Text   string
}

// Listener receives broadcaster events. It runs on the writer's goroutine, so
// it must not block for long: a slow listener stalls command execution.
type Listener func(Event)

// Broadcaster fans engine output out to zero or more listeners.
//
// There is no buffering: a fragment is delivered to the listeners registered
// at the time of the write and is never replayed.
type Broadcaster struct {
	// writeMu keeps fan-out in Write call order across concurrent writers.
	writeMu sync.Mutex

	mu        sync.RWMutex
	listeners []listenerEntry
}

type listenerEntry struct {
	id string
	fn Listener
}

// NewBroadcaster creates a broadcaster with no listeners.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// Subscribe registers fn and returns an id for Unsubscribe.
func (b *Broadcaster) Subscribe(fn Listener) string {
	id := uuid.New().String()

	b.mu.Lock()
	b.listeners = append(b.listeners, listenerEntry{id: id, fn: fn})
	b.mu.Unlock()

	return id
}

// Unsubscribe removes a listener. Unknown ids are ignored.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, l := range b.listeners {
		if l.id == id {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered listeners.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// WriteString delivers text to every listener currently registered.
func (b *Broadcaster) WriteString(text string) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	// Snapshot so listeners may unsubscribe from inside the callback.
	b.mu.RLock()
	snapshot := make([]listenerEntry, len(b.listeners))
	copy(snapshot, b.listeners)
	b.mu.RUnlock()

	ev := Event{Source: b, Text: text}
	for _, l := range snapshot {
		l.fn(ev)
	}
}

// Write implements io.Writer so the broadcaster can be used as the engine's
// output sink. It never fails.
func (b *Broadcaster) Write(p []byte) (int, error) {
	b.WriteString(string(p))
	return len(p), nil
}

// Close drops every listener. Later writes reach nobody.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	b.listeners = nil
	b.mu.Unlock()
	return nil
}

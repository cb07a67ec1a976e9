package domtrack

import (
	"sync"

	"github.com/hazyhaar/domtrack/ident"
)

// EventAny subscribes a listener to every event type.
const EventAny = ident.EventAny

// Listener receives tracker events. Listeners run synchronously on the
// tracker loop, in flush order: one flush's events are fully delivered
// before the next flush's. A slow listener slows the tracker; buffer in
// the listener if delivery latency matters. Listeners must not call
// back into the Tracker API — those calls are serialised on the same
// loop and would deadlock. React to the event payload, or defer the
// call to another goroutine.
type Listener func(ident.Event)

type listenerEntry struct {
	id int
	fn Listener
}

// emitter is the per-type listener registry. Registration is safe from
// any goroutine; delivery happens only on the tracker loop.
type emitter struct {
	mu        sync.Mutex
	nextID    int
	listeners map[ident.EventType][]listenerEntry
}

func newEmitter() *emitter {
	return &emitter{listeners: make(map[ident.EventType][]listenerEntry)}
}

func (e *emitter) add(t ident.EventType, fn Listener) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.listeners[t] = append(e.listeners[t], listenerEntry{id: e.nextID, fn: fn})
	return e.nextID
}

func (e *emitter) remove(t ident.EventType, id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entries := e.listeners[t]
	for i, le := range entries {
		if le.id == id {
			e.listeners[t] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

func (e *emitter) emit(ev ident.Event) {
	e.mu.Lock()
	typed := append([]listenerEntry(nil), e.listeners[ev.Type]...)
	any := append([]listenerEntry(nil), e.listeners[EventAny]...)
	e.mu.Unlock()

	for _, le := range typed {
		le.fn(ev)
	}
	for _, le := range any {
		le.fn(ev)
	}
}

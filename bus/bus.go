// Package bus implements the named-event fan-out that decouples the channel
// transport from its consumers. Listeners are invoked defensively: a
// panicking listener never prevents the remaining listeners for the same
// event from running and never crashes the emitter.
package bus

import (
	"sync"
	"time"
)

// Event is the envelope delivered to listeners.
type Event struct {
	Name      string
	Timestamp time.Time
	Data      any
}

// Listener receives events published under a name it subscribed to.
type Listener func(Event)

// Subscription identifies one registered listener so it can be removed.
type Subscription struct {
	name string
	id   uint64
}

// Bus fans events out to all listeners registered under the event name.
// The zero value is not usable; construct with New.
type Bus struct {
	mu      sync.RWMutex
	nextID  uint64
	subs    map[string]map[uint64]Listener
	onPanic func(event string, recovered any)
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string]map[uint64]Listener)}
}

// OnPanic installs a hook called when a listener panics during Emit.
// Passing nil removes the hook. Panics are swallowed either way.
func (b *Bus) OnPanic(fn func(event string, recovered any)) {
	b.mu.Lock()
	b.onPanic = fn
	b.mu.Unlock()
}

// On registers a listener for the named event and returns its subscription
// handle.
func (b *Bus) On(name string, fn Listener) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	m, ok := b.subs[name]
	if !ok {
		m = make(map[uint64]Listener)
		b.subs[name] = m
	}
	m[id] = fn
	return Subscription{name: name, id: id}
}

// Off removes a previously registered listener. Removing an unknown or
// already removed subscription is a no-op.
func (b *Bus) Off(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.subs[sub.name]; ok {
		delete(m, sub.id)
		if len(m) == 0 {
			delete(b.subs, sub.name)
		}
	}
}

// Emit delivers an event to every listener registered under name, in
// unspecified order, on the caller's goroutine.
func (b *Bus) Emit(name string, data any) {
	b.mu.RLock()
	m := b.subs[name]
	listeners := make([]Listener, 0, len(m))
	for _, fn := range m {
		listeners = append(listeners, fn)
	}
	hook := b.onPanic
	b.mu.RUnlock()

	if len(listeners) == 0 {
		return
	}
	ev := Event{Name: name, Timestamp: time.Now().UTC(), Data: data}
	for _, fn := range listeners {
		b.safeInvoke(name, fn, ev, hook)
	}
}

// ListenerCount returns how many listeners are registered for name.
func (b *Bus) ListenerCount(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}

func (b *Bus) safeInvoke(name string, fn Listener, ev Event, hook func(string, any)) {
	defer func() {
		if r := recover(); r != nil && hook != nil {
			hook(name, r)
		}
	}()
	fn(ev)
}

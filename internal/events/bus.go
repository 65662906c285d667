package events

import (
	"log/slog"
	"sync"
	"time"
)

// Listener handles one event.
type Listener func(Event)

type subscription struct {
	id uint64
	fn Listener
}

// Bus delivers events synchronously, in publish order, to every listener.
// Listeners must not block; use Channel to hand events to a goroutine.
type Bus struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[Type][]subscription
	global    []subscription
	sessionID string
}

// NewBus creates a bus that stamps events with sessionID when unset.
func NewBus(sessionID string) *Bus {
	return &Bus{listeners: make(map[Type][]subscription), sessionID: sessionID}
}

// SessionID returns the id stamped on published events.
func (b *Bus) SessionID() string { return b.sessionID }

// Subscribe registers fn for one event type and returns its cancel func.
func (b *Bus) Subscribe(t Type, fn Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.listeners[t] = append(b.listeners[t], subscription{id: id, fn: fn})
	return func() { b.remove(t, id, false) }
}

// SubscribeAll registers fn for every event type.
func (b *Bus) SubscribeAll(fn Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.global = append(b.global, subscription{id: id, fn: fn})
	return func() { b.remove("", id, true) }
}

func (b *Bus) remove(t Type, id uint64, global bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.listeners[t]
	if global {
		list = b.global
	}
	out := list[:0:0]
	for _, s := range list {
		if s.id != id {
			out = append(out, s)
		}
	}
	if global {
		b.global = out
	} else {
		b.listeners[t] = out
	}
}

// Publish delivers ev to type listeners, then global listeners.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if ev.SessionID == "" {
		ev.SessionID = b.sessionID
	}

	b.mu.RLock()
	specific := append([]subscription(nil), b.listeners[ev.Type]...)
	global := append([]subscription(nil), b.global...)
	b.mu.RUnlock()

	for _, s := range specific {
		safeInvoke(s.fn, ev)
	}
	for _, s := range global {
		safeInvoke(s.fn, ev)
	}
}

// Emit publishes an event of type t with data.
func (b *Bus) Emit(t Type, data any) {
	b.Publish(Event{Type: t, Data: data})
}

// Error publishes err as a typed error event.
func (b *Bus) Error(err error) {
	if err == nil {
		return
	}
	b.Publish(NewError(b.sessionID, err))
}

// Channel subscribes a buffered channel to the given types (all when none
// are given). Events are dropped when the buffer is full.
func (b *Bus) Channel(buffer int, types ...Type) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	var (
		mu     sync.Mutex
		closed bool
	)
	fn := func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- ev:
		default:
			slog.Debug("event dropped, subscriber full", "type", ev.Type)
		}
	}

	var cancels []func()
	if len(types) == 0 {
		cancels = append(cancels, b.SubscribeAll(fn))
	}
	for _, t := range types {
		cancels = append(cancels, b.Subscribe(t, fn))
	}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			for _, c := range cancels {
				c()
			}
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}
}

func safeInvoke(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event listener panicked", "type", ev.Type, "panic", r)
		}
	}()
	fn(ev)
}

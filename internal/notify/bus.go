// Package notify implements spec §4.11: firmware-update lookup and outbound
// webhook notification, the hub's two collaborator interfaces to systems
// that are not WebSocket clients. Grounded on the teacher's internal/events
// (pub/sub bus) and internal/webhook (Argus/ancla registration) packages.
package notify

import "sync"

// Event is one resource/device delta mirrored to webhook subscribers,
// adapted from the teacher's events.Event (Device/Service/Name/Payload) to
// carry the hub's own resource-qualified-name addressing instead of a
// device-only shape.
type Event struct {
	ResourceType string
	QualifiedName string
	Change        string // "added" | "changed" | "removed" | device property/state name
	Payload       any
}

// Bus is the in-process pub/sub that hub.Hub publishes device property and
// state deltas onto; WebhookSink is its only subscriber today, but the
// bus itself knows nothing about webhooks, matching the teacher's
// events.Bus being transport-agnostic of its one caller.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

func NewBus() *Bus { return &Bus{subs: make(map[int]chan Event)} }

// Subscribe registers a buffered channel and returns a cancel func that
// unregisters and closes it.
func (b *Bus) Subscribe(buffer int) (id int, ch <-chan Event, cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id = b.next
	b.next++
	c := make(chan Event, buffer)
	b.subs[id] = c
	cancel = func() {
		b.mu.Lock()
		if sc, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sc)
		}
		b.mu.Unlock()
	}
	return id, c, cancel
}

// Publish fans e out to every live subscriber, dropping it for any
// subscriber whose buffer is full rather than blocking the publisher.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

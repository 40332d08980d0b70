// Package bus implements the in-process publish/subscribe topic bus used
// both for Node's command/task/reply/sync-message dispatch and for
// ChannelManager's own channel.open/channel.data/channel.closed lifecycle
// events, grounded on troup/infrastructure.py's MessageBus.
package bus

import (
	"fmt"
	"log"
	"reflect"
	"sync"
)

// Handler receives the events published on a topic.
type Handler func(events ...interface{})

type subscription struct {
	handler Handler
	filter  func(events ...interface{}) bool
}

// identity returns a value usable for handler-equality comparisons: Go
// funcs are not comparable, so registrations are deduplicated by
// function pointer instead (the static analogue of the source's
// (function identity, filter identity) equality).
func identity(h Handler) uintptr {
	return reflect.ValueOf(h).Pointer()
}

// Bus is a topic -> subscribers publish/subscribe registry. Publish is
// synchronous: it returns only once every handler has run (or panicked).
type Bus struct {
	mu          sync.Mutex
	subscribers map[string][]subscription
	log         *log.Logger
}

func New() *Bus {
	return &Bus{
		subscribers: make(map[string][]subscription),
		log:         log.New(log.Writer(), "bus: ", log.LstdFlags),
	}
}

// On registers handler for topic. Registering the same handler+filter
// pair twice is an error — handler equality is by function identity.
func (b *Bus) On(topic string, handler Handler, filter func(events ...interface{}) bool) error {
	if handler == nil {
		return fmt.Errorf("bus: handler not specified")
	}
	if topic == "" {
		return fmt.Errorf("bus: topic not specified")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	id := identity(handler)
	for _, s := range b.subscribers[topic] {
		if identity(s.handler) == id {
			return fmt.Errorf("bus: handler already registered for topic %q", topic)
		}
	}
	b.subscribers[topic] = append(b.subscribers[topic], subscription{handler: handler, filter: filter})
	return nil
}

// Remove unregisters handler from topic, by function identity.
func (b *Bus) Remove(topic string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := identity(handler)
	subs := b.subscribers[topic]
	for i, s := range subs {
		if identity(s.handler) == id {
			b.subscribers[topic] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Publish synchronously invokes every subscriber of topic with events.
// A handler that panics is caught and logged; it does not stop delivery
// to the remaining subscribers.
func (b *Bus) Publish(topic string, events ...interface{}) {
	b.mu.Lock()
	subs := append([]subscription{}, b.subscribers[topic]...)
	b.mu.Unlock()

	for _, s := range subs {
		if s.filter != nil && !s.filter(events...) {
			continue
		}
		b.invoke(topic, s.handler, events)
	}
}

func (b *Bus) invoke(topic string, h Handler, events []interface{}) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Printf("handler for topic %q panicked: %v", topic, r)
		}
	}()
	h(events...)
}

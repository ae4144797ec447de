// Package eventbus fans node events out to whoever cares: the invoice
// manager watches for settled htlcs, the rpc layer streams lifecycle
// changes, tests assert on what happened.
package eventbus

import (
	"sync"
	"time"

	"github.com/lnlab/lnode/logging"
)

// Event is one thing that happened, named by a dotted topic like
// "chan.active" or "audit.violation".
type Event struct {
	Topic  string
	Detail string
	At     time.Time
}

// Handler consumes events.  Handlers run synchronously on the publisher's
// goroutine and must not block.
type Handler func(Event)

// Bus routes published events to subscribed handlers.
type Bus struct {
	mu       sync.RWMutex
	subs     map[string][]Handler
	wildcard []Handler
}

func New() *Bus {
	return &Bus{subs: make(map[string][]Handler)}
}

// Subscribe registers a handler for one topic.  The empty topic subscribes
// to everything.
func (b *Bus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if topic == "" {
		b.wildcard = append(b.wildcard, h)
		return
	}
	b.subs[topic] = append(b.subs[topic], h)
}

// Publish delivers an event to every matching handler, in subscription
// order.
func (b *Bus) Publish(topic, detail string) {
	ev := Event{Topic: topic, Detail: detail, At: time.Now()}
	logging.Debugf("event %s: %s\n", topic, detail)

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[topic])+len(b.wildcard))
	handlers = append(handlers, b.subs[topic]...)
	handlers = append(handlers, b.wildcard...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

package events

import (
	"log/slog"
	"sync"
	"time"
)

type Listener func(Event)

// Bus delivers events synchronously, in publish order, to every listener
// subscribed at publish time.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscription
	logger *slog.Logger
	now    func() time.Time
}

type subscription struct {
	id       int
	listener Listener
	types    map[Type]struct{}
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger, now: time.Now}
}

// Subscribe registers listener for all events, or only for the given types.
// The returned function removes the subscription and is safe to call twice.
func (b *Bus) Subscribe(listener Listener, types ...Type) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := subscription{id: b.nextID, listener: listener}
	if len(types) > 0 {
		sub.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}
	b.subs = append(b.subs, sub)

	id := sub.id
	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) Publish(event Event) {
	if event.At.IsZero() {
		event.At = b.now().UTC()
	}

	b.mu.RLock()
	targets := make([]subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.types != nil {
			if _, ok := sub.types[event.Type]; !ok {
				continue
			}
		}
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		b.deliver(sub, event)
	}
}

func (b *Bus) deliver(sub subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked", "event", string(event.Type), "subscription", sub.id, "panic", r)
		}
	}()
	sub.listener(event)
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

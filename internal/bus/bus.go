// Package bus provides the in-process event bus connecting the automation
// components. It models an at-least-once transport: consumers must be
// idempotent, and delivery to a slow subscriber is dropped rather than
// blocking the publisher.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 256

// Message is a single record published on the bus.
type Message struct {
	Topic   string
	Payload any
}

// Subscription is an active topic-prefix subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Message
}

// Ch returns the channel messages are delivered on. The channel is closed
// when the subscription is removed.
func (s *Subscription) Ch() <-chan Message {
	return s.ch
}

// Bus is a topic-prefix pub/sub fan-out.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*Subscription
	nextID  int
	dropped atomic.Int64
}

func New() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe registers interest in every topic starting with prefix.
// An empty prefix matches all topics.
func (b *Bus) Subscribe(prefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: prefix,
		ch:     make(chan Message, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes the subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish delivers payload to every matching subscriber. Delivery is
// non-blocking: a subscriber whose buffer is full misses the message.
func (b *Bus) Publish(topic string, payload any) {
	msg := Message{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- msg:
			default:
				b.dropped.Add(1)
			}
		}
	}
}

// Dropped returns the number of messages discarded because a subscriber's
// buffer was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

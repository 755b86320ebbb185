// Package events provides the in-process publish/subscribe bus that the
// control-plane services use to fan out connectivity and lifecycle events to
// any number of subscribers (CLI watch, logging, future UI push layers).
package events

import (
	"sync"
	"time"
)

// Topic names a class of control-plane event.
type Topic string

const (
	TopicRconConnected    Topic = "rcon.connected"
	TopicRconDisconnected Topic = "rcon.disconnected"

	TopicBridgeConnected    Topic = "bridge.connected"
	TopicBridgeDisconnected Topic = "bridge.disconnected"
	TopicModStatus          Topic = "bridge.modstatus"
	TopicPlayerConnect      Topic = "bridge.playerconnect"
	TopicPlayerDisconnect   Topic = "bridge.playerdisconnect"

	TopicRestartPhase Topic = "restart.phase"
)

// Event is a single published occurrence. Payload is topic-specific.
type Event struct {
	Topic   Topic
	At      time.Time
	Payload any
}

type subscriber struct {
	topics map[Topic]bool // nil means all topics
	ch     chan Event
}

// Bus is a topic-based fan-out hub. Publish never blocks: a subscriber whose
// buffer is full misses the event rather than stalling the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscriber
	next int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe registers interest in the given topics (all topics when none are
// given) and returns the event channel plus a cancel function. The channel is
// closed on cancel. buffer bounds how far a slow consumer may lag.
func (b *Bus) Subscribe(buffer int, topics ...Topic) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 16
	}
	sub := &subscriber{ch: make(chan Event, buffer)}
	if len(topics) > 0 {
		sub.topics = make(map[Topic]bool, len(topics))
		for _, t := range topics {
			sub.topics[t] = true
		}
	}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish delivers an event to every matching subscriber without blocking.
func (b *Bus) Publish(topic Topic, payload any) {
	ev := Event{Topic: topic, At: time.Now(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.topics != nil && !sub.topics[topic] {
			continue
		}
		select {
		case sub.ch <- ev:
		default: // subscriber lagging; drop rather than block the publisher
		}
	}
}

package event

import (
	"fmt"
	"log"
	"strings"
	"sync"
)

// Handler is a function that handles events
type Handler func(event *Event)

// Subscription represents an event subscription
type Subscription struct {
	ID       string
	Patterns []string
	Handler  Handler

	queue chan *Event
}

// Buffered per subscriber; events beyond this are dropped, not queued
const subscriberQueueSize = 64

// Bus routes automation events (sidebar updates, message deltas, per-chat
// logs) to subscribers. Each subscriber drains its own queue in order, so
// status sequences arrive as published. Delivery is still best-effort: a
// slow subscriber drops events instead of blocking a producer, and
// reconnecting listeners are expected to re-fetch full state.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	nextID        int
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscriptions: make(map[string]*Subscription),
	}
}

// Subscribe registers a handler for events matching the given topic patterns
func (b *Bus) Subscribe(patterns []string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := fmt.Sprintf("sub-%d", b.nextID)

	sub := &Subscription{
		ID:       id,
		Patterns: patterns,
		Handler:  handler,
		queue:    make(chan *Event, subscriberQueueSize),
	}
	b.subscriptions[id] = sub

	go func() {
		for evt := range sub.queue {
			sub.Handler(evt)
		}
	}()

	log.Printf("[EventBus] New subscription: %s for patterns: %v", id, patterns)
	return id
}

// Unsubscribe removes a subscription and stops its delivery goroutine
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscriptions[id]; ok {
		close(sub.queue)
		delete(b.subscriptions, id)
	}
}

// Publish sends an event to all subscribers whose patterns match its topic
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscriptions {
		if !b.matches(event.Topic, sub.Patterns) {
			continue
		}
		select {
		case sub.queue <- event:
		default:
			log.Printf("[EventBus] Dropping event for %s, subscriber too slow", sub.ID)
		}
	}
}

func (b *Bus) matches(topic string, patterns []string) bool {
	for _, pattern := range patterns {
		if matchPattern(pattern, topic) {
			return true
		}
	}
	return false
}

// matchPattern checks if a topic matches a pattern.
// Supports wildcards: "chat.*" matches "chat.alice", "chat.bob".
func matchPattern(pattern, topic string) bool {
	if pattern == "*" {
		return true
	}

	patternParts := strings.Split(pattern, ".")
	topicParts := strings.Split(topic, ".")

	for i, pp := range patternParts {
		if pp == "*" {
			// Wildcard matches remaining parts
			return true
		}
		if i >= len(topicParts) {
			return false
		}
		if pp != topicParts[i] {
			return false
		}
	}

	return len(patternParts) == len(topicParts)
}

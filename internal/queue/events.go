package queue

import (
	"sync"
)

// General event types. Per-job terminal events are "completed:<id>" and
// "failed:<id>".
const (
	EventWaiting   = "waiting"
	EventDelayed   = "delayed"
	EventActive    = "active"
	EventCompleted = "completed"
	EventFailed    = "failed"
)

func CompletedTopic(jobID string) string { return EventCompleted + ":" + jobID }
func FailedTopic(jobID string) string    { return EventFailed + ":" + jobID }

// Event is the message published on the queue's channel.
type Event struct {
	Type string `json:"type"`
	Job  *Job   `json:"job"`
}

type Listener func(Event)

// Bus fans events out to in-process listeners by topic. Listeners run on the
// emitting goroutine, in registration order.
type Bus struct {
	mu        sync.RWMutex
	next      uint64
	listeners map[string][]listenerEntry
}

type listenerEntry struct {
	id uint64
	fn Listener
}

func NewBus() *Bus {
	return &Bus{listeners: make(map[string][]listenerEntry)}
}

// On registers fn for topic and returns a function that removes it.
func (b *Bus) On(topic string, fn Listener) func() {
	b.mu.Lock()
	b.next++
	id := b.next
	b.listeners[topic] = append(b.listeners[topic], listenerEntry{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.off(topic, id) })
	}
}

func (b *Bus) off(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.listeners[topic]
	for i, e := range entries {
		if e.id == id {
			entries = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(b.listeners, topic)
		return
	}
	b.listeners[topic] = entries
}

// Emit delivers e to the listeners of e.Type.
func (b *Bus) Emit(e Event) {
	b.mu.RLock()
	entries := b.listeners[e.Type]
	b.mu.RUnlock()
	for _, entry := range entries {
		entry.fn(e)
	}
}

// Len returns the number of listeners registered for topic.
func (b *Bus) Len(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[topic])
}

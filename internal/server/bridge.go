package server

import (
	"log/slog"
	"sync"
	"time"
)

// Admin event types republished by the bridge.
const (
	EventConnectionEstablished = "connection_established"
	EventConnectionClosed      = "connection_closed"
	EventConnectionRejected    = "connection_rejected"
	EventHeartbeat             = "heartbeat"
	EventJobStarted            = "job_started"
	EventJobProgress           = "job_progress"
	EventJobCompleted          = "job_completed"
	EventJobFailed             = "job_failed"
	EventJobsDiscovered        = "jobs_discovered"
	EventDiscovery             = "discovery"
	EventTokenRefresh          = "token_refresh"
)

// eventBuffer is the per-subscriber channel capacity. A subscriber that
// falls further behind loses events rather than stalling the publisher.
const eventBuffer = 64

// Event is one admin-visible occurrence on the control plane.
type Event struct {
	Type      string    `json:"type"`
	JobID     string    `json:"jobId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Bridge fans control-plane events out to admin observers. Observers
// join and leave freely; publishing never blocks.
type Bridge struct {
	log *slog.Logger

	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

// NewBridge creates an event bridge.
func NewBridge(log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{
		log:  log,
		subs: make(map[chan Event]struct{}),
	}
}

// Subscribe registers a new observer channel.
func (b *Bridge) Subscribe() chan Event {
	ch := make(chan Event, eventBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes an observer and closes its channel.
func (b *Bridge) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Emit publishes an event stamped with the current time. A nil bridge
// discards everything, which keeps callers free of nil checks.
func (b *Bridge) Emit(eventType, jobID string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{
		Type:      eventType,
		JobID:     jobID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

// Publish delivers an event to every subscriber that has room.
func (b *Bridge) Publish(event Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- event:
		default:
			// Subscriber buffer full; drop rather than block.
		}
	}
}

// SubscriberCount reports the number of attached observers.
func (b *Bridge) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

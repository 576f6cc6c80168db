// Package events fans lifecycle events out to connected UI sessions.
//
// Delivery is best effort to subscribers connected at publish time; nothing is
// buffered for later subscribers. A new subscriber is expected to fetch the
// active recording list after subscribing and apply events as deltas.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type is the kind of lifecycle event.
type Type string

const (
	TypeStarted Type = "started"
	TypeStopped Type = "stopped"
	TypeFailed  Type = "failed"
)

// Event is a recording lifecycle transition.
type Event struct {
	Type        Type      `json:"type"`
	StreamerID  string    `json:"streamer_id"`
	RecordingID int64     `json:"recording_id"`
	Timestamp   time.Time `json:"timestamp"`
	Detail      string    `json:"detail,omitempty"`
}

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 256

// Subscription is one subscriber's ordered event stream.
type Subscription struct {
	ID string
	C  <-chan Event

	hub  *Hub
	ch   chan Event
	once sync.Once
	// Dropped is closed when the hub disconnected this subscriber because its
	// buffer was full.
	Dropped chan struct{}
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() { s.hub.remove(s, false) }

// Hub delivers events to every current subscriber.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	buffer int

	// OnDrop, if set, is called when a slow subscriber is disconnected.
	OnDrop func(id string)
	// OnCount, if set, is called with the subscriber count after each change.
	OnCount func(n int)
}

// NewHub creates a hub whose subscribers buffer up to buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{subs: make(map[string]*Subscription), buffer: buffer}
}

// Subscribe registers a new subscriber.
func (h *Hub) Subscribe() *Subscription {
	ch := make(chan Event, h.buffer)
	s := &Subscription{ID: uuid.NewString(), C: ch, ch: ch, hub: h, Dropped: make(chan struct{})}
	h.mu.Lock()
	h.subs[s.ID] = s
	n := len(h.subs)
	h.mu.Unlock()
	if h.OnCount != nil {
		h.OnCount(n)
	}
	return s
}

// Publish enqueues ev for every subscriber without blocking. A subscriber
// whose queue is full is disconnected instead of silently missing an event, so
// every stream a subscriber observes is gap-free and in publish order.
func (h *Hub) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	var slow []*Subscription
	h.mu.RLock()
	for _, s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range slow {
		slog.Warn("event subscriber too slow; disconnecting", slog.String("component", "events"), slog.String("subscriber", s.ID))
		h.remove(s, true)
	}
}

// Count returns the number of subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) remove(s *Subscription, dropped bool) {
	s.once.Do(func() {
		h.mu.Lock()
		delete(h.subs, s.ID)
		n := len(h.subs)
		// closing under the write lock: Publish holds the read lock while sending
		close(s.ch)
		h.mu.Unlock()
		if dropped {
			close(s.Dropped)
			if h.OnDrop != nil {
				h.OnDrop(s.ID)
			}
		}
		if h.OnCount != nil {
			h.OnCount(n)
		}
	})
}

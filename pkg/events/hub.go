package events

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBuffer is the per-subscriber backlog. When it fills, the
// oldest event is dropped so publishers never block.
const subscriberBuffer = 30

// Subscription is one live consumer of the event stream.
type Subscription struct {
	ID        string
	SessionID string // empty subscribes to all sessions
	ch        chan Event
}

// Events is the subscriber's receive channel.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Hub fans events out to WebSocket subscribers. One instance serves
// the process.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]*Subscription
	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[string]*Subscription),
		logger: logger.With("component", "event_hub"),
	}
}

// Subscribe registers a consumer. sessionID filters delivery to one
// session; empty receives everything.
func (h *Hub) Subscribe(sessionID string) *Subscription {
	sub := &Subscription{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		ch:        make(chan Event, subscriberBuffer),
	}
	h.mu.Lock()
	h.subs[sub.ID] = sub
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes a consumer and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	if _, ok := h.subs[sub.ID]; ok {
		delete(h.subs, sub.ID)
		close(sub.ch)
	}
	h.mu.Unlock()
}

// SubscriberCount reports the number of live subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Publish delivers an event to every matching subscriber without
// blocking: a full buffer sheds its oldest event first.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if sub.SessionID != "" && sub.SessionID != ev.SessionID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- ev:
			default:
				h.logger.Warn("Dropped event for slow subscriber", "subscription_id", sub.ID)
			}
		}
	}
}

// Emitter returns an Emitter that publishes into the hub.
func (h *Hub) Emitter() Emitter {
	return func(ev Event) { h.Publish(ev) }
}

package events

import (
	"sync"

	"go.uber.org/zap"

	"github.com/framework-shells/appserver/internal/common/logger"
)

// subscriberBuffer is the per-subscriber queue depth. A subscriber that
// falls this far behind is dropped rather than stalling the emitter; the
// durable transcript remains readable via the range API.
const subscriberBuffer = 256

// Subscription is one attached consumer of a conversation's event stream.
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	convID string
	hub    *Hub
	once   sync.Once
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s.convID, s.ch)
	})
}

// Hub fans normalized events out to per-conversation subscriber sets.
// Events for one conversation reach a single subscriber in emission order;
// there is no ordering across conversations.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[chan Event]*Subscription
	logger *logger.Logger
}

// NewHub creates an event hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		subs:   make(map[string]map[chan Event]*Subscription),
		logger: log.WithFields(zap.String("component", "event-hub")),
	}
}

// Subscribe attaches a consumer to one conversation's stream; an empty
// conversation id subscribes to every conversation. Delivery begins at
// subscription time; earlier events are replayed from the transcript, not
// the hub.
func (h *Hub) Subscribe(conversationID string) *Subscription {
	ch := make(chan Event, subscriberBuffer)
	sub := &Subscription{C: ch, ch: ch, convID: conversationID, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[conversationID]
	if !ok {
		set = make(map[chan Event]*Subscription)
		h.subs[conversationID] = set
	}
	set[ch] = sub
	return sub
}

// Publish delivers an event to every subscriber of its conversation.
// Subscribers whose queue is full are dropped.
func (h *Hub) Publish(ev Event) {
	type drop struct {
		convID string
		ch     chan Event
	}
	var stalled []drop

	targets := []string{""}
	if ev.ConversationID != "" {
		targets = append(targets, ev.ConversationID)
	}

	h.mu.RLock()
	for _, convID := range targets {
		for ch := range h.subs[convID] {
			select {
			case ch <- ev:
			default:
				stalled = append(stalled, drop{convID, ch})
			}
		}
	}
	h.mu.RUnlock()

	for _, d := range stalled {
		h.logger.Warn("dropping slow subscriber",
			zap.String("conversation_id", ev.ConversationID),
			zap.String("event_type", ev.Type))
		h.remove(d.convID, d.ch)
	}
}

// SubscriberCount reports the number of attached consumers for a conversation.
func (h *Hub) SubscriberCount(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[conversationID])
}

func (h *Hub) remove(conversationID string, ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[conversationID]
	if !ok {
		return
	}
	if _, ok := set[ch]; !ok {
		return
	}
	delete(set, ch)
	close(ch)
	if len(set) == 0 {
		delete(h.subs, conversationID)
	}
}

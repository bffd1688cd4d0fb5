package bus

import (
	"sync"

	"github.com/skylark-labs/callpilot/internal/logger"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind starts losing messages rather than stalling
// publishers.
const subscriberBuffer = 64

// Message is one fan-out unit: a named event with a JSON payload, scoped to
// a topic.
type Message struct {
	Topic string `json:"topic"`
	Event string `json:"event"`
	Data  []byte `json:"data"`
}

// Subscriber receives messages for one topic until unsubscribed.
type Subscriber struct {
	topic string
	ch    chan Message
}

// C is the subscriber's receive channel. It is closed on Unsubscribe.
func (s *Subscriber) C() <-chan Message { return s.ch }

// Hub is an in-process pub/sub fan-out. Publishing never blocks: slow
// subscribers drop messages.
type Hub struct {
	mu     sync.RWMutex
	log    *logger.Logger
	topics map[string]map[*Subscriber]bool
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log:    log.With("component", "Hub"),
		topics: make(map[string]map[*Subscriber]bool),
	}
}

// Subscribe registers a new subscriber on the topic.
func (h *Hub) Subscribe(topic string) *Subscriber {
	sub := &Subscriber{
		topic: topic,
		ch:    make(chan Message, subscriberBuffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*Subscriber]bool)
	}
	h.topics[topic][sub] = true
	return sub
}

// Unsubscribe removes the subscriber and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.topics[sub.topic]
	if subs == nil || !subs[sub] {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.topics, sub.topic)
	}
	close(sub.ch)
}

// Publish delivers the message to every subscriber of its topic. Subscribers
// whose buffers are full are skipped with a warning.
func (h *Hub) Publish(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.topics[msg.Topic] {
		select {
		case sub.ch <- msg:
		default:
			h.log.Warn("dropping message for slow subscriber", "topic", msg.Topic, "event", msg.Event)
		}
	}
}

// SubscriberCount reports how many subscribers a topic currently has.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

package relaygraph

import (
	"sync"
	"time"
)

const (
	EventNodeUpdated       = "node.updated"
	EventNodeSynced        = "node.synced"
	EventIntegrityRepaired = "integrity.repaired"
)

type Event struct {
	Type     string    `json:"type"`
	GraphID  string    `json:"graphId"`
	NodeType string    `json:"nodeType,omitempty"`
	NodeID   string    `json:"nodeId,omitempty"`
	Action   string    `json:"action,omitempty"`
	Affected int       `json:"affected,omitempty"`
	Actor    string    `json:"actor,omitempty"`
	At       time.Time `json:"at"`
}

type Publisher interface {
	Publish(event Event)
}

const subscriberBuffer = 64

// EventHub fans events out to per-tenant subscribers. Delivery is best
// effort: a subscriber whose buffer is full is dropped and its channel
// closed.
type EventHub struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan Event
}

func NewEventHub() *EventHub {
	return &EventHub{subs: map[string]map[int]chan Event{}}
}

// Subscribe returns a channel of events for graphID and a cancel func that
// must be called when the caller stops reading.
func (h *EventHub) Subscribe(graphID string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	ch := make(chan Event, subscriberBuffer)
	if h.subs[graphID] == nil {
		h.subs[graphID] = map[int]chan Event{}
	}
	h.subs[graphID][id] = ch
	return ch, func() { h.remove(graphID, id) }
}

func (h *EventHub) Publish(event Event) {
	if h == nil {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs[event.GraphID] {
		select {
		case ch <- event:
		default:
			close(ch)
			delete(h.subs[event.GraphID], id)
		}
	}
}

func (h *EventHub) remove(graphID string, id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.subs[graphID][id]
	if !ok {
		return
	}
	close(ch)
	delete(h.subs[graphID], id)
	if len(h.subs[graphID]) == 0 {
		delete(h.subs, graphID)
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}

package orchestrator

import (
	"sync"

	"conductor/internal/session"
)

// EventType labels a registry change.
type EventType string

const (
	EventProjectAdded   EventType = "project_added"
	EventProjectRemoved EventType = "project_removed"
	EventSessionCreated EventType = "session_created"
	EventSessionUpdated EventType = "session_updated"
	EventSessionDeleted EventType = "session_deleted"
)

// Event is one registry change, carrying a snapshot of the affected record.
type Event struct {
	Type    EventType        `json:"type"`
	Project *session.Project `json:"project,omitempty"`
	Session *session.Session `json:"session,omitempty"`
}

// eventHub fans events out to subscribers. Slow subscribers drop events
// rather than stall the orchestrator; consumers are expected to re-sync from
// a snapshot if they care about completeness.
type eventHub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

const subscriberBuffer = 64

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[chan Event]struct{})}
}

func (h *eventHub) subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

func (h *eventHub) publish(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

package lobby

import (
	"sync"
	"time"
)

type EventType string

const (
	EventSessionJoined          EventType = "session_joined"
	EventSessionLeft            EventType = "session_left"
	EventMemberJoined           EventType = "member_joined"
	EventMemberLeft             EventType = "member_left"
	EventOwnerChanged           EventType = "owner_changed"
	EventSessionUpdated         EventType = "session_updated"
	EventMemberAttributeUpdated EventType = "member_attribute_updated"
)

// Reasons carried by EventSessionLeft.
const (
	LeaveReasonRequested = "requested"
	LeaveReasonReplaced  = "replaced"
	LeaveReasonKicked    = "kicked"
	LeaveReasonClosed    = "closed"
	LeaveReasonRemoved   = "removed"
)

// Event is published by the coordinator whenever the local view changes.
// Session, when set, is a snapshot the receiver owns.
type Event struct {
	Type      EventType          `json:"type"`
	SessionID string             `json:"session_id"`
	Session   *SessionData       `json:"session,omitempty"`
	Member    *SessionMemberData `json:"member,omitempty"`
	UserID    string             `json:"user_id,omitempty"`
	Key       string             `json:"key,omitempty"`
	Value     string             `json:"value,omitempty"`
	Reason    string             `json:"reason,omitempty"`
	At        time.Time          `json:"at"`
}

const (
	defaultEventBuffer = 256
	eventHistoryMax    = 64
)

// eventHub fans events out to subscribers. Slow subscribers miss events
// rather than stall the coordinator.
type eventHub struct {
	mu          sync.Mutex
	buffer      int
	subscribers map[int]chan Event
	nextSubID   int
	history     []Event
	closed      bool
}

func newEventHub(buffer int) *eventHub {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return &eventHub{buffer: buffer, subscribers: make(map[int]chan Event)}
}

func (h *eventHub) subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan Event, h.buffer)
	h.nextSubID++
	id := h.nextSubID
	h.subscribers[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subscribers[id]; ok {
			delete(h.subscribers, id)
			close(c)
		}
	}
}

func (h *eventHub) publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.history = append(h.history, evt)
	if len(h.history) > eventHistoryMax {
		h.history = append([]Event(nil), h.history[len(h.history)-eventHistoryMax:]...)
	}
	for _, ch := range h.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (h *eventHub) recent() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.history...)
}

func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subscribers {
		delete(h.subscribers, id)
		close(ch)
	}
}

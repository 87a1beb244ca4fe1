package stream

import (
	"container/list"
	"sync"
	"time"
)

// Event types published on the hub.
const (
	EventToken     = "token"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventCancelled = "cancelled"
	EventQueue     = "queue"
	EventHealth    = "health"
	EventApproval  = "approval"
)

// Event is one UI-facing notification. ID increases monotonically and is used
// as the SSE event id for replay.
type Event struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	StreamID  string    `json:"streamId,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	TurnID    string    `json:"turnId,omitempty"`
	Token     string    `json:"token,omitempty"`
	Index     int       `json:"index,omitempty"`
	ErrorCode string    `json:"errorCode,omitempty"`
	Error     string    `json:"error,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Terminal reports whether the event retires its stream.
func (e Event) Terminal() bool {
	return e.Type == EventCompleted || e.Type == EventFailed || e.Type == EventCancelled
}

type subscriber struct {
	ch chan Event
}

// Hub fans events out to subscribers and keeps the most recent ones for
// clients reconnecting with Last-Event-ID.
type Hub struct {
	mu      sync.Mutex
	nextID  int64
	recent  *list.List
	maxSize int
	subs    map[*subscriber]struct{}
	dropped int64
}

// NewHub keeps up to replaySize events for replay.
func NewHub(replaySize int) *Hub {
	if replaySize <= 0 {
		replaySize = 200
	}
	return &Hub{
		recent:  list.New(),
		maxSize: replaySize,
		subs:    make(map[*subscriber]struct{}),
	}
}

// Publish assigns the event id and timestamp and delivers ev to every
// subscriber without blocking. A subscriber whose buffer is full loses its
// oldest pending event.
func (h *Hub) Publish(ev Event) Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	ev.ID = h.nextID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	h.recent.PushBack(ev)
	for h.recent.Len() > h.maxSize {
		h.recent.Remove(h.recent.Front())
	}

	for sub := range h.subs {
		select {
		case sub.ch <- ev:
			continue
		default:
		}
		// Drop oldest, then retry once.
		select {
		case <-sub.ch:
			h.dropped++
		default:
		}
		select {
		case sub.ch <- ev:
		default:
			h.dropped++
		}
	}
	return ev
}

// Subscribe registers a subscriber with the given buffer. The returned func
// unsubscribes and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{ch: make(chan Event, buffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			close(sub.ch)
			h.mu.Unlock()
		})
	}
}

// Since returns retained events with an id greater than afterID.
func (h *Hub) Since(afterID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	var missed []Event
	for e := h.recent.Front(); e != nil; e = e.Next() {
		if ev := e.Value.(Event); ev.ID > afterID {
			missed = append(missed, ev)
		}
	}
	return missed
}

// Dropped returns how many events slow subscribers have lost.
func (h *Hub) Dropped() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

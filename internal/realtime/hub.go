package realtime

import (
	"sync"
	"time"
)

// Event kinds pushed to observers. Events carry ids only; clients
// refetch authoritative state rather than applying deltas.
const (
	KindAttendanceRecorded = "attendance:recorded"
	KindBatchStatusUpdated = "batch:status_updated"
	KindTransferUpdated    = "transfer:updated"
)

// SessionRoom and BatchRoom build room keys.
func SessionRoom(sessionID string) string { return "session:" + sessionID }
func BatchRoom(batchID string) string     { return "batch:" + batchID }

// Event is one fan-out notification.
type Event struct {
	Kind string    `json:"kind"`
	Room string    `json:"room"`
	ID   string    `json:"id"`
	At   time.Time `json:"at"`
}

// Subscription is one observer's membership in a room. Close must be
// called when the observer leaves; the room itself is dropped with its
// last subscriber.
type Subscription struct {
	C chan Event

	hub  *Hub
	room string
	once sync.Once
}

// Close leaves the room.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.unsubscribe(s) })
}

// Hub broadcasts events to all observers subscribed to a room. It is an
// injected handle with explicit lifecycle, not a package singleton.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Subscription]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Subscription]struct{})}
}

// Subscribe joins a room, creating it on first use.
func (h *Hub) Subscribe(room string) *Subscription {
	sub := &Subscription{C: make(chan Event, 16), hub: h, room: room}
	h.mu.Lock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Subscription]struct{})
		h.rooms[room] = members
	}
	members[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	if members, ok := h.rooms[sub.room]; ok {
		delete(members, sub)
		if len(members) == 0 {
			delete(h.rooms, sub.room)
		}
	}
	h.mu.Unlock()
	close(sub.C)
}

// Publish delivers an event to the room's current subscribers. Slow
// consumers are skipped rather than blocking the publisher; the client
// contract is refetch-on-event, so a dropped notification only delays a
// refresh until the next event.
func (h *Hub) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.rooms[evt.Room] {
		select {
		case sub.C <- evt:
		default:
		}
	}
}

// RoomCount reports active rooms, for health and metrics.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

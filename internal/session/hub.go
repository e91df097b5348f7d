package session

import (
	"sync"
	"time"
)

// Hub owns the lifecycle of all active collaboration rooms: created on
// first join, removed once empty and the grace window has elapsed. The
// grace window tolerates rapid reconnects without losing chat history or
// the content snapshot.
type Hub struct {
	mu      sync.Mutex
	rooms   map[string]*Room
	pending map[string]*time.Timer
	grace   time.Duration

	// OnRemove, when set, runs after a room is dropped from the registry
	// (used to persist the final snapshot). Called outside the hub lock.
	OnRemove func(*Room)
}

func NewHub(grace time.Duration) *Hub {
	return &Hub{
		rooms:   make(map[string]*Room),
		pending: make(map[string]*time.Timer),
		grace:   grace,
	}
}

// GetOrCreate returns the room for id, creating it exactly once under the
// hub lock: concurrent first joins to the same id observe one instance.
// Any pending removal of the room is cancelled.
func (h *Hub) GetOrCreate(id, projectType string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if t, ok := h.pending[id]; ok {
		t.Stop()
		delete(h.pending, id)
	}
	if r, ok := h.rooms[id]; ok {
		return r
	}
	r := NewRoom(id, projectType)
	h.rooms[id] = r
	return r
}

func (h *Hub) Get(id string) (*Room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[id]
	return r, ok
}

// RemoveIfEmpty schedules removal of the room once it has no participants.
// With a zero grace window the room is removed immediately; otherwise a
// timer fires after the window and re-checks emptiness, so a reconnect in
// the meantime keeps the room alive.
func (h *Hub) RemoveIfEmpty(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[id]
	if !ok || r.ParticipantCount() > 0 {
		return
	}

	if h.grace <= 0 {
		h.removeLocked(id, r)
		return
	}
	if _, scheduled := h.pending[id]; scheduled {
		return
	}
	h.pending[id] = time.AfterFunc(h.grace, func() {
		h.mu.Lock()
		delete(h.pending, id)
		r, ok := h.rooms[id]
		if !ok || r.ParticipantCount() > 0 {
			h.mu.Unlock()
			return
		}
		h.removeLocked(id, r)
		h.mu.Unlock()
	})
}

func (h *Hub) removeLocked(id string, r *Room) {
	delete(h.rooms, id)
	if h.OnRemove != nil {
		go h.OnRemove(r)
	}
}

// Rooms reports the number of live rooms.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// Shutdown disconnects every client in every room and clears the registry.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.rooms = make(map[string]*Room)
	for id, t := range h.pending {
		t.Stop()
		delete(h.pending, id)
	}
	h.mu.Unlock()

	for _, r := range rooms {
		r.CloseAll("server_shutdown", "server is shutting down, please reconnect")
	}
}

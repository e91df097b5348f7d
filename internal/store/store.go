package store

import (
	"context"
	"sync"

	"collabcanvas/internal/models"
)

// Snapshot is the persisted slice of a room: the opaque content mapping and
// the retained chat history. The session engine treats both as blobs.
type Snapshot struct {
	Content map[string]any       `json:"content"`
	Chat    []models.ChatMessage `json:"chat"`
}

// ContentStore persists room snapshots across room teardown and server
// restarts. Load returns an empty snapshot (not an error) for an unknown
// room.
type ContentStore interface {
	Load(ctx context.Context, roomID string) (Snapshot, error)
	Save(ctx context.Context, roomID string, snap Snapshot) error
}

// MemoryStore is the in-process ContentStore used in tests and when no
// Redis address is configured.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string]Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]Snapshot)}
}

func (s *MemoryStore) Load(_ context.Context, roomID string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.rooms[roomID]
	if !ok {
		return Snapshot{Content: map[string]any{}}, nil
	}
	out := Snapshot{Content: make(map[string]any, len(snap.Content))}
	for k, v := range snap.Content {
		out.Content[k] = v
	}
	out.Chat = append(out.Chat, snap.Chat...)
	return out, nil
}

func (s *MemoryStore) Save(_ context.Context, roomID string, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := Snapshot{Content: make(map[string]any, len(snap.Content))}
	for k, v := range snap.Content {
		stored.Content[k] = v
	}
	stored.Chat = append(stored.Chat, snap.Chat...)
	s.rooms[roomID] = stored
	return nil
}

package session

import (
	"sync"
	"time"

	"collabcanvas/internal/models"
)

// chatHistoryLimit bounds the per-room chat kept for state_sync replay.
const chatHistoryLimit = 100

// Room holds the authoritative presence table, lock table, content snapshot
// and chat history for one collaboration session.
//
// Every mutation and its broadcast happen under one mutex hold, so all
// participants observe presence/lock/content events in the same relative
// order: the room's serialized mutation order is the broadcast order.
type Room struct {
	ID          string
	ProjectType string
	CreatedAt   time.Time

	mu           sync.Mutex
	clients      map[string]*Client // user id -> active socket
	participants map[string]*models.Participant
	locks        map[string]*models.LockInfo
	content      map[string]any
	chat         []models.ChatMessage
	closing      bool
}

func NewRoom(id, projectType string) *Room {
	return &Room{
		ID:           id,
		ProjectType:  projectType,
		CreatedAt:    time.Now().UTC(),
		clients:      make(map[string]*Client),
		participants: make(map[string]*models.Participant),
		locks:        make(map[string]*models.LockInfo),
		content:      make(map[string]any),
	}
}

// Hydrate seeds the content snapshot from persisted state. Only a fresh
// room accepts it; a room that already has live content keeps it.
func (r *Room) Hydrate(content map[string]any, chat []models.ChatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.content) == 0 {
		for k, v := range content {
			r.content[k] = v
		}
	}
	if len(r.chat) == 0 && len(chat) > 0 {
		r.chat = append(r.chat, chat...)
	}
}

// Join registers the client's identity in the presence table and broadcasts
// user_joined to the rest of the room. Join is idempotent per user id: a
// duplicate join (a reconnect racing the old socket's close) replaces the
// old entry and returns the superseded client so the caller can close it.
func (r *Room) Join(c *Client) (replaced *Client) {
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	replaced = r.clients[c.UserID]
	r.clients[c.UserID] = c
	r.participants[c.UserID] = &models.Participant{
		UserID:       c.UserID,
		Username:     c.Username,
		JoinedAt:     now,
		LastActivity: now,
	}

	r.broadcastLocked(c.UserID, models.UserJoined{
		Type:        models.TypeUserJoined,
		UserID:      c.UserID,
		Username:    c.Username,
		ActiveUsers: r.activeLocked(),
		Timestamp:   now,
	})
	return replaced
}

// Leave removes the user's presence, auto-releases every lock the user
// holds (broadcasting region_unlocked for each) and broadcasts user_left.
// The clientID guard keeps a stale socket's close from evicting a newer
// connection of the same user. Returns the remaining participant count and
// whether anything was removed.
func (r *Room) Leave(userID, clientID string) (remaining int, removed bool) {
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.clients[userID]
	if !ok || current.ID != clientID {
		return len(r.participants), false
	}

	delete(r.clients, userID)
	p := r.participants[userID]
	delete(r.participants, userID)

	for regionID, lock := range r.locks {
		if lock.HolderID != userID {
			continue
		}
		delete(r.locks, regionID)
		r.broadcastLocked("", models.RegionUnlocked{
			Type:       models.TypeRegionUnlocked,
			RegionID:   regionID,
			UnlockedBy: userID,
			Timestamp:  now,
		})
	}

	username := ""
	if p != nil {
		username = p.Username
	}
	r.broadcastLocked(userID, models.UserLeft{
		Type:      models.TypeUserLeft,
		UserID:    userID,
		Username:  username,
		Timestamp: now,
	})
	return len(r.participants), true
}

// UpdateCursor records the user's cursor and fans it out to everyone else.
func (r *Room) UpdateCursor(userID string, pos models.CursorPosition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[userID]
	if !ok {
		return
	}
	cursor := pos
	p.Cursor = &cursor
	p.LastActivity = time.Now().UTC()

	r.broadcastLocked(userID, models.CursorUpdate{
		Type:     models.TypeCursorUpdate,
		UserID:   userID,
		Username: p.Username,
		Position: pos,
	})
}

// Touch refreshes the user's last-activity timestamp.
func (r *Room) Touch(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.participants[userID]; ok {
		p.LastActivity = time.Now().UTC()
	}
}

// ListActive returns the current set of joined, non-disconnected identities.
func (r *Room) ListActive() []models.ParticipantInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeLocked()
}

func (r *Room) activeLocked() []models.ParticipantInfo {
	out := make([]models.ParticipantInfo, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, models.ParticipantInfo{
			UserID:       p.UserID,
			Username:     p.Username,
			Cursor:       p.Cursor,
			LastActivity: p.LastActivity,
		})
	}
	return out
}

// Acquire takes the exclusive lock on a region. It fails immediately if a
// different user holds it (no queueing) and is a no-op success when the
// requester already holds it. A successful acquire broadcasts region_locked
// to the whole room, requester included, as its acknowledgement.
func (r *Room) Acquire(regionID, userID string) (ok bool, holder string) {
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	if lock, exists := r.locks[regionID]; exists {
		if lock.HolderID != userID {
			return false, lock.HolderID
		}
		return true, userID
	}

	r.locks[regionID] = &models.LockInfo{
		RegionID:   regionID,
		HolderID:   userID,
		AcquiredAt: now,
	}
	r.broadcastLocked("", models.RegionLocked{
		Type:      models.TypeRegionLocked,
		RegionID:  regionID,
		LockedBy:  userID,
		Timestamp: now,
	})
	return true, userID
}

// Release drops the lock if and only if the caller holds it. Releasing an
// unheld region is an idempotent success; releasing someone else's lock
// fails and leaves the lock in place.
func (r *Room) Release(regionID, userID string) bool {
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	lock, exists := r.locks[regionID]
	if !exists {
		return true
	}
	if lock.HolderID != userID {
		return false
	}

	delete(r.locks, regionID)
	r.broadcastLocked("", models.RegionUnlocked{
		Type:       models.TypeRegionUnlocked,
		RegionID:   regionID,
		UnlockedBy: userID,
		Timestamp:  now,
	})
	return true
}

// Locks returns a copy of the lock table.
func (r *Room) Locks() map[string]models.LockInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]models.LockInfo, len(r.locks))
	for id, l := range r.locks {
		out[id] = *l
	}
	return out
}

// ApplyContent shallow-merges the changes into the content snapshot, keyed
// by field path, and broadcasts content_changed to everyone but the sender
// (the sender already applied its own change optimistically).
func (r *Room) ApplyContent(userID, username string, changes map[string]any) {
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	for k, v := range changes {
		r.content[k] = v
	}
	if p, ok := r.participants[userID]; ok {
		p.LastActivity = now
	}

	r.broadcastLocked(userID, models.ContentChanged{
		Type:      models.TypeContentChanged,
		UserID:    userID,
		Username:  username,
		Changes:   changes,
		Timestamp: now,
	})
}

// AppendChat appends the message in server receipt order and broadcasts it
// to everyone, sender included; the sender dedupes by client tag.
func (r *Room) AppendChat(userID, username, message, clientTag string) models.ChatEvent {
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.chat = append(r.chat, models.ChatMessage{
		UserID:    userID,
		Username:  username,
		Message:   message,
		ClientTag: clientTag,
		Timestamp: now,
	})
	if len(r.chat) > chatHistoryLimit {
		r.chat = r.chat[len(r.chat)-chatHistoryLimit:]
	}
	if p, ok := r.participants[userID]; ok {
		p.LastActivity = now
	}

	event := models.ChatEvent{
		Type:      models.TypeChat,
		UserID:    userID,
		Username:  username,
		Message:   message,
		ClientTag: clientTag,
		Timestamp: now,
	}
	r.broadcastLocked("", event)
	return event
}

// SyncState assembles the authoritative full-room snapshot for state_sync.
func (r *Room) SyncState() models.StateSync {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := make(map[string]any, len(r.content))
	for k, v := range r.content {
		state[k] = v
	}
	cursors := make(map[string]models.CursorPosition)
	for id, p := range r.participants {
		if p.Cursor != nil {
			cursors[id] = *p.Cursor
		}
	}
	locks := make(map[string]models.LockInfo, len(r.locks))
	for id, l := range r.locks {
		locks[id] = *l
	}
	chat := make([]models.ChatEvent, 0, len(r.chat))
	for _, m := range r.chat {
		chat = append(chat, models.ChatEvent{
			Type:      models.TypeChat,
			UserID:    m.UserID,
			Username:  m.Username,
			Message:   m.Message,
			ClientTag: m.ClientTag,
			Timestamp: m.Timestamp,
		})
	}

	return models.StateSync{
		Type:        models.TypeStateSync,
		State:       state,
		Cursors:     cursors,
		Locks:       locks,
		ActiveUsers: r.activeLocked(),
		Chat:        chat,
		Timestamp:   time.Now().UTC(),
	}
}

// Content returns a copy of the snapshot for the persistence flush.
func (r *Room) Content() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]any, len(r.content))
	for k, v := range r.content {
		out[k] = v
	}
	return out
}

// Chat returns a copy of the retained chat history.
func (r *Room) Chat() []models.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ChatMessage, len(r.chat))
	copy(out, r.chat)
	return out
}

// SendTo delivers a frame to one user's socket, if connected.
func (r *Room) SendTo(userID string, frame any) {
	r.mu.Lock()
	c, ok := r.clients[userID]
	r.mu.Unlock()
	if ok {
		c.Send(frame)
	}
}

// Broadcast delivers a frame to every socket except excludeUserID (pass ""
// to reach everyone).
func (r *Room) Broadcast(excludeUserID string, frame any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked(excludeUserID, frame)
}

func (r *Room) broadcastLocked(excludeUserID string, frame any) {
	for userID, c := range r.clients {
		if userID == excludeUserID {
			continue
		}
		c.Send(frame)
	}
}

// ParticipantCount reports the live presence count.
func (r *Room) ParticipantCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}

// Status summarizes the room for the REST surface.
func (r *Room) Status() models.RoomStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := models.RoomActive
	if r.closing {
		state = models.RoomClosing
	} else if len(r.participants) == 0 {
		state = models.RoomEmpty
	}
	return models.RoomStatus{
		ID:               r.ID,
		ProjectType:      r.ProjectType,
		State:            state,
		ParticipantCount: len(r.participants),
		LockCount:        len(r.locks),
		CreatedAt:        r.CreatedAt,
	}
}

// CloseAll sends an error frame to every socket and disconnects them.
// Used when the room becomes unusable (for example, content-store
// corruption) or on server shutdown.
func (r *Room) CloseAll(code, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closing = true
	frame := models.ErrorFrame{Type: models.TypeError, Code: code, Message: message}
	for userID, c := range r.clients {
		c.Send(frame)
		c.Close()
		delete(r.clients, userID)
		delete(r.participants, userID)
	}
}

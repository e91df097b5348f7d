package models

import "time"

// Frame type tags. Inbound frames are what clients send; outbound frames are
// what the server broadcasts or returns. "chat" appears on both sides with
// different fields (ChatSend inbound, ChatEvent outbound).
const (
	TypeCursorMove    = "cursor_move"
	TypeContentUpdate = "content_update"
	TypeChat          = "chat"
	TypeLockRegion    = "lock_region"
	TypeUnlockRegion  = "unlock_region"
	TypeGetState      = "get_state"
	TypeLeave         = "leave"

	TypeUserJoined     = "user_joined"
	TypeUserLeft       = "user_left"
	TypeCursorUpdate   = "cursor_update"
	TypeContentChanged = "content_changed"
	TypeStateSync      = "state_sync"
	TypeRegionLocked   = "region_locked"
	TypeRegionUnlocked = "region_unlocked"
	TypeLockDenied     = "lock_denied"
	TypeError          = "error"
)

// Envelope is the minimal decode of any frame, used to pick the concrete
// payload type before a second full unmarshal.
type Envelope struct {
	Type string `json:"type"`
}

// CursorPosition is a participant's last reported cursor location on the
// shared canvas. Element optionally names the canvas element under the
// cursor.
type CursorPosition struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Element string  `json:"element,omitempty"`
}

/*** Inbound frames ***/

type CursorMove struct {
	Type    string  `json:"type"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Element string  `json:"element,omitempty"`
}

type ContentUpdate struct {
	Type    string         `json:"type"`
	Changes map[string]any `json:"changes"`
}

type ChatSend struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	// ClientTag is an opaque client-generated id forwarded verbatim so the
	// sender can dedupe its own echo against an optimistic local append.
	ClientTag string `json:"client_tag,omitempty"`
}

type LockRegion struct {
	Type     string `json:"type"`
	RegionID string `json:"region_id"`
}

type UnlockRegion struct {
	Type     string `json:"type"`
	RegionID string `json:"region_id"`
}

/*** Outbound frames ***/

type UserJoined struct {
	Type        string            `json:"type"`
	UserID      string            `json:"user_id"`
	Username    string            `json:"username"`
	ActiveUsers []ParticipantInfo `json:"active_users"`
	Timestamp   time.Time         `json:"timestamp"`
}

type UserLeft struct {
	Type      string    `json:"type"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

type CursorUpdate struct {
	Type     string         `json:"type"`
	UserID   string         `json:"user_id"`
	Username string         `json:"username"`
	Position CursorPosition `json:"position"`
}

type ContentChanged struct {
	Type      string         `json:"type"`
	UserID    string         `json:"user_id"`
	Username  string         `json:"username"`
	Changes   map[string]any `json:"changes"`
	Timestamp time.Time      `json:"timestamp"`
}

type ChatEvent struct {
	Type      string    `json:"type"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Message   string    `json:"message"`
	ClientTag string    `json:"client_tag,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type RegionLocked struct {
	Type      string    `json:"type"`
	RegionID  string    `json:"region_id"`
	LockedBy  string    `json:"locked_by"`
	Timestamp time.Time `json:"timestamp"`
}

type RegionUnlocked struct {
	Type       string    `json:"type"`
	RegionID   string    `json:"region_id"`
	UnlockedBy string    `json:"unlocked_by"`
	Timestamp  time.Time `json:"timestamp"`
}

// LockDenied is returned to the requester only, when the region is already
// held by someone else. The lock stays with LockedBy.
type LockDenied struct {
	Type     string `json:"type"`
	RegionID string `json:"region_id"`
	LockedBy string `json:"locked_by"`
}

// StateSync is the full-room snapshot sent to a joining or resynchronizing
// client. It supersedes any incremental events the client may have missed.
type StateSync struct {
	Type        string                    `json:"type"`
	State       map[string]any            `json:"state"`
	Cursors     map[string]CursorPosition `json:"cursors"`
	Locks       map[string]LockInfo       `json:"locks"`
	ActiveUsers []ParticipantInfo         `json:"active_users"`
	Chat        []ChatEvent               `json:"chat"`
	Timestamp   time.Time                 `json:"timestamp"`
}

type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

/*** Session state ***/

// Participant is one connected identity in a room. A user joining two rooms
// is two independent Participant records.
type Participant struct {
	UserID       string          `json:"user_id"`
	Username     string          `json:"username"`
	JoinedAt     time.Time       `json:"joined_at"`
	LastActivity time.Time       `json:"last_activity"`
	Cursor       *CursorPosition `json:"cursor,omitempty"`
}

// ParticipantInfo is the public view of a participant used in presence
// events and sync payloads.
type ParticipantInfo struct {
	UserID       string          `json:"user_id"`
	Username     string          `json:"username"`
	Cursor       *CursorPosition `json:"cursor,omitempty"`
	LastActivity time.Time       `json:"last_activity"`
}

// LockInfo describes one held region lock.
type LockInfo struct {
	RegionID   string    `json:"region_id"`
	HolderID   string    `json:"holder_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// ChatMessage is one room chat entry, ordered by server receipt.
type ChatMessage struct {
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Message   string    `json:"message"`
	ClientTag string    `json:"client_tag,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RoomState is the lifecycle state of a room.
type RoomState string

const (
	RoomEmpty   RoomState = "empty"
	RoomActive  RoomState = "active"
	RoomClosing RoomState = "closing"
)

// RoomStatus is the REST view of a live room.
type RoomStatus struct {
	ID               string    `json:"id"`
	ProjectType      string    `json:"project_type,omitempty"`
	State            RoomState `json:"state"`
	ParticipantCount int       `json:"participant_count"`
	LockCount        int       `json:"lock_count"`
	CreatedAt        time.Time `json:"created_at"`
}

/*** Project metadata (read at join time to authorize membership) ***/

type CollaborationRole string

const (
	RoleOwner  CollaborationRole = "owner"
	RoleEditor CollaborationRole = "editor"
	RoleViewer CollaborationRole = "viewer"
)

// CanEdit reports whether the role may mutate content and acquire locks.
func (r CollaborationRole) CanEdit() bool {
	return r == RoleOwner || r == RoleEditor
}

type Collaborator struct {
	UserID string            `json:"user_id" bson:"user_id"`
	Role   CollaborationRole `json:"role" bson:"role"`
}

type Project struct {
	ID            string         `json:"id" bson:"id"`
	Name          string         `json:"name" bson:"name"`
	ProjectType   string         `json:"project_type" bson:"project_type"`
	OwnerID       string         `json:"owner_id" bson:"owner_id"`
	Collaborators []Collaborator `json:"collaborators" bson:"collaborators"`
	CreatedAt     time.Time      `json:"created_at" bson:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at" bson:"updated_at"`
}

// RoleOf resolves the role a user holds on the project, or "" if none.
func (p *Project) RoleOf(userID string) CollaborationRole {
	if p.OwnerID == userID {
		return RoleOwner
	}
	for _, c := range p.Collaborators {
		if c.UserID == userID {
			return c.Role
		}
	}
	return ""
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

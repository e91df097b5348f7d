package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"collabcanvas/internal/metrics"
	"collabcanvas/internal/models"
	"collabcanvas/internal/projects"
	"collabcanvas/internal/session"
	"collabcanvas/internal/store"
	"collabcanvas/internal/utils"
)

// Config carries the connection-level knobs resolved in main.
type Config struct {
	// JWTSecret, when non-empty, makes a valid room token mandatory at the
	// handshake.
	JWTSecret []byte
	// IdleTimeout force-closes a connection with no inbound frames and no
	// pong within the window.
	IdleTimeout time.Duration
}

type Handlers struct {
	log       *zap.Logger
	hub       *session.Hub
	store     store.ContentStore
	directory projects.Directory
	cfg       Config
	upgrader  websocket.Upgrader
}

func NewHandlers(log *zap.Logger, hub *session.Hub, st store.ContentStore, dir projects.Directory, cfg Config) *Handlers {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	return &Handlers{
		log:       log,
		hub:       hub,
		store:     st,
		directory: dir,
		cfg:       cfg,
		upgrader:  websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

// RoomStatus reports a live room's lifecycle state and table sizes.
func (h *Handlers) RoomStatus(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	room, ok := h.hub.Get(roomID)
	if !ok {
		utils.JSON(w, http.StatusNotFound, models.ErrorResponse{
			Code: "room_not_found", Message: "no active room with that id",
		})
		return
	}
	utils.JSON(w, http.StatusOK, room.Status())
}

// Collaborators returns the live active-user list for a room.
func (h *Handlers) Collaborators(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	room, ok := h.hub.Get(roomID)
	if !ok {
		utils.JSON(w, http.StatusOK, map[string]any{"active_users": []models.ParticipantInfo{}, "total": 0})
		return
	}
	active := room.ListActive()
	utils.JSON(w, http.StatusOK, map[string]any{"active_users": active, "total": len(active)})
}

// identity is the resolved (user, room, role) binding for one connection.
// It never changes after the handshake; inbound frames cannot override it.
type identity struct {
	userID   string
	username string
	role     models.CollaborationRole
}

// resolveIdentity authenticates the join request from connection parameters
// and, when a secret is configured, from the room access token.
func (h *Handlers) resolveIdentity(r *http.Request, roomID string) (identity, int, string) {
	userID := r.URL.Query().Get("user_id")
	username := r.URL.Query().Get("username")

	if len(h.cfg.JWTSecret) > 0 {
		claims, err := utils.ValidateRoomToken(h.cfg.JWTSecret, r.URL.Query().Get("token"))
		if err != nil {
			return identity{}, http.StatusUnauthorized, "invalid or missing room token"
		}
		if claims.RoomID != roomID {
			return identity{}, http.StatusForbidden, "token is for a different room"
		}
		if userID != "" && userID != claims.UserID {
			return identity{}, http.StatusForbidden, "user_id does not match token"
		}
		userID = claims.UserID
		if claims.Username != "" {
			username = claims.Username
		}
	}

	if userID == "" {
		return identity{}, http.StatusBadRequest, "user_id is required"
	}
	if username == "" {
		username = "Anonymous"
	}

	role, err := h.directory.Authorize(r.Context(), roomID, userID)
	switch {
	case errors.Is(err, projects.ErrProjectNotFound):
		return identity{}, http.StatusNotFound, "project not found"
	case errors.Is(err, projects.ErrNotMember):
		return identity{}, http.StatusForbidden, "not a collaborator on this project"
	case err != nil:
		h.log.Error("directory authorize failed", zap.String("room", roomID), zap.Error(err))
		return identity{}, http.StatusInternalServerError, "authorization check failed"
	}

	return identity{userID: userID, username: username, role: role}, 0, ""
}

// CollabWS is the per-socket connection handler. The connection moves
// through connecting -> joined -> closing -> closed; identity and room are
// fixed at the handshake and cleanup always runs lock release before the
// presence leave broadcast.
func (h *Handlers) CollabWS(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	if roomID == "" {
		http.Error(w, "room id is required", http.StatusBadRequest)
		return
	}

	id, status, reason := h.resolveIdentity(r, roomID)
	if status != 0 {
		utils.JSON(w, status, models.ErrorResponse{Code: "join_refused", Message: reason})
		return
	}

	projectType := ""
	if p, err := h.directory.Project(r.Context(), roomID); err == nil {
		projectType = p.ProjectType
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.String("room", roomID), zap.Error(err))
		return
	}

	room := h.hub.GetOrCreate(roomID, projectType)
	metrics.ActiveRooms.Set(float64(h.hub.Rooms()))

	if room.ParticipantCount() == 0 {
		snap, err := h.store.Load(r.Context(), roomID)
		if err != nil {
			h.log.Error("content store load failed", zap.String("room", roomID), zap.Error(err))
			_ = conn.WriteJSON(models.ErrorFrame{
				Type: models.TypeError, Code: "store_unavailable",
				Message: "room state could not be loaded",
			})
			_ = conn.Close()
			return
		}
		room.Hydrate(snap.Content, snap.Chat)
	}

	client := session.NewClient(conn, uuid.New().String(), id.userID, id.username, id.role)
	if replaced := room.Join(client); replaced != nil {
		replaced.Close()
	}
	metrics.ConnectedClients.Inc()

	log := h.log.With(zap.String("room", roomID), zap.String("user", id.userID))
	log.Info("client joined", zap.String("username", id.username), zap.String("role", string(id.role)))

	defer func() {
		// closing -> closed: locks release and presence leave broadcast
		// happen inside Leave; the snapshot flush runs after the room
		// mutex is dropped.
		if _, removed := room.Leave(id.userID, client.ID); removed {
			h.flush(room)
		}
		client.Close()
		h.hub.RemoveIfEmpty(roomID)
		metrics.ConnectedClients.Dec()
		metrics.ActiveRooms.Set(float64(h.hub.Rooms()))
		log.Info("client left")
	}()

	// Initial sync: the joining client must never infer presence or locks
	// from incremental events it may have missed.
	client.Send(room.SyncState())

	h.readLoop(conn, room, client, log)
}

func (h *Handlers) readLoop(conn *websocket.Conn, room *session.Room, client *session.Client, log *zap.Logger) {
	idle := h.cfg.IdleTimeout
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		room.Touch(client.UserID)
		return conn.SetReadDeadline(time.Now().Add(idle))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(idle / 2)
		defer ticker.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-ticker.C:
				deadline := time.Now().Add(writeWait)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("connection closed abruptly", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(idle))

		if done := h.dispatch(room, client, data, log); done {
			return
		}
	}
}

const writeWait = 5 * time.Second

// dispatch routes one inbound frame. Malformed frames are dropped with a
// logged warning; they never close the connection or touch the room.
func (h *Handlers) dispatch(room *session.Room, client *session.Client, data []byte, log *zap.Logger) (done bool) {
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn("unparseable frame dropped", zap.Error(err))
		metrics.ProtocolErrors.Inc()
		return false
	}

	switch env.Type {
	case models.TypeCursorMove:
		var f models.CursorMove
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn("bad cursor_move dropped", zap.Error(err))
			metrics.ProtocolErrors.Inc()
			return false
		}
		room.UpdateCursor(client.UserID, models.CursorPosition{X: f.X, Y: f.Y, Element: f.Element})

	case models.TypeContentUpdate:
		var f models.ContentUpdate
		if err := json.Unmarshal(data, &f); err != nil || f.Changes == nil {
			log.Warn("bad content_update dropped", zap.Error(err))
			metrics.ProtocolErrors.Inc()
			return false
		}
		if !client.Role.CanEdit() {
			client.Send(models.ErrorFrame{
				Type: models.TypeError, Code: "forbidden",
				Message: "viewers cannot modify content",
			})
			return false
		}
		room.ApplyContent(client.UserID, client.Username, f.Changes)
		h.flush(room)

	case models.TypeChat:
		var f models.ChatSend
		if err := json.Unmarshal(data, &f); err != nil || f.Message == "" {
			log.Warn("bad chat dropped", zap.Error(err))
			metrics.ProtocolErrors.Inc()
			return false
		}
		room.AppendChat(client.UserID, client.Username, f.Message, f.ClientTag)

	case models.TypeLockRegion:
		var f models.LockRegion
		if err := json.Unmarshal(data, &f); err != nil || f.RegionID == "" {
			log.Warn("bad lock_region dropped", zap.Error(err))
			metrics.ProtocolErrors.Inc()
			return false
		}
		if !client.Role.CanEdit() {
			client.Send(models.LockDenied{Type: models.TypeLockDenied, RegionID: f.RegionID})
			return false
		}
		if ok, holder := room.Acquire(f.RegionID, client.UserID); !ok {
			client.Send(models.LockDenied{
				Type: models.TypeLockDenied, RegionID: f.RegionID, LockedBy: holder,
			})
		}

	case models.TypeUnlockRegion:
		var f models.UnlockRegion
		if err := json.Unmarshal(data, &f); err != nil || f.RegionID == "" {
			log.Warn("bad unlock_region dropped", zap.Error(err))
			metrics.ProtocolErrors.Inc()
			return false
		}
		if !room.Release(f.RegionID, client.UserID) {
			client.Send(models.ErrorFrame{
				Type: models.TypeError, Code: "not_lock_holder",
				Message: "only the holder may release a lock",
			})
		}

	case models.TypeGetState:
		client.Send(room.SyncState())

	case models.TypeLeave:
		return true

	default:
		log.Warn("unknown frame type dropped", zap.String("type", env.Type))
		metrics.ProtocolErrors.Inc()
		return false
	}

	metrics.EventsProcessed.WithLabelValues(env.Type).Inc()
	room.Touch(client.UserID)
	return false
}

// flush persists the room snapshot. It reads a copy of the tables, so the
// store round-trip never holds the room's serialization lock.
func (h *Handlers) flush(room *session.Room) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap := store.Snapshot{Content: room.Content(), Chat: room.Chat()}
	if err := h.store.Save(ctx, room.ID, snap); err != nil {
		h.log.Error("content store save failed", zap.String("room", room.ID), zap.Error(err))
	}
}

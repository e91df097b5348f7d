// Package client is the Go client for the collaboration service: it owns
// one socket to one room, mirrors the server's presence/cursor/content/lock
// state, and exposes the mutation calls the UI layer binds to.
//
// The mirror is never authoritative. Every inbound event overwrites local
// state (last-write-wins at the field level, in server receipt order), and
// a full state_sync replaces the mirror wholesale.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"collabcanvas/internal/models"
)

// ErrNotConnected is returned by every mutation call while the socket is
// down. Actions are not queued across disconnects: a replayed lock_region
// or content_update after reconnect could double-fire, so retry is the
// caller's decision.
var ErrNotConnected = errors.New("collab client: not connected")

// Options configure one room subscription.
type Options struct {
	// URL is the service base, e.g. "ws://localhost:8080".
	URL      string
	RoomID   string
	UserID   string
	Username string
	// Token is the optional room access token.
	Token string

	// AutoReconnect re-dials with capped exponential backoff after an
	// unexpected close. Every successful reconnect re-requests a full
	// state sync; missed events are never replayed.
	AutoReconnect bool
	MaxBackoff    time.Duration

	// OnEvent, when set, observes every decoded server frame after it has
	// been merged into the mirror.
	OnEvent func(frame any)
	// OnDisconnect observes connection loss (nil error on explicit Close).
	OnDisconnect func(err error)

	Logger *zap.Logger
}

type Client struct {
	opts Options
	log  *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	dialing   bool
	closed    bool
	writeMu   sync.Mutex

	active      map[string]models.ParticipantInfo
	cursors     map[string]models.CursorPosition
	content     map[string]any
	locks       map[string]models.LockInfo
	chat        []models.ChatEvent
	pendingTags map[string]struct{}
}

func New(opts Options) (*Client, error) {
	if opts.URL == "" || opts.RoomID == "" || opts.UserID == "" {
		return nil, errors.New("collab client: URL, RoomID and UserID are required")
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		opts:        opts,
		log:         log,
		active:      make(map[string]models.ParticipantInfo),
		cursors:     make(map[string]models.CursorPosition),
		content:     make(map[string]any),
		locks:       make(map[string]models.LockInfo),
		pendingTags: make(map[string]struct{}),
	}, nil
}

func (c *Client) dialURL() string {
	q := url.Values{}
	q.Set("user_id", c.opts.UserID)
	if c.opts.Username != "" {
		q.Set("username", c.opts.Username)
	}
	if c.opts.Token != "" {
		q.Set("token", c.opts.Token)
	}
	return fmt.Sprintf("%s/ws/collab/%s?%s", c.opts.URL, url.PathEscape(c.opts.RoomID), q.Encode())
}

// Connect dials the room and starts consuming events. It returns once the
// socket is established; the initial state_sync arrives asynchronously.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected || c.dialing {
		c.mu.Unlock()
		return nil
	}
	if c.closed {
		c.mu.Unlock()
		return errors.New("collab client: closed")
	}
	c.dialing = true
	c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.dialURL(), nil)

	c.mu.Lock()
	c.dialing = false
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("dial room %s: %w", c.opts.RoomID, err)
	}
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return errors.New("collab client: closed")
	}
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

// Close disconnects and disables reconnection. A closed client cannot be
// reused; create a new one to rejoin.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
		err := conn.Close()
		if c.opts.OnDisconnect != nil {
			c.opts.OnDisconnect(nil)
		}
		return err
	}
	return nil
}

// Connected reports whether the socket is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleDisconnect(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// A superseded socket's reader; the live connection is unaffected.
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.conn = nil
	c.mu.Unlock()

	if c.opts.OnDisconnect != nil {
		c.opts.OnDisconnect(err)
	}
	if c.opts.AutoReconnect {
		go c.reconnect()
	}
}

func (c *Client) reconnect() {
	backoff := time.Second
	for {
		c.mu.Lock()
		if c.closed || c.connected {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		time.Sleep(backoff)
		if backoff *= 2; backoff > c.opts.MaxBackoff {
			backoff = c.opts.MaxBackoff
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.Connect(ctx)
		cancel()
		if err != nil {
			c.log.Warn("reconnect attempt failed", zap.Error(err))
			continue
		}
		// The mirror may have missed anything while down; only a full
		// sync makes it trustworthy again.
		if err := c.RequestStateSync(); err != nil {
			c.log.Warn("post-reconnect sync request failed", zap.Error(err))
		}
		return
	}
}

func (c *Client) send(frame any) error {
	c.mu.Lock()
	conn, connected := c.conn, c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("send %T: %w", frame, err)
	}
	return nil
}

/*** Mutation calls ***/

func (c *Client) SendCursorMove(pos models.CursorPosition) error {
	return c.send(models.CursorMove{
		Type: models.TypeCursorMove, X: pos.X, Y: pos.Y, Element: pos.Element,
	})
}

// SendContentUpdate applies the changes to the local mirror immediately
// (optimistic echo) and ships them to the room. The server broadcast goes
// to peers only, so the local apply is never duplicated.
func (c *Client) SendContentUpdate(changes map[string]any) error {
	if err := c.send(models.ContentUpdate{Type: models.TypeContentUpdate, Changes: changes}); err != nil {
		return err
	}
	c.mu.Lock()
	for k, v := range changes {
		c.content[k] = v
	}
	c.mu.Unlock()
	return nil
}

// SendChat ships a chat message tagged with a generated id. The sender's
// own echo from the server is recognized by the tag and not re-appended.
func (c *Client) SendChat(message string) error {
	tag := uuid.New().String()

	c.mu.Lock()
	c.pendingTags[tag] = struct{}{}
	c.chat = append(c.chat, models.ChatEvent{
		Type:      models.TypeChat,
		UserID:    c.opts.UserID,
		Username:  c.opts.Username,
		Message:   message,
		ClientTag: tag,
		Timestamp: time.Now().UTC(),
	})
	c.mu.Unlock()

	if err := c.send(models.ChatSend{Type: models.TypeChat, Message: message, ClientTag: tag}); err != nil {
		c.mu.Lock()
		delete(c.pendingTags, tag)
		if n := len(c.chat); n > 0 && c.chat[n-1].ClientTag == tag {
			c.chat = c.chat[:n-1]
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Client) LockRegion(regionID string) error {
	return c.send(models.LockRegion{Type: models.TypeLockRegion, RegionID: regionID})
}

func (c *Client) UnlockRegion(regionID string) error {
	return c.send(models.UnlockRegion{Type: models.TypeUnlockRegion, RegionID: regionID})
}

func (c *Client) RequestStateSync() error {
	return c.send(models.Envelope{Type: models.TypeGetState})
}

/*** Inbound merge ***/

func (c *Client) handleFrame(data []byte) {
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Warn("unparseable server frame", zap.Error(err))
		return
	}

	var merged any
	switch env.Type {
	case models.TypeStateSync:
		var f models.StateSync
		if json.Unmarshal(data, &f) == nil {
			c.applyStateSync(f)
			merged = f
		}

	case models.TypeUserJoined:
		var f models.UserJoined
		if json.Unmarshal(data, &f) == nil {
			c.mu.Lock()
			// The event carries the authoritative active list; replace,
			// never merge, so a missed join/left cannot skew presence.
			c.active = make(map[string]models.ParticipantInfo, len(f.ActiveUsers))
			for _, p := range f.ActiveUsers {
				c.active[p.UserID] = p
			}
			c.mu.Unlock()
			merged = f
		}

	case models.TypeUserLeft:
		var f models.UserLeft
		if json.Unmarshal(data, &f) == nil {
			c.mu.Lock()
			delete(c.active, f.UserID)
			delete(c.cursors, f.UserID)
			c.mu.Unlock()
			merged = f
		}

	case models.TypeCursorUpdate:
		var f models.CursorUpdate
		if json.Unmarshal(data, &f) == nil {
			c.mu.Lock()
			c.cursors[f.UserID] = f.Position
			if p, ok := c.active[f.UserID]; ok {
				pos := f.Position
				p.Cursor = &pos
				c.active[f.UserID] = p
			}
			c.mu.Unlock()
			merged = f
		}

	case models.TypeContentChanged:
		var f models.ContentChanged
		if json.Unmarshal(data, &f) == nil {
			c.mu.Lock()
			for k, v := range f.Changes {
				c.content[k] = v
			}
			c.mu.Unlock()
			merged = f
		}

	case models.TypeChat:
		var f models.ChatEvent
		if json.Unmarshal(data, &f) == nil {
			c.mu.Lock()
			if _, own := c.pendingTags[f.ClientTag]; own {
				delete(c.pendingTags, f.ClientTag)
			} else {
				c.chat = append(c.chat, f)
			}
			c.mu.Unlock()
			merged = f
		}

	case models.TypeRegionLocked:
		var f models.RegionLocked
		if json.Unmarshal(data, &f) == nil {
			c.mu.Lock()
			c.locks[f.RegionID] = models.LockInfo{
				RegionID: f.RegionID, HolderID: f.LockedBy, AcquiredAt: f.Timestamp,
			}
			c.mu.Unlock()
			merged = f
		}

	case models.TypeRegionUnlocked:
		var f models.RegionUnlocked
		if json.Unmarshal(data, &f) == nil {
			c.mu.Lock()
			delete(c.locks, f.RegionID)
			c.mu.Unlock()
			merged = f
		}

	case models.TypeLockDenied:
		var f models.LockDenied
		if json.Unmarshal(data, &f) == nil {
			merged = f
		}

	case models.TypeError:
		var f models.ErrorFrame
		if json.Unmarshal(data, &f) == nil {
			merged = f
		}

	default:
		c.log.Warn("unknown server frame type", zap.String("type", env.Type))
		return
	}

	if merged != nil && c.opts.OnEvent != nil {
		c.opts.OnEvent(merged)
	}
}

func (c *Client) applyStateSync(f models.StateSync) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.content = make(map[string]any, len(f.State))
	for k, v := range f.State {
		c.content[k] = v
	}
	c.cursors = make(map[string]models.CursorPosition, len(f.Cursors))
	for id, pos := range f.Cursors {
		c.cursors[id] = pos
	}
	c.locks = make(map[string]models.LockInfo, len(f.Locks))
	for id, l := range f.Locks {
		c.locks[id] = l
	}
	c.active = make(map[string]models.ParticipantInfo, len(f.ActiveUsers))
	for _, p := range f.ActiveUsers {
		c.active[p.UserID] = p
	}
	c.chat = append([]models.ChatEvent(nil), f.Chat...)
}

/*** Mirror accessors (copies, safe for concurrent use) ***/

func (c *Client) ActiveUsers() map[string]models.ParticipantInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]models.ParticipantInfo, len(c.active))
	for k, v := range c.active {
		out[k] = v
	}
	return out
}

func (c *Client) Cursors() map[string]models.CursorPosition {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]models.CursorPosition, len(c.cursors))
	for k, v := range c.cursors {
		out[k] = v
	}
	return out
}

func (c *Client) Content() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.content))
	for k, v := range c.content {
		out[k] = v
	}
	return out
}

func (c *Client) Locks() map[string]models.LockInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]models.LockInfo, len(c.locks))
	for k, v := range c.locks {
		out[k] = v
	}
	return out
}

func (c *Client) Chat() []models.ChatEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.ChatEvent, len(c.chat))
	copy(out, c.chat)
	return out
}

package api

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"collabcanvas/internal/models"
	"collabcanvas/internal/projects"
	"collabcanvas/internal/session"
	"collabcanvas/internal/store"
	"collabcanvas/internal/utils"
)

type testEnv struct {
	srv       *httptest.Server
	hub       *session.Hub
	store     *store.MemoryStore
	directory *projects.MemoryDirectory
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	hub := session.NewHub(0)
	st := store.NewMemoryStore()
	dir := projects.NewMemoryDirectory(true)
	h := NewHandlers(zap.NewNop(), hub, st, dir, cfg)

	r := chi.NewRouter()
	r.Get("/api/v1/healthz", h.Health)
	r.Get("/api/v1/rooms/{id}", h.RoomStatus)
	r.Get("/api/v1/rooms/{id}/collaborators", h.Collaborators)
	r.Get("/ws/collab/{id}", h.CollabWS)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, hub: hub, store: st, directory: dir}
}

func (e *testEnv) wsURL(roomID, query string) string {
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws/collab/" + roomID
	if query != "" {
		u += "?" + query
	}
	return u
}

func (e *testEnv) dial(t *testing.T, roomID, query string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(e.wsURL(roomID, query), nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial failed (status %d): %v", status, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// dialExpectRefusal asserts the handshake is rejected before the upgrade.
func (e *testEnv) dialExpectRefusal(t *testing.T, roomID, query string, wantStatus int) {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(e.wsURL(roomID, query), nil)
	if err == nil {
		conn.Close()
		t.Fatalf("expected handshake refusal, got an open connection")
	}
	if resp == nil || resp.StatusCode != wantStatus {
		got := 0
		if resp != nil {
			got = resp.StatusCode
		}
		t.Fatalf("expected status %d, got %d", wantStatus, got)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame map[string]any
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

// awaitType reads frames until one of the wanted type arrives, skipping
// interleaved events from other participants.
func awaitType(t *testing.T, conn *websocket.Conn, wantType string) map[string]any {
	t.Helper()
	for i := 0; i < 20; i++ {
		frame := readFrame(t, conn)
		if frame["type"] == wantType {
			return frame
		}
	}
	t.Fatalf("never received a %q frame", wantType)
	return nil
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame any) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// waitForRooms polls the hub until the registry reaches the wanted size, so
// tests can wait out the asynchronous disconnect teardown.
func (e *testEnv) waitForRooms(t *testing.T, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.hub.Rooms() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("hub never reached %d rooms (have %d)", want, e.hub.Rooms())
}

func TestJoinDeliversStateSyncFirst(t *testing.T) {
	env := newTestEnv(t, Config{})

	alice := env.dial(t, "room-1", "user_id=u1&username=alice")
	sync := readFrame(t, alice)
	if sync["type"] != models.TypeStateSync {
		t.Fatalf("first frame must be state_sync, got %v", sync["type"])
	}
	active, _ := sync["active_users"].([]any)
	if len(active) != 1 {
		t.Fatalf("expected self in active_users, got %v", sync["active_users"])
	}

	bob := env.dial(t, "room-1", "user_id=u2&username=bob")
	bobSync := readFrame(t, bob)
	if bobSync["type"] != models.TypeStateSync {
		t.Fatalf("first frame must be state_sync, got %v", bobSync["type"])
	}
	bobActive, _ := bobSync["active_users"].([]any)
	if len(bobActive) != 2 {
		t.Fatalf("expected both users in bob's sync, got %v", bobSync["active_users"])
	}

	joined := awaitType(t, alice, models.TypeUserJoined)
	if joined["user_id"] != "u2" || joined["username"] != "bob" {
		t.Fatalf("unexpected user_joined: %v", joined)
	}
}

func TestLockConflict(t *testing.T) {
	env := newTestEnv(t, Config{})
	alice := env.dial(t, "room-1", "user_id=u1&username=alice")
	readFrame(t, alice)
	bob := env.dial(t, "room-1", "user_id=u2&username=bob")
	readFrame(t, bob)
	awaitType(t, alice, models.TypeUserJoined)

	sendFrame(t, alice, map[string]any{"type": models.TypeLockRegion, "region_id": "header"})

	// region_locked is broadcast to everyone, requester included.
	locked := awaitType(t, alice, models.TypeRegionLocked)
	if locked["region_id"] != "header" || locked["locked_by"] != "u1" {
		t.Fatalf("unexpected region_locked: %v", locked)
	}
	awaitType(t, bob, models.TypeRegionLocked)

	sendFrame(t, bob, map[string]any{"type": models.TypeLockRegion, "region_id": "header"})
	denied := awaitType(t, bob, models.TypeLockDenied)
	if denied["region_id"] != "header" || denied["locked_by"] != "u1" {
		t.Fatalf("unexpected lock_denied: %v", denied)
	}

	// A release by the non-holder fails and leaves the lock in place.
	sendFrame(t, bob, map[string]any{"type": models.TypeUnlockRegion, "region_id": "header"})
	errFrame := awaitType(t, bob, models.TypeError)
	if errFrame["code"] != "not_lock_holder" {
		t.Fatalf("unexpected error code: %v", errFrame["code"])
	}
}

func TestAbruptDisconnectReleasesLocks(t *testing.T) {
	env := newTestEnv(t, Config{})
	alice := env.dial(t, "room-1", "user_id=u1&username=alice")
	readFrame(t, alice)
	bob := env.dial(t, "room-1", "user_id=u2&username=bob")
	readFrame(t, bob)

	sendFrame(t, alice, map[string]any{"type": models.TypeLockRegion, "region_id": "header"})
	awaitType(t, bob, models.TypeRegionLocked)

	// Abrupt close, no leave frame and no close handshake.
	alice.Close()

	unlocked := awaitType(t, bob, models.TypeRegionUnlocked)
	if unlocked["region_id"] != "header" || unlocked["unlocked_by"] != "u1" {
		t.Fatalf("unexpected region_unlocked: %v", unlocked)
	}
	left := awaitType(t, bob, models.TypeUserLeft)
	if left["user_id"] != "u1" {
		t.Fatalf("unexpected user_left: %v", left)
	}

	sendFrame(t, bob, map[string]any{"type": models.TypeLockRegion, "region_id": "header"})
	relocked := awaitType(t, bob, models.TypeRegionLocked)
	if relocked["locked_by"] != "u2" {
		t.Fatalf("freed region must be acquirable, got %v", relocked)
	}
}

func TestIdleConnectionIsReaped(t *testing.T) {
	env := newTestEnv(t, Config{IdleTimeout: 300 * time.Millisecond})

	alice := env.dial(t, "room-1", "user_id=u1&username=alice")
	readFrame(t, alice)
	sendFrame(t, alice, map[string]any{"type": models.TypeLockRegion, "region_id": "header"})
	awaitType(t, alice, models.TypeRegionLocked)

	bob := env.dial(t, "room-1", "user_id=u2&username=bob")
	readFrame(t, bob)

	// Alice goes silent: no frames and no reads, so the server's pings are
	// never answered and the read deadline expires. Bob keeps reading,
	// which answers pings and keeps his connection alive.
	unlocked := awaitType(t, bob, models.TypeRegionUnlocked)
	if unlocked["region_id"] != "header" || unlocked["unlocked_by"] != "u1" {
		t.Fatalf("expected alice's lock auto-released, got %v", unlocked)
	}
	left := awaitType(t, bob, models.TypeUserLeft)
	if left["user_id"] != "u1" {
		t.Fatalf("expected alice's presence removed, got %v", left)
	}

	// The server side closed the connection, so the socket errors out with
	// something other than our local read deadline.
	_ = alice.SetReadDeadline(time.Now().Add(2 * time.Second))
	var err error
	for err == nil {
		_, _, err = alice.ReadMessage()
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		t.Fatalf("server never closed the idle connection")
	}
}

func TestChatRoundTrip(t *testing.T) {
	env := newTestEnv(t, Config{})
	alice := env.dial(t, "room-1", "user_id=u1&username=alice")
	readFrame(t, alice)
	bob := env.dial(t, "room-1", "user_id=u2&username=bob")
	readFrame(t, bob)

	sendFrame(t, bob, map[string]any{"type": models.TypeChat, "message": "hello", "client_tag": "tag-1"})

	msg := awaitType(t, alice, models.TypeChat)
	if msg["user_id"] != "u2" || msg["message"] != "hello" {
		t.Fatalf("unexpected chat: %v", msg)
	}
	echo := awaitType(t, bob, models.TypeChat)
	if echo["client_tag"] != "tag-1" {
		t.Fatalf("sender echo must carry the client tag, got %v", echo)
	}

	// A later joiner replays the history through state_sync.
	carol := env.dial(t, "room-1", "user_id=u3&username=carol")
	carolSync := readFrame(t, carol)
	chat, _ := carolSync["chat"].([]any)
	if len(chat) != 1 {
		t.Fatalf("expected 1 chat entry in sync, got %v", carolSync["chat"])
	}
}

func TestCursorFanOutSkipsSender(t *testing.T) {
	env := newTestEnv(t, Config{})
	alice := env.dial(t, "room-1", "user_id=u1&username=alice")
	readFrame(t, alice)
	bob := env.dial(t, "room-1", "user_id=u2&username=bob")
	readFrame(t, bob)
	awaitType(t, alice, models.TypeUserJoined)

	sendFrame(t, alice, map[string]any{"type": models.TypeCursorMove, "x": 12.5, "y": 7.0, "element": "canvas"})
	cur := awaitType(t, bob, models.TypeCursorUpdate)
	pos, _ := cur["position"].(map[string]any)
	if cur["user_id"] != "u1" || pos == nil || pos["x"] != 12.5 {
		t.Fatalf("unexpected cursor_update: %v", cur)
	}

	// The sender hears chat next, not its own cursor echo.
	sendFrame(t, bob, map[string]any{"type": models.TypeChat, "message": "ping"})
	next := readFrame(t, alice)
	if next["type"] != models.TypeChat {
		t.Fatalf("sender must not receive its own cursor echo, got %v", next["type"])
	}
}

func TestMalformedFramesAreDropped(t *testing.T) {
	env := newTestEnv(t, Config{})
	alice := env.dial(t, "room-1", "user_id=u1&username=alice")
	readFrame(t, alice)
	bob := env.dial(t, "room-1", "user_id=u2&username=bob")
	readFrame(t, bob)

	if err := alice.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	sendFrame(t, alice, map[string]any{"type": "warp_drive"})
	sendFrame(t, alice, map[string]any{"type": models.TypeLockRegion}) // missing region_id

	// The connection survives and ordinary traffic still flows.
	sendFrame(t, alice, map[string]any{"type": models.TypeChat, "message": "still here"})
	msg := awaitType(t, bob, models.TypeChat)
	if msg["message"] != "still here" {
		t.Fatalf("unexpected chat after malformed frames: %v", msg)
	}
}

func TestContentPersistsAcrossRoomTeardown(t *testing.T) {
	env := newTestEnv(t, Config{})
	alice := env.dial(t, "room-1", "user_id=u1&username=alice")
	readFrame(t, alice)

	sendFrame(t, alice, map[string]any{
		"type":    models.TypeContentUpdate,
		"changes": map[string]any{"title": "draft 1"},
	})
	sendFrame(t, alice, map[string]any{"type": models.TypeChat, "message": "note to self"})
	awaitType(t, alice, models.TypeChat)

	sendFrame(t, alice, map[string]any{"type": models.TypeLeave})
	env.waitForRooms(t, 0)

	// A fresh join re-hydrates the snapshot from the store.
	again := env.dial(t, "room-1", "user_id=u1&username=alice")
	sync := readFrame(t, again)
	state, _ := sync["state"].(map[string]any)
	if state == nil || state["title"] != "draft 1" {
		t.Fatalf("expected hydrated content, got %v", sync["state"])
	}
	chat, _ := sync["chat"].([]any)
	if len(chat) != 1 {
		t.Fatalf("expected hydrated chat history, got %v", sync["chat"])
	}
}

func TestStateSyncOnRequest(t *testing.T) {
	env := newTestEnv(t, Config{})
	alice := env.dial(t, "room-1", "user_id=u1&username=alice")
	readFrame(t, alice)

	sendFrame(t, alice, map[string]any{"type": models.TypeLockRegion, "region_id": "header"})
	awaitType(t, alice, models.TypeRegionLocked)

	sendFrame(t, alice, map[string]any{"type": models.TypeGetState})
	sync := awaitType(t, alice, models.TypeStateSync)
	locks, _ := sync["locks"].(map[string]any)
	if _, ok := locks["header"]; !ok {
		t.Fatalf("expected header lock in requested sync, got %v", sync["locks"])
	}
}

func TestViewerCannotMutate(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.directory.Put(&models.Project{
		ID:      "room-1",
		OwnerID: "u1",
		Collaborators: []models.Collaborator{
			{UserID: "u2", Role: models.RoleViewer},
		},
	})

	viewer := env.dial(t, "room-1", "user_id=u2&username=bob")
	readFrame(t, viewer)

	sendFrame(t, viewer, map[string]any{
		"type":    models.TypeContentUpdate,
		"changes": map[string]any{"title": "hijacked"},
	})
	errFrame := awaitType(t, viewer, models.TypeError)
	if errFrame["code"] != "forbidden" {
		t.Fatalf("expected forbidden, got %v", errFrame["code"])
	}

	sendFrame(t, viewer, map[string]any{"type": models.TypeLockRegion, "region_id": "header"})
	denied := awaitType(t, viewer, models.TypeLockDenied)
	if denied["region_id"] != "header" {
		t.Fatalf("expected lock_denied for viewer, got %v", denied)
	}

	// Cursor and chat stay available to viewers.
	sendFrame(t, viewer, map[string]any{"type": models.TypeChat, "message": "just watching"})
	msg := awaitType(t, viewer, models.TypeChat)
	if msg["message"] != "just watching" {
		t.Fatalf("viewer chat failed: %v", msg)
	}
}

func TestJoinRefusals(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.directory.Put(&models.Project{ID: "private-room", OwnerID: "u1"})

	env.dialExpectRefusal(t, "room-1", "username=alice", http.StatusBadRequest)
	env.dialExpectRefusal(t, "private-room", "user_id=intruder", http.StatusForbidden)
}

func TestDuplicateJoinSupersedesOldSocket(t *testing.T) {
	env := newTestEnv(t, Config{})
	old := env.dial(t, "room-1", "user_id=u1&username=alice")
	readFrame(t, old)

	fresh := env.dial(t, "room-1", "user_id=u1&username=alice")
	sync := readFrame(t, fresh)
	active, _ := sync["active_users"].([]any)
	if len(active) != 1 {
		t.Fatalf("duplicate join must not double-count presence, got %v", sync["active_users"])
	}

	// The old socket is closed by the server.
	_ = old.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := old.ReadMessage(); err != nil {
			break
		}
	}

	// The fresh socket keeps working.
	sendFrame(t, fresh, map[string]any{"type": models.TypeChat, "message": "still me"})
	msg := awaitType(t, fresh, models.TypeChat)
	if msg["message"] != "still me" {
		t.Fatalf("fresh socket broken after duplicate join: %v", msg)
	}
}

func TestJWTHandshake(t *testing.T) {
	secret := []byte("test-secret")
	env := newTestEnv(t, Config{JWTSecret: secret})

	env.dialExpectRefusal(t, "room-1", "user_id=u1", http.StatusUnauthorized)

	otherRoom, err := utils.SignRoomToken(secret, "room-2", "u1", "alice", time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	env.dialExpectRefusal(t, "room-1", "token="+otherRoom, http.StatusForbidden)

	good, err := utils.SignRoomToken(secret, "room-1", "u1", "alice", time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	env.dialExpectRefusal(t, "room-1", "user_id=u9&token="+good, http.StatusForbidden)

	conn := env.dial(t, "room-1", "token="+good)
	sync := readFrame(t, conn)
	active, _ := sync["active_users"].([]any)
	if len(active) != 1 {
		t.Fatalf("expected token-derived identity joined, got %v", sync["active_users"])
	}
	first, _ := active[0].(map[string]any)
	if first["user_id"] != "u1" || first["username"] != "alice" {
		t.Fatalf("identity must come from token claims, got %v", first)
	}
}

func TestRoomStatusEndpoint(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp, err := http.Get(env.srv.URL + "/api/v1/rooms/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown room, got %d", resp.StatusCode)
	}

	conn := env.dial(t, "room-1", "user_id=u1&username=alice")
	readFrame(t, conn)
	sendFrame(t, conn, map[string]any{"type": models.TypeLockRegion, "region_id": "header"})
	awaitType(t, conn, models.TypeRegionLocked)

	resp2, err := http.Get(env.srv.URL + "/api/v1/rooms/room-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp2.Body.Close()
	var status models.RoomStatus
	if err := json.NewDecoder(resp2.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.State != models.RoomActive || status.ParticipantCount != 1 || status.LockCount != 1 {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestCollaboratorsEndpoint(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp, err := http.Get(env.srv.URL + "/api/v1/rooms/nope/collaborators")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var empty struct {
		Total int `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&empty); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if empty.Total != 0 {
		t.Fatalf("expected empty collaborator list, got %d", empty.Total)
	}

	conn := env.dial(t, "room-1", "user_id=u1&username=alice")
	readFrame(t, conn)

	resp2, err := http.Get(env.srv.URL + "/api/v1/rooms/room-1/collaborators")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp2.Body.Close()
	var listing struct {
		ActiveUsers []models.ParticipantInfo `json:"active_users"`
		Total       int                      `json:"total"`
	}
	if err := json.NewDecoder(resp2.Body).Decode(&listing); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if listing.Total != 1 || listing.ActiveUsers[0].UserID != "u1" {
		t.Fatalf("unexpected collaborators: %+v", listing)
	}
}

package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/donorlink/donorlink/internal/chat"
	"github.com/donorlink/donorlink/internal/config"
	"github.com/donorlink/donorlink/internal/db"
	"github.com/donorlink/donorlink/internal/notifications"
	"github.com/donorlink/donorlink/internal/presence"
	"github.com/donorlink/donorlink/internal/realtime"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var club = chat.Scope{Kind: chat.ScopeClub, ID: "club-1"}

type testHub struct {
	manager *Manager
	store   *chat.Store
	tracker *presence.Tracker
	server  *httptest.Server
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	// Connection goroutines outlive the test, so they must not log to t.
	logger := zap.NewNop()
	broker := realtime.NewBroker(64, logger)
	store := chat.NewStore(database, broker, logger)
	tracker := presence.NewTracker(time.Hour, time.Minute, logger)
	engine := chat.NewEngine(store, broker, chat.WithTyping(tracker), chat.WithEngineLogger(logger))

	cfg := config.DefaultConfig().Notifications
	m := NewManager(engine, tracker, store, cfg, logger)

	srv := httptest.NewServer(http.HandlerFunc(m.HandleWS))
	t.Cleanup(func() {
		srv.Close()
		engine.CloseAll()
		tracker.Close()
	})
	return &testHub{manager: m, store: store, tracker: tracker, server: srv}
}

func (h *testHub) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "?user_id=" + userID
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	require.Eventually(t, func() bool { return h.manager.Connections(userID) > 0 }, time.Second, 5*time.Millisecond)
	return ws
}

type frame map[string]any

func send(t *testing.T, ws *websocket.Conn, f any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(f))
}

// next reads frames until one of type typ satisfies match.
func next(t *testing.T, ws *websocket.Conn, typ string, match func(frame) bool) frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		ws.SetReadDeadline(deadline)
		var f frame
		require.NoError(t, ws.ReadJSON(&f), "waiting for %s frame", typ)
		if f["type"] == typ && (match == nil || match(f)) {
			return f
		}
	}
}

func messagesOf(f frame) []any {
	msgs, _ := f["messages"].([]any)
	return msgs
}

func TestHandleWSRequiresUser(t *testing.T) {
	h := newTestHub(t)
	rec := httptest.NewRecorder()
	h.manager.HandleWS(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRuntimeContextFollowsAppState(t *testing.T) {
	h := newTestHub(t)

	rc := h.manager.RuntimeContext("u1")
	assert.Equal(t, notifications.AppBackground, rc.AppState)
	assert.Equal(t, notifications.ActivityLow, rc.Activity)

	ws := h.dial(t, "u1")
	rc = h.manager.RuntimeContext("u1")
	assert.Equal(t, notifications.AppForeground, rc.AppState)
	assert.Equal(t, notifications.ActivityHigh, rc.Activity)
	require.Eventually(t, func() bool {
		return h.tracker.Get("u1").Status == presence.StatusOnline
	}, time.Second, 5*time.Millisecond)

	send(t, ws, ClientFrame{Type: FrameAppState, AppState: notifications.AppBackground})
	require.Eventually(t, func() bool {
		return h.manager.RuntimeContext("u1").AppState == notifications.AppBackground
	}, time.Second, 5*time.Millisecond)

	ws.Close()
	require.Eventually(t, func() bool {
		return h.manager.Connections("u1") == 0 && h.tracker.Get("u1").Status == presence.StatusOffline
	}, time.Second, 5*time.Millisecond)
}

func TestActivityLevels(t *testing.T) {
	m := NewManager(nil, nil, nil, config.NotificationsConfig{ActivityHighSeconds: 60, ActivityMediumSeconds: 600}, nil)
	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	c := &Conn{userID: "u1", appState: notifications.AppBackground, scopes: map[chat.Scope]struct{}{}}
	m.conns["u1"] = map[*Conn]struct{}{c: {}}

	tests := []struct {
		idle time.Duration
		want notifications.ActivityLevel
	}{
		{30 * time.Second, notifications.ActivityHigh},
		{5 * time.Minute, notifications.ActivityMedium},
		{time.Hour, notifications.ActivityLow},
	}
	for _, tt := range tests {
		c.lastActivity = now.Add(-tt.idle)
		rc := m.RuntimeContext("u1")
		assert.Equal(t, tt.want, rc.Activity, tt.idle.String())
		assert.Equal(t, notifications.AppBackground, rc.AppState)
		assert.Equal(t, now, rc.Now)
	}
}

func TestDeliverNotification(t *testing.T) {
	h := newTestHub(t)
	n := notifications.InAppNotification{ID: "n1", Type: notifications.EventDirectMessage, Title: "New message"}

	assert.ErrorIs(t, h.manager.Deliver(context.Background(), "u1", n), ErrNotConnected)

	ws := h.dial(t, "u1")
	require.NoError(t, h.manager.Deliver(context.Background(), "u1", n))

	f := next(t, ws, FrameNotification, nil)
	body, _ := f["notification"].(map[string]any)
	assert.Equal(t, "New message", body["title"])

	send(t, ws, ClientFrame{Type: FrameAppState, AppState: notifications.AppBackground})
	require.Eventually(t, func() bool {
		return h.manager.RuntimeContext("u1").AppState == notifications.AppBackground
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, h.manager.Deliver(context.Background(), "u1", n), ErrNotConnected)
}

func TestOpenAndSend(t *testing.T) {
	h := newTestHub(t)
	ws := h.dial(t, "u1")

	scope := club
	send(t, ws, ClientFrame{Type: FrameOpen, Scope: &scope})
	f := next(t, ws, FrameTranscript, nil)
	assert.Empty(t, messagesOf(f))

	send(t, ws, ClientFrame{Type: FrameSend, Scope: &scope, Draft: &chat.Draft{Content: "donating at noon"}})
	f = next(t, ws, FrameTranscript, func(f frame) bool {
		msgs := messagesOf(f)
		if len(msgs) != 1 {
			return false
		}
		m := msgs[0].(map[string]any)
		_, provisional := m["state"]
		return !provisional
	})
	m := messagesOf(f)[0].(map[string]any)
	assert.Equal(t, "donating at noon", m["content"])
	assert.False(t, strings.HasPrefix(m["id"].(string), chat.TempIDPrefix))

	stored, err := h.store.FetchMessages(context.Background(), club, 10, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, m["id"], stored[0].ID)
}

func TestRealtimeAcrossUsers(t *testing.T) {
	h := newTestHub(t)
	alice := h.dial(t, "alice")
	bob := h.dial(t, "bob")

	scope := club
	send(t, alice, ClientFrame{Type: FrameOpen, Scope: &scope})
	next(t, alice, FrameTranscript, nil)
	send(t, bob, ClientFrame{Type: FrameOpen, Scope: &scope})
	next(t, bob, FrameTranscript, nil)

	send(t, bob, ClientFrame{Type: FrameTyping, Scope: &scope, Typing: true})
	f := next(t, alice, FrameTyping, func(f frame) bool {
		users, _ := f["users"].([]any)
		return len(users) == 1
	})
	assert.Equal(t, []any{"bob"}, f["users"])

	send(t, bob, ClientFrame{Type: FrameSend, Scope: &scope, Draft: &chat.Draft{Content: "hi alice"}})
	next(t, alice, FrameTranscript, func(f frame) bool { return len(messagesOf(f)) == 1 })

	// Sending clears the typing indicator.
	assert.Empty(t, h.tracker.Typing(club))
}

func TestOpenDirectRequiresParticipant(t *testing.T) {
	h := newTestHub(t)
	conv, err := h.store.GetOrCreateConversation(context.Background(), "alice", "bob")
	require.NoError(t, err)

	ws := h.dial(t, "mallory")
	scope := chat.Scope{Kind: chat.ScopeDirect, ID: conv.ID}
	send(t, ws, ClientFrame{Type: FrameOpen, Scope: &scope, RequestID: "r1"})

	f := next(t, ws, FrameError, nil)
	assert.Equal(t, "r1", f["request_id"])
	assert.Contains(t, f["message"], "not a participant")
}

func TestRejectsBadFrames(t *testing.T) {
	h := newTestHub(t)
	ws := h.dial(t, "u1")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{")))
	f := next(t, ws, FrameError, nil)
	assert.Equal(t, "invalid frame", f["message"])

	scope := club
	send(t, ws, ClientFrame{Type: FrameSend, Scope: &scope, Draft: &chat.Draft{Content: "x"}})
	f = next(t, ws, FrameError, nil)
	assert.Equal(t, "scope is not open", f["message"])

	send(t, ws, ClientFrame{Type: FramePresence, Status: "invisible"})
	next(t, ws, FrameError, nil)

	raw, err := json.Marshal(map[string]any{"type": "dance", "scope": club})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, raw))
	f = next(t, ws, FrameError, nil)
	assert.Equal(t, "scope is not open", f["message"])
}

func TestEditAndDeleteFrames(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	theirs, err := h.store.InsertMessage(ctx, chat.Message{Scope: club, SenderID: "bob", Content: "bob's note"})
	require.NoError(t, err)
	mine, err := h.store.InsertMessage(ctx, chat.Message{Scope: club, SenderID: "alice", Content: "typo"})
	require.NoError(t, err)

	ws := h.dial(t, "alice")
	scope := club
	send(t, ws, ClientFrame{Type: FrameOpen, Scope: &scope})
	f := next(t, ws, FrameTranscript, nil)
	require.Len(t, messagesOf(f), 2)

	send(t, ws, ClientFrame{Type: FrameEdit, Scope: &scope, RequestID: "r1", MessageID: theirs.ID, Content: "hijacked"})
	f = next(t, ws, FrameError, nil)
	assert.Equal(t, "r1", f["request_id"])
	assert.Contains(t, f["message"], "another user")

	send(t, ws, ClientFrame{Type: FrameEdit, Scope: &scope, MessageID: mine.ID, Content: "fixed"})
	next(t, ws, FrameTranscript, func(f frame) bool {
		for _, raw := range messagesOf(f) {
			if m := raw.(map[string]any); m["id"] == mine.ID {
				return m["content"] == "fixed"
			}
		}
		return false
	})

	send(t, ws, ClientFrame{Type: FrameDelete, Scope: &scope, MessageID: mine.ID})
	f = next(t, ws, FrameTranscript, func(f frame) bool { return len(messagesOf(f)) == 1 })
	assert.Equal(t, theirs.ID, messagesOf(f)[0].(map[string]any)["id"])

	stored, err := h.store.GetMessage(ctx, theirs.ID)
	require.NoError(t, err)
	assert.Equal(t, "bob's note", stored.Content)
	_, err = h.store.GetMessage(ctx, mine.ID)
	assert.ErrorIs(t, err, chat.ErrNotFound)
}

func TestLoadOlderReportsStart(t *testing.T) {
	h := newTestHub(t)
	_, err := h.store.InsertMessage(context.Background(), chat.Message{Scope: club, SenderID: "bob", Content: "first"})
	require.NoError(t, err)

	ws := h.dial(t, "alice")
	scope := club
	send(t, ws, ClientFrame{Type: FrameOpen, Scope: &scope})
	f := next(t, ws, FrameTranscript, nil)
	require.Len(t, messagesOf(f), 1)
	assert.Nil(t, f["start"])

	send(t, ws, ClientFrame{Type: FrameLoadOlder, Scope: &scope})
	f = next(t, ws, FrameTranscript, func(f frame) bool { return f["start"] != nil })
	assert.Equal(t, true, f["start"])
	assert.Len(t, messagesOf(f), 1)
}

func TestOpenAndCloseFromTwoConnections(t *testing.T) {
	h := newTestHub(t)
	a := h.dial(t, "u1")
	b := h.dial(t, "u1")

	scope := club
	for i := 0; i < 25; i++ {
		for _, ws := range []*websocket.Conn{a, b} {
			send(t, ws, ClientFrame{Type: FrameOpen, Scope: &scope})
			send(t, ws, ClientFrame{Type: FrameClose, Scope: &scope})
		}
	}
	send(t, a, ClientFrame{Type: FrameOpen, Scope: &scope})
	send(t, b, ClientFrame{Type: FrameOpen, Scope: &scope})
	send(t, a, ClientFrame{Type: FrameSend, Scope: &scope, Draft: &chat.Draft{Content: "still here"}})

	for _, ws := range []*websocket.Conn{a, b} {
		deadline := time.Now().Add(2 * time.Second)
		for {
			ws.SetReadDeadline(deadline)
			var f frame
			require.NoError(t, ws.ReadJSON(&f))
			require.NotEqual(t, FrameError, f["type"], "unexpected error frame: %v", f["message"])
			if f["type"] == FrameTranscript && len(messagesOf(f)) == 1 && f["messages"].([]any)[0].(map[string]any)["state"] == nil {
				break
			}
		}
	}
}

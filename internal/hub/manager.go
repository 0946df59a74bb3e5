// Package hub is the WebSocket gateway of connected clients. It reports the
// app state used for delivery decisions, shows in-app notifications and
// drives chat sessions and typing indicators.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/donorlink/donorlink/internal/chat"
	"github.com/donorlink/donorlink/internal/config"
	"github.com/donorlink/donorlink/internal/notifications"
	"github.com/donorlink/donorlink/internal/presence"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

// ErrNotConnected is returned when no foreground client of a user can show
// a notification.
var ErrNotConnected = errors.New("no foreground client connected")

// ConversationLookup resolves direct conversations for access checks.
type ConversationLookup interface {
	GetConversation(ctx context.Context, id string) (*chat.Conversation, error)
}

// Manager tracks the connections of every user.
type Manager struct {
	engine      *chat.Engine
	tracker     *presence.Tracker
	convs       ConversationLookup
	highAfter   time.Duration
	mediumAfter time.Duration
	logger      *zap.Logger
	now         func() time.Time
	upgrader    websocket.Upgrader

	mu       sync.Mutex
	conns    map[string]map[*Conn]struct{}
	views    map[viewKey]*view
	keyLocks map[viewKey]*keyLock
}

// keyLock orders opening and closing the session of one view.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

type viewKey struct {
	user  string
	scope chat.Scope
}

// view is one open chat session shared by the connections of its user.
type view struct {
	session *chat.Session
	conns   map[*Conn]struct{}
}

// NewManager creates a Manager. Typing changes from tracker are pushed to
// the connections that have the scope open.
func NewManager(engine *chat.Engine, tracker *presence.Tracker, convs ConversationLookup, cfg config.NotificationsConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		engine:      engine,
		tracker:     tracker,
		convs:       convs,
		highAfter:   time.Duration(cfg.ActivityHighSeconds) * time.Second,
		mediumAfter: time.Duration(cfg.ActivityMediumSeconds) * time.Second,
		logger:      logger,
		now:         time.Now,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns:    make(map[string]map[*Conn]struct{}),
		views:    make(map[viewKey]*view),
		keyLocks: make(map[viewKey]*keyLock),
	}
	if tracker != nil {
		tracker.OnChange(m.onPresenceChange)
	}
	return m
}

// Conn is one client connection.
type Conn struct {
	ws     *websocket.Conn
	userID string

	writeMu sync.Mutex

	mu           sync.Mutex
	appState     notifications.AppState
	lastActivity time.Time
	scopes       map[chat.Scope]struct{}
}

func (c *Conn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

func (c *Conn) touch(at time.Time) {
	c.mu.Lock()
	c.lastActivity = at
	c.mu.Unlock()
}

// HandleWS upgrades the request and serves the connection until it closes.
// The user is identified by the user_id query parameter.
func (m *Manager) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade", zap.Error(err))
		return
	}

	c := m.add(userID, ws)
	defer m.remove(c)

	ctx := context.WithoutCancel(r.Context())
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.logger.Debug("websocket read", zap.String("user_id", userID), zap.Error(err))
			}
			return
		}

		var f ClientFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			m.sendError(c, ErrorFrame{Message: "invalid frame"})
			continue
		}
		c.touch(m.now())
		m.handle(ctx, c, f)
	}
}

func (m *Manager) add(userID string, ws *websocket.Conn) *Conn {
	c := &Conn{
		ws:           ws,
		userID:       userID,
		appState:     notifications.AppForeground,
		lastActivity: m.now(),
		scopes:       make(map[chat.Scope]struct{}),
	}

	m.mu.Lock()
	if m.conns[userID] == nil {
		m.conns[userID] = make(map[*Conn]struct{})
	}
	m.conns[userID][c] = struct{}{}
	total := len(m.conns[userID])
	m.mu.Unlock()

	if m.tracker != nil {
		m.tracker.SetPresence(userID, presence.StatusOnline, time.Time{})
	}
	m.logger.Info("client connected", zap.String("user_id", userID), zap.Int("connections", total))
	return c
}

func (m *Manager) remove(c *Conn) {
	c.mu.Lock()
	scopes := make([]chat.Scope, 0, len(c.scopes))
	for s := range c.scopes {
		scopes = append(scopes, s)
	}
	c.mu.Unlock()
	for _, s := range scopes {
		m.leave(c, s)
	}

	m.mu.Lock()
	conns := m.conns[c.userID]
	delete(conns, c)
	left := len(conns)
	if left == 0 {
		delete(m.conns, c.userID)
	}
	m.mu.Unlock()

	c.ws.Close()
	if left == 0 && m.tracker != nil {
		m.tracker.SetPresence(c.userID, presence.StatusOffline, time.Time{})
	}
	m.logger.Info("client disconnected", zap.String("user_id", c.userID), zap.Int("connections", left))
}

func (m *Manager) handle(ctx context.Context, c *Conn, f ClientFrame) {
	fail := func(err error) {
		ef := ErrorFrame{RequestID: f.RequestID, Scope: f.Scope, TempID: f.TempID, Message: err.Error()}
		var se *chat.SendError
		if errors.As(err, &se) {
			ef.TempID = se.TempID
			ef.Retryable = se.Retryable()
		}
		m.sendError(c, ef)
	}

	switch f.Type {
	case FrameAppState:
		switch f.AppState {
		case notifications.AppForeground, notifications.AppBackground, notifications.AppUnknown:
			c.mu.Lock()
			c.appState = f.AppState
			c.mu.Unlock()
		default:
			fail(fmt.Errorf("unknown app state %q", f.AppState))
		}
		return

	case FrameActivity:
		return

	case FramePresence:
		if !f.Status.Valid() {
			fail(fmt.Errorf("unknown presence status %q", f.Status))
			return
		}
		if m.tracker != nil {
			m.tracker.SetPresence(c.userID, f.Status, time.Time{})
		}
		return
	}

	if f.Scope == nil {
		fail(errors.New("scope is required"))
		return
	}
	scope := *f.Scope

	if f.Type == FrameOpen {
		if err := m.open(ctx, c, scope); err != nil {
			fail(err)
		}
		return
	}
	if f.Type == FrameTyping {
		if !m.isOpen(c, scope) {
			fail(errors.New("scope is not open"))
			return
		}
		if m.tracker != nil {
			m.tracker.SetTyping(scope, c.userID, f.Typing)
		}
		return
	}
	if f.Type == FrameClose {
		m.leave(c, scope)
		return
	}

	s, ok := m.session(c, scope)
	if !ok {
		fail(errors.New("scope is not open"))
		return
	}

	var err error
	switch f.Type {
	case FrameResume:
		err = s.Resume(ctx)
	case FrameSend:
		if f.Draft == nil {
			err = errors.New("draft is required")
			break
		}
		if m.tracker != nil {
			m.tracker.ClearTyping(scope, c.userID)
		}
		_, err = s.Send(ctx, *f.Draft)
	case FrameRetry:
		_, err = s.Retry(ctx, f.TempID)
	case FrameDiscard:
		err = s.Discard(f.TempID)
	case FrameMarkRead:
		_, err = s.MarkRead(ctx)
	case FrameEdit:
		_, err = s.Edit(ctx, f.MessageID, f.Content)
	case FrameDelete:
		err = s.Delete(ctx, f.MessageID)
	case FrameLoadOlder:
		var n int
		if n, err = s.LoadOlder(ctx); err == nil {
			frame := m.transcript(s)
			frame.Start = n == 0
			err = c.writeJSON(frame)
		}
	default:
		err = fmt.Errorf("unknown frame type %q", f.Type)
	}
	if err != nil {
		fail(err)
	}
}

// open joins c to the session of its user in scope and sends the current
// transcript.
func (m *Manager) open(ctx context.Context, c *Conn, scope chat.Scope) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if scope.Kind == chat.ScopeDirect && m.convs != nil {
		conv, err := m.convs.GetConversation(ctx, scope.ID)
		if err != nil {
			return err
		}
		if !conv.Has(c.userID) {
			return chat.ErrNotParticipant
		}
	}

	key := viewKey{user: c.userID, scope: scope}
	unlock := m.lockKey(key)
	defer unlock()

	m.mu.Lock()
	v, ok := m.views[key]
	if ok {
		v.conns[c] = struct{}{}
	}
	m.mu.Unlock()

	if !ok {
		s, err := m.engine.Open(ctx, c.userID, scope)
		if err != nil {
			return err
		}
		m.mu.Lock()
		if v, ok = m.views[key]; !ok {
			v = &view{session: s, conns: make(map[*Conn]struct{})}
			m.views[key] = v
			go m.watch(key, v)
		}
		v.conns[c] = struct{}{}
		m.mu.Unlock()
	}

	c.mu.Lock()
	c.scopes[scope] = struct{}{}
	c.mu.Unlock()

	return c.writeJSON(m.transcript(v.session))
}

func (m *Manager) leave(c *Conn, scope chat.Scope) {
	c.mu.Lock()
	delete(c.scopes, scope)
	c.mu.Unlock()

	key := viewKey{user: c.userID, scope: scope}
	unlock := m.lockKey(key)
	defer unlock()

	m.mu.Lock()
	v, ok := m.views[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(v.conns, c)
	last := len(v.conns) == 0
	if last {
		delete(m.views, key)
	}
	m.mu.Unlock()

	if last {
		v.session.Close()
	}
}

// lockKey serializes open and leave of one user's scope, so that a session
// being closed is never handed to a new view.
func (m *Manager) lockKey(key viewKey) (unlock func()) {
	m.mu.Lock()
	l, ok := m.keyLocks[key]
	if !ok {
		l = &keyLock{}
		m.keyLocks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.keyLocks, key)
		}
		m.mu.Unlock()
	}
}

func (m *Manager) isOpen(c *Conn, scope chat.Scope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.scopes[scope]
	return ok
}

func (m *Manager) session(c *Conn, scope chat.Scope) (*chat.Session, bool) {
	if !m.isOpen(c, scope) {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.views[viewKey{user: c.userID, scope: scope}]
	if !ok {
		return nil, false
	}
	return v.session, true
}

// watch pushes the transcript to the view's connections after every change
// until the session closes.
func (m *Manager) watch(key viewKey, v *view) {
	for range v.session.Changes() {
		frame := m.transcript(v.session)
		for _, c := range m.viewConns(key, v) {
			if err := c.writeJSON(frame); err != nil {
				m.logger.Debug("transcript write failed", zap.String("user_id", c.userID), zap.Error(err))
				c.ws.Close()
			}
		}
	}
}

func (m *Manager) viewConns(key viewKey, v *view) []*Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.views[key] != v {
		return nil
	}
	out := make([]*Conn, 0, len(v.conns))
	for c := range v.conns {
		out = append(out, c)
	}
	return out
}

func (m *Manager) transcript(s *chat.Session) TranscriptFrame {
	f := TranscriptFrame{
		Type:     FrameTranscript,
		Scope:    s.Scope(),
		Messages: s.Messages(),
		Stale:    s.Stale(),
		Typing:   []string{},
	}
	if f.Messages == nil {
		f.Messages = []chat.Message{}
	}
	if m.tracker != nil {
		f.Typing = m.tracker.Typing(s.Scope())
	}
	return f
}

func (m *Manager) onPresenceChange(ch presence.Change) {
	if ch.Kind != presence.ChangeTyping {
		return
	}

	frame := TypingFrame{Type: FrameTyping, Scope: ch.Scope, Users: m.tracker.Typing(ch.Scope)}

	m.mu.Lock()
	var targets []*Conn
	for key, v := range m.views {
		if key.scope != ch.Scope {
			continue
		}
		for c := range v.conns {
			targets = append(targets, c)
		}
	}
	m.mu.Unlock()

	for _, c := range targets {
		if err := c.writeJSON(frame); err != nil {
			c.ws.Close()
		}
	}
}

func (m *Manager) sendError(c *Conn, f ErrorFrame) {
	f.Type = FrameError
	if err := c.writeJSON(f); err != nil {
		m.logger.Debug("error frame write failed", zap.String("user_id", c.userID), zap.Error(err))
	}
}

// RuntimeContext reports how reachable userID is right now: foreground when
// any connection is in the foreground, activity from the most recent frame.
// Users without connections are in the background with low activity.
func (m *Manager) RuntimeContext(userID string) notifications.RuntimeContext {
	now := m.now()
	rc := notifications.RuntimeContext{
		AppState: notifications.AppBackground,
		Activity: notifications.ActivityLow,
		Now:      now,
	}

	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns[userID]))
	for c := range m.conns[userID] {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	var last time.Time
	for _, c := range conns {
		c.mu.Lock()
		if c.appState == notifications.AppForeground {
			rc.AppState = notifications.AppForeground
		}
		if c.lastActivity.After(last) {
			last = c.lastActivity
		}
		c.mu.Unlock()
	}
	if last.IsZero() {
		return rc
	}

	switch idle := now.Sub(last); {
	case idle <= m.highAfter:
		rc.Activity = notifications.ActivityHigh
	case idle <= m.mediumAfter:
		rc.Activity = notifications.ActivityMedium
	}
	return rc
}

// Deliver shows n on every foreground connection of userID.
func (m *Manager) Deliver(_ context.Context, userID string, n notifications.InAppNotification) error {
	m.mu.Lock()
	var targets []*Conn
	for c := range m.conns[userID] {
		targets = append(targets, c)
	}
	m.mu.Unlock()

	frame := NotificationFrame{Type: FrameNotification, Notification: n}
	delivered := 0
	var lastErr error
	for _, c := range targets {
		c.mu.Lock()
		fg := c.appState == notifications.AppForeground
		c.mu.Unlock()
		if !fg {
			continue
		}
		if err := c.writeJSON(frame); err != nil {
			lastErr = err
			c.ws.Close()
			continue
		}
		delivered++
	}

	if delivered > 0 {
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("delivering to %s: %w", userID, lastErr)
	}
	return ErrNotConnected
}

// Connections returns the number of open connections of userID.
func (m *Manager) Connections(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns[userID])
}

// Package presence tracks who is online and who is typing where. The state
// is advisory and lives in memory only.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/donorlink/donorlink/internal/chat"
	"go.uber.org/zap"
)

// Status is a user's advertised availability.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// State is the presence of one user.
type State struct {
	UserID          string    `json:"user_id"`
	Status          Status    `json:"status"`
	LastSeen        time.Time `json:"last_seen"`
	IsTyping        bool      `json:"is_typing"`
	TypingInChannel string    `json:"typing_in_channel,omitempty"`
}

// ChangeKind tells typing changes from presence changes.
type ChangeKind string

const (
	ChangeTyping   ChangeKind = "typing"
	ChangePresence ChangeKind = "presence"
)

// Change is passed to listeners after the tracker state changed.
type Change struct {
	Kind   ChangeKind
	Scope  chat.Scope
	UserID string
	Typing bool
	Status Status
}

// Tracker holds typing indicators per scope and presence per user.
type Tracker struct {
	typingTimeout time.Duration
	ttl           time.Duration
	now           func() time.Time
	logger        *zap.Logger

	mu        sync.Mutex
	typing    map[chat.Scope]map[string]*time.Timer
	presence  map[string]State
	listeners []func(Change)
	closed    bool
}

// NewTracker creates a Tracker. Typing indicators expire after
// typingTimeout without a refresh; users not seen for ttl read as offline.
func NewTracker(typingTimeout, ttl time.Duration, logger *zap.Logger) *Tracker {
	if typingTimeout <= 0 {
		typingTimeout = time.Second
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		typingTimeout: typingTimeout,
		ttl:           ttl,
		now:           time.Now,
		logger:        logger,
		typing:        make(map[chat.Scope]map[string]*time.Timer),
		presence:      make(map[string]State),
	}
}

// OnChange registers fn to be called after every change. Listeners run
// outside the tracker lock and must not block.
func (t *Tracker) OnChange(fn func(Change)) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

// SetTyping starts or stops the typing indicator of userID in scope.
// Starting again refreshes the expiry.
func (t *Tracker) SetTyping(scope chat.Scope, userID string, typing bool) {
	if !typing {
		t.ClearTyping(scope, userID)
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	users := t.typing[scope]
	if users == nil {
		users = make(map[string]*time.Timer)
		t.typing[scope] = users
	}
	if timer, ok := users[userID]; ok {
		timer.Stop()
		users[userID] = t.expireAfter(scope, userID)
		t.mu.Unlock()
		return
	}
	users[userID] = t.expireAfter(scope, userID)
	t.mu.Unlock()

	t.notify(Change{Kind: ChangeTyping, Scope: scope, UserID: userID, Typing: true})
}

// expireAfter must be called with t.mu held.
func (t *Tracker) expireAfter(scope chat.Scope, userID string) *time.Timer {
	var timer *time.Timer
	timer = time.AfterFunc(t.typingTimeout, func() {
		t.mu.Lock()
		current, ok := t.typing[scope][userID]
		if !ok || current != timer {
			t.mu.Unlock()
			return
		}
		t.removeLocked(scope, userID)
		t.mu.Unlock()

		t.logger.Debug("typing expired", zap.String("scope", scope.String()), zap.String("user_id", userID))
		t.notify(Change{Kind: ChangeTyping, Scope: scope, UserID: userID, Typing: false})
	})
	return timer
}

// ClearTyping stops the typing indicator of userID in scope.
func (t *Tracker) ClearTyping(scope chat.Scope, userID string) {
	t.mu.Lock()
	timer, ok := t.typing[scope][userID]
	if ok {
		timer.Stop()
		t.removeLocked(scope, userID)
	}
	t.mu.Unlock()

	if ok {
		t.notify(Change{Kind: ChangeTyping, Scope: scope, UserID: userID, Typing: false})
	}
}

// ClearScope drops every typing indicator in scope.
func (t *Tracker) ClearScope(scope chat.Scope) {
	t.mu.Lock()
	users := t.typing[scope]
	delete(t.typing, scope)
	var stopped []string
	for id, timer := range users {
		timer.Stop()
		stopped = append(stopped, id)
	}
	t.mu.Unlock()

	sort.Strings(stopped)
	for _, id := range stopped {
		t.notify(Change{Kind: ChangeTyping, Scope: scope, UserID: id, Typing: false})
	}
}

// Typing returns the users typing in scope, sorted.
func (t *Tracker) Typing(scope chat.Scope) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := make([]string, 0, len(t.typing[scope]))
	for id := range t.typing[scope] {
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}

// SetPresence records status for userID as of at, or now when at is zero.
// The latest report wins; an older one is ignored. It reports whether the
// state changed.
func (t *Tracker) SetPresence(userID string, status Status, at time.Time) bool {
	if at.IsZero() {
		at = t.now()
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	prev, ok := t.presence[userID]
	if ok && at.Before(prev.LastSeen) {
		t.mu.Unlock()
		return false
	}
	t.presence[userID] = State{UserID: userID, Status: status, LastSeen: at}
	t.mu.Unlock()

	if !ok || prev.Status != status {
		t.notify(Change{Kind: ChangePresence, UserID: userID, Status: status})
	}
	return true
}

// Get returns the presence of userID. Users never seen, or not seen within
// the TTL, are offline.
func (t *Tracker) Get(userID string) State {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.presence[userID]
	if !ok {
		st = State{UserID: userID, Status: StatusOffline}
	} else if t.now().Sub(st.LastSeen) > t.ttl {
		st.Status = StatusOffline
	}

	var scopes []string
	for scope, users := range t.typing {
		if _, typing := users[userID]; typing {
			scopes = append(scopes, scope.String())
		}
	}
	if len(scopes) > 0 {
		sort.Strings(scopes)
		st.IsTyping = true
		st.TypingInChannel = scopes[0]
	}
	return st
}

// Close stops every pending expiry. Later updates are ignored.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for scope, users := range t.typing {
		for _, timer := range users {
			timer.Stop()
		}
		delete(t.typing, scope)
	}
}

func (t *Tracker) removeLocked(scope chat.Scope, userID string) {
	users := t.typing[scope]
	delete(users, userID)
	if len(users) == 0 {
		delete(t.typing, scope)
	}
}

func (t *Tracker) notify(c Change) {
	t.mu.Lock()
	listeners := append(([]func(Change))(nil), t.listeners...)
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(c)
	}
}

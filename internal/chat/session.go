package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TempIDPrefix marks client-side ids of messages not yet stored.
const TempIDPrefix = "tmp-"

// Engine owns the open sessions, one per user and scope.
type Engine struct {
	store    MessageStore
	feed     Feed
	typing   TypingClearer
	pageSize int
	window   time.Duration
	now      func() time.Time
	logger   *zap.Logger

	mu       sync.Mutex
	sessions map[sessionKey]*Session
	opening  map[sessionKey]*pendingOpen
}

// pendingOpen is a session being started. Concurrent opens of the same key
// wait for it instead of starting their own.
type pendingOpen struct {
	done    chan struct{}
	session *Session
	err     error
}

type sessionKey struct {
	user  string
	scope Scope
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithPageSize sets how many messages a fetch loads.
func WithPageSize(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// WithReconcileWindow sets how far apart a pending message and its realtime
// echo may be stamped and still be matched by content.
func WithReconcileWindow(d time.Duration) EngineOption {
	return func(e *Engine) { e.window = d }
}

// WithTyping sets the tracker whose typing state is cleared on Close.
func WithTyping(t TypingClearer) EngineOption {
	return func(e *Engine) { e.typing = t }
}

// WithEngineLogger sets the engine logger.
func WithEngineLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithEngineClock overrides the time source for provisional timestamps.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine.
func NewEngine(store MessageStore, feed Feed, opts ...EngineOption) *Engine {
	e := &Engine{
		store:    store,
		feed:     feed,
		pageSize: 50,
		window:   5 * time.Second,
		now:      time.Now,
		logger:   zap.NewNop(),
		sessions: make(map[sessionKey]*Session),
		opening:  make(map[sessionKey]*pendingOpen),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Open returns the session of userID in scope, creating it when needed. A new
// session subscribes to the feed before loading the latest page so that no
// change between the two is lost.
func (e *Engine) Open(ctx context.Context, userID string, scope Scope) (*Session, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	key := sessionKey{user: userID, scope: scope}

	e.mu.Lock()
	if s, ok := e.sessions[key]; ok {
		e.mu.Unlock()
		return s, nil
	}
	if p, ok := e.opening[key]; ok {
		e.mu.Unlock()
		select {
		case <-p.done:
			return p.session, p.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p := &pendingOpen{done: make(chan struct{})}
	e.opening[key] = p
	e.mu.Unlock()

	s, err := e.start(ctx, userID, scope)

	e.mu.Lock()
	delete(e.opening, key)
	if err == nil {
		e.sessions[key] = s
	}
	p.session, p.err = s, err
	close(p.done)
	e.mu.Unlock()
	return s, err
}

func (e *Engine) start(ctx context.Context, userID string, scope Scope) (*Session, error) {
	s := &Session{
		engine:     e,
		userID:     userID,
		scope:      scope,
		transcript: NewTranscript(),
		changes:    make(chan struct{}, 1),
		done:       make(chan struct{}),
		logger:     e.logger.With(zap.String("user_id", userID), zap.String("scope", scope.String())),
	}
	if err := s.subscribe(ctx); err != nil {
		return nil, err
	}
	if _, err := s.refresh(ctx, false); err != nil {
		s.shutdown()
		return nil, err
	}
	return s, nil
}

// Session returns the open session of userID in scope.
func (e *Engine) Session(userID string, scope Scope) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[sessionKey{user: userID, scope: scope}]
	return s, ok
}

// CloseUser closes every session of userID.
func (e *Engine) CloseUser(userID string) {
	e.mu.Lock()
	var mine []*Session
	for k, s := range e.sessions {
		if k.user == userID {
			mine = append(mine, s)
		}
	}
	e.mu.Unlock()

	for _, s := range mine {
		s.Close()
	}
}

// CloseAll closes every open session.
func (e *Engine) CloseAll() {
	e.mu.Lock()
	all := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		all = append(all, s)
	}
	e.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
}

func (e *Engine) forget(s *Session) {
	e.mu.Lock()
	key := sessionKey{user: s.userID, scope: s.scope}
	if e.sessions[key] == s {
		delete(e.sessions, key)
	}
	e.mu.Unlock()
}

// Session is one user's live view of a scope. It merges optimistic sends,
// fetched pages and realtime events into a single transcript.
type Session struct {
	engine *Engine
	userID string
	scope  Scope
	logger *zap.Logger

	mu         sync.Mutex
	transcript *Transcript
	sub        Subscription
	loop       chan struct{}
	stale      bool
	closed     bool
	changes    chan struct{}
	done       chan struct{}
	wg         sync.WaitGroup
}

// UserID returns the session owner.
func (s *Session) UserID() string { return s.userID }

// Scope returns the scope the session shows.
func (s *Session) Scope() Scope { return s.scope }

// Changes delivers a signal after the transcript changed. Signals coalesce;
// the channel is closed by Close.
func (s *Session) Changes() <-chan struct{} { return s.changes }

// Messages returns a snapshot of the transcript.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript.Messages()
}

// Stale reports whether realtime delivery was interrupted and the transcript
// may be missing changes until Resume.
func (s *Session) Stale() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale
}

// Send appends draft optimistically, stores it and swaps in the stored row.
// On failure the provisional entry is kept as failed and a *SendError is
// returned.
func (s *Session) Send(ctx context.Context, draft Draft) (*Message, error) {
	if err := draft.Validate(); err != nil {
		return nil, err
	}
	if draft.Type == "" {
		draft.Type = TypeText
	}

	now := s.engine.now().UTC()
	temp := Message{
		ID:        TempIDPrefix + uuid.New().String(),
		Scope:     s.scope,
		SenderID:  s.userID,
		Content:   draft.Content,
		Type:      draft.Type,
		ReplyToID: draft.ReplyToID,
		File:      draft.File,
		CreatedAt: now,
		UpdatedAt: now,
		State:     StateSending,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.transcript.Insert(temp)
	s.notifyLocked()
	s.mu.Unlock()

	return s.store(ctx, temp)
}

// Retry resends a failed message.
func (s *Session) Retry(ctx context.Context, tempID string) (*Message, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	m, ok := s.transcript.Get(tempID)
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("message %s: %w", tempID, ErrNotFound)
	}
	if m.State != StateFailed {
		s.mu.Unlock()
		return nil, ErrNotFailed
	}
	now := s.engine.now().UTC()
	m.State = StateSending
	m.CreatedAt, m.UpdatedAt = now, now
	s.transcript.Insert(m)
	s.notifyLocked()
	s.mu.Unlock()

	return s.store(ctx, m)
}

// Discard drops a failed message.
func (s *Session) Discard(tempID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.transcript.Get(tempID)
	if !ok {
		return fmt.Errorf("message %s: %w", tempID, ErrNotFound)
	}
	if m.State != StateFailed {
		return ErrNotFailed
	}
	s.transcript.Remove(tempID)
	s.notifyLocked()
	return nil
}

func (s *Session) store(ctx context.Context, temp Message) (*Message, error) {
	draft := temp
	draft.ID, draft.State = "", ""

	saved, err := s.engine.store.InsertMessage(ctx, draft)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.logger.Warn("message not stored", zap.String("temp_id", temp.ID), zap.Error(err))
		if s.transcript.SetState(temp.ID, StateFailed) {
			s.notifyLocked()
		}
		return nil, &SendError{TempID: temp.ID, Err: err}
	}

	if s.transcript.Replace(temp.ID, *saved) {
		s.notifyLocked()
	}
	return saved, nil
}

// Edit changes the content of one of the user's messages.
func (s *Session) Edit(ctx context.Context, id, content string) (*Message, error) {
	if err := s.checkOwn(ctx, id); err != nil {
		return nil, err
	}

	m, err := s.engine.store.UpdateMessage(ctx, id, content)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.transcript.Update(*m) {
		s.notifyLocked()
	}
	s.mu.Unlock()
	return m, nil
}

// Delete removes one of the user's messages. Deleting a message that is
// already gone succeeds.
func (s *Session) Delete(ctx context.Context, id string) error {
	err := s.checkOwn(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return err
	default:
		if err := s.engine.store.DeleteMessage(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}

	s.mu.Lock()
	if s.transcript.Remove(id) {
		s.notifyLocked()
	}
	s.mu.Unlock()
	return nil
}

// checkOwn reports whether the user may change message id. Messages outside
// the loaded transcript are looked up in the store.
func (s *Session) checkOwn(ctx context.Context, id string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	m, ok := s.transcript.Get(id)
	s.mu.Unlock()

	if !ok {
		stored, err := s.engine.store.GetMessage(ctx, id)
		if err != nil {
			return err
		}
		if stored.Scope != s.scope {
			return fmt.Errorf("message %s: %w", id, ErrNotFound)
		}
		m = *stored
	}
	if m.Provisional() {
		return ErrProvisionalTarget
	}
	if m.SenderID != s.userID {
		return ErrNotOwner
	}
	return nil
}

// MarkRead marks every message addressed to the user as read.
func (s *Session) MarkRead(ctx context.Context) (int, error) {
	return s.engine.store.MarkRead(ctx, s.scope, s.userID)
}

// LoadOlder fetches the page before the oldest loaded message and merges
// it. It returns the number of messages fetched; zero means the start of
// the conversation was reached.
func (s *Session) LoadOlder(ctx context.Context) (int, error) {
	s.mu.Lock()
	offset := s.transcript.Confirmed()
	s.mu.Unlock()

	page, err := s.engine.store.FetchMessages(ctx, s.scope, s.engine.pageSize, offset)
	if err != nil {
		return 0, fmt.Errorf("loading older messages: %w", err)
	}
	s.merge(page, false, 0)
	return len(page), nil
}

// Resume re-subscribes when the realtime stream ended and re-fetches the
// latest page, dropping confirmed messages that no longer exist.
func (s *Session) Resume(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	dead := s.sub == nil
	s.mu.Unlock()

	if dead {
		if err := s.subscribe(ctx); err != nil {
			return err
		}
	}
	if _, err := s.refresh(ctx, true); err != nil {
		return err
	}

	s.mu.Lock()
	s.stale = false
	s.notifyLocked()
	s.mu.Unlock()
	return nil
}

// Close unsubscribes, stops the event loop and clears the user's typing
// indicator. It is safe to call more than once.
func (s *Session) Close() {
	s.engine.forget(s)
	if s.shutdown() && s.engine.typing != nil {
		s.engine.typing.ClearTyping(s.scope, s.userID)
	}
}

func (s *Session) shutdown() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	close(s.done)
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	s.wg.Wait()

	s.mu.Lock()
	close(s.changes)
	s.mu.Unlock()
	return true
}

func (s *Session) subscribe(ctx context.Context) error {
	sub, err := s.engine.feed.Subscribe(ctx, s.scope)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", s.scope, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Unsubscribe()
		return ErrSessionClosed
	}
	s.sub = sub
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(sub)
	return nil
}

func (s *Session) run(sub Subscription) {
	defer s.wg.Done()
	events := sub.Events()
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-events:
			if !ok {
				s.mu.Lock()
				if s.sub == sub {
					s.sub = nil
					if !s.closed {
						s.stale = true
						s.notifyLocked()
					}
				}
				s.mu.Unlock()
				return
			}
			s.apply(ev)
		}
	}
}

func (s *Session) apply(ev FeedEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed bool
	switch ev.Kind {
	case EventInsert:
		if ev.Message == nil {
			return
		}
		m := *ev.Message
		m.State = ""
		_, known := s.transcript.Get(m.ID)
		if !known && m.SenderID == s.userID {
			if tempID, ok := s.transcript.MatchPending(m, s.engine.window); ok {
				changed = s.transcript.Replace(tempID, m)
				break
			}
		}
		changed = s.transcript.Insert(m)

	case EventUpdate:
		if ev.Message == nil {
			return
		}
		m := *ev.Message
		m.State = ""
		changed = s.transcript.Update(m)

	case EventDelete:
		changed = s.transcript.Remove(ev.MessageID)

	case EventStatus:
		if ev.Status == StatusDisconnected && !s.stale {
			s.stale = true
			changed = true
		}
	}

	if changed {
		s.notifyLocked()
	}
}

// refresh loads the latest page. With reconcile set, confirmed entries in
// the covered range that the server no longer has are dropped.
// Realtime events applied while the page is in flight are newer than the
// page and survive reconciliation.
func (s *Session) refresh(ctx context.Context, reconcile bool) (int, error) {
	s.mu.Lock()
	mark := s.transcript.Mark()
	s.mu.Unlock()

	page, err := s.engine.store.FetchMessages(ctx, s.scope, s.engine.pageSize, 0)
	if err != nil {
		return 0, fmt.Errorf("fetching messages: %w", err)
	}
	s.merge(page, reconcile, mark)
	return len(page), nil
}

// merge folds a newest-first page into the transcript. With reconcile set,
// entries up to mark that the page should contain but does not are dropped.
func (s *Session) merge(page []Message, reconcile bool, mark uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed bool
	for i := len(page) - 1; i >= 0; i-- {
		if s.transcript.Insert(page[i]) {
			changed = true
		}
	}

	if reconcile {
		keep := make(map[string]struct{}, len(page))
		for _, m := range page {
			keep[m.ID] = struct{}{}
		}
		var since time.Time
		if len(page) == s.engine.pageSize {
			since = page[len(page)-1].CreatedAt
		}
		if s.transcript.Reconcile(since, mark, keep) > 0 {
			changed = true
		}
	}

	if changed {
		s.notifyLocked()
	}
}

// notifyLocked signals a change without blocking. s.mu must be held.
func (s *Session) notifyLocked() {
	if s.closed {
		return
	}
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

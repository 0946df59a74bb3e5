package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/donorlink/donorlink/internal/db"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// InsertHook is called after a message has been stored.
type InsertHook func(ctx context.Context, m Message)

// Store persists messages, conversations and club membership in SQLite and
// publishes every message write to the realtime feed.
type Store struct {
	db     *db.DB
	pub    Publisher
	logger *zap.Logger
	now    func() time.Time

	mu    sync.RWMutex
	hooks []InsertHook
}

// NewStore creates a Store. pub may be nil when nothing listens.
func NewStore(database *db.DB, pub Publisher, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: database, pub: pub, logger: logger, now: time.Now}
}

// OnInsert registers h to run after every stored message.
func (s *Store) OnInsert(h InsertHook) {
	s.mu.Lock()
	s.hooks = append(s.hooks, h)
	s.mu.Unlock()
}

const messageSelect = `
	SELECT m.id, m.scope_kind, m.scope_id, m.sender_id, m.receiver_id, m.content, m.message_type,
		m.reply_to_id, m.file_url, m.file_name, m.file_size, m.is_edited, m.created_at, m.updated_at,
		EXISTS(SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = m.receiver_id)
	FROM messages m`

// FetchMessages returns a page of the scope, newest first.
func (s *Store) FetchMessages(ctx context.Context, scope Scope, limit, offset int) ([]Message, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, messageSelect+`
		WHERE m.scope_kind = ? AND m.scope_id = ?
		ORDER BY m.created_at DESC, m.rowid DESC
		LIMIT ? OFFSET ?`,
		string(scope.Kind), scope.ID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var result []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		result = append(result, *m)
	}
	return result, rows.Err()
}

// GetMessage retrieves a single message.
func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, messageSelect+" WHERE m.id = ?", id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return m, nil
}

// InsertMessage stores m under a new id and server timestamps and returns
// the authoritative row. Direct messages get their receiver from the
// conversation.
func (s *Store) InsertMessage(ctx context.Context, m Message) (*Message, error) {
	if err := m.Scope.Validate(); err != nil {
		return nil, err
	}
	if m.SenderID == "" {
		return nil, errors.New("message sender is required")
	}
	if m.Type == "" {
		m.Type = TypeText
	}

	var conv *Conversation
	if m.Scope.Kind == ScopeDirect {
		c, err := s.GetConversation(ctx, m.Scope.ID)
		if err != nil {
			return nil, err
		}
		if !c.Has(m.SenderID) {
			return nil, ErrNotParticipant
		}
		conv = c
		m.ReceiverID = c.Other(m.SenderID)
	} else {
		m.ReceiverID = ""
	}

	m.ID = uuid.New().String()
	m.CreatedAt = time.UnixMilli(s.now().UnixMilli()).UTC()
	m.UpdatedAt = m.CreatedAt
	m.IsEdited, m.IsRead, m.State = false, false, ""

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning message insert: %w", err)
	}
	defer tx.Rollback()

	var fileURL, fileName sql.NullString
	var fileSize sql.NullInt64
	if m.File != nil {
		fileURL = sql.NullString{String: m.File.URL, Valid: true}
		fileName = sql.NullString{String: m.File.Name, Valid: m.File.Name != ""}
		fileSize = sql.NullInt64{Int64: m.File.Size, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, scope_kind, scope_id, sender_id, receiver_id, content, message_type,
			reply_to_id, file_url, file_name, file_size, is_edited, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		m.ID, string(m.Scope.Kind), m.Scope.ID, m.SenderID, m.ReceiverID, m.Content, string(m.Type),
		nullString(m.ReplyToID), fileURL, fileName, fileSize,
		m.CreatedAt.UnixMilli(), m.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	if conv != nil {
		if _, err := tx.ExecContext(ctx,
			"UPDATE conversations SET last_message = ?, last_message_at = ? WHERE id = ?",
			preview(m), m.CreatedAt.UnixMilli(), conv.ID); err != nil {
			return nil, fmt.Errorf("updating conversation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing message insert: %w", err)
	}

	stored := m
	s.publish(ctx, FeedEvent{Kind: EventInsert, Scope: m.Scope, Message: &stored})

	s.mu.RLock()
	hooks := append([]InsertHook(nil), s.hooks...)
	s.mu.RUnlock()
	for _, h := range hooks {
		h(ctx, m)
	}

	return &m, nil
}

// UpdateMessage replaces the content of a message and marks it edited.
func (s *Store) UpdateMessage(ctx context.Context, id, content string) (*Message, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE messages SET content = ?, is_edited = 1, updated_at = MAX(updated_at, ?) WHERE id = ?",
		content, s.now().UnixMilli(), id)
	if err != nil {
		return nil, fmt.Errorf("updating message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}

	m, err := s.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Scope.Kind == ScopeDirect {
		if err := s.refreshLastMessage(ctx, m.Scope.ID); err != nil {
			return nil, err
		}
	}

	updated := *m
	s.publish(ctx, FeedEvent{Kind: EventUpdate, Scope: m.Scope, Message: &updated})
	return m, nil
}

// DeleteMessage removes a message.
func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	m, err := s.GetMessage(ctx, id)
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}
	if m.Scope.Kind == ScopeDirect {
		if err := s.refreshLastMessage(ctx, m.Scope.ID); err != nil {
			return err
		}
	}

	s.publish(ctx, FeedEvent{Kind: EventDelete, Scope: m.Scope, MessageID: id})
	return nil
}

// MarkRead records that userID has read every message in scope addressed to
// them and returns how many messages were newly read. Direct messages are
// republished with IsRead set.
func (s *Store) MarkRead(ctx context.Context, scope Scope, userID string) (int, error) {
	if err := scope.Validate(); err != nil {
		return 0, err
	}

	addressed := "m.sender_id != ?"
	if scope.Kind == ScopeDirect {
		addressed = "m.receiver_id = ?"
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id FROM messages m
		WHERE m.scope_kind = ? AND m.scope_id = ? AND `+addressed+`
		AND NOT EXISTS(SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = ?)`,
		string(scope.Kind), scope.ID, userID, userID)
	if err != nil {
		return 0, fmt.Errorf("querying unread messages: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning unread message: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning read receipt: %w", err)
	}
	defer tx.Rollback()

	readAt := s.now().UnixMilli()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO message_reads (message_id, user_id, read_at) VALUES (?, ?, ?) ON CONFLICT DO NOTHING",
			id, userID, readAt); err != nil {
			return 0, fmt.Errorf("recording read receipt: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing read receipts: %w", err)
	}

	if scope.Kind == ScopeDirect {
		for _, id := range ids {
			m, err := s.GetMessage(ctx, id)
			if err != nil {
				continue
			}
			s.publish(ctx, FeedEvent{Kind: EventUpdate, Scope: scope, Message: m})
		}
	}
	return len(ids), nil
}

// GetOrCreateConversation returns the single conversation between a and b,
// creating it on first use. The result is seen from a.
func (s *Store) GetOrCreateConversation(ctx context.Context, a, b string) (*Conversation, error) {
	if a == "" || b == "" {
		return nil, errors.New("both participants are required")
	}
	if a == b {
		return nil, ErrSameParticipant
	}
	lo, hi := a, b
	if hi < lo {
		lo, hi = hi, lo
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, participant_lo, participant_hi) VALUES (?, ?, ?)
		ON CONFLICT(participant_lo, participant_hi) DO NOTHING`,
		uuid.New().String(), lo, hi)
	if err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	var id string
	if err := s.db.QueryRowContext(ctx,
		"SELECT id FROM conversations WHERE participant_lo = ? AND participant_hi = ?", lo, hi).Scan(&id); err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return s.conversationFor(ctx, id, a)
}

// GetConversation retrieves a conversation by id without a viewpoint.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var (
		c      Conversation
		lastAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, participant_lo, participant_hi, last_message, last_message_at
		FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.Participants[0], &c.Participants[1], &c.LastMessage, &lastAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	c.LastMessageAt = millis(lastAt)
	return &c, nil
}

func (s *Store) conversationFor(ctx context.Context, id, viewer string) (*Conversation, error) {
	convs, err := s.listConversations(ctx, viewer, "AND c.id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(convs) == 0 {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return &convs[0], nil
}

// ListConversations returns the conversations of userID, most recent first,
// with the other party and the unread count.
func (s *Store) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	return s.listConversations(ctx, userID, "")
}

func (s *Store) listConversations(ctx context.Context, userID, extra string, extraArgs ...any) ([]Conversation, error) {
	args := []any{userID, userID, userID, userID}
	args = append(args, extraArgs...)

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.participant_lo, c.participant_hi, c.last_message, c.last_message_at,
			u.name, u.email,
			(SELECT COUNT(*) FROM messages m
			 WHERE m.scope_kind = 'direct' AND m.scope_id = c.id AND m.receiver_id = ?
			 AND NOT EXISTS(SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = m.receiver_id))
		FROM conversations c
		LEFT JOIN users u ON u.id = CASE WHEN c.participant_lo = ? THEN c.participant_hi ELSE c.participant_lo END
		WHERE (c.participant_lo = ? OR c.participant_hi = ?) `+extra+`
		ORDER BY COALESCE(c.last_message_at, 0) DESC, c.created_at DESC, c.id`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var result []Conversation
	for rows.Next() {
		var (
			c           Conversation
			lastAt      sql.NullInt64
			name, email sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.Participants[0], &c.Participants[1], &c.LastMessage, &lastAt,
			&name, &email, &c.UnreadCount); err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		c.LastMessageAt = millis(lastAt)
		c.OtherUserID = c.Other(userID)
		c.ParticipantName = name.String
		c.ParticipantEmail = email.String
		result = append(result, c)
	}
	return result, rows.Err()
}

// UpsertUser creates or updates a directory entry.
func (s *Store) UpsertUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, email = excluded.email`,
		u.ID, u.Name, u.Email)
	if err != nil {
		return fmt.Errorf("upserting user: %w", err)
	}
	return nil
}

// AddClubMember adds userID to clubID; adding twice is a no-op.
func (s *Store) AddClubMember(ctx context.Context, clubID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO club_members (club_id, user_id) VALUES (?, ?) ON CONFLICT DO NOTHING", clubID, userID)
	if err != nil {
		return fmt.Errorf("adding club member: %w", err)
	}
	return nil
}

// RemoveClubMember removes userID from clubID.
func (s *Store) RemoveClubMember(ctx context.Context, clubID, userID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM club_members WHERE club_id = ? AND user_id = ?", clubID, userID)
	if err != nil {
		return fmt.Errorf("removing club member: %w", err)
	}
	return nil
}

// ClubMembers lists the members of clubID.
func (s *Store) ClubMembers(ctx context.Context, clubID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id FROM club_members WHERE club_id = ? ORDER BY user_id", clubID)
	if err != nil {
		return nil, fmt.Errorf("querying club members: %w", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning club member: %w", err)
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

// refreshLastMessage recomputes the conversation preview after an edit or delete.
func (s *Store) refreshLastMessage(ctx context.Context, convID string) error {
	var (
		content, msgType string
		createdAt        int64
		fileName         sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT content, message_type, file_name, created_at FROM messages
		WHERE scope_kind = 'direct' AND scope_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`, convID,
	).Scan(&content, &msgType, &fileName, &createdAt)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.ExecContext(ctx,
			"UPDATE conversations SET last_message = '', last_message_at = NULL WHERE id = ?", convID)
	case err == nil:
		m := Message{Content: content, Type: MessageType(msgType)}
		if fileName.Valid {
			m.File = &File{Name: fileName.String}
		}
		_, err = s.db.ExecContext(ctx,
			"UPDATE conversations SET last_message = ?, last_message_at = ? WHERE id = ?",
			preview(m), createdAt, convID)
	}
	if err != nil {
		return fmt.Errorf("refreshing conversation preview: %w", err)
	}
	return nil
}

func (s *Store) publish(ctx context.Context, ev FeedEvent) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Warn("publishing chat event",
			zap.String("scope", ev.Scope.String()),
			zap.String("kind", string(ev.Kind)),
			zap.Error(err))
	}
}

// preview is the conversation list text of m.
func preview(m Message) string {
	if m.Content != "" {
		return m.Content
	}
	switch m.Type {
	case TypeImage:
		return "Photo"
	case TypeVoiceNote:
		return "Voice note"
	}
	if m.File != nil && m.File.Name != "" {
		return m.File.Name
	}
	return "Attachment"
}

// scanner is implemented by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(sc scanner) (*Message, error) {
	var (
		m                          Message
		kind, msgType              string
		replyTo, fileURL, fileName sql.NullString
		fileSize                   sql.NullInt64
		edited, read               bool
		createdAt, updatedAt       int64
	)
	if err := sc.Scan(&m.ID, &kind, &m.Scope.ID, &m.SenderID, &m.ReceiverID, &m.Content, &msgType,
		&replyTo, &fileURL, &fileName, &fileSize, &edited, &createdAt, &updatedAt, &read); err != nil {
		return nil, err
	}

	m.Scope.Kind = ScopeKind(kind)
	m.Type = MessageType(msgType)
	m.ReplyToID = replyTo.String
	m.IsEdited = edited
	m.IsRead = read
	m.CreatedAt = time.UnixMilli(createdAt).UTC()
	m.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if fileURL.Valid {
		m.File = &File{URL: fileURL.String, Name: fileName.String, Size: fileSize.Int64}
	}
	return &m, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func millis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

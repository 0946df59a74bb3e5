package chat

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ScopeKind discriminates club channels from direct conversations.
type ScopeKind string

const (
	ScopeClub   ScopeKind = "club"
	ScopeDirect ScopeKind = "direct"
)

// Scope identifies one conversation transcript. For direct messages the ID
// is the conversation id.
type Scope struct {
	Kind ScopeKind `json:"kind" validate:"required,oneof=club direct"`
	ID   string    `json:"id" validate:"required"`
}

func (s Scope) String() string { return string(s.Kind) + ":" + s.ID }

// Validate checks the scope kind and id.
func (s Scope) Validate() error {
	if s.Kind != ScopeClub && s.Kind != ScopeDirect {
		return fmt.Errorf("unknown scope kind %q", s.Kind)
	}
	if s.ID == "" {
		return errors.New("scope id is required")
	}
	return nil
}

// MessageType is the kind of content a message carries.
type MessageType string

const (
	TypeText      MessageType = "text"
	TypeImage     MessageType = "image"
	TypeFile      MessageType = "file"
	TypeSystem    MessageType = "system"
	TypeVoiceNote MessageType = "voice_note"
)

// SendState marks provisional entries that the server has not confirmed.
type SendState string

const (
	StateSending SendState = "sending"
	StateFailed  SendState = "failed"
)

// File is the attachment metadata of image, file and voice note messages.
type File struct {
	URL  string `json:"url" validate:"required"`
	Name string `json:"name"`
	Size int64  `json:"size" validate:"min=0"`
}

// Message is one transcript entry. ReceiverID and IsRead apply to direct
// messages only.
type Message struct {
	ID         string      `json:"id"`
	Scope      Scope       `json:"scope"`
	SenderID   string      `json:"sender_id"`
	ReceiverID string      `json:"receiver_id,omitempty"`
	Content    string      `json:"content"`
	Type       MessageType `json:"message_type"`
	ReplyToID  string      `json:"reply_to_id,omitempty"`
	File       *File       `json:"file,omitempty"`
	IsEdited   bool        `json:"is_edited"`
	IsRead     bool        `json:"is_read"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
	State      SendState   `json:"state,omitempty"`
}

// Provisional reports whether the entry has not been confirmed by the server.
func (m Message) Provisional() bool { return m.State != "" }

// Draft is the user input for a new message.
type Draft struct {
	Content   string      `json:"content"`
	Type      MessageType `json:"message_type" validate:"omitempty,oneof=text image file system voice_note"`
	ReplyToID string      `json:"reply_to_id,omitempty"`
	File      *File       `json:"file,omitempty"`
}

// Validate rejects drafts with nothing to send.
func (d Draft) Validate() error {
	if d.Content == "" && d.File == nil {
		return errors.New("message needs content or a file")
	}
	return nil
}

// User is the directory entry shown next to conversations.
type User struct {
	ID    string `json:"id" validate:"required"`
	Name  string `json:"name"`
	Email string `json:"email" validate:"omitempty,email"`
}

// Conversation is a direct conversation seen from one participant.
type Conversation struct {
	ID               string     `json:"conversation_id"`
	Participants     [2]string  `json:"participants"`
	OtherUserID      string     `json:"other_user_id,omitempty"`
	ParticipantName  string     `json:"participant_name,omitempty"`
	ParticipantEmail string     `json:"participant_email,omitempty"`
	LastMessage      string     `json:"last_message"`
	LastMessageAt    *time.Time `json:"last_message_at,omitempty"`
	UnreadCount      int        `json:"unread_count"`
}

// Other returns the participant that is not userID.
func (c Conversation) Other(userID string) string {
	if c.Participants[0] == userID {
		return c.Participants[1]
	}
	return c.Participants[0]
}

// Has reports whether userID takes part in the conversation.
func (c Conversation) Has(userID string) bool {
	return c.Participants[0] == userID || c.Participants[1] == userID
}

// EventKind is the type of a realtime feed event.
type EventKind string

const (
	EventInsert EventKind = "insert"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
	EventStatus EventKind = "status"
)

// FeedStatus is the connection state reported by status events.
type FeedStatus string

const (
	StatusConnected    FeedStatus = "connected"
	StatusDisconnected FeedStatus = "disconnected"
)

// FeedEvent is one change delivered by the realtime feed.
type FeedEvent struct {
	Kind      EventKind  `json:"kind"`
	Scope     Scope      `json:"scope"`
	Message   *Message   `json:"message,omitempty"`
	MessageID string     `json:"message_id,omitempty"`
	Status    FeedStatus `json:"status,omitempty"`
}

// Subscription is a live stream of feed events for one scope. The event
// channel is closed when the subscription ends or falls behind.
type Subscription interface {
	Events() <-chan FeedEvent
	Unsubscribe()
}

// Feed opens realtime subscriptions.
type Feed interface {
	Subscribe(ctx context.Context, scope Scope) (Subscription, error)
}

// Publisher fans a change out to the subscribers of its scope.
type Publisher interface {
	Publish(ctx context.Context, ev FeedEvent) error
}

// MessageStore is the authoritative message persistence used by sessions.
type MessageStore interface {
	FetchMessages(ctx context.Context, scope Scope, limit, offset int) ([]Message, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	InsertMessage(ctx context.Context, m Message) (*Message, error)
	UpdateMessage(ctx context.Context, id, content string) (*Message, error)
	DeleteMessage(ctx context.Context, id string) error
	MarkRead(ctx context.Context, scope Scope, userID string) (int, error)
}

// TypingClearer drops a user's typing indicator when they leave a scope.
type TypingClearer interface {
	ClearTyping(scope Scope, userID string)
}

var (
	ErrNotFound          = errors.New("not found")
	ErrSameParticipant   = errors.New("conversation needs two different participants")
	ErrNotParticipant    = errors.New("user is not a participant of this conversation")
	ErrSessionClosed     = errors.New("session closed")
	ErrNotFailed         = errors.New("message is not in failed state")
	ErrNotOwner          = errors.New("message belongs to another user")
	ErrProvisionalTarget = errors.New("message is not confirmed yet")
)

// SendError reports a message that could not be stored. The provisional
// entry stays in the transcript as failed until retried or discarded.
type SendError struct {
	TempID string
	Err    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("sending message %s: %v", e.TempID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Retryable reports whether retrying the same message can succeed.
func (e *SendError) Retryable() bool {
	return !errors.Is(e.Err, ErrNotParticipant) && !errors.Is(e.Err, ErrNotFound)
}

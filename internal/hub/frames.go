package hub

import (
	"github.com/donorlink/donorlink/internal/chat"
	"github.com/donorlink/donorlink/internal/notifications"
	"github.com/donorlink/donorlink/internal/presence"
)

// Client frame types.
const (
	FrameAppState  = "app_state"
	FrameActivity  = "activity"
	FramePresence  = "presence"
	FrameOpen      = "open"
	FrameClose     = "close"
	FrameResume    = "resume"
	FrameSend      = "send"
	FrameRetry     = "retry"
	FrameDiscard   = "discard"
	FrameTyping    = "typing"
	FrameMarkRead  = "mark_read"
	FrameEdit      = "edit"
	FrameDelete    = "delete"
	FrameLoadOlder = "load_older"
)

// Server frame types.
const (
	FrameTranscript   = "transcript"
	FrameNotification = "notification"
	FrameError        = "error"
)

// ClientFrame is a message from a connected client. Which fields are used
// depends on Type.
type ClientFrame struct {
	Type      string                 `json:"type"`
	AppState  notifications.AppState `json:"app_state,omitempty"`
	Status    presence.Status        `json:"status,omitempty"`
	Scope     *chat.Scope            `json:"scope,omitempty"`
	Draft     *chat.Draft            `json:"draft,omitempty"`
	TempID    string                 `json:"temp_id,omitempty"`
	MessageID string                 `json:"message_id,omitempty"`
	Content   string                 `json:"content,omitempty"`
	Typing    bool                   `json:"typing,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// TranscriptFrame carries the full transcript of an open scope.
type TranscriptFrame struct {
	Type     string         `json:"type"`
	Scope    chat.Scope     `json:"scope"`
	Messages []chat.Message `json:"messages"`
	Stale    bool           `json:"stale"`
	Typing   []string       `json:"typing"`
	// Start is set in reply to load_older once no older messages remain.
	Start bool `json:"start,omitempty"`
}

// TypingFrame lists who is typing in a scope.
type TypingFrame struct {
	Type  string     `json:"type"`
	Scope chat.Scope `json:"scope"`
	Users []string   `json:"users"`
}

// NotificationFrame is an in-app notification.
type NotificationFrame struct {
	Type         string                          `json:"type"`
	Notification notifications.InAppNotification `json:"notification"`
}

// ErrorFrame reports a failed client request.
type ErrorFrame struct {
	Type      string      `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Scope     *chat.Scope `json:"scope,omitempty"`
	TempID    string      `json:"temp_id,omitempty"`
	Retryable bool        `json:"retryable,omitempty"`
	Message   string      `json:"message"`
}

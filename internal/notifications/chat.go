package notifications

import (
	"context"
	"sync"

	"github.com/donorlink/donorlink/internal/chat"
	"go.uber.org/zap"
)

// MemberSource lists the members of a club.
type MemberSource interface {
	ClubMembers(ctx context.Context, clubID string) ([]string, error)
}

// ChatNotifier turns stored chat messages into notification events: the
// receiver of a direct message, every other member of a club. Events are
// dispatched in the background so that senders never wait on push delivery.
type ChatNotifier struct {
	dispatcher *Dispatcher
	members    MemberSource
	logger     *zap.Logger
	wg         sync.WaitGroup
}

// NewChatNotifier creates a ChatNotifier.
func NewChatNotifier(d *Dispatcher, members MemberSource, logger *zap.Logger) *ChatNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatNotifier{dispatcher: d, members: members, logger: logger}
}

// OnInsert is a chat.InsertHook.
func (n *ChatNotifier) OnInsert(ctx context.Context, m chat.Message) {
	ctx = context.WithoutCancel(ctx)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for _, ev := range n.events(ctx, m) {
			if _, err := n.dispatcher.Dispatch(ctx, ev); err != nil {
				n.logger.Error("dispatching chat notification",
					zap.String("message_id", m.ID),
					zap.String("user_id", ev.UserID),
					zap.Error(err))
			}
		}
	}()
}

// Wait blocks until every pending dispatch has finished.
func (n *ChatNotifier) Wait() { n.wg.Wait() }

func (n *ChatNotifier) events(ctx context.Context, m chat.Message) []Event {
	data := map[string]string{
		"scope_kind": string(m.Scope.Kind),
		"scope_id":   m.Scope.ID,
		"message_id": m.ID,
		"sender_id":  m.SenderID,
	}
	base := Event{
		Body:        messageBody(m),
		RelatedID:   m.Scope.ID,
		RelatedType: string(m.Scope.Kind),
		Data:        data,
	}

	if m.Scope.Kind == chat.ScopeDirect {
		if m.ReceiverID == "" || m.ReceiverID == m.SenderID {
			return nil
		}
		ev := base
		ev.Type = EventDirectMessage
		ev.UserID = m.ReceiverID
		ev.Title = "New message"
		return []Event{ev}
	}

	members, err := n.members.ClubMembers(ctx, m.Scope.ID)
	if err != nil {
		n.logger.Error("listing club members", zap.String("club_id", m.Scope.ID), zap.Error(err))
		return nil
	}

	typ, title := EventClubMessage, "New club message"
	if m.Type == chat.TypeSystem {
		typ, title = EventClubAnnouncement, "Club announcement"
	}

	var out []Event
	for _, member := range members {
		if member == m.SenderID {
			continue
		}
		ev := base
		ev.Type = typ
		ev.UserID = member
		ev.Title = title
		out = append(out, ev)
	}
	return out
}

func messageBody(m chat.Message) string {
	if m.Content != "" {
		return m.Content
	}
	switch m.Type {
	case chat.TypeImage:
		return "Sent a photo"
	case chat.TypeVoiceNote:
		return "Sent a voice note"
	}
	return "Sent an attachment"
}

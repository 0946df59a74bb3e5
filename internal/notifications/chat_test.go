package notifications

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/donorlink/donorlink/internal/chat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type staticMembers map[string][]string

func (s staticMembers) ClubMembers(_ context.Context, clubID string) ([]string, error) {
	if clubID == "gone" {
		return nil, errors.New("no such club")
	}
	return s[clubID], nil
}

func foregroundFor(users ...string) staticContext {
	rc := staticContext{}
	for _, u := range users {
		rc[u] = rcAt(AppForeground, ActivityHigh, noon)
	}
	return rc
}

func TestChatNotifierDirectMessage(t *testing.T) {
	h := newHarness(t, WithContextSource(foregroundFor("bob")))
	n := NewChatNotifier(h.dispatcher, staticMembers{}, zaptest.NewLogger(t))

	n.OnInsert(context.Background(), chat.Message{
		ID: "m1", Scope: chat.Scope{Kind: chat.ScopeDirect, ID: "conv-1"},
		SenderID: "alice", ReceiverID: "bob", Content: "are you free saturday?", Type: chat.TypeText,
	})
	n.Wait()

	delivered := h.inApp.Delivered()
	require.Len(t, delivered, 1)
	assert.Equal(t, EventDirectMessage, delivered[0].Type)
	assert.Equal(t, "are you free saturday?", delivered[0].Body)
	assert.Equal(t, "conv-1", delivered[0].RelatedID)
	assert.Equal(t, "m1", delivered[0].Data["message_id"])

	logs, err := h.store.List(context.Background(), LogFilter{UserID: "alice"})
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestChatNotifierClubSkipsSender(t *testing.T) {
	h := newHarness(t, WithContextSource(foregroundFor("alice", "bob", "carol")))
	members := staticMembers{"club-1": {"alice", "bob", "carol"}}
	n := NewChatNotifier(h.dispatcher, members, zaptest.NewLogger(t))

	n.OnInsert(context.Background(), chat.Message{
		ID: "m1", Scope: chat.Scope{Kind: chat.ScopeClub, ID: "club-1"},
		SenderID: "alice", Type: chat.TypeImage,
	})
	n.Wait()

	var users []string
	for _, u := range []string{"alice", "bob", "carol"} {
		logs, err := h.store.List(context.Background(), LogFilter{UserID: u})
		require.NoError(t, err)
		for _, l := range logs {
			assert.Equal(t, EventClubMessage, l.EventType)
			users = append(users, l.UserID)
		}
	}
	sort.Strings(users)
	assert.Equal(t, []string{"bob", "carol"}, users)

	for _, d := range h.inApp.Delivered() {
		assert.Equal(t, "Sent a photo", d.Body)
	}
}

func TestChatNotifierSystemMessageIsAnnouncement(t *testing.T) {
	h := newHarness(t, WithContextSource(foregroundFor("bob")))
	n := NewChatNotifier(h.dispatcher, staticMembers{"club-1": {"alice", "bob"}}, zaptest.NewLogger(t))

	n.OnInsert(context.Background(), chat.Message{
		ID: "m1", Scope: chat.Scope{Kind: chat.ScopeClub, ID: "club-1"},
		SenderID: "alice", Content: "drive moved to sunday", Type: chat.TypeSystem,
	})
	n.Wait()

	delivered := h.inApp.Delivered()
	require.Len(t, delivered, 1)
	assert.Equal(t, EventClubAnnouncement, delivered[0].Type)
	assert.Equal(t, "Club announcement", delivered[0].Title)
}

func TestChatNotifierMemberLookupFailure(t *testing.T) {
	h := newHarness(t)
	n := NewChatNotifier(h.dispatcher, staticMembers{}, zaptest.NewLogger(t))

	n.OnInsert(context.Background(), chat.Message{
		ID: "m1", Scope: chat.Scope{Kind: chat.ScopeClub, ID: "gone"}, SenderID: "alice", Content: "hi",
	})
	n.Wait()

	assert.Empty(t, h.inApp.Delivered())
	assert.Empty(t, h.transport.Calls())
}

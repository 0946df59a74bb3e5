package chat

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/donorlink/donorlink/internal/validation"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(t *testing.T) (*chi.Mux, *Store) {
	t.Helper()
	store, _ := setupTestStore(t)
	r := chi.NewRouter()
	RegisterRoutes(r, store, validation.New())
	return r, store
}

func do(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHandleConversations(t *testing.T) {
	r, _ := setupRouter(t)

	rec := do(t, r, http.MethodPut, "/api/chat/users", User{ID: "bob", Name: "Bob", Email: "bob@example.com"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, r, http.MethodPut, "/api/chat/users", User{ID: "eve", Email: "not-an-email"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(t, r, http.MethodPost, "/api/chat/conversations", map[string]string{"user_id": "alice", "other_user_id": "bob"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var conv Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conv))
	assert.Equal(t, "bob", conv.OtherUserID)
	assert.Equal(t, "Bob", conv.ParticipantName)

	rec = do(t, r, http.MethodPost, "/api/chat/conversations", map[string]string{"user_id": "bob", "other_user_id": "alice"})
	var reverse Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reverse))
	assert.Equal(t, conv.ID, reverse.ID)

	rec = do(t, r, http.MethodPost, "/api/chat/conversations", map[string]string{"user_id": "alice", "other_user_id": "alice"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(t, r, http.MethodGet, "/api/chat/conversations?user_id=alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var convs []Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &convs))
	assert.Len(t, convs, 1)

	rec = do(t, r, http.MethodGet, "/api/chat/conversations?user_id=nobody", nil)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = do(t, r, http.MethodGet, "/api/chat/conversations", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleMessages(t *testing.T) {
	r, _ := setupRouter(t)

	rec := do(t, r, http.MethodPost, "/api/chat/club/club-1/messages", map[string]any{
		"sender_id": "u1",
		"content":   "drive on saturday",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var m Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, TypeText, m.Type)

	rec = do(t, r, http.MethodPost, "/api/chat/club/club-1/messages", map[string]any{"sender_id": "u1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, r, http.MethodPost, "/api/chat/club/club-1/messages", map[string]any{
		"sender_id": "u1", "content": "x", "message_type": "sticker",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(t, r, http.MethodGet, "/api/chat/group/club-1/messages", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, r, http.MethodPatch, "/api/chat/messages/"+m.ID, map[string]string{"user_id": "u2", "content": "hijack"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, r, http.MethodPatch, "/api/chat/messages/"+m.ID, map[string]string{"user_id": "u1", "content": "drive on sunday"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, r, http.MethodGet, "/api/chat/club/club-1/messages?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var msgs []Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "drive on sunday", msgs[0].Content)
	assert.True(t, msgs[0].IsEdited)

	rec = do(t, r, http.MethodDelete, "/api/chat/messages/"+m.ID+"?user_id=u1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, r, http.MethodDelete, "/api/chat/messages/"+m.ID+"?user_id=u1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandleDirectMessagesAndRead(t *testing.T) {
	r, store := setupRouter(t)

	rec := do(t, r, http.MethodPost, "/api/chat/conversations", map[string]string{"user_id": "alice", "other_user_id": "bob"})
	var conv Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conv))

	path := "/api/chat/direct/" + conv.ID
	rec = do(t, r, http.MethodPost, path+"/messages", map[string]any{"sender_id": "alice", "content": "hi"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, r, http.MethodPost, path+"/messages", map[string]any{"sender_id": "mallory", "content": "hi"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, r, http.MethodPost, "/api/chat/direct/missing/messages", map[string]any{"sender_id": "alice", "content": "hi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, r, http.MethodPost, path+"/read", map[string]string{"user_id": "bob"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"marked": 1}`, rec.Body.String())

	convs, err := store.ListConversations(t.Context(), "bob")
	require.NoError(t, err)
	assert.Equal(t, 0, convs[0].UnreadCount)
}

func TestHandleAddMember(t *testing.T) {
	r, store := setupRouter(t)

	rec := do(t, r, http.MethodPost, "/api/chat/clubs/club-1/members", map[string]string{"user_id": "u1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, r, http.MethodPost, "/api/chat/clubs/club-1/members", map[string]string{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	members, err := store.ClubMembers(t.Context(), "club-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, members)
}

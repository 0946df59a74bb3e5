package chat

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/donorlink/donorlink/internal/validation"
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes mounts chat endpoints under /api/chat on the given router.
func RegisterRoutes(r chi.Router, store *Store, v *validation.Validator) {
	r.Route("/api/chat", func(r chi.Router) {
		r.Put("/users", handleUpsertUser(store, v))
		r.Post("/clubs/{clubID}/members", handleAddMember(store, v))
		r.Get("/conversations", handleListConversations(store))
		r.Post("/conversations", handleCreateConversation(store, v))
		r.Patch("/messages/{id}", handleEditMessage(store, v))
		r.Delete("/messages/{id}", handleDeleteMessage(store))
		r.Get("/{kind}/{id}/messages", handleListMessages(store))
		r.Post("/{kind}/{id}/messages", handlePostMessage(store, v))
		r.Post("/{kind}/{id}/read", handleMarkRead(store, v))
	})
}

type memberRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

type conversationRequest struct {
	UserID      string `json:"user_id" validate:"required"`
	OtherUserID string `json:"other_user_id" validate:"required,nefield=UserID"`
}

type postMessageRequest struct {
	Draft
	SenderID string `json:"sender_id" validate:"required"`
}

type editRequest struct {
	UserID  string `json:"user_id" validate:"required"`
	Content string `json:"content" validate:"required"`
}

type readRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

func handleUpsertUser(store *Store, v *validation.Validator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var u User
		if !decode(w, r, v, &u) {
			return
		}

		if err := store.UpsertUser(r.Context(), u); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, u)
	}
}

func handleAddMember(store *Store, v *validation.Validator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req memberRequest
		if !decode(w, r, v, &req) {
			return
		}

		clubID := chi.URLParam(r, "clubID")
		if err := store.AddClubMember(r.Context(), clubID, req.UserID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusCreated, map[string]string{"club_id": clubID, "user_id": req.UserID})
	}
}

func handleListConversations(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			validation.WriteError(w, errors.New("user_id is required"))
			return
		}

		convs, err := store.ListConversations(r.Context(), userID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if convs == nil {
			convs = []Conversation{}
		}

		writeJSON(w, http.StatusOK, convs)
	}
}

func handleCreateConversation(store *Store, v *validation.Validator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req conversationRequest
		if !decode(w, r, v, &req) {
			return
		}

		c, err := store.GetOrCreateConversation(r.Context(), req.UserID, req.OtherUserID)
		if err != nil {
			writeStoreError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, c)
	}
}

func handleListMessages(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope, ok := scopeParam(w, r)
		if !ok {
			return
		}

		q := r.URL.Query()
		limit, offset := 50, 0
		if v := q.Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				limit = n
			}
		}
		if v := q.Get("offset"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				offset = n
			}
		}

		msgs, err := store.FetchMessages(r.Context(), scope, limit, offset)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if msgs == nil {
			msgs = []Message{}
		}

		writeJSON(w, http.StatusOK, msgs)
	}
}

func handlePostMessage(store *Store, v *validation.Validator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope, ok := scopeParam(w, r)
		if !ok {
			return
		}
		var req postMessageRequest
		if !decode(w, r, v, &req) {
			return
		}
		if err := req.Draft.Validate(); err != nil {
			validation.WriteError(w, err)
			return
		}

		m, err := store.InsertMessage(r.Context(), Message{
			Scope:     scope,
			SenderID:  req.SenderID,
			Content:   req.Content,
			Type:      req.Type,
			ReplyToID: req.ReplyToID,
			File:      req.File,
		})
		if err != nil {
			writeStoreError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, m)
	}
}

func handleMarkRead(store *Store, v *validation.Validator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope, ok := scopeParam(w, r)
		if !ok {
			return
		}
		var req readRequest
		if !decode(w, r, v, &req) {
			return
		}

		n, err := store.MarkRead(r.Context(), scope, req.UserID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, map[string]int{"marked": n})
	}
}

func handleEditMessage(store *Store, v *validation.Validator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req editRequest
		if !decode(w, r, v, &req) {
			return
		}

		id := chi.URLParam(r, "id")
		if err := checkSender(r, store, id, req.UserID); err != nil {
			writeStoreError(w, err)
			return
		}

		m, err := store.UpdateMessage(r.Context(), id, req.Content)
		if err != nil {
			writeStoreError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, m)
	}
}

func handleDeleteMessage(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			validation.WriteError(w, errors.New("user_id is required"))
			return
		}

		err := checkSender(r, store, id, userID)
		if err == nil {
			err = store.DeleteMessage(r.Context(), id)
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			writeStoreError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func checkSender(r *http.Request, store *Store, id, userID string) error {
	m, err := store.GetMessage(r.Context(), id)
	if err != nil {
		return err
	}
	if m.SenderID != userID {
		return ErrNotOwner
	}
	return nil
}

func scopeParam(w http.ResponseWriter, r *http.Request) (Scope, bool) {
	scope := Scope{Kind: ScopeKind(chi.URLParam(r, "kind")), ID: chi.URLParam(r, "id")}
	if err := scope.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return Scope{}, false
	}
	return scope, true
}

func decode(w http.ResponseWriter, r *http.Request, v *validation.Validator, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		validation.WriteError(w, errors.New("invalid request body"))
		return false
	}
	if err := v.Struct(dst); err != nil {
		validation.WriteError(w, err)
		return false
	}
	return true
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrNotParticipant), errors.Is(err, ErrNotOwner):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, ErrSameParticipant):
		validation.WriteError(w, err)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

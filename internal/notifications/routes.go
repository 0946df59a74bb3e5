package notifications

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/donorlink/donorlink/internal/validation"
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes mounts notification endpoints under /api/notifications on the given router.
func RegisterRoutes(r chi.Router, dispatcher *Dispatcher, prefs *PreferenceStore, store *Store, v *validation.Validator) {
	r.Route("/api/notifications", func(r chi.Router) {
		r.Post("/events", handleDispatch(dispatcher, v))
		r.Get("/classify/{type}", handleClassify())
		r.Get("/preferences/{userID}", handleGetPreferences(prefs))
		r.Patch("/preferences/{userID}", handleUpdatePreferences(prefs, v))
		r.Get("/deliveries", handleListDeliveries(store))
		r.Post("/push-tokens", handleRegisterToken(store, v))
		r.Delete("/push-tokens/{token}", handleRemoveToken(store))
	})
}

// dispatchRequest is an event plus an optional runtime context. Without a
// context the dispatcher asks the connected clients.
type dispatchRequest struct {
	Event
	Context *RuntimeContext `json:"context,omitempty"`
}

func handleDispatch(d *Dispatcher, v *validation.Validator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req dispatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			validation.WriteError(w, errors.New("invalid request body"))
			return
		}
		if err := v.Struct(req); err != nil {
			validation.WriteError(w, err)
			return
		}

		var (
			out *Outcome
			err error
		)
		if req.Context != nil {
			out, err = d.DispatchWithContext(r.Context(), req.Event, *req.Context)
		} else {
			out, err = d.Dispatch(r.Context(), req.Event)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusAccepted, out)
	}
}

func handleClassify() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t := EventType(chi.URLParam(r, "type"))
		cfg, err := Classify(t)

		writeJSON(w, http.StatusOK, map[string]any{
			"type":     t,
			"known":    err == nil,
			"category": CategoryOf(t),
			"config":   cfg,
		})
	}
}

func handleGetPreferences(prefs *PreferenceStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := prefs.Get(r.Context(), chi.URLParam(r, "userID"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, p)
	}
}

func handleUpdatePreferences(prefs *PreferenceStore, v *validation.Validator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var patch PreferencesPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			validation.WriteError(w, errors.New("invalid request body"))
			return
		}
		if err := v.Struct(patch); err != nil {
			validation.WriteError(w, err)
			return
		}

		p, err := prefs.Update(r.Context(), chi.URLParam(r, "userID"), patch)
		if err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) {
				validation.WriteError(w, err)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, p)
	}
}

func handleListDeliveries(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		filter := LogFilter{
			UserID:         q.Get("user_id"),
			NotificationID: q.Get("notification_id"),
			Status:         DeliveryStatus(q.Get("status")),
			Limit:          50,
		}
		if v := q.Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				filter.Limit = n
			}
		}
		if v := q.Get("offset"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				filter.Offset = n
			}
		}

		logs, err := store.List(r.Context(), filter)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if logs == nil {
			logs = []DeliveryLog{}
		}

		writeJSON(w, http.StatusOK, logs)
	}
}

func handleRegisterToken(store *Store, v *validation.Validator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var tok PushToken
		if err := json.NewDecoder(r.Body).Decode(&tok); err != nil {
			validation.WriteError(w, errors.New("invalid request body"))
			return
		}
		if err := v.Struct(tok); err != nil {
			validation.WriteError(w, err)
			return
		}

		if err := store.RegisterToken(r.Context(), tok); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusCreated, tok)
	}
}

func handleRemoveToken(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := store.RemoveToken(r.Context(), chi.URLParam(r, "token")); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/shelf/internal/domain"
	"github.com/MrSnakeDoc/shelf/internal/httpserver/deps"
	"github.com/MrSnakeDoc/shelf/internal/livesync"
	"github.com/MrSnakeDoc/shelf/internal/logger"
)

const maxBodyBytes = 16 << 10

// ListBookmarks returns the caller's live view. The first call of a user
// activates its synchronizer, so the view may still be loading.
func ListBookmarks(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, s, ok := acquire(d, w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, s.View())
	}
}

// CreateBookmark adds a bookmark from a {"title","url"} body.
func CreateBookmark(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := callerID(w, r)
		if !ok {
			return
		}

		var p domain.Payload
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&p); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "body must be a JSON object with title and url")
			return
		}

		var rec domain.Record
		err := mutate(d, userID, func(s *livesync.Synchronizer) (err error) {
			rec, err = s.Create(r.Context(), p)
			return err
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}

		d.Logger.Info("bookmark created",
			logger.String("user_id", userID),
			logger.String("id", rec.ID))
		writeJSON(w, http.StatusCreated, rec)
	}
}

// DeleteBookmark removes the bookmark {id}. Ownership is checked by the Store.
func DeleteBookmark(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := callerID(w, r)
		if !ok {
			return
		}

		id := chi.URLParam(r, "id")
		err := mutate(d, userID, func(s *livesync.Synchronizer) error {
			return s.Delete(r.Context(), id)
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}

		d.Logger.Info("bookmark deleted",
			logger.String("user_id", userID),
			logger.String("id", id))
		w.WriteHeader(http.StatusNoContent)
	}
}

// ResyncBookmarks schedules a full re-fetch of the caller's collection.
func ResyncBookmarks(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := callerID(w, r)
		if !ok {
			return
		}
		err := mutate(d, userID, func(s *livesync.Synchronizer) error {
			return s.Reconcile()
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

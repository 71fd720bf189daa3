package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/shelf/internal/httpserver/deps"
)

// DismissNotice removes notice {id} from the caller's view.
func DismissNotice(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "notice id must be a positive integer")
			return
		}

		_, s, ok := acquire(d, w, r)
		if !ok {
			return
		}
		if !s.Dismiss(id) {
			writeError(w, http.StatusNotFound, "not_found", "no such notice")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

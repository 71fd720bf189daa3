package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MrSnakeDoc/shelf/internal/domain"
	"github.com/MrSnakeDoc/shelf/internal/httpserver/deps"
	"github.com/MrSnakeDoc/shelf/internal/httpserver/mw"
	"github.com/MrSnakeDoc/shelf/internal/livesync"
	"github.com/MrSnakeDoc/shelf/internal/logger"
	"github.com/MrSnakeDoc/shelf/internal/session"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: code, Message: msg})
}

// writeDomainError maps a synchronizer error to a status code.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInactive), errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, string(domain.KindRejected), err.Error())
	case errors.Is(err, domain.ErrForbidden):
		writeError(w, http.StatusForbidden, string(domain.KindRejected), err.Error())
	default:
		switch kind := domain.KindOf(err); kind {
		case domain.KindValidation:
			writeError(w, http.StatusUnprocessableEntity, string(kind), err.Error())
		case domain.KindTransient, domain.KindSubscription:
			writeError(w, http.StatusServiceUnavailable, string(kind), err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
		}
	}
}

// callerID returns the verified user of r. It writes a 401 and returns
// false when there is none.
func callerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := mw.UserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "no identity on request")
		return "", false
	}
	return userID, true
}

// acquire returns the caller's synchronizer. It writes the error response
// itself and returns false when there is none.
func acquire(d deps.Deps, w http.ResponseWriter, r *http.Request) (string, *livesync.Synchronizer, bool) {
	userID, ok := callerID(w, r)
	if !ok {
		return "", nil, false
	}

	s, err := d.Sessions.Acquire(userID)
	if err != nil {
		logAcquireFailure(d, userID, err)
		writeDomainError(w, err)
		return "", nil, false
	}
	return userID, s, true
}

// mutate runs op on the synchronizer of userID. A synchronizer released by
// the reaper between Acquire and op rejects it with domain.ErrInactive
// before touching the Store; op then runs once more on a fresh one.
func mutate(d deps.Deps, userID string, op func(*livesync.Synchronizer) error) error {
	for attempt := 1; ; attempt++ {
		s, err := d.Sessions.Acquire(userID)
		if err != nil {
			logAcquireFailure(d, userID, err)
			return err
		}
		err = op(s)
		if attempt > 1 || !errors.Is(err, domain.ErrInactive) {
			return err
		}
		d.Logger.Debug("session released during request, retrying",
			logger.String("user_id", userID))
	}
}

func logAcquireFailure(d deps.Deps, userID string, err error) {
	d.Logger.Warn("failed to acquire session",
		logger.String("user_id", userID),
		logger.Error(err))
}

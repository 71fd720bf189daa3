package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/shelf/internal/httpserver/deps"
	"github.com/MrSnakeDoc/shelf/internal/httpserver/handlers"
	"github.com/MrSnakeDoc/shelf/internal/httpserver/mw"
)

func init() { Register(registerBookmarks) }

// Mutations share one rate limiter keyed by user. Identity runs first so
// the limiter can see who is calling.
func registerBookmarks(r chi.Router, d deps.Deps) {
	api := r.With(
		mw.EnforceHost(d.AllowedHosts, d.Logger),
		mw.Identity(d.Identity, d.Logger),
	)
	limited := api.With(mw.RateLimit(d.RateLimit), timeout(d))

	api.With(timeout(d)).Get("/api/bookmarks", handlers.ListBookmarks(d))
	limited.Post("/api/bookmarks", handlers.CreateBookmark(d))
	limited.Post("/api/bookmarks/resync", handlers.ResyncBookmarks(d))
	limited.Delete("/api/bookmarks/{id}", handlers.DeleteBookmark(d))
	api.With(timeout(d)).Delete("/api/notices/{id}", handlers.DismissNotice(d))

	// No timeout: the stream lives as long as the client stays.
	api.Get("/api/bookmarks/events", handlers.Events(d))
}

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func (s *Server) routes() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)

	mux.Get("/health", healthCheck)
	mux.Route("/api/streams", func(r chi.Router) {
		r.Get("/", s.listStreams)
		r.Get("/{id}", s.getStream)
		r.Put("/{id}/active", s.setActive)
		r.Get("/{id}/series", s.getSeries)
		r.Get("/{id}/summary", s.getSummary)
	})
	mux.Get("/api/presence", s.getPresence)
	mux.Get("/api/events", s.streamEvents)

	return mux
}

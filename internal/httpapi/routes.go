package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes builds the router. The websocket upgrade handler is mounted by the
// caller so this package stays free of connection lifecycle concerns.
func (s *Server) Routes(wsHandler http.HandlerFunc) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Long-lived connection, kept outside the request timeout.
	r.Get("/ws", wsHandler)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/healthz", s.healthz)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.createSession)
			r.Get("/", s.listSessions)
			r.Post("/join", s.joinSession)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getSession)
				r.Post("/start", s.startSession)
				r.Post("/leave", s.leaveSession)
				r.Delete("/", s.deleteSession)
				r.Put("/deck", s.saveDeckDraft)
				r.Post("/deck/submit", s.submitDeck)
			})
		})

		r.Route("/catalog", func(r chi.Router) {
			r.Get("/artists", s.searchArtists)
			r.Get("/artists/{artistID}/tracks", s.artistTopTracks)
		})
	})

	return r
}

package httpserver

import (
	"time"

	"github.com/go-chi/chi/v5"
)

// quickTimeout bounds the short request/response endpoints. Generation and
// dataset loads run far longer and are bounded by the worker and model
// deadlines instead.
const quickTimeout = 15 * time.Second

// Routes assembles the versioned API and the push endpoint. Process-wide
// middleware (recovery, request ids, tracing, logging, metrics, CORS) is
// layered on by the caller; session enforcement and per-route deadlines
// live here because they follow the handlers.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	// The websocket stays open for the whole session, so no deadline wrapper
	// (http.TimeoutHandler also breaks the hijack the upgrade needs).
	r.Get("/ws", s.WSHandler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Group(func(pub chi.Router) {
			pub.Use(TimeoutMiddleware(quickTimeout))
			pub.Post("/auth/register", s.RegisterHandler())
			pub.Post("/auth/login", s.LoginHandler())
		})

		v1.Group(func(pr chi.Router) {
			pr.Use(s.RequireSession)

			// Long-running: a message cycle streams model turns and a dataset
			// add downloads the source file.
			pr.Post("/conversations/{id}/messages", s.PostMessageHandler())
			pr.Post("/conversations/{id}/datasets", s.AddDatasetHandler())
			pr.Post("/datasets/{id}/refresh", s.RefreshDatasetHandler())

			pr.Group(func(quick chi.Router) {
				quick.Use(TimeoutMiddleware(quickTimeout))
				quick.Post("/auth/logout", s.LogoutHandler())
				quick.Get("/me", s.MeHandler())

				quick.Get("/conversations", s.ListConversationsHandler())
				quick.Post("/conversations", s.CreateConversationHandler())
				quick.Get("/conversations/{id}", s.GetConversationHandler())
				quick.Patch("/conversations/{id}", s.RenameConversationHandler())
				quick.Delete("/conversations/{id}", s.DeleteConversationHandler())
				quick.Post("/conversations/{id}/pin", s.PinConversationHandler())
				quick.Get("/conversations/{id}/messages", s.ListMessagesHandler())
				quick.Post("/conversations/{id}/stop", s.StopGenerationHandler())
				quick.Get("/conversations/{id}/datasets", s.ListDatasetsHandler())
				quick.Delete("/datasets/{id}", s.RemoveDatasetHandler())

				quick.Get("/settings", s.GetSettingsHandler())
				quick.Put("/settings", s.UpdateSettingsHandler())
				quick.Get("/usage", s.UsageHandler())
			})
		})
	})
	return r
}

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(apiHandler *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestLogger(apiHandler.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		// Public routes
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
		r.Post("/webhook/virtual_user_chat", apiHandler.WebhookHandler)

		// User-authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(apiHandler.JWTAuthMiddleware)

			// Persona chat
			r.Post("/virtual_user/{virtual_user_id}/chat", apiHandler.InitiateVirtualUserChatHandler)
			r.Post("/chat_room/{chat_room_id}/virtual_user/{virtual_user_id}/chat", apiHandler.ProcessVirtualUserChatHandler)
			r.Post("/virtual_user/{virtual_user_id}/profile/generate", apiHandler.GenerateProfileHandler)

			// Assistant chat and history
			r.Post("/chat", apiHandler.ChatHandler)
			r.Get("/chat_rooms", apiHandler.ListChatRoomsHandler)
			r.Get("/chat_room/{chat_room_id}/messages", apiHandler.ListMessagesHandler)

			// Generation and retrieval
			r.Post("/generate_reply", apiHandler.GenerateReplyHandler)
			r.Post("/embeddings", apiHandler.AddEmbeddingsHandler)
			r.Delete("/embeddings", apiHandler.DeleteEmbeddingsHandler)
		})
	})

	return r
}

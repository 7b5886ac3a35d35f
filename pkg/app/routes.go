package app

import (
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marketChat/pkg/middleware"
)

func (s *Server) Routes() *chi.Mux {
	origins := s.options.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := s.router
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}))
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Authenticator(s.verifier))

		r.Get("/conversations", s.GetConversations())
		r.Get("/conversations/{otherUserId}", s.GetThread())
		r.Post("/conversations/{conversationId}/read", s.MarkConversationRead())
		r.Patch("/conversations/{conversationId}", s.UpdateUserConversation())
		r.Post("/messages", s.SendMessage())
		r.Get("/orders/{orderId}", s.GetOrder())
		r.Get("/ws", s.ServeWs())
	})

	return r
}

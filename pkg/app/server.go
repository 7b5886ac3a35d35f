package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"marketChat/pkg/api"
	"marketChat/pkg/middleware"
)

type Options struct {
	Addr        string
	CORSOrigins []string
	// Live and REST sends allowed per user per second, and the burst on top.
	SendRate  float64
	SendBurst int
}

type Server struct {
	router      *chi.Mux
	chatService api.ChatService
	verifier    middleware.TokenVerifier
	hub         *api.Hub
	limiter     *api.SendLimiter
	options     Options
}

func NewServer(router *chi.Mux, chatService api.ChatService, verifier middleware.TokenVerifier, options Options) *Server {
	s := &Server{
		router:      router,
		chatService: chatService,
		verifier:    verifier,
		hub:         api.NewHub(),
		limiter:     api.NewSendLimiter(options.SendRate, options.SendBurst),
		options:     options,
	}
	s.Routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Hub() *api.Hub {
	return s.hub
}

// Run serves until SIGHUP, SIGINT, SIGTERM or SIGQUIT, then shuts down with a
// 30 second grace period.
func (s *Server) Run() error {
	go s.hub.Run()
	defer s.hub.Stop()

	server := &http.Server{Addr: s.options.Addr, Handler: s.router}

	// Server run context
	serverCtx, serverStopCtx := context.WithCancel(context.Background())

	// Listen for syscall signals for process to interrupt/quit
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		<-sig

		// Shutdown signal with grace period of 30 seconds
		shutdownCtx, cancelFunc := context.WithTimeout(serverCtx, 30*time.Second)

		// Cancels shutdownCtx if shutdown occurs before timeout
		defer cancelFunc()

		go func() {
			<-shutdownCtx.Done()
			if shutdownCtx.Err() == context.DeadlineExceeded {
				log.Fatal().Msg("Graceful shutdown timed out, forcing exit")
			}
		}()

		// Websocket connections are hijacked; the hub closes them.
		s.hub.Stop()

		// Trigger graceful shutdown
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Shutdown failed")
		}
		serverStopCtx()
	}()

	log.Info().Str("addr", s.options.Addr).Msg("Listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	<-serverCtx.Done()
	return nil
}

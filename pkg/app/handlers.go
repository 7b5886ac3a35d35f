package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"marketChat/pkg/api"
	"marketChat/pkg/middleware"
)

// Upper bound for request bodies.
const maxBodySize = 64 << 10

var upgrader = websocket.Upgrader{
	ReadBufferSize:  8092,
	WriteBufferSize: 8092,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Warning string      `json:"warning,omitempty"`
	Message string      `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Unable to encode response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := http.StatusText(status)
	switch {
	case errors.Is(err, api.ErrNotFound):
		status, message = http.StatusNotFound, err.Error()
	case errors.Is(err, api.ErrForbidden):
		status, message = http.StatusForbidden, err.Error()
	case errors.Is(err, api.ErrInvalidRequest):
		status, message = http.StatusBadRequest, err.Error()
	case errors.Is(err, api.ErrRateLimited):
		status, message = http.StatusTooManyRequests, err.Error()
	default:
		log.Error().Err(err).Msg("Request failed")
	}
	writeJSON(w, status, response{Success: false, Message: message})
}

func (s *Server) GetConversations() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// UID from Access Token contained in Authorization header
		uid := middleware.UID(r.Context())

		conversations, err := s.chatService.GetConversations(r.Context(), uid)
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, response{Success: true, Data: conversations})
		log.Debug().Str("uid", uid).Int("count", len(conversations)).Msg("Retrieved conversations")
	}
}

func (s *Server) GetThread() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := middleware.UID(r.Context())

		query := api.ThreadQuery{
			OtherUserId: chi.URLParam(r, "otherUserId"),
			OrderId:     r.URL.Query().Get("orderId"),
			Page:        queryInt(r, "page", 1),
			Limit:       queryInt(r, "limit", 0),
		}

		messages, err := s.chatService.GetThread(r.Context(), uid, query)
		if err != nil {
			writeError(w, err)
			return
		}
		if messages == nil {
			messages = []api.Message{}
		}

		writeJSON(w, http.StatusOK, response{Success: true, Data: messages})
	}
}

func (s *Server) SendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := middleware.UID(r.Context())

		var request api.SendMessageRequest
		decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&request); err != nil {
			writeError(w, fmt.Errorf("%w: %v", api.ErrInvalidRequest, err))
			return
		}

		if !s.limiter.Allow(uid, time.Now()) {
			writeError(w, api.ErrRateLimited)
			return
		}

		message, warning, err := s.chatService.SendMessage(r.Context(), uid, request)
		if err != nil {
			writeError(w, err)
			return
		}
		api.CountSent(api.PathREST, message.IsFiltered)

		// Live clients see REST sends as well.
		s.hub.Publish(message)

		writeJSON(w, http.StatusCreated, response{Success: true, Data: message, Warning: warning})
	}
}

func (s *Server) MarkConversationRead() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := middleware.UID(r.Context())
		conversationId := chi.URLParam(r, "conversationId")

		if err := s.chatService.MarkConversationRead(r.Context(), uid, conversationId); err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, response{Success: true})
		log.Debug().Str("uid", uid).Str("conversationId", conversationId).Msg("Marked conversation as read")
	}
}

func (s *Server) UpdateUserConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := middleware.UID(r.Context())
		conversationId := chi.URLParam(r, "conversationId")

		patchJSON, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
		if err != nil {
			writeError(w, fmt.Errorf("%w: %v", api.ErrInvalidRequest, err))
			return
		}

		if err := s.chatService.UpdateUserConversation(r.Context(), patchJSON, uid, conversationId); err != nil {
			writeError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) GetOrder() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := middleware.UID(r.Context())

		order, err := s.chatService.GetOrder(r.Context(), uid, chi.URLParam(r, "orderId"))
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, response{Success: true, Data: order})
	}
}

func (s *Server) ServeWs() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := middleware.UID(r.Context())

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("Websocket upgrade failed")
			return
		}

		log.Info().Str("uid", uid).Msg("Connected to websocket")
		client := api.NewClient(s.hub, conn, make(chan []byte, 256), uid, s.chatService, s.limiter)
		if !client.Hub.Register(client) {
			_ = conn.Close()
			return
		}

		// Allow collection of memory referenced by the caller by doing all work in
		// new goroutines.
		go client.WritePump()
		go client.ReadPump()
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	value, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return fallback
	}
	return value
}

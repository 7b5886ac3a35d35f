// Copyright 2013 The Gorilla WebSocket Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package api

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 8192
)

// Client is a middleman between the ws connection and the Hub.
type Client struct {
	Hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan []byte

	// ID of the user
	id string

	// Access to chat features
	chatService ChatService

	limiter *SendLimiter

	logger zerolog.Logger
}

func NewClient(hub *Hub, conn *websocket.Conn, send chan []byte, id string, chatService ChatService, limiter *SendLimiter) *Client {
	return &Client{
		Hub:         hub,
		conn:        conn,
		send:        send,
		id:          id,
		chatService: chatService,
		limiter:     limiter,
		logger:      log.With().Str("uid", id).Logger(),
	}
}

// ReadPump pumps messages from the ws connection to the Hub.
//
// The application runs ReadPump in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Client) ReadPump() {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.Hub.Unregister(c)
		if err := c.conn.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("Could not close network connection")
		}
	}()
	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error().Err(err).Msg("Unable to set read deadline")
		return
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Msg("Unexpected websocket close")
			}
			return
		}

		events, errs := DecodeEvents(frame)
		for _, err := range errs {
			c.logger.Warn().Err(err).Msg("Could not process message")
		}
		for _, event := range events {
			if err := c.handle(ctx, event); err != nil {
				c.logger.Info().Err(err).Str("event", event.Type).Msg("Rejected event")
				c.reply(EventError, ErrorEvent{Message: err.Error()})
			}
		}
	}
}

func (c *Client) handle(ctx context.Context, event Event) error {
	switch event.Type {
	case EventJoinConversation:
		var join JoinConversation
		if err := json.Unmarshal(event.Data, &join); err != nil {
			return ErrInvalidRequest
		}
		if err := c.authorizeRoom(ctx, join.ConversationId, join.OtherUserId, join.OrderId); err != nil {
			return err
		}
		c.Hub.Join(c, join.ConversationId)
	case EventLeaveConversation:
		var leave LeaveConversation
		if err := json.Unmarshal(event.Data, &leave); err != nil {
			return ErrInvalidRequest
		}
		c.Hub.Leave(c, leave.ConversationId)
	case EventSendMessage:
		var request SendMessageRequest
		if err := json.Unmarshal(event.Data, &request); err != nil {
			return ErrInvalidRequest
		}
		if !c.limiter.Allow(c.id, time.Now()) {
			return ErrRateLimited
		}
		message, _, err := c.chatService.SendMessage(ctx, c.id, request)
		if err != nil {
			return err
		}
		CountSent(PathLive, message.IsFiltered)
		c.Hub.Publish(message)
	default:
		return errors.New("unknown event type " + event.Type)
	}
	return nil
}

// authorizeRoom lets the user join a direct room they are paired in, or an
// order room they may read.
func (c *Client) authorizeRoom(ctx context.Context, conversationId, otherUserId, orderId string) error {
	key := ParseConversationId(conversationId)
	if key.IsOrderScoped() {
		if orderId != "" && orderId != key.OrderId {
			return ErrInvalidRequest
		}
		_, err := c.chatService.GetOrder(ctx, c.id, key.OrderId)
		return err
	}
	if otherUserId == "" || DirectConversationId(c.id, otherUserId) != conversationId {
		return ErrForbidden
	}
	return nil
}

// reply queues an event for this connection only.
func (c *Client) reply(eventType string, payload interface{}) {
	message, err := EncodeEvent(eventType, payload)
	if err != nil {
		return
	}
	c.Hub.SendTo(c, message)
}

// WritePump pumps messages from the Hub to the ws connection.
//
// A goroutine running WritePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// Add queued chat messages to the current ws message.
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write(newline)
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package messenger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"marketChat/pkg/api"
)

const (
	// Time allowed to write a frame to the server.
	writeWait = 10 * time.Second

	// Time allowed between server pings before the connection counts as lost.
	pongWait = 60 * time.Second

	// Maximum frame size accepted from the server.
	maxFrameSize = 1 << 20

	// Outbound frames queued per connection.
	sendBuffer = 64
)

// LiveChannel is the persistent push connection the stores share.
type LiveChannel interface {
	Connect()
	Disconnect()
	Connected() bool
	JoinConversation(conversationId, otherUserId, orderId string)
	LeaveConversation(conversationId, orderId string)
	SendMessage(request api.SendMessageRequest) bool
	OnNewMessage(handler func(api.Message)) (unsubscribe func())
}

type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "disconnected"
}

type ChannelConfig struct {
	// URL of the websocket endpoint, e.g. ws://localhost:8080/ws.
	URL   string
	Token string

	Dialer  *websocket.Dialer
	Logger  *zerolog.Logger
	BackOff func() backoff.BackOff
}

// Channel keeps one websocket open to the backend, redialing with
// exponential backoff until Disconnect. Joined rooms survive reconnects.
type Channel struct {
	url        string
	dialer     *websocket.Dialer
	logger     zerolog.Logger
	newBackOff func() backoff.BackOff

	mu    sync.Mutex
	state ConnectionState
	rooms map[string]api.JoinConversation
	conn  *connection
	stop  chan struct{}
	wg    sync.WaitGroup

	listenersMu  sync.RWMutex
	listeners    map[uint64]func(api.Message)
	errListeners map[uint64]func(string)
	nextListener uint64
}

type connection struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *connection) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

func NewChannel(config ChannelConfig) (*Channel, error) {
	u, err := url.Parse(config.URL)
	if err != nil {
		return nil, fmt.Errorf("channel url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("channel url: unsupported scheme %q", u.Scheme)
	}
	if config.Token != "" {
		query := u.Query()
		query.Set("token", config.Token)
		u.RawQuery = query.Encode()
	}

	dialer := config.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	newBackOff := config.BackOff
	if newBackOff == nil {
		newBackOff = defaultBackOff
	}

	return &Channel{
		url:          u.String(),
		dialer:       dialer,
		logger:       logger.With().Str("component", "channel").Logger(),
		newBackOff:   newBackOff,
		rooms:        make(map[string]api.JoinConversation),
		listeners:    make(map[uint64]func(api.Message)),
		errListeners: make(map[uint64]func(string)),
	}, nil
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Connect starts the connection loop. Calling it again while running is a no-op.
func (c *Channel) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stop != nil {
		return
	}
	c.stop = make(chan struct{})
	c.state = StateConnecting
	c.wg.Add(1)
	go c.run(c.stop)
}

// Disconnect closes the connection and forgets joined rooms. Listeners stay
// registered. It must not be called from a listener.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	stop := c.stop
	if stop == nil {
		c.mu.Unlock()
		return
	}
	c.stop = nil
	close(stop)
	conn := c.conn
	c.conn = nil
	c.rooms = make(map[string]api.JoinConversation)
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		conn.close()
	}
	c.wg.Wait()
}

func (c *Channel) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) Connected() bool {
	return c.State() == StateConnected
}

// JoinConversation subscribes to a conversation room. While not connected the
// join is remembered and sent once the connection is up.
func (c *Channel) JoinConversation(conversationId, otherUserId, orderId string) {
	join := api.JoinConversation{ConversationId: conversationId, OtherUserId: otherUserId, OrderId: orderId}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.rooms[conversationId]; ok && existing == join {
		return
	}
	c.rooms[conversationId] = join
	if c.conn != nil {
		c.enqueue(c.conn, api.EventJoinConversation, join)
	}
}

func (c *Channel) LeaveConversation(conversationId, orderId string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.rooms[conversationId]; !ok {
		return
	}
	delete(c.rooms, conversationId)
	if c.conn != nil {
		c.enqueue(c.conn, api.EventLeaveConversation, api.LeaveConversation{ConversationId: conversationId, OrderId: orderId})
	}
}

// SendMessage queues a send_message event. It reports false without
// blocking when there is no connection or the outbound queue is full.
func (c *Channel) SendMessage(request api.SendMessageRequest) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.state != StateConnected {
		return false
	}
	return c.enqueue(c.conn, api.EventSendMessage, request)
}

// OnNewMessage registers handler for every new_message event. Handlers run on
// the read goroutine.
func (c *Channel) OnNewMessage(handler func(api.Message)) (unsubscribe func()) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	id := c.nextListener
	c.nextListener++
	c.listeners[id] = handler

	return func() {
		c.listenersMu.Lock()
		defer c.listenersMu.Unlock()
		delete(c.listeners, id)
	}
}

// OnError registers handler for error events sent by the server.
func (c *Channel) OnError(handler func(message string)) (unsubscribe func()) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	id := c.nextListener
	c.nextListener++
	c.errListeners[id] = handler

	return func() {
		c.listenersMu.Lock()
		defer c.listenersMu.Unlock()
		delete(c.errListeners, id)
	}
}

// enqueue must be called with mu held.
func (c *Channel) enqueue(conn *connection, eventType string, payload interface{}) bool {
	frame, err := api.EncodeEvent(eventType, payload)
	if err != nil {
		c.logger.Error().Err(err).Str("event", eventType).Msg("Could not encode event")
		return false
	}
	select {
	case conn.send <- frame:
		return true
	default:
		c.logger.Warn().Str("event", eventType).Msg("Outbound queue full")
		return false
	}
}

func (c *Channel) run(stop chan struct{}) {
	defer c.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	b := c.newBackOff()
	for {
		ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err == nil {
			b.Reset()
			if conn, replay := c.attach(stop, ws); conn != nil {
				c.serve(conn, replay)
				c.detach(stop, conn)
			} else {
				_ = ws.Close()
				return
			}
		} else {
			c.logger.Warn().Err(err).Msg("Could not connect")
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			c.mu.Lock()
			if c.stop == stop {
				c.stop = nil
				c.state = StateDisconnected
			}
			c.mu.Unlock()
			return
		}
		select {
		case <-stop:
			return
		case <-time.After(wait):
		}
	}
}

// attach installs ws as the current connection and returns the join frames
// to replay. It returns nil when Disconnect ran during the dial.
func (c *Channel) attach(stop chan struct{}, ws *websocket.Conn) (*connection, [][]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stop != stop {
		return nil, nil
	}

	conn := &connection{ws: ws, send: make(chan []byte, sendBuffer), done: make(chan struct{})}
	c.conn = conn
	c.state = StateConnected

	replay := make([][]byte, 0, len(c.rooms))
	for _, join := range c.rooms {
		frame, err := api.EncodeEvent(api.EventJoinConversation, join)
		if err == nil {
			replay = append(replay, frame)
		}
	}
	c.logger.Info().Int("rooms", len(replay)).Msg("Connected")
	return conn, replay
}

func (c *Channel) detach(stop chan struct{}, conn *connection) {
	conn.close()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == conn {
		c.conn = nil
	}
	if c.stop == stop {
		c.state = StateConnecting
		c.logger.Info().Msg("Connection lost, reconnecting")
	}
}

func (c *Channel) serve(conn *connection, replay [][]byte) {
	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		c.writePump(conn, replay)
	}()

	c.readPump(conn)
	conn.close()
	writer.Wait()
}

func (c *Channel) readPump(conn *connection) {
	ws := conn.ws
	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-conn.done:
			default:
				c.logger.Warn().Err(err).Msg("Read failed")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		events, errs := api.DecodeEvents(frame)
		for _, err := range errs {
			c.logger.Warn().Err(err).Msg("Could not decode event")
		}
		for _, event := range events {
			c.dispatch(event)
		}
	}
}

func (c *Channel) writePump(conn *connection, replay [][]byte) {
	write := func(frame []byte) bool {
		_ = conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			c.logger.Warn().Err(err).Msg("Write failed")
			conn.close()
			return false
		}
		return true
	}

	for _, frame := range replay {
		if !write(frame) {
			return
		}
	}
	for {
		select {
		case frame := <-conn.send:
			if !write(frame) {
				return
			}
		case <-conn.done:
			return
		}
	}
}

func (c *Channel) dispatch(event api.Event) {
	switch event.Type {
	case api.EventNewMessage:
		var message api.Message
		if err := json.Unmarshal(event.Data, &message); err != nil {
			c.logger.Warn().Err(err).Msg("Could not decode new_message")
			return
		}
		c.listenersMu.RLock()
		handlers := make([]func(api.Message), 0, len(c.listeners))
		for _, handler := range c.listeners {
			handlers = append(handlers, handler)
		}
		c.listenersMu.RUnlock()

		for _, handler := range handlers {
			handler(message)
		}
	case api.EventError:
		var payload api.ErrorEvent
		_ = json.Unmarshal(event.Data, &payload)
		c.logger.Warn().Str("message", payload.Message).Msg("Server error event")

		c.listenersMu.RLock()
		handlers := make([]func(string), 0, len(c.errListeners))
		for _, handler := range c.errListeners {
			handlers = append(handlers, handler)
		}
		c.listenersMu.RUnlock()

		for _, handler := range handlers {
			handler(payload.Message)
		}
	default:
		c.logger.Debug().Str("event", event.Type).Msg("Ignoring event")
	}
}

var _ LiveChannel = (*Channel)(nil)

package api

import (
	"github.com/rs/zerolog/log"
)

// Hub maintains the set of active clients and the conversation rooms they
// joined, and fans new messages out to them.
type Hub struct {
	// Registered clients, by user id.
	clients map[string][]*Client

	// Room members, by conversation id.
	rooms map[string]map[*Client]bool

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Room membership changes.
	join  chan membership
	leave chan membership

	// Messages to deliver to participants and room members.
	send chan OutgoingEvent

	// Frames for a single client.
	direct chan directMessage

	done chan struct{}
}

type directMessage struct {
	client  *Client
	message []byte
}

type membership struct {
	client         *Client
	conversationId string
}

// OutgoingEvent is a stored message and the users it must reach regardless
// of which rooms they joined.
type OutgoingEvent struct {
	Message      Message
	Participants []string
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string][]*Client),
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		join:       make(chan membership),
		leave:      make(chan membership),
		send:       make(chan OutgoingEvent, 64),
		direct:     make(chan directMessage, 64),
		done:       make(chan struct{}),
	}
}

// Publish queues message for delivery to its sender, recipient and room.
func (h *Hub) Publish(message Message) {
	event := OutgoingEvent{Message: message}
	for _, id := range []string{message.SenderId(), message.RecipientId()} {
		if id != "" {
			event.Participants = append(event.Participants, id)
		}
	}

	select {
	case h.send <- event:
	case <-h.done:
	}
}

// SendTo queues a frame for one client. The frame is dropped if the client is
// gone or its buffer is full.
func (h *Hub) SendTo(client *Client, message []byte) {
	select {
	case h.direct <- directMessage{client: client, message: message}:
	case <-h.done:
	}
}

// Register adds client to the hub. It reports false once the hub is stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) Join(client *Client, conversationId string) {
	select {
	case h.join <- membership{client: client, conversationId: conversationId}:
	case <-h.done:
	}
}

func (h *Hub) Leave(client *Client, conversationId string) {
	select {
	case h.leave <- membership{client: client, conversationId: conversationId}:
	case <-h.done:
	}
}

// Stop ends Run. Registered clients are closed.
func (h *Hub) Stop() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			for _, clients := range h.clients {
				for _, client := range clients {
					close(client.send)
				}
			}
			h.clients = make(map[string][]*Client)
			h.rooms = make(map[string]map[*Client]bool)
			connectedClients.Set(0)
			return
		case client := <-h.register:
			h.clients[client.id] = append(h.clients[client.id], client)
			connectedClients.Inc()
		case client := <-h.unregister:
			if h.removeClient(client) {
				close(client.send)
			}
		case m := <-h.join:
			if !h.registered(m.client) {
				continue
			}
			members, ok := h.rooms[m.conversationId]
			if !ok {
				members = make(map[*Client]bool)
				h.rooms[m.conversationId] = members
			}
			members[m.client] = true
		case m := <-h.leave:
			if members, ok := h.rooms[m.conversationId]; ok {
				delete(members, m.client)
				if len(members) == 0 {
					delete(h.rooms, m.conversationId)
				}
			}
		case outgoingEvent := <-h.send:
			h.deliver(outgoingEvent)
		case d := <-h.direct:
			if !h.registered(d.client) {
				continue
			}
			select {
			case d.client.send <- d.message:
			default:
				droppedEvents.Inc()
			}
		}
	}
}

func (h *Hub) deliver(outgoingEvent OutgoingEvent) {
	message, err := EncodeEvent(EventNewMessage, outgoingEvent.Message)
	if err != nil {
		log.Error().Err(err).Msg("Could not process outgoing message")
		return
	}

	// A client that is both a participant and a room member gets the event once.
	targets := make(map[*Client]bool)
	for _, uid := range outgoingEvent.Participants {
		for _, client := range h.clients[uid] {
			targets[client] = true
		}
	}
	for client := range h.rooms[outgoingEvent.Message.ConversationId] {
		targets[client] = true
	}

	for client := range targets {
		select {
		case client.send <- message:
		default:
			droppedEvents.Inc()
			log.Warn().Str("uid", client.id).Msg("Client send buffer full, disconnecting")
			if h.removeClient(client) {
				close(client.send)
			}
		}
	}
}

func (h *Hub) registered(client *Client) bool {
	for _, c := range h.clients[client.id] {
		if c == client {
			return true
		}
	}
	return false
}

// removeClient drops client from the client list and every room. It reports
// whether the client was registered.
func (h *Hub) removeClient(client *Client) bool {
	clients, ok := h.clients[client.id]
	if !ok {
		return false
	}

	found := false
	for i := 0; i < len(clients); i++ {
		if client == clients[i] {
			length := len(clients) - 1

			// Remove element at position i
			clients[i] = clients[length]
			clients[length] = nil
			h.clients[client.id] = clients[:length]

			// If no clients exist with id then remove key from clients map
			if len(h.clients[client.id]) == 0 {
				delete(h.clients, client.id)
			}
			found = true
			break
		}
	}
	if !found {
		return false
	}

	for conversationId, members := range h.rooms {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, conversationId)
		}
	}
	connectedClients.Dec()

	return true
}

package messenger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"marketChat/pkg/api"
)

var errBackend = errors.New("backend unavailable")

var (
	userClient     = api.User{Id: "U2", FirstName: "Cora", LastName: "Client", Role: api.RoleClient}
	userFreelancer = api.User{Id: "U1", FirstName: "Fynn", LastName: "Freelancer", Role: api.RoleFreelancer}
	userOther      = api.User{Id: "U3", FirstName: "Otto", LastName: "Other", Role: api.RoleClient}
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return baseTime.Add(time.Duration(minutes) * time.Minute)
}

func newMessage(id, conversationId string, sender, recipient api.User, minutes int) api.Message {
	s, r := sender, recipient
	return api.Message{
		Id:             id,
		ConversationId: conversationId,
		Sender:         &s,
		Recipient:      &r,
		Content:        "content of " + id,
		MessageType:    api.MessageTypeText,
		CreatedAt:      at(minutes),
	}
}

type fakeGateway struct {
	mu sync.Mutex

	conversations []api.Conversation
	listErr       error
	onList        func()

	threads    map[string][]api.Message
	threadErr  error
	onThread   func(otherUserId, orderId string, page int)
	threadCall []string

	sendResult SendResult
	sendErr    error
	onSend     func()
	sent       []api.SendMessageRequest

	markErr  error
	markRead []string

	orders    map[string]*api.Order
	orderCall []string
}

func threadKey(otherUserId, orderId string) string {
	if orderId != "" {
		return "order:" + orderId
	}
	return "user:" + otherUserId
}

func (g *fakeGateway) ListConversations(context.Context) ([]api.Conversation, error) {
	if g.onList != nil {
		g.onList()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listErr != nil {
		return nil, g.listErr
	}
	conversations := make([]api.Conversation, len(g.conversations))
	copy(conversations, g.conversations)
	return conversations, nil
}

func (g *fakeGateway) GetThread(_ context.Context, otherUserId, orderId string, page, limit int) ([]api.Message, error) {
	g.mu.Lock()
	g.threadCall = append(g.threadCall, fmt.Sprintf("%s#%d", threadKey(otherUserId, orderId), page))
	hook := g.onThread
	g.mu.Unlock()

	if hook != nil {
		hook(otherUserId, orderId, page)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.threadErr != nil {
		return nil, g.threadErr
	}

	// Stored oldest first; page 1 is the newest slice.
	all := g.threads[threadKey(otherUserId, orderId)]
	end := len(all) - (page-1)*limit
	if end <= 0 {
		return []api.Message{}, nil
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	messages := make([]api.Message, end-start)
	copy(messages, all[start:end])
	return messages, nil
}

func (g *fakeGateway) SendMessage(_ context.Context, request api.SendMessageRequest) (SendResult, error) {
	if g.onSend != nil {
		g.onSend()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, request)
	if g.sendErr != nil {
		return SendResult{}, g.sendErr
	}
	return g.sendResult, nil
}

func (g *fakeGateway) MarkRead(_ context.Context, conversationId string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.markRead = append(g.markRead, conversationId)
	return g.markErr
}

func (g *fakeGateway) GetOrder(_ context.Context, orderId string) (*api.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.orderCall = append(g.orderCall, orderId)
	if order, ok := g.orders[orderId]; ok {
		return order, nil
	}
	return nil, api.ErrNotFound
}

func (g *fakeGateway) marked() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.markRead...)
}

func (g *fakeGateway) sends() []api.SendMessageRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]api.SendMessageRequest(nil), g.sent...)
}

type fakeChannel struct {
	mu sync.Mutex

	connected bool
	accept    bool
	sent      []api.SendMessageRequest
	log       []string
	connects  int

	handlers map[int]func(api.Message)
	next     int
}

func newFakeChannel(connected bool) *fakeChannel {
	return &fakeChannel{connected: connected, accept: true, handlers: make(map[int]func(api.Message))}
}

func (c *fakeChannel) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	c.connected = true
	c.log = append(c.log, "connect")
}

func (c *fakeChannel) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.log = append(c.log, "disconnect")
}

func (c *fakeChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeChannel) JoinConversation(conversationId, _, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, "join:"+conversationId)
}

func (c *fakeChannel) LeaveConversation(conversationId, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, "leave:"+conversationId)
}

func (c *fakeChannel) SendMessage(request api.SendMessageRequest) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || !c.accept {
		return false
	}
	c.sent = append(c.sent, request)
	return true
}

func (c *fakeChannel) OnNewMessage(handler func(api.Message)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.next
	c.next++
	c.handlers[id] = handler
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers, id)
	}
}

// push delivers message to every subscriber, as the read loop would.
func (c *fakeChannel) push(message api.Message) {
	c.mu.Lock()
	handlers := make([]func(api.Message), 0, len(c.handlers))
	for _, handler := range c.handlers {
		handlers = append(handlers, handler)
	}
	c.mu.Unlock()
	for _, handler := range handlers {
		handler(message)
	}
}

func (c *fakeChannel) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.log...)
}

func (c *fakeChannel) subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers)
}

type markerFunc func(ctx context.Context, conversationId string) error

func (f markerFunc) MarkConversationRead(ctx context.Context, conversationId string) error {
	return f(ctx, conversationId)
}

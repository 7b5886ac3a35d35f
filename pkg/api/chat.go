package api

import (
	"context"
	"fmt"
	"strings"
	"time"

	jsonPatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

var markReadPatch = []byte(`[{"op":"replace","path":"/unreadCount","value":0}]`)

type ChatService interface {
	GetConversations(ctx context.Context, userId string) ([]Conversation, error)
	GetThread(ctx context.Context, userId string, query ThreadQuery) ([]Message, error)
	SendMessage(ctx context.Context, userId string, request SendMessageRequest) (Message, string, error)
	MarkConversationRead(ctx context.Context, userId string, conversationId string) error
	UpdateUserConversation(ctx context.Context, patchJson []byte, userId string, conversationId string) error
	GetOrder(ctx context.Context, userId string, orderId string) (*Order, error)
}

type ChatRepository interface {
	AddMessage(ctx context.Context, message Message) (Message, error)
	GetConversations(ctx context.Context, userId string) ([]Conversation, error)
	GetMessages(ctx context.Context, conversationId string, page int, limit int) ([]Message, error)
	UpdateUserConversation(ctx context.Context, patchJson []byte, userId string, conversationId string) error
	GetOrder(ctx context.Context, orderId string) (*Order, error)
}

type chatService struct {
	storage ChatRepository
	users   UserService
	policy  ContentPolicy

	now   func() time.Time
	newId func() string
}

func NewChatService(storage ChatRepository, users UserService, policy ContentPolicy) ChatService {
	if policy == nil {
		policy = PassThroughPolicy{}
	}
	return &chatService{
		storage: storage,
		users:   users,
		policy:  policy,
		now:     time.Now,
		newId:   uuid.NewString,
	}
}

func (c *chatService) GetConversations(ctx context.Context, userId string) ([]Conversation, error) {
	conversations, err := c.storage.GetConversations(ctx, userId)
	if err != nil {
		return nil, err
	}

	for i := range conversations {
		conversations[i] = NormalizeConversation(conversations[i])
	}

	return conversations, nil
}

func (c *chatService) GetThread(ctx context.Context, userId string, query ThreadQuery) ([]Message, error) {
	if query.Page < 1 {
		query.Page = 1
	}
	if query.Limit < 1 {
		query.Limit = defaultPageSize
	}
	if query.Limit > maxPageSize {
		query.Limit = maxPageSize
	}

	var conversationId string
	if query.OrderId != "" {
		if _, err := c.GetOrder(ctx, userId, query.OrderId); err != nil {
			return nil, err
		}
		conversationId = OrderConversationId(query.OrderId)
	} else {
		if query.OtherUserId == "" || query.OtherUserId == userId {
			return nil, fmt.Errorf("%w: other user id is required", ErrInvalidRequest)
		}
		conversationId = DirectConversationId(userId, query.OtherUserId)
	}

	return c.storage.GetMessages(ctx, conversationId, query.Page, query.Limit)
}

func (c *chatService) SendMessage(ctx context.Context, userId string, request SendMessageRequest) (Message, string, error) {
	var message Message

	content := strings.TrimSpace(request.Content)
	if content == "" {
		return message, "", fmt.Errorf("%w: content is empty", ErrInvalidRequest)
	}

	messageType := request.MessageType
	switch messageType {
	case "":
		messageType = MessageTypeText
	case MessageTypeText, MessageTypeSystem:
	default:
		return message, "", fmt.Errorf("%w: unknown message type %q", ErrInvalidRequest, messageType)
	}

	sender, err := c.users.GetUser(ctx, userId)
	if err != nil {
		return message, "", err
	}

	var (
		conversationId string
		recipient      User
		order          *Order
	)
	if request.OrderId != "" {
		order, err = c.storage.GetOrder(ctx, request.OrderId)
		if err != nil {
			return message, "", err
		}
		if !order.HasParty(userId) {
			return message, "", fmt.Errorf("%w: user %s is not a party of order %s", ErrForbidden, userId, order.Id)
		}
		counterpart := order.Counterpart(userId)
		if counterpart == nil {
			return message, "", fmt.Errorf("%w: order %s has no counterpart", ErrInvalidRequest, order.Id)
		}
		if request.RecipientId != "" && request.RecipientId != counterpart.Id {
			return message, "", fmt.Errorf("%w: recipient is not the other party of order %s", ErrInvalidRequest, order.Id)
		}
		recipient = *counterpart
		conversationId = OrderConversationId(order.Id)
	} else {
		if request.RecipientId == "" || request.RecipientId == userId {
			return message, "", fmt.Errorf("%w: recipient id is required", ErrInvalidRequest)
		}
		recipient, err = c.users.GetUser(ctx, request.RecipientId)
		if err != nil {
			return message, "", err
		}
		conversationId = DirectConversationId(userId, recipient.Id)
	}

	reviewed, warning := c.policy.Review(content)

	message = Message{
		Id:             c.newId(),
		ConversationId: conversationId,
		Sender:         &sender,
		Recipient:      &recipient,
		Content:        reviewed,
		MessageType:    messageType,
		CreatedAt:      c.now().UTC(),
		Order:          order,
		IsFiltered:     warning != "",
	}

	stored, err := c.storage.AddMessage(ctx, message)
	if err != nil {
		return Message{}, "", err
	}

	return stored, warning, nil
}

func (c *chatService) MarkConversationRead(ctx context.Context, userId string, conversationId string) error {
	return c.storage.UpdateUserConversation(ctx, markReadPatch, userId, conversationId)
}

func (c *chatService) UpdateUserConversation(ctx context.Context, patchJson []byte, userId string, conversationId string) error {
	if _, err := jsonPatch.DecodePatch(patchJson); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	return c.storage.UpdateUserConversation(ctx, patchJson, userId, conversationId)
}

func (c *chatService) GetOrder(ctx context.Context, userId string, orderId string) (*Order, error) {
	order, err := c.storage.GetOrder(ctx, orderId)
	if err != nil {
		return nil, err
	}
	if order.HasParty(userId) {
		return order, nil
	}

	user, err := c.users.GetUser(ctx, userId)
	if err != nil {
		return nil, err
	}
	if user.Role != RoleAdmin {
		return nil, fmt.Errorf("%w: order %s", ErrForbidden, orderId)
	}

	return order, nil
}

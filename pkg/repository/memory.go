package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	jsonPatch "github.com/evanphx/json-patch/v5"

	"marketChat/pkg/api"
)

type memoryConversation struct {
	participants []string
	orderId      string
	messages     []api.Message
}

// MemoryStorage is a Storage held in process memory. Users and orders are
// seeded with PutUser and PutOrder.
type MemoryStorage struct {
	mu                sync.RWMutex
	users             map[string]api.UserModel
	orders            map[string]api.OrderModel
	conversations     map[string]*memoryConversation
	userConversations map[string]map[string]*api.UserConversation
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		users:             make(map[string]api.UserModel),
		orders:            make(map[string]api.OrderModel),
		conversations:     make(map[string]*memoryConversation),
		userConversations: make(map[string]map[string]*api.UserConversation),
	}
}

func (s *MemoryStorage) PutUser(user api.User) {
	s.mu.Lock()
	defer s.mu.Unlock()

	firstName, lastName := user.FirstName, user.LastName
	s.users[user.Id] = api.UserModel{
		UID:            user.Id,
		FirstName:      &firstName,
		LastName:       &lastName,
		Role:           string(user.Role),
		ProfilePicture: user.ProfilePicture,
	}
}

func (s *MemoryStorage) PutOrder(orderId, title, clientId, freelancerId string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.orders[orderId] = api.OrderModel{
		Id:           orderId,
		Title:        &title,
		ClientId:     clientId,
		FreelancerId: freelancerId,
	}
}

func (s *MemoryStorage) GetUserByIds(_ context.Context, userIds []string) ([]*api.UserModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var users []*api.UserModel
	for _, id := range userIds {
		if model, ok := s.users[id]; ok {
			model := model
			users = append(users, &model)
		}
	}
	return users, nil
}

func (s *MemoryStorage) GetOrder(_ context.Context, orderId string) (*api.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.order(orderId)
}

func (s *MemoryStorage) AddMessage(_ context.Context, message api.Message) (api.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conversation, ok := s.conversations[message.ConversationId]
	if !ok {
		conversation = &memoryConversation{participants: []string{message.SenderId(), message.RecipientId()}}
		if message.Order != nil {
			conversation.orderId = message.Order.Id
		}
		s.conversations[message.ConversationId] = conversation
	}

	// Keep messages ordered by createdAt; equal timestamps stay in insert order.
	i := sort.Search(len(conversation.messages), func(i int) bool {
		return conversation.messages[i].CreatedAt.After(message.CreatedAt)
	})
	conversation.messages = append(conversation.messages, api.Message{})
	copy(conversation.messages[i+1:], conversation.messages[i:])
	conversation.messages[i] = message

	for _, uid := range conversation.participants {
		byConversation, ok := s.userConversations[uid]
		if !ok {
			byConversation = make(map[string]*api.UserConversation)
			s.userConversations[uid] = byConversation
		}
		userConversation, ok := byConversation[message.ConversationId]
		if !ok {
			userConversation = &api.UserConversation{}
			byConversation[message.ConversationId] = userConversation
		}
		if uid == message.RecipientId() {
			userConversation.UnreadCount++
		}
		if message.CreatedAt.After(userConversation.LastUpdated) {
			userConversation.LastUpdated = message.CreatedAt
		}
	}

	return message, nil
}

func (s *MemoryStorage) GetConversations(_ context.Context, userId string) ([]api.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type row struct {
		id    string
		state api.UserConversation
	}
	var rows []row
	for id, state := range s.userConversations[userId] {
		rows = append(rows, row{id: id, state: *state})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].state.LastUpdated.Equal(rows[j].state.LastUpdated) {
			return rows[i].id < rows[j].id
		}
		return rows[i].state.LastUpdated.After(rows[j].state.LastUpdated)
	})

	conversations := make([]api.Conversation, 0, len(rows))
	for _, r := range rows {
		stored := s.conversations[r.id]
		conversation := api.Conversation{
			Id:            r.id,
			IsOrderScoped: stored.orderId != "",
			OrderId:       stored.orderId,
			UnreadCount:   r.state.UnreadCount,
		}
		if stored.orderId != "" {
			if order, err := s.order(stored.orderId); err == nil {
				conversation.Order = order
			}
		}
		for _, id := range stored.participants {
			if model, ok := s.users[id]; ok {
				conversation.Participants = append(conversation.Participants, model.ConvertToDTO())
			}
		}
		if n := len(stored.messages); n > 0 {
			last := stored.messages[n-1]
			conversation.LastMessage = &last
		}
		conversations = append(conversations, conversation)
	}

	return conversations, nil
}

func (s *MemoryStorage) GetMessages(_ context.Context, conversationId string, page int, limit int) ([]api.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conversation, ok := s.conversations[conversationId]
	if !ok {
		return []api.Message{}, nil
	}

	end := len(conversation.messages) - (page-1)*limit
	if end <= 0 {
		return []api.Message{}, nil
	}
	start := end - limit
	if start < 0 {
		start = 0
	}

	messages := make([]api.Message, end-start)
	copy(messages, conversation.messages[start:end])
	return messages, nil
}

func (s *MemoryStorage) UpdateUserConversation(_ context.Context, patchJSON []byte, userId string, conversationId string) error {
	patch, err := jsonPatch.DecodePatch(patchJSON)
	if err != nil {
		return fmt.Errorf("%w: %v", api.ErrInvalidRequest, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	userConversation, ok := s.userConversations[userId][conversationId]
	if !ok {
		return fmt.Errorf("conversation %s: %w", conversationId, api.ErrNotFound)
	}

	patched, err := applyPatch(patch, *userConversation)
	if err != nil {
		return err
	}
	*userConversation = patched

	return nil
}

func (s *MemoryStorage) order(orderId string) (*api.Order, error) {
	model, ok := s.orders[orderId]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderId, api.ErrNotFound)
	}

	users := make(map[string]api.User)
	for _, id := range []string{model.ClientId, model.FreelancerId} {
		if user, ok := s.users[id]; ok {
			users[id] = user.ConvertToDTO()
		}
	}
	return model.ConvertToDTO(users), nil
}

var _ Storage = (*MemoryStorage)(nil)

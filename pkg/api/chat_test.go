package api_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketChat/pkg/api"
	"marketChat/pkg/repository"
)

func newChatService(t *testing.T, policy api.ContentPolicy) (api.ChatService, *repository.MemoryStorage) {
	t.Helper()
	storage := repository.NewMemoryStorage()
	storage.PutUser(api.User{Id: "U1", FirstName: "Finn", LastName: "Freelancer", Role: api.RoleFreelancer})
	storage.PutUser(api.User{Id: "U2", FirstName: "Cora", LastName: "Client", Role: api.RoleClient})
	storage.PutUser(api.User{Id: "U3", FirstName: "Olive", Role: api.RoleClient})
	storage.PutUser(api.User{Id: "U4", FirstName: "Ada", Role: api.RoleAdmin})
	storage.PutOrder("555", "Logo design", "U2", "U1")

	return api.NewChatService(storage, api.NewUserService(storage), policy), storage
}

func TestSendDirectMessage(t *testing.T) {
	ctx := context.Background()
	service, _ := newChatService(t, nil)

	message, warning, err := service.SendMessage(ctx, "U2", api.SendMessageRequest{RecipientId: "U1", Content: "  hello  "})
	require.NoError(t, err)
	assert.Empty(t, warning)
	assert.NotEmpty(t, message.Id)
	assert.Equal(t, "U1_U2", message.ConversationId)
	assert.Equal(t, "hello", message.Content)
	assert.Equal(t, api.MessageTypeText, message.MessageType)
	assert.Equal(t, "U2", message.SenderId())
	assert.Equal(t, "U1", message.RecipientId())
	assert.Nil(t, message.Order)
	assert.False(t, message.IsFiltered)
}

func TestSendOrderMessage(t *testing.T) {
	ctx := context.Background()
	service, _ := newChatService(t, nil)

	message, _, err := service.SendMessage(ctx, "U1", api.SendMessageRequest{OrderId: "555", Content: "draft attached"})
	require.NoError(t, err)
	assert.Equal(t, "order_555", message.ConversationId)
	assert.Equal(t, "U2", message.RecipientId())
	require.NotNil(t, message.Order)
	assert.Equal(t, "Logo design", message.Order.Title)

	_, _, err = service.SendMessage(ctx, "U3", api.SendMessageRequest{OrderId: "555", Content: "hi"})
	assert.ErrorIs(t, err, api.ErrForbidden)

	_, _, err = service.SendMessage(ctx, "U1", api.SendMessageRequest{OrderId: "555", RecipientId: "U3", Content: "hi"})
	assert.ErrorIs(t, err, api.ErrInvalidRequest)

	_, _, err = service.SendMessage(ctx, "U1", api.SendMessageRequest{OrderId: "999", Content: "hi"})
	assert.ErrorIs(t, err, api.ErrNotFound)
}

func TestSendMessageValidation(t *testing.T) {
	ctx := context.Background()
	service, _ := newChatService(t, nil)

	tests := []struct {
		name    string
		userId  string
		request api.SendMessageRequest
		want    error
	}{
		{name: "blank content", userId: "U1", request: api.SendMessageRequest{RecipientId: "U2", Content: " \n "}, want: api.ErrInvalidRequest},
		{name: "no recipient", userId: "U1", request: api.SendMessageRequest{Content: "hi"}, want: api.ErrInvalidRequest},
		{name: "self", userId: "U1", request: api.SendMessageRequest{RecipientId: "U1", Content: "hi"}, want: api.ErrInvalidRequest},
		{name: "unknown type", userId: "U1", request: api.SendMessageRequest{RecipientId: "U2", Content: "hi", MessageType: "video"}, want: api.ErrInvalidRequest},
		{name: "unknown recipient", userId: "U1", request: api.SendMessageRequest{RecipientId: "U9", Content: "hi"}, want: api.ErrNotFound},
		{name: "unknown sender", userId: "U9", request: api.SendMessageRequest{RecipientId: "U1", Content: "hi"}, want: api.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := service.SendMessage(ctx, tt.userId, tt.request)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSendMessagePolicyWarning(t *testing.T) {
	ctx := context.Background()
	policy := api.PolicyFunc(func(content string) (string, string) {
		if strings.Contains(content, "@") {
			return "[removed]", "Contact details are not allowed"
		}
		return content, ""
	})
	service, _ := newChatService(t, policy)

	message, warning, err := service.SendMessage(ctx, "U2", api.SendMessageRequest{RecipientId: "U1", Content: "mail me a@b.c"})
	require.NoError(t, err)
	assert.Equal(t, "Contact details are not allowed", warning)
	assert.Equal(t, "[removed]", message.Content)
	assert.True(t, message.IsFiltered)
}

func TestGetOrderAccess(t *testing.T) {
	ctx := context.Background()
	service, _ := newChatService(t, nil)

	order, err := service.GetOrder(ctx, "U2", "555")
	require.NoError(t, err)
	assert.Equal(t, "U1", order.Freelancer.Id)

	_, err = service.GetOrder(ctx, "U4", "555")
	assert.NoError(t, err)

	_, err = service.GetOrder(ctx, "U3", "555")
	assert.ErrorIs(t, err, api.ErrForbidden)

	_, err = service.GetOrder(ctx, "U2", "404")
	assert.ErrorIs(t, err, api.ErrNotFound)
}

func TestGetThreadPaging(t *testing.T) {
	ctx := context.Background()
	service, _ := newChatService(t, nil)

	for i := 0; i < 5; i++ {
		_, _, err := service.SendMessage(ctx, "U1", api.SendMessageRequest{RecipientId: "U2", Content: string(rune('a' + i))})
		require.NoError(t, err)
	}

	contents := func(messages []api.Message) []string {
		var out []string
		for _, m := range messages {
			out = append(out, m.Content)
		}
		return out
	}

	latest, err := service.GetThread(ctx, "U2", api.ThreadQuery{OtherUserId: "U1", Page: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "e"}, contents(latest))

	older, err := service.GetThread(ctx, "U2", api.ThreadQuery{OtherUserId: "U1", Page: 3, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, contents(older))

	past, err := service.GetThread(ctx, "U2", api.ThreadQuery{OtherUserId: "U1", Page: 4, Limit: 2})
	require.NoError(t, err)
	assert.Empty(t, past)

	defaults, err := service.GetThread(ctx, "U1", api.ThreadQuery{OtherUserId: "U2"})
	require.NoError(t, err)
	assert.Len(t, defaults, 5)

	_, err = service.GetThread(ctx, "U1", api.ThreadQuery{})
	assert.ErrorIs(t, err, api.ErrInvalidRequest)

	_, err = service.GetThread(ctx, "U3", api.ThreadQuery{OrderId: "555"})
	assert.ErrorIs(t, err, api.ErrForbidden)
}

func TestConversationsAndMarkRead(t *testing.T) {
	ctx := context.Background()
	service, _ := newChatService(t, nil)

	_, _, err := service.SendMessage(ctx, "U2", api.SendMessageRequest{RecipientId: "U1", Content: "direct"})
	require.NoError(t, err)
	_, _, err = service.SendMessage(ctx, "U2", api.SendMessageRequest{OrderId: "555", Content: "first"})
	require.NoError(t, err)
	_, _, err = service.SendMessage(ctx, "U2", api.SendMessageRequest{OrderId: "555", Content: "second"})
	require.NoError(t, err)

	conversations, err := service.GetConversations(ctx, "U1")
	require.NoError(t, err)
	require.Len(t, conversations, 2)

	order := conversations[0]
	assert.Equal(t, "order_555", order.Id)
	assert.True(t, order.IsOrderScoped)
	assert.Equal(t, "555", order.OrderId)
	assert.Equal(t, 2, order.UnreadCount)
	require.NotNil(t, order.LastMessage)
	assert.Equal(t, "second", order.LastMessage.Content)
	assert.Equal(t, "U1_U2", conversations[1].Id)
	assert.False(t, conversations[1].IsOrderScoped)

	require.NoError(t, service.MarkConversationRead(ctx, "U1", "order_555"))
	conversations, err = service.GetConversations(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, 0, conversations[0].UnreadCount)
	assert.Equal(t, 1, conversations[1].UnreadCount)

	senderView, err := service.GetConversations(ctx, "U2")
	require.NoError(t, err)
	for _, c := range senderView {
		assert.Zero(t, c.UnreadCount, c.Id)
	}

	err = service.MarkConversationRead(ctx, "U3", "order_555")
	assert.ErrorIs(t, err, api.ErrNotFound)

	err = service.UpdateUserConversation(ctx, []byte(`not a patch`), "U1", "U1_U2")
	assert.ErrorIs(t, err, api.ErrInvalidRequest)
}

func TestUserService(t *testing.T) {
	ctx := context.Background()
	storage := repository.NewMemoryStorage()
	storage.PutUser(api.User{Id: "U1", FirstName: "Finn", Role: api.RoleFreelancer})
	users := api.NewUserService(storage)

	user, err := users.GetUser(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, "Finn", user.FirstName)

	_, err = users.GetUser(ctx, "nobody")
	assert.ErrorIs(t, err, api.ErrNotFound)

	_, err = users.GetUser(ctx, "")
	assert.ErrorIs(t, err, api.ErrInvalidRequest)

	_, err = users.GetUserByIds(ctx, nil)
	assert.Error(t, err)
}

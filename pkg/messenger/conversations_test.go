package messenger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketChat/pkg/api"
)

func ids(conversations []api.Conversation) []string {
	out := make([]string, 0, len(conversations))
	for _, conversation := range conversations {
		out = append(out, conversation.Id)
	}
	return out
}

func TestOrderScopedConversationScenario(t *testing.T) {
	order := &api.Order{Id: "555", Client: &userClient, Freelancer: &userFreelancer}
	gateway := &fakeGateway{conversations: []api.Conversation{
		{Id: "U1_U3", LastMessage: ptr(newMessage("m0", "U1_U3", userOther, userFreelancer, 0))},
		{Id: "order_555", OrderId: "555", Order: order},
	}}
	store := NewConversationStore(gateway, "U1", nil)
	require.NoError(t, store.LoadSnapshot(context.Background()))

	conversation, ok := store.Get("order_555")
	require.True(t, ok)
	identity := Resolve(conversation, "U1")
	require.Equal(t, Resolved, identity.Kind)
	assert.Equal(t, "U2", identity.User.Id)

	m1 := newMessage("m1", "order_555", userClient, userFreelancer, 5)
	m1.Content = "hi"
	assert.True(t, store.ApplyInbound(m1))

	list := store.Conversations()
	require.NotEmpty(t, list)
	assert.Equal(t, "order_555", list[0].Id)
	assert.Equal(t, 1, list[0].UnreadCount)

	assert.False(t, store.ApplyInbound(m1))
	conversation, _ = store.Get("order_555")
	assert.Equal(t, 1, conversation.UnreadCount)
}

func ptr(message api.Message) *api.Message {
	return &message
}

func TestApplyInboundDoesNotCountOwnMessages(t *testing.T) {
	store := NewConversationStore(&fakeGateway{}, "U1", nil)

	store.ApplyInbound(newMessage("m1", "U1_U2", userFreelancer, userClient, 1))
	conversation, ok := store.Get("U1_U2")
	require.True(t, ok)
	assert.Equal(t, 0, conversation.UnreadCount)
	assert.Equal(t, "m1", conversation.LastMessage.Id)

	store.ApplyInbound(newMessage("m2", "U1_U2", userClient, userFreelancer, 2))
	store.ApplyInbound(newMessage("m3", "U1_U2", userFreelancer, userClient, 3))
	conversation, _ = store.Get("U1_U2")
	assert.Equal(t, 1, conversation.UnreadCount)
	assert.Equal(t, 1, store.TotalUnread())
}

func TestApplyInboundIsIdempotent(t *testing.T) {
	store := NewConversationStore(&fakeGateway{}, "U1", nil)
	m := newMessage("m1", "U1_U2", userClient, userFreelancer, 1)

	for i := 0; i < 5; i++ {
		store.ApplyInbound(m)
	}

	list := store.Conversations()
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].UnreadCount)
}

func TestApplyInboundSkipsOlderMessages(t *testing.T) {
	store := NewConversationStore(&fakeGateway{}, "U1", nil)
	store.ApplyInbound(newMessage("m2", "U1_U2", userClient, userFreelancer, 10))

	assert.False(t, store.ApplyInbound(newMessage("m1", "U1_U2", userClient, userFreelancer, 5)))

	conversation, _ := store.Get("U1_U2")
	assert.Equal(t, "m2", conversation.LastMessage.Id)
	assert.Equal(t, 1, conversation.UnreadCount)
}

func TestSnapshotRecencyOrdering(t *testing.T) {
	gateway := &fakeGateway{conversations: []api.Conversation{
		{Id: "empty_a"},
		{Id: "U1_U2", LastMessage: ptr(newMessage("a", "U1_U2", userClient, userFreelancer, 1))},
		{Id: "empty_b"},
		{Id: "U1_U3", LastMessage: ptr(newMessage("b", "U1_U3", userOther, userFreelancer, 3))},
		{Id: "order_7", LastMessage: ptr(newMessage("c", "order_7", userClient, userFreelancer, 2))},
	}}
	store := NewConversationStore(gateway, "U1", nil)
	require.NoError(t, store.LoadSnapshot(context.Background()))

	assert.Equal(t, []string{"U1_U3", "order_7", "U1_U2", "empty_a", "empty_b"}, ids(store.Conversations()))

	store.ApplyInbound(newMessage("d", "empty_b", userClient, userFreelancer, 4))
	assert.Equal(t, []string{"empty_b", "U1_U3", "order_7", "U1_U2", "empty_a"}, ids(store.Conversations()))
}

func TestApplyInboundSynthesizesConversation(t *testing.T) {
	store := NewConversationStore(&fakeGateway{}, "U1", nil)
	order := &api.Order{Id: "9", Client: &userClient, Freelancer: &userFreelancer}

	m := newMessage("m1", "order_9", userClient, userFreelancer, 1)
	m.Order = order
	store.ApplyInbound(m)

	conversation, ok := store.Get("order_9")
	require.True(t, ok)
	assert.True(t, conversation.IsOrderScoped)
	assert.Equal(t, "9", conversation.OrderId)
	assert.Equal(t, order, conversation.Order)

	store.ApplyInbound(newMessage("m2", "U1_U3", userOther, userFreelancer, 2))
	direct, ok := store.Get("U1_U3")
	require.True(t, ok)
	assert.False(t, direct.IsOrderScoped)
	assert.Empty(t, direct.OrderId)
	assert.Len(t, direct.Participants, 2)
}

func TestActiveConversationStaysRead(t *testing.T) {
	gateway := &fakeGateway{}
	store := NewConversationStore(gateway, "U1", nil)
	store.SetActive("U1_U2")
	assert.Equal(t, "U1_U2", store.Active())

	store.ApplyInbound(newMessage("m1", "U1_U2", userClient, userFreelancer, 1))
	store.Wait()

	conversation, _ := store.Get("U1_U2")
	assert.Equal(t, 0, conversation.UnreadCount)
	assert.Equal(t, []string{"U1_U2"}, gateway.marked())

	store.ApplyInbound(newMessage("m2", "U1_U3", userOther, userFreelancer, 2))
	store.Wait()
	other, _ := store.Get("U1_U3")
	assert.Equal(t, 1, other.UnreadCount)
	assert.Equal(t, []string{"U1_U2"}, gateway.marked())
}

func TestLoadSnapshotFailureKeepsState(t *testing.T) {
	gateway := &fakeGateway{}
	store := NewConversationStore(gateway, "U1", nil)
	store.ApplyInbound(newMessage("m1", "U1_U2", userClient, userFreelancer, 1))

	gateway.listErr = errBackend
	err := store.LoadSnapshot(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, SnapshotLoadFailed)
	assert.ErrorIs(t, err, errBackend)
	assert.Equal(t, SnapshotLoadFailed, KindOf(err))

	assert.Equal(t, []string{"U1_U2"}, ids(store.Conversations()))
}

func TestLoadSnapshotKeepsMessagesAppliedInFlight(t *testing.T) {
	store := NewConversationStore(nil, "U1", nil)
	stale := newMessage("m1", "U1_U2", userClient, userFreelancer, 1)
	gateway := &fakeGateway{conversations: []api.Conversation{
		{Id: "U1_U2", LastMessage: &stale, UnreadCount: 1},
		{Id: "U1_U3", LastMessage: ptr(newMessage("x", "U1_U3", userOther, userFreelancer, 3))},
	}}
	gateway.onList = func() {
		store.ApplyInbound(newMessage("m2", "U1_U2", userClient, userFreelancer, 5))
		store.ApplyInbound(newMessage("n1", "U1_U9", userClient, userFreelancer, 6))
	}
	store.gateway = gateway

	require.NoError(t, store.LoadSnapshot(context.Background()))

	assert.Equal(t, []string{"U1_U9", "U1_U2", "U1_U3"}, ids(store.Conversations()))
	conversation, _ := store.Get("U1_U2")
	assert.Equal(t, "m2", conversation.LastMessage.Id)
	assert.Equal(t, 1, conversation.UnreadCount)

	// The snapshot's last message is not counted again when it is pushed late.
	assert.False(t, store.ApplyInbound(stale))
}

func TestLoadSnapshotNewerSnapshotKeepsRecencyOrder(t *testing.T) {
	store := NewConversationStore(nil, "U1", nil)
	gateway := &fakeGateway{conversations: []api.Conversation{
		{Id: "U1_U2", LastMessage: ptr(newMessage("m3", "U1_U2", userClient, userFreelancer, 7)), UnreadCount: 2},
		{Id: "U1_U3", LastMessage: ptr(newMessage("x", "U1_U3", userOther, userFreelancer, 9))},
	}}
	gateway.onList = func() {
		store.ApplyInbound(newMessage("m2", "U1_U2", userClient, userFreelancer, 5))
	}
	store.gateway = gateway

	require.NoError(t, store.LoadSnapshot(context.Background()))

	assert.Equal(t, []string{"U1_U3", "U1_U2"}, ids(store.Conversations()))
	conversation, _ := store.Get("U1_U2")
	assert.Equal(t, "m3", conversation.LastMessage.Id)
	assert.Equal(t, 2, conversation.UnreadCount)
}

func TestLoadSnapshotHydratesOrders(t *testing.T) {
	order := &api.Order{Id: "77", Client: &userClient, Freelancer: &userFreelancer}
	gateway := &fakeGateway{
		conversations: []api.Conversation{{Id: "order_77"}, {Id: "order_78"}},
		orders:        map[string]*api.Order{"77": order},
	}
	store := NewConversationStore(gateway, "U1", nil)
	require.NoError(t, store.LoadSnapshot(context.Background()))

	hydrated, _ := store.Get("order_77")
	assert.Equal(t, order, hydrated.Order)
	missing, _ := store.Get("order_78")
	assert.Nil(t, missing.Order)
	assert.ElementsMatch(t, []string{"77", "78"}, gateway.orderCall)
	assert.Equal(t, Placeholder, Resolve(missing, "U1").Kind)
}

func TestMarkConversationRead(t *testing.T) {
	gateway := &fakeGateway{}
	store := NewConversationStore(gateway, "U1", nil)
	store.ApplyInbound(newMessage("m1", "U1_U2", userClient, userFreelancer, 1))

	require.NoError(t, store.MarkConversationRead(context.Background(), "U1_U2"))
	conversation, _ := store.Get("U1_U2")
	assert.Equal(t, 0, conversation.UnreadCount)
	assert.Equal(t, []string{"U1_U2"}, gateway.marked())

	store.ApplyInbound(newMessage("m2", "U1_U2", userClient, userFreelancer, 2))
	gateway.markErr = errBackend
	err := store.MarkConversationRead(context.Background(), "U1_U2")
	assert.ErrorIs(t, err, ReadAckFailed)
	conversation, _ = store.Get("U1_U2")
	assert.Equal(t, 0, conversation.UnreadCount)
}

func TestConversationStoreAttach(t *testing.T) {
	channel := newFakeChannel(true)
	store := NewConversationStore(&fakeGateway{}, "U1", nil)
	unsubscribe := store.Attach(channel)

	channel.push(newMessage("m1", "U1_U2", userClient, userFreelancer, 1))
	assert.Equal(t, 1, store.TotalUnread())

	unsubscribe()
	channel.push(newMessage("m2", "U1_U2", userClient, userFreelancer, 2))
	assert.Equal(t, 1, store.TotalUnread())
	assert.Zero(t, channel.subscribers())
}

package messenger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketChat/pkg/api"
)

func composerWith(text string) *Composer {
	composer := &Composer{}
	composer.SetText(text)
	return composer
}

func TestSendOverLiveChannel(t *testing.T) {
	channel := newFakeChannel(true)
	gateway := &fakeGateway{}
	coordinator := NewCoordinator(channel, gateway, "U1", nil)
	composer := composerWith("hello")

	delivery, err := coordinator.Send(context.Background(), conversationA, composer)
	require.NoError(t, err)

	assert.Equal(t, PathLive, delivery.Path)
	assert.Empty(t, composer.Text())
	assert.False(t, composer.Sending())
	assert.Empty(t, gateway.sends())
	require.Len(t, channel.sent, 1)
	assert.Equal(t, api.SendMessageRequest{RecipientId: "U2", Content: "hello", MessageType: api.MessageTypeText}, channel.sent[0])
}

func TestSendFallsBackToRESTWithWarning(t *testing.T) {
	channel := newFakeChannel(false)
	stored := newMessage("m1", "U1_U2", userFreelancer, userClient, 1)
	stored.Content = "call me at ***"
	stored.IsFiltered = true
	gateway := &fakeGateway{sendResult: SendResult{Message: stored, Warning: "phone numbers are not allowed"}}

	var delivered []api.Message
	coordinator := NewCoordinator(channel, gateway, "U1", nil)
	coordinator.OnDelivered = func(message api.Message) { delivered = append(delivered, message) }
	composer := composerWith("call me at 555-0100")

	delivery, err := coordinator.Send(context.Background(), conversationA, composer)
	require.NoError(t, err)

	assert.Equal(t, PathREST, delivery.Path)
	assert.True(t, delivery.Filtered)
	assert.Equal(t, "phone numbers are not allowed", delivery.Warning)
	require.NotNil(t, delivery.Message)
	assert.Equal(t, "m1", delivery.Message.Id)
	assert.Empty(t, composer.Text())
	assert.Equal(t, []api.Message{stored}, delivered)
	require.Len(t, gateway.sends(), 1)
	assert.Equal(t, "U2", gateway.sends()[0].RecipientId)
}

func TestSendFallsBackWhenLiveQueueRejects(t *testing.T) {
	channel := newFakeChannel(true)
	channel.accept = false
	gateway := &fakeGateway{sendResult: SendResult{Message: newMessage("m1", "U1_U2", userFreelancer, userClient, 1)}}
	coordinator := NewCoordinator(channel, gateway, "U1", nil)

	delivery, err := coordinator.Send(context.Background(), conversationA, composerWith("hello"))
	require.NoError(t, err)
	assert.Equal(t, PathREST, delivery.Path)
	assert.False(t, delivery.Filtered)
	assert.Len(t, gateway.sends(), 1)
}

func TestSendFailureKeepsText(t *testing.T) {
	gateway := &fakeGateway{sendErr: &HTTPError{StatusCode: 500, Message: "boom"}}
	coordinator := NewCoordinator(newFakeChannel(false), gateway, "U1", nil)
	composer := composerWith("hello")

	_, err := coordinator.Send(context.Background(), conversationA, composer)
	require.Error(t, err)
	assert.ErrorIs(t, err, SendFailed)

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, 500, httpErr.StatusCode)
	assert.Equal(t, "hello", composer.Text())
	assert.False(t, composer.Sending())
}

func TestSendRequiresResolvedRecipient(t *testing.T) {
	channel := newFakeChannel(true)
	gateway := &fakeGateway{}
	coordinator := NewCoordinator(channel, gateway, "U1", nil)

	for _, conversation := range []api.Conversation{
		{Id: "U1_U9"},
		{Id: "order_12345678901"},
	} {
		composer := composerWith("hello")
		_, err := coordinator.Send(context.Background(), conversation, composer)
		assert.ErrorIs(t, err, RecipientUnresolved, conversation.Id)
		assert.Equal(t, "hello", composer.Text())
	}
	assert.Empty(t, channel.sent)
	assert.Empty(t, gateway.sends())
}

func TestSendEmptyMessage(t *testing.T) {
	coordinator := NewCoordinator(newFakeChannel(true), &fakeGateway{}, "U1", nil)
	_, err := coordinator.Send(context.Background(), conversationA, composerWith("   "))
	assert.ErrorIs(t, err, EmptyMessage)
}

func TestSendInFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	gateway := &fakeGateway{
		sendResult: SendResult{Message: newMessage("m1", "U1_U2", userFreelancer, userClient, 1)},
		onSend: func() {
			close(entered)
			<-release
		},
	}
	coordinator := NewCoordinator(newFakeChannel(false), gateway, "U1", nil)
	composer := composerWith("hello")

	done := make(chan error, 1)
	go func() {
		_, err := coordinator.Send(context.Background(), conversationA, composer)
		done <- err
	}()
	<-entered

	assert.True(t, composer.Sending())
	_, err := coordinator.Send(context.Background(), conversationA, composer)
	assert.ErrorIs(t, err, SendInFlight)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, composer.Sending())
}

func TestSendToOrderConversation(t *testing.T) {
	channel := newFakeChannel(true)
	coordinator := NewCoordinator(channel, &fakeGateway{}, "U1", nil)
	order := &api.Order{Id: "555", Client: &userClient, Freelancer: &userFreelancer}

	_, err := coordinator.Send(context.Background(), api.Conversation{Id: "order_555", Order: order}, composerWith("status?"))
	require.NoError(t, err)
	require.Len(t, channel.sent, 1)
	assert.Equal(t, "555", channel.sent[0].OrderId)
	assert.Equal(t, "U2", channel.sent[0].RecipientId)
}

func TestSendWithoutGateway(t *testing.T) {
	coordinator := NewCoordinator(newFakeChannel(false), nil, "U1", nil)
	_, err := coordinator.Send(context.Background(), conversationA, composerWith("hello"))
	assert.ErrorIs(t, err, ChannelDisconnected)
}

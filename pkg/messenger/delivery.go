package messenger

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"marketChat/pkg/api"
)

// Composer is the text being written in one conversation and whether a send
// of it is in flight.
type Composer struct {
	mu      sync.Mutex
	text    string
	sending bool
}

func (c *Composer) SetText(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.text = text
}

func (c *Composer) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text
}

func (c *Composer) Sending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sending
}

func (c *Composer) begin() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sending {
		return "", newError(SendInFlight, "send", nil)
	}
	text := strings.TrimSpace(c.text)
	if text == "" {
		return "", newError(EmptyMessage, "send", nil)
	}
	c.sending = true
	return text, nil
}

func (c *Composer) finish(clear bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sending = false
	if clear {
		c.text = ""
	}
}

type DeliveryPath int

const (
	PathLive DeliveryPath = iota
	PathREST
)

func (p DeliveryPath) String() string {
	if p == PathREST {
		return "rest"
	}
	return "live"
}

// Delivery describes an accepted send. Message is only known on the REST
// path; live sends come back as a new_message event. Filtered is advisory.
type Delivery struct {
	Path     DeliveryPath
	Message  *api.Message
	Warning  string
	Filtered bool
}

// Coordinator sends composed messages over the live channel when it is up
// and falls back to REST otherwise.
type Coordinator struct {
	channel LiveChannel
	gateway Gateway
	userId  string
	logger  zerolog.Logger

	// OnDelivered receives messages stored through the REST path.
	OnDelivered func(api.Message)
}

func NewCoordinator(channel LiveChannel, gateway Gateway, userId string, logger *zerolog.Logger) *Coordinator {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &Coordinator{
		channel: channel,
		gateway: gateway,
		userId:  userId,
		logger:  l.With().Str("component", "delivery").Logger(),
	}
}

// Send delivers the composer's text to the other party of conversation. The
// composer is cleared only when the message was accepted.
func (c *Coordinator) Send(ctx context.Context, conversation api.Conversation, composer *Composer) (Delivery, error) {
	text, err := composer.begin()
	if err != nil {
		return Delivery{}, err
	}
	accepted := false
	defer func() { composer.finish(accepted) }()

	conversation = api.NormalizeConversation(conversation)
	identity := Resolve(conversation, c.userId)
	if !identity.Messageable() {
		return Delivery{}, newError(RecipientUnresolved, "send "+conversation.Id, nil)
	}

	request := api.SendMessageRequest{
		RecipientId: identity.User.Id,
		Content:     text,
		MessageType: api.MessageTypeText,
	}
	if conversation.IsOrderScoped {
		request.OrderId = conversation.OrderId
	}

	if c.channel != nil && c.channel.Connected() && c.channel.SendMessage(request) {
		accepted = true
		return Delivery{Path: PathLive}, nil
	}

	if c.gateway == nil {
		return Delivery{}, newError(ChannelDisconnected, "send "+conversation.Id, nil)
	}
	result, err := c.gateway.SendMessage(ctx, request)
	if err != nil {
		c.logger.Warn().Err(err).Str("conversationId", conversation.Id).Msg("Send failed")
		return Delivery{}, newError(SendFailed, "send "+conversation.Id, err)
	}
	accepted = true

	if result.Message.Id != "" && c.OnDelivered != nil {
		c.OnDelivered(result.Message)
	}

	message := result.Message
	return Delivery{
		Path:     PathREST,
		Message:  &message,
		Warning:  result.Warning,
		Filtered: result.Warning != "" || message.IsFiltered,
	}, nil
}

package messenger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"marketChat/pkg/api"
)

const unknownLabel = "Unknown user"

type SessionOptions struct {
	UserId   string
	Gateway  Gateway
	Channel  LiveChannel
	PageSize int
	Logger   *zerolog.Logger
}

// Session ties one live channel to the conversation list, the open thread and
// the delivery coordinator for a signed-in user.
type Session struct {
	UserId        string
	Conversations *ConversationStore
	Thread        *ThreadStore
	Coordinator   *Coordinator

	channel LiveChannel
	logger  zerolog.Logger

	mu           sync.Mutex
	unsubscribes []func()
}

func NewSession(options SessionOptions) (*Session, error) {
	if options.UserId == "" {
		return nil, errors.New("session: user id is required")
	}
	if options.Gateway == nil || options.Channel == nil {
		return nil, errors.New("session: gateway and channel are required")
	}
	l := log.Logger
	if options.Logger != nil {
		l = *options.Logger
	}
	l = l.With().Str("uid", options.UserId).Logger()

	conversations := NewConversationStore(options.Gateway, options.UserId, &l)
	thread := NewThreadStore(ThreadOptions{
		Gateway:  options.Gateway,
		Channel:  options.Channel,
		Marker:   conversations,
		UserId:   options.UserId,
		PageSize: options.PageSize,
		Logger:   &l,
	})
	coordinator := NewCoordinator(options.Channel, options.Gateway, options.UserId, &l)

	session := &Session{
		UserId:        options.UserId,
		Conversations: conversations,
		Thread:        thread,
		Coordinator:   coordinator,
		channel:       options.Channel,
		logger:        l,
	}
	coordinator.OnDelivered = session.applyDelivered
	return session, nil
}

// Init subscribes the stores to the channel, connects it and loads the
// conversation list.
func (s *Session) Init(ctx context.Context) error {
	s.mu.Lock()
	if len(s.unsubscribes) == 0 {
		s.unsubscribes = append(s.unsubscribes,
			s.Conversations.Attach(s.channel),
			s.Thread.Attach(s.channel),
		)
	}
	s.mu.Unlock()

	s.channel.Connect()
	return s.Conversations.LoadSnapshot(ctx)
}

// Open makes conversationId the active conversation and loads its thread.
func (s *Session) Open(ctx context.Context, conversationId string) error {
	conversation, ok := s.Conversations.Get(conversationId)
	if !ok {
		return fmt.Errorf("conversation %s: %w", conversationId, api.ErrNotFound)
	}
	return s.open(ctx, conversation)
}

// OpenDirect opens the direct conversation with other, known or not.
func (s *Session) OpenDirect(ctx context.Context, other api.User) error {
	id := api.DirectConversationId(s.UserId, other.Id)
	if conversation, ok := s.Conversations.Get(id); ok {
		return s.open(ctx, conversation)
	}
	return s.open(ctx, api.Conversation{
		Id:           id,
		Participants: []api.User{{Id: s.UserId}, other},
	})
}

func (s *Session) open(ctx context.Context, conversation api.Conversation) error {
	s.Conversations.SetActive(conversation.Id)
	return s.Thread.Switch(ctx, conversation)
}

// Send delivers composer's text into the open conversation. The recipient is
// resolved from the list's current record, which live events keep up to date.
func (s *Session) Send(ctx context.Context, composer *Composer) (Delivery, error) {
	conversation, ok := s.Thread.Open()
	if !ok {
		return Delivery{}, newError(RecipientUnresolved, "send", errors.New("no open conversation"))
	}
	if current, ok := s.Conversations.Get(conversation.Id); ok {
		conversation = current
	}
	return s.Coordinator.Send(ctx, conversation, composer)
}

func (s *Session) Label(conversation api.Conversation) string {
	return Label(conversation, s.UserId, unknownLabel)
}

// Teardown detaches the stores, leaves the open room and disconnects.
func (s *Session) Teardown() {
	s.mu.Lock()
	unsubscribes := s.unsubscribes
	s.unsubscribes = nil
	s.mu.Unlock()

	for _, unsubscribe := range unsubscribes {
		unsubscribe()
	}
	s.Thread.Close()
	s.Conversations.SetActive("")
	s.channel.Disconnect()
	s.Conversations.Wait()
}

func (s *Session) applyDelivered(message api.Message) {
	s.Conversations.ApplyInbound(message)
	s.Thread.AppendInbound(message)
}

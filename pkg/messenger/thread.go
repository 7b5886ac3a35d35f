package messenger

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"marketChat/pkg/api"
)

const DefaultPageSize = 20

type readMarker interface {
	MarkConversationRead(ctx context.Context, conversationId string) error
}

// ThreadStore holds the messages of the one open conversation.
type ThreadStore struct {
	gateway  Gateway
	channel  LiveChannel
	marker   readMarker
	userId   string
	pageSize int
	logger   zerolog.Logger

	mu          sync.Mutex
	open        *api.Conversation
	otherUserId string
	generation  uint64
	messages    []api.Message
	ids         map[string]struct{}
	pages       int

	// Live messages seen while page 1 is loading.
	collecting bool
	pending    []api.Message
}

type ThreadOptions struct {
	Gateway Gateway
	Channel LiveChannel
	// Marker is told when a conversation is opened. Usually the ConversationStore.
	Marker   readMarker
	UserId   string
	PageSize int
	Logger   *zerolog.Logger
}

func NewThreadStore(options ThreadOptions) *ThreadStore {
	l := log.Logger
	if options.Logger != nil {
		l = *options.Logger
	}
	pageSize := options.PageSize
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	return &ThreadStore{
		gateway:  options.Gateway,
		channel:  options.Channel,
		marker:   options.Marker,
		userId:   options.UserId,
		pageSize: pageSize,
		logger:   l.With().Str("component", "thread").Logger(),
		ids:      make(map[string]struct{}),
	}
}

func (s *ThreadStore) Attach(channel LiveChannel) (unsubscribe func()) {
	return channel.OnNewMessage(func(message api.Message) {
		s.AppendInbound(message)
	})
}

// Switch closes the current conversation and opens conversation: leave the
// old room, clear, load the first page, join the new room, mark it read.
// Only a history failure is returned; a rejected read acknowledgement is
// logged.
func (s *ThreadStore) Switch(ctx context.Context, conversation api.Conversation) error {
	conversation = api.NormalizeConversation(conversation)
	other := s.counterpartId(conversation)

	s.mu.Lock()
	previous := s.open
	s.mu.Unlock()
	if previous != nil {
		s.channel.LeaveConversation(previous.Id, previous.OrderId)
	}

	s.mu.Lock()
	s.generation++
	generation := s.generation
	s.open = &conversation
	s.otherUserId = other
	s.reset()
	s.mu.Unlock()

	historyErr := s.LoadHistory(ctx, 1, s.pageSize)

	// Another Switch or Close took over while the history was loading.
	s.mu.Lock()
	superseded := s.generation != generation
	s.mu.Unlock()
	if superseded {
		return nil
	}

	s.channel.JoinConversation(conversation.Id, other, conversation.OrderId)

	if s.marker != nil {
		if err := s.marker.MarkConversationRead(ctx, conversation.Id); err != nil {
			s.logger.Warn().Err(err).Str("conversationId", conversation.Id).Msg("Could not mark conversation read")
		}
	}

	return historyErr
}

// Close leaves the open conversation, if any, and clears the thread.
func (s *ThreadStore) Close() {
	s.mu.Lock()
	previous := s.open
	s.open = nil
	s.otherUserId = ""
	s.generation++
	s.reset()
	s.mu.Unlock()

	if previous != nil {
		s.channel.LeaveConversation(previous.Id, previous.OrderId)
	}
}

// LoadHistory fetches one page of the open conversation. Page 1 replaces the
// thread and keeps live messages that arrived meanwhile; later pages are
// prepended. A response for a conversation that is no longer open is dropped.
func (s *ThreadStore) LoadHistory(ctx context.Context, page, pageSize int) error {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = s.pageSize
	}

	s.mu.Lock()
	if s.open == nil {
		s.mu.Unlock()
		return nil
	}
	generation := s.generation
	conversation := *s.open
	other := s.otherUserId
	if page == 1 {
		s.collecting = true
		s.pending = nil
	}
	s.mu.Unlock()

	messages, err := s.gateway.GetThread(ctx, other, conversation.OrderId, page, pageSize)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generation != generation {
		s.logger.Debug().Str("conversationId", conversation.Id).Msg("Discarding stale history")
		return nil
	}
	if page == 1 {
		defer func() {
			s.collecting = false
			s.pending = nil
		}()
	}
	if err != nil {
		return newError(HistoryLoadFailed, "load history "+conversation.Id, err)
	}

	if page == 1 {
		merged := make([]api.Message, 0, len(messages)+len(s.pending))
		ids := make(map[string]struct{}, len(messages)+len(s.pending))
		for _, batch := range [][]api.Message{messages, s.pending} {
			for _, message := range batch {
				if _, dup := ids[message.Id]; dup {
					continue
				}
				ids[message.Id] = struct{}{}
				merged = append(merged, message)
			}
		}
		sort.SliceStable(merged, func(i, j int) bool {
			return merged[i].CreatedAt.Before(merged[j].CreatedAt)
		})
		s.messages = merged
		s.ids = ids
		s.pages = 1
		return nil
	}

	older := make([]api.Message, 0, len(messages))
	for _, message := range messages {
		if _, dup := s.ids[message.Id]; dup {
			continue
		}
		s.ids[message.Id] = struct{}{}
		older = append(older, message)
	}
	s.messages = append(older, s.messages...)
	if page > s.pages {
		s.pages = page
	}
	return nil
}

// LoadOlder fetches the page after the last one loaded.
func (s *ThreadStore) LoadOlder(ctx context.Context) error {
	s.mu.Lock()
	next := s.pages + 1
	s.mu.Unlock()
	return s.LoadHistory(ctx, next, s.pageSize)
}

// AppendInbound adds message if it belongs to the open conversation and is
// not already present.
func (s *ThreadStore) AppendInbound(message api.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open == nil || message.Id == "" || message.ConversationId != s.open.Id {
		return false
	}
	if _, dup := s.ids[message.Id]; dup {
		return false
	}
	s.ids[message.Id] = struct{}{}

	// Late arrivals go after every message with the same or an earlier time.
	i := sort.Search(len(s.messages), func(i int) bool {
		return s.messages[i].CreatedAt.After(message.CreatedAt)
	})
	s.messages = append(s.messages, api.Message{})
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = message

	if s.collecting {
		s.pending = append(s.pending, message)
	}
	return true
}

func (s *ThreadStore) Messages() []api.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	messages := make([]api.Message, len(s.messages))
	copy(messages, s.messages)
	return messages
}

func (s *ThreadStore) Open() (api.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open == nil {
		return api.Conversation{}, false
	}
	return *s.open, true
}

func (s *ThreadStore) IsFromCurrentUser(message api.Message) bool {
	return message.SenderId() != "" && message.SenderId() == s.userId
}

// reset must be called with mu held.
func (s *ThreadStore) reset() {
	s.messages = nil
	s.ids = make(map[string]struct{})
	s.pages = 0
	s.collecting = false
	s.pending = nil
}

// counterpartId is the user id the history endpoint is addressed by.
func (s *ThreadStore) counterpartId(conversation api.Conversation) string {
	if identity := Resolve(conversation, s.userId); identity.Kind == Resolved {
		return identity.User.Id
	}
	if conversation.IsOrderScoped {
		return placeholderUserId
	}
	// Direct ids pair the two user ids.
	parts := strings.Split(conversation.Id, "_")
	if len(parts) == 2 {
		switch s.userId {
		case parts[0]:
			return parts[1]
		case parts[1]:
			return parts[0]
		}
	}
	return ""
}

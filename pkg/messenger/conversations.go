package messenger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"marketChat/pkg/api"
)

const (
	// Message ids remembered per conversation for duplicate detection.
	seenWindow = 256

	readAckTimeout = 10 * time.Second
)

type conversationEntry struct {
	conversation api.Conversation

	seen     map[string]struct{}
	seenRing []string

	// Store epoch of the last local change.
	touched uint64
}

func (e *conversationEntry) hasSeen(messageId string) bool {
	_, ok := e.seen[messageId]
	return ok
}

func (e *conversationEntry) markSeen(messageId string) {
	if messageId == "" || e.hasSeen(messageId) {
		return
	}
	if e.seen == nil {
		e.seen = make(map[string]struct{})
	}
	if len(e.seenRing) >= seenWindow {
		delete(e.seen, e.seenRing[0])
		e.seenRing = e.seenRing[1:]
	}
	e.seen[messageId] = struct{}{}
	e.seenRing = append(e.seenRing, messageId)
}

// ConversationStore is the session's deduplicated, recency ordered list of
// conversations. It is safe for concurrent use.
type ConversationStore struct {
	gateway Gateway
	userId  string
	logger  zerolog.Logger

	mu      sync.Mutex
	order   []string
	entries map[string]*conversationEntry
	active  string
	epoch   uint64

	acks sync.WaitGroup
}

func NewConversationStore(gateway Gateway, userId string, logger *zerolog.Logger) *ConversationStore {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &ConversationStore{
		gateway: gateway,
		userId:  userId,
		logger:  l.With().Str("component", "conversations").Logger(),
		entries: make(map[string]*conversationEntry),
	}
}

// Attach applies every new_message from channel until unsubscribe is called.
func (s *ConversationStore) Attach(channel LiveChannel) (unsubscribe func()) {
	return channel.OnNewMessage(func(message api.Message) {
		s.ApplyInbound(message)
	})
}

// LoadSnapshot replaces the list with the server's. Live messages applied
// while the request was in flight are kept when they are newer than what the
// snapshot carries. On failure the list is left as it was.
func (s *ConversationStore) LoadSnapshot(ctx context.Context) error {
	s.mu.Lock()
	started := s.epoch
	s.mu.Unlock()

	conversations, err := s.gateway.ListConversations(ctx)
	if err != nil {
		return newError(SnapshotLoadFailed, "load conversations", err)
	}

	for i := range conversations {
		conversations[i] = api.NormalizeConversation(conversations[i])
		s.hydrateOrder(ctx, &conversations[i])
	}
	sortByRecency(conversations)

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make(map[string]*conversationEntry, len(conversations))
	order := make([]string, 0, len(conversations))
	for _, conversation := range conversations {
		if conversation.Id == "" {
			continue
		}
		if _, dup := entries[conversation.Id]; dup {
			continue
		}

		entry := &conversationEntry{conversation: conversation}
		if local, ok := s.entries[conversation.Id]; ok {
			entry.seen, entry.seenRing = local.seen, local.seenRing
			if local.touched > started && !newer(conversation.LastMessage, local.conversation.LastMessage) {
				entry.conversation.LastMessage = local.conversation.LastMessage
				entry.conversation.UnreadCount = local.conversation.UnreadCount
				entry.touched = local.touched
			}
			if entry.conversation.Order == nil {
				entry.conversation.Order = local.conversation.Order
			}
		}
		if entry.conversation.LastMessage != nil {
			entry.markSeen(entry.conversation.LastMessage.Id)
		}
		if conversation.Id == s.active {
			entry.conversation.UnreadCount = 0
		}
		entries[conversation.Id] = entry
		order = append(order, conversation.Id)
	}

	// Conversations whose local state outlived the request go first, in their
	// current order; local-only ones among them are kept. Entries the snapshot
	// superseded keep their recency position.
	var front []string
	for _, id := range s.order {
		local := s.entries[id]
		if local.touched <= started {
			continue
		}
		if merged, ok := entries[id]; !ok {
			entries[id] = local
		} else if merged.touched == 0 {
			continue
		}
		front = append(front, id)
	}
	if len(front) > 0 {
		inFront := make(map[string]bool, len(front))
		for _, id := range front {
			inFront[id] = true
		}
		rest := order[:0:0]
		for _, id := range order {
			if !inFront[id] {
				rest = append(rest, id)
			}
		}
		order = append(front, rest...)
	}

	s.entries = entries
	s.order = order
	return nil
}

// hydrateOrder fetches the order record of an order-scoped conversation that
// arrived without one. Failures leave the conversation as is.
func (s *ConversationStore) hydrateOrder(ctx context.Context, conversation *api.Conversation) {
	if !conversation.IsOrderScoped || conversation.OrderId == "" || conversation.Order != nil {
		return
	}
	if conversation.LastMessage != nil && conversation.LastMessage.Order != nil {
		return
	}
	order, err := s.gateway.GetOrder(ctx, conversation.OrderId)
	if err != nil {
		s.logger.Debug().Err(err).Str("orderId", conversation.OrderId).Msg("Could not hydrate order")
		return
	}
	conversation.Order = order
}

// ApplyInbound folds a pushed or locally delivered message into the list. It
// reports whether the list changed. Repeated and out of date messages are
// ignored.
func (s *ConversationStore) ApplyInbound(message api.Message) bool {
	if message.Id == "" || message.ConversationId == "" {
		return false
	}

	s.mu.Lock()
	entry, ok := s.entries[message.ConversationId]
	if ok {
		if entry.hasSeen(message.Id) {
			s.mu.Unlock()
			return false
		}
		if last := entry.conversation.LastMessage; last != nil && message.CreatedAt.Before(last.CreatedAt) {
			entry.markSeen(message.Id)
			s.mu.Unlock()
			return false
		}
	} else {
		entry = &conversationEntry{conversation: synthesize(message)}
		s.entries[message.ConversationId] = entry
	}

	s.epoch++
	entry.touched = s.epoch
	entry.markSeen(message.Id)

	last := message
	entry.conversation.LastMessage = &last
	if entry.conversation.Order == nil && message.Order != nil {
		entry.conversation.Order = message.Order
	}

	ack := false
	if message.RecipientId() == s.userId && message.SenderId() != s.userId {
		if message.ConversationId == s.active {
			entry.conversation.UnreadCount = 0
			ack = true
		} else {
			entry.conversation.UnreadCount++
		}
	}
	s.moveToFront(message.ConversationId)
	s.mu.Unlock()

	if ack {
		s.acks.Add(1)
		go func(conversationId string) {
			defer s.acks.Done()
			ctx, cancel := context.WithTimeout(context.Background(), readAckTimeout)
			defer cancel()
			if err := s.gateway.MarkRead(ctx, conversationId); err != nil {
				s.logger.Warn().Err(err).Str("conversationId", conversationId).Msg("Read acknowledgement failed")
			}
		}(message.ConversationId)
	}
	return true
}

// synthesize builds the conversation a message implies when none is known.
func synthesize(message api.Message) api.Conversation {
	conversation := api.Conversation{Id: message.ConversationId, Order: message.Order}
	if message.Order != nil {
		conversation.OrderId = message.Order.Id
	}
	for _, user := range []*api.User{message.Sender, message.Recipient} {
		if user != nil {
			conversation.Participants = append(conversation.Participants, *user)
		}
	}
	return api.NormalizeConversation(conversation)
}

// MarkConversationRead zeroes the unread count locally and tells the server.
// The local count stays zero if the server call fails.
func (s *ConversationStore) MarkConversationRead(ctx context.Context, conversationId string) error {
	s.mu.Lock()
	if entry, ok := s.entries[conversationId]; ok {
		entry.conversation.UnreadCount = 0
		s.epoch++
		entry.touched = s.epoch
	}
	s.mu.Unlock()

	if err := s.gateway.MarkRead(ctx, conversationId); err != nil {
		return newError(ReadAckFailed, "mark read "+conversationId, err)
	}
	return nil
}

// SetActive records the conversation the user has open. Pass "" for none.
func (s *ConversationStore) SetActive(conversationId string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = conversationId
}

func (s *ConversationStore) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Conversations returns the list, most recent first.
func (s *ConversationStore) Conversations() []api.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	conversations := make([]api.Conversation, 0, len(s.order))
	for _, id := range s.order {
		conversations = append(conversations, s.entries[id].conversation)
	}
	return conversations
}

func (s *ConversationStore) Get(conversationId string) (api.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[conversationId]
	if !ok {
		return api.Conversation{}, false
	}
	return entry.conversation, true
}

func (s *ConversationStore) TotalUnread() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, entry := range s.entries {
		total += entry.conversation.UnreadCount
	}
	return total
}

// Wait blocks until background read acknowledgements finish.
func (s *ConversationStore) Wait() {
	s.acks.Wait()
}

// moveToFront must be called with mu held.
func (s *ConversationStore) moveToFront(conversationId string) {
	for i, id := range s.order {
		if id == conversationId {
			copy(s.order[1:i+1], s.order[:i])
			s.order[0] = conversationId
			return
		}
	}
	s.order = append([]string{conversationId}, s.order...)
}

// sortByRecency orders by last message time, newest first. Conversations
// without messages keep their relative order at the back.
func sortByRecency(conversations []api.Conversation) {
	sort.SliceStable(conversations, func(i, j int) bool {
		a, b := conversations[i].LastMessage, conversations[j].LastMessage
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
}

// newer reports whether a is strictly newer than b.
func newer(a, b *api.Message) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return a.CreatedAt.After(b.CreatedAt)
}

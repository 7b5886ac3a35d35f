package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	jsonPatch "github.com/evanphx/json-patch/v5"
	"github.com/georgysavva/scany/pgxscan"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"marketChat/pkg/api"
)

const (
	conversationTypeDirect = "ONE_TO_ONE"
	conversationTypeOrder  = "ORDER"
)

type Storage interface {
	GetUserByIds(ctx context.Context, userIds []string) ([]*api.UserModel, error)
	GetOrder(ctx context.Context, orderId string) (*api.Order, error)
	AddMessage(ctx context.Context, message api.Message) (api.Message, error)
	GetConversations(ctx context.Context, userId string) ([]api.Conversation, error)
	GetMessages(ctx context.Context, conversationId string, page int, limit int) ([]api.Message, error)
	UpdateUserConversation(ctx context.Context, patchJson []byte, userId string, conversationId string) error
}

type conversationDoc struct {
	Participants []string  `firestore:"participants"`
	Type         string    `firestore:"type"`
	OrderId      string    `firestore:"orderId,omitempty"`
	LastUpdated  time.Time `firestore:"lastUpdated"`
}

type userConversationDoc struct {
	ConversationRef *firestore.DocumentRef `firestore:"conversationRef"`
	UnreadCount     int                    `firestore:"unreadCount"`
	LastUpdated     time.Time              `firestore:"lastUpdated"`
}

type messageDoc struct {
	Id             string    `firestore:"id"`
	ConversationId string    `firestore:"conversationId"`
	SenderId       string    `firestore:"senderId"`
	RecipientId    string    `firestore:"recipientId"`
	Content        string    `firestore:"content"`
	MessageType    string    `firestore:"messageType"`
	CreatedAt      time.Time `firestore:"createdAt"`
	OrderId        string    `firestore:"orderId,omitempty"`
	IsFiltered     bool      `firestore:"isFiltered"`
}

type storage struct {
	db     *pgxpool.Pool
	client *firestore.Client
}

// NewStorage keeps users and orders in Postgres and conversations in Firestore.
func NewStorage(db *pgxpool.Pool, client *firestore.Client) Storage {
	return &storage{db: db, client: client}
}

func (s *storage) AddMessage(ctx context.Context, message api.Message) (api.Message, error) {
	conversationRef := s.client.Collection("conversations").Doc(message.ConversationId)
	participants := []string{message.SenderId(), message.RecipientId()}

	conversationType := conversationTypeDirect
	orderId := ""
	if message.Order != nil {
		conversationType = conversationTypeOrder
		orderId = message.Order.Id
	}

	batch := s.client.Batch()
	batch.Set(conversationRef, map[string]interface{}{
		"participants": participants,
		"type":         conversationType,
		"orderId":      orderId,
		"lastUpdated":  message.CreatedAt,
	}, firestore.MergeAll)
	batch.Set(conversationRef.Collection("messages").Doc(message.Id), messageDoc{
		Id:             message.Id,
		ConversationId: message.ConversationId,
		SenderId:       message.SenderId(),
		RecipientId:    message.RecipientId(),
		Content:        message.Content,
		MessageType:    string(message.MessageType),
		CreatedAt:      message.CreatedAt,
		OrderId:        orderId,
		IsFiltered:     message.IsFiltered,
	})

	// Update each participant's user conversation document
	for _, uid := range participants {
		var unreadCount int
		if uid == message.RecipientId() {
			unreadCount = 1
		}
		userConversationRef := s.client.Collection("users").Doc(uid).Collection("conversations").Doc(message.ConversationId)
		batch.Set(userConversationRef, map[string]interface{}{
			"conversationRef": conversationRef,
			"unreadCount":     firestore.Increment(unreadCount),
			"lastUpdated":     message.CreatedAt,
		}, firestore.MergeAll)
	}

	if _, err := batch.Commit(ctx); err != nil {
		return api.Message{}, fmt.Errorf("storing message %s: %w", message.Id, err)
	}
	log.Debug().Str("conversationId", message.ConversationId).Str("messageId", message.Id).Msg("Created message document")

	return message, nil
}

func (s *storage) GetConversations(ctx context.Context, userId string) ([]api.Conversation, error) {
	// Get conversations sub-collection in user collection
	path := "users/" + userId + "/conversations"
	userConversationSnaps, err := s.client.Collection(path).OrderBy("lastUpdated", firestore.Desc).Documents(ctx).GetAll()
	if err != nil {
		return nil, err
	}

	type loaded struct {
		id               string
		conversation     conversationDoc
		userConversation userConversationDoc
		lastMessage      *messageDoc
	}

	var rows []loaded
	userIds := map[string]bool{}
	for _, userConversationSnap := range userConversationSnaps {
		var userConversation userConversationDoc
		if err := userConversationSnap.DataTo(&userConversation); err != nil {
			return nil, err
		}
		if userConversation.ConversationRef == nil {
			continue
		}

		conversationSnap, err := userConversation.ConversationRef.Get(ctx)
		if status.Code(err) == codes.NotFound {
			continue
		}
		if err != nil {
			return nil, err
		}

		var conversation conversationDoc
		if err := conversationSnap.DataTo(&conversation); err != nil {
			return nil, err
		}

		// Query for latest message document in conversation
		messageSnaps, err := conversationSnap.Ref.Collection("messages").OrderBy("createdAt", firestore.Desc).Limit(1).Documents(ctx).GetAll()
		if err != nil {
			return nil, err
		}
		var lastMessage *messageDoc
		if len(messageSnaps) == 1 {
			var doc messageDoc
			if err := messageSnaps[0].DataTo(&doc); err != nil {
				return nil, err
			}
			doc.Id = messageSnaps[0].Ref.ID
			lastMessage = &doc
		}

		for _, id := range conversation.Participants {
			userIds[id] = true
		}
		rows = append(rows, loaded{
			id:               conversationSnap.Ref.ID,
			conversation:     conversation,
			userConversation: userConversation,
			lastMessage:      lastMessage,
		})
	}

	users, err := s.usersById(ctx, keys(userIds))
	if err != nil {
		return nil, err
	}

	conversations := make([]api.Conversation, 0, len(rows))
	for _, row := range rows {
		var order *api.Order
		if row.conversation.OrderId != "" {
			order, err = s.GetOrder(ctx, row.conversation.OrderId)
			if err != nil {
				log.Warn().Err(err).Str("orderId", row.conversation.OrderId).Msg("Order of conversation not found")
				order = nil
			}
		}

		conversation := api.Conversation{
			Id:            row.id,
			IsOrderScoped: row.conversation.OrderId != "",
			OrderId:       row.conversation.OrderId,
			Order:         order,
			UnreadCount:   row.userConversation.UnreadCount,
		}
		for _, id := range row.conversation.Participants {
			if user, ok := users[id]; ok {
				conversation.Participants = append(conversation.Participants, user)
			}
		}
		if row.lastMessage != nil {
			message := row.lastMessage.toMessage(users, order)
			conversation.LastMessage = &message
		}
		conversations = append(conversations, conversation)
	}

	return conversations, nil
}

func (s *storage) GetMessages(ctx context.Context, conversationId string, page int, limit int) ([]api.Message, error) {
	conversationRef := s.client.Collection("conversations").Doc(conversationId)
	conversationSnap, err := conversationRef.Get(ctx)
	if status.Code(err) == codes.NotFound {
		return []api.Message{}, nil
	}
	if err != nil {
		return nil, err
	}

	var conversation conversationDoc
	if err := conversationSnap.DataTo(&conversation); err != nil {
		return nil, err
	}

	query := conversationRef.Collection("messages").OrderBy("createdAt", firestore.Desc).Offset((page - 1) * limit).Limit(limit)
	messageSnaps, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, err
	}

	users, err := s.usersById(ctx, conversation.Participants)
	if err != nil {
		return nil, err
	}

	var order *api.Order
	if conversation.OrderId != "" {
		if order, err = s.GetOrder(ctx, conversation.OrderId); err != nil {
			log.Warn().Err(err).Str("orderId", conversation.OrderId).Msg("Order of conversation not found")
			order = nil
		}
	}

	// Newest first from the query, oldest first in the page
	messages := make([]api.Message, len(messageSnaps))
	for i, messageSnap := range messageSnaps {
		var doc messageDoc
		if err := messageSnap.DataTo(&doc); err != nil {
			return nil, err
		}
		doc.Id = messageSnap.Ref.ID
		messages[len(messageSnaps)-1-i] = doc.toMessage(users, order)
	}

	return messages, nil
}

func (s *storage) UpdateUserConversation(ctx context.Context, patchJSON []byte, uid string, conversationId string) error {
	patch, err := jsonPatch.DecodePatch(patchJSON)
	if err != nil {
		return fmt.Errorf("%w: %v", api.ErrInvalidRequest, err)
	}

	// Get document from user conversation collection
	userConversationSnap, err := s.client.Collection("users").Doc(uid).Collection("conversations").Doc(conversationId).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("conversation %s: %w", conversationId, api.ErrNotFound)
	}
	if err != nil {
		return err
	}

	var doc userConversationDoc
	if err := userConversationSnap.DataTo(&doc); err != nil {
		return err
	}

	userConversation, err := applyPatch(patch, api.UserConversation{UnreadCount: doc.UnreadCount, LastUpdated: doc.LastUpdated})
	if err != nil {
		return err
	}

	_, err = userConversationSnap.Ref.Update(ctx, []firestore.Update{
		{Path: "unreadCount", Value: userConversation.UnreadCount},
		{Path: "lastUpdated", Value: userConversation.LastUpdated},
	})
	if err != nil {
		log.Error().Err(err).Str("conversationId", conversationId).Msg("Setting modified data to user conversation")
		return err
	}

	return nil
}

func (s *storage) GetUserByIds(ctx context.Context, uIds []string) ([]*api.UserModel, error) {
	var users []*api.UserModel
	if len(uIds) == 0 {
		return users, nil
	}
	if err := pgxscan.Select(ctx, s.db, &users, "SELECT uid, first_name, last_name, role, profile_picture FROM user_account WHERE uid = ANY($1)", uIds); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *storage) GetOrder(ctx context.Context, orderId string) (*api.Order, error) {
	var model api.OrderModel
	err := pgxscan.Get(ctx, s.db, &model, "SELECT id, title, client_id, freelancer_id FROM orders WHERE id = $1", orderId)
	if pgxscan.NotFound(err) {
		return nil, fmt.Errorf("order %s: %w", orderId, api.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	users, err := s.usersById(ctx, []string{model.ClientId, model.FreelancerId})
	if err != nil {
		return nil, err
	}

	return model.ConvertToDTO(users), nil
}

func (s *storage) usersById(ctx context.Context, ids []string) (map[string]api.User, error) {
	models, err := s.GetUserByIds(ctx, ids)
	if err != nil {
		return nil, err
	}
	users := make(map[string]api.User, len(models))
	for _, model := range models {
		users[model.UID] = model.ConvertToDTO()
	}
	return users, nil
}

func (m messageDoc) toMessage(users map[string]api.User, order *api.Order) api.Message {
	message := api.Message{
		Id:             m.Id,
		ConversationId: m.ConversationId,
		Content:        m.Content,
		MessageType:    api.MessageType(m.MessageType),
		CreatedAt:      m.CreatedAt,
		IsFiltered:     m.IsFiltered,
	}
	if sender, ok := users[m.SenderId]; ok {
		message.Sender = &sender
	} else if m.SenderId != "" {
		message.Sender = &api.User{Id: m.SenderId}
	}
	if recipient, ok := users[m.RecipientId]; ok {
		message.Recipient = &recipient
	} else if m.RecipientId != "" {
		message.Recipient = &api.User{Id: m.RecipientId}
	}
	if m.OrderId != "" {
		if order != nil && order.Id == m.OrderId {
			message.Order = order
		} else {
			message.Order = &api.Order{Id: m.OrderId}
		}
	}
	return message
}

// applyPatch modifies userConversation based on the instructions of patch.
func applyPatch(patch jsonPatch.Patch, userConversation api.UserConversation) (api.UserConversation, error) {
	doc, err := json.Marshal(userConversation)
	if err != nil {
		return userConversation, err
	}

	doc, err = patch.Apply(doc)
	if err != nil {
		return userConversation, fmt.Errorf("%w: %v", api.ErrInvalidRequest, err)
	}

	var patched api.UserConversation
	if err := json.Unmarshal(doc, &patched); err != nil {
		return userConversation, fmt.Errorf("%w: %v", api.ErrInvalidRequest, err)
	}
	if patched.UnreadCount < 0 {
		return userConversation, fmt.Errorf("%w: unreadCount must not be negative", api.ErrInvalidRequest)
	}

	return patched, nil
}

func keys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

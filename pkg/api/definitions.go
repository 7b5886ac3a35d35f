package api

import (
	"strings"
	"time"
)

type Role string

const (
	RoleClient     Role = "client"
	RoleFreelancer Role = "freelancer"
	RoleAdmin      Role = "admin"
)

type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeSystem MessageType = "system"
)

// User is the participant shape shared by conversations and messages. It is
// referenced, never owned, by either.
type User struct {
	Id             string  `json:"id"`
	FirstName      string  `json:"firstName"`
	LastName       string  `json:"lastName"`
	Role           Role    `json:"role"`
	ProfilePicture *string `json:"profilePicture,omitempty"`
}

func (u User) DisplayName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Id
	}
	return name
}

type Order struct {
	Id         string `json:"id"`
	Title      string `json:"title,omitempty"`
	Client     *User  `json:"client,omitempty"`
	Freelancer *User  `json:"freelancer,omitempty"`
}

// Counterpart returns the party of the order that is not userId, or nil when
// userId is not a party or the order is missing a side.
func (o *Order) Counterpart(userId string) *User {
	if o == nil || o.Client == nil || o.Freelancer == nil {
		return nil
	}
	switch userId {
	case o.Client.Id:
		if o.Freelancer.Id == userId {
			return nil
		}
		return o.Freelancer
	case o.Freelancer.Id:
		return o.Client
	}
	return nil
}

// HasParty reports whether userId is the client or the freelancer of the order.
func (o *Order) HasParty(userId string) bool {
	if o == nil {
		return false
	}
	return (o.Client != nil && o.Client.Id == userId) || (o.Freelancer != nil && o.Freelancer.Id == userId)
}

type Message struct {
	Id             string      `json:"id"`
	ConversationId string      `json:"conversationId"`
	Sender         *User       `json:"sender,omitempty"`
	Recipient      *User       `json:"recipient,omitempty"`
	Content        string      `json:"content"`
	MessageType    MessageType `json:"messageType"`
	CreatedAt      time.Time   `json:"createdAt"`
	Order          *Order      `json:"order,omitempty"`
	IsFiltered     bool        `json:"isFiltered,omitempty"`
}

func (m *Message) SenderId() string {
	if m == nil || m.Sender == nil {
		return ""
	}
	return m.Sender.Id
}

func (m *Message) RecipientId() string {
	if m == nil || m.Recipient == nil {
		return ""
	}
	return m.Recipient.Id
}

type Conversation struct {
	Id            string   `json:"id"`
	IsOrderScoped bool     `json:"isOrderScoped"`
	OrderId       string   `json:"orderId,omitempty"`
	Order         *Order   `json:"order,omitempty"`
	Participants  []User   `json:"participants,omitempty"`
	LastMessage   *Message `json:"lastMessage,omitempty"`
	UnreadCount   int      `json:"unreadCount"`
}

// ThreadQuery addresses one page of history. Page 1 holds the most recent
// messages; higher pages go back in time. Messages in a page are oldest first.
type ThreadQuery struct {
	OtherUserId string
	OrderId     string
	Page        int
	Limit       int
}

type SendMessageRequest struct {
	RecipientId string      `json:"recipientId"`
	Content     string      `json:"content"`
	MessageType MessageType `json:"messageType"`
	OrderId     string      `json:"orderId,omitempty"`
}

type SendMessageResponse struct {
	Success bool     `json:"success"`
	Data    *Message `json:"data,omitempty"`
	Warning string   `json:"warning,omitempty"`
	Message string   `json:"message,omitempty"`
}

// UserConversation is the per-user state of a conversation. It is the
// document JSON patches are applied to.
type UserConversation struct {
	UnreadCount int       `json:"unreadCount"`
	LastUpdated time.Time `json:"lastUpdated"`
}

type UserModel struct {
	UID            string  `db:"uid"`
	FirstName      *string `db:"first_name"`
	LastName       *string `db:"last_name"`
	Role           string  `db:"role"`
	ProfilePicture *string `db:"profile_picture"`
}

func (u *UserModel) ConvertToDTO() User {
	user := User{
		Id:             u.UID,
		Role:           Role(u.Role),
		ProfilePicture: u.ProfilePicture,
	}
	if u.FirstName != nil {
		user.FirstName = *u.FirstName
	}
	if u.LastName != nil {
		user.LastName = *u.LastName
	}
	return user
}

type OrderModel struct {
	Id           string  `db:"id"`
	Title        *string `db:"title"`
	ClientId     string  `db:"client_id"`
	FreelancerId string  `db:"freelancer_id"`
}

// ConvertToDTO builds the order with its parties looked up in users. A party
// missing from users is left nil.
func (o *OrderModel) ConvertToDTO(users map[string]User) *Order {
	order := &Order{Id: o.Id}
	if o.Title != nil {
		order.Title = *o.Title
	}
	if client, ok := users[o.ClientId]; ok {
		order.Client = &client
	}
	if freelancer, ok := users[o.FreelancerId]; ok {
		order.Freelancer = &freelancer
	}
	return order
}

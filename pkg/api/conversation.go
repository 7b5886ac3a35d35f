package api

import (
	"sort"
	"strings"
)

const orderConversationPrefix = "order_"

type ConversationKind int

const (
	KindDirect ConversationKind = iota
	KindOrderScoped
)

func (k ConversationKind) String() string {
	if k == KindOrderScoped {
		return "order"
	}
	return "direct"
}

// ConversationKey is the parsed form of a conversation id.
type ConversationKey struct {
	Id      string
	Kind    ConversationKind
	OrderId string
}

func (k ConversationKey) IsOrderScoped() bool {
	return k.Kind == KindOrderScoped
}

// DirectConversationId pairs two users independent of argument order.
func DirectConversationId(userId1, userId2 string) string {
	userIds := []string{userId1, userId2}
	sort.Strings(userIds)
	return userIds[0] + "_" + userIds[1]
}

func OrderConversationId(orderId string) string {
	return orderConversationPrefix + orderId
}

// ParseConversationId classifies id by its prefix. An "order_" prefix with an
// empty remainder is treated as direct.
func ParseConversationId(id string) ConversationKey {
	id = strings.TrimSpace(id)
	if orderId := strings.TrimPrefix(id, orderConversationPrefix); orderId != id && orderId != "" {
		return ConversationKey{Id: id, Kind: KindOrderScoped, OrderId: orderId}
	}
	return ConversationKey{Id: id, Kind: KindDirect}
}

// NormalizeConversation fills IsOrderScoped and OrderId from whichever source
// carries them: the flags themselves, the embedded order, the last message's
// order, or the id prefix.
func NormalizeConversation(c Conversation) Conversation {
	c.Id = strings.TrimSpace(c.Id)
	key := ParseConversationId(c.Id)
	if c.OrderId == "" {
		switch {
		case c.Order != nil && c.Order.Id != "":
			c.OrderId = c.Order.Id
		case c.LastMessage != nil && c.LastMessage.Order != nil && c.LastMessage.Order.Id != "":
			c.OrderId = c.LastMessage.Order.Id
		case key.IsOrderScoped():
			c.OrderId = key.OrderId
		}
	}
	if key.IsOrderScoped() {
		c.IsOrderScoped = true
	}
	if !c.IsOrderScoped {
		c.OrderId = ""
	}
	return c
}

// Key returns the parsed identity of a normalized conversation.
func (c Conversation) Key() ConversationKey {
	if c.IsOrderScoped && c.OrderId != "" {
		return ConversationKey{Id: c.Id, Kind: KindOrderScoped, OrderId: c.OrderId}
	}
	return ParseConversationId(c.Id)
}

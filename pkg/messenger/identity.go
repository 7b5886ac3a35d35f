package messenger

import (
	"marketChat/pkg/api"
)

// placeholderUserId marks an identity synthesized from an order id alone.
const placeholderUserId = "unknown"

type IdentityKind int

const (
	Unresolved IdentityKind = iota
	Placeholder
	Resolved
)

// Identity is the other party of a conversation as seen by the current user.
// Only a Resolved identity can be messaged.
type Identity struct {
	Kind        IdentityKind
	User        api.User
	DisplayName string
}

func (i Identity) Messageable() bool {
	return i.Kind == Resolved && i.User.Id != "" && i.User.Id != placeholderUserId
}

func resolved(user api.User) Identity {
	return Identity{Kind: Resolved, User: user, DisplayName: user.DisplayName()}
}

// Resolve finds the other participant of conversation for currentUserId. It
// never fails; the first source that yields an answer wins.
func Resolve(conversation api.Conversation, currentUserId string) Identity {
	conversation = api.NormalizeConversation(conversation)
	key := conversation.Key()

	if key.IsOrderScoped() {
		var order *api.Order
		if conversation.LastMessage != nil && conversation.LastMessage.Order != nil {
			order = conversation.LastMessage.Order
		} else {
			order = conversation.Order
		}
		if other := orderCounterpart(order, currentUserId); other != nil {
			return resolved(*other)
		}
	}

	if last := conversation.LastMessage; last != nil && last.Sender != nil && last.Recipient != nil {
		senderIsMe := last.Sender.Id == currentUserId
		recipientIsMe := last.Recipient.Id == currentUserId
		switch {
		case senderIsMe && !recipientIsMe:
			return resolved(*last.Recipient)
		case recipientIsMe && !senderIsMe:
			return resolved(*last.Sender)
		}
	}

	if len(conversation.Participants) == 2 {
		for _, participant := range conversation.Participants {
			if participant.Id != currentUserId {
				return resolved(participant)
			}
		}
	}

	if key.IsOrderScoped() {
		return placeholderFor(key.OrderId)
	}

	return Identity{Kind: Unresolved}
}

func orderCounterpart(order *api.Order, currentUserId string) *api.User {
	if order == nil {
		return nil
	}
	if order.Client != nil && order.Client.Id == currentUserId && order.Freelancer != nil {
		return order.Freelancer
	}
	if order.Freelancer != nil && order.Freelancer.Id == currentUserId && order.Client != nil {
		return order.Client
	}
	return nil
}

func placeholderFor(orderId string) Identity {
	short := orderId
	if len(short) > 8 {
		short = short[:8]
	}
	name := "Order #" + short
	return Identity{
		Kind:        Placeholder,
		User:        api.User{Id: placeholderUserId, FirstName: name, Role: api.RoleClient},
		DisplayName: name,
	}
}

// Label is the display name of the other party, or fallback when none resolves.
func Label(conversation api.Conversation, currentUserId, fallback string) string {
	identity := Resolve(conversation, currentUserId)
	if identity.Kind == Unresolved || identity.DisplayName == "" {
		return fallback
	}
	return identity.DisplayName
}

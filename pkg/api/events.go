package api

import (
	"bytes"
	"encoding/json"
)

const (
	EventNewMessage        = "new_message"
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventSendMessage       = "send_message"
	EventError             = "error"
)

var newline = []byte{'\n'}

// Event is the envelope of every frame on the live channel.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type JoinConversation struct {
	ConversationId string `json:"conversationId"`
	OtherUserId    string `json:"otherUserId"`
	OrderId        string `json:"orderId,omitempty"`
}

type LeaveConversation struct {
	ConversationId string `json:"conversationId"`
	OrderId        string `json:"orderId,omitempty"`
}

type ErrorEvent struct {
	Message string `json:"message"`
}

func EncodeEvent(eventType string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Event{Type: eventType, Data: data})
}

// DecodeEvents splits a frame into its events. The write pumps batch queued
// events into one frame separated by newlines; lines that fail to decode are
// returned as errs without stopping the rest.
func DecodeEvents(frame []byte) (events []Event, errs []error) {
	for _, line := range bytes.Split(frame, newline) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			errs = append(errs, err)
			continue
		}
		events = append(events, event)
	}
	return events, errs
}

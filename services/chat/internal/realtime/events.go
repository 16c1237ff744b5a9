package realtime

import (
	"encoding/json"

	"relaychat/pkg/domain"
)

// Outbound event types.
const (
	EventConnected           = "connected"
	EventMessageReceived     = "message_received"
	EventMessageStatus       = "message_status"
	EventMessagesRead        = "messages_read"
	EventMessageUpdated      = "message_updated"
	EventMessageDeleted      = "message_deleted"
	EventMessageDeletedForMe = "message_deleted_for_me"
	EventTyping              = "typing"
	EventStopTyping          = "stop_typing"
	EventChatUpdated         = "chat_updated"
	EventChatRemoved         = "chat_removed"
	EventJoined              = "joined"
	EventError               = "error"
)

// Event is the envelope of every frame written to a session.
type Event struct {
	Type       string               `json:"type"`
	ChatID     string               `json:"chatId,omitempty"`
	MessageID  string               `json:"messageId,omitempty"`
	UserID     string               `json:"userId,omitempty"`
	MessageIDs []string             `json:"messageIds,omitempty"`
	Status     domain.MessageStatus `json:"status,omitempty"`
	Message    *domain.MessageView  `json:"message,omitempty"`
	Chat       *domain.ChatView     `json:"chat,omitempty"`
	Code       string               `json:"code,omitempty"`
	Error      string               `json:"error,omitempty"`
}

// Encode marshals the event, falling back to an error frame.
func Encode(e Event) []byte {
	payload, err := json.Marshal(e)
	if err != nil {
		payload, _ = json.Marshal(Event{Type: EventError, Code: "encode_failed", Error: err.Error()})
	}
	return payload
}

// ErrorEvent builds an error frame.
func ErrorEvent(code, msg string) []byte {
	return Encode(Event{Type: EventError, Code: code, Error: msg})
}

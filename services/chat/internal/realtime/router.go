package realtime

import (
	"context"
	"log/slog"

	"relaychat/pkg/domain"
	"relaychat/services/chat/internal/app"
)

// DeliveryStore persists the sent to delivered transition.
type DeliveryStore interface {
	MarkDelivered(ctx context.Context, messageID string) (bool, error)
}

// RouterConfig holds the Router's dependencies.
type RouterConfig struct {
	Hub     *Hub
	Store   DeliveryStore
	Logger  *slog.Logger
	Metrics *Metrics
}

// Router turns persisted state changes into events for connected sessions.
// Delivery is at-most-once per session; failures are logged and counted.
type Router struct {
	hub      *Hub
	presence *Presence
	store    DeliveryStore
	logger   *slog.Logger
	metrics  *Metrics
}

var _ app.Notifier = (*Router)(nil)

// NewRouter constructs a Router.
func NewRouter(cfg RouterConfig) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		hub:      cfg.Hub,
		presence: cfg.Hub.Presence(),
		store:    cfg.Store,
		logger:   logger,
		metrics:  cfg.Metrics,
	}
}

// MessageCreated hands a new message to every other member. The first
// online recipient moves a user message to delivered, and the sender hears
// about it.
func (r *Router) MessageCreated(ctx context.Context, chat domain.Chat, msg domain.MessageView) {
	payload := Encode(Event{Type: EventMessageReceived, ChatID: chat.ID, Message: &msg})
	attempted := msg.IsSystemMessage
	for _, member := range chat.Members {
		if member == msg.SenderID {
			continue
		}
		if !attempted && r.presence.IsOnline(member) {
			attempted = r.markDelivered(ctx, chat.ID, msg.ID, msg.SenderID)
		}
		r.notifyUser(member, EventMessageReceived, payload)
	}
}

// markDelivered reports whether the store call succeeded; a failure lets
// the next online recipient try again.
func (r *Router) markDelivered(ctx context.Context, chatID, messageID, senderID string) bool {
	changed, err := r.store.MarkDelivered(ctx, messageID)
	if err != nil {
		r.logger.Warn("mark delivered failed", "chat_id", chatID, "message_id", messageID, "err", err)
		return false
	}
	if !changed {
		return true
	}
	r.metrics.transitioned()
	r.notifyUser(senderID, EventMessageStatus, Encode(Event{
		Type:      EventMessageStatus,
		ChatID:    chatID,
		MessageID: messageID,
		Status:    domain.StatusDelivered,
	}))
	return true
}

// MessagesRead tells the other members which messages readerID read.
func (r *Router) MessagesRead(ctx context.Context, chat domain.Chat, readerID string, messageIDs []string) {
	payload := Encode(Event{Type: EventMessagesRead, ChatID: chat.ID, UserID: readerID, MessageIDs: messageIDs})
	for _, member := range chat.Members {
		if member == readerID {
			continue
		}
		r.notifyUser(member, EventMessagesRead, payload)
	}
}

// MessageUpdated broadcasts a star or reaction change to the chat room.
func (r *Router) MessageUpdated(ctx context.Context, chat domain.Chat, msg domain.MessageView) {
	r.broadcast(chat.ID, EventMessageUpdated, Encode(Event{Type: EventMessageUpdated, ChatID: chat.ID, Message: &msg}), "")
}

// MessageDeleted broadcasts a delete-for-everyone to the chat room.
func (r *Router) MessageDeleted(ctx context.Context, chat domain.Chat, messageID string) {
	r.broadcast(chat.ID, EventMessageDeleted, Encode(Event{Type: EventMessageDeleted, ChatID: chat.ID, MessageID: messageID}), "")
}

// MessageDeletedForUser tells only userID's sessions, so their other devices
// hide the message too.
func (r *Router) MessageDeletedForUser(ctx context.Context, chat domain.Chat, messageID, userID string) {
	r.notifyUser(userID, EventMessageDeletedForMe, Encode(Event{
		Type:      EventMessageDeletedForMe,
		ChatID:    chat.ID,
		MessageID: messageID,
		UserID:    userID,
	}))
}

// ChatUpdated pushes the chat state to every member.
func (r *Router) ChatUpdated(ctx context.Context, chat domain.ChatView) {
	payload := Encode(Event{Type: EventChatUpdated, ChatID: chat.ID, Chat: &chat})
	for _, member := range chat.Members {
		r.notifyUser(member, EventChatUpdated, payload)
	}
}

// ChatRemoved tells each user the chat is gone for them and drops their
// sessions from its room.
func (r *Router) ChatRemoved(ctx context.Context, chatID string, userIDs []string) {
	payload := Encode(Event{Type: EventChatRemoved, ChatID: chatID})
	for _, userID := range userIDs {
		r.hub.Evict(chatID, userID)
		r.notifyUser(userID, EventChatRemoved, payload)
	}
}

// Typing relays a typing signal to the rest of the room.
func (r *Router) Typing(ctx context.Context, chat domain.Chat, userID string, stop bool) {
	eventType := EventTyping
	if stop {
		eventType = EventStopTyping
	}
	r.broadcast(chat.ID, eventType, Encode(Event{Type: eventType, ChatID: chat.ID, UserID: userID}), userID)
}

func (r *Router) broadcast(chatID, eventType string, payload []byte, excludeUserID string) {
	sent, dropped := r.hub.BroadcastChat(chatID, payload, excludeUserID)
	r.metrics.observe(eventType, sent, dropped)
	if dropped > 0 {
		r.logger.Warn("realtime event dropped", "type", eventType, "chat_id", chatID, "dropped", dropped)
	}
}

func (r *Router) notifyUser(userID, eventType string, payload []byte) {
	sent, dropped := r.hub.NotifyUser(userID, payload)
	r.metrics.observe(eventType, sent, dropped)
	if dropped > 0 {
		r.logger.Warn("realtime event dropped", "type", eventType, "user_id", userID, "dropped", dropped)
	}
}

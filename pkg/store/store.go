package store

import (
	"context"
	"errors"
	"time"

	"relaychat/pkg/domain"
)

// ErrInvalidRecord indicates a write that would break a record constraint.
var ErrInvalidRecord = errors.New("invalid record")

// Store defines persistence operations for users, chats, and messages.
//
// Each method is atomic for the record it touches. Compound operations that
// span records (a message plus its chat's latest pointer, a roster change plus
// its system message) are issued by callers as separate writes.
type Store interface {
	// users
	SaveUser(ctx context.Context, u domain.User) error
	HasUserEmail(ctx context.Context, email string) (bool, error)
	GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error)
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
	GetUsersByIDs(ctx context.Context, ids []string) (map[string]domain.User, error)

	// chats
	SaveChat(ctx context.Context, c domain.Chat) error
	GetChat(ctx context.Context, id string) (domain.Chat, bool, error)
	FindDirectChats(ctx context.Context, userA, userB string) ([]domain.Chat, error)
	ListChatsByMember(ctx context.Context, userID string) ([]domain.Chat, error)
	SetLatestMessage(ctx context.Context, chatID, messageID string, at time.Time) error
	DeleteChat(ctx context.Context, id string) error

	// messages
	SaveMessage(ctx context.Context, m domain.Message) error
	GetMessage(ctx context.Context, id string) (domain.Message, bool, error)
	GetMessagesByIDs(ctx context.Context, ids []string) (map[string]domain.Message, error)
	ListChatMessages(ctx context.Context, chatID, viewerID string) ([]domain.Message, error)
	MarkDelivered(ctx context.Context, id string) (bool, error)
	MarkChatRead(ctx context.Context, chatID, readerID string) ([]string, error)
	DeleteChatMessagesForUser(ctx context.Context, chatID, userID string) error
}

// DirectKey identifies the unordered user pair of a direct chat.
func DirectKey(userA, userB string) string {
	if userA > userB {
		userA, userB = userB, userA
	}
	return userA + ":" + userB
}

func validateChat(c domain.Chat) error {
	if c.ID == "" {
		return errors.Join(ErrInvalidRecord, errors.New("chat id required"))
	}
	seen := make(map[string]struct{}, len(c.Members))
	for _, m := range c.Members {
		if _, dup := seen[m]; dup {
			return errors.Join(ErrInvalidRecord, errors.New("duplicate chat member"))
		}
		seen[m] = struct{}{}
	}
	if c.IsGroup && len(c.Members) > 0 {
		if _, ok := seen[c.AdminID]; !ok {
			return errors.Join(ErrInvalidRecord, errors.New("group admin must be a member"))
		}
	}
	if !c.IsGroup && c.AdminID != "" {
		return errors.Join(ErrInvalidRecord, errors.New("direct chat cannot have an admin"))
	}
	return nil
}

func validateMessage(m domain.Message) error {
	if m.ID == "" || m.ChatID == "" {
		return errors.Join(ErrInvalidRecord, errors.New("message id and chat id required"))
	}
	if m.IsSystemMessage != (m.SystemKind != "") {
		return errors.Join(ErrInvalidRecord, errors.New("system kind must be set iff system message"))
	}
	if m.IsSystemMessage && !m.SystemKind.Valid() {
		return errors.Join(ErrInvalidRecord, errors.New("unknown system kind"))
	}
	return nil
}

func directKeyFor(c domain.Chat) string {
	if c.IsGroup || len(c.Members) != 2 {
		return ""
	}
	return DirectKey(c.Members[0], c.Members[1])
}

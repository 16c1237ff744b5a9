package domain

import (
	"slices"
	"time"
)

type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// rank orders statuses so transitions can only move forward.
func (s MessageStatus) rank() int {
	switch s {
	case StatusDelivered:
		return 1
	case StatusRead:
		return 2
	default:
		return 0
	}
}

// Advance returns the later of s and next. Status never regresses.
func (s MessageStatus) Advance(next MessageStatus) MessageStatus {
	if next.rank() > s.rank() {
		return next
	}
	return s
}

type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Ref returns the public projection of the user.
func (u User) Ref() UserRef {
	return UserRef{ID: u.ID, Name: u.Name, Email: u.Email}
}

// UserRef is the identity shown to other users.
type UserRef struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

type Chat struct {
	ID              string    `json:"id"`
	IsGroup         bool      `json:"isGroupChat"`
	Name            string    `json:"chatName,omitempty"`
	Members         []string  `json:"memberIds"`
	AdminID         string    `json:"adminId,omitempty"`
	PinnedBy        []string  `json:"pinnedBy"`
	LatestMessageID string    `json:"latestMessageId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// HasMember reports whether userID is currently on the roster.
func (c Chat) HasMember(userID string) bool {
	return slices.Contains(c.Members, userID)
}

// IsAdmin reports whether userID administers this group chat.
func (c Chat) IsAdmin(userID string) bool {
	return c.IsGroup && c.AdminID != "" && c.AdminID == userID
}

// IsPinnedBy reports whether userID pinned the chat.
func (c Chat) IsPinnedBy(userID string) bool {
	return slices.Contains(c.PinnedBy, userID)
}

// Reaction is a single user's glyph on a message.
type Reaction struct {
	UserID string `json:"user"`
	Glyph  string `json:"reaction"`
}

type Message struct {
	ID              string        `json:"id"`
	ChatID          string        `json:"chatId"`
	SenderID        string        `json:"senderId,omitempty"`
	Content         string        `json:"content"`
	CreatedAt       time.Time     `json:"createdAt"`
	ReplyToID       string        `json:"replyToId,omitempty"`
	IsForwarded     bool          `json:"isForwarded"`
	ForwardedFromID string        `json:"forwardedFromId,omitempty"`
	Reactions       []Reaction    `json:"reactions"`
	StarredBy       []string      `json:"starredBy"`
	DeletedFor      []string      `json:"deletedFor"`
	DeletedForAll   bool          `json:"deletedForAll"`
	DeletedBy       string        `json:"deletedBy,omitempty"`
	IsSystemMessage bool          `json:"isSystemMessage"`
	SystemKind      SystemKind    `json:"systemMessageType,omitempty"`
	Status          MessageStatus `json:"status"`
}

// IsDeletedFor reports whether userID removed the message from their own view.
func (m Message) IsDeletedFor(userID string) bool {
	return slices.Contains(m.DeletedFor, userID)
}

// IsStarredBy reports whether userID starred the message.
func (m Message) IsStarredBy(userID string) bool {
	return slices.Contains(m.StarredBy, userID)
}

// ReactionOf returns the glyph userID reacted with, if any.
func (m Message) ReactionOf(userID string) (string, bool) {
	for _, r := range m.Reactions {
		if r.UserID == userID {
			return r.Glyph, true
		}
	}
	return "", false
}

// MessageRef is a one-level-deep reference to another message.
type MessageRef struct {
	ID            string   `json:"id"`
	Content       string   `json:"content"`
	DeletedForAll bool     `json:"deletedForAll"`
	Sender        *UserRef `json:"sender,omitempty"`
}

// MessageView is a message with its sender and references resolved for display.
type MessageView struct {
	Message
	Sender        *UserRef    `json:"sender,omitempty"`
	ReplyTo       *MessageRef `json:"replyTo,omitempty"`
	ForwardedFrom *MessageRef `json:"forwardedFrom,omitempty"`
}

// ChatView is a chat with roster identities and latest message resolved.
type ChatView struct {
	Chat
	Users         []UserRef    `json:"users"`
	Admin         *UserRef     `json:"groupAdmin,omitempty"`
	LatestMessage *MessageView `json:"latestMessage,omitempty"`
}

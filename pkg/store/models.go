package store

import (
	"time"

	"gorm.io/datatypes"
	"relaychat/pkg/domain"
)

// GORM models used for persistence.
type UserModel struct {
	ID           string    `gorm:"primaryKey"`
	Name         string    `gorm:"not null"`
	Email        string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

type ChatModel struct {
	ID              string `gorm:"primaryKey"`
	IsGroup         bool   `gorm:"not null;index"`
	Name            string
	DirectKey       string                      `gorm:"index"`
	Members         datatypes.JSONSlice[string] `gorm:"not null"`
	AdminID         string
	PinnedBy        datatypes.JSONSlice[string]
	LatestMessageID string
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null;index"`
}

// ChatMemberModel indexes chat membership for "chats containing user" lookups.
// The ordered roster itself lives in ChatModel.Members.
type ChatMemberModel struct {
	ChatID string `gorm:"primaryKey"`
	UserID string `gorm:"primaryKey;index"`
}

type MessageModel struct {
	ID              string    `gorm:"primaryKey"`
	ChatID          string    `gorm:"not null;index:idx_message_chat_created,priority:1"`
	SenderID        string    `gorm:"index"`
	Content         string    `gorm:"type:text"`
	CreatedAt       time.Time `gorm:"not null;index:idx_message_chat_created,priority:2"`
	ReplyToID       string
	IsForwarded     bool `gorm:"not null"`
	ForwardedFromID string
	Reactions       datatypes.JSONSlice[domain.Reaction]
	StarredBy       datatypes.JSONSlice[string]
	DeletedFor      datatypes.JSONSlice[string]
	DeletedForAll   bool `gorm:"not null"`
	DeletedBy       string
	IsSystemMessage bool `gorm:"not null"`
	SystemKind      string
	Status          string `gorm:"not null;index"`
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Name:         u.Name,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Name:         m.Name,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func chatToModel(c domain.Chat) ChatModel {
	return ChatModel{
		ID:              c.ID,
		IsGroup:         c.IsGroup,
		Name:            c.Name,
		DirectKey:       directKeyFor(c),
		Members:         datatypes.NewJSONSlice(nonNil(c.Members)),
		AdminID:         c.AdminID,
		PinnedBy:        datatypes.NewJSONSlice(nonNil(c.PinnedBy)),
		LatestMessageID: c.LatestMessageID,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
}

func chatFromModel(m ChatModel) domain.Chat {
	return domain.Chat{
		ID:              m.ID,
		IsGroup:         m.IsGroup,
		Name:            m.Name,
		Members:         nonNil([]string(m.Members)),
		AdminID:         m.AdminID,
		PinnedBy:        nonNil([]string(m.PinnedBy)),
		LatestMessageID: m.LatestMessageID,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func messageToModel(m domain.Message) MessageModel {
	return MessageModel{
		ID:              m.ID,
		ChatID:          m.ChatID,
		SenderID:        m.SenderID,
		Content:         m.Content,
		CreatedAt:       m.CreatedAt,
		ReplyToID:       m.ReplyToID,
		IsForwarded:     m.IsForwarded,
		ForwardedFromID: m.ForwardedFromID,
		Reactions:       datatypes.NewJSONSlice(nonNil(m.Reactions)),
		StarredBy:       datatypes.NewJSONSlice(nonNil(m.StarredBy)),
		DeletedFor:      datatypes.NewJSONSlice(nonNil(m.DeletedFor)),
		DeletedForAll:   m.DeletedForAll,
		DeletedBy:       m.DeletedBy,
		IsSystemMessage: m.IsSystemMessage,
		SystemKind:      string(m.SystemKind),
		Status:          string(m.Status),
	}
}

func messageFromModel(m MessageModel) domain.Message {
	return domain.Message{
		ID:              m.ID,
		ChatID:          m.ChatID,
		SenderID:        m.SenderID,
		Content:         m.Content,
		CreatedAt:       m.CreatedAt,
		ReplyToID:       m.ReplyToID,
		IsForwarded:     m.IsForwarded,
		ForwardedFromID: m.ForwardedFromID,
		Reactions:       nonNil([]domain.Reaction(m.Reactions)),
		StarredBy:       nonNil([]string(m.StarredBy)),
		DeletedFor:      nonNil([]string(m.DeletedFor)),
		DeletedForAll:   m.DeletedForAll,
		DeletedBy:       m.DeletedBy,
		IsSystemMessage: m.IsSystemMessage,
		SystemKind:      domain.SystemKind(m.SystemKind),
		Status:          domain.MessageStatus(m.Status),
	}
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

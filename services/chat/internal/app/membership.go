package app

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"relaychat/pkg/domain"
)

// AccessDirectChat returns the direct chat between userID and otherID that
// still has both as members, creating one when none exists. created reports
// whether a new chat was stored.
//
// Two concurrent first contacts may both create a chat; later lookups settle
// on the oldest.
func (a *App) AccessDirectChat(ctx context.Context, userID, otherID string) (view domain.ChatView, created bool, err error) {
	otherID = strings.TrimSpace(otherID)
	if otherID == "" {
		return domain.ChatView{}, false, ErrUserIDRequired
	}
	if otherID == userID {
		return domain.ChatView{}, false, ErrSelfChat
	}
	if _, err := a.User(ctx, otherID); err != nil {
		return domain.ChatView{}, false, err
	}
	chat, created, err := a.directChat(ctx, userID, otherID)
	if err != nil {
		return domain.ChatView{}, false, err
	}
	view, err = a.chatView(ctx, chat)
	return view, created, err
}

func (a *App) directChat(ctx context.Context, userID, otherID string) (domain.Chat, bool, error) {
	existing, err := a.store.FindDirectChats(ctx, userID, otherID)
	if err != nil {
		return domain.Chat{}, false, fmt.Errorf("find direct chat: %w", err)
	}
	for _, c := range existing {
		if c.HasMember(userID) && c.HasMember(otherID) {
			return c, false, nil
		}
	}
	now := a.timestamp()
	chat := domain.Chat{
		ID:        a.newID(),
		Members:   []string{userID, otherID},
		PinnedBy:  []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.store.SaveChat(ctx, chat); err != nil {
		return domain.Chat{}, false, fmt.Errorf("create direct chat: %w", err)
	}
	return chat, true, nil
}

// CreateGroupChat creates a group administered by creatorID. At least two
// distinct invitees besides the creator are required.
func (a *App) CreateGroupChat(ctx context.Context, creatorID, name string, memberIDs []string) (domain.ChatView, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.ChatView{}, ErrNameRequired
	}
	invitees := make([]string, 0, len(memberIDs))
	for _, id := range memberIDs {
		id = strings.TrimSpace(id)
		if id == "" || id == creatorID || slices.Contains(invitees, id) {
			continue
		}
		invitees = append(invitees, id)
	}
	if len(invitees) < 2 {
		return domain.ChatView{}, ErrGroupTooSmall
	}
	members := append([]string{creatorID}, invitees...)
	users, err := a.store.GetUsersByIDs(ctx, members)
	if err != nil {
		return domain.ChatView{}, fmt.Errorf("fetch members: %w", err)
	}
	for _, id := range members {
		if _, ok := users[id]; !ok {
			return domain.ChatView{}, ErrUserNotFound
		}
	}

	now := a.timestamp()
	chat := domain.Chat{
		ID:        a.newID(),
		IsGroup:   true,
		Name:      name,
		Members:   members,
		AdminID:   creatorID,
		PinnedBy:  []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.store.SaveChat(ctx, chat); err != nil {
		return domain.ChatView{}, fmt.Errorf("create group: %w", err)
	}
	sys, err := a.appendSystemMessage(ctx, &chat, domain.SystemGroupCreated, users[creatorID].Name)
	if err != nil {
		return domain.ChatView{}, err
	}
	return a.announceRoster(ctx, chat, sys, nil)
}

// RenameGroup sets a new group name. Admin only.
func (a *App) RenameGroup(ctx context.Context, chatID, requesterID, name string) (domain.ChatView, error) {
	chat, err := a.groupForAdmin(ctx, chatID, requesterID)
	if err != nil {
		return domain.ChatView{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.ChatView{}, ErrNameRequired
	}
	chat.Name = name
	chat.UpdatedAt = a.timestamp()
	if err := a.store.SaveChat(ctx, chat); err != nil {
		return domain.ChatView{}, fmt.Errorf("rename group: %w", err)
	}
	return a.announceRoster(ctx, chat, nil, nil)
}

// AddMember appends targetID to the group. Admin only. Adding an existing
// member changes nothing and emits nothing.
func (a *App) AddMember(ctx context.Context, chatID, requesterID, targetID string) (domain.ChatView, error) {
	chat, err := a.groupForAdmin(ctx, chatID, requesterID)
	if err != nil {
		return domain.ChatView{}, err
	}
	target, err := a.User(ctx, strings.TrimSpace(targetID))
	if err != nil {
		return domain.ChatView{}, err
	}
	if !chat.AddMember(target.ID) {
		return a.chatView(ctx, chat)
	}
	chat.UpdatedAt = a.timestamp()
	if err := a.store.SaveChat(ctx, chat); err != nil {
		return domain.ChatView{}, fmt.Errorf("add member: %w", err)
	}
	sys, err := a.appendSystemMessage(ctx, &chat, domain.SystemUserAdded, target.Name)
	if err != nil {
		return domain.ChatView{}, err
	}
	return a.announceRoster(ctx, chat, sys, nil)
}

// RemoveMember drops targetID from the group. Admin only; the admin leaves
// through Leave instead.
func (a *App) RemoveMember(ctx context.Context, chatID, requesterID, targetID string) (domain.ChatView, error) {
	chat, err := a.groupForAdmin(ctx, chatID, requesterID)
	if err != nil {
		return domain.ChatView{}, err
	}
	targetID = strings.TrimSpace(targetID)
	if targetID == requesterID {
		return domain.ChatView{}, ErrAdminCannotRemoveSelf
	}
	if !chat.HasMember(targetID) {
		return domain.ChatView{}, ErrNotMember
	}
	chat.RemoveMember(targetID)
	chat.UpdatedAt = a.timestamp()
	if err := a.store.SaveChat(ctx, chat); err != nil {
		return domain.ChatView{}, fmt.Errorf("remove member: %w", err)
	}
	sys, err := a.appendSystemMessage(ctx, &chat, domain.SystemUserRemoved, a.displayName(ctx, targetID))
	if err != nil {
		return domain.ChatView{}, err
	}
	return a.announceRoster(ctx, chat, sys, []string{targetID})
}

// Leave removes requesterID from the group. A leaving admin hands the role to
// the first remaining member; the last member leaving deletes the group.
func (a *App) Leave(ctx context.Context, chatID, requesterID string) (domain.ChatView, error) {
	chat, err := a.loadChat(ctx, chatID)
	if err != nil {
		return domain.ChatView{}, err
	}
	if !chat.IsGroup {
		return domain.ChatView{}, ErrNotGroup
	}
	if !chat.RemoveMember(requesterID) {
		return domain.ChatView{}, ErrNotMember
	}
	if len(chat.Members) == 0 {
		if err := a.store.DeleteChat(ctx, chat.ID); err != nil {
			return domain.ChatView{}, fmt.Errorf("delete empty group: %w", err)
		}
		a.fanout(ctx, func(ctx context.Context) {
			a.notifier.ChatRemoved(ctx, chat.ID, []string{requesterID})
		})
		return domain.ChatView{Chat: chat, Users: []domain.UserRef{}}, nil
	}
	chat.UpdatedAt = a.timestamp()
	if err := a.store.SaveChat(ctx, chat); err != nil {
		return domain.ChatView{}, fmt.Errorf("leave group: %w", err)
	}
	sys, err := a.appendSystemMessage(ctx, &chat, domain.SystemUserLeft, a.displayName(ctx, requesterID))
	if err != nil {
		return domain.ChatView{}, err
	}
	return a.announceRoster(ctx, chat, sys, []string{requesterID})
}

// DeleteChat deletes a group (admin only) or removes a direct chat from the
// requester's view.
func (a *App) DeleteChat(ctx context.Context, chatID, requesterID string) error {
	chat, err := a.loadChat(ctx, chatID)
	if err != nil {
		return err
	}
	if chat.IsGroup {
		return a.deleteGroup(ctx, chat, requesterID)
	}
	return a.deleteDirectChat(ctx, chat, requesterID)
}

func (a *App) deleteGroup(ctx context.Context, chat domain.Chat, requesterID string) error {
	if !chat.IsAdmin(requesterID) {
		return ErrAdminOnly
	}
	if err := a.store.DeleteChat(ctx, chat.ID); err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	a.fanout(ctx, func(ctx context.Context) {
		a.notifier.ChatRemoved(ctx, chat.ID, chat.Members)
	})
	return nil
}

// deleteDirectChat is a per-user soft delete: the requester leaves the roster
// and every message is hidden from them. Once nobody is left the chat and
// its messages are removed.
func (a *App) deleteDirectChat(ctx context.Context, chat domain.Chat, requesterID string) error {
	if !chat.RemoveMember(requesterID) {
		return ErrNotMember
	}
	if len(chat.Members) == 0 {
		if err := a.store.DeleteChat(ctx, chat.ID); err != nil {
			return fmt.Errorf("delete direct chat: %w", err)
		}
	} else {
		if err := a.store.SaveChat(ctx, chat); err != nil {
			return fmt.Errorf("remove direct chat: %w", err)
		}
		if err := a.store.DeleteChatMessagesForUser(ctx, chat.ID, requesterID); err != nil {
			return fmt.Errorf("hide direct chat messages: %w", err)
		}
	}
	a.fanout(ctx, func(ctx context.Context) {
		a.notifier.ChatRemoved(ctx, chat.ID, []string{requesterID})
	})
	return nil
}

// TogglePin flips whether userID pinned the chat.
func (a *App) TogglePin(ctx context.Context, chatID, userID string) (domain.ChatView, error) {
	chat, err := a.chatForMember(ctx, chatID, userID)
	if err != nil {
		return domain.ChatView{}, err
	}
	chat.TogglePin(userID)
	if err := a.store.SaveChat(ctx, chat); err != nil {
		return domain.ChatView{}, fmt.Errorf("toggle pin: %w", err)
	}
	return a.chatView(ctx, chat)
}

// ListChats returns the chats userID belongs to, most recently active first.
func (a *App) ListChats(ctx context.Context, userID string) ([]domain.ChatView, error) {
	chats, err := a.store.ListChatsByMember(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	return a.chatViews(ctx, chats)
}

// ChatForMember returns the chat if userID is currently on its roster.
func (a *App) ChatForMember(ctx context.Context, chatID, userID string) (domain.Chat, error) {
	return a.chatForMember(ctx, chatID, userID)
}

func (a *App) loadChat(ctx context.Context, chatID string) (domain.Chat, error) {
	chat, ok, err := a.store.GetChat(ctx, strings.TrimSpace(chatID))
	if err != nil {
		return domain.Chat{}, fmt.Errorf("fetch chat: %w", err)
	}
	if !ok {
		return domain.Chat{}, ErrChatNotFound
	}
	return chat, nil
}

func (a *App) chatForMember(ctx context.Context, chatID, userID string) (domain.Chat, error) {
	chat, err := a.loadChat(ctx, chatID)
	if err != nil {
		return domain.Chat{}, err
	}
	if !chat.HasMember(userID) {
		return domain.Chat{}, ErrNotChatMember
	}
	return chat, nil
}

func (a *App) groupForAdmin(ctx context.Context, chatID, requesterID string) (domain.Chat, error) {
	chat, err := a.loadChat(ctx, chatID)
	if err != nil {
		return domain.Chat{}, err
	}
	if !chat.IsGroup {
		return domain.Chat{}, ErrNotGroup
	}
	if !chat.IsAdmin(requesterID) {
		return domain.Chat{}, ErrAdminOnly
	}
	return chat, nil
}

// appendSystemMessage records a roster event in the chat and moves the
// chat's latest pointer to it. The roster change itself must already be
// stored.
func (a *App) appendSystemMessage(ctx context.Context, chat *domain.Chat, kind domain.SystemKind, subject string) (*domain.Message, error) {
	now := a.timestamp()
	msg := domain.Message{
		ID:              a.newID(),
		ChatID:          chat.ID,
		Content:         domain.SystemText(kind, subject),
		CreatedAt:       now,
		Reactions:       []domain.Reaction{},
		StarredBy:       []string{},
		DeletedFor:      []string{},
		IsSystemMessage: true,
		SystemKind:      kind,
		Status:          domain.StatusSent,
	}
	if err := a.store.SaveMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("save system message: %w", err)
	}
	if err := a.store.SetLatestMessage(ctx, chat.ID, msg.ID, now); err != nil {
		return nil, fmt.Errorf("update latest message: %w", err)
	}
	chat.LatestMessageID = msg.ID
	chat.UpdatedAt = now
	return &msg, nil
}

// announceRoster pushes the new chat state to its members, the system
// message to the room, and a removal to each user in removed.
func (a *App) announceRoster(ctx context.Context, chat domain.Chat, sys *domain.Message, removed []string) (domain.ChatView, error) {
	view, err := a.chatView(ctx, chat)
	if err != nil {
		return domain.ChatView{}, err
	}
	a.fanout(ctx, func(ctx context.Context) {
		a.notifier.ChatUpdated(ctx, view)
		if sys != nil && view.LatestMessage != nil && view.LatestMessage.ID == sys.ID {
			a.notifier.MessageCreated(ctx, chat, *view.LatestMessage)
		}
		if len(removed) > 0 {
			a.notifier.ChatRemoved(ctx, chat.ID, removed)
		}
	})
	return view, nil
}

func (a *App) displayName(ctx context.Context, userID string) string {
	u, ok, err := a.store.GetUserByID(ctx, userID)
	if err != nil || !ok || u.Name == "" {
		return userID
	}
	return u.Name
}

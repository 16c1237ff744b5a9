package app

import (
	"context"
	"fmt"

	"relaychat/pkg/domain"
)

// messageViews resolves senders and one level of reply/forward references.
func (a *App) messageViews(ctx context.Context, msgs []domain.Message) ([]domain.MessageView, error) {
	refIDs := make([]string, 0)
	for _, m := range msgs {
		if m.ReplyToID != "" {
			refIDs = append(refIDs, m.ReplyToID)
		}
		if m.ForwardedFromID != "" {
			refIDs = append(refIDs, m.ForwardedFromID)
		}
	}
	refs, err := a.store.GetMessagesByIDs(ctx, refIDs)
	if err != nil {
		return nil, fmt.Errorf("fetch referenced messages: %w", err)
	}

	userIDs := make([]string, 0, len(msgs)+len(refs))
	for _, m := range msgs {
		if m.SenderID != "" {
			userIDs = append(userIDs, m.SenderID)
		}
	}
	for _, r := range refs {
		if r.SenderID != "" {
			userIDs = append(userIDs, r.SenderID)
		}
	}
	users, err := a.store.GetUsersByIDs(ctx, userIDs)
	if err != nil {
		return nil, fmt.Errorf("fetch senders: %w", err)
	}

	views := make([]domain.MessageView, 0, len(msgs))
	for _, m := range msgs {
		v := domain.MessageView{Message: m, Sender: userRef(users, m.SenderID)}
		if r, ok := refs[m.ReplyToID]; ok {
			v.ReplyTo = messageRef(r, users)
		}
		if r, ok := refs[m.ForwardedFromID]; ok {
			v.ForwardedFrom = messageRef(r, users)
		}
		views = append(views, v)
	}
	return views, nil
}

func (a *App) messageView(ctx context.Context, m domain.Message) (domain.MessageView, error) {
	views, err := a.messageViews(ctx, []domain.Message{m})
	if err != nil {
		return domain.MessageView{}, err
	}
	return views[0], nil
}

// chatViews resolves roster identities and the latest message of each chat.
func (a *App) chatViews(ctx context.Context, chats []domain.Chat) ([]domain.ChatView, error) {
	userIDs := make([]string, 0)
	latestIDs := make([]string, 0, len(chats))
	for _, c := range chats {
		userIDs = append(userIDs, c.Members...)
		if c.AdminID != "" {
			userIDs = append(userIDs, c.AdminID)
		}
		if c.LatestMessageID != "" {
			latestIDs = append(latestIDs, c.LatestMessageID)
		}
	}
	users, err := a.store.GetUsersByIDs(ctx, userIDs)
	if err != nil {
		return nil, fmt.Errorf("fetch members: %w", err)
	}
	latest, err := a.store.GetMessagesByIDs(ctx, latestIDs)
	if err != nil {
		return nil, fmt.Errorf("fetch latest messages: %w", err)
	}
	latestMsgs := make([]domain.Message, 0, len(latest))
	for _, m := range latest {
		latestMsgs = append(latestMsgs, m)
	}
	latestViews, err := a.messageViews(ctx, latestMsgs)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.MessageView, len(latestViews))
	for _, v := range latestViews {
		byID[v.ID] = v
	}

	views := make([]domain.ChatView, 0, len(chats))
	for _, c := range chats {
		v := domain.ChatView{Chat: c, Users: make([]domain.UserRef, 0, len(c.Members))}
		for _, id := range c.Members {
			if ref := userRef(users, id); ref != nil {
				v.Users = append(v.Users, *ref)
			}
		}
		v.Admin = userRef(users, c.AdminID)
		if lm, ok := byID[c.LatestMessageID]; ok {
			v.LatestMessage = &lm
		}
		views = append(views, v)
	}
	return views, nil
}

func (a *App) chatView(ctx context.Context, c domain.Chat) (domain.ChatView, error) {
	views, err := a.chatViews(ctx, []domain.Chat{c})
	if err != nil {
		return domain.ChatView{}, err
	}
	return views[0], nil
}

func userRef(users map[string]domain.User, id string) *domain.UserRef {
	u, ok := users[id]
	if !ok {
		return nil
	}
	ref := u.Ref()
	return &ref
}

func messageRef(m domain.Message, users map[string]domain.User) *domain.MessageRef {
	return &domain.MessageRef{
		ID:            m.ID,
		Content:       m.Content,
		DeletedForAll: m.DeletedForAll,
		Sender:        userRef(users, m.SenderID),
	}
}

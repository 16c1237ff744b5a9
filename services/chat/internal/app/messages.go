package app

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"
	"relaychat/pkg/domain"
)

// SendInput describes a user-authored message. ForwardedFromID marks it as a
// forward of a message the sender can see; empty Content then copies the
// origin's text.
type SendInput struct {
	SenderID        string
	ChatID          string
	Content         string
	ReplyToID       string
	ForwardedFromID string
}

// Send stores a new message from a current member of the chat and hands it
// to the notifier.
func (a *App) Send(ctx context.Context, in SendInput) (domain.MessageView, error) {
	chat, err := a.chatForMember(ctx, in.ChatID, in.SenderID)
	if err != nil {
		return domain.MessageView{}, err
	}
	var origin domain.Message
	forwardedFrom := strings.TrimSpace(in.ForwardedFromID)
	if forwardedFrom != "" {
		if origin, err = a.forwardOrigin(ctx, in.SenderID, forwardedFrom); err != nil {
			return domain.MessageView{}, err
		}
	}
	content := strings.TrimSpace(in.Content)
	if content == "" && forwardedFrom != "" {
		content = origin.Content
	}
	if content == "" {
		return domain.MessageView{}, ErrContentRequired
	}
	replyTo := strings.TrimSpace(in.ReplyToID)
	if replyTo != "" {
		ref, ok, err := a.store.GetMessage(ctx, replyTo)
		if err != nil {
			return domain.MessageView{}, fmt.Errorf("fetch reply target: %w", err)
		}
		if !ok || ref.ChatID != chat.ID {
			return domain.MessageView{}, ErrInvalidReply
		}
	}
	return a.createMessage(ctx, chat, domain.Message{
		SenderID:        in.SenderID,
		Content:         content,
		ReplyToID:       replyTo,
		IsForwarded:     forwardedFrom != "",
		ForwardedFromID: forwardedFrom,
	})
}

// forwardOrigin loads a message userID may forward: visible to them, not
// deleted for everyone, and not a system message.
func (a *App) forwardOrigin(ctx context.Context, userID, messageID string) (domain.Message, error) {
	origin, _, err := a.messageForMember(ctx, messageID, userID)
	if err != nil {
		return domain.Message{}, err
	}
	if origin.IsDeletedFor(userID) {
		return domain.Message{}, ErrMessageNotFound
	}
	if origin.DeletedForAll {
		return domain.Message{}, ErrMessageDeleted
	}
	if origin.IsSystemMessage {
		return domain.Message{}, ErrForwardSystemMessage
	}
	return origin, nil
}

func (a *App) createMessage(ctx context.Context, chat domain.Chat, msg domain.Message) (domain.MessageView, error) {
	now := a.timestamp()
	msg.ID = a.newID()
	msg.ChatID = chat.ID
	msg.CreatedAt = now
	msg.Reactions = []domain.Reaction{}
	msg.StarredBy = []string{}
	msg.DeletedFor = []string{}
	msg.Status = domain.StatusSent
	if err := a.store.SaveMessage(ctx, msg); err != nil {
		return domain.MessageView{}, fmt.Errorf("save message: %w", err)
	}
	if err := a.store.SetLatestMessage(ctx, chat.ID, msg.ID, now); err != nil {
		return domain.MessageView{}, fmt.Errorf("update latest message: %w", err)
	}
	view, err := a.messageView(ctx, msg)
	if err != nil {
		return domain.MessageView{}, err
	}
	a.fanout(ctx, func(ctx context.Context) {
		a.notifier.MessageCreated(ctx, chat, view)
	})
	return view, nil
}

// Forward copies a message visible to userID into each target chat and into
// the direct chat with each target user. Targets are attempted independently:
// the messages created are returned in target order, and a *ForwardError
// lists the targets that failed.
func (a *App) Forward(ctx context.Context, userID, messageID string, chatIDs, userIDs []string) ([]domain.MessageView, error) {
	type target struct{ chatID, userID string }
	var targets []target
	for _, id := range dedupe(chatIDs) {
		targets = append(targets, target{chatID: id})
	}
	for _, id := range dedupe(userIDs) {
		targets = append(targets, target{userID: id})
	}
	if len(targets) == 0 {
		return nil, ErrNoForwardTargets
	}

	origin, err := a.forwardOrigin(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}

	results := make([]*domain.MessageView, len(targets))
	errs := make([]error, len(targets))
	var g errgroup.Group
	g.SetLimit(a.forwardConcurrency)
	for i, t := range targets {
		g.Go(func() error {
			var chat domain.Chat
			var err error
			if t.userID != "" {
				chat, err = a.forwardDirectChat(ctx, userID, t.userID)
			} else {
				chat, err = a.chatForMember(ctx, t.chatID, userID)
			}
			if err == nil {
				var view domain.MessageView
				view, err = a.createMessage(ctx, chat, domain.Message{
					SenderID:        userID,
					Content:         origin.Content,
					IsForwarded:     true,
					ForwardedFromID: origin.ID,
				})
				results[i] = &view
			}
			errs[i] = err
			return nil
		})
	}
	_ = g.Wait()

	created := make([]domain.MessageView, 0, len(targets))
	var failures []ForwardFailure
	for i, t := range targets {
		if errs[i] != nil {
			a.logger.Warn("forward target failed", "message_id", origin.ID, "chat_id", t.chatID, "user_id", t.userID, "err", errs[i])
			failures = append(failures, ForwardFailure{ChatID: t.chatID, UserID: t.userID, Err: errs[i]})
			continue
		}
		created = append(created, *results[i])
	}
	if len(failures) > 0 {
		return created, &ForwardError{Failures: failures, Targets: len(targets)}
	}
	return created, nil
}

func (a *App) forwardDirectChat(ctx context.Context, userID, otherID string) (domain.Chat, error) {
	if otherID == userID {
		return domain.Chat{}, ErrSelfChat
	}
	if _, err := a.User(ctx, otherID); err != nil {
		return domain.Chat{}, err
	}
	chat, _, err := a.directChat(ctx, userID, otherID)
	return chat, err
}

// ToggleStar flips whether userID starred the message.
func (a *App) ToggleStar(ctx context.Context, messageID, userID string) (domain.MessageView, error) {
	return a.mutateMessage(ctx, messageID, userID, func(m *domain.Message) {
		m.ToggleStar(userID)
	})
}

// SetReaction applies glyph for userID: the same glyph again removes it, a
// different glyph replaces it.
func (a *App) SetReaction(ctx context.Context, messageID, userID, glyph string) (domain.MessageView, error) {
	glyph = strings.TrimSpace(glyph)
	if glyph == "" {
		return domain.MessageView{}, ErrGlyphRequired
	}
	return a.mutateMessage(ctx, messageID, userID, func(m *domain.Message) {
		m.SetReaction(userID, glyph)
	})
}

// mutateMessage applies fn to a live message in a chat userID belongs to,
// stores it, and broadcasts the update. Globally deleted messages are frozen.
func (a *App) mutateMessage(ctx context.Context, messageID, userID string, fn func(*domain.Message)) (domain.MessageView, error) {
	msg, chat, err := a.messageForMember(ctx, messageID, userID)
	if err != nil {
		return domain.MessageView{}, err
	}
	if msg.DeletedForAll {
		return domain.MessageView{}, ErrMessageDeleted
	}
	fn(&msg)
	if err := a.store.SaveMessage(ctx, msg); err != nil {
		return domain.MessageView{}, fmt.Errorf("save message: %w", err)
	}
	// A delete for everyone that landed between the read and the save wins.
	stored, ok, err := a.store.GetMessage(ctx, msg.ID)
	if err != nil {
		return domain.MessageView{}, fmt.Errorf("fetch message: %w", err)
	}
	if !ok {
		return domain.MessageView{}, ErrMessageNotFound
	}
	if stored.DeletedForAll {
		return domain.MessageView{}, ErrMessageDeleted
	}
	view, err := a.messageView(ctx, stored)
	if err != nil {
		return domain.MessageView{}, err
	}
	a.fanout(ctx, func(ctx context.Context) {
		a.notifier.MessageUpdated(ctx, chat, view)
	})
	return view, nil
}

// DeleteForMe hides the message from userID only. Repeating it is a no-op.
func (a *App) DeleteForMe(ctx context.Context, messageID, userID string) error {
	msg, chat, err := a.messageForMember(ctx, messageID, userID)
	if err != nil {
		return err
	}
	if !msg.DeleteFor(userID) {
		return nil
	}
	if err := a.store.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	a.fanout(ctx, func(ctx context.Context) {
		a.notifier.MessageDeletedForUser(ctx, chat, msg.ID, userID)
	})
	return nil
}

// DeleteForEveryone replaces the message with a deletion marker for every
// member. Only the sender may do this.
func (a *App) DeleteForEveryone(ctx context.Context, messageID, requesterID string) error {
	msg, chat, err := a.messageForMember(ctx, messageID, requesterID)
	if err != nil {
		return err
	}
	if msg.SenderID != requesterID {
		return ErrNotSender
	}
	if msg.DeletedForAll {
		return nil
	}
	msg.DeleteForAll(requesterID)
	if err := a.store.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	a.fanout(ctx, func(ctx context.Context) {
		a.notifier.MessageDeleted(ctx, chat, msg.ID)
	})
	return nil
}

// ListMessages returns the chat's messages in creation order, without those
// requesterID deleted for themself.
func (a *App) ListMessages(ctx context.Context, chatID, requesterID string) ([]domain.MessageView, error) {
	chat, err := a.chatForMember(ctx, chatID, requesterID)
	if err != nil {
		return nil, err
	}
	msgs, err := a.store.ListChatMessages(ctx, chat.ID, requesterID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return a.messageViews(ctx, msgs)
}

// MarkRead moves every message in the chat not sent by readerID to read and
// tells the other members which messages changed.
//
// Status is one value per message, so in a group the first member to read
// marks the message read for everyone.
func (a *App) MarkRead(ctx context.Context, chatID, readerID string) ([]string, error) {
	chat, err := a.chatForMember(ctx, chatID, readerID)
	if err != nil {
		return nil, err
	}
	ids, err := a.store.MarkChatRead(ctx, chat.ID, readerID)
	if err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	if len(ids) > 0 {
		a.fanout(ctx, func(ctx context.Context) {
			a.notifier.MessagesRead(ctx, chat, readerID, ids)
		})
	}
	return ids, nil
}

// Typing relays a typing or stop-typing signal to the chat room.
func (a *App) Typing(ctx context.Context, chatID, userID string, stop bool) error {
	chat, err := a.chatForMember(ctx, chatID, userID)
	if err != nil {
		return err
	}
	a.fanout(ctx, func(ctx context.Context) {
		a.notifier.Typing(ctx, chat, userID, stop)
	})
	return nil
}

func (a *App) messageForMember(ctx context.Context, messageID, userID string) (domain.Message, domain.Chat, error) {
	msg, ok, err := a.store.GetMessage(ctx, strings.TrimSpace(messageID))
	if err != nil {
		return domain.Message{}, domain.Chat{}, fmt.Errorf("fetch message: %w", err)
	}
	if !ok {
		return domain.Message{}, domain.Chat{}, ErrMessageNotFound
	}
	chat, err := a.chatForMember(ctx, msg.ChatID, userID)
	if err != nil {
		return domain.Message{}, domain.Chat{}, err
	}
	return msg, chat, nil
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || slices.Contains(out, id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

package store

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"relaychat/pkg/domain"
)

// MemoryStore keeps records in-process. Suitable for tests and local runs.
type MemoryStore struct {
	mu         sync.RWMutex
	users      map[string]domain.User    // key: user ID
	email      map[string]string         // email -> user ID
	chats      map[string]domain.Chat    // key: chat ID
	directKeys map[string]string         // chat ID -> pair key, fixed at creation
	messages   map[string]domain.Message // key: message ID
	chatMsgs   map[string][]string       // chat ID -> message IDs in insertion order
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:      make(map[string]domain.User),
		email:      make(map[string]string),
		chats:      make(map[string]domain.Chat),
		directKeys: make(map[string]string),
		messages:   make(map[string]domain.Message),
		chatMsgs:   make(map[string][]string),
	}
}

// SaveUser registers or updates a user.
func (m *MemoryStore) SaveUser(_ context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.email[u.Email]; ok && owner != u.ID {
		return errors.Join(ErrInvalidRecord, errors.New("email already registered"))
	}
	if prev, ok := m.users[u.ID]; ok && prev.Email != u.Email {
		delete(m.email, prev.Email)
	}
	m.users[u.ID] = u
	m.email[u.Email] = u.ID
	return nil
}

// HasUserEmail checks if email exists.
func (m *MemoryStore) HasUserEmail(_ context.Context, email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.email[email]
	return ok, nil
}

// GetUserByEmail looks up a user by email.
func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.email[email]; ok {
		u, exists := m.users[id]
		return u, exists, nil
	}
	return domain.User{}, false, nil
}

// GetUserByID returns a user by ID.
func (m *MemoryStore) GetUserByID(_ context.Context, id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// GetUsersByIDs returns the known users among ids keyed by ID.
func (m *MemoryStore) GetUsersByIDs(_ context.Context, ids []string) (map[string]domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]domain.User, len(ids))
	for _, id := range ids {
		if u, ok := m.users[id]; ok {
			res[id] = u
		}
	}
	return res, nil
}

// SaveChat stores or replaces a chat record. The latest message pointer of an
// existing chat is owned by SetLatestMessage, and updatedAt never moves back.
func (m *MemoryStore) SaveChat(_ context.Context, c domain.Chat) error {
	if err := validateChat(c); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.chats[c.ID]; ok {
		c.CreatedAt = prev.CreatedAt
		c.LatestMessageID = prev.LatestMessageID
		if prev.UpdatedAt.After(c.UpdatedAt) {
			c.UpdatedAt = prev.UpdatedAt
		}
	} else if key := directKeyFor(c); key != "" {
		m.directKeys[c.ID] = key
	}
	m.chats[c.ID] = cloneChat(c)
	return nil
}

// GetChat returns a chat by ID.
func (m *MemoryStore) GetChat(_ context.Context, id string) (domain.Chat, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chats[id]
	if !ok {
		return domain.Chat{}, false, nil
	}
	return cloneChat(c), true, nil
}

// FindDirectChats returns every direct chat created for the pair, oldest first.
func (m *MemoryStore) FindDirectChats(_ context.Context, userA, userB string) ([]domain.Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key := DirectKey(userA, userB)
	var res []domain.Chat
	for id, k := range m.directKeys {
		if k != key {
			continue
		}
		if c, ok := m.chats[id]; ok && !c.IsGroup {
			res = append(res, cloneChat(c))
		}
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

// ListChatsByMember returns chats containing userID, most recently updated first.
func (m *MemoryStore) ListChatsByMember(_ context.Context, userID string) ([]domain.Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Chat, 0)
	for _, c := range m.chats {
		if c.HasMember(userID) {
			res = append(res, cloneChat(c))
		}
	}
	sort.SliceStable(res, func(i, j int) bool {
		if res[i].UpdatedAt.Equal(res[j].UpdatedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].UpdatedAt.After(res[j].UpdatedAt)
	})
	return res, nil
}

// SetLatestMessage points the chat at messageID and bumps updatedAt.
func (m *MemoryStore) SetLatestMessage(_ context.Context, chatID, messageID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[chatID]
	if !ok {
		return nil
	}
	c.LatestMessageID = messageID
	c.UpdatedAt = at
	m.chats[chatID] = c
	return nil
}

// DeleteChat removes a chat and its messages.
func (m *MemoryStore) DeleteChat(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msgID := range m.chatMsgs[id] {
		delete(m.messages, msgID)
	}
	delete(m.chatMsgs, id)
	delete(m.chats, id)
	delete(m.directKeys, id)
	return nil
}

// SaveMessage stores or replaces a message. Status never regresses, and a
// message deleted for everyone keeps its cleared content, reactions and stars.
func (m *MemoryStore) SaveMessage(_ context.Context, msg domain.Message) error {
	if err := validateMessage(msg); err != nil {
		return err
	}
	if msg.Status == "" {
		msg.Status = domain.StatusSent
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.messages[msg.ID]; ok {
		msg.Status = prev.Status
		msg.CreatedAt = prev.CreatedAt
		if prev.DeletedForAll {
			msg.DeletedForAll = true
			msg.DeletedBy = prev.DeletedBy
			msg.Content = prev.Content
			msg.Reactions = prev.Reactions
			msg.StarredBy = prev.StarredBy
		}
	} else {
		m.chatMsgs[msg.ChatID] = append(m.chatMsgs[msg.ChatID], msg.ID)
	}
	m.messages[msg.ID] = cloneMessage(msg)
	return nil
}

// GetMessage returns a message by ID.
func (m *MemoryStore) GetMessage(_ context.Context, id string) (domain.Message, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return domain.Message{}, false, nil
	}
	return cloneMessage(msg), true, nil
}

// GetMessagesByIDs returns the known messages among ids keyed by ID.
func (m *MemoryStore) GetMessagesByIDs(_ context.Context, ids []string) (map[string]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]domain.Message, len(ids))
	for _, id := range ids {
		if msg, ok := m.messages[id]; ok {
			res[id] = cloneMessage(msg)
		}
	}
	return res, nil
}

// ListChatMessages returns messages in insertion order, skipping those
// viewerID deleted for themself.
func (m *MemoryStore) ListChatMessages(_ context.Context, chatID, viewerID string) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.chatMsgs[chatID]
	res := make([]domain.Message, 0, len(ids))
	for _, id := range ids {
		msg, ok := m.messages[id]
		if !ok {
			continue
		}
		if viewerID != "" && msg.IsDeletedFor(viewerID) {
			continue
		}
		res = append(res, cloneMessage(msg))
	}
	return res, nil
}

// MarkDelivered moves a message from sent to delivered.
func (m *MemoryStore) MarkDelivered(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok || msg.Status != domain.StatusSent {
		return false, nil
	}
	msg.Status = domain.StatusDelivered
	m.messages[id] = msg
	return true, nil
}

// MarkChatRead moves every message not authored by readerID to read.
func (m *MemoryStore) MarkChatRead(_ context.Context, chatID, readerID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var changed []string
	for _, id := range m.chatMsgs[chatID] {
		msg, ok := m.messages[id]
		if !ok || msg.SenderID == readerID || msg.Status == domain.StatusRead {
			continue
		}
		msg.Status = domain.StatusRead
		m.messages[id] = msg
		changed = append(changed, id)
	}
	return changed, nil
}

// DeleteChatMessagesForUser hides every message of the chat from userID.
func (m *MemoryStore) DeleteChatMessagesForUser(_ context.Context, chatID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.chatMsgs[chatID] {
		msg, ok := m.messages[id]
		if !ok {
			continue
		}
		if msg.DeleteFor(userID) {
			m.messages[id] = msg
		}
	}
	return nil
}

func cloneChat(c domain.Chat) domain.Chat {
	c.Members = nonNil(slices.Clone(c.Members))
	c.PinnedBy = nonNil(slices.Clone(c.PinnedBy))
	return c
}

func cloneMessage(msg domain.Message) domain.Message {
	msg.Reactions = nonNil(slices.Clone(msg.Reactions))
	msg.StarredBy = nonNil(slices.Clone(msg.StarredBy))
	msg.DeletedFor = nonNil(slices.Clone(msg.DeletedFor))
	return msg
}

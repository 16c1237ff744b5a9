package realtime

import "sync"

// Hub keeps chat rooms of sessions and delivers payloads to rooms or to all
// sessions of a user.
type Hub struct {
	presence *Presence
	metrics  *Metrics

	mu           sync.RWMutex
	rooms        map[string]map[string]Session  // chatID -> sessionID -> session
	sessionRooms map[string]map[string]struct{} // sessionID -> chatIDs
}

// NewHub constructs a hub on top of presence. metrics may be nil.
func NewHub(presence *Presence, metrics *Metrics) *Hub {
	return &Hub{
		presence:     presence,
		metrics:      metrics,
		rooms:        make(map[string]map[string]Session),
		sessionRooms: make(map[string]map[string]struct{}),
	}
}

// Presence returns the presence map the hub maintains.
func (h *Hub) Presence() *Presence { return h.presence }

// Attach marks the session's user online.
func (h *Hub) Attach(s Session) {
	h.mu.Lock()
	if _, ok := h.sessionRooms[s.ID()]; !ok {
		h.sessionRooms[s.ID()] = make(map[string]struct{})
	}
	h.mu.Unlock()
	h.presence.Connect(s)
	h.metrics.setOnline(h.presence.OnlineCount())
}

// Detach drops the session from every room and from presence.
func (h *Hub) Detach(s Session) {
	h.mu.Lock()
	for chatID := range h.sessionRooms[s.ID()] {
		h.leaveLocked(chatID, s.ID())
	}
	delete(h.sessionRooms, s.ID())
	h.mu.Unlock()
	h.presence.Disconnect(s)
	h.metrics.setOnline(h.presence.OnlineCount())
}

// Join subscribes an attached session to the chat room.
func (h *Hub) Join(chatID string, s Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	memberships, ok := h.sessionRooms[s.ID()]
	if !ok {
		return
	}
	room := h.rooms[chatID]
	if room == nil {
		room = make(map[string]Session)
		h.rooms[chatID] = room
	}
	room[s.ID()] = s
	memberships[chatID] = struct{}{}
}

// Leave unsubscribes the session from the chat room.
func (h *Hub) Leave(chatID string, s Session) {
	h.mu.Lock()
	h.leaveLocked(chatID, s.ID())
	h.mu.Unlock()
}

// Evict removes every session of userID from the chat room.
func (h *Hub) Evict(chatID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.rooms[chatID] {
		if s.UserID() == userID {
			h.leaveLocked(chatID, id)
		}
	}
}

// InRoom reports whether the session is subscribed to the chat room.
func (h *Hub) InRoom(chatID string, s Session) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[chatID][s.ID()]
	return ok
}

// BroadcastChat sends payload to every session in the chat room except those
// of excludeUserID. sent counts the sessions that accepted it.
func (h *Hub) BroadcastChat(chatID string, payload []byte, excludeUserID string) (sent, dropped int) {
	h.mu.RLock()
	targets := make([]Session, 0, len(h.rooms[chatID]))
	for _, s := range h.rooms[chatID] {
		if excludeUserID != "" && s.UserID() == excludeUserID {
			continue
		}
		targets = append(targets, s)
	}
	h.mu.RUnlock()
	return sendAll(targets, payload)
}

// NotifyUser sends payload to every session of userID.
func (h *Hub) NotifyUser(userID string, payload []byte) (sent, dropped int) {
	return sendAll(h.presence.Sessions(userID), payload)
}

// Close closes every session and clears all rooms.
func (h *Hub) Close() {
	h.mu.Lock()
	h.rooms = make(map[string]map[string]Session)
	h.sessionRooms = make(map[string]map[string]struct{})
	h.mu.Unlock()
	for _, s := range h.presence.drain() {
		s.Close()
	}
	h.metrics.setOnline(0)
}

func (h *Hub) leaveLocked(chatID, sessionID string) {
	room := h.rooms[chatID]
	if room == nil {
		return
	}
	delete(room, sessionID)
	if len(room) == 0 {
		delete(h.rooms, chatID)
	}
	if memberships, ok := h.sessionRooms[sessionID]; ok {
		delete(memberships, chatID)
	}
}

func sendAll(targets []Session, payload []byte) (sent, dropped int) {
	for _, s := range targets {
		if err := s.Send(payload); err != nil {
			dropped++
			continue
		}
		sent++
	}
	return sent, dropped
}

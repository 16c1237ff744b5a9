package realtime

import "sync"

// Session is one live client channel of a user.
type Session interface {
	ID() string
	UserID() string
	// Send enqueues payload without blocking.
	Send(payload []byte) error
	Close()
}

// Presence tracks the live sessions of each user. A user is online while at
// least one session is connected.
type Presence struct {
	mu    sync.RWMutex
	users map[string]map[string]Session // userID -> sessionID -> session
}

// NewPresence constructs an empty presence map.
func NewPresence() *Presence {
	return &Presence{users: make(map[string]map[string]Session)}
}

// Connect registers s. It reports whether this is the user's first session.
func (p *Presence) Connect(s Session) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	sessions := p.users[s.UserID()]
	first := len(sessions) == 0
	if sessions == nil {
		sessions = make(map[string]Session)
		p.users[s.UserID()] = sessions
	}
	sessions[s.ID()] = s
	return first
}

// Disconnect removes s. It reports whether the user has no sessions left.
func (p *Presence) Disconnect(s Session) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	sessions, ok := p.users[s.UserID()]
	if !ok {
		return false
	}
	if _, tracked := sessions[s.ID()]; !tracked {
		return false
	}
	delete(sessions, s.ID())
	if len(sessions) == 0 {
		delete(p.users, s.UserID())
		return true
	}
	return false
}

// IsOnline reports whether userID has a connected session.
func (p *Presence) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.users[userID]) > 0
}

// Sessions returns a snapshot of userID's sessions.
func (p *Presence) Sessions(userID string) []Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	sessions := p.users[userID]
	out := make([]Session, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s)
	}
	return out
}

// OnlineCount returns the number of users with at least one session.
func (p *Presence) OnlineCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.users)
}

// drain returns every tracked session and clears the map.
func (p *Presence) drain() []Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Session
	for _, sessions := range p.users {
		for _, s := range sessions {
			out = append(out, s)
		}
	}
	p.users = make(map[string]map[string]Session)
	return out
}

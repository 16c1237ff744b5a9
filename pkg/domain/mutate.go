package domain

import "slices"

// AddMember appends userID to the roster if absent and reports whether it changed.
func (c *Chat) AddMember(userID string) bool {
	if c.HasMember(userID) {
		return false
	}
	c.Members = append(c.Members, userID)
	return true
}

// RemoveMember drops userID from the roster, keeping the order of the rest.
// If the admin is removed and members remain, the first remaining member
// becomes admin.
func (c *Chat) RemoveMember(userID string) bool {
	idx := slices.Index(c.Members, userID)
	if idx < 0 {
		return false
	}
	c.Members = slices.Delete(slices.Clone(c.Members), idx, idx+1)
	if c.IsGroup && c.AdminID == userID {
		c.AdminID = ""
		if len(c.Members) > 0 {
			c.AdminID = c.Members[0]
		}
	}
	return true
}

// TogglePin flips userID in PinnedBy and reports the new pinned state.
func (c *Chat) TogglePin(userID string) bool {
	var pinned bool
	c.PinnedBy, pinned = toggle(c.PinnedBy, userID)
	return pinned
}

// ToggleStar flips userID in StarredBy and reports the new starred state.
func (m *Message) ToggleStar(userID string) bool {
	var starred bool
	m.StarredBy, starred = toggle(m.StarredBy, userID)
	return starred
}

// SetReaction applies glyph for userID: same glyph removes it, a different
// glyph replaces it, otherwise it is added. Returns the glyph now held by
// the user ("" when removed).
func (m *Message) SetReaction(userID, glyph string) string {
	out := make([]Reaction, 0, len(m.Reactions)+1)
	current := ""
	found := false
	for _, r := range m.Reactions {
		if r.UserID != userID {
			out = append(out, r)
			continue
		}
		if found {
			continue
		}
		found = true
		if r.Glyph != glyph {
			current = glyph
			out = append(out, Reaction{UserID: userID, Glyph: glyph})
		}
	}
	if !found {
		current = glyph
		out = append(out, Reaction{UserID: userID, Glyph: glyph})
	}
	m.Reactions = out
	return current
}

// DeleteFor hides the message from userID only. Reports whether it changed.
func (m *Message) DeleteFor(userID string) bool {
	if m.IsDeletedFor(userID) {
		return false
	}
	m.DeletedFor = append(slices.Clone(m.DeletedFor), userID)
	return true
}

// DeleteForAll marks the message deleted for every member and clears its
// content. Reactions and stars are kept but frozen.
func (m *Message) DeleteForAll(by string) {
	m.DeletedForAll = true
	m.DeletedBy = by
	m.Content = ""
}

func toggle(set []string, id string) ([]string, bool) {
	if idx := slices.Index(set, id); idx >= 0 {
		return slices.Delete(slices.Clone(set), idx, idx+1), false
	}
	return append(slices.Clone(set), id), true
}

package domain

import "fmt"

// SystemKind tags a roster event recorded as a system message.
type SystemKind string

const (
	SystemGroupCreated SystemKind = "group_created"
	SystemUserAdded    SystemKind = "user_added"
	SystemUserRemoved  SystemKind = "user_removed"
	SystemUserLeft     SystemKind = "user_left"
	SystemUserJoined   SystemKind = "user_joined"
)

// Valid reports whether k is one of the known kinds.
func (k SystemKind) Valid() bool {
	switch k {
	case SystemGroupCreated, SystemUserAdded, SystemUserRemoved, SystemUserLeft, SystemUserJoined:
		return true
	}
	return false
}

// SystemText renders the display text of a system message. subject is the
// name of the user the event is about; for group_created it is the creator
// and may be empty.
func SystemText(kind SystemKind, subject string) string {
	switch kind {
	case SystemGroupCreated:
		if subject == "" {
			return "Group created"
		}
		return fmt.Sprintf("%s created group", subject)
	case SystemUserAdded:
		return fmt.Sprintf("%s was added", subject)
	case SystemUserRemoved:
		return fmt.Sprintf("%s was removed", subject)
	case SystemUserLeft:
		return fmt.Sprintf("%s left", subject)
	case SystemUserJoined:
		return fmt.Sprintf("%s joined", subject)
	default:
		return "Group updated"
	}
}

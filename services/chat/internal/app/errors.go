package app

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by App wraps exactly one of these.
var (
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrInvalidState    = errors.New("invalid state")
	ErrConflict        = errors.New("conflict")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnauthenticated = errors.New("unauthenticated")
)

var (
	ErrUserNotFound    = kindError(ErrNotFound, "user not found")
	ErrChatNotFound    = kindError(ErrNotFound, "chat not found")
	ErrMessageNotFound = kindError(ErrNotFound, "message not found")

	ErrNotChatMember = kindError(ErrForbidden, "you are not a member of this chat")
	ErrAdminOnly     = kindError(ErrForbidden, "only the group admin can do that")
	ErrNotSender     = kindError(ErrForbidden, "only the sender can delete a message for everyone")

	ErrNotMember             = kindError(ErrInvalidState, "user is not a member of this chat")
	ErrNotGroup              = kindError(ErrInvalidState, "chat is not a group")
	ErrGroupTooSmall         = kindError(ErrInvalidState, "a group needs at least 2 other members")
	ErrAdminCannotRemoveSelf = kindError(ErrInvalidState, "admin cannot remove themself, leave the group instead")
	ErrMessageDeleted        = kindError(ErrInvalidState, "message was deleted")

	ErrEmailAlreadyExists = kindError(ErrConflict, "email already exists")

	// ErrInvalidCredentials is shown to end users and must not enable account enumeration.
	ErrInvalidCredentials = kindError(ErrUnauthenticated, "incorrect email address or password")

	ErrRegistrationFieldsRequired = kindError(ErrInvalidArgument, "name, email and password required")
	ErrUserIDRequired             = kindError(ErrInvalidArgument, "userId required")
	ErrSelfChat                   = kindError(ErrInvalidArgument, "cannot open a chat with yourself")
	ErrNameRequired               = kindError(ErrInvalidArgument, "chat name required")
	ErrContentRequired            = kindError(ErrInvalidArgument, "content required")
	ErrGlyphRequired              = kindError(ErrInvalidArgument, "reaction required")
	ErrInvalidReply               = kindError(ErrInvalidArgument, "reply target must be a message in the same chat")
	ErrNoForwardTargets           = kindError(ErrInvalidArgument, "chatIds or userIds required")
	ErrForwardSystemMessage       = kindError(ErrInvalidArgument, "system messages cannot be forwarded")
)

type appError struct {
	msg  string
	kind error
}

func (e *appError) Error() string { return e.msg }
func (e *appError) Unwrap() error { return e.kind }

func kindError(kind error, msg string) error {
	return &appError{msg: msg, kind: kind}
}

// ForwardFailure is one forward target that could not be served.
type ForwardFailure struct {
	ChatID string `json:"chatId,omitempty"`
	UserID string `json:"userId,omitempty"`
	Err    error  `json:"-"`
}

// ForwardError reports the targets a forward could not reach. The messages
// created for the other targets are still returned alongside it.
type ForwardError struct {
	Failures []ForwardFailure
	Targets  int
}

func (e *ForwardError) Error() string {
	if len(e.Failures) == 1 {
		return "forward failed: " + e.Failures[0].Err.Error()
	}
	return fmt.Sprintf("forward failed for %d of %d targets", len(e.Failures), e.Targets)
}

// Unwrap exposes each target's error to errors.Is.
func (e *ForwardError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.Err)
	}
	return out
}

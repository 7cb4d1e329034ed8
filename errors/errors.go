package errors

import (
	stderrors "errors"
	"fmt"
)

var (
	ErrAuth                 = fmt.Errorf("authentication failed")
	ErrNotAMember           = fmt.Errorf("user is not a member of the conversation")
	ErrProtocol             = fmt.Errorf("protocol error")
	ErrInvalidCursor        = fmt.Errorf("%w: invalid cursor", ErrProtocol)
	ErrPersistence          = fmt.Errorf("persistence failed")
	ErrBrokerUnavailable    = fmt.Errorf("broker unavailable")
	ErrConversationNotFound = fmt.Errorf("conversation not found")
	ErrMessageNotFound      = fmt.Errorf("message not found")
	ErrSlowConsumer         = fmt.Errorf("session outbound buffer is full")
	ErrAbuseThreshold       = fmt.Errorf("too many malformed frames")
	ErrSessionClosed        = fmt.Errorf("session closed")
	ErrWorkerPanic          = fmt.Errorf("worker panic")
	ErrEmptyWords           = fmt.Errorf("no censored words found")
)

// Wire error codes carried by error frames.
const (
	CodeAuth        = "auth_error"
	CodeNotAMember  = "not_a_member"
	CodeProtocol    = "protocol_error"
	CodePersistence = "persistence_error"
	CodeNotFound    = "not_found"
	CodeInternal    = "internal_error"
)

// Code maps an error returned by the core to the code sent to clients.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case Is(err, ErrAuth):
		return CodeAuth
	case Is(err, ErrNotAMember):
		return CodeNotAMember
	case Is(err, ErrProtocol):
		return CodeProtocol
	case Is(err, ErrPersistence):
		return CodePersistence
	case Is(err, ErrConversationNotFound), Is(err, ErrMessageNotFound):
		return CodeNotFound
	default:
		return CodeInternal
	}
}

func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func Join(errs ...error) error { return stderrors.Join(errs...) }

package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so every layer can decide whether to surface,
// log or silently recover.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindTransientIO covers network and store errors; last good state is kept.
	KindTransientIO
	// KindValidation is raised before any I/O happens.
	KindValidation
	// KindBackendFailure is a non-2xx, timeout or network failure of the AI call.
	KindBackendFailure
	// KindStaleReference is a reference that no longer applies: a cached
	// pointer to a conversation that is gone, or a send whose profile signed
	// out before it finished.
	KindStaleReference
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransientIO:
		return "transient_io"
	case KindValidation:
		return "validation"
	case KindBackendFailure:
		return "backend_failure"
	case KindStaleReference:
		return "stale_reference"
	default:
		return "unknown"
	}
}

var (
	ErrEmptyText            = errors.New("message text is empty")
	ErrNoProfile            = errors.New("no profile is bound")
	ErrEmptyConversation    = errors.New("active conversation has no messages")
	ErrSendInFlight         = errors.New("a message is already being sent in this conversation")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrProfileChanged       = errors.New("profile changed while the operation was running")
)

// Error is a classified failure of operation Op.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a kind and operation name. A nil err yields nil.
func E(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

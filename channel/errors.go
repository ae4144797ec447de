package channel

import "fmt"

// Kind classifies what went wrong, and with it what happens next: violations
// force-close, transient errors retry, bad commands fail fast, and a fatal
// persistence failure parks the whole node read-only.
type Kind uint8

const (
	ProtocolViolation Kind = iota
	TransientIO
	InvalidCommand
	ResourceExhaustion
	FatalPersistenceFailure
)

func (k Kind) String() string {
	switch k {
	case ProtocolViolation:
		return "ProtocolViolation"
	case TransientIO:
		return "TransientIO"
	case InvalidCommand:
		return "InvalidCommand"
	case ResourceExhaustion:
		return "ResourceExhaustion"
	case FatalPersistenceFailure:
		return "FatalPersistenceFailure"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// Error carries the taxonomy kind along with a human readable reason.
type Error struct {
	Kind   Kind
	Reason string
}

func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.Reason
}

func Errf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// KindOf pulls the taxonomy kind out of an error, defaulting to TransientIO
// for errors that didn't come from a transition.
func KindOf(err error) Kind {
	if ce, ok := err.(*Error); ok {
		return ce.Kind
	}
	return TransientIO
}

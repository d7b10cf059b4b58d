package link

import "fmt"

// Kind classifies a link-layer error so callers can branch on the failure
// mode with errors.As instead of string matching.
type Kind int

const (
	// ErrTransport is a non-retryable socket I/O failure.
	ErrTransport Kind = iota
	// ErrHangup is a peer hang-up, handled identically to ErrTransport.
	ErrHangup
	// ErrMalformed is a message that failed Validate.
	ErrMalformed
	// ErrUnknownCommand is a Command outside the known enum.
	ErrUnknownCommand
	// ErrTimeout is a synchronous request that never got a reply in time.
	ErrTimeout
	// ErrRemoteFault is an in-band semantic error from the remote side,
	// encoded on the wire as the MaxUint64 sentinel reply value.
	ErrRemoteFault
)

func (k Kind) String() string {
	switch k {
	case ErrTransport:
		return "transport error"
	case ErrHangup:
		return "peer hang-up"
	case ErrMalformed:
		return "malformed message"
	case ErrUnknownCommand:
		return "unknown command"
	case ErrTimeout:
		return "timeout"
	case ErrRemoteFault:
		return "remote fault"
	default:
		return "link error"
	}
}

// Error is the error type returned by this package and by worker/proxy
// code built on top of it. It carries a Kind so callers can distinguish,
// for example, a timeout (retry/teardown policy differs) from a malformed
// message (log and keep going).
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.msg != "" {
		return e.msg
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is lets errors.Is(err, &link.Error{Kind: link.ErrTimeout}) match any
// *Error of that Kind, since Kind itself isn't an error. Only a target
// with no message and no wrapped error matches this way.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	return ok && other.Kind == e.Kind && other.msg == "" && other.err == nil
}

// wrap builds an *Error of the given kind around a lower-level error.
func wrap(kind Kind, context string, err error) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf("%s: %v", context, err), err: err}
}

// Package fault classifies the failures of the window task and the client
// loop. Low-level helpers return a *Error carrying a Kind; callers decide
// whether a kind is fatal for them.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the category of a failure.
type Kind int

const (
	// KindIO is an I/O failure with no more specific category.
	KindIO Kind = iota

	// KindResource is a failure to acquire something the daemon cannot run
	// without: a PTY, a listening socket.
	KindResource

	// KindInterrupted is a blocking wait cut short by a signal. Retried,
	// never surfaced to the user.
	KindInterrupted

	// KindPeerClosed is a zero-length read: the client detached, the
	// daemon went away, or the child program exited.
	KindPeerClosed

	// KindProtocol is an unrecognized command tag on the session socket.
	KindProtocol

	// KindShortWrite is a write that transferred fewer bytes than requested.
	KindShortWrite

	// KindParse is a malformed persisted registry record.
	KindParse
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindResource:
		return "resource"
	case KindInterrupted:
		return "interrupted"
	case KindPeerClosed:
		return "peer-closed"
	case KindProtocol:
		return "protocol"
	case KindShortWrite:
		return "short-write"
	case KindParse:
		return "parse"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a classified failure of operation Op.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err as a failure of the given kind.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified failure from a format string. %w is honored.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost *Error in err's chain, or KindIO
// for unclassified errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindIO
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Fatal reports whether a failure of this kind ends the window task.
// Interruptions are retried and peer closes drive state transitions; every
// other kind terminates the process.
func Fatal(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindInterrupted, KindPeerClosed:
		return false
	default:
		return true
	}
}

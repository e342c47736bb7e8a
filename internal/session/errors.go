package session

import "github.com/cockroachdb/errors"

var (
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("session not found")

	// ErrIndexOutOfRange is returned by History.Get for an index outside
	// [0, Size()). Those errors also match ErrNotFound.
	ErrIndexOutOfRange = errors.New("history index out of range")

	// ErrSessionClosed is returned by every operation on a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrRegistryClosed is returned by NewSession once the manager is closed.
	ErrRegistryClosed = errors.New("registry closed")

	// ErrTooManySessions is returned by NewSession when the session limit is reached.
	ErrTooManySessions = errors.New("maximum session limit reached")
)

package sessions

import "errors"

var (
	// ErrNotFound is returned when a document or layer name does not resolve
	// against the latest topology snapshot.
	ErrNotFound = errors.New("sessions: not found")
	// ErrNoActiveSession is returned when no live session is registered for
	// an identity. Callers should treat it as "nothing connected".
	ErrNoActiveSession = errors.New("sessions: no active session")
	// ErrSessionClosed is returned by operations on a session that has shut
	// down.
	ErrSessionClosed = errors.New("sessions: session closed")
)

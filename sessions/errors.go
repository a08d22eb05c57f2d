package sessions

import "errors"

var (
	// ErrClosed indicates the session is closed; pending outbound calls are
	// resolved with this error when no more specific cause is supplied.
	ErrClosed = errors.New("sessions: session closed")
	// ErrCallTimeout indicates an outbound call exceeded its deadline.
	ErrCallTimeout = errors.New("sessions: call timed out")
	// ErrNotInitialized indicates a non-handshake request arrived before the
	// handshake completed.
	ErrNotInitialized = errors.New("sessions: session not initialized")
	// ErrAlreadyInitialized indicates a repeated handshake request.
	ErrAlreadyInitialized = errors.New("sessions: session already initialized")
)

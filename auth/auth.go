// Package auth defines the authorization boundary for relay transports: a
// small Authenticator port plus a bearer-JWT implementation. Token issuance
// and OAuth discovery live outside this module; transports only need to map
// a presented credential to a stable principal.
package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials
// were supplied.
var ErrUnauthorized = errors.New("auth: unauthorized")

// UserInfo represents an authenticated principal. Implementations should be
// lightweight and safe for concurrent use.
type UserInfo interface {
	// UserID returns the unique identifier for the user.
	UserID() string
	// Claims unmarshals the user's claims into the provided struct reference.
	Claims(ref any) error
}

// Authenticator validates a bearer token and returns the associated user
// info. Invalid credentials return an error wrapping ErrUnauthorized.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, token string) (UserInfo, error)
}

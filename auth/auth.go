// Package auth provides pluggable authentication primitives for the
// streaming HTTP transport. The surface stays small: an Authenticator
// validates an incoming bearer token string and returns a UserInfo or an
// error. The transport extracts the token from the HTTP request and maps
// sentinel errors to challenges; sessions are bound to the authenticated
// user's ID at creation and every later load verifies the binding.
package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials
// were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// UserInfo represents an authenticated principal. Implementations should be
// lightweight and safe for concurrent use.
type UserInfo interface {
	// UserID returns the unique identifier for the user.
	UserID() string
	// Claims unmarshals the user's claims into the provided struct reference.
	Claims(ref any) error
}

// Authenticator validates bearer tokens and returns associated user info.
// It should return ErrUnauthorized for invalid credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

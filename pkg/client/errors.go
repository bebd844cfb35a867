package client

import (
	"errors"
	"fmt"
)

var (
	ErrConnection           = errors.New("connection error")
	ErrNotConnected         = errors.New("not connected")
	ErrAlreadyConnected     = errors.New("already connected")
	ErrNoLocalKeyBundle     = errors.New("no local key bundle for user on this server")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrAttachmentMissing    = errors.New("attachment missing")
	ErrPersistence          = errors.New("persistence error")
	ErrEmptyRecipient       = errors.New("recipient is empty")
	ErrEmptyPayload         = errors.New("payload is empty")
	ErrEmptyUsername        = errors.New("username is empty")
	ErrSessionActive        = errors.New("user is logged in")
	ErrEngineStopped        = errors.New("session engine stopped")
)

// AuthError carries the backend's failure text for a login or register.
type AuthError struct {
	Action  string
	User    string
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s for %q: %s", ErrAuthenticationFailed, e.User, e.Action)
	}
	return fmt.Sprintf("%s for %q: %s", ErrAuthenticationFailed, e.User, e.Message)
}

func (e *AuthError) Unwrap() error {
	return ErrAuthenticationFailed
}

func connectionError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrConnection, op, err)
}

func persistenceError(op, key string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", ErrPersistence, op, key, err)
}

package chat

import "errors"

var (
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")

	ErrNotSignedIn      = errors.New("you must be signed in")
	ErrEmailNotVerified = errors.New("email address is not verified")
	ErrEmptyMessage     = errors.New("message is empty")
	ErrNoRoom           = errors.New("no active room")
	ErrForbidden        = errors.New("not allowed")
	ErrEventFull        = errors.New("event is full")
)

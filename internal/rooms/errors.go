package rooms

import "errors"

var (
	// ErrNotFound indicates the room is missing or inactive.
	ErrNotFound = errors.New("rooms: room not found")
	// ErrUnauthorized indicates the actor lacks the capability for the mutation.
	ErrUnauthorized = errors.New("rooms: unauthorized")
	// ErrValidation indicates malformed input such as too many time frames.
	ErrValidation = errors.New("rooms: validation failed")
	// ErrUserNotFound indicates a co-owner invite could not resolve its user.
	ErrUserNotFound = errors.New("rooms: user not found")
	// ErrCoOwnerExists indicates the invited user already co-owns the room.
	ErrCoOwnerExists = errors.New("rooms: co-owner already present")
)

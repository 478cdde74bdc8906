package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrActorRequired is returned when a mutating call carries no actor id.
	ErrActorRequired = errors.New("actor id required")
)

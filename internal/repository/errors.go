package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrInvalidArgument indicates the store rejected malformed input.
var ErrInvalidArgument = errors.New("repository: invalid argument")

// ErrUnavailable indicates the store could not be reached. Callers may retry.
var ErrUnavailable = errors.New("repository: unavailable")

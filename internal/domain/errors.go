package domain

import (
	"errors"
)

// Error taxonomy. Handlers map these to HTTP status codes; everything else
// is an internal error.
var (
	// ErrValidation marks malformed input. Rejected synchronously with no
	// state mutation.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks a missing referenced entity. Hard failure for
	// enrollment; webhook lookups treat misses as soft no-ops instead.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized marks an ownership mismatch.
	ErrUnauthorized = errors.New("not authorized")

	// ErrSignature marks a webhook authenticity failure. Callers must not
	// leak verification details.
	ErrSignature = errors.New("invalid signature")
)

package operator

import "errors"

// Public, stable errors for callers.
var (
	ErrKeyTooShort   = errors.New("operator key too short")
	ErrKeyTooLong    = errors.New("operator key too long")
	ErrWeakKey       = errors.New("weak operator key")
	ErrInvalidHash   = errors.New("invalid operator key hash")
	ErrNoOperators   = errors.New("no operator keys configured")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrInvalidKeySet = errors.New("invalid operator key set")
)

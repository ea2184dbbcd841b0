package token

import (
	"errors"
	"fmt"
)

var (
	ErrHMACKeyMissing  = errors.New("token HMAC key missing")
	ErrHMACKeyTooShort = errors.New("token HMAC key too short")
)

// KeyError reports why the JWT-class key secret was rejected.
// It matches ErrHMACKeyMissing or ErrHMACKeyTooShort under errors.Is.
type KeyError struct {
	Env  string
	Have int
	Min  int
}

func (e *KeyError) Error() string {
	if e.Have == 0 {
		return fmt.Sprintf("%s is not set", e.Env)
	}
	return fmt.Sprintf("%s is %d bytes, need at least %d", e.Env, e.Have, e.Min)
}

func (e *KeyError) Is(target error) bool {
	switch target {
	case ErrHMACKeyMissing:
		return e.Have == 0
	case ErrHMACKeyTooShort:
		return e.Have > 0
	}
	return false
}

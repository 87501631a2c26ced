package accounting

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected means no credential has been established; the user must authorize again
	ErrNotConnected = errors.New("not connected to accounting system")
	// ErrNotConfigured means the OAuth client id or redirect URI is missing
	ErrNotConfigured = errors.New("accounting OAuth client is not configured")
	// ErrTokenExchangeFailed is the kind of every *TokenExchangeError
	ErrTokenExchangeFailed = errors.New("token exchange failed")
)

// TokenExchangeError is returned when the token endpoint answers non-2xx
type TokenExchangeError struct {
	Op     string
	Status int
	Body   string
}

func (e *TokenExchangeError) Error() string {
	return fmt.Sprintf("%s: %v (status %d): %s", e.Op, ErrTokenExchangeFailed, e.Status, e.Body)
}

// Is reports whether target is ErrTokenExchangeFailed
func (e *TokenExchangeError) Is(target error) bool {
	return target == ErrTokenExchangeFailed
}

// ValidationError is a caller input problem detected before any network call
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

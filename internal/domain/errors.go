package domain

import "errors"

var (
	// ErrUnauthorized is fatal: the token is missing, expired or lacks scope.
	ErrUnauthorized = errors.New("gitlab: unauthorized")
	ErrRateLimited  = errors.New("gitlab: rate limited")
	ErrTransient    = errors.New("gitlab: transient failure")
	// ErrNotFound is only meaningful for detail and author lookups.
	ErrNotFound = errors.New("gitlab: not found")
	ErrStorage  = errors.New("storage failure")
)

// IsRetryable reports whether err belongs to a class the retry policy covers.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTransient)
}

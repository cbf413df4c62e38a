package service

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInsufficientCredits means no pool can fund the request (402 semantics).
	ErrInsufficientCredits = errors.New("insufficient credits, payment required")
	// ErrJobNotFound is returned for unknown job ids; polling an id that was
	// never issued gets this same stable answer.
	ErrJobNotFound = errors.New("generation job not found")
	// ErrUserNotFound means the user has no balance row yet.
	ErrUserNotFound = errors.New("user not found")
	// ErrNoImagery means neither provider source yields imagery for the address.
	ErrNoImagery = errors.New("no imagery available for address")
	// ErrAlreadyShared means the share bonus for a job was already granted.
	ErrAlreadyShared = errors.New("share bonus already granted for this design")
)

// ValidationError reports malformed request input (422 semantics).
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// RateLimitError carries the time until the request would be admitted
// (429 semantics).
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

// Package apperr holds the error classes shared across the pipeline.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig marks fatal configuration problems: the invocation aborts without state changes.
	ErrConfig = errors.New("configuration error")

	// ErrConflict marks expected concurrency rejections.
	ErrConflict = errors.New("conflict")

	ErrNotFound = errors.New("not found")
	ErrInvalid  = errors.New("invalid input")
)

// Conflict is a concurrency rejection carrying a machine readable reason.
type Conflict struct {
	Reason string
}

func (c *Conflict) Error() string { return "conflict: " + c.Reason }

func (c *Conflict) Is(target error) bool { return target == ErrConflict }

// NewConflict builds a Conflict error with the given reason code.
func NewConflict(reason string) error { return &Conflict{Reason: reason} }

// Configf wraps a formatted message as a configuration error.
func Configf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

// Reason extracts the conflict reason code, or "" when err is not a Conflict.
func Reason(err error) string {
	var c *Conflict
	if errors.As(err, &c) {
		return c.Reason
	}
	return ""
}

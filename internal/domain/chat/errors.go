package chat

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrUnauthorized means the caller has no valid session.
	ErrUnauthorized = errors.New("chat: unauthorized")

	// ErrNotFound means a referenced conversation or message is absent.
	ErrNotFound = errors.New("chat: not found")
)

// ValidationError reports a malformed payload with field-level detail.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "chat: invalid payload"
	}
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return "chat: invalid payload: " + strings.Join(names, ", ")
}

// NewValidationError builds a single-field validation error.
func NewValidationError(field, detail string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: detail}}
}

// RepositoryError wraps a downstream persistence failure. Its message is
// deliberately opaque; the wrapped cause is for logging only and must not
// reach API callers.
type RepositoryError struct {
	Op  string
	Err error
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("chat: %s failed", e.Op)
}

func (e *RepositoryError) Unwrap() error { return e.Err }

// ChannelError means a change-notification subscription could not be opened.
// Non-fatal: freshness degrades to the cache staleness window.
type ChannelError struct {
	Scope string
	Err   error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("chat: channel %s unavailable", e.Scope)
}

func (e *ChannelError) Unwrap() error { return e.Err }

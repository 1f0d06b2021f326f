package api

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("chat or message not found")
	ErrRateLimited  = errors.New("rate limited by API")
	ErrUnauthorized = errors.New("authentication failed, token missing or expired")
	ErrForbidden    = errors.New("not a participant of this chat")
	ErrEmptyMessage = errors.New("message content is empty")
)

// StatusError is an unexpected HTTP status from the backend.
type StatusError struct {
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Detail)
}

package feed

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidConfig      = errors.New("invalid synchronizer configuration")
	ErrUnknownProvisional = errors.New("unknown provisional item")
	ErrPendingExpired     = errors.New("optimistic item was not confirmed in time")
)

// TransportError wraps a failed fetch. The next scheduled cycle retries.
type TransportError struct {
	FeedID string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("feed %s: fetch failed: %v", e.FeedID, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// MalformedItemError reports an item delivered without a usable timestamp.
type MalformedItemError struct {
	FeedID string
	ItemID string
	Reason string
}

func (e *MalformedItemError) Error() string {
	return fmt.Sprintf("feed %s: malformed item %q: %s", e.FeedID, e.ItemID, e.Reason)
}

// BacklogOverflowError reports items discarded from the hidden backlog
// because it exceeded its limit. The discarded items are never rendered.
type BacklogOverflowError struct {
	FeedID  string
	Dropped int
	Limit   int
}

func (e *BacklogOverflowError) Error() string {
	return fmt.Sprintf("feed %s: hidden backlog over %d items, dropped %d oldest", e.FeedID, e.Limit, e.Dropped)
}

// PendingError describes an optimistic item dropped from the pending set.
type PendingError struct {
	ProvisionalID string
	Err           error
}

func (e *PendingError) Error() string {
	return fmt.Sprintf("provisional item %s: %v", e.ProvisionalID, e.Err)
}

func (e *PendingError) Unwrap() error {
	return e.Err
}

func configError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

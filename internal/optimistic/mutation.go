// Package optimistic applies local changes before the remote write that
// backs them has finished, and compensates when that write fails.
package optimistic

import (
	"context"
	"errors"
	"fmt"
)

var ErrNoCommit = errors.New("mutation has no commit step")

// Mutation is a two-phase local change.
//
// Apply changes local state and is expected to be cheap. Commit performs the
// remote write. Revert undoes Apply and is only called when Commit fails.
type Mutation struct {
	Apply  func() error
	Commit func(ctx context.Context) error
	Revert func(cause error)
}

// CommitError is returned by Run when the remote write failed and the local
// change was reverted.
type CommitError struct {
	Err error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit failed, local change reverted: %v", e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

// Run applies m locally, commits it, and reverts the local change if the
// commit fails. An Apply error aborts before anything is committed.
func Run(ctx context.Context, m Mutation) error {
	if m.Commit == nil {
		return ErrNoCommit
	}

	if m.Apply != nil {
		if err := m.Apply(); err != nil {
			return fmt.Errorf("applying local change: %w", err)
		}
	}

	if err := m.Commit(ctx); err != nil {
		if m.Revert != nil {
			m.Revert(err)
		}
		return &CommitError{Err: err}
	}
	return nil
}

// Toggle flips a boolean flag optimistically, as a like button does, and
// flips it back when the remote write fails.
func Toggle(ctx context.Context, state *bool, commit func(ctx context.Context, on bool) error) error {
	target := !*state
	return Run(ctx, Mutation{
		Apply: func() error {
			*state = target
			return nil
		},
		Commit: func(ctx context.Context) error {
			return commit(ctx, target)
		},
		Revert: func(error) {
			*state = !target
		},
	})
}

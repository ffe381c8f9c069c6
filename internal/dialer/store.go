package dialer

import (
	"context"
	"errors"

	"outreach-platform/internal/jobs"
)

var (
	ErrNotFound = errors.New("dialer: attempt not found")
	ErrExists   = errors.New("dialer: attempt already exists")

	// ErrConflict means the attempt changed since it was read.
	ErrConflict = errors.New("dialer: version conflict")

	// ErrRunCancelled means a save with follow-up dials was refused because
	// the run was cancelled. Nothing was written.
	ErrRunCancelled = errors.New("dialer: run cancelled")
)

// CancelGate tells the memory store whether a run was cancelled.
type CancelGate interface {
	RunCancelled(ctx context.Context, runID string) (bool, error)
}

// Store persists attempts. Save is an optimistic single-row update, and the
// follow-up jobs a transition produces are enqueued in the same unit of work
// so a crash never leaves a transition without its next dial.
type Store interface {
	Create(ctx context.Context, attempts []Attempt, seed []jobs.Job) error
	Get(ctx context.Context, runID, contactID string) (Attempt, error)
	Save(ctx context.Context, next Attempt, prevVersion int, followUps []jobs.Job) (Attempt, error)
	ListByRun(ctx context.Context, runID string) ([]Attempt, error)

	// FindOpenByPhone returns non-terminal attempts dialing number, used to
	// route inbound SMS replies.
	FindOpenByPhone(ctx context.Context, number string) ([]Attempt, error)
}

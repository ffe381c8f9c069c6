package jobs

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store is the durable job queue.
//
// Every mutation of a claimed job is conditional on the claim token, so a
// worker whose lease was reaped can never overwrite a newer owner.
type Store interface {
	Enqueue(ctx context.Context, jobs ...Job) ([]Job, error)

	// Claim atomically takes the oldest queued job of kind whose
	// available_at <= now. Returns ErrNoJob when nothing is eligible.
	Claim(ctx context.Context, kind Kind, worker string, now time.Time, lease time.Duration) (Job, error)

	Complete(ctx context.Context, c Claim, done Completion, now time.Time) (Job, error)

	// Retry consumes an attempt and requeues at availableAt, or dead-letters
	// the job with OutcomeExhausted when the attempt budget is spent.
	Retry(ctx context.Context, c Claim, lastError string, availableAt, now time.Time) (Job, error)

	// Defer requeues without consuming an attempt.
	Defer(ctx context.Context, c Claim, availableAt, now time.Time) error

	AttachExternalID(ctx context.Context, c Claim, externalID string, leaseUntil, now time.Time) error
	ExtendLease(ctx context.Context, c Claim, leaseUntil, now time.Time) error

	Get(ctx context.Context, id string) (Job, error)
	FindByExternalID(ctx context.Context, externalID string) (Job, error)
	ListFailed(ctx context.Context, f FailedFilter) ([]Job, error)
	ExpiredLeases(ctx context.Context, now time.Time, limit int) ([]Job, error)
	HasOpenDependents(ctx context.Context, fingerprint string) (bool, error)
	CountOpenByRun(ctx context.Context, runID string) (int, error)

	// Requeue and Resolve are operator repairs on terminal jobs.
	Requeue(ctx context.Context, id string, now time.Time) (Job, error)
	Resolve(ctx context.Context, id, by string, now time.Time) (Job, error)
}

// Prepare validates j and fills the fields every enqueued job needs.
func Prepare(j Job, now time.Time) (Job, error) {
	if !j.Kind.Valid() {
		return Job{}, ErrInvalidArgument
	}
	if j.MaxAttempts <= 0 {
		return Job{}, ErrInvalidArgument
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	now = now.UTC()
	j.Status = StatusQueued
	j.Attempts = 0
	j.Outcome = OutcomeNone
	j.LastError = strings.TrimSpace(j.LastError)
	j.ClaimToken = ""
	j.ClaimedBy = ""
	j.LeaseUntil = nil
	j.ExternalID = ""
	j.Requeues = 0
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.AvailableAt.IsZero() {
		j.AvailableAt = now
	}
	j.AvailableAt = j.AvailableAt.UTC()
	j.UpdatedAt = now
	return j, nil
}

func newClaimToken() string { return uuid.NewString() }

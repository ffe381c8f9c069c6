package reporting

import (
	"context"

	"outreach-platform/internal/dialer"
	"outreach-platform/internal/jobs"
)

// StoreRepo reads summaries straight from the attempt and job stores.
type StoreRepo struct {
	Attempts dialer.Store
	Jobs     jobs.Store
}

func (r StoreRepo) ListAttempts(ctx context.Context, runID string) ([]dialer.Attempt, error) {
	return r.Attempts.ListByRun(ctx, runID)
}

func (r StoreRepo) CountOpenJobs(ctx context.Context, runID string) (int, error) {
	return r.Jobs.CountOpenByRun(ctx, runID)
}

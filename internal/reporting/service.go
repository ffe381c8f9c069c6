package reporting

import (
	"context"
	"errors"

	"outreach-platform/internal/dialer"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository abstracts the two sources a run summary is derived from.
type Repository interface {
	ListAttempts(ctx context.Context, runID string) ([]dialer.Attempt, error)
	CountOpenJobs(ctx context.Context, runID string) (int, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

// Summarize buckets attempts by state.
func Summarize(attempts []dialer.Attempt) Counts {
	c := Counts{ByState: make(map[dialer.State]int, len(dialer.AllStates))}
	for _, s := range dialer.AllStates {
		c.ByState[s] = 0
	}
	for _, a := range attempts {
		c.Total++
		c.ByState[a.State]++
		switch a.State {
		case dialer.StateConfirmed:
			c.Confirmed++
		case dialer.StateManualNeeded:
			c.Manual++
		case dialer.StateError:
			c.Error++
		case dialer.StateNoAnswer, dialer.StateScheduled:
			c.NoAnswer++
		default:
			c.Pending++
		}
	}
	return c
}

func (s *Service) RunSummary(ctx context.Context, runID string) (RunSummary, error) {
	if runID == "" {
		return RunSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return RunSummary{}, errors.New("reporting: repository not configured")
	}

	attempts, err := s.repo.ListAttempts(ctx, runID)
	if err != nil {
		return RunSummary{}, err
	}
	open, err := s.repo.CountOpenJobs(ctx, runID)
	if err != nil {
		return RunSummary{}, err
	}

	out := RunSummary{RunID: runID, Counts: Summarize(attempts), OpenJobs: open}
	terminal := out.Counts.Confirmed + out.Counts.Manual + out.Counts.Error
	out.Done = terminal == out.Counts.Total && open == 0
	return out, nil
}

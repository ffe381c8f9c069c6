package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"outreach-platform/internal/audit"
	"outreach-platform/internal/jobs"
)

var (
	ErrNotFound = errors.New("outbox: job not found")

	// ErrConflict means the job is not in a repairable state, or requeueing
	// it would duplicate work that is already open.
	ErrConflict = errors.New("outbox: job cannot be repaired")
)

// Entry is the operator view of one failed job.
type Entry struct {
	JobID       string       `json:"job_id"`
	Kind        jobs.Kind    `json:"kind"`
	Status      jobs.Status  `json:"status"`
	Outcome     jobs.Outcome `json:"outcome,omitempty"`
	Attempts    int          `json:"attempts"`
	MaxAttempts int          `json:"max_attempts"`
	LastError   string       `json:"last_error,omitempty"`
	Requeues    int          `json:"requeues"`

	RunID     string   `json:"run_id,omitempty"`
	ContactID string   `json:"contact_id,omitempty"`
	Phone     string   `json:"phone,omitempty"`
	Leg       jobs.Leg `json:"leg,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy string     `json:"resolved_by,omitempty"`
}

func entryOf(j jobs.Job) Entry {
	return Entry{
		JobID:       j.ID,
		Kind:        j.Kind,
		Status:      j.Status,
		Outcome:     j.Outcome,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		LastError:   j.LastError,
		Requeues:    j.Requeues,
		RunID:       j.Payload.RunID,
		ContactID:   j.Payload.ContactID,
		Phone:       j.Payload.Phone,
		Leg:         j.Payload.Leg,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		ResolvedAt:  j.ResolvedAt,
		ResolvedBy:  j.ResolvedBy,
	}
}

type Filter struct {
	Kind            jobs.Kind
	RunID           string
	Statuses        []jobs.Status
	IncludeResolved bool
	Limit           int
}

// Service is the operator surface over dead-lettered and failed jobs.
// Repairs touch only the job; contact state is never reopened here.
type Service struct {
	jobs  jobs.Store
	audit *audit.Service
	wake  func(jobs.Kind)
	log   *slog.Logger
	now   func() time.Time
}

// NewService builds the reviewer. wake, when set, nudges the pool of a
// requeued job's kind.
func NewService(store jobs.Store, auditSvc *audit.Service, wake func(jobs.Kind), log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{jobs: store, audit: auditSvc, wake: wake, log: log, now: time.Now}
}

func (s *Service) ListFailed(ctx context.Context, f Filter) ([]Entry, error) {
	if f.Kind != "" && !f.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", jobs.ErrInvalidArgument, f.Kind)
	}
	for _, st := range f.Statuses {
		if st != jobs.StatusDeadLettered && st != jobs.StatusFailed {
			return nil, fmt.Errorf("%w: status %q is not listed in the outbox", jobs.ErrInvalidArgument, st)
		}
	}
	list, err := s.jobs.ListFailed(ctx, jobs.FailedFilter{
		Statuses:        f.Statuses,
		Kind:            f.Kind,
		RunID:           strings.TrimSpace(f.RunID),
		IncludeResolved: f.IncludeResolved,
		Limit:           f.Limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(list))
	for _, j := range list {
		out = append(out, entryOf(j))
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, id string) (Entry, error) {
	j, err := s.jobs.Get(ctx, id)
	if errors.Is(err, jobs.ErrNotFound) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	return entryOf(j), nil
}

// Requeue resets a terminal job to queued now; attempts are kept.
func (s *Service) Requeue(ctx context.Context, id string, actor audit.Actor) (Entry, error) {
	j, err := s.jobs.Requeue(ctx, id, s.now().UTC())
	if err != nil {
		return Entry{}, repairErr(err)
	}
	s.record(ctx, audit.EventJobRequeued, actor, j, fmt.Sprintf("requeued %s job (requeue %d)", j.Kind, j.Requeues))
	s.log.Info("outbox job requeued", "job_id", j.ID, "kind", j.Kind, "actor_id", actor.ID)
	if s.wake != nil {
		s.wake(j.Kind)
	}
	return entryOf(j), nil
}

// MarkResolved records that an operator handled the job out of band.
// Resolving twice is a no-op.
func (s *Service) MarkResolved(ctx context.Context, id string, actor audit.Actor, note string) (Entry, error) {
	if actor.ID == "" {
		return Entry{}, fmt.Errorf("%w: actor required", jobs.ErrInvalidArgument)
	}
	before, err := s.jobs.Get(ctx, id)
	if err != nil {
		return Entry{}, repairErr(err)
	}
	j, err := s.jobs.Resolve(ctx, id, actor.ID, s.now().UTC())
	if err != nil {
		return Entry{}, repairErr(err)
	}
	if before.ResolvedAt == nil {
		msg := "resolved"
		if note = strings.TrimSpace(note); note != "" {
			msg += ": " + note
		}
		s.record(ctx, audit.EventJobResolved, actor, j, msg)
	}
	return entryOf(j), nil
}

func (s *Service) record(ctx context.Context, t audit.EventType, actor audit.Actor, j jobs.Job, msg string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.LogJobRepair(ctx, t, actor, j.ID, j.Payload.RunID, msg); err != nil {
		s.log.Warn("audit append failed", "type", t, "job_id", j.ID, "err", err)
	}
}

func repairErr(err error) error {
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, jobs.ErrNotTerminal), errors.Is(err, jobs.ErrInvalidArgument):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	default:
		return err
	}
}

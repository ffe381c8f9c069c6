package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
// It is append-only: there is no Update or Delete.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs operator actions.
// Callers should treat audit logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.ActorID == "" {
		return ErrInvalidEvent
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// LogCampaign records a campaign start or cancellation.
func (s *Service) LogCampaign(ctx context.Context, t EventType, actor Actor, runID, message, metadata string) error {
	return s.Append(ctx, Event{
		Type:      t,
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		IPAddress: actor.IP,
		RunID:     runID,
		Message:   message,
		Metadata:  metadata,
	})
}

// LogJobRepair records an outbox requeue or resolution.
func (s *Service) LogJobRepair(ctx context.Context, t EventType, actor Actor, jobID, runID, message string) error {
	return s.Append(ctx, Event{
		Type:      t,
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		IPAddress: actor.IP,
		JobID:     jobID,
		RunID:     runID,
		Message:   message,
	})
}

package campaigns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"outreach-platform/internal/audit"
	"outreach-platform/internal/dialer"
	"outreach-platform/internal/events"
	"outreach-platform/internal/jobs"
	"outreach-platform/internal/reporting"
	"outreach-platform/internal/speech"
)

// AssetLookup reports whether speech for a fingerprint is already cached.
type AssetLookup interface {
	Lookup(ctx context.Context, fingerprint string) (speech.Asset, error)
}

type Deps struct {
	Runs      Repo
	Directory Directory
	Attempts  dialer.Store
	Jobs      jobs.Store
	Assets    AssetLookup
	Audit     *audit.Service
	Events    events.Publisher
	Settings  Settings
	Log       *slog.Logger

	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// Service is the campaign orchestrator: it expands a campaign into attempts
// and seed jobs, and derives run status. All dialing happens in workers.
type Service struct {
	runs     Repo
	dir      Directory
	attempts dialer.Store
	jobs     jobs.Store
	assets   AssetLookup
	audit    *audit.Service
	events   events.Publisher
	reports  *reporting.Service
	settings Settings
	log      *slog.Logger
	clock    func() time.Time
}

func NewService(d Deps) *Service {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	pub := d.Events
	if pub == nil {
		pub = events.Nop{}
	}
	clock := d.Now
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		runs:     d.Runs,
		dir:      d.Directory,
		attempts: d.Attempts,
		jobs:     d.Jobs,
		assets:   d.Assets,
		audit:    d.Audit,
		events:   pub,
		reports:  reporting.NewService(reporting.StoreRepo{Attempts: d.Attempts, Jobs: d.Jobs}),
		settings: d.Settings.withDefaults(),
		log:      log,
		clock:    clock,
	}
}

type StartRequest struct {
	Name       string
	GroupID    string
	ContactIDs []string
	MessageID  string

	// SMS overrides the configured SMS channel for this run.
	SMS *bool

	Actor audit.Actor
}

// Start expands the audience, records one attempt per contact and seeds the
// first jobs. It returns as soon as the jobs are stored.
func (s *Service) Start(ctx context.Context, req StartRequest) (Run, error) {
	req.MessageID = strings.TrimSpace(req.MessageID)
	req.GroupID = strings.TrimSpace(req.GroupID)
	if req.MessageID == "" {
		return Run{}, fmt.Errorf("%w: message_id is required", ErrInvalidRequest)
	}
	if req.GroupID == "" && len(req.ContactIDs) == 0 {
		return Run{}, fmt.Errorf("%w: group_id or contact_ids is required", ErrInvalidRequest)
	}

	msg, err := s.dir.Message(ctx, req.MessageID)
	if errors.Is(err, ErrNotFound) {
		return Run{}, fmt.Errorf("%w: message %q not found", ErrInvalidRequest, req.MessageID)
	}
	if err != nil {
		return Run{}, err
	}
	if strings.TrimSpace(msg.Text) == "" {
		return Run{}, fmt.Errorf("%w: message %q is empty", ErrInvalidRequest, req.MessageID)
	}
	msg = s.settings.message(msg)

	ids, err := s.audience(ctx, req)
	if err != nil {
		return Run{}, err
	}

	now := s.clock().UTC()
	run := Run{
		ID:         uuid.NewString(),
		Name:       strings.TrimSpace(req.Name),
		GroupID:    req.GroupID,
		ContactIDs: ids,
		MessageID:  msg.ID,
		Message:    msg,
		Policy: RunPolicy{
			Dial:            s.settings.Dial,
			CallMaxAttempts: s.settings.CallMaxAttempts,
			SMSMaxAttempts:  s.settings.SMSMaxAttempts,
		},
		SMSEnabled: s.settings.SMSEnabled,
		CreatedBy:  req.Actor.ID,
		CreatedAt:  now,
	}
	if req.SMS != nil {
		run.SMSEnabled = *req.SMS
	}
	if s.settings.Deadline > 0 {
		run.Deadline = now.Add(s.settings.Deadline)
	}

	attempts := make([]dialer.Attempt, 0, len(ids))
	eligible := 0
	for _, id := range ids {
		c, err := s.dir.Contact(ctx, id)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return Run{}, err
		}
		a := dialer.NewAttempt(run.ID, id, c.Phones, now)
		if errors.Is(err, ErrNotFound) {
			a.Reason = dialer.ReasonNotFound
		}
		if !a.State.Terminal() {
			eligible++
		}
		attempts = append(attempts, a)
	}

	seed := make([]jobs.Job, 0, eligible+1)
	callAt := now
	if msg.UseAudio && s.settings.TTSEnabled && eligible > 0 {
		run.AudioFingerprint = speech.Fingerprint(msg.Text, msg.Voice, msg.Speed, msg.Provider)
		if !s.assetReady(ctx, run.AudioFingerprint) {
			hold := now.Add(s.settings.TTSHold)
			run.TTSHoldUntil = &hold
			callAt = now.Add(s.settings.TTSRecheck)
			// The TTS job goes first so workers see it before any held call.
			seed = append(seed, TTSJob(run, s.settings.TTSMaxAttempts, now))
		}
	}
	for _, a := range attempts {
		e, ok := FirstDial(a)
		if !ok {
			continue
		}
		j := DialJob(run, a, e, now)
		j.AvailableAt = callAt
		seed = append(seed, j)
		if run.SMSEnabled {
			if sj, ok := SMSJob(run, a, now); ok {
				seed = append(seed, sj)
			}
		}
	}

	if err := s.runs.Create(ctx, run); err != nil {
		return Run{}, fmt.Errorf("campaigns: create run: %w", err)
	}
	if err := s.attempts.Create(ctx, attempts, seed); err != nil {
		return Run{}, fmt.Errorf("campaigns: seed run: %w", err)
	}

	s.log.Info("campaign started",
		"run_id", run.ID,
		"contacts", len(ids),
		"eligible", eligible,
		"jobs", len(seed),
		"tts_hold", run.TTSHoldUntil != nil,
	)
	s.record(ctx, audit.EventCampaignStarted, req.Actor, run, fmt.Sprintf("started for %d contacts", len(ids)))
	s.publish(ctx, events.Event{Type: events.TypeRunStarted, RunID: run.ID, At: now})

	// Every contact may already be terminal (no phones).
	if eligible == 0 {
		if _, err := s.CompleteIfDone(ctx, run.ID); err != nil {
			s.log.Warn("campaign completion check failed", "run_id", run.ID, "err", err)
		}
		if r, err := s.runs.Get(ctx, run.ID); err == nil {
			run = r
		}
	}
	return run, nil
}

// audience is the deduplicated contact list: explicit ids first, then group
// members, in first-seen order.
func (s *Service) audience(ctx context.Context, req StartRequest) ([]string, error) {
	var all []string
	for _, id := range req.ContactIDs {
		all = append(all, strings.TrimSpace(id))
	}
	if req.GroupID != "" {
		members, err := s.dir.GroupMembers(ctx, req.GroupID)
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: group %q not found", ErrInvalidRequest, req.GroupID)
		}
		if err != nil {
			return nil, err
		}
		all = append(all, members...)
	}

	seen := make(map[string]struct{}, len(all))
	out := make([]string, 0, len(all))
	for _, id := range all {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: audience is empty", ErrInvalidRequest)
	}
	return out, nil
}

func (s *Service) assetReady(ctx context.Context, fp string) bool {
	if s.assets == nil {
		return false
	}
	a, err := s.assets.Lookup(ctx, fp)
	if err != nil {
		if !errors.Is(err, speech.ErrNotFound) {
			s.log.Warn("tts asset lookup failed", "fingerprint", fp, "err", err)
		}
		return false
	}
	return a.Ready()
}

func (s *Service) Run(ctx context.Context, runID string) (Run, error) {
	return s.runs.Get(ctx, runID)
}

type Status struct {
	Run     Run                  `json:"run"`
	Summary reporting.RunSummary `json:"summary"`
}

// Status derives the aggregates from attempt and job state at read time.
func (s *Service) Status(ctx context.Context, runID string) (Status, error) {
	run, err := s.runs.Get(ctx, runID)
	if err != nil {
		return Status{}, err
	}
	sum, err := s.reports.RunSummary(ctx, runID)
	if err != nil {
		return Status{}, err
	}
	if sum.Done && run.CompletedAt == nil {
		if r, err := s.markCompleted(ctx, run.ID); err == nil {
			run = r
		} else {
			s.log.Warn("campaign completion failed", "run_id", runID, "err", err)
		}
	}
	return Status{Run: run, Summary: sum}, nil
}

// CompleteIfDone sets completed_at once every attempt is terminal and no
// job of the run is open.
func (s *Service) CompleteIfDone(ctx context.Context, runID string) (bool, error) {
	sum, err := s.reports.RunSummary(ctx, runID)
	if err != nil {
		return false, err
	}
	if !sum.Done {
		return false, nil
	}
	if _, err := s.markCompleted(ctx, runID); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) markCompleted(ctx context.Context, runID string) (Run, error) {
	now := s.clock().UTC()
	run, changed, err := s.runs.MarkCompleted(ctx, runID, now)
	if err != nil {
		return Run{}, err
	}
	if changed {
		s.log.Info("campaign completed", "run_id", runID)
		s.publish(ctx, events.Event{Type: events.TypeRunCompleted, RunID: runID, At: now})
	}
	return run, nil
}

// Cancel sets the run's cancellation flag. Queued dials are escalated when
// picked and in-flight calls finish without follow-ups. Idempotent.
func (s *Service) Cancel(ctx context.Context, runID string, actor audit.Actor) (Run, error) {
	now := s.clock().UTC()
	run, changed, err := s.runs.MarkCancelled(ctx, runID, now)
	if err != nil {
		return Run{}, err
	}
	if !changed {
		return run, nil
	}
	s.log.Info("campaign cancelled", "run_id", runID, "actor_id", actor.ID)
	s.record(ctx, audit.EventCampaignCancelled, actor, run, "cancelled")
	s.publish(ctx, events.Event{Type: events.TypeRunCancelled, RunID: runID, At: now})
	return run, nil
}

func (s *Service) record(ctx context.Context, t audit.EventType, actor audit.Actor, run Run, msg string) {
	if s.audit == nil {
		return
	}
	meta, _ := json.Marshal(map[string]any{
		"message_id":  run.MessageID,
		"group_id":    run.GroupID,
		"contacts":    len(run.ContactIDs),
		"sms_enabled": run.SMSEnabled,
	})
	if err := s.audit.LogCampaign(ctx, t, actor, run.ID, msg, string(meta)); err != nil {
		s.log.Warn("audit append failed", "type", t, "run_id", run.ID, "err", err)
	}
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if err := s.events.Publish(ctx, e); err != nil {
		s.log.Warn("event publish failed", "type", e.Type, "run_id", e.RunID, "err", err)
	}
}

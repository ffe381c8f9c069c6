package jobs

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and APP_STORE=memory.
type MemoryStore struct {
	mu    sync.Mutex
	jobs  map[string]*Job
	order []string
	extID map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: map[string]*Job{}, extID: map[string]string{}}
}

func (s *MemoryStore) Enqueue(ctx context.Context, in ...Job) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueLocked(in, time.Now())
}

// EnqueueAt is Enqueue with an explicit clock, used by tests.
func (s *MemoryStore) EnqueueAt(now time.Time, in ...Job) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueLocked(in, now)
}

func (s *MemoryStore) enqueueLocked(in []Job, now time.Time) ([]Job, error) {
	prepared := make([]Job, 0, len(in))
	for _, j := range in {
		p, err := Prepare(j, now)
		if err != nil {
			return nil, err
		}
		prepared = append(prepared, p)
	}

	out := make([]Job, 0, len(prepared))
	for _, j := range prepared {
		if existing, ok := s.openByDedupeLocked(j.Kind, j.DedupeKey); ok {
			out = append(out, *existing)
			continue
		}
		cp := j
		s.jobs[cp.ID] = &cp
		s.order = append(s.order, cp.ID)
		out = append(out, cp)
	}
	return out, nil
}

func (s *MemoryStore) openByDedupeLocked(kind Kind, key string) (*Job, bool) {
	if key == "" {
		return nil, false
	}
	for _, id := range s.order {
		j := s.jobs[id]
		if j.Kind == kind && j.DedupeKey == key && !j.Status.Terminal() {
			return j, true
		}
	}
	return nil, false
}

func (s *MemoryStore) Claim(ctx context.Context, kind Kind, worker string, now time.Time, lease time.Duration) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pick *Job
	for _, id := range s.order {
		j := s.jobs[id]
		if j.Kind != kind || j.Status != StatusQueued || j.AvailableAt.After(now) {
			continue
		}
		if pick == nil || j.CreatedAt.Before(pick.CreatedAt) {
			pick = j
		}
	}
	if pick == nil {
		return Job{}, ErrNoJob
	}

	until := now.Add(lease).UTC()
	pick.Status = StatusInFlight
	pick.ClaimToken = newClaimToken()
	pick.ClaimedBy = worker
	pick.LeaseUntil = &until
	pick.UpdatedAt = now.UTC()
	return *pick, nil
}

func (s *MemoryStore) claimedLocked(c Claim) (*Job, error) {
	j, ok := s.jobs[c.JobID]
	if !ok {
		return nil, ErrNotFound
	}
	if j.Status != StatusInFlight || j.ClaimToken != c.Token || c.Token == "" {
		return nil, ErrStaleClaim
	}
	return j, nil
}

func release(j *Job) {
	j.ClaimToken = ""
	j.ClaimedBy = ""
	j.LeaseUntil = nil
}

func (s *MemoryStore) Complete(ctx context.Context, c Claim, done Completion, now time.Time) (Job, error) {
	if !done.Status.Terminal() {
		return Job{}, ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.claimedLocked(c)
	if err != nil {
		return Job{}, err
	}
	if done.CountAttempt {
		j.Attempts = nextAttempts(*j)
	}
	j.Status = done.Status
	j.Outcome = done.Outcome
	if done.LastError != "" {
		j.LastError = done.LastError
	}
	j.UpdatedAt = now.UTC()
	release(j)
	return *j, nil
}

func (s *MemoryStore) Retry(ctx context.Context, c Claim, lastError string, availableAt, now time.Time) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.claimedLocked(c)
	if err != nil {
		return Job{}, err
	}
	j.Attempts = nextAttempts(*j)
	j.LastError = lastError
	j.UpdatedAt = now.UTC()
	if j.Attempts >= j.MaxAttempts {
		j.Status = StatusDeadLettered
		j.Outcome = OutcomeExhausted
	} else {
		j.Status = StatusQueued
		j.AvailableAt = availableAt.UTC()
	}
	release(j)
	return *j, nil
}

func (s *MemoryStore) Defer(ctx context.Context, c Claim, availableAt, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.claimedLocked(c)
	if err != nil {
		return err
	}
	j.Status = StatusQueued
	j.AvailableAt = availableAt.UTC()
	j.UpdatedAt = now.UTC()
	release(j)
	return nil
}

func (s *MemoryStore) AttachExternalID(ctx context.Context, c Claim, externalID string, leaseUntil, now time.Time) error {
	if externalID == "" {
		return ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.claimedLocked(c)
	if err != nil {
		return err
	}
	if owner, ok := s.extID[externalID]; ok && owner != j.ID {
		return ErrDuplicateExtID
	}
	if j.ExternalID != "" && j.ExternalID != externalID {
		delete(s.extID, j.ExternalID)
	}
	s.extID[externalID] = j.ID
	until := leaseUntil.UTC()
	j.ExternalID = externalID
	j.LeaseUntil = &until
	j.UpdatedAt = now.UTC()
	return nil
}

func (s *MemoryStore) ExtendLease(ctx context.Context, c Claim, leaseUntil, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.claimedLocked(c)
	if err != nil {
		return err
	}
	until := leaseUntil.UTC()
	j.LeaseUntil = &until
	j.UpdatedAt = now.UTC()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return *j, nil
}

func (s *MemoryStore) FindByExternalID(ctx context.Context, externalID string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.extID[externalID]
	if !ok {
		return Job{}, ErrNotFound
	}
	return *s.jobs[id], nil
}

func (s *MemoryStore) ListFailed(ctx context.Context, f FailedFilter) ([]Job, error) {
	f = f.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Job, 0)
	for _, id := range s.order {
		if j := s.jobs[id]; f.matches(*j) {
			out = append(out, *j)
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].UpdatedAt.After(out[b].UpdatedAt) })
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ExpiredLeases(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Job, 0)
	for _, id := range s.order {
		j := s.jobs[id]
		if j.Status == StatusInFlight && j.LeaseUntil != nil && j.LeaseUntil.Before(now) {
			out = append(out, *j)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) HasOpenDependents(ctx context.Context, fingerprint string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Payload.Fingerprint == fingerprint && !j.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) CountOpenByRun(ctx context.Context, runID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Payload.RunID == runID && !j.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Requeue(ctx context.Context, id string, now time.Time) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	if j.Status != StatusDeadLettered && j.Status != StatusFailed {
		return Job{}, ErrNotTerminal
	}
	if other, ok := s.openByDedupeLocked(j.Kind, j.DedupeKey); ok && other.ID != j.ID {
		return Job{}, ErrInvalidArgument
	}
	if j.ExternalID != "" {
		delete(s.extID, j.ExternalID)
	}
	j.Status = StatusQueued
	j.Outcome = OutcomeNone
	j.AvailableAt = now.UTC()
	j.UpdatedAt = now.UTC()
	j.ExternalID = ""
	j.ResolvedAt = nil
	j.ResolvedBy = ""
	j.Requeues++
	release(j)
	return *j, nil
}

func (s *MemoryStore) Resolve(ctx context.Context, id, by string, now time.Time) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	if j.Status != StatusDeadLettered && j.Status != StatusFailed {
		return Job{}, ErrNotTerminal
	}
	if j.ResolvedAt != nil {
		return *j, nil
	}
	at := now.UTC()
	j.ResolvedAt = &at
	j.ResolvedBy = by
	j.UpdatedAt = at
	return *j, nil
}

// All returns a snapshot of every job in insertion order.
func (s *MemoryStore) All() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.jobs[id])
	}
	return out
}

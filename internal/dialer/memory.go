package dialer

import (
	"context"
	"sort"
	"sync"
	"time"

	"outreach-platform/internal/jobs"
)

type attemptKey struct{ run, contact string }

// MemoryStore keeps attempts in process and enqueues follow-ups on a
// jobs.MemoryStore under the same lock.
type MemoryStore struct {
	mu       sync.Mutex
	attempts map[attemptKey]Attempt
	jobs     *jobs.MemoryStore
	gate     CancelGate
}

func NewMemoryStore(js *jobs.MemoryStore) *MemoryStore {
	return &MemoryStore{attempts: map[attemptKey]Attempt{}, jobs: js}
}

// WithCancelGate makes Save refuse follow-up dials for cancelled runs.
func (s *MemoryStore) WithCancelGate(g CancelGate) *MemoryStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = g
	return s
}

func (s *MemoryStore) Create(ctx context.Context, attempts []Attempt, seed []jobs.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range attempts {
		if _, ok := s.attempts[attemptKey{a.RunID, a.ContactID}]; ok {
			return ErrExists
		}
	}
	if len(seed) > 0 {
		if _, err := s.jobs.Enqueue(ctx, seed...); err != nil {
			return err
		}
	}
	for _, a := range attempts {
		a.Version = 1
		s.attempts[attemptKey{a.RunID, a.ContactID}] = a
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, runID, contactID string) (Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[attemptKey{runID, contactID}]
	if !ok {
		return Attempt{}, ErrNotFound
	}
	return a, nil
}

func (s *MemoryStore) Save(ctx context.Context, next Attempt, prevVersion int, followUps []jobs.Job) (Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := attemptKey{next.RunID, next.ContactID}
	cur, ok := s.attempts[key]
	if !ok {
		return Attempt{}, ErrNotFound
	}
	if cur.Version != prevVersion {
		return Attempt{}, ErrConflict
	}
	if len(followUps) > 0 && s.gate != nil {
		cancelled, err := s.gate.RunCancelled(ctx, next.RunID)
		if err != nil {
			return Attempt{}, err
		}
		if cancelled {
			return Attempt{}, ErrRunCancelled
		}
	}
	if len(followUps) > 0 {
		if _, err := s.jobs.Enqueue(ctx, followUps...); err != nil {
			return Attempt{}, err
		}
	}
	next.Version = prevVersion + 1
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}
	s.attempts[key] = next
	return next, nil
}

func (s *MemoryStore) ListByRun(ctx context.Context, runID string) ([]Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Attempt, 0)
	for k, a := range s.attempts {
		if k.run == runID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContactID < out[j].ContactID })
	return out, nil
}

func (s *MemoryStore) FindOpenByPhone(ctx context.Context, number string) ([]Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Attempt, 0)
	for _, a := range s.attempts {
		if a.State.Terminal() {
			continue
		}
		for _, n := range a.Numbers {
			if n.Number == number {
				out = append(out, a)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RunID != out[j].RunID {
			return out[i].RunID < out[j].RunID
		}
		return out[i].ContactID < out[j].ContactID
	})
	return out, nil
}

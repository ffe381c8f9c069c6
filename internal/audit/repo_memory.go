package audit

import (
	"context"
	"sync"
)

// MemoryRepo keeps events in append order for tests and APP_STORE=memory.
type MemoryRepo struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Append(ctx context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of every event.
func (r *MemoryRepo) Events() []Event {
	return r.filter(func(Event) bool { return true })
}

// ForJob returns the repair trail of one job.
func (r *MemoryRepo) ForJob(jobID string) []Event {
	return r.filter(func(e Event) bool { return e.JobID == jobID })
}

// ForRun returns campaign and repair events that name runID.
func (r *MemoryRepo) ForRun(runID string) []Event {
	return r.filter(func(e Event) bool { return e.RunID == runID })
}

func (r *MemoryRepo) filter(keep func(Event) bool) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, 0, len(r.events))
	for _, e := range r.events {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

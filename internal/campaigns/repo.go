package campaigns

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"outreach-platform/pkg/utils"
)

type MemoryRepo struct {
	mu   sync.Mutex
	runs map[string]Run
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{runs: map[string]Run{}} }

func (r *MemoryRepo) Create(ctx context.Context, run Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[run.ID]; ok {
		return errors.New("campaigns: run already exists")
	}
	r.runs[run.ID] = run
	return nil
}

func (r *MemoryRepo) Get(ctx context.Context, id string) (Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return Run{}, ErrNotFound
	}
	return run, nil
}

func (r *MemoryRepo) MarkCancelled(ctx context.Context, id string, at time.Time) (Run, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return Run{}, false, ErrNotFound
	}
	if run.CancelledAt != nil || run.CompletedAt != nil {
		return run, false, nil
	}
	t := at.UTC()
	run.CancelledAt = &t
	r.runs[id] = run
	return run, true, nil
}

// RunCancelled reports whether run id was cancelled.
func (r *MemoryRepo) RunCancelled(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return false, ErrNotFound
	}
	return run.CancelledAt != nil, nil
}

func (r *MemoryRepo) MarkCompleted(ctx context.Context, id string, at time.Time) (Run, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return Run{}, false, ErrNotFound
	}
	if run.CompletedAt != nil {
		return run, false, nil
	}
	t := at.UTC()
	run.CompletedAt = &t
	r.runs[id] = run
	return run, true, nil
}

const runColumns = `id, name, group_id, contact_ids, message_id, message, audio_fingerprint, policy,
sms_enabled, created_by, created_at, deadline, tts_hold_until, cancelled_at, completed_at`

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Create(ctx context.Context, run Run) error {
	const q = `INSERT INTO call_runs (` + runColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	contacts, err := json.Marshal(run.ContactIDs)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(run.Message)
	if err != nil {
		return err
	}
	policy, err := json.Marshal(run.Policy)
	if err != nil {
		return err
	}
	var deadline sql.NullTime
	if !run.Deadline.IsZero() {
		deadline = sql.NullTime{Time: run.Deadline.UTC(), Valid: true}
	}
	_, err = r.db.ExecContext(ctx, q,
		run.ID, run.Name, run.GroupID, contacts, run.MessageID, msg, run.AudioFingerprint, policy,
		run.SMSEnabled, run.CreatedBy, run.CreatedAt.UTC(), deadline,
		utils.NullTime(run.TTSHoldUntil), utils.NullTime(run.CancelledAt), utils.NullTime(run.CompletedAt),
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		run                          Run
		contacts, msg, policy        []byte
		deadline, hold, cancel, done sql.NullTime
	)
	err := row.Scan(
		&run.ID, &run.Name, &run.GroupID, &contacts, &run.MessageID, &msg, &run.AudioFingerprint, &policy,
		&run.SMSEnabled, &run.CreatedBy, &run.CreatedAt, &deadline, &hold, &cancel, &done,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, ErrNotFound
		}
		return Run{}, err
	}
	if err := json.Unmarshal(contacts, &run.ContactIDs); err != nil {
		return Run{}, err
	}
	if err := json.Unmarshal(msg, &run.Message); err != nil {
		return Run{}, err
	}
	if err := json.Unmarshal(policy, &run.Policy); err != nil {
		return Run{}, err
	}
	run.CreatedAt = run.CreatedAt.UTC()
	if deadline.Valid {
		run.Deadline = deadline.Time.UTC()
	}
	run.TTSHoldUntil = utils.TimePtr(hold)
	run.CancelledAt = utils.TimePtr(cancel)
	run.CompletedAt = utils.TimePtr(done)
	return run, nil
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (Run, error) {
	const q = `SELECT ` + runColumns + ` FROM call_runs WHERE id = $1`
	return scanRun(r.db.QueryRowContext(ctx, q, id))
}

func (r *PostgresRepo) MarkCancelled(ctx context.Context, id string, at time.Time) (Run, bool, error) {
	const q = `
UPDATE call_runs SET cancelled_at = $2
WHERE id = $1 AND cancelled_at IS NULL AND completed_at IS NULL
RETURNING ` + runColumns
	return r.markOnce(ctx, q, id, at)
}

func (r *PostgresRepo) MarkCompleted(ctx context.Context, id string, at time.Time) (Run, bool, error) {
	const q = `
UPDATE call_runs SET completed_at = $2
WHERE id = $1 AND completed_at IS NULL
RETURNING ` + runColumns
	return r.markOnce(ctx, q, id, at)
}

func (r *PostgresRepo) markOnce(ctx context.Context, q, id string, at time.Time) (Run, bool, error) {
	run, err := scanRun(r.db.QueryRowContext(ctx, q, id, at.UTC()))
	if err == nil {
		return run, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Run{}, false, err
	}
	// Already marked, or missing.
	run, err = r.Get(ctx, id)
	if err != nil {
		return Run{}, false, err
	}
	return run, false, nil
}

package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"outreach-platform/pkg/utils"
)

// NOTE: This store assumes the schema in migrations/000001_init.up.sql:
// - jobs (never deleted)
// - UNIQUE (kind, dedupe_key) WHERE dedupe_key <> '' AND status IN ('queued','in-flight')
// - UNIQUE (external_id) WHERE external_id <> ''

const jobColumns = `id, kind, payload, attempts, max_attempts, last_error, status, outcome,
created_at, available_at, updated_at, claim_token, claimed_by, lease_until,
external_id, dedupe_key, resolved_at, resolved_by, requeues`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var (
		j        Job
		payload  []byte
		lease    sql.NullTime
		resolved sql.NullTime
	)
	if err := row.Scan(
		&j.ID,
		&j.Kind,
		&payload,
		&j.Attempts,
		&j.MaxAttempts,
		&j.LastError,
		&j.Status,
		&j.Outcome,
		&j.CreatedAt,
		&j.AvailableAt,
		&j.UpdatedAt,
		&j.ClaimToken,
		&j.ClaimedBy,
		&lease,
		&j.ExternalID,
		&j.DedupeKey,
		&resolved,
		&j.ResolvedBy,
		&j.Requeues,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &j.Payload); err != nil {
			return Job{}, fmt.Errorf("jobs: decode payload %s: %w", j.ID, err)
		}
	}
	j.LeaseUntil = utils.TimePtr(lease)
	j.ResolvedAt = utils.TimePtr(resolved)
	j.CreatedAt = j.CreatedAt.UTC()
	j.AvailableAt = j.AvailableAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	return j, nil
}

func scanJobs(rows *sql.Rows) ([]Job, error) {
	defer rows.Close()
	out := make([]Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// InsertTx enqueues j on db, which may be a transaction owned by another
// store. When an open job with the same dedupe key exists it is returned
// instead.
func InsertTx(ctx context.Context, db utils.DBTX, j Job, now time.Time) (Job, error) {
	j, err := Prepare(j, now)
	if err != nil {
		return Job{}, err
	}
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return Job{}, err
	}

	const q = `
INSERT INTO jobs (id, kind, payload, attempts, max_attempts, last_error, status, outcome,
                  created_at, available_at, updated_at, claim_token, claimed_by, lease_until,
                  external_id, dedupe_key, resolved_at, resolved_by, requeues)
VALUES ($1, $2, $3, 0, $4, $5, 'queued', '', $6, $7, $8, '', '', NULL, '', $9, NULL, '', 0)
ON CONFLICT (kind, dedupe_key) WHERE dedupe_key <> '' AND status IN ('queued', 'in-flight')
DO NOTHING
RETURNING ` + jobColumns

	out, err := scanJob(db.QueryRowContext(ctx, q,
		j.ID,
		j.Kind,
		payload,
		j.MaxAttempts,
		j.LastError,
		j.CreatedAt,
		j.AvailableAt,
		j.UpdatedAt,
		j.DedupeKey,
	))
	if errors.Is(err, ErrNotFound) {
		// Conflict: hand back the job that already holds the key.
		const existing = `
SELECT ` + jobColumns + `
FROM jobs
WHERE kind = $1 AND dedupe_key = $2 AND status IN ('queued', 'in-flight')
LIMIT 1
`
		return scanJob(db.QueryRowContext(ctx, existing, j.Kind, j.DedupeKey))
	}
	return out, err
}

func (s *PostgresStore) Enqueue(ctx context.Context, in ...Job) ([]Job, error) {
	now := time.Now().UTC()
	out := make([]Job, 0, len(in))
	err := utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		for _, j := range in {
			saved, err := InsertTx(ctx, tx, j, now)
			if err != nil {
				return err
			}
			out = append(out, saved)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) Claim(ctx context.Context, kind Kind, worker string, now time.Time, lease time.Duration) (Job, error) {
	// SKIP LOCKED lets concurrent workers claim distinct rows without waiting.
	const q = `
UPDATE jobs
SET status = 'in-flight', claim_token = $2, claimed_by = $3, lease_until = $4, updated_at = $5
WHERE id = (
  SELECT id FROM jobs
  WHERE kind = $1 AND status = 'queued' AND available_at <= $5
  ORDER BY created_at
  LIMIT 1
  FOR UPDATE SKIP LOCKED
)
RETURNING ` + jobColumns

	now = now.UTC()
	j, err := scanJob(s.db.QueryRowContext(ctx, q, kind, newClaimToken(), worker, now.Add(lease), now))
	if errors.Is(err, ErrNotFound) {
		return Job{}, ErrNoJob
	}
	return j, err
}

// staleOrMissing explains why a claim-guarded update matched no row.
func (s *PostgresStore) staleOrMissing(ctx context.Context, id string) error {
	const q = `SELECT 1 FROM jobs WHERE id = $1`
	var one int
	if err := s.db.QueryRowContext(ctx, q, id).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return ErrStaleClaim
}

func (s *PostgresStore) claimedUpdate(ctx context.Context, c Claim, q string, args ...any) (Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, ErrNotFound) {
		return Job{}, s.staleOrMissing(ctx, c.JobID)
	}
	return j, err
}

func (s *PostgresStore) Complete(ctx context.Context, c Claim, done Completion, now time.Time) (Job, error) {
	if !done.Status.Terminal() {
		return Job{}, ErrInvalidArgument
	}
	const q = `
UPDATE jobs
SET status = $3,
    outcome = $4,
    last_error = CASE WHEN $5 = '' THEN last_error ELSE $5 END,
    attempts = CASE WHEN $6 THEN LEAST(attempts + 1, max_attempts) ELSE attempts END,
    claim_token = '', claimed_by = '', lease_until = NULL, updated_at = $7
WHERE id = $1 AND claim_token = $2 AND status = 'in-flight'
RETURNING ` + jobColumns

	return s.claimedUpdate(ctx, c, q, c.JobID, c.Token, done.Status, done.Outcome, done.LastError, done.CountAttempt, now.UTC())
}

func (s *PostgresStore) Retry(ctx context.Context, c Claim, lastError string, availableAt, now time.Time) (Job, error) {
	// SET expressions see the pre-update row, so attempts + 1 is the new count.
	const q = `
UPDATE jobs
SET attempts = LEAST(attempts + 1, max_attempts),
    last_error = $3,
    status = CASE WHEN attempts + 1 >= max_attempts THEN 'dead-lettered' ELSE 'queued' END,
    outcome = CASE WHEN attempts + 1 >= max_attempts THEN 'exhausted' ELSE outcome END,
    available_at = CASE WHEN attempts + 1 >= max_attempts THEN available_at ELSE $4 END,
    claim_token = '', claimed_by = '', lease_until = NULL, updated_at = $5
WHERE id = $1 AND claim_token = $2 AND status = 'in-flight'
RETURNING ` + jobColumns

	return s.claimedUpdate(ctx, c, q, c.JobID, c.Token, lastError, availableAt.UTC(), now.UTC())
}

func (s *PostgresStore) Defer(ctx context.Context, c Claim, availableAt, now time.Time) error {
	const q = `
UPDATE jobs
SET status = 'queued', available_at = $3,
    claim_token = '', claimed_by = '', lease_until = NULL, updated_at = $4
WHERE id = $1 AND claim_token = $2 AND status = 'in-flight'
`
	return s.guardedExec(ctx, c, q, c.JobID, c.Token, availableAt.UTC(), now.UTC())
}

func (s *PostgresStore) AttachExternalID(ctx context.Context, c Claim, externalID string, leaseUntil, now time.Time) error {
	if externalID == "" {
		return ErrInvalidArgument
	}
	const q = `
UPDATE jobs
SET external_id = $3, lease_until = $4, updated_at = $5
WHERE id = $1 AND claim_token = $2 AND status = 'in-flight'
`
	err := s.guardedExec(ctx, c, q, c.JobID, c.Token, externalID, leaseUntil.UTC(), now.UTC())
	if utils.IsUniqueViolation(err) {
		return ErrDuplicateExtID
	}
	return err
}

func (s *PostgresStore) ExtendLease(ctx context.Context, c Claim, leaseUntil, now time.Time) error {
	const q = `
UPDATE jobs
SET lease_until = $3, updated_at = $4
WHERE id = $1 AND claim_token = $2 AND status = 'in-flight'
`
	return s.guardedExec(ctx, c, q, c.JobID, c.Token, leaseUntil.UTC(), now.UTC())
}

func (s *PostgresStore) guardedExec(ctx context.Context, c Claim, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	ok, err := utils.ExpectOneRow(res)
	if err != nil {
		return err
	}
	if !ok {
		return s.staleOrMissing(ctx, c.JobID)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Job, error) {
	const q = `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	return scanJob(s.db.QueryRowContext(ctx, q, id))
}

func (s *PostgresStore) FindByExternalID(ctx context.Context, externalID string) (Job, error) {
	const q = `SELECT ` + jobColumns + ` FROM jobs WHERE external_id = $1 AND external_id <> ''`
	return scanJob(s.db.QueryRowContext(ctx, q, externalID))
}

func (s *PostgresStore) ListFailed(ctx context.Context, f FailedFilter) ([]Job, error) {
	f = f.withDefaults()
	statuses := make([]string, 0, len(f.Statuses))
	for _, st := range f.Statuses {
		statuses = append(statuses, string(st))
	}

	const q = `
SELECT ` + jobColumns + `
FROM jobs
WHERE status = ANY($1::text[])
  AND ($2 = '' OR kind = $2)
  AND ($3 = '' OR payload->>'run_id' = $3)
  AND ($4 OR resolved_at IS NULL)
ORDER BY updated_at DESC
LIMIT $5
`
	rows, err := s.db.QueryContext(ctx, q, statuses, string(f.Kind), f.RunID, f.IncludeResolved, f.Limit)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

func (s *PostgresStore) ExpiredLeases(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
SELECT ` + jobColumns + `
FROM jobs
WHERE status = 'in-flight' AND lease_until < $1
ORDER BY lease_until
LIMIT $2
`
	rows, err := s.db.QueryContext(ctx, q, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

func (s *PostgresStore) HasOpenDependents(ctx context.Context, fingerprint string) (bool, error) {
	const q = `
SELECT EXISTS (
  SELECT 1 FROM jobs
  WHERE payload->>'fingerprint' = $1 AND status IN ('queued', 'in-flight')
)
`
	var ok bool
	if err := s.db.QueryRowContext(ctx, q, fingerprint).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (s *PostgresStore) CountOpenByRun(ctx context.Context, runID string) (int, error) {
	const q = `
SELECT count(*) FROM jobs
WHERE payload->>'run_id' = $1 AND status IN ('queued', 'in-flight')
`
	var n int
	if err := s.db.QueryRowContext(ctx, q, runID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *PostgresStore) Requeue(ctx context.Context, id string, now time.Time) (Job, error) {
	const q = `
UPDATE jobs
SET status = 'queued', outcome = '', available_at = $2, updated_at = $2,
    external_id = '', claim_token = '', claimed_by = '', lease_until = NULL,
    resolved_at = NULL, resolved_by = '', requeues = requeues + 1
WHERE id = $1 AND status IN ('dead-lettered', 'failed')
RETURNING ` + jobColumns

	j, err := scanJob(s.db.QueryRowContext(ctx, q, id, now.UTC()))
	if errors.Is(err, ErrNotFound) {
		return Job{}, s.notRepairable(ctx, id)
	}
	if utils.IsUniqueViolation(err) {
		// Another open job already holds this dedupe key.
		return Job{}, fmt.Errorf("jobs: requeue %s: %w", id, ErrInvalidArgument)
	}
	return j, err
}

func (s *PostgresStore) Resolve(ctx context.Context, id, by string, now time.Time) (Job, error) {
	const q = `
UPDATE jobs
SET resolved_at = COALESCE(resolved_at, $2),
    resolved_by = CASE WHEN resolved_at IS NULL THEN $3 ELSE resolved_by END,
    updated_at = CASE WHEN resolved_at IS NULL THEN $2 ELSE updated_at END
WHERE id = $1 AND status IN ('dead-lettered', 'failed')
RETURNING ` + jobColumns

	j, err := scanJob(s.db.QueryRowContext(ctx, q, id, now.UTC(), by))
	if errors.Is(err, ErrNotFound) {
		return Job{}, s.notRepairable(ctx, id)
	}
	return j, err
}

func (s *PostgresStore) notRepairable(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrNotTerminal
}

package dialer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"outreach-platform/internal/jobs"
	"outreach-platform/pkg/utils"
)

const attemptColumns = `run_id, contact_id, state, seq, leg, numbers, current_idx, secondary_tries,
cycles, excluded, reason, last_error, version, created_at, updated_at`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row rowScanner) (Attempt, error) {
	var (
		a        Attempt
		numbers  []byte
		excluded []byte
	)
	if err := row.Scan(
		&a.RunID,
		&a.ContactID,
		&a.State,
		&a.Seq,
		&a.Leg,
		&numbers,
		&a.Current,
		&a.SecondaryTries,
		&a.Cycles,
		&excluded,
		&a.Reason,
		&a.LastError,
		&a.Version,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Attempt{}, ErrNotFound
		}
		return Attempt{}, err
	}
	if err := json.Unmarshal(numbers, &a.Numbers); err != nil {
		return Attempt{}, err
	}
	if len(excluded) > 0 {
		if err := json.Unmarshal(excluded, &a.Excluded); err != nil {
			return Attempt{}, err
		}
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return a, nil
}

func encodeLists(a Attempt) (numbers, excluded []byte, err error) {
	if a.Numbers == nil {
		a.Numbers = []Number{}
	}
	if a.Excluded == nil {
		a.Excluded = []string{}
	}
	if numbers, err = json.Marshal(a.Numbers); err != nil {
		return nil, nil, err
	}
	if excluded, err = json.Marshal(a.Excluded); err != nil {
		return nil, nil, err
	}
	return numbers, excluded, nil
}

func (s *PostgresStore) Create(ctx context.Context, attempts []Attempt, seed []jobs.Job) error {
	const q = `
INSERT INTO contact_attempts (` + attemptColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1, $13, $14)
`
	now := time.Now().UTC()
	return utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		for _, j := range seed {
			if _, err := jobs.InsertTx(ctx, tx, j, now); err != nil {
				return err
			}
		}
		for _, a := range attempts {
			numbers, excluded, err := encodeLists(a)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, q,
				a.RunID, a.ContactID, a.State, a.Seq, a.Leg, numbers, a.Current, a.SecondaryTries,
				a.Cycles, excluded, a.Reason, a.LastError, a.CreatedAt.UTC(), a.UpdatedAt.UTC(),
			); err != nil {
				if utils.IsUniqueViolation(err) {
					return ErrExists
				}
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) Get(ctx context.Context, runID, contactID string) (Attempt, error) {
	const q = `SELECT ` + attemptColumns + ` FROM contact_attempts WHERE run_id = $1 AND contact_id = $2`
	return scanAttempt(s.db.QueryRowContext(ctx, q, runID, contactID))
}

func (s *PostgresStore) Save(ctx context.Context, next Attempt, prevVersion int, followUps []jobs.Job) (Attempt, error) {
	const q = `
UPDATE contact_attempts
SET state = $4, seq = $5, leg = $6, numbers = $7, current_idx = $8, secondary_tries = $9,
    cycles = $10, excluded = $11, reason = $12, last_error = $13,
    version = version + 1, updated_at = $14
WHERE run_id = $1 AND contact_id = $2 AND version = $3
`
	numbers, excluded, err := encodeLists(next)
	if err != nil {
		return Attempt{}, err
	}
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}

	err = utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, q,
			next.RunID, next.ContactID, prevVersion,
			next.State, next.Seq, next.Leg, numbers, next.Current, next.SecondaryTries,
			next.Cycles, excluded, next.Reason, next.LastError, next.UpdatedAt.UTC(),
		)
		if err != nil {
			return err
		}
		ok, err := utils.ExpectOneRow(res)
		if err != nil {
			return err
		}
		if !ok {
			return ErrConflict
		}
		if len(followUps) == 0 {
			return nil
		}
		// The share lock orders this insert against a concurrent cancel.
		var cancelled bool
		err = tx.QueryRowContext(ctx, `SELECT cancelled_at IS NOT NULL FROM call_runs WHERE id = $1 FOR SHARE`, next.RunID).Scan(&cancelled)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if cancelled {
			return ErrRunCancelled
		}
		for _, j := range followUps {
			if _, err := jobs.InsertTx(ctx, tx, j, next.UpdatedAt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Attempt{}, err
	}
	next.Version = prevVersion + 1
	return next, nil
}

func (s *PostgresStore) ListByRun(ctx context.Context, runID string) ([]Attempt, error) {
	const q = `SELECT ` + attemptColumns + ` FROM contact_attempts WHERE run_id = $1 ORDER BY contact_id`
	rows, err := s.db.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, err
	}
	return scanAttempts(rows)
}

func (s *PostgresStore) FindOpenByPhone(ctx context.Context, number string) ([]Attempt, error) {
	const q = `
SELECT ` + attemptColumns + `
FROM contact_attempts
WHERE state NOT IN ('CONFIRMED', 'MANUAL_NEEDED', 'ERROR')
  AND numbers @> jsonb_build_array(jsonb_build_object('number', $1::text))
ORDER BY run_id, contact_id
`
	rows, err := s.db.QueryContext(ctx, q, number)
	if err != nil {
		return nil, err
	}
	return scanAttempts(rows)
}

func scanAttempts(rows *sql.Rows) ([]Attempt, error) {
	defer rows.Close()
	out := make([]Attempt, 0)
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

package audit

import (
	"context"
	"database/sql"
)

// PostgresRepo appends to audit_events. It only ever INSERTs.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (id, actor_id, actor_role, ip, type, job_id, run_id, message, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE(NULLIF($9, '')::jsonb, '{}'::jsonb), $10)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID, e.ActorID, e.ActorRole, e.IPAddress, e.Type, e.JobID, e.RunID, e.Message, e.Metadata, e.CreatedAt.UTC(),
	)
	return err
}

package speech

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"time"
)

// Index maps fingerprints to assets.
type Index interface {
	Get(ctx context.Context, fingerprint string) (Asset, error)
	// Put upserts by fingerprint.
	Put(ctx context.Context, a Asset) error
	Touch(ctx context.Context, fingerprint string, at time.Time) error
	UnusedSince(ctx context.Context, cutoff time.Time) ([]Asset, error)
	Delete(ctx context.Context, fingerprint string) error
}

type MemoryIndex struct {
	mu     sync.RWMutex
	assets map[string]Asset
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{assets: map[string]Asset{}}
}

func (m *MemoryIndex) Get(ctx context.Context, fingerprint string) (Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assets[fingerprint]
	if !ok {
		return Asset{}, ErrNotFound
	}
	return a, nil
}

func (m *MemoryIndex) Put(ctx context.Context, a Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assets[a.Fingerprint] = a
	return nil
}

func (m *MemoryIndex) Touch(ctx context.Context, fingerprint string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assets[fingerprint]
	if !ok {
		return ErrNotFound
	}
	if at.After(a.LastUsedAt) {
		a.LastUsedAt = at.UTC()
		m.assets[fingerprint] = a
	}
	return nil
}

func (m *MemoryIndex) UnusedSince(ctx context.Context, cutoff time.Time) ([]Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Asset, 0)
	for _, a := range m.assets {
		if a.LastUsedAt.Before(cutoff) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUsedAt.Before(out[j].LastUsedAt) })
	return out, nil
}

func (m *MemoryIndex) Delete(ctx context.Context, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.assets, fingerprint)
	return nil
}

const assetColumns = `fingerprint, storage_path, status, error, size_bytes, generated_at, last_used_at`

// PostgresIndex stores assets in audio_assets.
type PostgresIndex struct {
	db *sql.DB
}

func NewPostgresIndex(db *sql.DB) *PostgresIndex {
	return &PostgresIndex{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAsset(row rowScanner) (Asset, error) {
	var a Asset
	if err := row.Scan(&a.Fingerprint, &a.StoragePath, &a.Status, &a.Error, &a.SizeBytes, &a.GeneratedAt, &a.LastUsedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Asset{}, ErrNotFound
		}
		return Asset{}, err
	}
	a.GeneratedAt = a.GeneratedAt.UTC()
	a.LastUsedAt = a.LastUsedAt.UTC()
	return a, nil
}

func (p *PostgresIndex) Get(ctx context.Context, fingerprint string) (Asset, error) {
	const q = `SELECT ` + assetColumns + ` FROM audio_assets WHERE fingerprint = $1`
	return scanAsset(p.db.QueryRowContext(ctx, q, fingerprint))
}

func (p *PostgresIndex) Put(ctx context.Context, a Asset) error {
	const q = `
INSERT INTO audio_assets (` + assetColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (fingerprint) DO UPDATE
SET storage_path = EXCLUDED.storage_path,
    status = EXCLUDED.status,
    error = EXCLUDED.error,
    size_bytes = EXCLUDED.size_bytes,
    generated_at = EXCLUDED.generated_at,
    last_used_at = GREATEST(audio_assets.last_used_at, EXCLUDED.last_used_at)
`
	_, err := p.db.ExecContext(ctx, q, a.Fingerprint, a.StoragePath, a.Status, a.Error, a.SizeBytes, a.GeneratedAt.UTC(), a.LastUsedAt.UTC())
	return err
}

func (p *PostgresIndex) Touch(ctx context.Context, fingerprint string, at time.Time) error {
	const q = `UPDATE audio_assets SET last_used_at = GREATEST(last_used_at, $2) WHERE fingerprint = $1`
	res, err := p.db.ExecContext(ctx, q, fingerprint, at.UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresIndex) UnusedSince(ctx context.Context, cutoff time.Time) ([]Asset, error) {
	const q = `SELECT ` + assetColumns + ` FROM audio_assets WHERE last_used_at < $1 ORDER BY last_used_at`
	rows, err := p.db.QueryContext(ctx, q, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Asset, 0)
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresIndex) Delete(ctx context.Context, fingerprint string) error {
	const q = `DELETE FROM audio_assets WHERE fingerprint = $1`
	_, err := p.db.ExecContext(ctx, q, fingerprint)
	return err
}

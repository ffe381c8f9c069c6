package campaigns

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"outreach-platform/internal/dialer"
)

// MemoryDirectory is an in-process Directory for tests and APP_STORE=memory.
type MemoryDirectory struct {
	mu       sync.RWMutex
	contacts map[string]Contact
	groups   map[string][]string
	messages map[string]Message
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		contacts: map[string]Contact{},
		groups:   map[string][]string{},
		messages: map[string]Message{},
	}
}

func (d *MemoryDirectory) PutContact(c Contact) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.contacts[c.ID] = c
}

func (d *MemoryDirectory) PutGroup(groupID string, contactIDs ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.groups[groupID] = append([]string(nil), contactIDs...)
}

func (d *MemoryDirectory) PutMessage(m Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages[m.ID] = m
}

func (d *MemoryDirectory) GroupMembers(ctx context.Context, groupID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids, ok := d.groups[groupID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]string(nil), ids...), nil
}

func (d *MemoryDirectory) Contact(ctx context.Context, id string) (Contact, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.contacts[id]
	if !ok {
		return Contact{}, ErrNotFound
	}
	c.Phones = append([]dialer.Number(nil), c.Phones...)
	return c, nil
}

func (d *MemoryDirectory) Message(ctx context.Context, id string) (Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return m, nil
}

// PostgresDirectory reads the directory tables owned by the CRUD layer.
type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory { return &PostgresDirectory{db: db} }

func (d *PostgresDirectory) GroupMembers(ctx context.Context, groupID string) ([]string, error) {
	const q = `SELECT contact_id FROM group_members WHERE group_id = $1 ORDER BY contact_id`
	rows, err := d.db.QueryContext(ctx, q, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrNotFound
	}
	return ids, nil
}

func (d *PostgresDirectory) Contact(ctx context.Context, id string) (Contact, error) {
	const qc = `SELECT id, name FROM contacts WHERE id = $1`
	var c Contact
	if err := d.db.QueryRowContext(ctx, qc, id).Scan(&c.ID, &c.Name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Contact{}, ErrNotFound
		}
		return Contact{}, err
	}

	const qp = `
SELECT id, number, priority, is_primary
FROM contact_phones
WHERE contact_id = $1
ORDER BY is_primary DESC, priority ASC, id ASC
`
	rows, err := d.db.QueryContext(ctx, qp, id)
	if err != nil {
		return Contact{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var n dialer.Number
		if err := rows.Scan(&n.PhoneID, &n.Number, &n.Priority, &n.Primary); err != nil {
			return Contact{}, err
		}
		c.Phones = append(c.Phones, n)
	}
	return c, rows.Err()
}

func (d *PostgresDirectory) Message(ctx context.Context, id string) (Message, error) {
	const q = `SELECT id, body, voice, speed, provider, use_audio FROM messages WHERE id = $1`
	var m Message
	err := d.db.QueryRowContext(ctx, q, id).Scan(&m.ID, &m.Text, &m.Voice, &m.Speed, &m.Provider, &m.UseAudio)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	return m, err
}

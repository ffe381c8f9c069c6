package campaigns

import (
	"context"
	"errors"
	"time"

	"outreach-platform/internal/dialer"
)

var (
	ErrInvalidRequest = errors.New("campaigns: invalid request")
	ErrNotFound       = errors.New("campaigns: not found")
)

// Message is the speech/SMS content of a campaign, snapshotted on the run so
// later edits do not change what is already dialing.
type Message struct {
	ID       string  `json:"id"`
	Text     string  `json:"text"`
	Voice    string  `json:"voice,omitempty"`
	Speed    float64 `json:"speed,omitempty"`
	Provider string  `json:"provider,omitempty"`

	// UseAudio selects pre-generated speech over provider-side Say.
	UseAudio bool `json:"use_audio"`
}

type Contact struct {
	ID     string
	Name   string
	Phones []dialer.Number
}

// Directory is the read side of the contact/group/message CRUD layer.
type Directory interface {
	GroupMembers(ctx context.Context, groupID string) ([]string, error)
	Contact(ctx context.Context, id string) (Contact, error)
	Message(ctx context.Context, id string) (Message, error)
}

// RunPolicy is the part of the settings frozen on a run at start.
type RunPolicy struct {
	Dial            dialer.Policy `json:"dial"`
	CallMaxAttempts int           `json:"call_max_attempts"`
	SMSMaxAttempts  int           `json:"sms_max_attempts"`
}

// Run is one triggered campaign (a call run).
// Aggregates are never stored; see Status.
type Run struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	GroupID    string   `json:"group_id,omitempty"`
	ContactIDs []string `json:"contact_ids"`

	MessageID string  `json:"message_id"`
	Message   Message `json:"message"`

	// AudioFingerprint is empty when the run uses provider-side speech.
	AudioFingerprint string `json:"audio_fingerprint,omitempty"`

	Policy     RunPolicy `json:"policy"`
	SMSEnabled bool      `json:"sms_enabled"`

	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Deadline  time.Time `json:"deadline,omitempty"`

	// TTSHoldUntil bounds how long call jobs wait for the audio asset.
	TTSHoldUntil *time.Time `json:"tts_hold_until,omitempty"`

	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (r Run) Cancelled() bool { return r.CancelledAt != nil }

// DialPolicy is the policy the state machine applies for this run now.
func (r Run) DialPolicy() dialer.Policy {
	p := r.Policy.Dial
	p.Deadline = r.Deadline
	p.Cancelled = r.Cancelled()
	return p
}

// Repo persists runs.
type Repo interface {
	Create(ctx context.Context, r Run) error
	Get(ctx context.Context, id string) (Run, error)

	// MarkCancelled is idempotent: changed is false when the run was
	// already cancelled or completed.
	MarkCancelled(ctx context.Context, id string, at time.Time) (r Run, changed bool, err error)
	MarkCompleted(ctx context.Context, id string, at time.Time) (r Run, changed bool, err error)
}

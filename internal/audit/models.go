package audit

import "time"

// Event is an immutable, append-only audit log record of an operator or
// trigger action.
//
// Invariants:
// - Events are never updated or deleted.
// - actor_id is required.
// - ip capture is best-effort; do not block critical flows on audit failures.
type Event struct {
	ID   string    `json:"id"`
	Type EventType `json:"type"`

	// ActorID is the authenticated operator or trigger service.
	ActorID   string `json:"actor_id"`
	ActorRole string `json:"actor_role,omitempty"`

	// IPAddress is the resolved client IP when available.
	IPAddress string `json:"ip_address,omitempty"`

	// Target identifiers (optional, depending on the event type).
	JobID string `json:"job_id,omitempty"`
	RunID string `json:"run_id,omitempty"`

	Message string `json:"message,omitempty"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

type EventType string

const (
	EventCampaignStarted   EventType = "campaign_started"
	EventCampaignCancelled EventType = "campaign_cancelled"
	EventJobRequeued       EventType = "job_requeued"
	EventJobResolved       EventType = "job_resolved"
)

// Actor identifies who performed an action.
type Actor struct {
	ID   string
	Role string
	IP   string
}

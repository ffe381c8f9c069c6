package jobs

import "time"

// Kind selects the worker pool that processes a job.
type Kind string

const (
	KindCall Kind = "call"
	KindSMS  Kind = "sms"
	KindTTS  Kind = "tts-pregenerate"

	// KindCallback carries a gateway webhook delivery. Webhooks never mutate
	// state directly; they enqueue one of these.
	KindCallback Kind = "gateway-callback"
)

func (k Kind) Valid() bool {
	switch k {
	case KindCall, KindSMS, KindTTS, KindCallback:
		return true
	default:
		return false
	}
}

// Status is the job lifecycle:
// queued -> in-flight -> {succeeded | queued (retry) | failed | dead-lettered}.
// Terminal jobs only move again through an explicit operator Requeue.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusInFlight     Status = "in-flight"
	StatusSucceeded    Status = "succeeded"
	StatusFailed       Status = "failed"
	StatusDeadLettered Status = "dead-lettered"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusDeadLettered:
		return true
	default:
		return false
	}
}

// Outcome records why a job reached its terminal status. The dial state
// machine is replayed from it, so it must be written in the same update as
// the status.
type Outcome string

const (
	OutcomeNone         Outcome = ""
	OutcomeDelivered    Outcome = "delivered"
	OutcomeConfirmed    Outcome = "confirmed"
	OutcomeNotConfirmed Outcome = "not-confirmed"
	OutcomeNoAnswer     Outcome = "no-answer"
	OutcomeBusy         Outcome = "busy"
	OutcomeCallFailed   Outcome = "failed"
	OutcomeRejected     Outcome = "rejected"
	OutcomeExhausted    Outcome = "exhausted"
	OutcomeSuperseded   Outcome = "superseded"
	OutcomeHalted       Outcome = "halted"
)

// Leg distinguishes the primary number attempt from fallbacks.
type Leg string

const (
	LegPrimary   Leg = "primary"
	LegSecondary Leg = "secondary"
)

// CallbackEvent identifies which webhook produced a callback job.
type CallbackEvent string

const (
	CallbackCallStatus CallbackEvent = "call-status"
	CallbackDigits     CallbackEvent = "digits"
	CallbackSMSStatus  CallbackEvent = "sms-status"
	CallbackSMSReply   CallbackEvent = "sms-reply"

	// CallbackReplay re-applies a dead-lettered call job's outcome to its
	// contact. It is queued before the dead-letter write so the transition
	// survives a failed or interrupted inline replay.
	CallbackReplay CallbackEvent = "replay"
)

// Callback is the normalized webhook body stored on a gateway-callback job.
type Callback struct {
	Event CallbackEvent `json:"event"`

	// JobID is the correlated job from the webhook URL, if present.
	JobID      string `json:"job_id,omitempty"`
	ExternalID string `json:"external_id,omitempty"`

	Status string `json:"status,omitempty"`
	Digits string `json:"digits,omitempty"`

	From string `json:"from,omitempty"`
	Body string `json:"body,omitempty"`

	ReceivedAt time.Time `json:"received_at"`
}

// Payload is the channel-specific job body, persisted as JSON.
type Payload struct {
	RunID     string `json:"run_id,omitempty"`
	ContactID string `json:"contact_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`

	PhoneID string `json:"phone_id,omitempty"`
	Phone   string `json:"phone,omitempty"`

	// Seq is the contact attempt sequence number this job was issued for.
	Seq int `json:"seq,omitempty"`
	Leg Leg `json:"leg,omitempty"`

	Text        string  `json:"text,omitempty"`
	Voice       string  `json:"voice,omitempty"`
	Speed       float64 `json:"speed,omitempty"`
	Provider    string  `json:"provider,omitempty"`
	Fingerprint string  `json:"fingerprint,omitempty"`

	// HoldUntil bounds how long a call waits for its audio asset before
	// falling back to provider-side speech.
	HoldUntil *time.Time `json:"hold_until,omitempty"`

	Callback *Callback `json:"callback,omitempty"`
}

// Job is one unit of queued work. Jobs are never deleted.
type Job struct {
	ID          string  `json:"job_id"`
	Kind        Kind    `json:"kind"`
	Payload     Payload `json:"payload"`
	Attempts    int     `json:"attempts"`
	MaxAttempts int     `json:"max_attempts"`
	LastError   string  `json:"last_error,omitempty"`
	Status      Status  `json:"status"`
	Outcome     Outcome `json:"outcome,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	AvailableAt time.Time `json:"available_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	ClaimToken string     `json:"-"`
	ClaimedBy  string     `json:"claimed_by,omitempty"`
	LeaseUntil *time.Time `json:"lease_until,omitempty"`

	// ExternalID is the gateway call/message id; unique across jobs.
	ExternalID string `json:"external_id,omitempty"`

	// DedupeKey collapses enqueues while a job with the same key is open.
	DedupeKey string `json:"dedupe_key,omitempty"`

	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy string     `json:"resolved_by,omitempty"`

	// Requeues counts operator requeues.
	Requeues int `json:"requeues"`
}

// Claim identifies one exclusive processing lease on a job.
type Claim struct {
	JobID string
	Token string
}

func (j Job) Claim() Claim { return Claim{JobID: j.ID, Token: j.ClaimToken} }

// Completion describes how a claimed job finishes.
type Completion struct {
	Status    Status
	Outcome   Outcome
	LastError string

	// CountAttempt consumes one attempt. Permanent rejections do not.
	CountAttempt bool
}

// FailedFilter narrows the operator listing.
type FailedFilter struct {
	Statuses        []Status
	Kind            Kind
	RunID           string
	IncludeResolved bool
	Limit           int
}

func (f FailedFilter) withDefaults() FailedFilter {
	out := f
	if len(out.Statuses) == 0 {
		out.Statuses = []Status{StatusDeadLettered}
	}
	if out.Limit <= 0 || out.Limit > 500 {
		out.Limit = 100
	}
	return out
}

func (f FailedFilter) matches(j Job) bool {
	if f.Kind != "" && j.Kind != f.Kind {
		return false
	}
	if f.RunID != "" && j.Payload.RunID != f.RunID {
		return false
	}
	if !f.IncludeResolved && j.ResolvedAt != nil {
		return false
	}
	for _, s := range f.Statuses {
		if j.Status == s {
			return true
		}
	}
	return false
}

func nextAttempts(j Job) int {
	n := j.Attempts + 1
	if j.MaxAttempts > 0 && n > j.MaxAttempts {
		n = j.MaxAttempts
	}
	return n
}

package dialer

import (
	"sort"
	"time"

	"outreach-platform/internal/jobs"
)

// State is the per (contact, run) dial status.
type State string

const (
	StatePending          State = "PENDING"
	StateScheduled        State = "SCHEDULED"
	StateRingingPrimary   State = "RINGING_PRIMARY"
	StateRingingSecondary State = "RINGING_SECONDARY"
	StateNoAnswer         State = "NO_ANSWER"
	StateConfirmed        State = "CONFIRMED"
	StateManualNeeded     State = "MANUAL_NEEDED"
	StateError            State = "ERROR"
)

// Terminal states are immutable for the rest of the run.
func (s State) Terminal() bool {
	switch s {
	case StateConfirmed, StateManualNeeded, StateError:
		return true
	default:
		return false
	}
}

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StatePending, StateScheduled, StateRingingPrimary, StateRingingSecondary,
	StateNoAnswer, StateConfirmed, StateManualNeeded, StateError,
}

type Number struct {
	PhoneID  string `json:"phone_id"`
	Number   string `json:"number"`
	Priority int    `json:"priority"`
	Primary  bool   `json:"primary"`
}

// OrderNumbers returns the dial order: the primary number first, then
// secondaries by ascending priority. Ties keep their input order.
// Without a flagged primary the lowest priority number leads.
func OrderNumbers(in []Number) []Number {
	out := make([]Number, 0, len(in))
	for _, n := range in {
		if n.Number != "" {
			out = append(out, n)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Primary != out[j].Primary {
			return out[i].Primary
		}
		return out[i].Priority < out[j].Priority
	})
	for i := 1; i < len(out); i++ {
		out[i].Primary = false
	}
	return out
}

// Attempt is the mutable dial state of one contact in one run.
type Attempt struct {
	RunID     string `json:"run_id"`
	ContactID string `json:"contact_id"`
	State     State  `json:"state"`

	// Seq increases with every dial issued. Outcomes carrying an older Seq
	// belong to a superseded dial and are ignored.
	Seq int      `json:"seq"`
	Leg jobs.Leg `json:"leg"`

	Numbers []Number `json:"numbers"`
	// Current indexes Numbers: the number dialed for Seq.
	Current int `json:"current"`

	SecondaryTries int      `json:"secondary_tries"`
	Cycles         int      `json:"cycles"`
	Excluded       []string `json:"excluded,omitempty"`

	Reason    string `json:"reason,omitempty"`
	LastError string `json:"last_error,omitempty"`

	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewAttempt builds the initial PENDING attempt. A contact with no usable
// number starts in ERROR.
func NewAttempt(runID, contactID string, numbers []Number, now time.Time) Attempt {
	a := Attempt{
		RunID:     runID,
		ContactID: contactID,
		State:     StatePending,
		Seq:       1,
		Leg:       jobs.LegPrimary,
		Numbers:   OrderNumbers(numbers),
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
	if len(a.Numbers) == 0 {
		a.State = StateError
		a.Reason = ReasonNoPhone
	}
	return a
}

// CurrentNumber is the number dialed for the current Seq.
func (a Attempt) CurrentNumber() (Number, bool) {
	if a.Current < 0 || a.Current >= len(a.Numbers) {
		return Number{}, false
	}
	return a.Numbers[a.Current], true
}

func (a Attempt) excluded(phoneID string) bool {
	for _, id := range a.Excluded {
		if id == phoneID {
			return true
		}
	}
	return false
}

// Policy is the dial policy snapshot of a run.
type Policy struct {
	RetryDelay           time.Duration `json:"retry_delay"`
	MaxSecondaryAttempts int           `json:"max_secondary_attempts"`

	UniversalRetry      bool          `json:"universal_retry"`
	UniversalRetryDelay time.Duration `json:"universal_retry_delay"`
	MaxCycles           int           `json:"max_cycles"`

	// Deadline is a hard ceiling: no dial is scheduled at or after it.
	Deadline time.Time `json:"deadline"`

	Cancelled bool `json:"-"`
}

func (p Policy) pastDeadline(t time.Time) bool {
	return !p.Deadline.IsZero() && !t.Before(p.Deadline)
}

// Result is the business outcome of one dial.
type Result string

const (
	ResultConfirmed    Result = "confirmed"
	ResultNotConfirmed Result = "not-confirmed"
	ResultNoAnswer     Result = "no-answer"
	ResultBusy         Result = "busy"
	ResultFailed       Result = "failed"
)

type EventType string

const (
	EventPicked       EventType = "picked"
	EventOutcome      EventType = "outcome"
	EventRejected     EventType = "rejected"
	EventExhausted    EventType = "exhausted"
	EventAcknowledged EventType = "acknowledged"
)

type Event struct {
	Type   EventType
	Seq    int
	Result Result
	Reason string
}

// EventFromOutcome maps a finalized call job back onto the event that drives
// the machine. ok is false for outcomes that carry no dial information.
func EventFromOutcome(seq int, o jobs.Outcome, lastError string) (Event, bool) {
	switch o {
	case jobs.OutcomeConfirmed:
		return Event{Type: EventOutcome, Seq: seq, Result: ResultConfirmed}, true
	case jobs.OutcomeNotConfirmed:
		return Event{Type: EventOutcome, Seq: seq, Result: ResultNotConfirmed}, true
	case jobs.OutcomeNoAnswer:
		return Event{Type: EventOutcome, Seq: seq, Result: ResultNoAnswer}, true
	case jobs.OutcomeBusy:
		return Event{Type: EventOutcome, Seq: seq, Result: ResultBusy}, true
	case jobs.OutcomeCallFailed:
		return Event{Type: EventOutcome, Seq: seq, Result: ResultFailed}, true
	case jobs.OutcomeRejected:
		return Event{Type: EventRejected, Seq: seq, Reason: lastError}, true
	case jobs.OutcomeExhausted:
		return Event{Type: EventExhausted, Seq: seq, Reason: lastError}, true
	default:
		return Event{}, false
	}
}

type EffectType string

const (
	EffectDial     EffectType = "dial"
	EffectEscalate EffectType = "escalate"
)

// Effect is a side effect the caller must perform after persisting Next.
type Effect struct {
	Type   EffectType
	Seq    int
	Leg    jobs.Leg
	Number Number
	Delay  time.Duration
	Reason string
}

type Decision struct {
	Next    Attempt
	Effects []Effect
	Applied bool

	// Path lists every state entered, in order.
	Path []State

	// Ignored explains why an event was not applied.
	Ignored string
}

const (
	ReasonNoPhone   = "no phone number"
	ReasonNotFound  = "contact not found"
	ReasonCancelled = "campaign cancelled"
	ReasonDeadline  = "campaign deadline reached"
	ReasonExhausted = "attempts exhausted"
	ReasonNoNumbers = "no dialable numbers remain"
)

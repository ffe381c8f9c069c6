package dialer

import (
	"time"

	"outreach-platform/internal/jobs"
)

// Transition applies ev to a under policy p. It is pure: callers persist
// Next and then perform Effects.
//
// Events on terminal attempts and events whose Seq is not the current one
// are not applied (Ignored is set).
func Transition(a Attempt, ev Event, p Policy, now time.Time) Decision {
	d := Decision{Next: a}
	if a.State.Terminal() {
		d.Ignored = "attempt is terminal"
		return d
	}
	if ev.Type != EventAcknowledged && ev.Seq != a.Seq {
		d.Ignored = "stale sequence"
		return d
	}

	m := machine{d: d, p: p, now: now.UTC()}
	switch ev.Type {
	case EventPicked:
		m.picked()
	case EventOutcome:
		m.outcome(ev.Result)
	case EventRejected:
		m.rejected(ev.Reason)
	case EventExhausted:
		m.d.Next.LastError = ev.Reason
		m.manual(ReasonExhausted)
	case EventAcknowledged:
		m.confirm()
	default:
		m.d.Ignored = "unknown event"
		return m.d
	}
	if m.d.Applied {
		m.d.Next.UpdatedAt = m.now
	}
	return m.d
}

type machine struct {
	d   Decision
	p   Policy
	now time.Time
}

func (m *machine) enter(s State) {
	m.d.Applied = true
	m.d.Next.State = s
	m.d.Path = append(m.d.Path, s)
}

func (m *machine) picked() {
	switch m.d.Next.State {
	case StatePending, StateScheduled:
	case StateRingingPrimary, StateRingingSecondary:
		// Redelivered dial job for the current seq.
		m.d.Applied = true
		return
	default:
		m.d.Ignored = "not awaiting a dial"
		return
	}

	if m.p.Cancelled {
		m.manual(ReasonCancelled)
		return
	}
	if m.p.pastDeadline(m.now) {
		m.manual(ReasonDeadline)
		return
	}
	m.enter(ringing(m.d.Next.Leg))
}

func (m *machine) outcome(r Result) {
	if r == ResultConfirmed {
		m.confirm()
		return
	}
	m.d.Next.LastError = string(r)
	m.fallback(string(r))
}

func (m *machine) rejected(reason string) {
	a := &m.d.Next
	if n, ok := a.CurrentNumber(); ok && !a.excluded(n.PhoneID) {
		a.Excluded = append(append([]string(nil), a.Excluded...), n.PhoneID)
	}
	a.LastError = reason

	// A rejected secondary was never rung; its try is refunded.
	if a.Leg == jobs.LegSecondary && a.SecondaryTries > 0 {
		a.SecondaryTries--
	}

	if a.firstViable() < 0 {
		if reason == "" {
			reason = ReasonNoNumbers
		}
		a.Reason = reason
		m.enter(StateError)
		return
	}
	m.fallback(reason)
}

func (m *machine) confirm() {
	m.d.Next.Reason = ""
	m.d.Next.LastError = ""
	m.enter(StateConfirmed)
}

// fallback moves to the next secondary, a universal retry cycle, or
// escalation, in that order.
func (m *machine) fallback(cause string) {
	if m.p.Cancelled {
		m.manual(ReasonCancelled)
		return
	}
	a := &m.d.Next

	if a.SecondaryTries < m.p.MaxSecondaryAttempts {
		if idx := a.nextSecondary(); idx >= 0 {
			if m.p.pastDeadline(m.now.Add(m.p.RetryDelay)) {
				m.manual(ReasonDeadline)
				return
			}
			a.SecondaryTries++
			m.dial(idx, m.p.RetryDelay)
			m.enter(StateRingingSecondary)
			return
		}
	}

	m.enter(StateNoAnswer)
	if m.p.UniversalRetry && a.Cycles < m.p.MaxCycles {
		if m.p.pastDeadline(m.now.Add(m.p.UniversalRetryDelay)) {
			m.manual(ReasonDeadline)
			return
		}
		a.Cycles++
		a.SecondaryTries = 0
		m.dial(a.firstViable(), m.p.UniversalRetryDelay)
		m.enter(StateScheduled)
		return
	}
	m.manual(cause)
}

func (m *machine) dial(idx int, delay time.Duration) {
	a := &m.d.Next
	a.Seq++
	a.Current = idx
	a.Leg = legAt(idx)
	m.d.Effects = append(m.d.Effects, Effect{
		Type:   EffectDial,
		Seq:    a.Seq,
		Leg:    a.Leg,
		Number: a.Numbers[idx],
		Delay:  delay,
	})
}

func (m *machine) manual(reason string) {
	m.d.Next.Reason = reason
	m.enter(StateManualNeeded)
	m.d.Effects = append(m.d.Effects, Effect{Type: EffectEscalate, Seq: m.d.Next.Seq, Reason: reason})
}

// nextSecondary is the first non-excluded secondary after the current number.
func (a Attempt) nextSecondary() int {
	start := a.Current + 1
	if start < 1 {
		start = 1
	}
	for i := start; i < len(a.Numbers); i++ {
		if !a.excluded(a.Numbers[i].PhoneID) {
			return i
		}
	}
	return -1
}

func (a Attempt) firstViable() int {
	for i, n := range a.Numbers {
		if !a.excluded(n.PhoneID) {
			return i
		}
	}
	return -1
}

func legAt(idx int) jobs.Leg {
	if idx == 0 {
		return jobs.LegPrimary
	}
	return jobs.LegSecondary
}

func ringing(leg jobs.Leg) State {
	if leg == jobs.LegSecondary {
		return StateRingingSecondary
	}
	return StateRingingPrimary
}
